// tdtrain trains one of the registered transformer-diffusion music model
// assemblies.
//
// It drives the model with synthetic mel spectrograms and code sequences, so
// the full training graph (denoising loss, diversity loss, freeze schedules)
// can be exercised end to end without a feature-extraction pipeline. Swap
// newSyntheticDataset for a real dataset to train on actual audio features.
package main

import (
	"flag"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/LawrenceMoruye/DL-Art-School/diffusion"
	"github.com/LawrenceMoruye/DL-Art-School/models"
)

var (
	flagModel = flag.String("model", "transformer_diffusion_with_quantizer",
		fmt.Sprintf("Model to train, one of %v.", models.Names()))
	flagSteps     = flag.Int("steps", 10_000, "Number of gradient descent steps to perform.")
	flagBatchSize = flag.Int("batch_size", 4, "Batch size for training.")
	flagSeqLen    = flag.Int("seq_len", 512, "Sequence length of the diffusion target.")

	flagCheckpoint = flag.String("checkpoint", "",
		"Directory to save and load checkpoints from. If left empty, no checkpoints are created.")
	flagCheckpointKeep   = flag.Int("checkpoint_keep", 3, "Number of checkpoints to keep, if --checkpoint is set.")
	flagCheckpointPeriod = flag.Int("checkpoint_period", 60, "Period in seconds between checkpoint saves.")

	flagPretrained = flag.String("pretrained", "",
		"Directory holding pretrained weights (codec, prior) to load before training.")
	flagPretrainedStrip = flag.String("pretrained_strip", "/",
		"Scope prefix to strip from the pretrained checkpoint's variables.")
	flagPretrainedScope = flag.String("pretrained_scope", "/",
		"Scope under which to place the pretrained checkpoint's variables.")
)

// createDefaultContext sets the context with default hyperparameters. Any of
// them can be overridden with --set.
func createDefaultContext() *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		optimizers.ParamLearningRate: 1e-4,

		// Diffusion process.
		"diffusion_timesteps":      4000,
		"diversity_loss_weight":    0.25,
		"unconditioned_percentage": 0.1,

		// Synthetic conditioning dimensions.
		"mel_channels": 256,
		"mel_length":   1024,
	})
	return ctx
}

func main() {
	ctx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	must.M1(commandline.ParseContextSettings(ctx, *settings))

	backend := must.M1(backends.New())
	klog.Infof("Backend %q: %s", backend.Name(), backend.Description())

	model := must.M1(models.New(*flagModel, ctx))

	if *flagPretrained != "" {
		var err error
		if *flagPretrainedStrip != "/" || *flagPretrainedScope != "/" {
			err = models.LoadPretrainedScoped(ctx, *flagPretrained, *flagPretrainedStrip, *flagPretrainedScope)
		} else {
			_, err = models.LoadPretrained(ctx, *flagPretrained)
		}
		if err != nil {
			klog.Exitf("Failed to load pretrained weights: %+v", err)
		}
	}
	var checkpoint *checkpoints.Handler
	if *flagCheckpoint != "" {
		checkpoint = must.M1(checkpoints.Build(ctx).
			Dir(data.ReplaceTildeInDir(*flagCheckpoint)).
			Keep(*flagCheckpointKeep).
			Done())
	}

	trainModel(backend, ctx, model, checkpoint)
}

func trainModel(backend backends.Backend, ctx *context.Context, model models.Model, checkpoint *checkpoints.Handler) {
	dataset := newSyntheticDataset(ctx, *flagBatchSize, *flagSeqLen)

	// The model returns its loss as the second prediction.
	customLoss := func(labels, predictions []*Node) *Node { return predictions[1] }
	diffusionMetric := metrics.NewExponentialMovingAverageMetric(
		"Moving Diffusion Loss", "~diff_loss", "diff_loss",
		func(ctx *context.Context, labels, predictions []*Node) *Node { return predictions[2] },
		func(t *tensors.Tensor) string { return fmt.Sprintf("%.4f", t.Value()) },
		0.01)

	trainer := train.NewTrainer(backend, ctx,
		trainingModelGraph(ctx, model),
		customLoss,
		optimizers.Adam().WeightDecay(1e-4).Done(),
		[]metrics.Interface{diffusionMetric}, // trainMetrics
		nil)                                  // evalMetrics

	loop := train.NewLoop(trainer)
	commandline.AttachProgressBar(loop)

	// Host-side schedules (gumbel temperature, freeze windows) advance with
	// the global step.
	train.EveryNSteps(loop, 1, "model step update", 0,
		func(loop *train.Loop, metrics []*tensors.Tensor) error {
			model.UpdateForStep(optimizers.GetGlobalStep(ctx))
			return nil
		})

	// Code-usage telemetry: periodically run the conditioning path in
	// inference mode and record which codebook entries were selected.
	if observer, ok := model.(models.StepObserver); ok {
		codesExec := context.NewExec(backend, ctx.Reuse(),
			func(ctx *context.Context, clean, mel, codes *Node) *Node {
				g := clean.Graph()
				ctx.SetTraining(g, false) // Some layers behave differently in train/eval.
				timesteps := Zeros(g, shapes.Make(dtypes.Int32, clean.Shape().Dimensions[0]))
				out := model.Forward(ctx, clean, timesteps, models.Conditioning{Mel: mel, Codes: codes})
				return out.Codes
			})
		train.EveryNSteps(loop, 100, "code usage telemetry", 110,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				_, inputs, _, err := dataset.Yield()
				if err != nil {
					return err
				}
				observer.ObserveCodes(codesExec.Call(inputs[0], inputs[1], inputs[2])[0])
				return nil
			})
	}

	if checkpoint != nil {
		period := time.Second * time.Duration(*flagCheckpointPeriod)
		train.PeriodicCallback(loop, period, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep >= *flagSteps {
		klog.Exitf("Current global step %d >= target --steps=%d, exiting.", globalStep, *flagSteps)
	}
	must.M1(loop.RunSteps(dataset, *flagSteps-globalStep))
	fmt.Printf("Median train step duration: %dms\n", loop.MedianTrainStepDuration().Milliseconds())
	fmt.Printf("Trunk parameter groups:\n%s", model.Trunk().GradNormParameterGroups(ctx))

	for name, value := range model.DebugValues() {
		klog.Infof("%s: %v", name, value)
	}
}

// trainingModelGraph builds the denoising training graph: noise the clean
// target at a random timestep, predict the noise conditioned on the mel, and
// combine the denoising loss with the weighted diversity loss.
//
// Returned nodes: prediction, total loss, denoising loss.
func trainingModelGraph(setupCtx *context.Context, model models.Model) train.ModelFn {
	numTimesteps := context.GetParamOr(setupCtx, "diffusion_timesteps", 4000)
	diversityWeight := context.GetParamOr(setupCtx, "diversity_loss_weight", 0.25)

	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		g := inputs[0].Graph()
		clean, mel, codes := inputs[0], inputs[1], inputs[2]
		batchSize := clean.Shape().Dimensions[0]
		dtype := clean.DType()

		noise := ctx.RandomNormal(g, clean.Shape())
		timestepFracs := ctx.RandomUniform(g, shapes.Make(dtype, batchSize))
		timesteps := ConvertDType(MulScalar(timestepFracs, float64(numTimesteps)), dtypes.Int32)

		// Cosine signal/noise schedule over the timestep fraction.
		angles := MulScalar(timestepFracs, math.Pi/2)
		signalRatios := InsertAxes(Cos(angles), -1, -1)
		noiseRatios := InsertAxes(Sin(angles), -1, -1)
		noisy := Add(Mul(clean, signalRatios), Mul(noise, noiseRatios))
		noisy = StopGradient(noisy)

		out := model.Forward(ctx, noisy, timesteps, models.Conditioning{Mel: mel, Codes: codes})

		// The prediction carries mean and variance channels; the denoising
		// loss reads the mean channels against the injected noise.
		inChannels := clean.Shape().Dimensions[1]
		predictedNoise := Slice(out.Prediction, AxisRange(), AxisRange(0, inChannels), AxisRange())
		diffusionLoss := ReduceAllMean(Square(Sub(predictedNoise, noise)))

		loss := diffusionLoss
		if out.DiversityLoss != nil {
			loss = Add(loss, MulScalar(ConvertDType(out.DiversityLoss, dtype), diversityWeight))
		}
		return []*Node{out.Prediction, loss, diffusionLoss}
	}
}

// syntheticDataset yields random mel spectrograms, clean diffusion targets
// and discrete code sequences with the configured dimensions. It is infinite.
type syntheticDataset struct {
	batchSize, seqLen   int
	inChannels          int
	melChannels, melLen int
	codeLen, codeGroups int
	codebookSize        int
	rng                 *rand.Rand
}

func newSyntheticDataset(ctx *context.Context, batchSize, seqLen int) *syntheticDataset {
	diffCfg := diffusion.FromContext(ctx)
	return &syntheticDataset{
		batchSize:    batchSize,
		seqLen:       seqLen,
		inChannels:   diffCfg.InChannels,
		melChannels:  context.GetParamOr(ctx, "mel_channels", 256),
		melLen:       context.GetParamOr(ctx, "mel_length", 1024),
		codeLen:      seqLen / 16,
		codeGroups:   diffCfg.CodebookGroups,
		codebookSize: diffCfg.CodebookSize,
		rng:          rand.New(rand.NewSource(42)),
	}
}

func (ds *syntheticDataset) Name() string { return "synthetic mel" }

func (ds *syntheticDataset) Reset() {}

func (ds *syntheticDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	clean := ds.randomNormal(ds.batchSize, ds.inChannels, ds.seqLen)
	mel := ds.randomNormal(ds.batchSize, ds.melChannels, ds.melLen)

	codeData := make([]int32, ds.batchSize*ds.codeLen*ds.codeGroups)
	for i := range codeData {
		codeData[i] = int32(ds.rng.Intn(ds.codebookSize))
	}
	codes := tensors.FromFlatDataAndDimensions(codeData, ds.batchSize, ds.codeLen, ds.codeGroups)

	return nil, []*tensors.Tensor{clean, mel, codes}, nil, nil
}

func (ds *syntheticDataset) randomNormal(dims ...int) *tensors.Tensor {
	size := 1
	for _, d := range dims {
		size *= d
	}
	data := make([]float32, size)
	for i := range data {
		data[i] = float32(ds.rng.NormFloat64())
	}
	return tensors.FromFlatDataAndDimensions(data, dims...)
}
