// Package quantizer implements a trainable gumbel-softmax vector quantizer
// over mel-spectrogram input, used as a learned source of conditioning codes
// for the diffusion models.
//
// The quantizer downsamples the mel sequence with a convolutional encoder,
// quantizes the result against grouped codebooks with a decaying gumbel
// temperature, and returns the code projection plus a diversity loss that
// pushes the model to use the whole codebook.
package quantizer

import (
	"math"
	"sync"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// Scope under which all quantizer variables live.
const Scope = "quantizer"

// Config holds the quantizer hyperparameters.
type Config struct {
	// InputChannels is the mel channel count; InnerDim the encoder width;
	// CodevectorDim the quantized projection width.
	InputChannels int
	InnerDim      int
	CodevectorDim int

	// CodebookSize entries per group, CodebookGroups independent codebooks.
	CodebookSize   int
	CodebookGroups int

	// Gumbel temperature schedule: starts at MaxTemperature, decays by
	// TemperatureDecay per step and is clamped at MinTemperature.
	MaxTemperature   float64
	MinTemperature   float64
	TemperatureDecay float64
}

// NewConfig returns the library defaults.
func NewConfig() *Config {
	return &Config{
		InputChannels:    256,
		InnerDim:         1024,
		CodevectorDim:    1024,
		CodebookSize:     256,
		CodebookGroups:   2,
		MaxTemperature:   4.0,
		MinTemperature:   0.5,
		TemperatureDecay: 0.9996,
	}
}

// FromContext builds a Config from context hyperparameters.
func FromContext(ctx *context.Context) *Config {
	def := NewConfig()
	return &Config{
		InputChannels:    context.GetParamOr(ctx, "in_channels", def.InputChannels),
		InnerDim:         context.GetParamOr(ctx, "quantizer_inner_dim", def.InnerDim),
		CodevectorDim:    context.GetParamOr(ctx, "quantizer_codevector_dim", def.CodevectorDim),
		CodebookSize:     context.GetParamOr(ctx, "quantizer_codebook_size", def.CodebookSize),
		CodebookGroups:   context.GetParamOr(ctx, "quantizer_codebook_groups", def.CodebookGroups),
		MaxTemperature:   context.GetParamOr(ctx, "quantizer_max_temperature", def.MaxTemperature),
		MinTemperature:   context.GetParamOr(ctx, "quantizer_min_temperature", def.MinTemperature),
		TemperatureDecay: context.GetParamOr(ctx, "quantizer_temperature_decay", def.TemperatureDecay),
	}
}

// Quantizer holds the schedule state and the recently-used-code telemetry.
// The learnable weights live in the context, under Scope.
type Quantizer struct {
	Config *Config

	mu          sync.Mutex
	temperature float64
	recorder    *codeRecorder
}

// New creates a Quantizer with the temperature at the configured minimum
// (raised to the maximum when the decay schedule starts, see UpdateForStep).
func New(cfg *Config) *Quantizer {
	if cfg.CodevectorDim%cfg.CodebookGroups != 0 {
		exceptions.Panicf("quantizer: codevector_dim=%d must be divisible by codebook_groups=%d",
			cfg.CodevectorDim, cfg.CodebookGroups)
	}
	return &Quantizer{
		Config:      cfg,
		temperature: cfg.MinTemperature,
		recorder:    newCodeRecorder(cfg.CodebookSize),
	}
}

// UpdateForStep advances the gumbel temperature schedule: it stays at
// MaxTemperature until freezeUntil steps have passed, then decays
// exponentially toward MinTemperature, where it is clamped.
func (q *Quantizer) UpdateForStep(step, freezeUntil int64) {
	decaySteps := step - freezeUntil
	if decaySteps < 0 {
		decaySteps = 0
	}
	t := q.Config.MaxTemperature * math.Pow(q.Config.TemperatureDecay, float64(decaySteps))
	q.mu.Lock()
	q.temperature = math.Max(t, q.Config.MinTemperature)
	q.mu.Unlock()
}

// Temperature returns the current gumbel temperature.
func (q *Quantizer) Temperature() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.temperature
}

// Forward builds the quantization graph over mel, shaped
// [batch, inputChannels, melLen]. It returns the code projection shaped
// [batch, melLen/4, codevectorDim], a scalar diversity loss, and the selected
// code indices shaped [batch, melLen/4, groups] (int32, for telemetry).
func (q *Quantizer) Forward(ctx *context.Context, mel *Node) (proj, diversityLoss, codes *Node) {
	g := mel.Graph()
	cfg := q.Config
	ctx = ctx.In(Scope)
	mel.AssertRank(3)

	h := Transpose(mel, 1, 2) // [batch, melLen, channels]
	h = q.encoder(ctx.In("encoder"), h)
	batchSize := h.Shape().Dimensions[0]
	codeLen := h.Shape().Dimensions[1]

	// Per-group codebook logits: [batch, codeLen, groups, codebookSize].
	logits := layers.Dense(ctx.In("code_logits"), h, true, cfg.CodebookGroups, cfg.CodebookSize)

	var oneHot *Node
	if ctx.IsTraining(g) {
		// Gumbel-softmax relaxation, sharpened as the temperature decays.
		uniform := ctx.RandomUniform(g, logits.Shape())
		uniform = ClipScalar(uniform, 1e-9, 1.0)
		gumbel := Neg(Log(Neg(Log(uniform))))
		oneHot = Softmax(DivScalar(Add(logits, gumbel), q.Temperature()), -1)
	} else {
		oneHot = OneHot(ArgMax(logits, -1, dtypes.Int32), cfg.CodebookSize, logits.DType())
	}
	codes = ArgMax(logits, -1, dtypes.Int32) // [batch, codeLen, groups]

	// Codevectors [groups, codebookSize, codevectorDim/groups]; weighted sum
	// per group, concatenated along features.
	codevectorsVar := ctx.WithInitializer(initializers.RandomNormalFn(ctx, 0.02)).
		VariableWithShape("codevectors", shapes.Make(logits.DType(),
			cfg.CodebookGroups, cfg.CodebookSize, cfg.CodevectorDim/cfg.CodebookGroups))
	quantized := Einsum("blgv,gvd->blgd", oneHot, codevectorsVar.ValueGraph(g))
	quantized = Reshape(quantized, batchSize, codeLen, cfg.CodevectorDim)

	proj = layers.Dense(ctx.In("out_proj"), quantized, true, cfg.CodevectorDim)
	diversityLoss = q.diversityLoss(oneHot)
	return proj, diversityLoss, codes
}

// encoder downsamples the mel sequence by 4x with strided convolutions.
func (q *Quantizer) encoder(ctx *context.Context, h *Node) *Node {
	cfg := q.Config
	for i := range 2 {
		layerCtx := ctx.Inf("%03d-down", i)
		h = layers.Convolution(layerCtx, h).
			Filters(cfg.InnerDim).KernelSize(3).Strides(2).PadSame().Done()
		h = layers.LayerNormalization(layerCtx.In("norm"), h, -1).Done()
		h = Mul(h, Sigmoid(h)) // SiLU
	}
	residual := h
	h = layers.Convolution(ctx.In("res_conv"), h).
		Filters(cfg.InnerDim).KernelSize(3).PadSame().Done()
	h = Mul(h, Sigmoid(h))
	return Add(h, residual)
}

// diversityLoss penalizes codebook collapse: it is zero when every code of
// every group is used uniformly, and approaches one as usage concentrates.
func (q *Quantizer) diversityLoss(oneHot *Node) *Node {
	cfg := q.Config
	// Mean usage per code over batch and sequence: [groups, codebookSize].
	usage := ReduceMean(oneHot, 0, 1)
	entropy := Neg(ReduceSum(Mul(usage, Log(AddScalar(usage, 1e-7))), -1)) // [groups]
	perplexity := Exp(entropy)
	perGroup := DivScalar(
		AddScalar(Neg(perplexity), float64(cfg.CodebookSize)), float64(cfg.CodebookSize))
	return ReduceAllMean(perGroup)
}
