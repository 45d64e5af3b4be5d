package models

import (
	"fmt"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"

	"github.com/LawrenceMoruye/DL-Art-School/arprior"
	"github.com/LawrenceMoruye/DL-Art-School/diffusion"
	"github.com/LawrenceMoruye/DL-Art-School/quantizer"
	"github.com/LawrenceMoruye/DL-Art-School/vqvae"
)

func init() {
	Register("transformer_diffusion", func(ctx *context.Context) Model {
		return &Diffusion{Config: diffusion.FromContext(ctx)}
	})
	Register("transformer_diffusion_with_quantizer", func(ctx *context.Context) Model {
		return NewWithQuantizer(ctx)
	})
	Register("transformer_diffusion_with_ar_prior", func(ctx *context.Context) Model {
		return NewWithARPrior(ctx)
	})
	Register("transformer_diffusion_with_pretrained_vqvae", func(ctx *context.Context) Model {
		return NewWithPretrainedVqvae(ctx)
	})
	Register("transformer_diffusion_with_multi_vqvae", func(ctx *context.Context) Model {
		return NewWithMultiPretrainedVqvae(ctx)
	})
}

// Diffusion is the bare denoising trunk, conditioned directly on the codes
// given in Conditioning.Codes.
type Diffusion struct {
	Config *diffusion.Config
}

func (m *Diffusion) Forward(ctx *context.Context, x, timesteps *Node, cond Conditioning) Output {
	pred := m.Config.Forward(ctx, x, timesteps, diffusion.ConditioningSource{
		Codes:            cond.Codes,
		ConditioningFree: cond.ConditioningFree,
	})
	return Output{Prediction: pred}
}

func (m *Diffusion) UpdateForStep(step int64) {}

func (m *Diffusion) DebugValues() map[string]any { return map[string]any{} }

func (m *Diffusion) Trunk() *diffusion.Config { return m.Config }

// WithQuantizer trains the denoising trunk jointly with a gumbel-softmax
// quantizer over the ground-truth mel. The quantizer is frozen for the first
// FreezeQuantizerUntil steps: its projection is detached from the gradient
// flow and the diversity loss is scaled to zero, while a zero-valued term
// keeps its parameters registered with gradient synchronization.
type WithQuantizer struct {
	Diffusion *diffusion.Config
	Quantizer *quantizer.Quantizer

	FreezeQuantizerUntil int64

	step atomic.Int64
}

// NewWithQuantizer reads both sub-model configurations from ctx
// hyperparameters.
func NewWithQuantizer(ctx *context.Context) *WithQuantizer {
	return &WithQuantizer{
		Diffusion:            diffusion.FromContext(ctx),
		Quantizer:            quantizer.New(quantizer.FromContext(ctx)),
		FreezeQuantizerUntil: int64(context.GetParamOr(ctx, "freeze_quantizer_until", 20_000)),
	}
}

func (m *WithQuantizer) Forward(ctx *context.Context, x, timesteps *Node, cond Conditioning) Output {
	if cond.ConditioningFree {
		pred := m.Diffusion.Forward(ctx, x, timesteps, diffusion.ConditioningSource{ConditioningFree: true})
		return Output{Prediction: pred}
	}
	if cond.Mel == nil {
		exceptions.Panicf("models: %T requires the ground-truth mel as conditioning", m)
	}
	g := x.Graph()

	proj, diversityLoss, codes := m.Quantizer.Forward(ctx, cond.Mel)
	if m.step.Load() <= m.FreezeQuantizerUntil {
		proj = StopGradient(proj)
		diversityLoss = MulScalar(diversityLoss, 0)
		proj = Add(proj, diffusion.ZeroTermForScope(ctx.In(quantizer.Scope), g, proj.DType()))
	}

	pred := m.Diffusion.Forward(ctx, x, timesteps, diffusion.ConditioningSource{Codes: proj})
	return Output{Prediction: pred, DiversityLoss: diversityLoss, Codes: codes}
}

// UpdateForStep advances the gumbel temperature schedule. The temperature
// holds at its minimum while the quantizer is frozen and starts decaying from
// the maximum once training of the quantizer begins.
func (m *WithQuantizer) UpdateForStep(step int64) {
	m.step.Store(step)
	m.Quantizer.UpdateForStep(step, m.FreezeQuantizerUntil)
}

// ObserveCodes feeds executed quantizer code indices into the usage
// telemetry.
func (m *WithQuantizer) ObserveCodes(codes *tensors.Tensor) {
	m.Quantizer.RecordCodes(codes)
}

func (m *WithQuantizer) DebugValues() map[string]any {
	values := map[string]any{
		"gumbel_temperature": m.Quantizer.Temperature(),
	}
	if hist := m.Quantizer.CodeHistogram(); hist != nil {
		values["histogram_quant_codes"] = hist
	}
	return values
}

func (m *WithQuantizer) Trunk() *diffusion.Config { return m.Diffusion }

// WithARPrior conditions the trunk on continuous latents produced by a frozen
// autoregressive prior run over the ground-truth mel. Optionally
// (hyperparameter "freeze_except_code_converters") everything but the trunk's
// code-conversion layers is frozen, to fine-tune the trunk onto the prior's
// latent space.
type WithARPrior struct {
	Diffusion *diffusion.Config
	Prior     *arprior.Config
}

// NewWithARPrior reads both sub-model configurations from ctx
// hyperparameters. The trunk's code converter is switched to the AR input
// projection.
func NewWithARPrior(ctx *context.Context) *WithARPrior {
	diff := diffusion.FromContext(ctx)
	diff.ARPrior = true
	return &WithARPrior{
		Diffusion: diff,
		Prior:     arprior.FromContext(ctx),
	}
}

func (m *WithARPrior) Forward(ctx *context.Context, x, timesteps *Node, cond Conditioning) Output {
	if cond.ConditioningFree {
		pred := m.Diffusion.Forward(ctx, x, timesteps, diffusion.ConditioningSource{ConditioningFree: true})
		return Output{Prediction: pred}
	}
	if cond.Mel == nil {
		exceptions.Panicf("models: %T requires the ground-truth mel as conditioning", m)
	}
	latents := m.Prior.LatentsFromMel(ctx, cond.Mel)
	pred := m.Diffusion.Forward(ctx, x, timesteps, diffusion.ConditioningSource{Codes: latents})
	return Output{Prediction: pred}
}

func (m *WithARPrior) UpdateForStep(step int64) {}

func (m *WithARPrior) DebugValues() map[string]any { return map[string]any{} }

func (m *WithARPrior) Trunk() *diffusion.Config { return m.Diffusion }

// WithPretrainedVqvae conditions the trunk on the continuous code projection
// produced by a single frozen pretrained discrete-VAE codec over the
// ground-truth mel. The selected code indices are exposed only for usage
// telemetry.
type WithPretrainedVqvae struct {
	Diffusion *diffusion.Config
	VAE       *vqvae.VAE
}

// NewWithPretrainedVqvae reads both sub-model configurations from ctx
// hyperparameters.
func NewWithPretrainedVqvae(ctx *context.Context) *WithPretrainedVqvae {
	return &WithPretrainedVqvae{
		Diffusion: diffusion.FromContext(ctx),
		VAE:       vqvae.New(vqvae.FromContext(ctx)),
	}
}

func (m *WithPretrainedVqvae) Forward(ctx *context.Context, x, timesteps *Node, cond Conditioning) Output {
	if cond.ConditioningFree {
		pred := m.Diffusion.Forward(ctx, x, timesteps, diffusion.ConditioningSource{ConditioningFree: true})
		return Output{Prediction: pred}
	}
	if cond.Mel == nil {
		exceptions.Panicf("models: %T requires the ground-truth mel as conditioning", m)
	}
	proj, codes := m.VAE.Infer(ctx.In("vqvae"), cond.Mel)
	pred := m.Diffusion.Forward(ctx, x, timesteps, diffusion.ConditioningSource{Codes: proj})
	return Output{Prediction: pred, Codes: InsertAxes(codes, -1)}
}

func (m *WithPretrainedVqvae) UpdateForStep(step int64) {}

// ObserveCodes feeds executed codec indices into the usage telemetry.
func (m *WithPretrainedVqvae) ObserveCodes(codes *tensors.Tensor) {
	m.VAE.RecordCodes(codes)
}

func (m *WithPretrainedVqvae) DebugValues() map[string]any {
	values := map[string]any{}
	if hist := m.VAE.CodeHistogram(); hist != nil {
		values["histogram_quant_codes"] = hist
	}
	return values
}

func (m *WithPretrainedVqvae) Trunk() *diffusion.Config { return m.Diffusion }

// WithMultiPretrainedVqvae splits the mel channels into equal bands, encodes
// each band with its own frozen codec, and conditions the trunk on the
// continuous code projections of all codecs, concatenated in codec order
// along the feature axis. The code indices are exposed only for usage
// telemetry.
type WithMultiPretrainedVqvae struct {
	Diffusion *diffusion.Config
	VAEs      []*vqvae.VAE

	// MelChannels is the full mel channel count, split evenly across VAEs.
	MelChannels int
}

// NewWithMultiPretrainedVqvae reads the configurations from ctx
// hyperparameters: "num_vaes" codecs, each consuming
// "mel_channels"/"num_vaes" channels. The channel count must divide evenly.
func NewWithMultiPretrainedVqvae(ctx *context.Context) *WithMultiPretrainedVqvae {
	numVAEs := context.GetParamOr(ctx, "num_vaes", 2)
	melChannels := context.GetParamOr(ctx, "mel_channels", 256)
	if numVAEs <= 0 || melChannels%numVAEs != 0 {
		exceptions.Panicf("models: mel channels (%d) must divide evenly across %d codecs",
			melChannels, numVAEs)
	}
	vaeCfg := vqvae.FromContext(ctx)
	vaeCfg.Channels = melChannels / numVAEs
	vaes := make([]*vqvae.VAE, numVAEs)
	for i := range vaes {
		vaes[i] = vqvae.New(vaeCfg)
	}
	return &WithMultiPretrainedVqvae{
		Diffusion:   diffusion.FromContext(ctx),
		VAEs:        vaes,
		MelChannels: melChannels,
	}
}

func (m *WithMultiPretrainedVqvae) Forward(ctx *context.Context, x, timesteps *Node, cond Conditioning) Output {
	if cond.ConditioningFree {
		pred := m.Diffusion.Forward(ctx, x, timesteps, diffusion.ConditioningSource{ConditioningFree: true})
		return Output{Prediction: pred}
	}
	mel := cond.Mel
	if mel == nil {
		exceptions.Panicf("models: %T requires the ground-truth mel as conditioning", m)
	}
	if mel.Shape().Dimensions[1] != m.MelChannels {
		exceptions.Panicf("models: mel has %d channels, configured for %d",
			mel.Shape().Dimensions[1], m.MelChannels)
	}

	band := m.MelChannels / len(m.VAEs)
	projGroups := make([]*Node, len(m.VAEs))
	codeGroups := make([]*Node, len(m.VAEs))
	for i, vae := range m.VAEs {
		melBand := Slice(mel, AxisRange(), AxisRange(i*band, (i+1)*band), AxisRange())
		proj, codes := vae.Infer(ctx.Inf("vqvae_%d", i), melBand)
		projGroups[i] = proj
		codeGroups[i] = InsertAxes(codes, -1)
	}
	proj := Concatenate(projGroups, -1)  // [batch, codeLen, numVAEs*codebookDim]
	codes := Concatenate(codeGroups, -1) // [batch, codeLen, numVAEs]
	pred := m.Diffusion.Forward(ctx, x, timesteps, diffusion.ConditioningSource{Codes: proj})
	return Output{Prediction: pred, Codes: codes}
}

func (m *WithMultiPretrainedVqvae) UpdateForStep(step int64) {}

// ObserveCodes splits the executed codes by codec (they are interleaved along
// the last axis in codec order) and feeds each codec's usage telemetry.
func (m *WithMultiPretrainedVqvae) ObserveCodes(codes *tensors.Tensor) {
	flat := tensors.CopyFlatData[int32](codes)
	n := len(m.VAEs)
	for i, vae := range m.VAEs {
		group := make([]int32, 0, len(flat)/n)
		for j := i; j < len(flat); j += n {
			group = append(group, flat[j])
		}
		vae.RecordCodeValues(group)
	}
}

func (m *WithMultiPretrainedVqvae) DebugValues() map[string]any {
	values := map[string]any{}
	for i, vae := range m.VAEs {
		if hist := vae.CodeHistogram(); hist != nil {
			values[fmt.Sprintf("histogram_quant_codes_%d", i)] = hist
		}
	}
	return values
}

func (m *WithMultiPretrainedVqvae) Trunk() *diffusion.Config { return m.Diffusion }
