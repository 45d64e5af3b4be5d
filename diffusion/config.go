package diffusion

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ml/context"
)

// Config holds the hyperparameters of the TransformerDiffusion denoising
// network. Zero values are not meaningful; build one with NewConfig (library
// defaults) or FromContext (hyperparameters set in a context, the integration
// surface used by the model registry).
type Config struct {
	// InChannels is the number of channels of the noisy input signal
	// (e.g. mel-spectrogram bins). OutChannels is usually 2*InChannels:
	// mean and variance of the denoising target.
	InChannels  int
	OutChannels int

	// PrenetChannels is the width of the conditioning path (input projection
	// and code encoder). PrenetLayers is the depth of the code encoder.
	PrenetChannels int
	PrenetLayers   int

	// TimeEmbedDim is the width of the sinusoidal timestep embedding and of
	// the conditioning vector consumed by every block's normalization.
	TimeEmbedDim int

	// ModelChannels is the trunk width. ContractionDim is the width each
	// SubBlock contracts to; it must be divisible by NumHeads.
	ModelChannels  int
	ContractionDim int
	NumLayers      int
	NumHeads       int

	// RotaryEmbDim is the number of leading query/key dimensions rotated by
	// the rotary positional embedding.
	RotaryEmbDim int

	// InputVecDim is the feature width of the raw conditioning codes/prior.
	InputVecDim int

	Dropout float64

	// ReducedPrecision runs the transformer trunk in bfloat16; the output
	// head always computes in full precision.
	ReducedPrecision bool

	// ARPrior selects the autoregressive-prior ingestion path instead of the
	// code-converter path. The two paths have identical structure but live
	// in distinct variable scopes so that checkpoints do not alias.
	ARPrior bool

	// UnconditionedPercentage is the probability, per batch element, of
	// replacing the code embedding by the learned unconditioned embedding
	// during training (classifier-free guidance regularization).
	UnconditionedPercentage float64

	// FreezeExceptCodeConverters trains only the code ingestion linear layer
	// and encoder, freezing everything else. Used to fine-tune a small
	// adapter on top of frozen diffusion weights.
	FreezeExceptCodeConverters bool

	// CodebookSize and CodebookGroups describe raw discrete code inputs:
	// when Forward receives integer codes shaped [batch, codeLen, groups],
	// they are embedded with MultiGroupEmbedding before the converter.
	CodebookSize   int
	CodebookGroups int
}

// NewConfig returns a Config with the library defaults.
func NewConfig() *Config {
	return &Config{
		InChannels:              256,
		OutChannels:             512,
		PrenetChannels:          1024,
		PrenetLayers:            3,
		TimeEmbedDim:            256,
		ModelChannels:           1024,
		ContractionDim:          256,
		NumLayers:               8,
		NumHeads:                4,
		RotaryEmbDim:            32,
		InputVecDim:             1024,
		Dropout:                 0,
		UnconditionedPercentage: 0.1,
		CodebookSize:            256,
		CodebookGroups:          2,
	}
}

// FromContext builds a Config from hyperparameters set in ctx, falling back
// to the NewConfig defaults. This is what registry factories use, so an
// external orchestrator configures models purely through context settings.
func FromContext(ctx *context.Context) *Config {
	def := NewConfig()
	c := &Config{
		InChannels:                 context.GetParamOr(ctx, "in_channels", def.InChannels),
		OutChannels:                context.GetParamOr(ctx, "out_channels", def.OutChannels),
		PrenetChannels:             context.GetParamOr(ctx, "prenet_channels", def.PrenetChannels),
		PrenetLayers:               context.GetParamOr(ctx, "prenet_layers", def.PrenetLayers),
		TimeEmbedDim:               context.GetParamOr(ctx, "time_embed_dim", def.TimeEmbedDim),
		ModelChannels:              context.GetParamOr(ctx, "model_channels", def.ModelChannels),
		ContractionDim:             context.GetParamOr(ctx, "contraction_dim", def.ContractionDim),
		NumLayers:                  context.GetParamOr(ctx, "num_layers", def.NumLayers),
		NumHeads:                   context.GetParamOr(ctx, "num_heads", def.NumHeads),
		RotaryEmbDim:               context.GetParamOr(ctx, "rotary_emb_dim", def.RotaryEmbDim),
		InputVecDim:                context.GetParamOr(ctx, "input_vec_dim", def.InputVecDim),
		Dropout:                    context.GetParamOr(ctx, "dropout", def.Dropout),
		ReducedPrecision:           context.GetParamOr(ctx, "reduced_precision", false),
		ARPrior:                    context.GetParamOr(ctx, "ar_prior", false),
		UnconditionedPercentage:    context.GetParamOr(ctx, "unconditioned_percentage", def.UnconditionedPercentage),
		FreezeExceptCodeConverters: context.GetParamOr(ctx, "freeze_except_code_converters", false),
		CodebookSize:               context.GetParamOr(ctx, "codebook_size", def.CodebookSize),
		CodebookGroups:             context.GetParamOr(ctx, "codebook_groups", def.CodebookGroups),
	}
	c.Validate()
	return c
}

// Validate panics with an informative message on invalid combinations.
func (c *Config) Validate() {
	if c.ContractionDim%c.NumHeads != 0 {
		exceptions.Panicf("diffusion: contraction_dim=%d must be divisible by num_heads=%d",
			c.ContractionDim, c.NumHeads)
	}
	if c.PrenetChannels%64 != 0 {
		exceptions.Panicf("diffusion: prenet_channels=%d must be a multiple of 64 (one head per 64 channels)",
			c.PrenetChannels)
	}
	if c.RotaryEmbDim%2 != 0 {
		exceptions.Panicf("diffusion: rotary_emb_dim=%d must be even", c.RotaryEmbDim)
	}
	if c.TimeEmbedDim%2 != 0 {
		exceptions.Panicf("diffusion: time_embed_dim=%d must be even", c.TimeEmbedDim)
	}
	if c.UnconditionedPercentage < 0 || c.UnconditionedPercentage >= 1 {
		exceptions.Panicf("diffusion: unconditioned_percentage=%g must be in [0, 1)",
			c.UnconditionedPercentage)
	}
}

// Variable scope names for the two mutually exclusive conditioning ingestion
// paths. Kept distinct so a checkpoint trained with one path cannot silently
// load into the other.
func (c *Config) converterScope() string {
	if c.ARPrior {
		return "ar_input"
	}
	return "input_converter"
}

func (c *Config) encoderScope() string {
	if c.ARPrior {
		return "ar_prior_intg"
	}
	return "code_converter"
}
