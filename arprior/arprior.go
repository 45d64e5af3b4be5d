// Package arprior implements the frozen autoregressive prior: a causal
// transformer with rotary position embeddings that maps discrete music codes
// to continuous latents. The latents are fed to the diffusion model as
// precomputed conditioning embeddings instead of raw codes.
package arprior

import (
	"github.com/LawrenceMoruye/DL-Art-School/diffusion"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gopjrt/dtypes"
)

// Scope is the context scope holding the prior's variables.
const Scope = "ar_prior"

// Config holds the prior hyperparameters; they must match the pretrained
// checkpoint being loaded.
type Config struct {
	VocabSize int
	Dim       int
	NumLayers int
	NumHeads  int
	RotaryDim int
	Dropout   float64

	// MelLayers is the number of 2x downsampling convolution stages in the
	// mel ingestion front-end, bringing the mel down to the prior's code rate.
	MelLayers int
}

// FromContext builds a Config from context hyperparameters.
func FromContext(ctx *context.Context) *Config {
	return &Config{
		VocabSize: context.GetParamOr(ctx, "ar_prior_vocab_size", 8192),
		Dim:       context.GetParamOr(ctx, "ar_prior_dim", 512),
		NumLayers: context.GetParamOr(ctx, "ar_prior_layers", 12),
		NumHeads:  context.GetParamOr(ctx, "ar_prior_heads", 8),
		RotaryDim: context.GetParamOr(ctx, "ar_prior_rotary_dim", 32),
		Dropout:   context.GetParamOr(ctx, "ar_prior_dropout", 0.0),
		MelLayers: context.GetParamOr(ctx, "ar_prior_mel_layers", 2),
	}
}

// Validate panics with an informative error on inconsistent settings.
func (c *Config) Validate() {
	if c.Dim%c.NumHeads != 0 {
		exceptions.Panicf("arprior: dim (%d) must be divisible by heads (%d)", c.Dim, c.NumHeads)
	}
	if c.RotaryDim > c.Dim/c.NumHeads {
		exceptions.Panicf("arprior: rotary dim (%d) larger than head dim (%d)",
			c.RotaryDim, c.Dim/c.NumHeads)
	}
}

// Latents runs the frozen prior over codes, shaped [batch, seqLen] (integer
// dtype), and returns continuous latents shaped [batch, seqLen, dim].
//
// The prior is inference-only: its output is stop-gradient'ed and its
// variables are marked non-trainable.
func (c *Config) Latents(ctx *context.Context, codes *Node) *Node {
	c.Validate()
	ctx = ctx.In(Scope)
	codes.AssertRank(2)
	h := layers.Embedding(ctx.In("embedding"), codes, dtypes.Float32, c.VocabSize, c.Dim)
	return c.transformer(ctx, h)
}

// LatentsFromMel runs the frozen prior over the ground-truth mel reference,
// shaped [batch, melChannels, melLen]. A convolutional front-end downsamples
// the mel by 2^melLayers and projects it to the transformer width; the causal
// transformer then produces latents shaped [batch, melLen/2^melLayers, dim].
func (c *Config) LatentsFromMel(ctx *context.Context, mel *Node) *Node {
	c.Validate()
	ctx = ctx.In(Scope)
	mel.AssertRank(3)

	h := Transpose(mel, 1, 2) // [batch, melLen, melChannels]
	for stage := range c.MelLayers {
		h = layers.Convolution(ctx.Inf("%03d-mel_down", stage), h).
			Filters(c.Dim).KernelSize(3).Strides(2).PadSame().Done()
		h = Mul(h, Sigmoid(h))
	}
	return c.transformer(ctx, h)
}

// transformer runs the causal rotary transformer over h, shaped
// [batch, seqLen, dim]; ctx is already scoped under Scope. The output is
// stop-gradient'ed and every variable under the scope is frozen.
func (c *Config) transformer(ctx *context.Context, h *Node) *Node {
	g := h.Graph()
	seqLen := h.Shape().Dimensions[1]
	headDim := c.Dim / c.NumHeads
	rotary := &diffusion.RotaryEmbedding{Dim: c.RotaryDim, Base: 10000.0}
	rot := rotary.Table(g, h.DType(), seqLen)
	for layer := range c.NumLayers {
		layerCtx := ctx.Inf("%03d-layer", layer)
		attnIn := diffusion.RMSNorm(layerCtx.In("attn_norm"), h)
		attnOut := diffusion.SelfAttention(layerCtx.In("attn"), attnIn, rot, diffusion.AttentionOptions{
			NumHeads:  c.NumHeads,
			HeadDim:   headDim,
			OutputDim: c.Dim,
			Dropout:   c.Dropout,
			Causal:    true,
		})
		h = Add(h, attnOut)
		ffIn := diffusion.RMSNorm(layerCtx.In("ff_norm"), h)
		ff := layers.Dense(layerCtx.In("ff_in"), ffIn, true, c.Dim*4)
		ff = Mul(ff, Sigmoid(ff))
		ff = layers.Dense(layerCtx.In("ff_out"), ff, true, c.Dim)
		h = Add(h, ff)
	}
	h = diffusion.RMSNorm(ctx.In("final_norm"), h)

	h = StopGradient(h)
	ctx.EnumerateVariablesInScope(func(variable *context.Variable) {
		variable.SetTrainable(false)
	})
	return h
}
