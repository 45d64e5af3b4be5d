// Package diffusion implements a family of transformer-based denoising
// diffusion networks for generative music modeling.
//
// The denoising network (Config.Forward) takes a noisy signal, a per-batch
// diffusion timestep and a conditioning code sequence, and predicts the
// denoising target (mean and variance channels) at the same sequence length.
// The conditioning codes may come from several interchangeable sources (a
// trainable quantizer, a frozen autoregressive prior, or pretrained discrete
// codecs), composed by the wrapper models in the models package.
//
// All computation is expressed as GoMLX graphs: model functions take a
// context.Context holding the learnable variables and graph *Node inputs,
// and return graph nodes.
package diffusion

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// Scope under which all denoising-network variables live.
const Scope = "diffusion"

// ConditioningSource carries exactly one source of the conditioning code
// sequence for Forward. Codes and PrecomputedEmbeddings are mutually
// exclusive; ConditioningFree ignores both and uses the learned
// unconditioned embedding instead.
type ConditioningSource struct {
	// Codes is the raw conditioning sequence: either continuous latents
	// shaped [batch, codeLen, inputVecDim] (quantizer projection or AR
	// prior), or integer code indices shaped [batch, codeLen, groups] which
	// are first embedded with MultiGroupEmbedding.
	Codes *Node

	// PrecomputedEmbeddings is the output of TimestepIndependent, allowing
	// the conditioning path to be computed once and reused across the many
	// timesteps of a sampling loop.
	PrecomputedEmbeddings *Node

	// ConditioningFree requests unconditioned generation (the second branch
	// of classifier-free guidance).
	ConditioningFree bool
}

// Forward builds the denoising network graph.
//
// x is the noisy input shaped [batch, inChannels, seqLen], timesteps is the
// integer diffusion timestep per batch element shaped [batch]. The result is
// shaped [batch, outChannels, seqLen].
func (c *Config) Forward(ctx *context.Context, x, timesteps *Node, cond ConditioningSource) *Node {
	g := x.Graph()
	ctx = ctx.In(Scope)

	// Validate the conditioning source before any tensor computation.
	if cond.Codes != nil && cond.PrecomputedEmbeddings != nil {
		exceptions.Panicf("diffusion: raw codes and precomputed code embeddings are mutually exclusive")
	}
	if cond.Codes == nil && cond.PrecomputedEmbeddings == nil && !cond.ConditioningFree {
		exceptions.Panicf("diffusion: no conditioning source: provide codes, precomputed embeddings, or set ConditioningFree")
	}

	batchSize := x.Shape().Dimensions[0]
	seqLen := x.Shape().Dimensions[2]
	x.AssertDims(batchSize, c.InChannels, seqLen)
	timesteps.AssertDims(batchSize)
	dtype := x.DType()

	// Every parameter off the active path still contributes a zero-valued
	// term, so multi-replica gradient synchronization never stalls waiting
	// for an absent gradient.
	var zeroTerms []*Node
	var codeEmb *Node
	if cond.ConditioningFree {
		uncond := c.unconditionedEmbedding(ctx, g, dtype)
		codeEmb = BroadcastToDims(uncond, batchSize, seqLen, c.PrenetChannels)
		zeroTerms = append(zeroTerms,
			ZeroTermForScope(ctx.In(c.converterScope()), g, dtype),
			ZeroTermForScope(ctx.In(c.encoderScope()), g, dtype))
	} else {
		codeEmb = cond.PrecomputedEmbeddings
		if codeEmb == nil {
			codeEmb = c.timestepIndependent(ctx, cond.Codes, seqLen)
		}
		codeEmb.AssertDims(batchSize, seqLen, c.PrenetChannels)
		zeroTerms = append(zeroTerms, ZeroTermForScope(ctx.In("unconditioned"), g, dtype))
	}

	// The trunk optionally runs in reduced precision; the output head is
	// forced back to full precision below.
	workDType := dtype
	if c.ReducedPrecision {
		workDType = dtypes.BFloat16
	}

	timeEmb := c.timeEmbedding(ctx.In("time_embed"), timesteps)

	h := Transpose(x, 1, 2) // [batch, seqLen, inChannels]
	if workDType != dtype {
		h = ConvertDType(h, workDType)
		codeEmb = ConvertDType(codeEmb, workDType)
		timeEmb = ConvertDType(timeEmb, workDType)
	}
	h = layers.Convolution(ctx.In("inp_block"), h).
		Filters(c.PrenetChannels).KernelSize(3).PadSame().Done()

	// One rotary table per forward pass, shared by every block.
	rot := RotaryEmbedding{Dim: c.RotaryEmbDim}.Table(g, workDType, seqLen)

	h = Concatenate([]*Node{h, codeEmb}, -1)
	h = layers.Dense(ctx.In("intg"), h, true, c.ModelChannels)
	layersCtx := ctx.In("layers")
	for i := range c.NumLayers {
		h = c.concatAttentionBlock(layersCtx.Inf("%03d-block", i), h, timeEmb, rot)
	}

	h = ConvertDType(h, dtype)
	out := c.outputHead(ctx.In("out"), h)
	out = Transpose(out, 1, 2) // [batch, outChannels, seqLen]
	for _, term := range zeroTerms {
		out = Add(out, term)
	}

	if c.FreezeExceptCodeConverters {
		SetScopeTrainability(ctx, Frozen)
		SetScopeTrainability(ctx.In(c.converterScope()), Trainable)
		SetScopeTrainability(ctx.In(c.encoderScope()), Trainable)
	}

	out.AssertDims(batchSize, c.OutChannels, seqLen)
	return out
}

// TimestepIndependent derives the conditioning code embedding from raw codes,
// resampled to expectedSeqLen. It does not depend on the diffusion timestep,
// so sampling loops can compute it once and pass the result to Forward as
// PrecomputedEmbeddings.
//
// During training, each batch element's embedding is independently replaced
// by the learned unconditioned embedding with probability
// UnconditionedPercentage (classifier-free guidance regularization).
func (c *Config) TimestepIndependent(ctx *context.Context, codes *Node, expectedSeqLen int) *Node {
	return c.timestepIndependent(ctx.In(Scope), codes, expectedSeqLen)
}

// timestepIndependent expects ctx already scoped under Scope.
func (c *Config) timestepIndependent(ctx *context.Context, codes *Node, expectedSeqLen int) *Node {
	g := codes.Graph()
	if codes.DType().IsInt() {
		codes = MultiGroupEmbedding(ctx.In("code_embedding"), codes,
			dtypes.Float32, c.CodebookSize, c.InputVecDim)
	}
	codeEmb := layers.Dense(ctx.In(c.converterScope()), codes, true, c.PrenetChannels)
	codeEmb = Encoder(ctx.In(c.encoderScope()), codeEmb,
		c.PrenetLayers, c.PrenetChannels/64, c.RotaryEmbDim, c.Dropout)

	if c.UnconditionedPercentage > 0 && ctx.IsTraining(g) {
		batchSize := codeEmb.Shape().Dimensions[0]
		codeLen := codeEmb.Shape().Dimensions[1]
		draws := ctx.RandomUniform(g, shapes.Make(codeEmb.DType(), batchSize, 1, 1))
		replace := LessThan(draws, ConstAs(draws, c.UnconditionedPercentage))
		replace = BroadcastToDims(replace, batchSize, codeLen, c.PrenetChannels)
		uncond := c.unconditionedEmbedding(ctx, g, codeEmb.DType())
		uncond = BroadcastToDims(uncond, batchSize, codeLen, c.PrenetChannels)
		codeEmb = Where(replace, uncond, codeEmb)
	}
	return ResampleCodes(codeEmb, expectedSeqLen)
}

// ResampleCodes resamples a code embedding sequence [batch, codeLen, features]
// to seqLen along the sequence axis by nearest-neighbor interpolation. Codes
// are produced at a coarser temporal resolution than the trunk; resampling to
// the current length is the identity.
func ResampleCodes(codeEmb *Node, seqLen int) *Node {
	return Interpolate(codeEmb, -1, seqLen, -1).Nearest().Done()
}

// unconditionedEmbedding returns the learned embedding substituted for the
// conditioning sequence when it is dropped, shaped [1, 1, prenetChannels].
func (c *Config) unconditionedEmbedding(ctx *context.Context, g *Graph, dtype dtypes.DType) *Node {
	v := ctx.In("unconditioned").WithInitializer(initializers.RandomNormalFn(ctx, 1.0)).
		VariableWithShape("embedding", shapes.Make(dtype, 1, 1, c.PrenetChannels))
	return v.ValueGraph(g)
}

// timeEmbedding computes the timestep conditioning vector: a fixed sinusoidal
// embedding followed by a two-layer SiLU projection. Shape [batch, timeEmbedDim].
func (c *Config) timeEmbedding(ctx *context.Context, timesteps *Node) *Node {
	emb := TimestepEmbedding(timesteps, c.TimeEmbedDim)
	emb = layers.Dense(ctx.In("linear_0"), emb, true, c.TimeEmbedDim)
	emb = silu(emb)
	return layers.Dense(ctx.In("linear_1"), emb, true, c.TimeEmbedDim)
}

// outputHead projects the trunk back to OutChannels: group-normalization,
// SiLU and a zero-initialized kernel-3 convolution, so the network starts as
// a no-op denoiser at initialization.
func (c *Config) outputHead(ctx *context.Context, h *Node) *Node {
	h = GroupNorm(ctx.In("norm"), h, 32)
	h = silu(h)
	return layers.Convolution(ctx.In("conv").WithInitializer(initializers.Zero), h).
		Filters(c.OutChannels).KernelSize(3).PadSame().Done()
}
