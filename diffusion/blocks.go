package diffusion

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers"
)

// SubBlock is one attention + local-convolution unit growing its input by
// concatenation: given x shaped [batch, seqLen, inDim] it returns
// [batch, seqLen, inDim+2*contractionDim], the attention result and the
// kernel-3 convolution feed-forward concatenated onto the input.
func (c *Config) subBlock(ctx *context.Context, x *Node, rot *RotaryTable) *Node {
	ah := SelfAttention(ctx.In("attn"), x, rot, AttentionOptions{
		NumHeads:  c.NumHeads,
		HeadDim:   c.ContractionDim / c.NumHeads,
		OutputDim: c.ContractionDim,
		Dropout:   c.Dropout,
	})
	ah = layers.LayerNormalization(ctx.In("attnorm"), ah, -1).Done()
	ah = gelu(ah)

	h := Concatenate([]*Node{ah, x}, -1)
	hf := layers.Convolution(ctx.In("ff"), h).
		Filters(c.ContractionDim).KernelSize(3).PadSame().Done()
	hf = layers.LayerNormalization(ctx.In("ffnorm"), hf, -1).Done()
	hf = gelu(hf)
	return Concatenate([]*Node{h, hf}, -1)
}

// concatAttentionBlock is the repeated transformer-diffusion layer: a
// timestep-modulated pre-norm, two SubBlocks growing the feature width by
// concatenation, and a zero-initialized projection of the grown features back
// to the trunk width, added residually to the block input. Zero-initialization
// makes each block an exact identity at the start of training.
//
// x is [batch, seqLen, modelChannels]; timeEmb is [batch, timeEmbedDim].
func (c *Config) concatAttentionBlock(ctx *context.Context, x, timeEmb *Node, rot *RotaryTable) *Node {
	trunkDim := x.Shape().Dimensions[x.Rank()-1]

	h := RMSScaleShiftNorm(ctx.In("prenorm"), x, timeEmb)
	h = c.subBlock(ctx.In("block1"), h, rot)
	h = c.subBlock(ctx.In("block2"), h, rot)

	// Project the 4*contractionDim channels past the trunk width back down.
	grownDim := h.Shape().Dimensions[h.Rank()-1]
	grown := Slice(h, AxisRange(), AxisRange(), AxisRange(trunkDim, grownDim))
	out := layers.Dense(ctx.In("out").WithInitializer(initializers.Zero),
		grown, false, trunkDim)
	return Add(out, x)
}
