package diffusion

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers"
)

// Encoder is the conditioning-code integration encoder: a stack of rotary
// position-aware, RMS-normalized self-attention layers with gated (GLU)
// feed-forwards. Both branch output projections are zero-initialized, so the
// whole encoder starts as the identity function.
//
// x is [batch, codeLen, dim]; the output has the same shape.
func Encoder(ctx *context.Context, x *Node, depth, numHeads, rotaryDim int, dropoutRate float64) *Node {
	g := x.Graph()
	dim := x.Shape().Dimensions[x.Rank()-1]
	seqLen := x.Shape().Dimensions[1]
	headDim := dim / numHeads
	rot := RotaryEmbedding{Dim: rotaryDim}.Table(g, x.DType(), seqLen)

	for i := range depth {
		layerCtx := ctx.Inf("%03d-layer", i)

		h := RMSNorm(layerCtx.In("attn_norm"), x)
		h = SelfAttention(layerCtx.In("attn"), h, rot, AttentionOptions{
			NumHeads:       numHeads,
			HeadDim:        headDim,
			OutputDim:      dim,
			Dropout:        dropoutRate,
			ZeroInitOutput: true,
		})
		x = Add(x, h)

		h = RMSNorm(layerCtx.In("ff_norm"), x)
		values := layers.Dense(layerCtx.In("ff_value"), h, true, dim)
		gates := layers.Dense(layerCtx.In("ff_gate"), h, true, dim)
		h = Mul(values, silu(gates))
		h = dropout(layerCtx, h, dropoutRate)
		h = layers.Dense(layerCtx.In("ff_out").WithInitializer(initializers.Zero), h, true, dim)
		x = Add(x, h)
	}
	return x
}
