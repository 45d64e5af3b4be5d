package diffusion

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers"
)

// AttentionOptions configures SelfAttention.
type AttentionOptions struct {
	NumHeads  int
	HeadDim   int
	OutputDim int
	Dropout   float64

	// Causal restricts each position to attend to itself and earlier
	// positions. The diffusion trunk and encoder are non-causal; the AR
	// prior uses causal attention.
	Causal bool

	// ZeroInitOutput initializes the output projection to zero, so the
	// attention branch starts as an identity when added residually.
	ZeroInitOutput bool
}

// SelfAttention runs rotary position-aware multi-head self-attention over x,
// shaped [batch, seqLen, features], returning [batch, seqLen, OutputDim].
// rot may be nil to disable the rotary rotation.
func SelfAttention(ctx *context.Context, x *Node, rot *RotaryTable, opts AttentionOptions) *Node {
	g := x.Graph()
	if opts.NumHeads <= 0 || opts.HeadDim <= 0 || opts.OutputDim <= 0 {
		exceptions.Panicf("SelfAttention: NumHeads=%d, HeadDim=%d and OutputDim=%d must all be positive",
			opts.NumHeads, opts.HeadDim, opts.OutputDim)
	}
	batchSize := x.Shape().Dimensions[0]
	seqLen := x.Shape().Dimensions[1]

	// Per-head projections, shaped [batch, seqLen, numHeads, headDim].
	query := layers.Dense(ctx.In("query"), x, true, opts.NumHeads, opts.HeadDim)
	key := layers.Dense(ctx.In("key"), x, true, opts.NumHeads, opts.HeadDim)
	value := layers.Dense(ctx.In("value"), x, true, opts.NumHeads, opts.HeadDim)
	if rot != nil {
		query = rot.Rotate(query)
		key = rot.Rotate(key)
	}

	// Attention logits [batch, query, heads, key], softmax over keys.
	logits := Einsum("bihd,bjhd->bihj", query, key)
	logits = DivScalar(logits, math.Sqrt(float64(opts.HeadDim)))
	var coefficients *Node
	if opts.Causal {
		mask := LowerTriangular(g, seqLen)            // [query, key]
		mask = InsertAxes(mask, 0, 1)                 // [1, query, 1, key]
		mask = BroadcastToDims(mask, batchSize, seqLen, opts.NumHeads, seqLen)
		coefficients = MaskedSoftmax(logits, mask, -1)
	} else {
		coefficients = Softmax(logits, -1)
	}
	coefficients = dropout(ctx, coefficients, opts.Dropout)

	attended := Einsum("bihj,bjhd->bihd", coefficients, value)
	attended = Reshape(attended, batchSize, seqLen, opts.NumHeads*opts.HeadDim)

	outCtx := ctx.In("output")
	if opts.ZeroInitOutput {
		outCtx = outCtx.WithInitializer(initializers.Zero)
	}
	return layers.Dense(outCtx, attended, true, opts.OutputDim)
}
