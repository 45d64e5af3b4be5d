package diffusion

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/types/shapes"
)

const normEpsilon = 1e-8

// RMSNorm normalizes the last axis of x by its root-mean-square, with a
// learned per-feature gain initialized to one.
func RMSNorm(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	featureDim := x.Shape().Dimensions[x.Rank()-1]
	gainVar := ctx.WithInitializer(initializers.One).
		VariableWithShape("gain", shapes.Make(x.DType(), featureDim))
	meanSquare := ReduceAndKeep(Square(x), ReduceMean, -1)
	normed := Div(x, Sqrt(AddScalar(meanSquare, normEpsilon)))
	return Mul(normed, ExpandLeftToRank(gainVar.ValueGraph(g), x.Rank()))
}

// RMSScaleShiftNorm is the timestep-modulated pre-normalization used by
// ConcatAttentionBlock: an RMSNorm whose scale and shift are derived from the
// timestep conditioning vector instead of per-layer learned biases.
//
// x is [batch, seqLen, dim] and conditioning is [batch, timeEmbedDim].
func RMSScaleShiftNorm(ctx *context.Context, x, conditioning *Node) *Node {
	dim := x.Shape().Dimensions[x.Rank()-1]
	normed := RMSNorm(ctx, x)

	scaleShift := layers.Dense(ctx.In("scale_shift"), conditioning, false, 2*dim)
	scaleShift = InsertAxes(scaleShift, 1) // [batch, 1, 2*dim], broadcast over seqLen.
	scale := Slice(scaleShift, AxisRange(), AxisRange(), AxisRange(0, dim))
	shift := Slice(scaleShift, AxisRange(), AxisRange(), AxisRange(dim, 2*dim))
	return Add(Mul(normed, AddScalar(scale, 1)), shift)
}

// GroupNorm normalizes x (shaped [batch, seqLen, channels]) over the sequence
// axis and channel groups, with learned per-channel scale and offset.
func GroupNorm(ctx *context.Context, x *Node, numGroups int) *Node {
	g := x.Graph()
	batchSize := x.Shape().Dimensions[0]
	seqLen := x.Shape().Dimensions[1]
	channels := x.Shape().Dimensions[2]
	if channels%numGroups != 0 {
		exceptions.Panicf("GroupNorm: channels=%d must be divisible by numGroups=%d", channels, numGroups)
	}

	grouped := Reshape(x, batchSize, seqLen, numGroups, channels/numGroups)
	mean := ReduceAndKeep(grouped, ReduceMean, 1, 3)
	variance := ReduceAndKeep(Square(Sub(grouped, mean)), ReduceMean, 1, 3)
	normed := Div(Sub(grouped, mean), Sqrt(AddScalar(variance, 1e-5)))
	normed = Reshape(normed, batchSize, seqLen, channels)

	scaleVar := ctx.WithInitializer(initializers.One).
		VariableWithShape("scale", shapes.Make(x.DType(), channels))
	offsetVar := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("offset", shapes.Make(x.DType(), channels))
	normed = Mul(normed, ExpandLeftToRank(scaleVar.ValueGraph(g), 3))
	return Add(normed, ExpandLeftToRank(offsetVar.ValueGraph(g), 3))
}
