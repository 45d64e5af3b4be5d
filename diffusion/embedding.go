package diffusion

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gopjrt/dtypes"
)

// MultiGroupEmbedding embeds a multi-channel discrete code sequence: codes is
// shaped [batch, seqLen, groups] with integer indices in [0, vocabSize), and
// each group gets an independent embedding table of dim/groups features,
// concatenated along the feature axis into [batch, seqLen, dim].
func MultiGroupEmbedding(ctx *context.Context, codes *Node, dtype dtypes.DType, vocabSize, dim int) *Node {
	if codes.Rank() != 3 {
		exceptions.Panicf("MultiGroupEmbedding: codes must be rank-3 [batch, seqLen, groups], got shape %s",
			codes.Shape())
	}
	batchSize := codes.Shape().Dimensions[0]
	seqLen := codes.Shape().Dimensions[1]
	groups := codes.Shape().Dimensions[2]
	if dim%groups != 0 {
		exceptions.Panicf("MultiGroupEmbedding: dim=%d must be divisible by groups=%d", dim, groups)
	}

	parts := make([]*Node, 0, groups)
	for i := range groups {
		indices := Slice(codes, AxisRange(), AxisRange(), AxisRange(i, i+1))
		indices = Reshape(indices, batchSize, seqLen)
		parts = append(parts,
			layers.Embedding(ctx.Inf("group_%d", i), indices, dtype, vocabSize, dim/groups))
	}
	return Concatenate(parts, -1)
}
