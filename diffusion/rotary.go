package diffusion

import (
	"math"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// RotaryTable holds the per-position cos/sin rotation tensors, both shaped
// [seqLen, dim/2]. It is computed once per forward pass from the trunk
// sequence length and shared by every attention layer.
type RotaryTable struct {
	Cos, Sin *Node

	// Dim is the number of leading query/key feature dimensions rotated;
	// the remainder passes through unchanged.
	Dim int
}

// RotaryEmbedding generates RotaryTables for rotary position-aware attention
// ("RoFormer", https://arxiv.org/abs/2104.09864).
type RotaryEmbedding struct {
	Dim int

	// Base frequency, defaults to 10000 when zero.
	Base float64
}

// Table builds the cos/sin tables for seqLen positions.
func (r RotaryEmbedding) Table(g *Graph, dtype dtypes.DType, seqLen int) *RotaryTable {
	base := r.Base
	if base <= 0 {
		base = 10000.0
	}
	half := r.Dim / 2

	// invFreqs[i] = base^(-2i/dim), shaped [dim/2].
	invFreqs := IotaFull(g, shapes.Make(dtype, half))
	invFreqs = Exp(MulScalar(invFreqs, -2.0*math.Log(base)/float64(r.Dim)))

	// Outer product of positions and frequencies: [seqLen, dim/2].
	positions := IotaFull(g, shapes.Make(dtype, seqLen))
	angles := Mul(InsertAxes(positions, -1), InsertAxes(invFreqs, 0))
	return &RotaryTable{Cos: Cos(angles), Sin: Sin(angles), Dim: r.Dim}
}

// Rotate applies the rotary position rotation to the first Dim feature
// dimensions of x, shaped [batch, seqLen, numHeads, headDim]. The remaining
// headDim-Dim dimensions pass through unchanged.
func (t *RotaryTable) Rotate(x *Node) *Node {
	headDim := x.Shape().Dimensions[x.Rank()-1]
	rotDim := t.Dim
	if rotDim > headDim {
		rotDim = headDim
	}
	half := rotDim / 2

	var xPass *Node
	xRot := x
	if rotDim < headDim {
		xRot = Slice(x, AxisRange(), AxisRange(), AxisRange(), AxisRange(0, rotDim))
		xPass = Slice(x, AxisRange(), AxisRange(), AxisRange(), AxisRange(rotDim, headDim))
	}
	x1 := Slice(xRot, AxisRange(), AxisRange(), AxisRange(), AxisRange(0, half))
	x2 := Slice(xRot, AxisRange(), AxisRange(), AxisRange(), AxisRange(half, rotDim))

	// Cos/Sin are [seqLen, half]; align to [1, seqLen, 1, half] and broadcast.
	targetDims := x1.Shape().Dimensions
	cos := BroadcastToDims(InsertAxes(t.Cos, 0, 1), targetDims...)
	sin := BroadcastToDims(InsertAxes(t.Sin, 0, 1), targetDims...)

	rotated1 := Sub(Mul(x1, cos), Mul(x2, sin))
	rotated2 := Add(Mul(x1, sin), Mul(x2, cos))
	parts := []*Node{rotated1, rotated2}
	if xPass != nil {
		parts = append(parts, xPass)
	}
	return Concatenate(parts, -1)
}
