package diffusion

import (
	"math"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// gelu is the tanh approximation of the gaussian error linear unit:
// x * 0.5 * (1 + tanh(sqrt(2/pi) * (x + 0.044715*x^3))).
func gelu(x *Node) *Node {
	inner := Add(x, MulScalar(Mul(x, Mul(x, x)), 0.044715))
	cdf := MulScalar(AddScalar(Tanh(MulScalar(inner, math.Sqrt(2.0/math.Pi))), 1), 0.5)
	return Mul(x, cdf)
}

// silu (aka. Swish): x * sigmoid(x).
func silu(x *Node) *Node {
	return Mul(x, Sigmoid(x))
}

// dropout applies dropout with the given rate during training; a no-op when
// rate <= 0.
func dropout(ctx *context.Context, x *Node, rate float64) *Node {
	if rate <= 0 {
		return x
	}
	return layers.Dropout(ctx, x, Scalar(x.Graph(), x.DType(), rate))
}

// TimestepEmbedding maps per-batch diffusion timesteps (shaped [batch], any
// dtype) to fixed sinusoidal embeddings shaped [batch, dim], cosine values in
// the first half, sine in the second.
func TimestepEmbedding(timesteps *Node, dim int) *Node {
	g := timesteps.Graph()
	dtype := timesteps.DType()
	if !dtype.IsFloat() {
		dtype = dtypes.Float32
		timesteps = ConvertDType(timesteps, dtype)
	}
	half := dim / 2

	// Geometrically spaced frequencies, base period 10000.
	freqs := IotaFull(g, shapes.Make(dtype, half))
	freqs = Exp(MulScalar(freqs, -math.Log(10000.0)/float64(half)))

	angles := Mul(InsertAxes(timesteps, -1), InsertAxes(freqs, 0)) // [batch, half]
	return Concatenate([]*Node{Cos(angles), Sin(angles)}, -1)
}
