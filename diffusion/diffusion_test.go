package diffusion

import (
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// testConfig returns a small configuration that keeps test graphs cheap.
func testConfig() *Config {
	return &Config{
		InChannels:     8,
		OutChannels:    16,
		PrenetChannels: 64,
		PrenetLayers:   1,
		TimeEmbedDim:   16,
		ModelChannels:  32,
		ContractionDim: 16,
		NumLayers:      2,
		NumHeads:       2,
		RotaryEmbDim:   4,
		InputVecDim:    24,
		CodebookSize:   16,
		CodebookGroups: 2,
	}
}

func TestForwardShape(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	c := testConfig()
	ctx := context.New()
	g := NewGraph(backend, "test")

	batchSize, seqLen := 3, 48
	x := Zeros(g, shapes.Make(dtypes.Float32, batchSize, c.InChannels, seqLen))
	timesteps := Zeros(g, shapes.Make(dtypes.Int32, batchSize))
	codes := Zeros(g, shapes.Make(dtypes.Float32, batchSize, 12, c.InputVecDim))

	out := c.Forward(ctx, x, timesteps, ConditioningSource{Codes: codes})
	require.NoError(t, out.Shape().CheckDims(batchSize, c.OutChannels, seqLen))
	assert.Greater(t, ctx.NumParameters(), 0)
}

func TestForwardReducedPrecision(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	c := testConfig()
	c.ReducedPrecision = true
	ctx := context.New()
	g := NewGraph(backend, "test")

	x := Zeros(g, shapes.Make(dtypes.Float32, 2, c.InChannels, 32))
	timesteps := Zeros(g, shapes.Make(dtypes.Int32, 2))
	codes := Zeros(g, shapes.Make(dtypes.Float32, 2, 8, c.InputVecDim))

	// The trunk runs in bfloat16; the output head is forced back to the
	// input precision.
	out := c.Forward(ctx, x, timesteps, ConditioningSource{Codes: codes})
	assert.Equal(t, dtypes.Float32, out.DType())
	require.NoError(t, out.Shape().CheckDims(2, c.OutChannels, 32))
}

func TestFreezeExceptCodeConverters(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	c := testConfig()
	c.FreezeExceptCodeConverters = true
	ctx := context.New()
	g := NewGraph(backend, "test")

	x := Zeros(g, shapes.Make(dtypes.Float32, 2, c.InChannels, 32))
	timesteps := Zeros(g, shapes.Make(dtypes.Int32, 2))
	codes := Zeros(g, shapes.Make(dtypes.Float32, 2, 8, c.InputVecDim))
	_ = c.Forward(ctx, x, timesteps, ConditioningSource{Codes: codes})

	countTrainability := func(scope string) (trainable, frozen int) {
		ctx.InAbsPath("/" + Scope + "/" + scope).EnumerateVariablesInScope(func(v *context.Variable) {
			if v.Trainable {
				trainable++
			} else {
				frozen++
			}
		})
		return
	}

	trainable, frozen := countTrainability("input_converter")
	assert.Greater(t, trainable, 0)
	assert.Zero(t, frozen)
	trainable, frozen = countTrainability("code_converter")
	assert.Greater(t, trainable, 0)
	assert.Zero(t, frozen)

	trainable, frozen = countTrainability("layers")
	assert.Zero(t, trainable)
	assert.Greater(t, frozen, 0)
	trainable, frozen = countTrainability("time_embed")
	assert.Zero(t, trainable)
	assert.Greater(t, frozen, 0)
	trainable, frozen = countTrainability("out")
	assert.Zero(t, trainable)
	assert.Greater(t, frozen, 0)
}

func TestGradNormParameterGroups(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	c := testConfig()
	ctx := context.New()
	g := NewGraph(backend, "test")

	x := Zeros(g, shapes.Make(dtypes.Float32, 2, c.InChannels, 32))
	timesteps := Zeros(g, shapes.Make(dtypes.Int32, 2))
	codes := Zeros(g, shapes.Make(dtypes.Float32, 2, 8, c.InputVecDim))
	_ = c.Forward(ctx, x, timesteps, ConditioningSource{Codes: codes})

	groups := c.GradNormParameterGroups(ctx)
	assert.Greater(t, groups.NumParameters(), 0)
	for _, name := range []string{
		"prenorms",
		"blk1_attention_layers", "blk2_attention_layers",
		"blk1_ff_layers", "blk2_ff_layers",
		"block_out_layers",
		"x_proj", "code_converters", "time_embed", "out",
	} {
		assert.NotEmpty(t, groups[name], "group %q", name)
	}
	assert.Contains(t, groups.String(), "total:")

	// The per-block groups partition the trunk blocks: each block's variables
	// land in exactly one group, so the sums stay disjoint.
	perBlock := 0
	for _, name := range []string{
		"prenorms",
		"blk1_attention_layers", "blk2_attention_layers",
		"blk1_ff_layers", "blk2_ff_layers",
		"block_out_layers",
	} {
		for _, v := range groups[name] {
			perBlock += v.Shape().Size()
		}
	}
	all := 0
	ctx.InAbsPath("/" + Scope + "/layers").EnumerateVariablesInScope(func(v *context.Variable) {
		all += v.Shape().Size()
	})
	assert.Equal(t, all, perBlock)
}

func TestForwardDiscreteCodes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	c := testConfig()
	ctx := context.New()
	g := NewGraph(backend, "test")

	batchSize, seqLen := 2, 32
	x := Zeros(g, shapes.Make(dtypes.Float32, batchSize, c.InChannels, seqLen))
	timesteps := Zeros(g, shapes.Make(dtypes.Int32, batchSize))
	codes := Zeros(g, shapes.Make(dtypes.Int32, batchSize, 8, c.CodebookGroups))

	out := c.Forward(ctx, x, timesteps, ConditioningSource{Codes: codes})
	require.NoError(t, out.Shape().CheckDims(batchSize, c.OutChannels, seqLen))
}

func TestForwardConditioningSourceValidation(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	c := testConfig()
	ctx := context.New()
	g := NewGraph(backend, "test")

	x := Zeros(g, shapes.Make(dtypes.Float32, 2, c.InChannels, 32))
	timesteps := Zeros(g, shapes.Make(dtypes.Int32, 2))
	codes := Zeros(g, shapes.Make(dtypes.Float32, 2, 8, c.InputVecDim))
	precomputed := Zeros(g, shapes.Make(dtypes.Float32, 2, 32, c.PrenetChannels))

	require.Panics(t, func() {
		c.Forward(ctx, x, timesteps, ConditioningSource{Codes: codes, PrecomputedEmbeddings: precomputed})
	}, "codes and precomputed embeddings together must be rejected")
	require.Panics(t, func() {
		c.Forward(ctx, x, timesteps, ConditioningSource{})
	}, "some conditioning source is required")
}

// At initialization the output convolution is zero-initialized, so the
// denoiser starts as an exact no-op regardless of inputs or conditioning.
func TestForwardZeroAtInitialization(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	c := testConfig()
	ctx := context.New()

	exec := context.NewExec(backend, ctx, func(ctx *context.Context, codes *Node) *Node {
		g := codes.Graph()
		x := IotaFull(g, shapes.Make(dtypes.Float32, 2, c.InChannels, 32))
		timesteps := Zeros(g, shapes.Make(dtypes.Int32, 2))
		return c.Forward(ctx, x, timesteps, ConditioningSource{Codes: codes})
	})
	codes := tensors.FromShape(shapes.Make(dtypes.Float32, 2, 8, c.InputVecDim))
	out := exec.Call(codes)[0]
	for _, v := range tensors.CopyFlatData[float32](out) {
		require.Zero(t, v)
	}
}

// Outside of training, the conditioning-free branch must not depend on any
// supplied codes.
func TestForwardConditioningFree(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	c := testConfig()
	ctx := context.New()

	exec := context.NewExec(backend, ctx, func(ctx *context.Context, codes *Node) *Node {
		ctx = ctx.Checked(false)
		g := codes.Graph()
		x := IotaFull(g, shapes.Make(dtypes.Float32, 2, c.InChannels, 32))
		timesteps := Zeros(g, shapes.Make(dtypes.Int32, 2))
		// Build the conditioned path too, so codes is consumed by the graph
		// and the variables of both paths exist.
		_ = c.Forward(ctx, x, timesteps, ConditioningSource{Codes: codes})
		return c.Forward(ctx, x, timesteps, ConditioningSource{ConditioningFree: true})
	})

	codesA := tensors.FromShape(shapes.Make(dtypes.Float32, 2, 8, c.InputVecDim))
	onesData := make([]float32, 2*8*c.InputVecDim)
	for i := range onesData {
		onesData[i] = float32(i%7) - 3
	}
	codesB := tensors.FromFlatDataAndDimensions(onesData, 2, 8, c.InputVecDim)

	outA := tensors.CopyFlatData[float32](exec.Call(codesA)[0])
	outB := tensors.CopyFlatData[float32](exec.Call(codesB)[0])
	assert.Equal(t, outA, outB)
}

func TestTimestepIndependentShape(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	c := testConfig()
	ctx := context.New()
	g := NewGraph(backend, "test")

	codes := Zeros(g, shapes.Make(dtypes.Int32, 3, 10, c.CodebookGroups))
	emb := c.TimestepIndependent(ctx, codes, 40)
	require.NoError(t, emb.Shape().CheckDims(3, 40, c.PrenetChannels))
}

func TestResampleCodes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := NewExec(backend, func(codes *Node) (up, same *Node) {
		up = ResampleCodes(codes, 8)
		same = ResampleCodes(codes, codes.Shape().Dimensions[1])
		return
	})

	input := tensors.FromFlatDataAndDimensions([]float32{0, 1, 2, 3}, 1, 4, 1)
	outputs := exec.Call(input)

	// Nearest upsampling by 2x repeats every frame.
	assert.Equal(t, []float32{0, 0, 1, 1, 2, 2, 3, 3},
		tensors.CopyFlatData[float32](outputs[0]))
	// Resampling to the current length is the identity.
	assert.Equal(t, []float32{0, 1, 2, 3},
		tensors.CopyFlatData[float32](outputs[1]))
}

// Upsampling is stable: resampling an already-resampled sequence to the same
// length changes nothing.
func TestResampleCodesIdempotent(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := NewExec(backend, func(codes *Node) *Node {
		return Sub(ResampleCodes(ResampleCodes(codes, 12), 12), ResampleCodes(codes, 12))
	})
	input := tensors.FromFlatDataAndDimensions([]float32{5, -1, 2, 7}, 1, 4, 1)
	for _, v := range tensors.CopyFlatData[float32](exec.Call(input)[0]) {
		require.Zero(t, v)
	}
}

func TestMultiGroupEmbedding(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	g := NewGraph(backend, "test")

	codes := Zeros(g, shapes.Make(dtypes.Int32, 2, 6, 3))
	emb := MultiGroupEmbedding(ctx, codes, dtypes.Float32, 16, 12)
	require.NoError(t, emb.Shape().CheckDims(2, 6, 12))

	// The embedding dimension must split evenly across groups.
	badCodes := Zeros(g, shapes.Make(dtypes.Int32, 2, 6, 5))
	require.Panics(t, func() {
		MultiGroupEmbedding(ctx.In("bad"), badCodes, dtypes.Float32, 16, 12)
	})
}

func TestTimestepEmbedding(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := NewExec(backend, func(timesteps *Node) *Node {
		return TimestepEmbedding(timesteps, 8)
	})
	out := exec.Call(tensors.FromFlatDataAndDimensions([]int32{0, 100}, 2))[0]
	require.NoError(t, out.Shape().CheckDims(2, 8))

	// At timestep 0 every angle is zero: cos-half all ones, sin-half zeros.
	values := tensors.CopyFlatData[float32](out)
	assert.InDeltaSlice(t, []float32{1, 1, 1, 1, 0, 0, 0, 0}, values[:8], 1e-6)
}

func TestRotaryTable(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	exec := NewExec(backend, func(x *Node) *Node {
		rot := RotaryEmbedding{Dim: 4}.Table(x.Graph(), dtypes.Float32, x.Shape().Dimensions[1])
		return rot.Rotate(x)
	})

	// [batch=1, seqLen=2, heads=1, headDim=6]: last 2 dims pass through.
	data := []float32{
		1, 2, 3, 4, 5, 6,
		1, 2, 3, 4, 5, 6,
	}
	out := tensors.CopyFlatData[float32](exec.Call(
		tensors.FromFlatDataAndDimensions(data, 1, 2, 1, 6))[0])

	// Position 0 rotates by angle zero: unchanged.
	assert.InDeltaSlice(t, []float32{1, 2, 3, 4}, out[:4], 1e-6)
	// Pass-through dimensions are untouched at every position.
	assert.Equal(t, []float32{5, 6}, out[4:6])
	assert.Equal(t, []float32{5, 6}, out[10:12])
	// Position 1 is rotated: the first rotated pair changes.
	assert.NotEqual(t, out[0], out[6])
}

func TestConfigValidate(t *testing.T) {
	c := testConfig()
	c.ContractionDim = 15 // not divisible by NumHeads
	require.Panics(t, c.Validate)

	c = testConfig()
	c.PrenetChannels = 100 // not a multiple of 64
	require.Panics(t, c.Validate)

	c = testConfig()
	require.NotPanics(t, c.Validate)
}
