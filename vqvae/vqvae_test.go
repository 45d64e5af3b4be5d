package vqvae

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

func testConfig() *Config {
	return &Config{
		Channels:        16,
		HiddenDim:       32,
		NumResnetBlocks: 1,
		NumLayers:       2,
		KernelSize:      3,
		CodebookDim:     24,
		NumTokens:       32,
	}
}

func TestInferShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := testConfig()
	v := New(cfg)
	ctx := context.New()
	g := NewGraph(backend, "test")

	batchSize, melLen := 2, 64
	mel := Zeros(g, shapes.Make(dtypes.Float32, batchSize, cfg.Channels, melLen))
	proj, codes := v.Infer(ctx, mel)

	codeLen := melLen / 4 // two 2x downsampling stages
	require.NoError(t, proj.Shape().CheckDims(batchSize, codeLen, cfg.CodebookDim))
	require.NoError(t, codes.Shape().CheckDims(batchSize, codeLen))
	assert.Equal(t, dtypes.Int32, codes.DType())
}

func TestInferFreezesScope(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	v := New(testConfig())
	ctx := context.New()
	g := NewGraph(backend, "test")

	mel := Zeros(g, shapes.Make(dtypes.Float32, 1, testConfig().Channels, 32))
	_, _ = v.Infer(ctx.In("codec"), mel)

	ctx.In("codec").EnumerateVariablesInScope(func(variable *context.Variable) {
		assert.False(t, variable.Trainable, "codec variable %q must be frozen", variable.Name())
	})
}

func TestInferCodesInRange(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := testConfig()
	v := New(cfg)
	ctx := context.New()

	exec := context.NewExec(backend, ctx, func(ctx *context.Context, mel *Node) *Node {
		_, codes := v.Infer(ctx, mel)
		return codes
	})
	mel := tensors.FromShape(shapes.Make(dtypes.Float32, 2, cfg.Channels, 32))
	codes := exec.Call(mel)[0]
	for _, c := range tensors.CopyFlatData[int32](codes) {
		assert.GreaterOrEqual(t, c, int32(0))
		assert.Less(t, c, int32(cfg.NumTokens))
	}
}

func TestCodeHistogram(t *testing.T) {
	v := New(testConfig())
	assert.Nil(t, v.CodeHistogram())

	v.RecordCodes(tensors.FromFlatDataAndDimensions([]int32{1, 1, 1, 5}, 1, 4))
	hist := v.CodeHistogram()
	require.Len(t, hist, testConfig().NumTokens)
	assert.Equal(t, 3, hist[1])
	assert.Equal(t, 1, hist[5])
}
