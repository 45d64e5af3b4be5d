package quantizer

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
		InputChannels:    16,
		InnerDim:         32,
		CodevectorDim:    24,
		CodebookSize:     8,
		CodebookGroups:   2,
		MaxTemperature:   4.0,
		MinTemperature:   0.5,
		TemperatureDecay: 0.9996,
	}
}

func TestTemperatureSchedule(t *testing.T) {
	const freezeUntil = 1000
	q := New(testConfig())

	// Before the schedule starts it reports the floor.
	assert.Equal(t, 0.5, q.Temperature())

	// While frozen the schedule holds at the maximum.
	q.UpdateForStep(0, freezeUntil)
	assert.Equal(t, 4.0, q.Temperature())
	q.UpdateForStep(freezeUntil, freezeUntil)
	assert.Equal(t, 4.0, q.Temperature())

	// After the freeze threshold the temperature decays monotonically.
	q.UpdateForStep(freezeUntil+100, freezeUntil)
	after100 := q.Temperature()
	assert.Less(t, after100, 4.0)
	q.UpdateForStep(freezeUntil+200, freezeUntil)
	assert.Less(t, q.Temperature(), after100)

	// Far in the future it clamps at the minimum.
	q.UpdateForStep(freezeUntil+10_000_000, freezeUntil)
	assert.Equal(t, 0.5, q.Temperature())
}

func TestNewValidatesGroups(t *testing.T) {
	cfg := testConfig()
	cfg.CodevectorDim = 25 // not divisible by CodebookGroups
	require.Panics(t, func() { New(cfg) })
}

func TestForwardShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := testConfig()
	q := New(cfg)
	ctx := context.New()
	g := NewGraph(backend, "test")

	batchSize, melLen := 2, 64
	mel := Zeros(g, shapes.Make(dtypes.Float32, batchSize, cfg.InputChannels, melLen))
	proj, diversityLoss, codes := q.Forward(ctx, mel)

	codeLen := melLen / 4
	require.NoError(t, proj.Shape().CheckDims(batchSize, codeLen, cfg.CodevectorDim))
	require.NoError(t, codes.Shape().CheckDims(batchSize, codeLen, cfg.CodebookGroups))
	assert.Equal(t, dtypes.Int32, codes.DType())
	assert.True(t, diversityLoss.Shape().IsScalar())
}

func TestForwardCodesInRange(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := testConfig()
	q := New(cfg)
	ctx := context.New()

	exec := context.NewExec(backend, ctx, func(ctx *context.Context, mel *Node) *Node {
		_, _, codes := q.Forward(ctx, mel)
		return codes
	})
	mel := tensors.FromShape(shapes.Make(dtypes.Float32, 2, cfg.InputChannels, 32))
	codes := exec.Call(mel)[0]
	for _, c := range tensors.CopyFlatData[int32](codes) {
		assert.GreaterOrEqual(t, c, int32(0))
		assert.Less(t, c, int32(cfg.CodebookSize))
	}
}

func TestCodeHistogram(t *testing.T) {
	q := New(testConfig())
	assert.Nil(t, q.CodeHistogram())

	q.RecordCodes(tensors.FromFlatDataAndDimensions([]int32{0, 0, 3, 7}, 1, 2, 2))
	hist := q.CodeHistogram()
	require.Len(t, hist, testConfig().CodebookSize)
	assert.Equal(t, 2, hist[0])
	assert.Equal(t, 1, hist[3])
	assert.Equal(t, 1, hist[7])
	assert.Equal(t, 0, hist[1])
}
