package models

import (
	"testing"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPretrainedEmptyDir(t *testing.T) {
	ctx := context.New()
	handler, err := LoadPretrained(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, handler)
}

func TestLoadPretrainedMissingCheckpoint(t *testing.T) {
	ctx := context.New()
	_, err := LoadPretrained(ctx, t.TempDir())
	require.Error(t, err)
}

func TestLoadPretrainedScoped(t *testing.T) {
	dir := t.TempDir()

	// Save a sub-model checkpoint with variables at the root scope.
	srcCtx := context.New()
	srcCtx.In("encoder").VariableWithValue("w", []float32{1, 2, 3})
	srcCtx.In("encoder").VariableWithValue("b", []float32{-1})
	handler, err := checkpoints.Build(srcCtx).Dir(dir).Done()
	require.NoError(t, err)
	require.NoError(t, handler.Save())

	// Load it into a fresh context, nested under /codec.
	dstCtx := context.New()
	require.NoError(t, LoadPretrainedScoped(dstCtx, dir, "/", "/codec"))

	w := dstCtx.GetVariableByScopeAndName("/codec/encoder", "w")
	require.NotNil(t, w)
	assert.Equal(t, []float32{1, 2, 3}, w.Value().Value())

	b := dstCtx.GetVariableByScopeAndName("/codec/encoder", "b")
	require.NotNil(t, b)
	assert.Equal(t, []float32{-1}, b.Value().Value())

	// A variable outside the remapped scope is not found.
	assert.Nil(t, dstCtx.GetVariableByScopeAndName("/encoder", "w"))

	// A variable absent from the checkpoint is not found either, so its
	// initializer would run: partial transfers are tolerated.
	assert.Nil(t, dstCtx.GetVariableByScopeAndName("/codec/encoder", "missing"))
}
