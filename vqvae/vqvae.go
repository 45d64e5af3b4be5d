// Package vqvae implements the frozen pretrained discrete-VAE codec used as a
// conditioning source: a convolutional encoder over mel input followed by a
// nearest-codebook lookup. Only inference is supported: the codec's weights
// are loaded from a pretrained checkpoint and never trained here.
package vqvae

import (
	"sync"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// Config holds the codec hyperparameters; they must match the pretrained
// checkpoint being loaded.
type Config struct {
	// Channels is the mel channel count the codec consumes.
	Channels int

	// HiddenDim is the encoder width, NumResnetBlocks the residual blocks
	// per downsampling stage, NumLayers the number of 2x downsampling
	// stages, KernelSize the convolution kernel width.
	HiddenDim       int
	NumResnetBlocks int
	NumLayers       int
	KernelSize      int

	// CodebookDim is the code embedding width; NumTokens the codebook size.
	CodebookDim int
	NumTokens   int
}

// FromContext builds a Config from context hyperparameters.
func FromContext(ctx *context.Context) *Config {
	return &Config{
		Channels:        context.GetParamOr(ctx, "vqvae_channels", 80),
		HiddenDim:       context.GetParamOr(ctx, "vqvae_hidden_dim", 512),
		NumResnetBlocks: context.GetParamOr(ctx, "vqvae_num_resnet_blocks", 3),
		NumLayers:       context.GetParamOr(ctx, "vqvae_num_layers", 2),
		KernelSize:      context.GetParamOr(ctx, "vqvae_kernel_size", 3),
		CodebookDim:     context.GetParamOr(ctx, "vqvae_codebook_dim", 512),
		NumTokens:       context.GetParamOr(ctx, "vqvae_num_tokens", 8192),
	}
}

// VAE is one frozen codec instance. Weights live in the context under the
// scope passed to Infer, so multiple instances (multi-band wrappers) use
// distinct scopes.
type VAE struct {
	Config *Config

	mu       sync.Mutex
	recorded []int32
}

// New creates a codec wrapper for Config.
func New(cfg *Config) *VAE {
	return &VAE{Config: cfg}
}

// Infer runs the frozen encoder + codebook lookup over mel, shaped
// [batch, channels, melLen]. It returns the code projection, shaped
// [batch, codeLen, codebookDim] with codeLen = melLen / 2^numLayers, and the
// selected code indices [batch, codeLen] (int32).
//
// No gradient flows into the codec: the outputs are stop-gradient'ed and the
// codec variables are marked non-trainable.
func (v *VAE) Infer(ctx *context.Context, mel *Node) (proj, codes *Node) {
	g := mel.Graph()
	cfg := v.Config
	mel.AssertRank(3)

	h := Transpose(mel, 1, 2) // [batch, melLen, channels]
	for stage := range cfg.NumLayers {
		stageCtx := ctx.Inf("%03d-down", stage)
		h = layers.Convolution(stageCtx, h).
			Filters(cfg.HiddenDim).KernelSize(cfg.KernelSize).Strides(2).PadSame().Done()
		h = activations.Relu(h)
		for block := range cfg.NumResnetBlocks {
			h = v.resnetBlock(stageCtx.Inf("%03d-res", block), h)
		}
	}
	h = layers.Convolution(ctx.In("to_codes"), h).
		Filters(cfg.CodebookDim).KernelSize(1).PadSame().Done()

	// Nearest codebook entry by squared distance.
	codebookVar := ctx.WithInitializer(initializers.RandomNormalFn(ctx, 0.02)).
		VariableWithShape("codebook", shapes.Make(h.DType(), cfg.NumTokens, cfg.CodebookDim))
	codebook := codebookVar.ValueGraph(g)
	// distances[b,l,t] = |h[b,l]|^2 - 2 h.codebook + |codebook[t]|^2
	hSq := ReduceAndKeep(Square(h), ReduceSum, -1)            // [batch, codeLen, 1]
	cbSq := InsertAxes(ReduceSum(Square(codebook), -1), 0, 0) // [1, 1, numTokens]
	dot := Einsum("bld,td->blt", h, codebook)                 // [batch, codeLen, numTokens]
	distances := Add(Sub(hSq, MulScalar(dot, 2)), cbSq)
	codes = ArgMin(distances, -1, dtypes.Int32) // [batch, codeLen]

	proj = Gather(codebook, InsertAxes(codes, -1))
	proj = StopGradient(proj)
	codes = StopGradient(codes)
	SetScopeFrozen(ctx)
	return proj, codes
}

func (v *VAE) resnetBlock(ctx *context.Context, h *Node) *Node {
	cfg := v.Config
	residual := h
	h = layers.Convolution(ctx.In("conv_0"), h).
		Filters(cfg.HiddenDim).KernelSize(cfg.KernelSize).PadSame().Done()
	h = activations.Relu(h)
	h = layers.Convolution(ctx.In("conv_1"), h).
		Filters(cfg.HiddenDim).KernelSize(1).PadSame().Done()
	return Add(h, residual)
}

// SetScopeFrozen marks every variable under the context scope non-trainable.
func SetScopeFrozen(ctx *context.Context) {
	ctx.EnumerateVariablesInScope(func(variable *context.Variable) {
		variable.SetTrainable(false)
	})
}

// RecordCodes feeds executed code indices into the usage telemetry.
func (v *VAE) RecordCodes(codes *tensors.Tensor) {
	v.RecordCodeValues(tensors.CopyFlatData[int32](codes))
}

// RecordCodeValues is RecordCodes over already-flattened indices.
func (v *VAE) RecordCodeValues(flat []int32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.recorded = append(v.recorded, flat...)
	if len(v.recorded) > 16384 {
		v.recorded = v.recorded[len(v.recorded)-16384:]
	}
}

// CodeHistogram returns usage counts per codebook entry over recently
// recorded codes; nil before any were recorded.
func (v *VAE) CodeHistogram() []int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.recorded) == 0 {
		return nil
	}
	counts := make([]int, v.Config.NumTokens)
	for _, c := range v.recorded {
		if int(c) < len(counts) {
			counts[c]++
		}
	}
	return counts
}
