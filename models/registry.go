// Package models assembles the diffusion trunk with its conditioning
// front-ends: a jointly trained gumbel quantizer, a frozen autoregressive
// prior, or one or several frozen pretrained discrete-VAE codecs. Each
// assembly is registered under a name so training drivers can instantiate
// them from configuration.
package models

import (
	"github.com/pkg/errors"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"

	"github.com/LawrenceMoruye/DL-Art-School/diffusion"
)

// Conditioning carries the per-batch conditioning inputs to a model's
// forward pass. Exactly which fields a model consumes depends on the variant:
// mel-driven variants read Mel, the code-driven trunk reads Codes.
type Conditioning struct {
	// Mel is the ground-truth mel spectrogram, shaped [batch, melChannels, melLen].
	Mel *Node

	// Codes are discrete conditioning codes, shaped [batch, codeLen, groups].
	Codes *Node

	// ConditioningFree replaces the conditioning with the learned
	// unconditioned embedding, for classifier-free guidance sampling.
	ConditioningFree bool
}

// Output is the result of one forward pass.
type Output struct {
	// Prediction is the denoising prediction, shaped like the noised input.
	Prediction *Node

	// DiversityLoss is the quantizer's codebook diversity penalty, or nil
	// for variants without a jointly trained quantizer. It is scaled to
	// zero while the quantizer is frozen.
	DiversityLoss *Node

	// Codes are the discrete code indices selected by the quantizer or
	// codecs (int32, shaped [batch, codeLen, groups]), or nil for variants
	// without them. Execute and feed them to ObserveCodes for usage
	// telemetry.
	Codes *Node
}

// Model is one registered diffusion assembly.
type Model interface {
	// Forward builds the graph for one denoising step. The variables live
	// in ctx; repeated calls reuse them.
	Forward(ctx *context.Context, x, timesteps *Node, cond Conditioning) Output

	// UpdateForStep advances host-side training state (temperature
	// schedules, freeze windows). Call once per optimizer step.
	UpdateForStep(step int64)

	// DebugValues reports scalar telemetry for logging. May be empty.
	DebugValues() map[string]any

	// Trunk returns the denoising trunk configuration, for parameter-group
	// reporting.
	Trunk() *diffusion.Config
}

// StepObserver is implemented by models that want to observe executed
// tensors after each step, for code-usage telemetry.
type StepObserver interface {
	ObserveCodes(codes *tensors.Tensor)
}

var registry = map[string]func(ctx *context.Context) Model{}

// Register makes a model constructor available to New. It panics if name is
// already taken.
func Register(name string, builder func(ctx *context.Context) Model) {
	if _, ok := registry[name]; ok {
		panic("models: registered twice: " + name)
	}
	registry[name] = builder
}

// New instantiates the named model, reading hyperparameters from ctx.
func New(name string, ctx *context.Context) (Model, error) {
	builder, ok := registry[name]
	if !ok {
		return nil, errors.Errorf("models: unknown model %q", name)
	}
	return builder(ctx), nil
}

// Names lists the registered model names.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}
