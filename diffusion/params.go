package diffusion

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
)

// Trainability is the per-parameter-group training policy. It replaces ad hoc
// per-parameter flags: freezing decisions are applied centrally over variable
// scopes.
type Trainability int

const (
	Trainable Trainability = iota
	Frozen
)

// SetScopeTrainability applies a training policy to every variable under the
// context's current scope. It is idempotent and cheap, so callers apply it
// after each graph build, once the variables exist.
func SetScopeTrainability(ctx *context.Context, t Trainability) {
	ctx.EnumerateVariablesInScope(func(v *context.Variable) {
		v.SetTrainable(t == Trainable)
	})
}

// ZeroTermForScope returns a scalar involving every variable under the
// context's current scope, multiplied by zero. Adding it to a model output
// keeps off-path parameters participating in gradient computation, which
// synchronized data-parallel training requires: it stalls on parameters that
// contribute to no loss term.
func ZeroTermForScope(ctx *context.Context, g *Graph, dtype dtypes.DType) *Node {
	term := Scalar(g, dtype, 0)
	ctx.EnumerateVariablesInScope(func(v *context.Variable) {
		term = Add(term, ReduceAllMean(ConvertDType(v.ValueGraph(g), dtype)))
	})
	return MulScalar(term, 0)
}

// ParameterGroups are named views over the model's variables, used for
// per-group gradient-norm reporting and scaling policies. They are
// bookkeeping only: the variables remain owned by the context.
type ParameterGroups map[string][]*context.Variable

// GradNormParameterGroups collects the denoising network's variables into the
// standard reporting groups: per-block scopes (prenorms, attention and
// feed-forward of both sub-blocks, block output projections) plus the input
// projections, the code converters, the timestep embedding and the output
// head.
func (c *Config) GradNormParameterGroups(ctx *context.Context) ParameterGroups {
	ctx = ctx.In(Scope)
	layersCtx := ctx.In("layers")
	var prenorms, blk1Attn, blk2Attn, blk1FF, blk2FF, blockOuts []*context.Context
	for i := range c.NumLayers {
		blockCtx := layersCtx.Inf("%03d-block", i)
		prenorms = append(prenorms, blockCtx.In("prenorm"))
		blk1Attn = append(blk1Attn, blockCtx.In("block1").In("attn"), blockCtx.In("block1").In("attnorm"))
		blk2Attn = append(blk2Attn, blockCtx.In("block2").In("attn"), blockCtx.In("block2").In("attnorm"))
		blk1FF = append(blk1FF, blockCtx.In("block1").In("ff"), blockCtx.In("block1").In("ffnorm"))
		blk2FF = append(blk2FF, blockCtx.In("block2").In("ff"), blockCtx.In("block2").In("ffnorm"))
		blockOuts = append(blockOuts, blockCtx.In("out"))
	}
	return ParameterGroups{
		"prenorms":              scopeVariables(prenorms...),
		"blk1_attention_layers": scopeVariables(blk1Attn...),
		"blk2_attention_layers": scopeVariables(blk2Attn...),
		"blk1_ff_layers":        scopeVariables(blk1FF...),
		"blk2_ff_layers":        scopeVariables(blk2FF...),
		"block_out_layers":      scopeVariables(blockOuts...),
		"x_proj":                scopeVariables(ctx.In("inp_block"), ctx.In("intg")),
		"code_converters":       scopeVariables(ctx.In(c.converterScope()), ctx.In(c.encoderScope())),
		"time_embed":            scopeVariables(ctx.In("time_embed")),
		"out":                   scopeVariables(ctx.In("out")),
	}
}

// NumParameters returns the total element count over all groups.
func (p ParameterGroups) NumParameters() int {
	total := 0
	for _, vars := range p {
		for _, v := range vars {
			total += v.Shape().Size()
		}
	}
	return total
}

// String reports group names and parameter counts, largest first.
func (p ParameterGroups) String() string {
	names := make([]string, 0, len(p))
	sizes := make(map[string]int, len(p))
	for name, vars := range p {
		names = append(names, name)
		for _, v := range vars {
			sizes[name] += v.Shape().Size()
		}
	}
	sort.Slice(names, func(i, j int) bool { return sizes[names[i]] > sizes[names[j]] })
	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s: %s parameters\n", name, humanize.Comma(int64(sizes[name])))
	}
	fmt.Fprintf(&b, "total: %s parameters\n", humanize.Comma(int64(p.NumParameters())))
	return b.String()
}

func scopeVariables(ctxs ...*context.Context) []*context.Variable {
	var vars []*context.Variable
	for _, ctx := range ctxs {
		ctx.EnumerateVariablesInScope(func(v *context.Variable) {
			vars = append(vars, v)
		})
	}
	return vars
}
