package models

import (
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/types/tensors"
)

// LoadPretrained loads pretrained weights from the checkpoint directory into
// ctx and returns the attached handler. Variables present in ctx but absent
// from the checkpoint keep their initializer values, so a checkpoint holding
// only a sub-model (a codec, a prior) can seed a larger assembly.
//
// An empty dir is a no-op and returns (nil, nil).
func LoadPretrained(ctx *context.Context, dir string) (*checkpoints.Handler, error) {
	if dir == "" {
		return nil, nil
	}
	dir = data.ReplaceTildeInDir(dir)
	handler, err := checkpoints.Build(ctx).Dir(dir).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "loading pretrained weights from %q", dir)
	}
	hasCheckpoints, err := handler.HasCheckpoints()
	if err != nil {
		return nil, errors.WithMessagef(err, "listing checkpoints in %q", dir)
	}
	if !hasCheckpoints {
		return nil, errors.Errorf("no checkpoints found in %q", dir)
	}
	klog.V(1).Infof("Loaded pretrained weights from %q", handler.Dir())
	return handler, nil
}

// LoadPretrainedScoped loads a checkpoint saved by a standalone sub-model run,
// remapping its variable scopes: a variable stored under fromScope appears in
// ctx under toScope. This is how a codec or prior trained on its own, with its
// variables at the root scope, gets transplanted into an assembly that nests
// it deeper.
//
// The remapping is installed as a context.Loader chained after any loader
// already attached to ctx, so values are materialized lazily when the model
// graph first creates each variable. Matching is non-strict in both
// directions: variables absent from the checkpoint keep their initializers,
// and checkpoint entries that no variable ever asks for are ignored.
func LoadPretrainedScoped(ctx *context.Context, dir, fromScope, toScope string) error {
	if dir == "" {
		return nil
	}
	dir = data.ReplaceTildeInDir(dir)
	loadCtx := context.New()
	handler, err := checkpoints.Build(loadCtx).Dir(dir).ExcludeParams().Done()
	if err != nil {
		return errors.WithMessagef(err, "loading pretrained weights from %q", dir)
	}
	hasCheckpoints, err := handler.HasCheckpoints()
	if err != nil {
		return errors.WithMessagef(err, "listing checkpoints in %q", dir)
	}
	if !hasCheckpoints {
		return errors.Errorf("no checkpoints found in %q", dir)
	}
	ctx.SetLoader(&prefixLoader{
		next:      ctx.Loader(),
		handler:   handler,
		loadCtx:   loadCtx,
		fromScope: strings.TrimSuffix(fromScope, context.ScopeSeparator),
		toScope:   strings.TrimSuffix(toScope, context.ScopeSeparator),
	})
	klog.V(1).Infof("Pretrained weights from %q: scope %q remapped to %q",
		handler.Dir(), fromScope, toScope)
	return nil
}

// prefixLoader remaps variable scopes between a sub-model checkpoint and the
// assembly context, delegating the actual value lookup to the checkpoint
// handler. Earlier loaders take priority, mirroring how the checkpoints
// handler itself chains.
type prefixLoader struct {
	next      context.Loader
	handler   *checkpoints.Handler
	loadCtx   *context.Context
	fromScope string
	toScope   string
}

func (l *prefixLoader) LoadVariable(ctx *context.Context, scope, name string) (*tensors.Tensor, bool) {
	if l.next != nil {
		if value, found := l.next.LoadVariable(ctx, scope, name); found {
			return value, true
		}
	}
	if !strings.HasPrefix(scope, l.toScope) {
		return nil, false
	}
	mapped := l.fromScope + strings.TrimPrefix(scope, l.toScope)
	if mapped == "" {
		mapped = context.ScopeSeparator
	}
	return l.handler.LoadVariable(l.loadCtx, mapped, name)
}

func (l *prefixLoader) DeleteVariable(ctx *context.Context, scope, name string) {
	if l.next != nil {
		l.next.DeleteVariable(ctx, scope, name)
	}
}
