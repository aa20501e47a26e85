// Package recipe runs cookbook scripts in a Starlark sandbox. Scripts can
// declare resources, build content sources, include recipes and update the
// config tree; nothing else of the host is reachable.
package recipe

import (
	"context"
	"fmt"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/openfroyo/kokki/pkg/engine"
	"github.com/openfroyo/kokki/pkg/kitchen"
	"github.com/openfroyo/kokki/pkg/source"
	"github.com/openfroyo/kokki/pkg/telemetry"
)

// DefaultMaxSteps bounds a single script evaluation.
const DefaultMaxSteps = 50_000_000

const (
	localContext = "kokki.ctx"
	localKitchen = "kokki.kitchen"
)

var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
}

// Runtime executes recipe, library and kitchen scripts. It implements
// kitchen.ScriptRunner.
type Runtime struct {
	maxSteps uint64
	logger   *telemetry.Logger
}

var _ kitchen.ScriptRunner = (*Runtime)(nil)

// Option configures a Runtime.
type Option func(*Runtime)

// WithMaxSteps overrides the per-evaluation step limit.
func WithMaxSteps(n uint64) Option {
	return func(rt *Runtime) { rt.maxSteps = n }
}

// WithLogger receives print() output.
func WithLogger(l *telemetry.Logger) Option {
	return func(rt *Runtime) { rt.logger = l }
}

// NewRuntime creates a runtime.
func NewRuntime(opts ...Option) *Runtime {
	rt := &Runtime{maxSteps: DefaultMaxSteps}
	for _, opt := range opts {
		opt(rt)
	}
	if rt.logger == nil {
		rt.logger = telemetry.NopLogger()
	}
	return rt
}

// newThread prepares a thread bound to k. ctx is activated for k's
// environment unless it already is.
func (rt *Runtime) newThread(ctx context.Context, k *kitchen.Kitchen, name string) *starlark.Thread {
	if k != nil {
		if engine.Current(ctx) != k.Environment() {
			ctx = engine.Activate(ctx, k.Environment())
		}
		if source.Locator(ctx) == nil {
			ctx = source.WithLocator(ctx, k)
		}
	}
	log := rt.logger.WithField("script", name)
	thread := &starlark.Thread{
		Name:  name,
		Print: func(_ *starlark.Thread, msg string) { log.Info(msg) },
	}
	thread.SetMaxExecutionSteps(rt.maxSteps)
	thread.SetLocal(localContext, ctx)
	thread.SetLocal(localKitchen, k)
	return thread
}

// guarded runs fn on thread and cancels the thread when ctx is done.
func guarded(ctx context.Context, thread *starlark.Thread, fn func() error) error {
	stop := context.AfterFunc(ctx, func() { thread.Cancel(ctx.Err().Error()) })
	defer stop()
	return fn()
}

func threadContext(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local(localContext).(context.Context); ok {
		return ctx
	}
	return context.Background()
}

func threadKitchen(thread *starlark.Thread) *kitchen.Kitchen {
	k, _ := thread.Local(localKitchen).(*kitchen.Kitchen)
	return k
}

func (rt *Runtime) predeclared(ctx context.Context, k *kitchen.Kitchen, extra starlark.StringDict) starlark.StringDict {
	d := rt.builtins()
	d["env"] = &kitchenValue{ctx: ctx, k: k}
	for name, v := range extra {
		d[name] = v
	}
	return d
}

// ExecRecipe runs a recipe body.
func (rt *Runtime) ExecRecipe(ctx context.Context, k *kitchen.Kitchen, script kitchen.Script) error {
	thread := rt.newThread(ctx, k, script.Name)
	return guarded(ctx, thread, func() error {
		_, err := starlark.ExecFileOptions(fileOptions, thread, script.Name, script.Source, rt.predeclared(ctx, k, nil))
		return err
	})
}

// LoadLibrary evaluates library files in order. Each file sees the globals
// of the files before it. Public callables are returned.
func (rt *Runtime) LoadLibrary(ctx context.Context, k *kitchen.Kitchen, cookbook string, scripts []kitchen.Script) (map[string]any, error) {
	globals, err := rt.execShared(ctx, k, scripts)
	if err != nil {
		return nil, err
	}
	lib := make(map[string]any)
	for name, v := range globals {
		if name[0] == '_' {
			continue
		}
		if fn, ok := v.(starlark.Callable); ok {
			lib[name] = fn
		}
	}
	return lib, nil
}

func (rt *Runtime) execShared(ctx context.Context, k *kitchen.Kitchen, scripts []kitchen.Script) (starlark.StringDict, error) {
	shared := starlark.StringDict{}
	for _, s := range scripts {
		thread := rt.newThread(ctx, k, s.Name)
		var globals starlark.StringDict
		err := guarded(ctx, thread, func() error {
			var err error
			globals, err = starlark.ExecFileOptions(fileOptions, thread, s.Name, s.Source, rt.predeclared(ctx, k, shared))
			return err
		})
		if err != nil {
			return nil, err
		}
		for name, v := range globals {
			shared[name] = v
		}
	}
	return shared, nil
}

// Call invokes a library function or Go hook with the kitchen.
func (rt *Runtime) Call(ctx context.Context, k *kitchen.Kitchen, fn any) error {
	switch f := fn.(type) {
	case starlark.Callable:
		thread := rt.newThread(ctx, k, f.Name())
		return guarded(ctx, thread, func() error {
			_, err := starlark.Call(thread, f, starlark.Tuple{&kitchenValue{ctx: threadContext(thread), k: k}}, nil)
			return err
		})
	case kitchen.LoaderFunc:
		return f(ctx, k)
	case func(context.Context, *kitchen.Kitchen) error:
		return f(ctx, k)
	default:
		return fmt.Errorf("cannot call %T", fn)
	}
}

// Namespace holds the globals of the kitchen files.
type Namespace struct {
	rt      *Runtime
	globals starlark.StringDict
}

// LoadKitchen executes kitchen files in order in one shared namespace.
func (rt *Runtime) LoadKitchen(ctx context.Context, k *kitchen.Kitchen, scripts []kitchen.Script) (*Namespace, error) {
	globals, err := rt.execShared(ctx, k, scripts)
	if err != nil {
		return nil, err
	}
	return &Namespace{rt: rt, globals: globals}, nil
}

// Roles returns the public callables of the namespace.
func (n *Namespace) Roles() []string {
	var roles []string
	for name, v := range n.globals {
		if name[0] == '_' {
			continue
		}
		if _, ok := v.(starlark.Callable); ok {
			roles = append(roles, name)
		}
	}
	sort.Strings(roles)
	return roles
}

// RunRole calls the named role with the kitchen.
func (n *Namespace) RunRole(ctx context.Context, k *kitchen.Kitchen, name string) error {
	v, ok := n.globals[name]
	fn, callable := v.(starlark.Callable)
	if !ok || !callable || name[0] == '_' {
		return engine.NewUserError(engine.ErrCodeUnknownRole, fmt.Sprintf("role %s not found", name), nil).
			WithDetail("roles", n.Roles())
	}
	return n.rt.Call(ctx, k, fn)
}
