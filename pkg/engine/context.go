package engine

import "context"

type activationKey struct{}

// activation is one frame of the active-environment stack. Frames are
// immutable and linked to their parent, so nesting follows context scoping.
type activation struct {
	env    *Environment
	parent *activation
	depth  int
}

// Activate returns a context in which env is the current environment.
// Activations nest: the previous environment becomes current again once the
// caller stops using the returned context.
func Activate(ctx context.Context, env *Environment) context.Context {
	parent, _ := ctx.Value(activationKey{}).(*activation)
	frame := &activation{env: env, parent: parent, depth: 1}
	if parent != nil {
		frame.depth = parent.depth + 1
	}
	return context.WithValue(ctx, activationKey{}, frame)
}

// Current returns the innermost active environment, or nil.
func Current(ctx context.Context) *Environment {
	if frame, ok := ctx.Value(activationKey{}).(*activation); ok {
		return frame.env
	}
	return nil
}

// Depth reports how many activations enclose ctx.
func Depth(ctx context.Context) int {
	if frame, ok := ctx.Value(activationKey{}).(*activation); ok {
		return frame.depth
	}
	return 0
}
