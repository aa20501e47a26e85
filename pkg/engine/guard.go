package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// GuardKind identifies how a guard is evaluated.
type GuardKind string

const (
	// GuardShell runs Command with /bin/sh -c; exit status 0 means true.
	GuardShell GuardKind = "shell"

	// GuardCallable calls Func.
	GuardCallable GuardKind = "callable"
)

// GuardFunc is an in-process guard predicate.
type GuardFunc func(ctx context.Context) (bool, error)

// Guard is a not_if / only_if condition.
type Guard struct {
	Kind    GuardKind `json:"kind" yaml:"kind"`
	Command string    `json:"command,omitempty" yaml:"command,omitempty"`
	Func    GuardFunc `json:"-" yaml:"-"`
}

// ShellGuard returns a guard that runs command through the shell.
func ShellGuard(command string) *Guard {
	return &Guard{Kind: GuardShell, Command: command}
}

// FuncGuard returns a guard backed by fn.
func FuncGuard(fn GuardFunc) *Guard {
	return &Guard{Kind: GuardCallable, Func: fn}
}

func (g *Guard) String() string {
	if g.Kind == GuardShell {
		return fmt.Sprintf("shell(%q)", g.Command)
	}
	return string(g.Kind)
}

// Evaluate resolves the guard. A callable guard without a function (for
// example one restored from a dump) and any unknown kind are internal errors.
func (g *Guard) Evaluate(ctx context.Context) (bool, error) {
	switch g.Kind {
	case GuardCallable:
		if g.Func == nil {
			return false, NewInternalError(ErrCodeUnknownGuard,
				"callable guard has no function (callables cannot be restored from a dump)", nil)
		}
		ok, err := g.Func(ctx)
		if err != nil {
			return false, NewInternalError(ErrCodeGuardFailed, "guard evaluation failed", err)
		}
		return ok, nil

	case GuardShell:
		return runShellGuard(ctx, g.Command)

	default:
		return false, NewInternalError(ErrCodeUnknownGuard,
			fmt.Sprintf("unknown guard condition type %q", g.Kind), nil)
	}
}

func runShellGuard(ctx context.Context, command string) (bool, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	err := cmd.Run()
	if err == nil {
		return true, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, NewInternalError(ErrCodeGuardFailed,
		fmt.Sprintf("failed to run guard command %q", command), err)
}
