package providers

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/openfroyo/kokki/pkg/engine"
)

// commandSpec holds the attributes shared by Execute and Script.
type commandSpec struct {
	cwd     string
	env     []string
	creates string
	returns []int
}

func parseCommandSpec(r *engine.Resource) (commandSpec, error) {
	spec := commandSpec{
		cwd:     r.StringAttr("cwd", ""),
		creates: r.StringAttr("creates", ""),
		returns: []int{0},
	}

	switch e := r.Attr("environment").(type) {
	case nil:
	case map[string]any:
		keys := make([]string, 0, len(e))
		for k := range e {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			spec.env = append(spec.env, fmt.Sprintf("%s=%v", k, e[k]))
		}
	default:
		return spec, fmt.Errorf("environment of %s must be a dict, got %T", r.ID(), e)
	}

	switch v := r.Attr("returns").(type) {
	case nil:
	case int:
		spec.returns = []int{v}
	case []any:
		spec.returns = spec.returns[:0]
		for _, item := range v {
			code, ok := item.(int)
			if !ok {
				return spec, fmt.Errorf("returns of %s must hold integers, got %T", r.ID(), item)
			}
			spec.returns = append(spec.returns, code)
		}
	default:
		return spec, fmt.Errorf("returns of %s must be an integer or a list, got %T", r.ID(), v)
	}
	return spec, nil
}

// satisfied reports whether the creates path already exists.
func (s commandSpec) satisfied() bool {
	if s.creates == "" {
		return false
	}
	_, err := os.Stat(s.creates)
	return err == nil
}

func (s commandSpec) accepts(code int) bool {
	for _, c := range s.returns {
		if c == code {
			return true
		}
	}
	return false
}

func executeFactory(c Commander) engine.ProviderFactory {
	return func(env *engine.Environment, r *engine.Resource) (engine.Provider, error) {
		return &engine.ActionSet{ProviderName: "execute", Handlers: map[string]engine.ActionFunc{
			"run": func(ctx context.Context) error {
				command := r.StringAttr("command", r.Name)
				return runCommand(ctx, env, r, c, "/bin/sh", "-c", command)
			},
		}}, nil
	}
}

// scriptFactory runs the code attribute with the interpreter attribute
// (default /bin/sh) from a temporary file.
func scriptFactory(c Commander) engine.ProviderFactory {
	return func(env *engine.Environment, r *engine.Resource) (engine.Provider, error) {
		return &engine.ActionSet{ProviderName: "script", Handlers: map[string]engine.ActionFunc{
			"run": func(ctx context.Context) error {
				code := r.StringAttr("code", "")
				if code == "" {
					return fmt.Errorf("%s: attribute 'code' is required", r.ID())
				}
				interpreter := strings.Fields(r.StringAttr("interpreter", "/bin/sh"))
				if len(interpreter) == 0 {
					return fmt.Errorf("%s: interpreter is empty", r.ID())
				}

				tmp, err := os.CreateTemp("", "kokki-script-*")
				if err != nil {
					return fmt.Errorf("failed to create script file: %w", err)
				}
				defer os.Remove(tmp.Name())
				if _, err := tmp.WriteString(code); err != nil {
					_ = tmp.Close()
					return fmt.Errorf("failed to write script file: %w", err)
				}
				if err := tmp.Close(); err != nil {
					return fmt.Errorf("failed to write script file: %w", err)
				}

				args := append(interpreter[1:], tmp.Name())
				return runCommand(ctx, env, r, c, interpreter[0], args...)
			},
		}}, nil
	}
}

func runCommand(ctx context.Context, env *engine.Environment, r *engine.Resource, c Commander, name string, args ...string) error {
	spec, err := parseCommandSpec(r)
	if err != nil {
		return err
	}
	logger := env.Logger().WithResourceID(r.ID())
	if spec.satisfied() {
		logger.Debugf("Skipping %s because %s exists", r, spec.creates)
		return nil
	}

	res, err := c.Run(ctx, CommandOptions{Dir: spec.cwd, Env: spec.env}, name, args...)
	if err != nil {
		return err
	}
	if out := strings.TrimSpace(res.Stdout); out != "" {
		logger.Debug(out)
	}
	if !spec.accepts(res.ExitCode) {
		return fmt.Errorf("%s exited with status %d: %s", r.ID(), res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	r.Updated = true
	return nil
}
