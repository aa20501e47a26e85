package recipe

import (
	"context"
	"fmt"
	"os"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/kokki/pkg/engine"
	"github.com/openfroyo/kokki/pkg/providers"
	"github.com/openfroyo/kokki/pkg/source"
)

// builtins returns the names every script sees.
func (rt *Runtime) builtins() starlark.StringDict {
	d := starlark.StringDict{
		"struct":         starlarkstruct.Default,
		"resource":       starlark.NewBuiltin("resource", rt.genericResource),
		"include_recipe": starlark.NewBuiltin("include_recipe", builtinIncludeRecipe),
		"update_config":  starlark.NewBuiltin("update_config", builtinUpdateConfig),
		"getenv":         starlark.NewBuiltin("getenv", builtinGetenv),
		"StaticFile":     starlark.NewBuiltin("StaticFile", builtinStaticFile),
		"Template":       starlark.NewBuiltin("Template", builtinTemplate),
		"DownloadSource": starlark.NewBuiltin("DownloadSource", builtinDownloadSource),
	}
	for _, typ := range providers.ResourceTypes() {
		d[typ] = starlark.NewBuiltin(typ, rt.typedResource(typ))
	}
	return d
}

type builtinFunc func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error)

// typedResource declares a resource of a fixed type: File("/etc/motd", ...).
func (rt *Runtime) typedResource(typ string) builtinFunc {
	return func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("%s: expected exactly one positional argument (the name), got %d", b.Name(), len(args))
		}
		name, ok := starlark.AsString(args[0])
		if !ok {
			return nil, fmt.Errorf("%s: name must be a string, got %s", b.Name(), args[0].Type())
		}
		return rt.declare(thread, typ, name, kwargs)
	}
}

// genericResource declares a resource of any type: resource("Vhost", "www", ...).
func (rt *Runtime) genericResource(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("%s: expected type and name, got %d positional arguments", b.Name(), len(args))
	}
	typ, ok1 := starlark.AsString(args[0])
	name, ok2 := starlark.AsString(args[1])
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%s: type and name must be strings", b.Name())
	}
	return rt.declare(thread, typ, name, kwargs)
}

func (rt *Runtime) declare(thread *starlark.Thread, typ, name string, kwargs []starlark.Tuple) (starlark.Value, error) {
	k := threadKitchen(thread)
	if k == nil {
		return nil, fmt.Errorf("%s: resources can only be declared while a kitchen is active", typ)
	}
	env := k.Environment()

	r := &engine.Resource{Type: typ, Name: name, Attributes: map[string]any{}}
	var notifies, subscribes starlark.Value
	for _, kv := range kwargs {
		key, _ := starlark.AsString(kv[0])
		val := kv[1]
		var err error
		switch key {
		case "action":
			r.Actions, err = stringList(val)
		case "provider":
			s, ok := starlark.AsString(val)
			if !ok {
				err = fmt.Errorf("provider must be a string")
			}
			r.Provider = s
		case "not_if":
			r.NotIf, err = rt.guard(thread, val)
		case "only_if":
			r.OnlyIf, err = rt.guard(thread, val)
		case "notifies":
			notifies = val
		case "subscribes":
			subscribes = val
		default:
			r.Attributes[key], err = fromStarlark(val)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", r.ID(), key, err)
		}
	}
	if len(r.Actions) == 0 {
		def := providers.DefaultAction(typ)
		if def == "" {
			return nil, fmt.Errorf("%s: action is required for resource type %s", r.ID(), typ)
		}
		r.Actions = []string{def}
	}

	if err := env.AddResource(r); err != nil {
		return nil, err
	}

	if notifies != nil {
		err := eachNotification(notifies, func(action, target string, immediate bool) error {
			env.Notify(r, action, target, immediate)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("%s: notifies: %w", r.ID(), err)
		}
	}
	if subscribes != nil {
		err := eachNotification(subscribes, func(action, src string, immediate bool) error {
			return env.Subscribe(r, action, src, immediate)
		})
		if err != nil {
			return nil, fmt.Errorf("%s: subscribes: %w", r.ID(), err)
		}
	}
	return &resourceValue{r: r}, nil
}

// eachNotification walks [(action, resource[, immediate]), ...]. A single
// tuple is accepted in place of a list.
func eachNotification(v starlark.Value, fn func(action, target string, immediate bool) error) error {
	var items []starlark.Value
	switch val := v.(type) {
	case starlark.Tuple:
		items = []starlark.Value{val}
	case *starlark.List:
		for i := 0; i < val.Len(); i++ {
			items = append(items, val.Index(i))
		}
	default:
		return fmt.Errorf("expected a list of (action, resource) tuples, got %s", v.Type())
	}

	for _, item := range items {
		seq, ok := item.(starlark.Indexable)
		if !ok || seq.Len() < 2 || seq.Len() > 3 {
			return fmt.Errorf("expected (action, resource[, immediate]), got %s", item)
		}
		action, ok := starlark.AsString(seq.Index(0))
		if !ok {
			return fmt.Errorf("notification action must be a string")
		}
		var target string
		switch t := seq.Index(1).(type) {
		case *resourceValue:
			target = t.r.ID()
		case starlark.String:
			target = string(t)
		default:
			return fmt.Errorf("notification target must be a resource or an id string, got %s", t.Type())
		}
		if _, _, err := engine.ParseResourceID(target); err != nil {
			return err
		}
		immediate := false
		if seq.Len() == 3 {
			immediate = bool(seq.Index(2).Truth())
		}
		if err := fn(action, target, immediate); err != nil {
			return err
		}
	}
	return nil
}

// guard turns a shell command string or a callable into a guard.
func (rt *Runtime) guard(thread *starlark.Thread, v starlark.Value) (*engine.Guard, error) {
	if s, ok := starlark.AsString(v); ok {
		return engine.ShellGuard(s), nil
	}
	fn, ok := v.(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("guard must be a shell command or a callable, got %s", v.Type())
	}
	k := threadKitchen(thread)
	return engine.FuncGuard(func(ctx context.Context) (bool, error) {
		th := rt.newThread(ctx, k, "guard")
		res, err := starlark.Call(th, fn, nil, nil)
		if err != nil {
			return false, err
		}
		return bool(res.Truth()), nil
	}), nil
}

func builtinIncludeRecipe(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	k := threadKitchen(thread)
	if k == nil {
		return nil, fmt.Errorf("%s: no active kitchen", b.Name())
	}
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
	}
	names := make([]string, 0, len(args))
	for _, a := range args {
		s, ok := starlark.AsString(a)
		if !ok {
			return nil, fmt.Errorf("%s: recipe names must be strings, got %s", b.Name(), a.Type())
		}
		names = append(names, s)
	}
	return starlark.None, k.IncludeRecipe(threadContext(thread), names...)
}

// builtinUpdateConfig merges a dict of dotted keys: update_config({"a.b": 1}, overwrite=True).
func builtinUpdateConfig(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	k := threadKitchen(thread)
	if k == nil {
		return nil, fmt.Errorf("%s: no active kitchen", b.Name())
	}
	var values *starlark.Dict
	overwrite := true
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "values", &values, "overwrite?", &overwrite); err != nil {
		return nil, err
	}
	converted, err := fromStarlark(values)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.None, k.UpdateConfig(converted.(map[string]any), overwrite)
}

func builtinGetenv(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var def starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "default?", &def); err != nil {
		return nil, err
	}
	if v, ok := os.LookupEnv(name); ok {
		return starlark.String(v), nil
	}
	return def, nil
}

func builtinStaticFile(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path); err != nil {
		return nil, err
	}
	s, err := source.NewStaticFile(path)
	if err != nil {
		return nil, err
	}
	return &sourceValue{src: s}, nil
}

func builtinTemplate(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, engineName string
	var variables starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "variables?", &variables, "engine?", &engineName); err != nil {
		return nil, err
	}
	var vars map[string]any
	if variables != starlark.None {
		v, err := fromStarlark(variables)
		if err != nil {
			return nil, fmt.Errorf("%s: variables: %w", b.Name(), err)
		}
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s: variables must be a dict", b.Name())
		}
		vars = m
	}
	t, err := source.NewTemplate(threadContext(thread), name, vars, engineName)
	if err != nil {
		return nil, err
	}
	return &sourceValue{src: t}, nil
}

func builtinDownloadSource(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var url, checksum string
	cache := true
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "url", &url, "cache?", &cache, "checksum?", &checksum); err != nil {
		return nil, err
	}
	s, err := source.NewDownloadSource(threadContext(thread), url, cache, checksum)
	if err != nil {
		return nil, err
	}
	return &sourceValue{src: s}, nil
}
