package recipe

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/kokki/pkg/config"
	"github.com/openfroyo/kokki/pkg/engine"
	"github.com/openfroyo/kokki/pkg/kitchen"
	"github.com/openfroyo/kokki/pkg/source"
)

// kitchenValue exposes the kitchen to scripts as env (recipes) or kit
// (roles and loader hooks).
type kitchenValue struct {
	ctx context.Context
	k   *kitchen.Kitchen
}

var _ starlark.HasAttrs = (*kitchenValue)(nil)

func (v *kitchenValue) String() string        { return "<kitchen>" }
func (v *kitchenValue) Type() string          { return "kitchen" }
func (v *kitchenValue) Freeze()               {}
func (v *kitchenValue) Truth() starlark.Bool  { return starlark.True }
func (v *kitchenValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable: kitchen") }

var kitchenAttrs = []string{
	"add_cookbook_path", "config", "cookbooks", "include_recipe", "included",
	"load_cookbook", "resource", "system", "update_config",
}

func (v *kitchenValue) AttrNames() []string { return kitchenAttrs }

func (v *kitchenValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "config":
		return &configValue{tree: v.k.Config()}, nil
	case "cookbooks":
		return &cookbooksValue{kv: v}, nil
	case "system":
		return systemStruct(v.k.Environment().System())
	case "included":
		return toStarlark(v.k.Included())
	case "resource":
		return starlark.NewBuiltin("resource", v.lookupResource), nil
	case "include_recipe":
		return starlark.NewBuiltin("include_recipe", builtinIncludeRecipe), nil
	case "update_config":
		return starlark.NewBuiltin("update_config", builtinUpdateConfig), nil
	case "add_cookbook_path":
		return starlark.NewBuiltin("add_cookbook_path", v.addCookbookPath), nil
	case "load_cookbook":
		return starlark.NewBuiltin("load_cookbook", v.loadCookbook), nil
	}
	return nil, nil
}

func (v *kitchenValue) lookupResource(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var typ, name string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &typ, &name); err != nil {
		return nil, err
	}
	r, err := v.k.Environment().Resource(engine.ResourceID(typ, name))
	if err != nil {
		return nil, err
	}
	return &resourceValue{r: r}, nil
}

func (v *kitchenValue) addCookbookPath(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
	}
	paths := make([]string, 0, len(args))
	for _, a := range args {
		s, ok := starlark.AsString(a)
		if !ok {
			return nil, fmt.Errorf("%s: paths must be strings, got %s", b.Name(), a.Type())
		}
		paths = append(paths, s)
	}
	return starlark.None, v.k.AddCookbookPath(threadContext(thread), paths...)
}

func (v *kitchenValue) loadCookbook(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &name); err != nil {
		return nil, err
	}
	if _, err := v.k.RegisterCookbook(threadContext(thread), name); err != nil {
		return nil, err
	}
	return &libraryValue{kv: v, cookbook: name}, nil
}

// configValue is a read-only view of a config subtree. Nodes are reached by
// attribute or by dotted key.
type configValue struct {
	tree   *config.Tree
	prefix string
}

var (
	_ starlark.HasAttrs = (*configValue)(nil)
	_ starlark.Mapping  = (*configValue)(nil)
)

func (c *configValue) path(key string) string {
	if c.prefix == "" {
		return key
	}
	return c.prefix + "." + key
}

func (c *configValue) node() map[string]any {
	if c.prefix == "" {
		return c.tree.Map()
	}
	v, err := c.tree.Get(c.prefix)
	if err != nil {
		return map[string]any{}
	}
	m, _ := v.(map[string]any)
	return m
}

func (c *configValue) String() string {
	if c.prefix == "" {
		return "<config>"
	}
	return "<config " + c.prefix + ">"
}
func (c *configValue) Type() string          { return "config" }
func (c *configValue) Freeze()               {}
func (c *configValue) Truth() starlark.Bool  { return starlark.Bool(len(c.node()) > 0) }
func (c *configValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable: config") }

func (c *configValue) AttrNames() []string {
	node := c.node()
	names := make([]string, 0, len(node)+1)
	for k := range node {
		names = append(names, k)
	}
	names = append(names, "get")
	sort.Strings(names)
	return names
}

func (c *configValue) Attr(name string) (starlark.Value, error) {
	if name == "get" {
		if _, ok := c.node()["get"]; !ok {
			return starlark.NewBuiltin("get", c.get), nil
		}
	}
	return c.lookup(name)
}

func (c *configValue) Get(key starlark.Value) (starlark.Value, bool, error) {
	s, ok := starlark.AsString(key)
	if !ok {
		return nil, false, fmt.Errorf("config keys are strings, got %s", key.Type())
	}
	if !c.tree.Has(c.path(s)) {
		return nil, false, nil
	}
	v, err := c.lookup(s)
	return v, err == nil, err
}

func (c *configValue) lookup(key string) (starlark.Value, error) {
	path := c.path(key)
	v, resolved, ok := c.tree.Lookup(path)
	if !ok {
		return nil, fmt.Errorf("config key %s is not set (resolved up to %q)", path, resolved)
	}
	if _, isNode := v.(map[string]any); isNode {
		return &configValue{tree: c.tree, prefix: path}, nil
	}
	return toStarlark(v)
}

func (c *configValue) get(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	var def starlark.Value = starlark.None
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &key, &def); err != nil {
		return nil, err
	}
	if !c.tree.Has(c.path(key)) {
		return def, nil
	}
	return c.lookup(key)
}

// cookbooksValue resolves env.cookbooks.<name> to the cookbook's library.
type cookbooksValue struct {
	kv *kitchenValue
}

func (c *cookbooksValue) String() string        { return "<cookbooks>" }
func (c *cookbooksValue) Type() string          { return "cookbooks" }
func (c *cookbooksValue) Freeze()               {}
func (c *cookbooksValue) Truth() starlark.Bool  { return starlark.True }
func (c *cookbooksValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable: cookbooks") }
func (c *cookbooksValue) AttrNames() []string   { return c.kv.k.Cookbooks() }

func (c *cookbooksValue) Attr(name string) (starlark.Value, error) {
	if _, err := c.kv.k.LoadCookbook(name); err != nil {
		return nil, err
	}
	return &libraryValue{kv: c.kv, cookbook: name}, nil
}

// libraryValue exposes one cookbook's library functions.
type libraryValue struct {
	kv       *kitchenValue
	cookbook string
}

func (l *libraryValue) String() string        { return "<library " + l.cookbook + ">" }
func (l *libraryValue) Type() string          { return "library" }
func (l *libraryValue) Freeze()               {}
func (l *libraryValue) Truth() starlark.Bool  { return starlark.True }
func (l *libraryValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable: library") }

func (l *libraryValue) AttrNames() []string {
	lib, err := l.library()
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(lib))
	for n := range lib {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (l *libraryValue) Attr(name string) (starlark.Value, error) {
	lib, err := l.library()
	if err != nil {
		return nil, err
	}
	fn, ok := lib[name]
	if !ok {
		return nil, nil
	}
	return toStarlark(fn)
}

func (l *libraryValue) library() (map[string]any, error) {
	cb, err := l.kv.k.LoadCookbook(l.cookbook)
	if err != nil {
		return nil, err
	}
	return cb.Library(l.kv.ctx, l.kv.k)
}

// resourceValue is a declared resource.
type resourceValue struct {
	r *engine.Resource
}

func (v *resourceValue) String() string        { return v.r.ID() }
func (v *resourceValue) Type() string          { return "resource" }
func (v *resourceValue) Freeze()               {}
func (v *resourceValue) Truth() starlark.Bool  { return starlark.True }
func (v *resourceValue) Hash() (uint32, error) { return starlark.String(v.r.ID()).Hash() }
func (v *resourceValue) AttrNames() []string {
	return []string{"actions", "attributes", "id", "name", "provider", "type"}
}

func (v *resourceValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "id":
		return starlark.String(v.r.ID()), nil
	case "type":
		return starlark.String(v.r.Type), nil
	case "name":
		return starlark.String(v.r.Name), nil
	case "provider":
		return starlark.String(v.r.Provider), nil
	case "actions":
		return toStarlark(v.r.Actions)
	case "attributes":
		return toStarlark(v.r.Attributes)
	}
	return nil, nil
}

// sourceValue wraps a content source.
type sourceValue struct {
	src source.Source
}

func (v *sourceValue) String() string {
	kind, _ := v.src.Spec()["__source__"].(string)
	return "<" + strings.ToLower(kind) + ">"
}
func (v *sourceValue) Type() string          { return "source" }
func (v *sourceValue) Freeze()               {}
func (v *sourceValue) Truth() starlark.Bool  { return starlark.True }
func (v *sourceValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable: source") }

func systemStruct(sys engine.System) (starlark.Value, error) {
	fields := make(starlark.StringDict)
	for k, v := range sys.Map() {
		sv, err := toStarlark(v)
		if err != nil {
			return nil, err
		}
		fields[k] = sv
	}
	return starlarkstruct.FromStringDict(starlark.String("system"), fields), nil
}
