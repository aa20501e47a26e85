package kitchen

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/openfroyo/kokki/pkg/config"
	"github.com/openfroyo/kokki/pkg/engine"
	"github.com/openfroyo/kokki/pkg/source"
	"github.com/openfroyo/kokki/pkg/telemetry"
)

// Script is a named script source.
type Script struct {
	Name   string
	Source []byte
}

// ScriptRunner executes recipe and library scripts on behalf of the kitchen.
type ScriptRunner interface {
	// ExecRecipe runs a recipe body with the kitchen bound as env.
	ExecRecipe(ctx context.Context, k *Kitchen, script Script) error

	// LoadLibrary evaluates library scripts in one namespace and returns its
	// exported callables.
	LoadLibrary(ctx context.Context, k *Kitchen, cookbook string, scripts []Script) (map[string]any, error)

	// Call invokes a library callable with the kitchen as its argument.
	Call(ctx context.Context, k *Kitchen, fn any) error
}

// ProviderLoader turns a cookbook-shipped provider module into a factory.
type ProviderLoader interface {
	LoadProvider(ctx context.Context, cookbook, resourceType string, decl config.ProviderDecl, module []byte) (engine.ProviderFactory, error)
}

// Gate is checked after input validation and before convergence.
type Gate func(ctx context.Context, env *engine.Environment) error

// Kitchen loads cookbooks, tracks recipe inclusion and runs the environment.
type Kitchen struct {
	env       *engine.Environment
	runner    ScriptRunner
	providers ProviderLoader
	parser    *config.CUEParser
	logger    *telemetry.Logger
	gates     []Gate
	cacheDir  string

	paths     []string
	resolved  map[string]string
	defs      map[string]*CookbookDef
	cookbooks map[string]*Cookbook
	order     []string

	included    []string
	includedSet map[string]bool
	sourced     map[string]bool
}

// Option configures a Kitchen.
type Option func(*Kitchen)

// WithScriptRunner sets the runner for script recipes and libraries.
func WithScriptRunner(r ScriptRunner) Option {
	return func(k *Kitchen) { k.runner = r }
}

// WithProviderLoader sets the loader for cookbook-shipped providers.
func WithProviderLoader(l ProviderLoader) Option {
	return func(k *Kitchen) { k.providers = l }
}

// WithGate adds a pre-convergence check.
func WithGate(g Gate) Option {
	return func(k *Kitchen) { k.gates = append(k.gates, g) }
}

// WithCookbookCache sets where remote cookbook paths are cloned.
func WithCookbookCache(dir string) Option {
	return func(k *Kitchen) { k.cacheDir = dir }
}

// New creates a kitchen around env.
func New(env *engine.Environment, opts ...Option) *Kitchen {
	k := &Kitchen{
		env:         env,
		parser:      config.NewCUEParser(),
		logger:      env.Logger().NewComponentLogger("kitchen"),
		resolved:    make(map[string]string),
		defs:        make(map[string]*CookbookDef),
		cookbooks:   make(map[string]*Cookbook),
		includedSet: make(map[string]bool),
		sourced:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Environment returns the underlying environment.
func (k *Kitchen) Environment() *engine.Environment { return k.env }

// Config returns the environment's config tree.
func (k *Kitchen) Config() *config.Tree { return k.env.Config() }

// UpdateConfig merges values into the config tree.
func (k *Kitchen) UpdateConfig(values map[string]any, overwrite bool) error {
	return k.env.UpdateConfig(values, overwrite)
}

// Install makes Go-declared cookbooks available by name.
func (k *Kitchen) Install(m Manifest) error {
	for i := range m.Cookbooks {
		def := m.Cookbooks[i]
		if def.Name == "" {
			return fmt.Errorf("manifest cookbook %d has no name", i)
		}
		if _, ok := k.defs[def.Name]; ok {
			return fmt.Errorf("cookbook %s declared twice", def.Name)
		}
		k.defs[def.Name] = &def
	}
	return nil
}

// AddCookbookPath registers cookbook search paths. Later paths take
// precedence. Paths starting with git+ are cloned into the cookbook cache.
func (k *Kitchen) AddCookbookPath(ctx context.Context, paths ...string) error {
	for _, p := range paths {
		local := p
		if isRemotePath(p) {
			dir, err := k.fetchRemote(ctx, p)
			if err != nil {
				return err
			}
			local = dir
		} else if abs, err := filepath.Abs(p); err == nil {
			local = abs
		}
		k.resolved[p] = local
		k.paths = append(k.paths, p)
		k.logger.Debugf("added cookbook path %s", local)
	}
	return nil
}

// CookbookPaths returns the search paths as registered.
func (k *Kitchen) CookbookPaths() []string {
	return append([]string(nil), k.paths...)
}

// LoadCookbook returns the named cookbook, loading it on first use. Go
// cookbooks are found first, then search paths in reverse registration
// order.
func (k *Kitchen) LoadCookbook(name string) (*Cookbook, error) {
	if cb, ok := k.cookbooks[name]; ok {
		return cb, nil
	}
	if def, ok := k.defs[name]; ok {
		cb := newDefinedCookbook(def)
		k.cookbooks[name] = cb
		return cb, nil
	}
	for i := len(k.paths) - 1; i >= 0; i-- {
		dir := filepath.Join(k.resolved[k.paths[i]], name)
		if st, err := os.Stat(dir); err == nil && st.IsDir() {
			k.logger.Debugf("loading cookbook %s from %s", name, dir)
			cb := newDiskCookbook(name, dir)
			k.cookbooks[name] = cb
			return cb, nil
		}
	}
	return nil, engine.NewUserError(engine.ErrCodeCookbookNotFound,
		fmt.Sprintf("cookbook %s not found", name), nil).
		WithDetail("paths", k.CookbookPaths())
}

// CookbookFS resolves a cookbook's file tree for content sources.
func (k *Kitchen) CookbookFS(name string) (fs.FS, error) {
	cb, err := k.LoadCookbook(name)
	if err != nil {
		return nil, err
	}
	return cb.FS()
}

// RegisterCookbook loads a cookbook, merges its defaults into the config
// tree without overwriting and registers the providers it ships.
func (k *Kitchen) RegisterCookbook(ctx context.Context, name string) (*Cookbook, error) {
	cb, err := k.LoadCookbook(name)
	if err != nil {
		return nil, err
	}
	for _, n := range k.order {
		if n == name {
			return cb, nil
		}
	}

	md, err := cb.Metadata(k)
	if err != nil {
		return nil, err
	}
	if err := k.env.UpdateConfig(md.Defaults(), false); err != nil {
		return nil, fmt.Errorf("failed to merge defaults of cookbook %s: %w", name, err)
	}
	if err := k.registerProviders(ctx, cb, md); err != nil {
		return nil, err
	}

	k.order = append(k.order, name)
	return cb, nil
}

// Cookbooks returns the registered cookbook names in registration order.
func (k *Kitchen) Cookbooks() []string {
	return append([]string(nil), k.order...)
}

func (k *Kitchen) registerProviders(ctx context.Context, cb *Cookbook, md *config.Metadata) error {
	if len(md.Providers) == 0 {
		return nil
	}
	if k.providers == nil {
		k.logger.Warnf("cookbook %s ships providers but no provider loader is configured", cb.Name)
		return nil
	}
	fsys, err := cb.FS()
	if err != nil {
		return err
	}
	for typ, decl := range md.Providers {
		module, err := fs.ReadFile(fsys, decl.Module)
		if err != nil {
			return fmt.Errorf("failed to read provider module %s of cookbook %s: %w", decl.Module, cb.Name, err)
		}
		factory, err := k.providers.LoadProvider(ctx, cb.Name, typ, decl, module)
		if err != nil {
			return fmt.Errorf("failed to load provider %s for %s: %w", decl.Name, typ, err)
		}
		k.env.Registry().Register(typ, decl.Name, factory)
		k.logger.Debugf("registered provider %s for %s from cookbook %s", decl.Name, typ, cb.Name)
	}
	return nil
}

// RecipeName normalizes "cookbook" to "cookbook.default".
func RecipeName(name string) (cookbook, recipe string) {
	cookbook, recipe, ok := strings.Cut(name, ".")
	if !ok || recipe == "" {
		return cookbook, "default"
	}
	return cookbook, recipe
}

// IncludeRecipe adds recipes to the run. Repeated names are ignored. While
// the environment is running the recipe is sourced immediately, otherwise
// sourcing waits for Run.
func (k *Kitchen) IncludeRecipe(ctx context.Context, names ...string) error {
	for _, name := range names {
		cbName, recipe := RecipeName(name)
		if cbName == "" {
			return engine.NewUserError(engine.ErrCodeRecipeNotFound, fmt.Sprintf("invalid recipe name %q", name), nil)
		}
		full := cbName + "." + recipe
		if k.includedSet[full] {
			continue
		}
		if _, err := k.RegisterCookbook(ctx, cbName); err != nil {
			return err
		}
		k.includedSet[full] = true
		k.included = append(k.included, full)
		k.logger.Debugf("included recipe %s", full)

		if k.env.Running() {
			if err := k.sourceRecipe(ctx, full); err != nil {
				return err
			}
		}
	}
	return nil
}

// Included returns the included recipes in inclusion order.
func (k *Kitchen) Included() []string {
	return append([]string(nil), k.included...)
}

// MarkSourced records recipes as sourced without running them.
func (k *Kitchen) MarkSourced(names ...string) {
	for _, name := range names {
		cb, recipe := RecipeName(name)
		k.sourced[cb+"."+recipe] = true
	}
}

// SourcedRecipes returns the included recipes whose bodies have run, in
// inclusion order.
func (k *Kitchen) SourcedRecipes() []string {
	out := make([]string, 0, len(k.sourced))
	for _, name := range k.included {
		if k.sourced[name] {
			out = append(out, name)
		}
	}
	return out
}

// Sourced reports whether a recipe body has run.
func (k *Kitchen) Sourced(name string) bool {
	cb, recipe := RecipeName(name)
	return k.sourced[cb+"."+recipe]
}

func (k *Kitchen) sourceRecipe(ctx context.Context, full string) error {
	if k.sourced[full] {
		return nil
	}
	k.sourced[full] = true

	cbName, recipe := RecipeName(full)
	cb, err := k.RegisterCookbook(ctx, cbName)
	if err != nil {
		return err
	}

	loader, err := cb.loader(ctx, k)
	if err != nil {
		return err
	}
	if loader != nil {
		if err := loader(ctx, k); err != nil {
			return fmt.Errorf("loader of cookbook %s failed: %w", cbName, err)
		}
	}

	body, err := cb.recipe(k, recipe)
	if err != nil {
		return err
	}

	ctx, span := k.env.Tracer().StartRecipeSpan(ctx, full)
	k.logger.WithRecipe(full).Debug("sourcing recipe")
	err = body(ctx, k)
	telemetry.EndSpan(span, err)
	if err != nil {
		return fmt.Errorf("recipe %s failed: %w", full, err)
	}
	_ = k.env.Events().Publish(telemetry.Event{
		Type:    telemetry.EventTypeRecipeSourced,
		Message: full,
		Level:   telemetry.EventLevelInfo,
	})
	return nil
}

// prerun sources every included recipe in inclusion order. Recipes included
// along the way are sourced as they are included.
func (k *Kitchen) prerun(ctx context.Context) error {
	for i := 0; i < len(k.included); i++ {
		if err := k.sourceRecipe(ctx, k.included[i]); err != nil {
			return err
		}
	}
	return nil
}

// Context returns ctx with the environment activated and the kitchen set as
// cookbook locator.
func (k *Kitchen) Context(ctx context.Context) context.Context {
	return source.WithLocator(engine.Activate(ctx, k.env), k)
}

// Run sources the included recipes, validates input, runs the gates and
// converges.
func (k *Kitchen) Run(ctx context.Context) error {
	return k.env.Run(source.WithLocator(ctx, k), func(ctx context.Context) error {
		if err := k.prerun(ctx); err != nil {
			return err
		}
		if err := k.CheckInput(); err != nil {
			return err
		}
		for _, gate := range k.gates {
			if err := gate(ctx, k.env); err != nil {
				return err
			}
		}
		return nil
	})
}
