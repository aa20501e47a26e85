package kitchen

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/kokki/pkg/config"
	"github.com/openfroyo/kokki/pkg/engine"
	"github.com/openfroyo/kokki/pkg/source"
)

// newTestKitchen returns a kitchen whose "Test" resources append their id to
// the returned log when they run.
func newTestKitchen(t *testing.T, opts ...Option) (*Kitchen, *[]string) {
	t.Helper()
	var log []string
	reg := engine.NewRegistry()
	reg.Register("Test", "log", func(_ *engine.Environment, r *engine.Resource) (engine.Provider, error) {
		return &engine.ActionSet{ProviderName: "log", Handlers: map[string]engine.ActionFunc{
			"run": func(context.Context) error {
				log = append(log, r.ID())
				return nil
			},
		}}, nil
	})
	env := engine.New(engine.WithRegistry(reg), engine.WithSystem(engine.System{OS: "linux"}))
	return New(env, opts...), &log
}

func declare(k *Kitchen, name string) error {
	return k.Environment().AddResource(&engine.Resource{Type: "Test", Name: name, Actions: []string{"run"}})
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestIncludeRecipeSourcesOnce(t *testing.T) {
	k, log := newTestKitchen(t)
	sourced := 0
	require.NoError(t, k.Install(Manifest{Cookbooks: []CookbookDef{{
		Name: "app",
		Recipes: map[string]RecipeFunc{
			"default": func(ctx context.Context, k *Kitchen) error {
				sourced++
				return declare(k, "app")
			},
		},
	}}}))

	ctx := context.Background()
	require.NoError(t, k.IncludeRecipe(ctx, "app"))
	require.NoError(t, k.IncludeRecipe(ctx, "app.default", "app"))
	assert.Equal(t, []string{"app.default"}, k.Included())
	assert.Equal(t, 0, sourced, "sourcing waits for Run")

	require.NoError(t, k.Run(ctx))
	assert.Equal(t, 1, sourced)
	assert.True(t, k.Sourced("app"))
	assert.Equal(t, []string{"Test[app]"}, *log)
	assert.Equal(t, engine.PhaseDrained, k.Environment().Phase())
}

func TestNestedIncludeSourcesImmediately(t *testing.T) {
	k, log := newTestKitchen(t)
	require.NoError(t, k.Install(Manifest{Cookbooks: []CookbookDef{
		{
			Name: "base",
			Recipes: map[string]RecipeFunc{
				"default": func(ctx context.Context, k *Kitchen) error { return declare(k, "base") },
			},
		},
		{
			Name: "web",
			Recipes: map[string]RecipeFunc{
				"default": func(ctx context.Context, k *Kitchen) error {
					if err := declare(k, "web-before"); err != nil {
						return err
					}
					if err := k.IncludeRecipe(ctx, "base"); err != nil {
						return err
					}
					return declare(k, "web-after")
				},
			},
		},
	}}))

	ctx := context.Background()
	require.NoError(t, k.IncludeRecipe(ctx, "web"))
	require.NoError(t, k.Run(ctx))
	assert.Equal(t, []string{"Test[web-before]", "Test[base]", "Test[web-after]"}, *log)
	assert.Equal(t, []string{"web.default", "base.default"}, k.Included())
}

func TestLoaderRunsBeforeEachRecipe(t *testing.T) {
	k, _ := newTestKitchen(t)
	var calls []string
	require.NoError(t, k.Install(Manifest{Cookbooks: []CookbookDef{{
		Name: "db",
		Loader: func(ctx context.Context, k *Kitchen) error {
			calls = append(calls, "loader")
			return nil
		},
		Recipes: map[string]RecipeFunc{
			"default": func(context.Context, *Kitchen) error { calls = append(calls, "default"); return nil },
			"backup":  func(context.Context, *Kitchen) error { calls = append(calls, "backup"); return nil },
		},
	}}}))

	ctx := context.Background()
	require.NoError(t, k.IncludeRecipe(ctx, "db", "db.backup"))
	require.NoError(t, k.Run(ctx))
	assert.Equal(t, []string{"loader", "default", "loader", "backup"}, calls)
}

func TestMissingRecipe(t *testing.T) {
	k, _ := newTestKitchen(t)
	require.NoError(t, k.Install(Manifest{Cookbooks: []CookbookDef{{Name: "db"}}}))

	ctx := context.Background()
	require.NoError(t, k.IncludeRecipe(ctx, "db.nope"))
	err := k.Run(ctx)
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodeRecipeNotFound))
	assert.True(t, engine.IsUser(err))
}

func TestCookbookResolutionOrder(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	writeFile(t, filepath.Join(first, "web", "metadata.cue"), `description: "first"`)
	writeFile(t, filepath.Join(second, "web", "metadata.cue"), `description: "second"`)
	writeFile(t, filepath.Join(first, "db", "metadata.cue"), `description: "db"`)

	k, _ := newTestKitchen(t)
	require.NoError(t, k.AddCookbookPath(context.Background(), first, second))
	assert.Equal(t, []string{first, second}, k.CookbookPaths())

	web, err := k.LoadCookbook("web")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(second, "web"), web.Path)

	db, err := k.LoadCookbook("db")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(first, "db"), db.Path)

	_, err = k.LoadCookbook("cache")
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodeCookbookNotFound))
	assert.True(t, engine.IsUser(err))
}

func TestRegisterCookbookDefaultsNeverOverwrite(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "nginx", "metadata.cue"), `
config: {
	"nginx.port": {default: 80}
	"nginx.user": {default: "www-data"}
}
`)
	k, _ := newTestKitchen(t)
	ctx := context.Background()
	require.NoError(t, k.AddCookbookPath(ctx, dir))
	require.NoError(t, k.UpdateConfig(map[string]any{"nginx.port": 8080}, true))

	_, err := k.RegisterCookbook(ctx, "nginx")
	require.NoError(t, err)
	_, err = k.RegisterCookbook(ctx, "nginx")
	require.NoError(t, err)

	port, err := k.Config().Get("nginx.port")
	require.NoError(t, err)
	assert.Equal(t, 8080, port)
	user, err := k.Config().Get("nginx.user")
	require.NoError(t, err)
	assert.Equal(t, "www-data", user)
	assert.Equal(t, []string{"nginx"}, k.Cookbooks())
}

func TestMissingMetadataIsEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bare"), 0o755))

	k, _ := newTestKitchen(t)
	require.NoError(t, k.AddCookbookPath(context.Background(), dir))
	cb, err := k.RegisterCookbook(context.Background(), "bare")
	require.NoError(t, err)
	md, err := cb.Metadata(k)
	require.NoError(t, err)
	assert.Empty(t, md.Config)
}

func TestCheckInputAggregatesMissingParameters(t *testing.T) {
	k, log := newTestKitchen(t)
	require.NoError(t, k.Install(Manifest{Cookbooks: []CookbookDef{{
		Name: "db",
		Metadata: &config.Metadata{
			Recipes: map[string]map[string]config.Parameter{
				"default": {
					"db.port":      {Mandatory: true},
					"db.name":      {Mandatory: true},
					"db.enabled":   {Mandatory: true},
					"db.optional":  {},
					"auth.user.id": {Mandatory: true},
				},
			},
		},
		Recipes: map[string]RecipeFunc{
			"default": func(ctx context.Context, k *Kitchen) error { return declare(k, "db") },
		},
	}}}))

	ctx := context.Background()
	require.NoError(t, k.UpdateConfig(map[string]any{"db.name": "", "db.enabled": false, "auth.user": map[string]any{}}, true))
	require.NoError(t, k.IncludeRecipe(ctx, "db"))

	err := k.Run(ctx)
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodeMissingParameters))
	assert.True(t, engine.IsUser(err))
	assert.Empty(t, *log, "convergence must not start")
	assert.Equal(t, engine.PhaseFailed, k.Environment().Phase())
	assert.False(t, k.Environment().Running())

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, []MissingParameter{
		{Recipe: "db.default", Parameter: "auth.user.id", ResolvedTo: "env.config.auth.user"},
		{Recipe: "db.default", Parameter: "db.port", ResolvedTo: "env.config.db"},
	}, verr.Missing)
}

func TestGatesRunBeforeConvergence(t *testing.T) {
	denied := errors.New("denied")
	var seen []string
	k, log := newTestKitchen(t, WithGate(func(ctx context.Context, env *engine.Environment) error {
		for _, r := range env.Resources() {
			seen = append(seen, r.ID())
		}
		return denied
	}))
	require.NoError(t, k.Install(Manifest{Cookbooks: []CookbookDef{{
		Name: "app",
		Recipes: map[string]RecipeFunc{
			"default": func(ctx context.Context, k *Kitchen) error { return declare(k, "app") },
		},
	}}}))

	ctx := context.Background()
	require.NoError(t, k.IncludeRecipe(ctx, "app"))
	assert.ErrorIs(t, k.Run(ctx), denied)
	assert.Equal(t, []string{"Test[app]"}, seen)
	assert.Empty(t, *log)
}

func TestCookbookFSServesSources(t *testing.T) {
	k, _ := newTestKitchen(t)
	require.NoError(t, k.Install(Manifest{Cookbooks: []CookbookDef{{
		Name:  "motd",
		Files: fstest.MapFS{"files/motd": {Data: []byte("hello\n")}},
	}}}))

	s, err := source.NewStaticFile("motd/motd")
	require.NoError(t, err)
	data, err := s.Content(k.Context(context.Background()))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}

type fakeRunner struct {
	recipes []string
	calls   int
}

func (f *fakeRunner) ExecRecipe(ctx context.Context, k *Kitchen, script Script) error {
	f.recipes = append(f.recipes, script.Name+":"+string(script.Source))
	return nil
}

func (f *fakeRunner) LoadLibrary(ctx context.Context, k *Kitchen, cookbook string, scripts []Script) (map[string]any, error) {
	lib := map[string]any{}
	for _, s := range scripts {
		lib[filepath.Base(s.Name)] = string(s.Source)
	}
	lib["setup"] = "setup"
	return lib, nil
}

func (f *fakeRunner) Call(ctx context.Context, k *Kitchen, fn any) error {
	f.calls++
	return nil
}

func TestDiskCookbookScripts(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "web", "metadata.cue"), `loader: "setup"`)
	writeFile(t, filepath.Join(dir, "web", "recipes", "default.star"), `File("/etc/motd")`)
	writeFile(t, filepath.Join(dir, "web", "libraries", "helpers.star"), `def setup(kit): pass`)

	runner := &fakeRunner{}
	k, _ := newTestKitchen(t, WithScriptRunner(runner))
	ctx := context.Background()
	require.NoError(t, k.AddCookbookPath(ctx, dir))
	require.NoError(t, k.IncludeRecipe(ctx, "web"))
	require.NoError(t, k.Run(ctx))

	assert.Equal(t, []string{"web/recipes/default.star:File(\"/etc/motd\")"}, runner.recipes)
	assert.Equal(t, 1, runner.calls)

	cb, err := k.LoadCookbook("web")
	require.NoError(t, err)
	lib, err := cb.Library(ctx, k)
	require.NoError(t, err)
	assert.Contains(t, lib, "helpers.star")
}

func TestParseRemotePath(t *testing.T) {
	u, branch := parseRemotePath("git+https://example.com/cookbooks.git#stable")
	assert.Equal(t, "https://example.com/cookbooks.git", u)
	assert.Equal(t, "stable", branch)

	u, branch = parseRemotePath("git+https://example.com/cookbooks.git")
	assert.Equal(t, "https://example.com/cookbooks.git", u)
	assert.Empty(t, branch)

	assert.True(t, isRemotePath("git+file:///srv/cookbooks"))
	assert.False(t, isRemotePath("/srv/cookbooks"))
}

func TestRecipeName(t *testing.T) {
	cb, r := RecipeName("nginx")
	assert.Equal(t, "nginx", cb)
	assert.Equal(t, "default", r)
	cb, r = RecipeName("nginx.proxy")
	assert.Equal(t, "nginx", cb)
	assert.Equal(t, "proxy", r)
}
