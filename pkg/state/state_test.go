package state

import (
	"bytes"
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
	"github.com/openfroyo/kokki/pkg/kitchen"
	"github.com/openfroyo/kokki/pkg/source"
)

var errStop = errors.New("stop before converging")

type fixture struct {
	k       *kitchen.Kitchen
	ran     *[]string
	sourced *int
}

// newFixture builds a kitchen with one Go cookbook, "app", whose default
// recipe declares two Test resources linked by a delayed notification.
func newFixture(t *testing.T, opts ...kitchen.Option) fixture {
	t.Helper()
	var ran []string
	sourced := 0

	reg := engine.NewRegistry()
	reg.Register("Test", "log", func(_ *engine.Environment, r *engine.Resource) (engine.Provider, error) {
		return &engine.ActionSet{ProviderName: "log", Handlers: map[string]engine.ActionFunc{
			"run": func(context.Context) error {
				ran = append(ran, r.ID())
				return nil
			},
		}}, nil
	})
	env := engine.New(
		engine.WithRegistry(reg),
		engine.WithSystem(engine.System{OS: "linux", Platform: "ubuntu", CPUCount: 2}),
	)
	k := kitchen.New(env, opts...)
	require.NoError(t, k.Install(kitchen.Manifest{Cookbooks: []kitchen.CookbookDef{{
		Name: "app",
		Metadata: &config.Metadata{
			Config: map[string]config.ConfigOption{"app.port": {Default: 8080}},
		},
		Files: fstest.MapFS{"files/motd": {Data: []byte("welcome\n")}},
		Recipes: map[string]kitchen.RecipeFunc{
			"default": func(ctx context.Context, k *kitchen.Kitchen) error {
				sourced++
				motd, err := source.NewStaticFile("app/motd")
				if err != nil {
					return err
				}
				env := k.Environment()
				conf := &engine.Resource{
					Type:       "Test",
					Name:       "config",
					Actions:    []string{"run"},
					Attributes: map[string]any{"content": motd, "mode": 0o644, "tags": []any{"a", "b"}},
					OnlyIf:     engine.ShellGuard("true"),
				}
				if err := env.AddResource(conf); err != nil {
					return err
				}
				svc := &engine.Resource{Type: "Test", Name: "service", Actions: []string{"run"}}
				if err := env.AddResource(svc); err != nil {
					return err
				}
				env.Notify(conf, "run", svc.ID(), false)
				return nil
			},
		},
	}}}))
	return fixture{k: k, ran: &ran, sourced: &sourced}
}

// declared returns a fixture whose recipes have been sourced but not run.
func declared(t *testing.T) fixture {
	t.Helper()
	f := newFixture(t, kitchen.WithGate(func(context.Context, *engine.Environment) error { return errStop }))
	require.NoError(t, f.k.IncludeRecipe(context.Background(), "app"))
	require.NoError(t, f.k.UpdateConfig(map[string]any{"app.port": 9090}, true))
	err := f.k.Run(context.Background())
	require.ErrorIs(t, err, errStop)
	require.Equal(t, 1, *f.sourced)
	return f
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in     string
		format string
		path   string
	}{
		{"dump.yaml", "yaml", "dump.yaml"},
		{"json:/tmp/x.json", "json", "/tmp/x.json"},
		{"binary:-", "binary", "-"},
		{"-", "yaml", "-"},
		{"/tmp/a:b", "yaml", "/tmp/a:b"},
		{"./a:b", "yaml", "./a:b"},
	}
	for _, tt := range tests {
		got, err := ParseTarget(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.format, got.Format, tt.in)
		assert.Equal(t, tt.path, got.Path, tt.in)
	}

	_, err := ParseTarget("pickle:/tmp/x")
	require.Error(t, err)
	assert.True(t, engine.IsUser(err))
	assert.True(t, engine.HasCode(err, engine.ErrCodeUnknownFormat))

	_, err = ParseTarget("json:")
	require.Error(t, err)
}

func TestDumpLoadRoundTrip(t *testing.T) {
	for _, format := range Formats() {
		t.Run(format, func(t *testing.T) {
			orig := declared(t)
			target := format + ":" + filepath.Join(t.TempDir(), "kitchen.dump")
			require.NoError(t, Dump(context.Background(), orig.k, target, nil))

			loaded := newFixture(t)
			require.NoError(t, Load(context.Background(), loaded.k, target, nil))

			origEnv, loadedEnv := orig.k.Environment(), loaded.k.Environment()
			assert.Equal(t, origEnv.Config().Map(), loadedEnv.Config().Map())
			port, err := loadedEnv.Config().Get("app.port")
			require.NoError(t, err)
			assert.Equal(t, 9090, port)

			want, got := origEnv.Resources(), loadedEnv.Resources()
			require.Len(t, got, len(want))
			for i := range want {
				assert.Equal(t, want[i].ID(), got[i].ID())
				assert.Equal(t, want[i].Actions, got[i].Actions)
				assert.Equal(t, want[i].Subscriptions, got[i].Subscriptions)
				assert.Equal(t, source.EncodeValue(want[i].Attributes), source.EncodeValue(got[i].Attributes))
			}
			assert.Equal(t, engine.ShellGuard("true"), got[0].OnlyIf)
			_, isSource := got[0].Attributes["content"].(*source.StaticFile)
			assert.True(t, isSource)

			assert.Equal(t, []string{"app.default"}, loaded.k.Included())
			assert.True(t, loaded.k.Sourced("app"))
			assert.Equal(t, 0, *loaded.sourced)
		})
	}
}

func TestLoadedKitchenConverges(t *testing.T) {
	orig := declared(t)
	var buf bytes.Buffer
	require.NoError(t, Dump(context.Background(), orig.k, "json:-", &buf))
	assert.Contains(t, buf.String(), `"kind": "kokki.Kitchen"`)
	assert.Contains(t, buf.String(), `"__source__": "StaticFile"`)

	loaded := newFixture(t)
	require.NoError(t, Load(context.Background(), loaded.k, "json:-", &buf))
	require.NoError(t, loaded.k.Run(context.Background()))

	assert.Equal(t, 0, *loaded.sourced)
	assert.Equal(t, []string{"Test[config]", "Test[service]"}, *loaded.ran)
}

func TestIncludedRecipesSourceAfterLoad(t *testing.T) {
	orig := newFixture(t)
	require.NoError(t, orig.k.IncludeRecipe(context.Background(), "app"))
	var buf bytes.Buffer
	require.NoError(t, Dump(context.Background(), orig.k, "yaml:-", &buf))
	assert.Equal(t, 0, *orig.sourced)

	loaded := newFixture(t)
	require.NoError(t, Load(context.Background(), loaded.k, "-", &buf))
	assert.Equal(t, []string{"app.default"}, loaded.k.Included())
	assert.False(t, loaded.k.Sourced("app"))
	assert.Empty(t, loaded.k.Environment().Resources())

	require.NoError(t, loaded.k.Run(context.Background()))
	assert.Equal(t, 1, *loaded.sourced)
	assert.Equal(t, []string{"Test[config]", "Test[service]"}, *loaded.ran)
}

func TestApplyRestoresPending(t *testing.T) {
	f := newFixture(t)
	doc := &Document{
		Version: Version,
		Config:  map[string]any{"app": map[string]any{"port": 1}},
		Resources: []*engine.Resource{
			{Type: "Test", Name: "service", Actions: []string{"run"}},
		},
		Pending: []engine.Notification{{Action: "run", Resource: "Test[service]"}},
	}
	require.NoError(t, Apply(context.Background(), f.k, doc))
	assert.Equal(t, doc.Pending, f.k.Environment().Pending())
}

func TestLoadRejectsInvalidState(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("version: 1\nresources:\n  - type: File\n    name: /etc/motd\n    actions: []\n"), 0o644))
	err := Load(context.Background(), newFixture(t).k, bad, nil)
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodeInvalidResource))

	future := filepath.Join(dir, "future.json")
	require.NoError(t, os.WriteFile(future, []byte(`{"kind":"kokki.Kitchen","version":7,"state":{}}`), 0o644))
	err = Load(context.Background(), newFixture(t).k, "json:"+future, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported state version 7")

	notBinary := filepath.Join(dir, "x.bin")
	require.NoError(t, os.WriteFile(notBinary, []byte("PLAINTEXTDUMP"), 0o644))
	err = Load(context.Background(), newFixture(t).k, "binary:"+notBinary, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a binary kitchen dump")

	err = Load(context.Background(), newFixture(t).k, filepath.Join(dir, "missing.yaml"), nil)
	require.Error(t, err)
	assert.True(t, engine.IsUser(err))
}
