package providers

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/kokki/pkg/engine"
	"github.com/openfroyo/kokki/pkg/source"
)

// fakeCommander records commands and answers from a table keyed by the
// joined command line. Unknown commands succeed with no output.
type fakeCommander struct {
	calls   []string
	results map[string]CommandResult
}

func (f *fakeCommander) Run(_ context.Context, _ CommandOptions, name string, args ...string) (CommandResult, error) {
	line := strings.Join(append([]string{name}, args...), " ")
	f.calls = append(f.calls, line)
	return f.results[line], nil
}

func newEnv(t *testing.T, c Commander, sys engine.System) *engine.Environment {
	t.Helper()
	reg := engine.NewRegistry()
	RegisterBuiltins(reg, sys, WithCommander(c))
	env := engine.New(engine.WithRegistry(reg), engine.WithSystem(sys))
	require.NoError(t, env.UpdateConfig(map[string]any{"kokki.backup.path": filepath.Join(t.TempDir(), "backup")}, true))
	return env
}

func converge(t *testing.T, env *engine.Environment, resources ...*engine.Resource) error {
	t.Helper()
	for _, r := range resources {
		require.NoError(t, env.AddResource(r))
	}
	return env.Converge(context.Background())
}

func TestResourceTypesAndDefaults(t *testing.T) {
	assert.Equal(t, []string{"Directory", "Execute", "File", "Link", "Package", "Script", "Service"}, ResourceTypes())
	assert.Equal(t, "create", DefaultAction("File"))
	assert.Equal(t, "run", DefaultAction("Execute"))
	assert.Equal(t, "install", DefaultAction("Package"))
	assert.Empty(t, DefaultAction("Service"))
	assert.Empty(t, DefaultAction("Vhost"))
}

func TestPlatformDefaults(t *testing.T) {
	tests := []struct {
		sys     engine.System
		pkg     string
		service string
	}{
		{engine.System{OS: "linux", Platform: "ubuntu", Init: "systemd"}, "apt", "systemd"},
		{engine.System{OS: "linux", Platform: "rocky", PlatformLike: []string{"rhel"}}, "yum", "systemd"},
		{engine.System{OS: "linux", Platform: "pop", PlatformLike: []string{"ubuntu", "debian"}, Init: "sysvinit"}, "apt", "sysv"},
	}
	for _, tt := range tests {
		t.Run(tt.sys.Platform, func(t *testing.T) {
			assert.Equal(t, tt.pkg, PackageManager(tt.sys))
			assert.Equal(t, tt.service, ServiceManager(tt.sys))

			reg := engine.NewRegistry()
			RegisterBuiltins(reg, tt.sys)
			_, name, err := reg.Lookup(TypePackage, "")
			require.NoError(t, err)
			assert.Equal(t, tt.pkg, name)
		})
	}
}

func TestFileCreateWritesOnlyOnChange(t *testing.T) {
	env := newEnv(t, &fakeCommander{}, engine.System{OS: "linux"})
	path := filepath.Join(t.TempDir(), "etc", "motd")

	r := &engine.Resource{Type: TypeFile, Name: path, Actions: []string{"create"},
		Attributes: map[string]any{"content": "hello\n", "mode": "0600"}}
	require.NoError(t, converge(t, env, r))
	assert.True(t, r.Updated)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, env.Dispatch(context.Background(), r, "create"))
	assert.False(t, r.Updated)
}

func TestFileCreateBacksUpChangedFile(t *testing.T) {
	env := newEnv(t, &fakeCommander{}, engine.System{OS: "linux"})
	path := filepath.Join(t.TempDir(), "app.conf")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))

	r := &engine.Resource{Type: TypeFile, Name: "app.conf", Actions: []string{"create"},
		Attributes: map[string]any{"path": path, "content": "new"}}
	require.NoError(t, converge(t, env, r))
	assert.True(t, r.Updated)

	backupDir, err := env.Config().Get("kokki.backup.path")
	require.NoError(t, err)
	entries, err := os.ReadDir(backupDir.(string))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasSuffix(entries[0].Name(), strings.ReplaceAll(path, "/", "-")))
}

func TestFileContentFromSource(t *testing.T) {
	env := newEnv(t, &fakeCommander{}, engine.System{OS: "linux"})
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	require.NoError(t, os.WriteFile(src, []byte("from a download"), 0o644))

	cache := filepath.Join(dir, "cache")
	require.NoError(t, env.UpdateConfig(map[string]any{"download_path": cache}, true))
	ctx := engine.Activate(context.Background(), env)
	ds, err := source.NewDownloadSource(ctx, "file://"+src, false, "")
	require.NoError(t, err)

	path := filepath.Join(dir, "out.txt")
	r := &engine.Resource{Type: TypeFile, Name: path, Actions: []string{"create"},
		Attributes: map[string]any{"content": ds}}
	require.NoError(t, converge(t, env, r))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "from a download", string(data))
}

func TestFileDelete(t *testing.T) {
	env := newEnv(t, &fakeCommander{}, engine.System{OS: "linux"})
	path := filepath.Join(t.TempDir(), "gone")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	r := &engine.Resource{Type: TypeFile, Name: path, Actions: []string{"delete"}}
	require.NoError(t, converge(t, env, r))
	assert.True(t, r.Updated)
	assert.NoFileExists(t, path)

	require.NoError(t, env.Dispatch(context.Background(), r, "delete"))
	assert.False(t, r.Updated)
}

func TestInvalidMode(t *testing.T) {
	env := newEnv(t, &fakeCommander{}, engine.System{OS: "linux"})
	path := filepath.Join(t.TempDir(), "f")
	r := &engine.Resource{Type: TypeFile, Name: path, Actions: []string{"create"},
		Attributes: map[string]any{"mode": "rw-r--r--"}}
	err := converge(t, env, r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid mode")
}

func TestModeAttr(t *testing.T) {
	tests := []struct {
		mode any
		want os.FileMode
	}{
		{"0644", 0o644},
		{"644", 0o644},
		{"0o750", 0o750},
		{"0O600", 0o600},
		{0o755, 0o755},
		{int64(0o640), 0o640},
	}
	for _, tt := range tests {
		r := &engine.Resource{Type: TypeFile, Name: "/tmp/f", Attributes: map[string]any{"mode": tt.mode}}
		got, ok, err := modeAttr(r)
		require.NoError(t, err, tt.mode)
		assert.True(t, ok)
		assert.Equal(t, tt.want, got, tt.mode)
	}

	_, ok, err := modeAttr(&engine.Resource{Type: TypeFile, Name: "/tmp/f"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDirectoryAndLink(t *testing.T) {
	env := newEnv(t, &fakeCommander{}, engine.System{OS: "linux"})
	root := t.TempDir()
	dir := filepath.Join(root, "a", "b")
	link := filepath.Join(root, "current")

	d := &engine.Resource{Type: TypeDirectory, Name: dir, Actions: []string{"create"},
		Attributes: map[string]any{"recursive": true, "mode": 0o750}}
	l := &engine.Resource{Type: TypeLink, Name: link, Actions: []string{"create"},
		Attributes: map[string]any{"to": dir}}
	require.NoError(t, converge(t, env, d, l))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0o750), info.Mode().Perm())

	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, dir, target)

	require.NoError(t, env.Dispatch(context.Background(), l, "create"))
	assert.False(t, l.Updated)
}

func TestLinkRequiresTarget(t *testing.T) {
	env := newEnv(t, &fakeCommander{}, engine.System{OS: "linux"})
	r := &engine.Resource{Type: TypeLink, Name: filepath.Join(t.TempDir(), "l"), Actions: []string{"create"}}
	err := converge(t, env, r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "'to' is required")
}

func TestExecute(t *testing.T) {
	t.Run("runs the command through the shell", func(t *testing.T) {
		fc := &fakeCommander{}
		env := newEnv(t, fc, engine.System{OS: "linux"})
		r := &engine.Resource{Type: TypeExecute, Name: "migrate", Actions: []string{"run"},
			Attributes: map[string]any{"command": "make migrate"}}
		require.NoError(t, converge(t, env, r))
		assert.Equal(t, []string{"/bin/sh -c make migrate"}, fc.calls)
		assert.True(t, r.Updated)
	})

	t.Run("creates skips the command", func(t *testing.T) {
		fc := &fakeCommander{}
		env := newEnv(t, fc, engine.System{OS: "linux"})
		r := &engine.Resource{Type: TypeExecute, Name: "true", Actions: []string{"run"},
			Attributes: map[string]any{"creates": t.TempDir()}}
		require.NoError(t, converge(t, env, r))
		assert.Empty(t, fc.calls)
		assert.False(t, r.Updated)
	})

	t.Run("unexpected exit status fails", func(t *testing.T) {
		fc := &fakeCommander{results: map[string]CommandResult{
			"/bin/sh -c false": {ExitCode: 1, Stderr: "boom"},
		}}
		env := newEnv(t, fc, engine.System{OS: "linux"})
		r := &engine.Resource{Type: TypeExecute, Name: "false", Actions: []string{"run"}}
		err := converge(t, env, r)
		require.Error(t, err)
		assert.True(t, engine.HasCode(err, engine.ErrCodeActionFailed))
		assert.Contains(t, err.Error(), "boom")
	})

	t.Run("accepted exit statuses", func(t *testing.T) {
		fc := &fakeCommander{results: map[string]CommandResult{
			"/bin/sh -c grep -q x f": {ExitCode: 1},
		}}
		env := newEnv(t, fc, engine.System{OS: "linux"})
		r := &engine.Resource{Type: TypeExecute, Name: "grep -q x f", Actions: []string{"run"},
			Attributes: map[string]any{"returns": []any{0, 1}}}
		require.NoError(t, converge(t, env, r))
	})
}

func TestScriptUsesInterpreter(t *testing.T) {
	fc := &fakeCommander{}
	env := newEnv(t, fc, engine.System{OS: "linux"})
	r := &engine.Resource{Type: TypeScript, Name: "setup", Actions: []string{"run"},
		Attributes: map[string]any{"code": "print(1)", "interpreter": "python3 -u"}}
	require.NoError(t, converge(t, env, r))
	require.Len(t, fc.calls, 1)
	assert.True(t, strings.HasPrefix(fc.calls[0], "python3 -u "))
}

func TestPackageInstall(t *testing.T) {
	t.Run("installs a missing package", func(t *testing.T) {
		fc := &fakeCommander{results: map[string]CommandResult{
			"dpkg-query -W -f=${Status} ${Version} nginx": {ExitCode: 1},
		}}
		env := newEnv(t, fc, engine.System{OS: "linux", Platform: "debian"})
		r := &engine.Resource{Type: TypePackage, Name: "nginx", Actions: []string{"install"}}
		require.NoError(t, converge(t, env, r))
		assert.Contains(t, fc.calls, "apt-get install -y -q nginx")
		assert.True(t, r.Updated)
	})

	t.Run("installed package is left alone", func(t *testing.T) {
		fc := &fakeCommander{results: map[string]CommandResult{
			"rpm -q --queryformat installed %{VERSION}-%{RELEASE} nginx": {Stdout: "installed 1.24-1"},
		}}
		env := newEnv(t, fc, engine.System{OS: "linux", Platform: "fedora"})
		r := &engine.Resource{Type: TypePackage, Name: "nginx", Actions: []string{"install"}}
		require.NoError(t, converge(t, env, r))
		assert.Len(t, fc.calls, 1)
		assert.False(t, r.Updated)
	})

	t.Run("pinned version differs", func(t *testing.T) {
		fc := &fakeCommander{results: map[string]CommandResult{
			"dpkg-query -W -f=${Status} ${Version} nginx": {Stdout: "install ok installed 1.18"},
		}}
		env := newEnv(t, fc, engine.System{OS: "linux", Platform: "ubuntu"})
		r := &engine.Resource{Type: TypePackage, Name: "nginx", Actions: []string{"install"},
			Attributes: map[string]any{"version": "1.24"}}
		require.NoError(t, converge(t, env, r))
		assert.Contains(t, fc.calls, "apt-get install -y -q nginx=1.24")
	})
}

func TestServiceActions(t *testing.T) {
	fc := &fakeCommander{results: map[string]CommandResult{
		"systemctl is-active --quiet nginx": {ExitCode: 3},
		"systemctl is-enabled nginx":        {Stdout: "enabled\n"},
	}}
	env := newEnv(t, fc, engine.System{OS: "linux", Init: "systemd"})
	r := &engine.Resource{Type: TypeService, Name: "nginx", Actions: []string{"enable", "start"}}
	require.NoError(t, converge(t, env, r))
	assert.Equal(t, []string{
		"systemctl is-enabled nginx",
		"systemctl is-active --quiet nginx",
		"systemctl start nginx",
	}, fc.calls)

	// reload on a stopped service is a no-op
	fc.calls = nil
	require.NoError(t, env.Dispatch(context.Background(), r, "reload"))
	assert.Equal(t, []string{"systemctl is-active --quiet nginx"}, fc.calls)
}

func TestSysvService(t *testing.T) {
	fc := &fakeCommander{}
	env := newEnv(t, fc, engine.System{OS: "linux", Init: "sysvinit"})
	r := &engine.Resource{Type: TypeService, Name: "cron", Actions: []string{"restart"}}
	require.NoError(t, converge(t, env, r))
	assert.Equal(t, []string{"service cron restart"}, fc.calls)
}
