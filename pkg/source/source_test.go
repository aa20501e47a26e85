package source

import (
	"context"
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/kokki/pkg/engine"
)

type mapLocator map[string]fs.FS

func (m mapLocator) CookbookFS(name string) (fs.FS, error) {
	fsys, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("cookbook %s not found", name)
	}
	return fsys, nil
}

func testContext(t *testing.T) (context.Context, *engine.Environment) {
	t.Helper()
	env := engine.New(engine.WithSystem(engine.System{OS: "linux", Platform: "ubuntu"}))
	loc := mapLocator{
		"web": fstest.MapFS{
			"files/motd":              {Data: []byte("welcome\n")},
			"templates/site.conf":     {Data: []byte(`server {{ name }} on {{ env.system.platform }}{% include "web/partial.conf" %}`)},
			"templates/partial.conf":  {Data: []byte(" port={{ port }}")},
			"templates/quoted.conf":   {Data: []byte("name = {{ repr(name) }}\n")},
			"templates/version.tmpl":  {Data: []byte("{{ .kokki.long_version }}")},
			"templates/vars.tmpl":     {Data: []byte("{{ .name }}/{{ str .port }}")},
			"templates/trailing.conf": {Data: []byte("line\n\n")},
		},
	}
	ctx := WithLocator(engine.Activate(context.Background(), env), loc)
	return ctx, env
}

func TestSplitPath(t *testing.T) {
	cb, rel, err := SplitPath("web/conf/site.conf")
	require.NoError(t, err)
	assert.Equal(t, "web", cb)
	assert.Equal(t, "conf/site.conf", rel)

	for _, bad := range []string{"site.conf", "/site.conf", "web/"} {
		_, _, err := SplitPath(bad)
		require.Error(t, err, bad)
		assert.True(t, engine.HasCode(err, engine.ErrCodeSourcePath), bad)
		assert.True(t, engine.IsInternal(err), bad)
	}
}

func TestStaticFile(t *testing.T) {
	ctx, _ := testContext(t)

	s, err := NewStaticFile("web/motd")
	require.NoError(t, err)
	data, err := s.Content(ctx)
	require.NoError(t, err)
	assert.Equal(t, "welcome\n", string(data))

	_, err = NewStaticFile("motd")
	assert.True(t, engine.HasCode(err, engine.ErrCodeSourcePath))

	missing, err := NewStaticFile("db/motd")
	require.NoError(t, err)
	_, err = missing.Content(ctx)
	assert.Error(t, err)

	_, err = s.Content(context.Background())
	assert.Error(t, err, "no locator in context")
}

func TestTemplateJinja2(t *testing.T) {
	ctx, _ := testContext(t)

	tpl, err := NewTemplate(ctx, "web/site.conf", map[string]any{"name": "nginx", "port": 8080}, "")
	require.NoError(t, err)
	assert.Equal(t, "jinja2", tpl.Engine)

	data, err := tpl.Content(ctx)
	require.NoError(t, err)
	assert.Equal(t, "server nginx on ubuntu port=8080\n", string(data))

	quoted, err := NewTemplate(ctx, "web/quoted.conf", map[string]any{"name": "web"}, "jinja2")
	require.NoError(t, err)
	data, err = quoted.Content(ctx)
	require.NoError(t, err)
	assert.Equal(t, "name = \"web\"\n", string(data))
}

func TestTemplateTrailingNewline(t *testing.T) {
	ctx, _ := testContext(t)

	tpl, err := NewTemplate(ctx, "web/trailing.conf", nil, "jinja2")
	require.NoError(t, err)
	data, err := tpl.Content(ctx)
	require.NoError(t, err)
	assert.Equal(t, "line\n\n", string(data))
}

func TestTemplateEngineFromConfig(t *testing.T) {
	ctx, env := testContext(t)
	require.NoError(t, env.UpdateConfig(map[string]any{"kokki.template_engine": "gotemplate"}, true))

	tpl, err := NewTemplate(ctx, "web/version.tmpl", nil, "")
	require.NoError(t, err)
	assert.Equal(t, "gotemplate", tpl.Engine)

	data, err := tpl.Content(ctx)
	require.NoError(t, err)
	assert.Equal(t, engine.DefaultVersion+"\n", string(data))

	withVars, err := NewTemplate(ctx, "web/vars.tmpl", map[string]any{"name": "db", "port": 5432}, "")
	require.NoError(t, err)
	data, err = withVars.Content(ctx)
	require.NoError(t, err)
	assert.Equal(t, "db/5432\n", string(data))
}

func TestTemplateUnknownEngine(t *testing.T) {
	ctx, _ := testContext(t)
	_, err := NewTemplate(ctx, "web/site.conf", nil, "mako")
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodeSourcePath))

	_, err = NewTemplate(ctx, "site.conf", nil, "jinja2")
	assert.True(t, engine.HasCode(err, engine.ErrCodeSourcePath))
}

func newServer(t *testing.T, body string) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.URL.Path != "/pkg/app.tar.gz" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func downloadContext(t *testing.T) (context.Context, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "downloads")
	env := engine.New(engine.WithSystem(engine.System{OS: "linux"}))
	require.NoError(t, env.UpdateConfig(map[string]any{"download_path": dir}, true))
	return engine.Activate(context.Background(), env), dir
}

func TestDownloadCachesContent(t *testing.T) {
	srv, hits := newServer(t, "payload")
	ctx, dir := downloadContext(t)

	s, err := NewDownloadSource(ctx, srv.URL+"/pkg/app.tar.gz", true, "")
	require.NoError(t, err)
	assert.DirExists(t, dir)
	assert.Equal(t, filepath.Join(dir, "app.tar.gz"), s.LocalPath())

	data, err := s.Content(ctx)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	data, err = s.Content(ctx)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))
}

func TestDownloadRefetchesOnChecksumMismatch(t *testing.T) {
	srv, hits := newServer(t, "fresh")
	ctx, dir := downloadContext(t)

	s, err := NewDownloadSource(ctx, srv.URL+"/pkg/app.tar.gz", true, SHA256([]byte("fresh")))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.tar.gz"), []byte("stale"), 0o644))

	data, err := s.Content(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(data))
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))

	cached, err := os.ReadFile(filepath.Join(dir, "app.tar.gz"))
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(cached))

	sum, err := s.Checksum(ctx)
	require.NoError(t, err)
	assert.Equal(t, SHA256([]byte("fresh")), sum)
}

func TestDownloadOverwritesCacheWhenRefetchMismatches(t *testing.T) {
	srv, hits := newServer(t, "tampered")
	ctx, dir := downloadContext(t)

	s, err := NewDownloadSource(ctx, srv.URL+"/pkg/app.tar.gz", true, SHA256([]byte("expected")))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.tar.gz"), []byte("stale"), 0o644))

	_, err = s.Content(ctx)
	assert.ErrorContains(t, err, "checksum mismatch")
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))

	cached, err := os.ReadFile(filepath.Join(dir, "app.tar.gz"))
	require.NoError(t, err)
	assert.Equal(t, "tampered", string(cached))
}

func TestDownloadWithoutCacheAlwaysFetches(t *testing.T) {
	srv, hits := newServer(t, "payload")
	ctx, dir := downloadContext(t)

	s, err := NewDownloadSource(ctx, srv.URL+"/pkg/app.tar.gz", false, "")
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := s.Content(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(hits))
	assert.NoFileExists(t, filepath.Join(dir, "app.tar.gz"))
}

func TestDownloadErrors(t *testing.T) {
	srv, _ := newServer(t, "payload")
	ctx, _ := downloadContext(t)

	bad, err := NewDownloadSource(ctx, srv.URL+"/pkg/app.tar.gz", false, SHA256([]byte("other")))
	require.NoError(t, err)
	_, err = bad.Content(ctx)
	assert.ErrorContains(t, err, "checksum mismatch")

	missing, err := NewDownloadSource(ctx, srv.URL+"/pkg/missing.tar.gz", false, "")
	require.NoError(t, err)
	_, err = missing.Content(ctx)
	assert.ErrorContains(t, err, "404")

	_, err = NewDownloadSource(ctx, "gopher://example.com/file", false, "")
	assert.True(t, engine.HasCode(err, engine.ErrCodeSourcePath))
}

func TestVerifyChecksum(t *testing.T) {
	data := []byte("kokki")
	md5sum := md5.Sum(data) //nolint:gosec
	assert.True(t, VerifyChecksum(data, hex.EncodeToString(md5sum[:])))
	assert.True(t, VerifyChecksum(data, SHA256(data)))
	assert.False(t, VerifyChecksum(data, SHA256([]byte("other"))))

	static, err := NewStaticFile("web/motd")
	require.NoError(t, err)
	ctx, _ := testContext(t)
	sum, err := Checksum(ctx, static)
	require.NoError(t, err)
	assert.Equal(t, SHA256([]byte("welcome\n")), sum)
}

func TestEncodeDecodeValue(t *testing.T) {
	ctx, _ := testContext(t)
	dir := t.TempDir()

	static, err := NewStaticFile("web/motd")
	require.NoError(t, err)
	tpl, err := NewTemplate(ctx, "web/site.conf", map[string]any{"name": "nginx"}, "jinja2")
	require.NoError(t, err)
	dl, err := newDownloadSource("https://example.com/app.tgz", true, "", dir)
	require.NoError(t, err)

	attrs := map[string]any{
		"content": static,
		"nested":  map[string]any{"tpl": tpl},
		"list":    []any{dl, "plain"},
		"mode":    "0644",
	}
	encoded := EncodeValue(attrs).(map[string]any)
	assert.True(t, IsSpec(encoded["content"]))
	assert.Equal(t, "0644", encoded["mode"])

	decoded, err := DecodeValue(encoded)
	require.NoError(t, err)
	m := decoded.(map[string]any)
	assert.Equal(t, static, m["content"])
	gotTpl := m["nested"].(map[string]any)["tpl"].(*Template)
	assert.Equal(t, "web/site.conf", gotTpl.Name)
	assert.Equal(t, "nginx", gotTpl.Variables["name"])
	gotDL := m["list"].([]any)[0].(*DownloadSource)
	assert.Equal(t, dl.URL, gotDL.URL)
	assert.Equal(t, dir, gotDL.Dir)
	assert.True(t, gotDL.Cache)

	_, err = FromSpec(map[string]any{specKey: "Nope"})
	assert.Error(t, err)
}
