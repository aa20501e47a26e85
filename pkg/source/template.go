package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"text/template"

	"github.com/flosch/pongo2/v6"

	"github.com/openfroyo/kokki/pkg/engine"
)

// DefaultTemplateEngine is used when neither the caller nor
// kokki.template_engine names a backend.
const DefaultTemplateEngine = "jinja2"

// Backend renders a named cookbook template.
type Backend interface {
	Render(ctx context.Context, name string, data RenderData) (string, error)
}

// RenderData is what a template sees: the caller's variables and a view of
// the active environment.
type RenderData struct {
	Variables map[string]any
	Env       map[string]any
}

// Context merges the variables with env and the repr, str and bool helpers.
func (d RenderData) Context() map[string]any {
	data := make(map[string]any, len(d.Variables)+4)
	for k, v := range d.Variables {
		data[k] = v
	}
	data["env"] = d.Env
	data["repr"] = repr
	data["str"] = str
	data["bool"] = truthy
	return data
}

// BackendFactory constructs a Backend on first use.
type BackendFactory func() Backend

var (
	backendsMu sync.RWMutex
	backends   = map[string]BackendFactory{
		"jinja2":     func() Backend { return pongoBackend{} },
		"gotemplate": func() Backend { return goTemplateBackend{} },
	}
)

func init() {
	// Templates render configuration files, not HTML.
	pongo2.SetAutoescape(false)
}

// RegisterBackend makes a template backend available under name.
func RegisterBackend(name string, f BackendFactory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = f
}

// Backends returns the registered backend names.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for n := range backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func lookupBackend(name string) (BackendFactory, bool) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	f, ok := backends[name]
	return f, ok
}

// Template renders a cookbook template. Its output always ends with a
// newline.
type Template struct {
	Name      string
	Variables map[string]any
	Engine    string

	factory BackendFactory
	backend Backend
}

// NewTemplate resolves the backend and validates the template path. An empty
// engineName reads kokki.template_engine from the active environment.
func NewTemplate(ctx context.Context, name string, variables map[string]any, engineName string) (*Template, error) {
	if _, _, err := SplitPath(name); err != nil {
		return nil, err
	}
	if engineName == "" {
		engineName = configuredEngine(ctx)
	}
	f, ok := lookupBackend(engineName)
	if !ok {
		return nil, engine.NewInternalError(engine.ErrCodeSourcePath,
			fmt.Sprintf("unknown template engine %q (available: %s)", engineName, strings.Join(Backends(), ", ")), nil)
	}
	return &Template{Name: name, Variables: variables, Engine: engineName, factory: f}, nil
}

func configuredEngine(ctx context.Context) string {
	if env := engine.Current(ctx); env != nil {
		if v, err := env.Config().Get("kokki.template_engine"); err == nil {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return DefaultTemplateEngine
}

func (t *Template) Content(ctx context.Context) ([]byte, error) {
	if t.backend == nil {
		if t.factory == nil {
			f, ok := lookupBackend(t.Engine)
			if !ok {
				return nil, fmt.Errorf("unknown template engine %q", t.Engine)
			}
			t.factory = f
		}
		t.backend = t.factory()
	}

	out, err := t.backend.Render(ctx, t.Name, RenderData{Variables: t.Variables, Env: envView(ctx)})
	if err != nil {
		return nil, fmt.Errorf("failed to render template %s: %w", t.Name, err)
	}
	if !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	return []byte(out), nil
}

func (t *Template) Spec() map[string]any {
	return map[string]any{
		specKey:     "Template",
		"name":      t.Name,
		"variables": t.Variables,
		"engine":    t.Engine,
	}
}

func envView(ctx context.Context) map[string]any {
	env := engine.Current(ctx)
	if env == nil {
		return map[string]any{"config": map[string]any{}, "system": map[string]any{}}
	}
	return map[string]any{
		"config": env.Config().Map(),
		"system": env.System().Map(),
	}
}

func repr(v any) string {
	switch val := v.(type) {
	case nil:
		return "None"
	case string:
		return strconv.Quote(val)
	case bool:
		if val {
			return "True"
		}
		return "False"
	default:
		return fmt.Sprintf("%v", val)
	}
}

func str(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case float64:
		return val != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}

// pongoBackend renders jinja2-style templates.
type pongoBackend struct{}

func (pongoBackend) Render(ctx context.Context, name string, data RenderData) (string, error) {
	set := pongo2.NewSet("kokki", &cookbookLoader{ctx: ctx})
	tpl, err := set.FromFile(name)
	if err != nil {
		return "", err
	}
	return tpl.Execute(pongo2.Context(data.Context()))
}

// cookbookLoader resolves "cookbook/path" names, including those used by
// include and extends tags, against cookbook template directories.
type cookbookLoader struct {
	ctx context.Context
}

func (l *cookbookLoader) Abs(_, name string) string {
	return name
}

func (l *cookbookLoader) Get(path string) (io.Reader, error) {
	data, err := openCookbookFile(l.ctx, path, "templates")
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}

// goTemplateBackend renders text/template templates. Without variables the
// dot is the config map.
type goTemplateBackend struct{}

func (goTemplateBackend) Render(ctx context.Context, name string, data RenderData) (string, error) {
	text, err := openCookbookFile(ctx, name, "templates")
	if err != nil {
		return "", err
	}
	tpl, err := template.New(name).
		Option("missingkey=zero").
		Funcs(template.FuncMap{"repr": repr, "str": str, "bool": truthy}).
		Parse(string(text))
	if err != nil {
		return "", err
	}

	var dot any = data.Context()
	if len(data.Variables) == 0 {
		dot = data.Env["config"]
	}

	var buf bytes.Buffer
	if err := tpl.Execute(&buf, dot); err != nil {
		return "", err
	}
	return buf.String(), nil
}
