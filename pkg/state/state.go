// Package state dumps a configured kitchen and loads it back.
//
// A dump holds the config tree, the declared resources in declaration
// order, pending delayed notifications, cookbook search paths and the recipe
// inclusion order with the subset already sourced. Loading replays path
// registration and recipe inclusion, marks the recipes that were sourced
// before the dump so their bodies do not run again, and restores config and
// resources verbatim. Recipes that were only included are sourced when the
// loaded kitchen runs.
//
// Targets take the form "format:path". The format defaults to yaml and the
// path "-" means standard output (dump) or standard input (load):
//
//	state.Dump(ctx, k, "json:/tmp/plan.json", os.Stdout)
//	state.Load(ctx, k, "-", os.Stdin)
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/openfroyo/kokki/pkg/config"
	"github.com/openfroyo/kokki/pkg/engine"
	"github.com/openfroyo/kokki/pkg/kitchen"
	"github.com/openfroyo/kokki/pkg/source"
)

// Stdio is the path that selects standard input or output.
const Stdio = "-"

// Document is the serialized form of a kitchen.
type Document struct {
	Version       int                   `json:"version" yaml:"version"`
	CookbookPaths []string              `json:"cookbook_paths,omitempty" yaml:"cookbook_paths,omitempty"`
	Recipes       []string              `json:"recipes,omitempty" yaml:"recipes,omitempty"`
	Sourced       []string              `json:"sourced,omitempty" yaml:"sourced,omitempty"`
	Config        map[string]any        `json:"config" yaml:"config"`
	Resources     []*engine.Resource    `json:"resources" yaml:"resources"`
	Pending       []engine.Notification `json:"pending,omitempty" yaml:"pending,omitempty"`
}

func (d *Document) normalize() {
	if m, ok := config.Normalize(d.Config).(map[string]any); ok {
		d.Config = m
	}
	for _, r := range d.Resources {
		if r == nil {
			continue
		}
		if m, ok := config.Normalize(r.Attributes).(map[string]any); ok {
			r.Attributes = m
		}
	}
}

// Target is a parsed "format:path" string.
type Target struct {
	Format string
	Path   string
}

// ParseTarget splits s into format and path. A prefix is only recognized
// when it contains no path separator, so "/tmp/a:b" is a yaml path.
func ParseTarget(s string) (Target, error) {
	format, path, ok := strings.Cut(s, ":")
	if !ok || format == "" || strings.ContainsAny(format, `/\.`) {
		return Target{Format: DefaultFormat, Path: s}, nil
	}
	if _, err := CodecFor(format); err != nil {
		return Target{}, err
	}
	if path == "" {
		return Target{}, engine.NewUserError(engine.ErrCodeUnknownFormat,
			fmt.Sprintf("state target %q has no path", s), nil)
	}
	return Target{Format: format, Path: path}, nil
}

func (t Target) String() string { return t.Format + ":" + t.Path }

// Snapshot captures k in a Document.
func Snapshot(k *kitchen.Kitchen) *Document {
	env := k.Environment()
	doc := &Document{
		Version:   Version,
		Recipes:   k.Included(),
		Sourced:   k.SourcedRecipes(),
		Pending:   env.Pending(),
		Resources: make([]*engine.Resource, 0, len(env.Resources())),
	}
	if m, ok := source.EncodeValue(env.Config().Map()).(map[string]any); ok {
		doc.Config = m
	}
	for _, p := range k.CookbookPaths() {
		if !strings.HasPrefix(p, "git+") {
			if abs, err := filepath.Abs(p); err == nil {
				p = abs
			}
		}
		doc.CookbookPaths = append(doc.CookbookPaths, p)
	}
	for _, r := range env.Resources() {
		c := *r
		c.Factory = nil
		if m, ok := source.EncodeValue(r.Attributes).(map[string]any); ok {
			c.Attributes = m
		}
		doc.Resources = append(doc.Resources, &c)
	}
	return doc
}

// Apply replays doc's cookbook paths and recipes into k and restores its
// config, resources and pending notifications. k must not be running.
func Apply(ctx context.Context, k *kitchen.Kitchen, doc *Document) error {
	env := k.Environment()
	if env.Running() {
		return fmt.Errorf("cannot load state into a running kitchen")
	}
	if err := Validate(doc); err != nil {
		return err
	}

	if err := k.AddCookbookPath(ctx, doc.CookbookPaths...); err != nil {
		return fmt.Errorf("failed to replay cookbook paths: %w", err)
	}
	if err := k.IncludeRecipe(ctx, doc.Recipes...); err != nil {
		return fmt.Errorf("failed to replay recipe inclusion: %w", err)
	}
	k.MarkSourced(doc.Sourced...)

	cfg, err := source.DecodeValue(doc.Config)
	if err != nil {
		return fmt.Errorf("failed to restore config: %w", err)
	}
	cfgMap, _ := cfg.(map[string]any)

	resources := make([]*engine.Resource, 0, len(doc.Resources))
	for _, r := range doc.Resources {
		attrs, err := source.DecodeValue(r.Attributes)
		if err != nil {
			return fmt.Errorf("failed to restore %s: %w", r.ID(), err)
		}
		c := *r
		c.Attributes, _ = attrs.(map[string]any)
		resources = append(resources, &c)
	}
	return env.Restore(cfgMap, resources, doc.Pending)
}

var schemas = config.NewSchemaRegistry()

// Validate checks every resource of doc against the #Resource schema.
func Validate(doc *Document) error {
	for i, r := range doc.Resources {
		if r == nil {
			return fmt.Errorf("resource %d is empty", i)
		}
		raw, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", r.ID(), err)
		}
		var data map[string]any
		if err := json.Unmarshal(raw, &data); err != nil {
			return fmt.Errorf("failed to decode %s: %w", r.ID(), err)
		}
		if err := schemas.ValidateAgainstSchema(context.Background(), "resource", data); err != nil {
			return engine.NewUserError(engine.ErrCodeInvalidResource,
				fmt.Sprintf("invalid resource %d in state: %v", i, err), err)
		}
	}
	return nil
}

// Dump writes k to target. stdout receives the dump when the path is "-".
func Dump(ctx context.Context, k *kitchen.Kitchen, target string, stdout io.Writer) error {
	t, err := ParseTarget(target)
	if err != nil {
		return err
	}
	codec, err := CodecFor(t.Format)
	if err != nil {
		return err
	}

	ctx = k.Context(ctx)
	if err := ctx.Err(); err != nil {
		return err
	}
	env := engine.Current(ctx)
	doc := Snapshot(k)

	if t.Path == Stdio {
		return codec.Encode(stdout, doc)
	}
	f, err := os.Create(t.Path)
	if err != nil {
		return fmt.Errorf("failed to create dump %s: %w", t.Path, err)
	}
	if err := codec.Encode(f, doc); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write dump %s: %w", t.Path, err)
	}
	env.Logger().Infof("Dumped %d resources to %s", len(doc.Resources), t)
	return nil
}

// Load reads target and applies it to k. stdin is read when the path is
// "-".
func Load(ctx context.Context, k *kitchen.Kitchen, target string, stdin io.Reader) error {
	t, err := ParseTarget(target)
	if err != nil {
		return err
	}
	codec, err := CodecFor(t.Format)
	if err != nil {
		return err
	}

	r := stdin
	if t.Path != Stdio {
		f, err := os.Open(t.Path)
		if err != nil {
			return engine.NewUserError(engine.ErrCodeSourcePath, fmt.Sprintf("cannot open state %s", t.Path), err)
		}
		defer f.Close()
		r = f
	}

	doc, err := codec.Decode(r)
	if err != nil {
		return engine.NewUserError(engine.ErrCodeUnknownFormat, fmt.Sprintf("cannot read state %s: %v", t, err), err)
	}
	if err := Apply(ctx, k, doc); err != nil {
		return err
	}
	k.Environment().Logger().Infof("Loaded %d resources from %s", len(doc.Resources), t)
	return nil
}
