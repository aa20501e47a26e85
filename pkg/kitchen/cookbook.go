package kitchen

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"

	"github.com/openfroyo/kokki/pkg/config"
	"github.com/openfroyo/kokki/pkg/engine"
)

// RecipeFunc declares resources for one recipe.
type RecipeFunc func(ctx context.Context, k *Kitchen) error

// LoaderFunc is a cookbook's post-load hook. It runs before each of the
// cookbook's recipes is sourced.
type LoaderFunc func(ctx context.Context, k *Kitchen) error

// CookbookDef declares a cookbook in Go. Files, when set, backs the
// cookbook's files/ and templates/ directories.
type CookbookDef struct {
	Name     string
	Metadata *config.Metadata
	Recipes  map[string]RecipeFunc
	Library  map[string]any
	Loader   LoaderFunc
	Files    fs.FS
}

// Manifest is a set of Go-declared cookbooks.
type Manifest struct {
	Cookbooks []CookbookDef
}

// Cookbook is a loaded cookbook. Metadata and library are read on first use
// and cached.
type Cookbook struct {
	Name string
	// Path is the directory the cookbook was loaded from; empty for Go
	// cookbooks.
	Path string

	fsys fs.FS
	def  *CookbookDef

	metadata *config.Metadata
	library  map[string]any
}

func newDiskCookbook(name, dir string) *Cookbook {
	return &Cookbook{Name: name, Path: dir, fsys: os.DirFS(dir)}
}

func newDefinedCookbook(def *CookbookDef) *Cookbook {
	return &Cookbook{Name: def.Name, fsys: def.Files, def: def}
}

// FS returns the cookbook's file tree.
func (c *Cookbook) FS() (fs.FS, error) {
	if c.fsys == nil {
		return nil, fmt.Errorf("cookbook %s ships no files", c.Name)
	}
	return c.fsys, nil
}

// Metadata returns the cookbook metadata. A cookbook without metadata.cue
// has empty metadata.
func (c *Cookbook) Metadata(k *Kitchen) (*config.Metadata, error) {
	if c.metadata != nil {
		return c.metadata, nil
	}

	if c.def != nil {
		md := c.def.Metadata
		if md == nil {
			md = &config.Metadata{}
		}
		if err := k.parser.ValidateMetadata(md); err != nil {
			return nil, fmt.Errorf("cookbook %s: %w", c.Name, err)
		}
		c.metadata = md
		return md, nil
	}

	content, err := fs.ReadFile(c.fsys, config.MetadataFile)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		k.logger.Warnf("cookbook %s has no %s", c.Name, config.MetadataFile)
		c.metadata = &config.Metadata{}
		return c.metadata, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read metadata for cookbook %s: %w", c.Name, err)
	}

	md, err := k.parser.ParseMetadata(path.Join(c.Path, config.MetadataFile), content)
	if err != nil {
		return nil, err
	}
	k.logger.Debugf("loaded metadata for cookbook %s", c.Name)
	c.metadata = md
	return md, nil
}

// Library returns the cookbook's auxiliary callables.
func (c *Cookbook) Library(ctx context.Context, k *Kitchen) (map[string]any, error) {
	if c.library != nil {
		return c.library, nil
	}
	if c.def != nil {
		c.library = c.def.Library
		if c.library == nil {
			c.library = map[string]any{}
		}
		return c.library, nil
	}

	names, err := fs.Glob(c.fsys, "libraries/*.star")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	if len(names) == 0 {
		c.library = map[string]any{}
		return c.library, nil
	}
	if k.runner == nil {
		return nil, fmt.Errorf("cookbook %s has script libraries but no script runner is configured", c.Name)
	}

	files := make([]Script, 0, len(names))
	for _, n := range names {
		src, err := fs.ReadFile(c.fsys, n)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", n, err)
		}
		files = append(files, Script{Name: path.Join(c.Name, n), Source: src})
	}
	lib, err := k.runner.LoadLibrary(ctx, k, c.Name, files)
	if err != nil {
		return nil, fmt.Errorf("failed to load library of cookbook %s: %w", c.Name, err)
	}
	k.logger.Debugf("loaded %d library functions for cookbook %s", len(lib), c.Name)
	c.library = lib
	return lib, nil
}

// recipe returns the body of the named recipe.
func (c *Cookbook) recipe(k *Kitchen, name string) (RecipeFunc, error) {
	notFound := func() error {
		return engine.NewUserError(engine.ErrCodeRecipeNotFound,
			fmt.Sprintf("recipe %s not found in cookbook %s", name, c.Name), nil)
	}

	if c.def != nil {
		fn, ok := c.def.Recipes[name]
		if !ok {
			return nil, notFound()
		}
		return fn, nil
	}

	file := "recipes/" + name + ".star"
	src, err := fs.ReadFile(c.fsys, file)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read recipe %s.%s: %w", c.Name, name, err)
	}
	if k.runner == nil {
		return nil, fmt.Errorf("recipe %s.%s is a script but no script runner is configured", c.Name, name)
	}
	script := Script{Name: path.Join(c.Name, file), Source: src}
	return func(ctx context.Context, k *Kitchen) error {
		return k.runner.ExecRecipe(ctx, k, script)
	}, nil
}

// loader returns the post-load hook, if any.
func (c *Cookbook) loader(ctx context.Context, k *Kitchen) (LoaderFunc, error) {
	if c.def != nil {
		return c.def.Loader, nil
	}
	md, err := c.Metadata(k)
	if err != nil {
		return nil, err
	}
	if md.Loader == "" {
		return nil, nil
	}
	lib, err := c.Library(ctx, k)
	if err != nil {
		return nil, err
	}
	fn, ok := lib[md.Loader]
	if !ok {
		return nil, fmt.Errorf("cookbook %s declares loader %q but its library has no such function", c.Name, md.Loader)
	}
	return func(ctx context.Context, k *Kitchen) error {
		return k.runner.Call(ctx, k, fn)
	}, nil
}
