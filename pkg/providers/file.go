package providers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/openfroyo/kokki/pkg/engine"
	"github.com/openfroyo/kokki/pkg/source"
)

// fileProvider manages a regular file.
//
// Attributes: path (defaults to the name), content (string or source),
// mode, owner, group, backup (default true).
type fileProvider struct {
	env *engine.Environment
	r   *engine.Resource
}

func newFileProvider(env *engine.Environment, r *engine.Resource) (engine.Provider, error) {
	p := &fileProvider{env: env, r: r}
	return &engine.ActionSet{ProviderName: "file", Handlers: map[string]engine.ActionFunc{
		"create": p.create,
		"delete": p.delete,
		"touch":  p.touch,
	}}, nil
}

func (p *fileProvider) path() string { return p.r.StringAttr("path", p.r.Name) }

func (p *fileProvider) create(ctx context.Context) error {
	path := p.path()
	info, err := os.Stat(path)
	exists := err == nil
	if exists && info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if !exists && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	content, hasContent, err := p.content(ctx)
	if err != nil {
		return err
	}

	if !exists || hasContent {
		write := !exists
		if exists {
			current, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}
			write = !bytes.Equal(current, content)
		}
		if write {
			if exists && p.r.BoolAttr("backup", true) {
				if err := p.env.BackupFile(path); err != nil {
					return err
				}
			}
			p.env.Logger().WithResourceID(p.r.ID()).Infof("Writing %s because %s", path, reason(exists))
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return fmt.Errorf("failed to create parent of %s: %w", path, err)
			}
			if err := os.WriteFile(path, content, 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", path, err)
			}
			p.r.Updated = true
		}
	}

	return ensureMetadata(p.r, path)
}

func reason(exists bool) string {
	if exists {
		return "contents don't match"
	}
	return "it doesn't exist"
}

func (p *fileProvider) delete(ctx context.Context) error {
	path := p.path()
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	p.r.Updated = true
	return nil
}

func (p *fileProvider) touch(ctx context.Context) error {
	path := p.path()
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			return fmt.Errorf("failed to create %s: %w", path, err)
		}
	} else {
		now := time.Now()
		if err := os.Chtimes(path, now, now); err != nil {
			return fmt.Errorf("failed to touch %s: %w", path, err)
		}
	}
	p.r.Updated = true
	return ensureMetadata(p.r, path)
}

// content resolves the content attribute. The bool is false when the
// resource does not manage content.
func (p *fileProvider) content(ctx context.Context) ([]byte, bool, error) {
	switch c := p.r.Attr("content").(type) {
	case nil:
		return nil, false, nil
	case string:
		return []byte(c), true, nil
	case []byte:
		return c, true, nil
	case source.Source:
		data, err := c.Content(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("failed to resolve content of %s: %w", p.r.ID(), err)
		}
		return data, true, nil
	default:
		return nil, false, fmt.Errorf("content of %s must be a string or a source, got %T", p.r.ID(), c)
	}
}

// ensureMetadata applies the mode, owner and group attributes, marking the
// resource updated when anything changes.
func ensureMetadata(r *engine.Resource, path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	if m, ok, err := modeAttr(r); err != nil {
		return err
	} else if ok && info.Mode().Perm() != m {
		if err := os.Chmod(path, m); err != nil {
			return fmt.Errorf("failed to set mode of %s: %w", path, err)
		}
		r.Updated = true
	}

	uid, gid, err := ownerAttrs(r)
	if err != nil {
		return err
	}
	if uid < 0 && gid < 0 {
		return nil
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		if (uid < 0 || uint32(uid) == st.Uid) && (gid < 0 || uint32(gid) == st.Gid) {
			return nil
		}
	}
	if err := os.Lchown(path, uid, gid); err != nil {
		return fmt.Errorf("failed to set ownership of %s: %w", path, err)
	}
	r.Updated = true
	return nil
}

// modeAttr reads mode as an octal string ("0644") or an integer.
func modeAttr(r *engine.Resource) (os.FileMode, bool, error) {
	switch m := r.Attr("mode").(type) {
	case nil:
		return 0, false, nil
	case int:
		return os.FileMode(m).Perm(), true, nil
	case int64:
		return os.FileMode(m).Perm(), true, nil
	case string:
		digits := strings.TrimPrefix(strings.TrimPrefix(m, "0o"), "0O")
		v, err := strconv.ParseUint(digits, 8, 32)
		if err != nil {
			return 0, false, fmt.Errorf("invalid mode %q for %s: %w", m, r.ID(), err)
		}
		return os.FileMode(v).Perm(), true, nil
	default:
		return 0, false, fmt.Errorf("invalid mode %v for %s", m, r.ID())
	}
}

// ownerAttrs resolves owner and group to numeric ids; -1 leaves one unchanged.
func ownerAttrs(r *engine.Resource) (int, int, error) {
	uid, gid := -1, -1
	if owner := r.StringAttr("owner", ""); owner != "" {
		id, err := lookupID(owner, func(n string) (string, error) {
			u, err := user.Lookup(n)
			if err != nil {
				return "", err
			}
			return u.Uid, nil
		})
		if err != nil {
			return 0, 0, fmt.Errorf("unknown owner %q for %s: %w", owner, r.ID(), err)
		}
		uid = id
	}
	if group := r.StringAttr("group", ""); group != "" {
		id, err := lookupID(group, func(n string) (string, error) {
			g, err := user.LookupGroup(n)
			if err != nil {
				return "", err
			}
			return g.Gid, nil
		})
		if err != nil {
			return 0, 0, fmt.Errorf("unknown group %q for %s: %w", group, r.ID(), err)
		}
		gid = id
	}
	return uid, gid, nil
}

func lookupID(name string, lookup func(string) (string, error)) (int, error) {
	if id, err := strconv.Atoi(name); err == nil {
		return id, nil
	}
	s, err := lookup(name)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(s)
}

// directoryProvider manages a directory.
//
// Attributes: path, mode, owner, group, recursive (create parents / delete
// contents).
type directoryProvider struct {
	env *engine.Environment
	r   *engine.Resource
}

func newDirectoryProvider(env *engine.Environment, r *engine.Resource) (engine.Provider, error) {
	p := &directoryProvider{env: env, r: r}
	return &engine.ActionSet{ProviderName: "directory", Handlers: map[string]engine.ActionFunc{
		"create": p.create,
		"delete": p.delete,
	}}, nil
}

func (p *directoryProvider) create(ctx context.Context) error {
	path := p.r.StringAttr("path", p.r.Name)
	info, err := os.Stat(path)
	switch {
	case err == nil && !info.IsDir():
		return fmt.Errorf("%s exists and is not a directory", path)
	case errors.Is(err, fs.ErrNotExist):
		p.env.Logger().WithResourceID(p.r.ID()).Infof("Creating directory %s", path)
		mkdir := os.Mkdir
		if p.r.BoolAttr("recursive", false) {
			mkdir = os.MkdirAll
		}
		if err := mkdir(path, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", path, err)
		}
		p.r.Updated = true
	case err != nil:
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return ensureMetadata(p.r, path)
}

func (p *directoryProvider) delete(ctx context.Context) error {
	path := p.r.StringAttr("path", p.r.Name)
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	remove := os.Remove
	if p.r.BoolAttr("recursive", false) {
		remove = os.RemoveAll
	}
	if err := remove(path); err != nil {
		return fmt.Errorf("failed to remove directory %s: %w", path, err)
	}
	p.r.Updated = true
	return nil
}

// linkProvider manages a symbolic or hard link.
//
// Attributes: path, to (required for create), hard.
type linkProvider struct {
	env *engine.Environment
	r   *engine.Resource
}

func newLinkProvider(env *engine.Environment, r *engine.Resource) (engine.Provider, error) {
	p := &linkProvider{env: env, r: r}
	return &engine.ActionSet{ProviderName: "link", Handlers: map[string]engine.ActionFunc{
		"create": p.create,
		"delete": p.delete,
	}}, nil
}

func (p *linkProvider) create(ctx context.Context) error {
	path := p.r.StringAttr("path", p.r.Name)
	to := p.r.StringAttr("to", "")
	if to == "" {
		return fmt.Errorf("%s: attribute 'to' is required", p.r.ID())
	}
	hard := p.r.BoolAttr("hard", false)

	info, err := os.Lstat(path)
	switch {
	case err == nil:
		if hard {
			target, terr := os.Stat(to)
			if terr == nil && os.SameFile(info, target) {
				return nil
			}
		} else if info.Mode()&os.ModeSymlink != 0 {
			if current, _ := os.Readlink(path); current == to {
				return nil
			}
		} else {
			return fmt.Errorf("%s exists and is not a link", path)
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to replace link %s: %w", path, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	p.env.Logger().WithResourceID(p.r.ID()).Infof("Creating link %s -> %s", path, to)
	link := os.Symlink
	if hard {
		link = os.Link
	}
	if err := link(to, path); err != nil {
		return fmt.Errorf("failed to link %s to %s: %w", path, to, err)
	}
	p.r.Updated = true
	return nil
}

func (p *linkProvider) delete(ctx context.Context) error {
	path := p.r.StringAttr("path", p.r.Name)
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.Mode()&os.ModeSymlink == 0 && !p.r.BoolAttr("hard", false) {
		return fmt.Errorf("%s is not a link", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove link %s: %w", path, err)
	}
	p.r.Updated = true
	return nil
}
