// Package source provides the content sources resources read from: files
// shipped in cookbooks, rendered templates and downloads.
package source

import (
	"context"
	"crypto/md5" //nolint:gosec // md5 is accepted for legacy checksums only
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"strings"

	"github.com/openfroyo/kokki/pkg/engine"
)

// Source produces file content on demand.
type Source interface {
	// Content returns the full content. It may read the active environment
	// and cookbook locator from ctx.
	Content(ctx context.Context) ([]byte, error)

	// Spec returns a serializable description that FromSpec turns back into
	// an equivalent Source.
	Spec() map[string]any
}

// Checksummer is implemented by sources that know their checksum without
// producing the content.
type Checksummer interface {
	Checksum(ctx context.Context) (string, error)
}

// Checksum returns the source's own checksum when it has one, otherwise the
// hex sha256 of its content.
func Checksum(ctx context.Context, s Source) (string, error) {
	if c, ok := s.(Checksummer); ok {
		return c.Checksum(ctx)
	}
	content, err := s.Content(ctx)
	if err != nil {
		return "", err
	}
	return SHA256(content), nil
}

// SHA256 returns the hex sha256 of data.
func SHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyChecksum compares data against an expected hex digest. A 32 character
// digest is treated as md5, anything else as sha256.
func VerifyChecksum(data []byte, expected string) bool {
	expected = strings.ToLower(strings.TrimSpace(expected))
	if len(expected) == 32 {
		sum := md5.Sum(data) //nolint:gosec
		return hex.EncodeToString(sum[:]) == expected
	}
	return SHA256(data) == expected
}

// CookbookLocator resolves a cookbook name to its file tree.
type CookbookLocator interface {
	CookbookFS(name string) (fs.FS, error)
}

type locatorKey struct{}

// WithLocator returns a context carrying l.
func WithLocator(ctx context.Context, l CookbookLocator) context.Context {
	return context.WithValue(ctx, locatorKey{}, l)
}

// Locator returns the locator carried by ctx, or nil.
func Locator(ctx context.Context) CookbookLocator {
	l, _ := ctx.Value(locatorKey{}).(CookbookLocator)
	return l
}

// openCookbookFile reads dir/rel from the cookbook named by the first segment
// of path.
func openCookbookFile(ctx context.Context, path, dir string) ([]byte, error) {
	cookbook, rel, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	l := Locator(ctx)
	if l == nil {
		return nil, fmt.Errorf("no cookbook locator available to resolve %s", path)
	}
	fsys, err := l.CookbookFS(cookbook)
	if err != nil {
		return nil, err
	}
	data, err := fs.ReadFile(fsys, dir+"/"+rel)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from cookbook %s: %w", dir+"/"+rel, cookbook, err)
	}
	return data, nil
}

// SplitPath splits "cookbook/relative/path" on its first slash.
func SplitPath(path string) (cookbook, rel string, err error) {
	cookbook, rel, ok := strings.Cut(path, "/")
	if !ok || cookbook == "" || rel == "" {
		return "", "", engine.NewInternalError(engine.ErrCodeSourcePath,
			fmt.Sprintf("source path %q must be of the form cookbook/path", path), nil)
	}
	return cookbook, rel, nil
}
