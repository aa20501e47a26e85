package source

import "context"

// StaticFile reads a file verbatim from a cookbook's files directory.
type StaticFile struct {
	Path string
}

// NewStaticFile validates path ("cookbook/relative/path") and returns the
// source. The file itself is read lazily.
func NewStaticFile(path string) (*StaticFile, error) {
	if _, _, err := SplitPath(path); err != nil {
		return nil, err
	}
	return &StaticFile{Path: path}, nil
}

func (s *StaticFile) Content(ctx context.Context) ([]byte, error) {
	return openCookbookFile(ctx, s.Path, "files")
}

func (s *StaticFile) Spec() map[string]any {
	return map[string]any{specKey: "StaticFile", "path": s.Path}
}
