package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/kokki/pkg/engine"
	"github.com/openfroyo/kokki/pkg/telemetry"
)

// DefaultDownloadPath is used when download_path is not configured.
const DefaultDownloadPath = "/var/tmp/downloads"

// Fetcher retrieves the content behind a URL.
type Fetcher func(ctx context.Context, u *url.URL) ([]byte, error)

var (
	fetchersMu sync.RWMutex
	fetchers   = map[string]Fetcher{
		"http":  fetchHTTP,
		"https": fetchHTTP,
		"sftp":  fetchSFTP,
		"file":  fetchFile,
	}
)

// RegisterFetcher makes scheme available to DownloadSource.
func RegisterFetcher(scheme string, f Fetcher) {
	fetchersMu.Lock()
	defer fetchersMu.Unlock()
	fetchers[scheme] = f
}

func lookupFetcher(scheme string) (Fetcher, bool) {
	fetchersMu.RLock()
	defer fetchersMu.RUnlock()
	f, ok := fetchers[scheme]
	return f, ok
}

func schemes() []string {
	fetchersMu.RLock()
	defer fetchersMu.RUnlock()
	out := make([]string, 0, len(fetchers))
	for s := range fetchers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// DownloadSource fetches remote content, optionally keeping a copy in the
// download directory.
type DownloadSource struct {
	URL   string
	Cache bool
	// Sum is the expected hex digest: md5 when 32 characters, else sha256.
	Sum string
	Dir string

	fetch Fetcher
}

// NewDownloadSource validates the URL and creates the download directory,
// read from download_path in the active environment.
func NewDownloadSource(ctx context.Context, rawURL string, cache bool, checksum string) (*DownloadSource, error) {
	dir := DefaultDownloadPath
	if env := engine.Current(ctx); env != nil {
		if v, err := env.Config().Get("download_path"); err == nil {
			if s, ok := v.(string); ok && s != "" {
				dir = s
			}
		}
	}
	return newDownloadSource(rawURL, cache, checksum, dir)
}

func newDownloadSource(rawURL string, cache bool, checksum, dir string) (*DownloadSource, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, engine.NewInternalError(engine.ErrCodeSourcePath, fmt.Sprintf("invalid download url %q", rawURL), err)
	}
	f, ok := lookupFetcher(u.Scheme)
	if !ok {
		return nil, engine.NewInternalError(engine.ErrCodeSourcePath,
			fmt.Sprintf("unsupported download scheme %q (supported: %s)", u.Scheme, strings.Join(schemes(), ", ")), nil)
	}
	if path.Base(u.Path) == "/" || path.Base(u.Path) == "." {
		return nil, engine.NewInternalError(engine.ErrCodeSourcePath, fmt.Sprintf("download url %q has no file name", rawURL), nil)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create download directory %s: %w", dir, err)
	}
	return &DownloadSource{URL: rawURL, Cache: cache, Sum: checksum, Dir: dir, fetch: f}, nil
}

// LocalPath is where the cached copy is kept.
func (s *DownloadSource) LocalPath() string {
	u, err := url.Parse(s.URL)
	if err != nil {
		return filepath.Join(s.Dir, path.Base(s.URL))
	}
	return filepath.Join(s.Dir, path.Base(u.Path))
}

func (s *DownloadSource) Content(ctx context.Context) ([]byte, error) {
	log := sourceLogger(ctx)
	local := s.LocalPath()

	if s.Cache {
		if data, err := os.ReadFile(local); err == nil {
			if s.Sum == "" || VerifyChecksum(data, s.Sum) {
				log.Debugf("using cached copy of %s at %s", s.URL, local)
				return data, nil
			}
			log.Infof("cached copy of %s does not match checksum, fetching again", s.URL)
		}
	}

	u, err := url.Parse(s.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid download url %q: %w", s.URL, err)
	}
	if s.fetch == nil {
		f, ok := lookupFetcher(u.Scheme)
		if !ok {
			return nil, fmt.Errorf("unsupported download scheme %q", u.Scheme)
		}
		s.fetch = f
	}

	log.Infof("downloading %s", s.URL)
	data, err := s.fetch(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", s.URL, err)
	}

	// The fresh copy replaces the cache even when it fails verification.
	if s.Cache {
		if err := os.MkdirAll(s.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create download directory %s: %w", s.Dir, err)
		}
		if err := os.WriteFile(local, data, 0o644); err != nil {
			return nil, fmt.Errorf("failed to cache %s: %w", s.URL, err)
		}
	}
	if s.Sum != "" && !VerifyChecksum(data, s.Sum) {
		return nil, fmt.Errorf("checksum mismatch for %s: expected %s", s.URL, s.Sum)
	}
	return data, nil
}

// Checksum returns the declared digest when there is one.
func (s *DownloadSource) Checksum(ctx context.Context) (string, error) {
	if s.Sum != "" {
		return strings.ToLower(s.Sum), nil
	}
	data, err := s.Content(ctx)
	if err != nil {
		return "", err
	}
	return SHA256(data), nil
}

func (s *DownloadSource) Spec() map[string]any {
	return map[string]any{
		specKey:    "DownloadSource",
		"url":      s.URL,
		"cache":    s.Cache,
		"checksum": s.Sum,
		"dir":      s.Dir,
	}
}

var httpClient = &http.Client{Timeout: 5 * time.Minute}

func fetchHTTP(ctx context.Context, u *url.URL) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func fetchFile(_ context.Context, u *url.URL) ([]byte, error) {
	return os.ReadFile(u.Path)
}

func sourceLogger(ctx context.Context) *telemetry.Logger {
	if env := engine.Current(ctx); env != nil {
		return env.Logger().NewComponentLogger("source")
	}
	return telemetry.FromContext(ctx)
}
