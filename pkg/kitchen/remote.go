package kitchen

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

const remotePrefix = "git+"

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func isRemotePath(p string) bool {
	return strings.HasPrefix(p, remotePrefix)
}

// parseRemotePath splits "git+<url>[#branch]".
func parseRemotePath(p string) (repoURL, branch string) {
	repoURL = strings.TrimPrefix(p, remotePrefix)
	if i := strings.LastIndex(repoURL, "#"); i >= 0 {
		repoURL, branch = repoURL[:i], repoURL[i+1:]
	}
	return repoURL, branch
}

// cookbookCache returns the clone directory root: kokki.cookbook_cache, then
// $XDG_CACHE_HOME/kokki/cookbooks, then the user cache directory.
func (k *Kitchen) cookbookCache() string {
	if k.cacheDir != "" {
		return k.cacheDir
	}
	if v, err := k.env.Config().Get("kokki.cookbook_cache"); err == nil {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "kokki", "cookbooks")
	}
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "kokki", "cookbooks")
	}
	return filepath.Join(os.TempDir(), "kokki", "cookbooks")
}

// fetchRemote clones a remote cookbook path, or pulls it when a clone already
// exists, and returns the local directory.
func (k *Kitchen) fetchRemote(ctx context.Context, p string) (string, error) {
	repoURL, branch := parseRemotePath(p)
	name := strings.Trim(unsafePathChars.ReplaceAllString(repoURL, "_"), "_")
	if branch != "" {
		name += "@" + unsafePathChars.ReplaceAllString(branch, "_")
	}
	dir := filepath.Join(k.cookbookCache(), name)

	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		return dir, k.pullRemote(ctx, dir, repoURL, branch)
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return "", fmt.Errorf("failed to create cookbook cache: %w", err)
	}
	opts := &git.CloneOptions{URL: repoURL, Depth: 1}
	if branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
		opts.SingleBranch = true
	}
	k.logger.Infof("cloning cookbook path %s into %s", repoURL, dir)
	if _, err := git.PlainCloneContext(ctx, dir, false, opts); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("failed to clone %s: %w", repoURL, err)
	}
	return dir, nil
}

func (k *Kitchen) pullRemote(ctx context.Context, dir, repoURL, branch string) error {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return fmt.Errorf("failed to open cookbook clone %s: %w", dir, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree of %s: %w", dir, err)
	}
	opts := &git.PullOptions{RemoteName: "origin"}
	if branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
		opts.SingleBranch = true
	}
	err = wt.PullContext(ctx, opts)
	switch {
	case errors.Is(err, git.NoErrAlreadyUpToDate):
		k.logger.Debugf("cookbook path %s already up to date", repoURL)
		return nil
	case err != nil:
		return fmt.Errorf("failed to pull %s: %w", repoURL, err)
	}
	k.logger.Infof("updated cookbook path %s", repoURL)
	return nil
}
