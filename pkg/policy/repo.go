package policy

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
)

// ErrNoRepoRoot is returned when no ancestor directory contains .git.
var ErrNoRepoRoot = errors.New("repository root not found")

var repoRoots = struct {
	mu    sync.Mutex
	cache map[string]string
}{cache: make(map[string]string)}

// RepoRoot walks up from start looking for a .git entry (directory or file,
// so worktrees resolve too). Results are cached per start directory.
func RepoRoot(start string) (string, error) {
	abs, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}

	repoRoots.mu.Lock()
	if root, ok := repoRoots.cache[abs]; ok {
		repoRoots.mu.Unlock()
		return root, nil
	}
	repoRoots.mu.Unlock()

	dir := abs
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			repoRoots.mu.Lock()
			repoRoots.cache[abs] = dir
			repoRoots.mu.Unlock()
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNoRepoRoot
		}
		dir = parent
	}
}

// DefaultPath returns <root>/workspace/policy/llm_policy.json.
func DefaultPath(root string) string {
	return filepath.Join(root, "workspace", "policy", "llm_policy.json")
}
