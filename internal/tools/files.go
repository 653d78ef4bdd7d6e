// Package tools implements the worker capabilities: workspace file
// access, sandboxed code execution, test running, and version control.
// Every operation goes through the audit trail.
package tools

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"codecrew/internal/logging"
	"codecrew/internal/types"
)

// DefaultMaxFileBytes caps a single read or write.
const DefaultMaxFileBytes = 4 * 1024 * 1024

// WorkspaceStore implements types.FileStore over a set of allowed
// roots. Paths are relative to the primary (first) root; every resolved
// path must stay inside one of the roots.
type WorkspaceStore struct {
	roots    []string
	maxBytes int64

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewWorkspaceStore creates a store rooted at the given directories.
// The first root is the write target; the rest are read-only context
// roots.
func NewWorkspaceStore(roots []string, maxBytes int64) (*WorkspaceStore, error) {
	if len(roots) == 0 {
		return nil, types.NewError(types.KindConfiguration, "tools.NewWorkspaceStore", "at least one workspace root required")
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFileBytes
	}
	abs := make([]string, 0, len(roots))
	for _, r := range roots {
		a, err := filepath.Abs(r)
		if err != nil {
			return nil, types.WrapError(types.KindConfiguration, "tools.NewWorkspaceStore", "bad workspace root", err)
		}
		abs = append(abs, a)
	}
	if err := os.MkdirAll(abs[0], 0755); err != nil {
		return nil, types.WrapError(types.KindConfiguration, "tools.NewWorkspaceStore", "failed to create workspace", err)
	}
	return &WorkspaceStore{roots: abs, maxBytes: maxBytes, locks: map[string]*sync.Mutex{}}, nil
}

// Root returns the primary workspace root.
func (s *WorkspaceStore) Root() string { return s.roots[0] }

func (s *WorkspaceStore) pathLock(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.locks[path]; ok {
		return m
	}
	m := &sync.Mutex{}
	s.locks[path] = m
	return m
}

// resolve maps a relative path to an absolute one inside a root.
// Absolute inputs and traversal outside every root are denied.
func (s *WorkspaceStore) resolve(path string) (string, error) {
	if path == "" || filepath.IsAbs(path) || strings.ContainsRune(path, 0) {
		return "", types.NewError(types.KindInvariant, "tools.resolve",
			fmt.Sprintf("path denied: %q: %v", path, types.ErrDenied))
	}
	abs := filepath.Join(s.roots[0], filepath.Clean(path))
	for _, root := range s.roots {
		if abs == root || strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return abs, nil
		}
	}
	return "", types.NewError(types.KindInvariant, "tools.resolve",
		fmt.Sprintf("path escapes workspace: %q: %v", path, types.ErrDenied))
}

// Read returns the file content at a workspace-relative path.
func (s *WorkspaceStore) Read(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	abs, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	lock := s.pathLock(abs)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.WrapError(types.KindInvariant, "tools.Read", path, types.ErrNotFound)
		}
		return nil, types.WrapError(types.KindTransient, "tools.Read", path, err)
	}
	if info.Size() > s.maxBytes {
		return nil, types.WrapError(types.KindInvariant, "tools.Read",
			fmt.Sprintf("%s (%d bytes)", path, info.Size()), types.ErrTooLarge)
	}
	data, err := os.ReadFile(abs)
	logging.Audit().ToolCompleted("files", "read", time.Since(start), err)
	if err != nil {
		return nil, types.WrapError(types.KindTransient, "tools.Read", path, err)
	}
	logging.Tools("Read %s (%d bytes)", path, len(data))
	return data, nil
}

// Write stores content at a workspace-relative path under the primary
// root, creating parent directories.
func (s *WorkspaceStore) Write(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if int64(len(data)) > s.maxBytes {
		return types.WrapError(types.KindInvariant, "tools.Write",
			fmt.Sprintf("%s (%d bytes)", path, len(data)), types.ErrTooLarge)
	}
	abs, err := s.resolve(path)
	if err != nil {
		return err
	}
	lock := s.pathLock(abs)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return types.WrapError(types.KindTransient, "tools.Write", path, err)
	}
	err = os.WriteFile(abs, data, 0644)
	logging.Audit().ToolCompleted("files", "write", time.Since(start), err)
	if err != nil {
		return types.WrapError(types.KindTransient, "tools.Write", path, err)
	}
	sum := sha256.Sum256(data)
	logging.Tools("Wrote %s (%d bytes, sha256=%x)", path, len(data), sum[:8])
	return nil
}

// List returns workspace-relative file paths under dir, sorted.
func (s *WorkspaceStore) List(ctx context.Context, dir string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if dir == "" {
		dir = "."
	}
	abs, err := s.resolve(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	err = filepath.WalkDir(abs, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.roots[0], p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.WrapError(types.KindInvariant, "tools.List", dir, types.ErrNotFound)
		}
		return nil, types.WrapError(types.KindTransient, "tools.List", dir, err)
	}
	sort.Strings(out)
	return out, nil
}
