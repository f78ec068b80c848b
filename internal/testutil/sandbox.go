// Package testutil provides small helpers shared by the consensus engine's
// test suites.
package testutil

import (
	"os"
	"path/filepath"
)

// Sandbox provides an isolated temporary directory for tests that need to
// exercise real file-backed stores (e.g. the bbolt-backed state store).
type Sandbox struct {
	Root string
}

// NewSandbox creates a new Sandbox rooted at a temporary directory.
func NewSandbox() (*Sandbox, error) {
	dir, err := os.MkdirTemp("", "shardbft_sandbox")
	if err != nil {
		return nil, err
	}
	return &Sandbox{Root: dir}, nil
}

// Path joins elem onto the sandbox root.
func (s *Sandbox) Path(elem ...string) string {
	return filepath.Join(append([]string{s.Root}, elem...)...)
}

// WriteFile writes data to a path relative to the sandbox root, creating
// parent directories as needed.
func (s *Sandbox) WriteFile(rel string, data []byte, perm os.FileMode) error {
	p := s.Path(rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return err
	}
	return os.WriteFile(p, data, perm)
}

// Cleanup removes the sandbox directory tree.
func (s *Sandbox) Cleanup() {
	_ = os.RemoveAll(s.Root)
}
