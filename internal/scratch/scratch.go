// Package scratch provides exclusively-owned temporary directories with
// deterministic cleanup. A Dir replaces the global temp path plus exit trap
// pattern: the acquiring caller releases it on every exit path.
package scratch

import (
	"fmt"
	"os"
)

// Dir is a private temporary directory owned by its creator.
type Dir struct {
	path string
}

// New creates a fresh scratch directory readable only by the current user.
func New() (*Dir, error) {
	path, err := os.MkdirTemp("", "priv-bootstrap-")
	if err != nil {
		return nil, fmt.Errorf("create scratch directory: %w", err)
	}

	return &Dir{path: path}, nil
}

// Path returns the directory location.
func (d *Dir) Path() string {
	return d.path
}

// Remove deletes the directory and everything beneath it.
// Safe to call more than once.
func (d *Dir) Remove() error {
	if d.path == "" {
		return nil
	}

	if err := os.RemoveAll(d.path); err != nil {
		return fmt.Errorf("remove scratch directory: %w", err)
	}

	d.path = ""

	return nil
}
