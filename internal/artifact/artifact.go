// Package artifact is the opaque blob store the pipeline writes stage
// outputs to. Callers address artifacts by path only; the backing layout
// is not part of any contract.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store puts and gets opaque artifacts by path.
type Store interface {
	Put(path string, data []byte) error
	Get(path string) ([]byte, error)
	Delete(path string) error
}

// Local is a filesystem-backed artifact store rooted at one directory.
type Local struct {
	root string
}

// NewLocal creates the root directory if needed.
func NewLocal(root string) (*Local, error) {
	if root == "" {
		return nil, fmt.Errorf("artifact root required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}
	return &Local{root: root}, nil
}

// resolve rejects paths that escape the root.
func (l *Local) resolve(path string) (string, error) {
	clean := filepath.Clean(path)
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid artifact path %q", path)
	}
	return filepath.Join(l.root, clean), nil
}

// Put writes an artifact, creating parent directories as needed.
func (l *Local) Put(path string, data []byte) error {
	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("failed to create artifact dir: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("failed to write artifact %s: %w", path, err)
	}
	return nil
}

// Get reads an artifact.
func (l *Local) Get(path string) ([]byte, error) {
	full, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", path, err)
	}
	return data, nil
}

// Delete removes an artifact; deleting a missing artifact is not an error.
func (l *Local) Delete(path string) error {
	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete artifact %s: %w", path, err)
	}
	return nil
}

var _ Store = (*Local)(nil)
