package buildroot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/goplus/qtbuild/internal/fingerprint"
)

// memMirror implements Mirror in memory for testing.
type memMirror struct {
	mu      sync.Mutex
	entries map[string]map[string][]byte
	pushes  int
	failGet bool
}

func newMemMirror() *memMirror {
	return &memMirror{entries: make(map[string]map[string][]byte)}
}

func (m *memMirror) Fetch(ctx context.Context, key Key, fp fingerprint.Fingerprint, dir string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet {
		return nil, errors.New("mirror unreachable")
	}
	files, ok := m.entries[key.String()+"@"+fp.String()]
	if !ok {
		return nil, ErrNotMirrored
	}
	var paths []string
	for rel, data := range files {
		dst := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return nil, err
		}
		paths = append(paths, rel)
	}
	return paths, nil
}

func (m *memMirror) Push(ctx context.Context, key Key, fp fingerprint.Fingerprint, dir string, paths []string) error {
	files := make(map[string][]byte, len(paths))
	for _, rel := range paths {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return err
		}
		files[rel] = data
	}
	m.mu.Lock()
	m.entries[key.String()+"@"+fp.String()] = files
	m.pushes++
	m.mu.Unlock()
	return nil
}
