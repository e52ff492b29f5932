// Package remote shares build root entries between machines through an
// S3-compatible object store.
//
// An entry for key kind/name and fingerprint fp is stored as
//
//	<prefix>/<kind>/<name>/<fp>/files/<path>   one object per artifact file
//	<prefix>/<kind>/<name>/<fp>/entry.json     written last
//
// so a reader never sees an entry whose files are still being uploaded.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/goplus/qtbuild/internal/buildroot"
	"github.com/goplus/qtbuild/internal/fingerprint"
	"golang.org/x/mod/module"
)

const entryObject = "entry.json"

// errNotFound is returned by an objectStore for a missing object.
var errNotFound = errors.New("object not found")

// objectStore is the subset of an object store the mirror needs.
type objectStore interface {
	ensureBucket(ctx context.Context) error
	put(ctx context.Context, key string, r io.Reader, size int64) error
	get(ctx context.Context, key string) (io.ReadCloser, error)
}

// entryFile describes one artifact file of a mirrored entry.
type entryFile struct {
	Path string      `json:"path"`
	Mode fs.FileMode `json:"mode"`
	Size int64       `json:"size"`
}

type entryManifest struct {
	Key         string                  `json:"key"`
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	Files       []entryFile             `json:"files"`
}

// Mirror implements buildroot.Mirror on an object store.
type Mirror struct {
	store  objectStore
	prefix string

	initOnce sync.Once
	initErr  error
}

var _ buildroot.Mirror = (*Mirror)(nil)

func newMirror(store objectStore, prefix string) *Mirror {
	return &Mirror{store: store, prefix: strings.Trim(prefix, "/")}
}

func (m *Mirror) ready(ctx context.Context) error {
	m.initOnce.Do(func() {
		m.initErr = m.store.ensureBucket(ctx)
	})
	if m.initErr != nil {
		return fmt.Errorf("remote: ensure bucket: %w", m.initErr)
	}
	return nil
}

func (m *Mirror) entryPrefix(key buildroot.Key, fp fingerprint.Fingerprint) string {
	p := string(key.Kind) + "/" + key.Name + "/" + fp.String()
	if m.prefix != "" {
		p = m.prefix + "/" + p
	}
	return p
}

// Push uploads the files of a recorded entry, then its manifest.
func (m *Mirror) Push(ctx context.Context, key buildroot.Key, fp fingerprint.Fingerprint, dir string, paths []string) error {
	if err := m.ready(ctx); err != nil {
		return err
	}
	base := m.entryPrefix(key, fp)
	man := entryManifest{Key: key.String(), Fingerprint: fp}
	for _, rel := range paths {
		if err := checkPath(rel); err != nil {
			return err
		}
		f, err := m.pushFile(ctx, base, dir, rel)
		if err != nil {
			return fmt.Errorf("remote: push %s %s: %w", key, rel, err)
		}
		man.Files = append(man.Files, f)
	}
	data, err := json.MarshalIndent(&man, "", "  ")
	if err != nil {
		return err
	}
	if err := m.store.put(ctx, base+"/"+entryObject, bytes.NewReader(data), int64(len(data))); err != nil {
		return fmt.Errorf("remote: push %s: %w", key, err)
	}
	return nil
}

func (m *Mirror) pushFile(ctx context.Context, base, dir, rel string) (entryFile, error) {
	f, err := os.Open(filepath.Join(dir, filepath.FromSlash(rel)))
	if err != nil {
		return entryFile{}, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return entryFile{}, err
	}
	if err := m.store.put(ctx, base+"/files/"+rel, f, fi.Size()); err != nil {
		return entryFile{}, err
	}
	return entryFile{Path: rel, Mode: fi.Mode().Perm(), Size: fi.Size()}, nil
}

// Fetch downloads an entry into dir. A missing manifest is reported as
// buildroot.ErrNotMirrored.
func (m *Mirror) Fetch(ctx context.Context, key buildroot.Key, fp fingerprint.Fingerprint, dir string) ([]string, error) {
	if err := m.ready(ctx); err != nil {
		return nil, err
	}
	base := m.entryPrefix(key, fp)
	r, err := m.store.get(ctx, base+"/"+entryObject)
	if errors.Is(err, errNotFound) {
		return nil, fmt.Errorf("remote: %s: %w", key, buildroot.ErrNotMirrored)
	}
	if err != nil {
		return nil, fmt.Errorf("remote: fetch %s: %w", key, err)
	}
	var man entryManifest
	err = json.NewDecoder(r).Decode(&man)
	r.Close()
	if err != nil {
		return nil, fmt.Errorf("remote: fetch %s: bad manifest: %w", key, err)
	}
	if man.Fingerprint != fp {
		return nil, fmt.Errorf("remote: fetch %s: manifest is for %s", key, man.Fingerprint.Short())
	}

	paths := make([]string, 0, len(man.Files))
	for _, f := range man.Files {
		if err := checkPath(f.Path); err != nil {
			return nil, err
		}
		if err := m.fetchFile(ctx, base, dir, f); err != nil {
			return nil, fmt.Errorf("remote: fetch %s %s: %w", key, f.Path, err)
		}
		paths = append(paths, f.Path)
	}
	return paths, nil
}

func (m *Mirror) fetchFile(ctx context.Context, base, dir string, f entryFile) error {
	r, err := m.store.get(ctx, base+"/files/"+f.Path)
	if err != nil {
		return err
	}
	defer r.Close()

	dst := filepath.Join(dir, filepath.FromSlash(f.Path))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	mode := f.Mode.Perm()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if n != f.Size {
		return fmt.Errorf("got %d bytes, want %d", n, f.Size)
	}
	return nil
}

// checkPath rejects artifact paths that could escape the entry directory.
func checkPath(rel string) error {
	if rel == "" || path.IsAbs(rel) || path.Clean(rel) != rel || strings.HasPrefix(rel, "../") || rel == ".." {
		return fmt.Errorf("remote: invalid artifact path %q", rel)
	}
	if err := module.CheckFilePath(rel); err != nil {
		return fmt.Errorf("remote: invalid artifact path %q: %w", rel, err)
	}
	return nil
}
