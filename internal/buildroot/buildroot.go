// Package buildroot owns the shared build directory.
//
// Build root layout:
//
//	root/
//	  layout.json                 # {layout_version, toolkit_version}
//	  config/ tools/ gen/ modules/
//	    <name>/
//	      record.json             # current fingerprint and artifact paths
//	      <fingerprint>/...       # artifact files, content addressed
//	  tmp/<kind>/<name>/stage-*   # staging, renamed into place on Record
//	  locks/<kind>/<name>.lock    # one lock file per key
//
// All mutation of a key happens under a Lease obtained from Reserve, which
// excludes other goroutines and other processes. Lookup takes no locks: a
// record is replaced by rename, and it only ever names a fully renamed
// fingerprint directory.
package buildroot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/goplus/qtbuild/internal/buildroot/lockedfile"
	"github.com/goplus/qtbuild/internal/ctxlog"
	"github.com/goplus/qtbuild/internal/fingerprint"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/mod/module"
	"golang.org/x/mod/semver"
)

// LayoutVersion is the on-disk layout produced by this package.
const LayoutVersion = 1

const (
	layoutFile = "layout.json"
	recordFile = "record.json"
	tmpDir     = "tmp"
	locksDir   = "locks"
	stagePfx   = "stage-"
)

// Kind is the kind of artifact stored under a key.
type Kind string

const (
	KindConfig    Kind = "config"
	KindTool      Kind = "tools"
	KindGenerated Kind = "gen"
	KindModule    Kind = "modules"
)

var kinds = []Kind{KindConfig, KindTool, KindGenerated, KindModule}

func (k Kind) valid() bool {
	for _, kind := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Key addresses one unit of cached work: the configuration header set, a
// host tool, a generated source or a module.
type Key struct {
	Kind Kind
	Name string
}

func (k Key) String() string {
	return string(k.Kind) + ":" + k.Name
}

// Validate checks that k names a storable entry. Names may contain '/'.
func (k Key) Validate() error {
	if !k.Kind.valid() {
		return fmt.Errorf("buildroot: invalid key kind %q", k.Kind)
	}
	if err := module.CheckFilePath(k.Name); err != nil {
		return fmt.Errorf("buildroot: invalid key name %q: %w", k.Name, err)
	}
	return nil
}

// Options configures Open.
type Options struct {
	// ToolkitVersion is the toolkit release this root serves. A root
	// recorded for a different version is a RootConflict.
	ToolkitVersion string

	// Mirror, if set, is consulted by Lease.Restore and receives every
	// recorded entry.
	Mirror Mirror

	// RecordCacheSize bounds the in-memory cache of decoded records.
	RecordCacheSize int
}

type layout struct {
	LayoutVersion  int    `json:"layout_version"`
	ToolkitVersion string `json:"toolkit_version,omitempty"`
}

// Root is an open build root. It is safe for concurrent use.
type Root struct {
	dir            string
	toolkitVersion string
	mirror         Mirror
	records        *lru.Cache[Key, cachedRecord]

	mu     sync.Mutex
	leased map[Key]bool
}

// Open opens the build root at dir, creating its layout if absent.
func Open(ctx context.Context, dir string, opts Options) (*Root, error) {
	if dir == "" {
		return nil, errors.New("buildroot: empty root path")
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("buildroot: %w", err)
	}

	size := opts.RecordCacheSize
	if size <= 0 {
		size = 1024
	}
	records, err := lru.New[Key, cachedRecord](size)
	if err != nil {
		return nil, err
	}

	r := &Root{
		dir:     dir,
		mirror:  opts.Mirror,
		records: records,
		leased:  make(map[Key]bool),
	}
	toolkit, err := r.checkLayout(opts.ToolkitVersion)
	if err != nil {
		return nil, err
	}
	r.toolkitVersion = toolkit

	for _, sub := range []string{tmpDir, locksDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("buildroot: %w", err)
		}
	}
	for _, kind := range kinds {
		if err := os.MkdirAll(filepath.Join(dir, string(kind)), 0o755); err != nil {
			return nil, fmt.Errorf("buildroot: %w", err)
		}
	}

	r.recoverStaging(ctx)
	return r, nil
}

// Dir returns the absolute path of the root.
func (r *Root) Dir() string {
	return r.dir
}

// ToolkitVersion returns the toolkit version recorded for this root.
func (r *Root) ToolkitVersion() string {
	return r.toolkitVersion
}

// CheckToolkit returns a *RootConflictError if the root serves a toolkit
// version other than version.
func (r *Root) CheckToolkit(version string) error {
	if version == "" || r.toolkitVersion == "" || sameVersion(r.toolkitVersion, version) {
		return nil
	}
	return &RootConflictError{
		Dir:    r.dir,
		Reason: fmt.Sprintf("root serves toolkit %s, build wants %s", r.toolkitVersion, version),
	}
}

// checkLayout reads layout.json, creating it on first use, and returns the
// toolkit version the root serves.
func (r *Root) checkLayout(toolkitVersion string) (string, error) {
	unlock, err := lockedfile.MutexAt(filepath.Join(r.dir, locksDir, "layout.lock")).Lock()
	if err != nil {
		return "", fmt.Errorf("buildroot: lock layout: %w", err)
	}
	defer unlock()

	path := filepath.Join(r.dir, layoutFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if entries, _ := os.ReadDir(r.dir); hasForeignEntries(entries) {
			return "", &RootConflictError{Dir: r.dir, Reason: "directory is not empty and has no " + layoutFile}
		}
		l := layout{LayoutVersion: LayoutVersion, ToolkitVersion: toolkitVersion}
		return toolkitVersion, writeJSON(path, &l)
	}
	if err != nil {
		return "", fmt.Errorf("buildroot: %w", err)
	}

	var l layout
	if err := json.Unmarshal(data, &l); err != nil {
		return "", &RootConflictError{Dir: r.dir, Reason: "unreadable " + layoutFile + ": " + err.Error()}
	}
	if l.LayoutVersion != LayoutVersion {
		return "", &RootConflictError{
			Dir:    r.dir,
			Reason: fmt.Sprintf("layout version %d, want %d", l.LayoutVersion, LayoutVersion),
		}
	}
	switch {
	case toolkitVersion == "":
		return l.ToolkitVersion, nil
	case l.ToolkitVersion == "":
		l.ToolkitVersion = toolkitVersion
		return toolkitVersion, writeJSON(path, &l)
	case !sameVersion(l.ToolkitVersion, toolkitVersion):
		return "", &RootConflictError{
			Dir:    r.dir,
			Reason: fmt.Sprintf("root serves toolkit %s, build wants %s", l.ToolkitVersion, toolkitVersion),
		}
	}
	return l.ToolkitVersion, nil
}

// hasForeignEntries reports whether a directory without a layout file
// holds anything besides what Open itself creates.
func hasForeignEntries(entries []fs.DirEntry) bool {
	for _, e := range entries {
		if e.Name() != locksDir {
			return true
		}
	}
	return false
}

// sameVersion compares toolkit versions semantically when both parse as
// semantic versions ("6.2" equals "6.2.0"), and textually otherwise.
func sameVersion(a, b string) bool {
	va, vb := "v"+strings.TrimPrefix(a, "v"), "v"+strings.TrimPrefix(b, "v")
	if semver.IsValid(va) && semver.IsValid(vb) {
		return semver.Compare(va, vb) == 0
	}
	return a == b
}

// Clean removes every cached entry. It must not run concurrently with
// builders using the root.
func (r *Root) Clean() error {
	for _, sub := range append([]Kind{tmpDir}, kinds...) {
		path := filepath.Join(r.dir, string(sub))
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("buildroot: clean: %w", err)
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("buildroot: clean: %w", err)
		}
	}
	r.records.Purge()
	return nil
}

// recoverStaging removes staging directories abandoned by crashed builders.
// A staging directory is abandoned when its key can be reserved.
func (r *Root) recoverStaging(ctx context.Context) {
	logger := ctxlog.FromContext(ctx)
	tmp := filepath.Join(r.dir, tmpDir)

	orphans := make(map[Key][]string)
	filepath.WalkDir(tmp, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() || !strings.HasPrefix(d.Name(), stagePfx) {
			return nil
		}
		rel, err := filepath.Rel(tmp, filepath.Dir(path))
		if err != nil {
			return filepath.SkipDir
		}
		kind, name, ok := strings.Cut(filepath.ToSlash(rel), "/")
		if ok {
			key := Key{Kind: Kind(kind), Name: name}
			orphans[key] = append(orphans[key], path)
		}
		return filepath.SkipDir
	})

	for key, dirs := range orphans {
		lease, err := r.tryReserve(key)
		if err != nil {
			continue
		}
		for _, dir := range dirs {
			logger.Debug("Removing abandoned staging directory.", "key", key.String(), "dir", dir)
			os.RemoveAll(dir)
		}
		lease.Release()
	}
}

func (r *Root) keyDir(key Key) string {
	return filepath.Join(r.dir, string(key.Kind), filepath.FromSlash(key.Name))
}

// EntryDir returns the directory an entry with fingerprint fp occupies
// once recorded.
func (r *Root) EntryDir(key Key, fp fingerprint.Fingerprint) string {
	return filepath.Join(r.keyDir(key), fp.String())
}

func (r *Root) recordPath(key Key) string {
	return filepath.Join(r.keyDir(key), recordFile)
}

func (r *Root) lockPath(key Key) string {
	return filepath.Join(r.dir, locksDir, string(key.Kind), filepath.FromSlash(key.Name)+".lock")
}

func (r *Root) stagingDir(key Key) string {
	return filepath.Join(r.dir, tmpDir, string(key.Kind), filepath.FromSlash(key.Name))
}

// writeJSON atomically replaces path with the JSON encoding of v.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
