package buildroot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/goplus/qtbuild/internal/fingerprint"
)

// record is the JSON metadata stored next to an entry's fingerprint
// directories.
type record struct {
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	Paths       []string                `json:"paths"`
	BuildTime   time.Time               `json:"build_time"`
}

type cachedRecord struct {
	rec     *record
	modTime time.Time
	size    int64
}

// Entry is a recorded artifact.
type Entry struct {
	Key         Key
	Fingerprint fingerprint.Fingerprint
	Dir         string   // absolute entry directory
	Paths       []string // artifact files relative to Dir, slash separated
	BuildTime   time.Time
}

// Path returns the absolute path of rel inside the entry.
func (e *Entry) Path(rel string) string {
	return filepath.Join(e.Dir, filepath.FromSlash(rel))
}

// Files returns the absolute paths of every recorded artifact file.
func (e *Entry) Files() []string {
	files := make([]string, len(e.Paths))
	for i, p := range e.Paths {
		files[i] = e.Path(p)
	}
	return files
}

// Lookup returns the current entry for key. It never waits for a lease:
// an entry is reported only once it has been fully recorded and all of its
// artifact files exist.
func (r *Root) Lookup(key Key) (*Entry, bool) {
	if key.Validate() != nil {
		return nil, false
	}
	rec, ok := r.readRecord(key)
	if !ok || !fingerprint.Valid(rec.Fingerprint.String()) {
		return nil, false
	}
	entry := r.entryOf(key, rec)
	if fi, err := os.Stat(entry.Dir); err != nil || !fi.IsDir() {
		return nil, false
	}
	for _, p := range entry.Paths {
		if _, err := os.Stat(entry.Path(p)); err != nil {
			return nil, false
		}
	}
	return entry, true
}

func (r *Root) readRecord(key Key) (*record, bool) {
	path := r.recordPath(key)
	fi, err := os.Stat(path)
	if err != nil {
		r.records.Remove(key)
		return nil, false
	}
	if c, ok := r.records.Get(key); ok && c.modTime.Equal(fi.ModTime()) && c.size == fi.Size() {
		return c.rec, true
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false
	}
	r.records.Add(key, cachedRecord{rec: &rec, modTime: fi.ModTime(), size: fi.Size()})
	return &rec, true
}

func (r *Root) entryOf(key Key, rec *record) *Entry {
	return &Entry{
		Key:         key,
		Fingerprint: rec.Fingerprint,
		Dir:         r.EntryDir(key, rec.Fingerprint),
		Paths:       append([]string{}, rec.Paths...),
		BuildTime:   rec.BuildTime,
	}
}

// prune removes fingerprint directories of key other than keep.
func (r *Root) prune(key Key, keep fingerprint.Fingerprint) {
	entries, err := os.ReadDir(r.keyDir(key))
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() && e.Name() != keep.String() && fingerprint.Valid(e.Name()) {
			os.RemoveAll(filepath.Join(r.keyDir(key), e.Name()))
		}
	}
}
