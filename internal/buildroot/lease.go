package buildroot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goplus/qtbuild/internal/buildroot/lockedfile"
	"github.com/goplus/qtbuild/internal/ctxlog"
	"github.com/goplus/qtbuild/internal/fingerprint"
)

// Policy decides what Reserve does when a key is already reserved.
type Policy int

const (
	// Wait blocks until the key is free or the context is done.
	Wait Policy = iota
	// FailFast returns a *BusyError immediately.
	FailFast
)

var pollInterval = 25 * time.Millisecond

// Reserve grants exclusive use of key until the returned Lease is released.
// At most one lease per key exists at a time across every goroutine and
// process using the root.
func (r *Root) Reserve(ctx context.Context, key Key, policy Policy) (*Lease, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	for {
		lease, err := r.tryReserve(key)
		if err == nil {
			return lease, nil
		}
		if policy == FailFast || !errors.Is(err, ErrBusy) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (r *Root) tryReserve(key Key) (*Lease, error) {
	r.mu.Lock()
	if r.leased[key] {
		r.mu.Unlock()
		return nil, &BusyError{Key: key}
	}
	r.leased[key] = true
	r.mu.Unlock()

	unlock, err := lockedfile.MutexAt(r.lockPath(key)).TryLock()
	if err != nil {
		r.mu.Lock()
		delete(r.leased, key)
		r.mu.Unlock()
		if errors.Is(err, lockedfile.ErrLocked) {
			return nil, &BusyError{Key: key}
		}
		return nil, fmt.Errorf("buildroot: reserve %s: %w", key, err)
	}
	return &Lease{root: r, key: key, unlock: unlock}, nil
}

// A Lease is the exclusive right to build one key. It must be released.
type Lease struct {
	root   *Root
	key    Key
	unlock func()

	mu       sync.Mutex
	staged   []string
	released bool
}

// Key returns the reserved key.
func (l *Lease) Key() Key {
	return l.key
}

// Stage creates a fresh staging directory for the key. Staged content
// becomes visible only through Record; Release discards it.
func (l *Lease) Stage() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return "", fmt.Errorf("buildroot: %s: lease released", l.key)
	}
	parent := l.root.stagingDir(l.key)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", err
	}
	dir, err := os.MkdirTemp(parent, stagePfx)
	if err != nil {
		return "", err
	}
	l.staged = append(l.staged, dir)
	return dir, nil
}

// Record moves a staged directory into place as the entry for fp and
// makes it the key's current record. paths are the artifact files relative
// to the staged directory; every one of them must exist.
func (l *Lease) Record(ctx context.Context, fp fingerprint.Fingerprint, staged string, paths []string) (*Entry, error) {
	entry, err := l.record(fp, staged, paths)
	if err != nil {
		return nil, err
	}
	if m := l.root.mirror; m != nil {
		if err := m.Push(ctx, l.key, fp, entry.Dir, entry.Paths); err != nil {
			ctxlog.FromContext(ctx).Warn("Failed to push entry to mirror.", "key", l.key.String(), "error", err)
		}
	}
	return entry, nil
}

func (l *Lease) record(fp fingerprint.Fingerprint, staged string, paths []string) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil, fmt.Errorf("buildroot: %s: lease released", l.key)
	}
	if !fingerprint.Valid(fp.String()) {
		return nil, fmt.Errorf("buildroot: %s: invalid fingerprint %q", l.key, fp)
	}
	for _, p := range paths {
		if _, err := os.Stat(filepath.Join(staged, filepath.FromSlash(p))); err != nil {
			return nil, fmt.Errorf("buildroot: %s: missing artifact: %w", l.key, err)
		}
	}

	final := l.root.EntryDir(l.key, fp)
	// A directory already at final was renamed in by a builder that died
	// before writing the record; it is not trusted.
	if err := os.RemoveAll(final); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return nil, err
	}
	if err := os.Rename(staged, final); err != nil {
		return nil, fmt.Errorf("buildroot: %s: %w", l.key, err)
	}
	l.forget(staged)

	rec := record{
		Fingerprint: fp,
		Paths:       append([]string{}, paths...),
		BuildTime:   time.Now().UTC(),
	}
	if err := writeJSON(l.root.recordPath(l.key), &rec); err != nil {
		return nil, fmt.Errorf("buildroot: %s: write record: %w", l.key, err)
	}
	l.root.records.Remove(l.key)
	l.root.prune(l.key, fp)

	return l.root.entryOf(l.key, &rec), nil
}

// Restore fetches an entry for fp from the mirror and records it. It
// reports false when no mirror is configured or the mirror has no copy.
// Mirror failures are logged and treated as a miss.
func (l *Lease) Restore(ctx context.Context, fp fingerprint.Fingerprint) (*Entry, bool) {
	m := l.root.mirror
	if m == nil {
		return nil, false
	}
	logger := ctxlog.FromContext(ctx)

	staged, err := l.Stage()
	if err != nil {
		return nil, false
	}
	paths, err := m.Fetch(ctx, l.key, fp, staged)
	if err != nil {
		if !errors.Is(err, ErrNotMirrored) {
			logger.Warn("Failed to fetch entry from mirror.", "key", l.key.String(), "error", err)
		}
		l.discard(staged)
		return nil, false
	}
	entry, err := l.record(fp, staged, paths)
	if err != nil {
		logger.Warn("Failed to record mirrored entry.", "key", l.key.String(), "error", err)
		l.discard(staged)
		return nil, false
	}
	logger.Debug("Restored entry from mirror.", "key", l.key.String(), "fingerprint", fp.Short())
	return entry, true
}

// Release discards unrecorded staging directories and frees the key.
// It is safe to call more than once.
func (l *Lease) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return
	}
	l.released = true
	for _, dir := range l.staged {
		os.RemoveAll(dir)
	}
	l.staged = nil

	l.unlock()
	l.root.mu.Lock()
	delete(l.root.leased, l.key)
	l.root.mu.Unlock()
}

func (l *Lease) discard(dir string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	os.RemoveAll(dir)
	l.forget(dir)
}

// forget drops dir from the staging list. l.mu must be held.
func (l *Lease) forget(dir string) {
	for i, d := range l.staged {
		if d == dir {
			l.staged = append(l.staged[:i], l.staged[i+1:]...)
			return
		}
	}
}
