// Package lockedfile provides exclusive advisory locks backed by files, so
// that separate processes sharing a build root exclude each other.
package lockedfile

import (
	"errors"
	"os"
	"path/filepath"
)

// ErrLocked is returned by TryLock when another holder owns the lock.
var ErrLocked = errors.New("lockedfile: locked by another holder")

// A Mutex is a cross-process mutex keyed by a file path.
type Mutex struct {
	Path string
}

// MutexAt returns a Mutex locking the file at path. The file is created on
// first use.
func MutexAt(path string) *Mutex {
	return &Mutex{Path: path}
}

// Lock blocks until the lock is held.
func (mu *Mutex) Lock() (unlock func(), err error) {
	return mu.lock(true)
}

// TryLock acquires the lock without waiting. It returns ErrLocked if the
// lock is held elsewhere, including by another Mutex in this process.
func (mu *Mutex) TryLock() (unlock func(), err error) {
	return mu.lock(false)
}

func (mu *Mutex) lock(block bool) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(mu.Path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(mu.Path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f, block); err != nil {
		f.Close()
		return nil, err
	}
	return func() {
		unlockFile(f)
		f.Close()
	}, nil
}
