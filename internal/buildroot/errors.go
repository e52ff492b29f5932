package buildroot

import (
	"errors"
	"fmt"
)

var (
	// ErrRootConflict matches *RootConflictError.
	ErrRootConflict = errors.New("incompatible build root")

	// ErrBusy matches *BusyError.
	ErrBusy = errors.New("key is reserved by another builder")

	// ErrNotMirrored is returned by a Mirror that has no copy of an entry.
	ErrNotMirrored = errors.New("entry not in mirror")
)

// RootConflictError reports a build root created with an incompatible
// layout or for a different toolkit version. Such a root cannot be reused;
// the caller needs a fresh one.
type RootConflictError struct {
	Dir    string
	Reason string
}

func (e *RootConflictError) Error() string {
	return fmt.Sprintf("buildroot: incompatible build root %s: %s", e.Dir, e.Reason)
}

func (e *RootConflictError) Is(target error) bool {
	return target == ErrRootConflict
}

// BusyError reports a key already reserved by a concurrent builder.
type BusyError struct {
	Key Key
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("buildroot: %s is reserved by another builder", e.Key)
}

func (e *BusyError) Is(target error) bool {
	return target == ErrBusy
}
