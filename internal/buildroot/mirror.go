package buildroot

import (
	"context"

	"github.com/goplus/qtbuild/internal/fingerprint"
)

// Mirror is a remote copy of recorded entries shared between machines.
type Mirror interface {
	// Fetch downloads the entry for (key, fp) into dir and returns the
	// artifact paths relative to dir. It returns an error matching
	// ErrNotMirrored when the mirror has no such entry.
	Fetch(ctx context.Context, key Key, fp fingerprint.Fingerprint, dir string) ([]string, error)

	// Push uploads a recorded entry.
	Push(ctx context.Context, key Key, fp fingerprint.Fingerprint, dir string, paths []string) error
}
