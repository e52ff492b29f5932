// Package fingerprint computes the content hashes that decide whether a
// cached build artifact is still valid.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/mod/sumdb/dirhash"
)

// formatVersion is mixed into every fingerprint. Bump it when the
// encoding below changes so old cache entries are never reused.
const formatVersion = "1"

// Fingerprint is a hex encoded SHA-256 over every input that can affect
// an artifact's content.
type Fingerprint string

func (f Fingerprint) String() string {
	return string(f)
}

// Short returns an abbreviated form for logs.
func (f Fingerprint) Short() string {
	if len(f) > 12 {
		return string(f[:12])
	}
	return string(f)
}

// Valid reports whether f looks like a fingerprint produced by Hasher.Sum.
func Valid(f string) bool {
	if len(f) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(f)
	return err == nil
}

// Hasher accumulates named fields. Fields are length prefixed, so no two
// different field sequences hash to the same byte stream.
type Hasher struct {
	h hash.Hash
}

// New returns a Hasher for the given artifact kind.
func New(kind string) *Hasher {
	h := &Hasher{h: sha256.New()}
	h.Add("qtbuild", kind, formatVersion)
	return h
}

// Add hashes a named list of values.
func (h *Hasher) Add(name string, values ...string) *Hasher {
	fmt.Fprintf(h.h, "%d:%s %d\n", len(name), name, len(values))
	for _, v := range values {
		fmt.Fprintf(h.h, "%d:%s\n", len(v), v)
	}
	return h
}

// AddMap hashes a map in key order.
func (h *Hasher) AddMap(name string, m map[string]string) *Hasher {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	kv := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		kv = append(kv, k, m[k])
	}
	return h.Add(name, kv...)
}

// AddBoolMap hashes a feature map in key order.
func (h *Hasher) AddBoolMap(name string, m map[string]bool) *Hasher {
	s := make(map[string]string, len(m))
	for k, v := range m {
		s[k] = fmt.Sprint(v)
	}
	return h.AddMap(name, s)
}

// AddFiles hashes the names and contents of files.
func (h *Hasher) AddFiles(name string, files []string) error {
	sum, err := Files(files)
	if err != nil {
		return err
	}
	h.Add(name, sum)
	return nil
}

// AddDir hashes every file below dir. A missing dir hashes as empty.
func (h *Hasher) AddDir(name, dir string) error {
	if dir == "" {
		h.Add(name)
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		h.Add(name)
		return nil
	}
	sum, err := dirhash.HashDir(dir, filepath.Base(dir), dirhash.Hash1)
	if err != nil {
		return fmt.Errorf("fingerprint: hash %s: %w", dir, err)
	}
	h.Add(name, sum)
	return nil
}

// Sum returns the fingerprint of everything added so far.
func (h *Hasher) Sum() Fingerprint {
	return Fingerprint(hex.EncodeToString(h.h.Sum(nil)))
}

// Files returns the dirhash "h1:" summary of the given files.
func Files(files []string) (string, error) {
	abs := make([]string, 0, len(files))
	for _, f := range files {
		p, err := filepath.Abs(f)
		if err != nil {
			return "", err
		}
		abs = append(abs, filepath.ToSlash(p))
	}
	sum, err := dirhash.Hash1(abs, func(name string) (io.ReadCloser, error) {
		return os.Open(filepath.FromSlash(name))
	})
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return sum, nil
}
