// Package toolchaintest provides an in-process Toolchain for tests.
//
// The fake "compiles" by copying sources into object files, so builds are
// fast and deterministic, and understands just enough C++ to drive the
// configuration probes:
//
//   - a source containing "#error" fails to compile;
//   - "#include <h>" fails when h is listed in MissingHeaders;
//   - "static_assert(sizeof(void*) == N" fails unless N == WordSize.
//
// Link writes a POSIX shell script that behaves like a code generator: it
// is invoked as "tool [args...] -o out input", copies input to out with a
// header line, and exits 3 if the input contains "CODEGEN_FAIL".
package toolchaintest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goplus/qtbuild/internal/toolchain"
)

// Op names a toolchain operation recorded in Events.
type Op string

const (
	OpCompile Op = "compile"
	OpArchive Op = "archive"
	OpLink    Op = "link"
)

// Event records one toolchain invocation.
type Event struct {
	Op     Op
	Input  string // source for compile, first object otherwise
	Output string
	Time   time.Time
}

// Fake is a deterministic Toolchain. It is safe for concurrent use.
type Fake struct {
	ID             toolchain.Identity
	WordSize       int
	MissingHeaders map[string]bool

	// OnCompile, if set, runs before every compile. A non-nil error fails
	// the compile.
	OnCompile func(req toolchain.CompileRequest) error

	mu     sync.Mutex
	events []Event
}

var _ toolchain.Toolchain = (*Fake)(nil)

// New returns a fake linux/x86_64 toolchain of the given kind.
func New(kind toolchain.Kind) *Fake {
	return &Fake{
		ID: toolchain.Identity{
			Kind:     kind,
			Compiler: "fake",
			Version:  "1.0.0",
			Triple:   "x86_64-pc-linux-gnu",
			OS:       "linux",
			Arch:     "x86_64",
		},
		WordSize:       8,
		MissingHeaders: map[string]bool{},
	}
}

func (f *Fake) Identity() toolchain.Identity {
	return f.ID
}

var (
	includeRe    = regexp.MustCompile(`#include\s*<([^>]+)>`)
	wordSizeRe   = regexp.MustCompile(`static_assert\(sizeof\(void\*\)\s*==\s*(\d+)`)
	errorDirecRe = regexp.MustCompile(`(?m)^\s*#error(.*)$`)
)

func (f *Fake) Compile(ctx context.Context, req toolchain.CompileRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.OnCompile != nil {
		if err := f.OnCompile(req); err != nil {
			return err
		}
	}
	src, err := os.ReadFile(req.Source)
	if err != nil {
		return f.fail(req.Source, err.Error())
	}
	text := string(src)

	if m := errorDirecRe.FindStringSubmatch(text); m != nil {
		return f.fail(req.Source, "#error"+m[1])
	}
	for _, m := range includeRe.FindAllStringSubmatch(text, -1) {
		if f.MissingHeaders[m[1]] {
			return f.fail(req.Source, fmt.Sprintf("fatal error: %s: No such file or directory", m[1]))
		}
	}
	for _, m := range wordSizeRe.FindAllStringSubmatch(text, -1) {
		if n, _ := strconv.Atoi(m[1]); n != f.WordSize {
			return f.fail(req.Source, "static assertion failed: pointer size")
		}
	}

	var obj strings.Builder
	for _, d := range req.Defines {
		obj.WriteString(d.Flag() + "\n")
	}
	obj.WriteString(text)
	if err := writeFile(req.Object, obj.String(), 0o644); err != nil {
		return err
	}
	f.record(OpCompile, req.Source, req.Object)
	return nil
}

func (f *Fake) Archive(ctx context.Context, lib string, objects []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var out strings.Builder
	for _, o := range objects {
		data, err := os.ReadFile(o)
		if err != nil {
			return err
		}
		out.Write(data)
	}
	if err := writeFile(lib, out.String(), 0o644); err != nil {
		return err
	}
	f.record(OpArchive, first(objects), lib)
	return nil
}

const generatorScript = `#!/bin/sh
out=""
in=""
while [ $# -gt 0 ]; do
	case "$1" in
	-o) out="$2"; shift 2 ;;
	*) in="$1"; shift ;;
	esac
done
if grep -q CODEGEN_FAIL "$in"; then
	echo "$in: cannot process input" >&2
	exit 3
fi
{ echo "// generated from $(basename "$in")"; cat "$in"; } > "$out"
`

func (f *Fake) Link(ctx context.Context, exe string, objects []string, libs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, o := range objects {
		data, err := os.ReadFile(o)
		if err != nil {
			return err
		}
		if strings.Contains(string(data), "LINK_FAIL") {
			return f.fail(exe, "undefined reference to `main'")
		}
	}
	if err := writeFile(exe, generatorScript, 0o755); err != nil {
		return err
	}
	f.record(OpLink, first(objects), exe)
	return nil
}

// Events returns a copy of the recorded invocations in order.
func (f *Fake) Events() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.events...)
}

// Count returns how many times op succeeded.
func (f *Fake) Count(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Op == op {
			n++
		}
	}
	return n
}

// Reset forgets recorded events.
func (f *Fake) Reset() {
	f.mu.Lock()
	f.events = nil
	f.mu.Unlock()
}

func (f *Fake) record(op Op, in, out string) {
	f.mu.Lock()
	f.events = append(f.events, Event{Op: op, Input: in, Output: out, Time: time.Now()})
	f.mu.Unlock()
}

func (f *Fake) fail(file, diag string) error {
	return &toolchain.CommandError{
		Name:     "fake-" + f.ID.Kind.String() + "-cc",
		Args:     []string{file},
		ExitCode: 1,
		Stderr:   file + ": error: " + diag,
		Err:      fmt.Errorf("exit status 1"),
	}
}

func writeFile(path, content string, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), perm)
}

func first(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}
