// Package compile turns a module's sources into a static library
// artifact stored in the build root.
package compile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/goplus/qtbuild/internal/buildroot"
	"github.com/goplus/qtbuild/internal/codegen"
	"github.com/goplus/qtbuild/internal/configure"
	"github.com/goplus/qtbuild/internal/ctxlog"
	"github.com/goplus/qtbuild/internal/fingerprint"
	"github.com/goplus/qtbuild/internal/manifest"
	"github.com/goplus/qtbuild/internal/toolchain"
	"golang.org/x/sync/errgroup"
)

// Error reports a translation unit that failed to compile, or a failed
// archive step when File is empty.
type Error struct {
	Module     string
	File       string
	Diagnostic string
	Err        error
}

func (e *Error) Error() string {
	msg := strings.TrimSpace(e.Diagnostic)
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.File == "" {
		return fmt.Sprintf("module %s: %s", e.Module, msg)
	}
	return fmt.Sprintf("module %s: %s: %s", e.Module, filepath.Base(e.File), msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Artifact is a compiled module.
type Artifact struct {
	Module      string
	Fingerprint fingerprint.Fingerprint
	Dir         string
	Library     string   // absolute path of lib<name>.a
	// IncludeDirs are the include dirs exported to dependents: this
	// module's forwarding headers, then those of its dependencies.
	IncludeDirs []string

	// LinkLibs is the link order: this module's library, then its
	// dependencies' libraries, without duplicates.
	LinkLibs []string
	Cached   bool
}

// Compiler compiles modules with the target toolchain.
type Compiler struct {
	root   *buildroot.Root
	target toolchain.Toolchain
	jobs   int

	compiles atomic.Int64
	modules  atomic.Int64
}

// NewCompiler returns a Compiler running at most jobs translation units of
// one module in parallel.
func NewCompiler(root *buildroot.Root, target toolchain.Toolchain, jobs int) (*Compiler, error) {
	if target == nil {
		return nil, errors.New("compile: no target toolchain")
	}
	if kind := target.Identity().Kind; kind != toolchain.Target {
		return nil, fmt.Errorf("compile: modules need the target toolchain, got %s", kind)
	}
	if jobs <= 0 {
		jobs = 1
	}
	return &Compiler{root: root, target: target, jobs: jobs}, nil
}

// Compilations returns how many translation units were compiled.
func (c *Compiler) Compilations() int {
	return int(c.compiles.Load())
}

// Modules returns how many modules were actually built.
func (c *Compiler) Modules() int {
	return int(c.modules.Load())
}

// Key returns the build root key of a module.
func Key(name string) buildroot.Key {
	return buildroot.Key{Kind: buildroot.KindModule, Name: name}
}

func libraryPath(name string) string {
	return "lib/lib" + name + ".a"
}

// Fingerprint returns the fingerprint of m compiled against headers, its
// generated sources and its dependencies.
func (c *Compiler) Fingerprint(m *manifest.Module, headers *configure.HeaderSet, generated []*codegen.Source, deps []*Artifact) (fingerprint.Fingerprint, error) {
	h := fingerprint.New(string(buildroot.KindModule))
	h.Add("name", m.Name)
	h.Add("toolchain", c.target.Identity().Fields()...)
	if headers != nil {
		h.Add("config", headers.Fingerprint.String())
	}
	h.Add("sources", m.Sources...)
	if err := h.AddFiles("source_content", m.Sources); err != nil {
		return "", err
	}
	for _, g := range generated {
		h.Add("generated", g.Path, g.Fingerprint.String())
	}
	h.Add("include_dirs", m.IncludeDirs...)
	for _, dir := range m.IncludeDirs {
		if err := h.AddDir("include:"+dir, dir); err != nil {
			return "", err
		}
	}
	h.Add("headers", m.Headers, m.IncludePrefix)
	if err := h.AddDir("header_content", m.Headers); err != nil {
		return "", err
	}
	h.AddMap("defines", m.Defines)
	h.Add("flags", m.Flags...)
	for _, d := range deps {
		h.Add("dep", d.Module, d.Fingerprint.String())
	}
	return h.Sum(), nil
}

// Compile builds m unless an artifact with the same fingerprint is
// recorded. deps are the artifacts of m's direct dependencies. Failures
// are returned as *Error and are never retried.
func (c *Compiler) Compile(ctx context.Context, m *manifest.Module, headers *configure.HeaderSet, generated []*codegen.Source, deps []*Artifact) (*Artifact, error) {
	logger := ctxlog.FromContext(ctx).With("module", m.Name)
	key := Key(m.Name)

	fp, err := c.Fingerprint(m, headers, generated, deps)
	if err != nil {
		return nil, &Error{Module: m.Name, Err: err}
	}
	if a, ok := c.lookup(m, fp, deps); ok {
		logger.Debug("Module up to date.", "fingerprint", fp.Short())
		return a, nil
	}

	lease, err := c.root.Reserve(ctx, key, buildroot.Wait)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	if a, ok := c.lookup(m, fp, deps); ok {
		return a, nil
	}
	if entry, ok := lease.Restore(ctx, fp); ok {
		return artifactOf(m, entry, deps, true), nil
	}

	sources := append([]string{}, m.Sources...)
	for _, g := range generated {
		sources = append(sources, g.Path)
	}
	logger.Info("Compiling module.", "sources", len(sources))

	staged, err := lease.Stage()
	if err != nil {
		return nil, err
	}

	var paths []string
	var ownIncludes []string
	if m.Headers != "" {
		include := filepath.Join(staged, "include")
		written, err := configure.WriteForwardingHeaders(m.Headers, filepath.Join(include, m.IncludePrefix))
		if err != nil {
			return nil, &Error{Module: m.Name, Err: err}
		}
		for _, w := range written {
			paths = append(paths, "include/"+m.IncludePrefix+"/"+w)
		}
		ownIncludes = []string{include, filepath.Join(include, m.IncludePrefix), m.Headers}
	}

	var includeDirs []string
	if headers != nil {
		includeDirs = append(includeDirs, headers.IncludeDirs()...)
	}
	includeDirs = append(includeDirs, exportedIncludes(ownIncludes, deps)...)
	includeDirs = append(includeDirs, m.IncludeDirs...)
	defines := toolchain.Defines(m.Defines)

	objDir := filepath.Join(staged, "obj")
	objects := make([]string, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.jobs)
	for i, src := range sources {
		i, src := i, src
		objects[i] = filepath.Join(objDir, strconv.Itoa(i)+"-"+filepath.Base(src)+".o")
		g.Go(func() error {
			err := c.target.Compile(gctx, toolchain.CompileRequest{
				Source:      src,
				Object:      objects[i],
				IncludeDirs: includeDirs,
				Defines:     defines,
				Flags:       m.Flags,
			})
			if err != nil {
				return compileError(m.Name, src, err)
			}
			c.compiles.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	lib := libraryPath(m.Name)
	if err := c.target.Archive(ctx, filepath.Join(staged, filepath.FromSlash(lib)), objects); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, compileError(m.Name, "", err)
	}
	if err := os.RemoveAll(objDir); err != nil {
		return nil, err
	}
	paths = append([]string{lib}, paths...)

	entry, err := lease.Record(ctx, fp, staged, paths)
	if err != nil {
		return nil, err
	}
	c.modules.Add(1)
	return artifactOf(m, entry, deps, false), nil
}

func compileError(module, file string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	e := &Error{Module: module, File: file, Err: err}
	var ce *toolchain.CommandError
	if errors.As(err, &ce) {
		e.Diagnostic = ce.Stderr
	}
	return e
}

func (c *Compiler) lookup(m *manifest.Module, fp fingerprint.Fingerprint, deps []*Artifact) (*Artifact, bool) {
	entry, ok := c.root.Lookup(Key(m.Name))
	if !ok || entry.Fingerprint != fp {
		return nil, false
	}
	return artifactOf(m, entry, deps, true), true
}

func artifactOf(m *manifest.Module, entry *buildroot.Entry, deps []*Artifact, cached bool) *Artifact {
	a := &Artifact{
		Module:      m.Name,
		Fingerprint: entry.Fingerprint,
		Dir:         entry.Dir,
		Library:     entry.Path(libraryPath(m.Name)),
		Cached:      cached,
	}
	var own []string
	if m.Headers != "" {
		include := entry.Path("include")
		own = []string{include, filepath.Join(include, m.IncludePrefix), m.Headers}
	}
	a.IncludeDirs = exportedIncludes(own, deps)
	a.LinkLibs = LinkOrder(a.Library, deps)
	return a
}

// exportedIncludes returns own followed by the exported include dirs of
// deps, keeping the first occurrence of each dir.
func exportedIncludes(own []string, deps []*Artifact) []string {
	seen := make(map[string]bool)
	var dirs []string
	add := func(list []string) {
		for _, d := range list {
			if !seen[d] {
				seen[d] = true
				dirs = append(dirs, d)
			}
		}
	}
	add(own)
	for _, d := range deps {
		add(d.IncludeDirs)
	}
	return dirs
}

// LinkOrder returns lib followed by the link libraries of deps. A library
// listed more than once keeps its last position, so every library precedes
// the libraries it depends on.
func LinkOrder(lib string, deps []*Artifact) []string {
	all := []string{lib}
	for _, d := range deps {
		all = append(all, d.LinkLibs...)
	}
	last := make(map[string]int, len(all))
	for i, l := range all {
		last[l] = i
	}
	order := make([]string, 0, len(last))
	for i, l := range all {
		if last[l] == i {
			order = append(order, l)
		}
	}
	return order
}
