// Package hosttool builds the code generators that run on the build
// machine. Host tools are always compiled with the host toolchain, even
// when host and target are the same compiler.
package hosttool

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/goplus/qtbuild/internal/buildroot"
	"github.com/goplus/qtbuild/internal/configure"
	"github.com/goplus/qtbuild/internal/ctxlog"
	"github.com/goplus/qtbuild/internal/fingerprint"
	"github.com/goplus/qtbuild/internal/manifest"
	"github.com/goplus/qtbuild/internal/toolchain"
)

// BuildError reports a host tool that failed to build. Modules whose code
// generation needs the tool cannot be built.
type BuildError struct {
	Tool string
	Err  error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("host tool %s: %v", e.Tool, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// Tool is a built host tool.
type Tool struct {
	Name        string
	Path        string // absolute path of the executable
	Fingerprint fingerprint.Fingerprint
	Cached      bool
}

// Builder builds host tools into a build root.
type Builder struct {
	root    *buildroot.Root
	host    toolchain.Toolchain
	headers *configure.HeaderSet
	builds  atomic.Int64
}

// NewBuilder returns a Builder compiling with host. headers are the
// configuration headers tool sources are compiled against; they must have
// been probed on the host toolchain, so a target change never reaches a
// tool.
func NewBuilder(root *buildroot.Root, host toolchain.Toolchain, headers *configure.HeaderSet) (*Builder, error) {
	if host == nil {
		return nil, errors.New("hosttool: no host toolchain")
	}
	if kind := host.Identity().Kind; kind != toolchain.Host {
		return nil, fmt.Errorf("hosttool: host tools need the host toolchain, got %s", kind)
	}
	if headers != nil && headers.Kind != toolchain.Host {
		return nil, fmt.Errorf("hosttool: configuration headers were probed on the %s toolchain", headers.Kind)
	}
	return &Builder{root: root, host: host, headers: headers}, nil
}

// Builds returns how many tools were actually compiled.
func (b *Builder) Builds() int {
	return int(b.builds.Load())
}

// Key returns the build root key of a tool.
func Key(name string) buildroot.Key {
	return buildroot.Key{Kind: buildroot.KindTool, Name: name}
}

// Fingerprint returns the fingerprint of t built by b.
func (b *Builder) Fingerprint(t *manifest.HostTool) (fingerprint.Fingerprint, error) {
	h := fingerprint.New(string(buildroot.KindTool))
	h.Add("name", t.Name)
	h.Add("toolchain", b.host.Identity().Fields()...)
	if b.headers != nil {
		h.Add("config", b.headers.Fingerprint.String())
	}
	h.Add("sources", t.Sources...)
	if err := h.AddFiles("source_content", t.Sources); err != nil {
		return "", err
	}
	h.Add("include_dirs", t.IncludeDirs...)
	for _, dir := range t.IncludeDirs {
		if err := h.AddDir("include:"+dir, dir); err != nil {
			return "", err
		}
	}
	h.AddMap("defines", t.Defines)
	h.Add("flags", t.Flags...)
	h.Add("libs", t.Libs...)
	return h.Sum(), nil
}

// EnsureBuilt returns the tool, building it unless a build with the same
// fingerprint is recorded. Failures are returned as *BuildError.
func (b *Builder) EnsureBuilt(ctx context.Context, t *manifest.HostTool) (*Tool, error) {
	tool, err := b.ensureBuilt(ctx, t)
	if err != nil {
		var be *BuildError
		if errors.As(err, &be) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, &BuildError{Tool: t.Name, Err: err}
	}
	return tool, nil
}

func (b *Builder) ensureBuilt(ctx context.Context, t *manifest.HostTool) (*Tool, error) {
	logger := ctxlog.FromContext(ctx).With("tool", t.Name)
	key := Key(t.Name)

	fp, err := b.Fingerprint(t)
	if err != nil {
		return nil, err
	}
	if tool, ok := b.lookup(t.Name, fp); ok {
		logger.Debug("Host tool up to date.", "fingerprint", fp.Short())
		return tool, nil
	}

	lease, err := b.root.Reserve(ctx, key, buildroot.Wait)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	if tool, ok := b.lookup(t.Name, fp); ok {
		return tool, nil
	}
	if entry, ok := lease.Restore(ctx, fp); ok {
		return toolOf(t.Name, entry, true)
	}

	logger.Info("Building host tool.", "toolchain", b.host.Identity().String())
	staged, err := lease.Stage()
	if err != nil {
		return nil, err
	}

	var includeDirs []string
	if b.headers != nil {
		includeDirs = append(includeDirs, b.headers.IncludeDirs()...)
	}
	includeDirs = append(includeDirs, t.IncludeDirs...)
	defines := toolchain.Defines(t.Defines)

	objects := make([]string, len(t.Sources))
	for i, src := range t.Sources {
		objects[i] = filepath.Join(staged, "obj", strconv.Itoa(i)+"-"+filepath.Base(src)+".o")
		err := b.host.Compile(ctx, toolchain.CompileRequest{
			Source:      src,
			Object:      objects[i],
			IncludeDirs: includeDirs,
			Defines:     defines,
			Flags:       t.Flags,
		})
		if err != nil {
			return nil, &BuildError{Tool: t.Name, Err: fmt.Errorf("compile %s: %w", src, err)}
		}
	}

	exe := "bin/" + t.Name + toolchain.ExeSuffix(b.host.Identity())
	if err := b.host.Link(ctx, filepath.Join(staged, filepath.FromSlash(exe)), objects, t.Libs); err != nil {
		return nil, &BuildError{Tool: t.Name, Err: fmt.Errorf("link: %w", err)}
	}

	entry, err := lease.Record(ctx, fp, staged, []string{exe})
	if err != nil {
		return nil, err
	}
	b.builds.Add(1)
	return toolOf(t.Name, entry, false)
}

func (b *Builder) lookup(name string, fp fingerprint.Fingerprint) (*Tool, bool) {
	entry, ok := b.root.Lookup(Key(name))
	if !ok || entry.Fingerprint != fp {
		return nil, false
	}
	tool, err := toolOf(name, entry, true)
	return tool, err == nil
}

func toolOf(name string, entry *buildroot.Entry, cached bool) (*Tool, error) {
	if len(entry.Paths) != 1 {
		return nil, fmt.Errorf("hosttool: %s: malformed entry with %d files", name, len(entry.Paths))
	}
	return &Tool{
		Name:        name,
		Path:        entry.Path(entry.Paths[0]),
		Fingerprint: entry.Fingerprint,
		Cached:      cached,
	}, nil
}
