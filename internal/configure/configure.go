// Package configure generates the platform and feature configuration
// headers every toolkit source needs before it can be parsed.
package configure

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/goplus/qtbuild/internal/buildroot"
	"github.com/goplus/qtbuild/internal/ctxlog"
	"github.com/goplus/qtbuild/internal/fingerprint"
	"github.com/goplus/qtbuild/internal/manifest"
	"github.com/goplus/qtbuild/internal/toolchain"
)

// Build root keys of the header sets. Modules compile against the target
// set, host tools against the host set.
var (
	Key     = buildroot.Key{Kind: buildroot.KindConfig, Name: "headers"}
	HostKey = buildroot.Key{Kind: buildroot.KindConfig, Name: "host-headers"}
)

// KeyFor returns the key of the header set probed with a toolchain of kind.
func KeyFor(kind toolchain.Kind) buildroot.Key {
	if kind == toolchain.Host {
		return HostKey
	}
	return Key
}

// ProbeInputs are everything the header set depends on. Probes run on
// Toolchain, and the set is stored under the key of its kind.
type ProbeInputs struct {
	Toolchain toolchain.Toolchain
	Config    manifest.Configure
}

// HeaderSet is a generated configuration header set.
type HeaderSet struct {
	Kind        toolchain.Kind // toolchain the probes ran on
	Fingerprint fingerprint.Fingerprint
	Dir         string            // include root holding QtCore/...
	Headers     map[string]string // logical name -> content
	Cached      bool              // reused from an earlier generation
}

// IncludeDirs returns the directories a compile needs to see the headers.
func (h *HeaderSet) IncludeDirs() []string {
	return []string{h.Dir, filepath.Join(h.Dir, "QtCore")}
}

// Generator produces the header set once per build root.
type Generator struct {
	root   *buildroot.Root
	builds atomic.Int64
}

// NewGenerator returns a Generator storing its output in root.
func NewGenerator(root *buildroot.Root) *Generator {
	return &Generator{root: root}
}

// Builds returns how many times probes actually ran.
func (g *Generator) Builds() int {
	return int(g.builds.Load())
}

// Fingerprint returns the fingerprint of the header set for in.
func Fingerprint(in ProbeInputs) (fingerprint.Fingerprint, error) {
	cfg := in.Config
	h := fingerprint.New(string(buildroot.KindConfig))
	h.Add("toolchain", in.Toolchain.Identity().Fields()...)
	h.AddBoolMap("global_features", cfg.GlobalFeatures)
	h.AddBoolMap("global_private_features", cfg.GlobalPrivateFeatures)
	h.AddMap("global_defines", cfg.GlobalDefines)
	h.AddBoolMap("core_features", cfg.CoreFeatures)
	h.AddBoolMap("core_private_features", cfg.CorePrivateFeatures)
	h.AddMap("core_defines", cfg.CoreDefines)
	h.Add("min_compiler_version", cfg.MinCompilerVersion)
	for _, sh := range cfg.SystemHeaders {
		h.Add("system_header", sh.Header, sh.Feature, fmt.Sprint(sh.Required))
	}
	h.Add("platform_defs", cfg.PlatformDefs)
	if cfg.PlatformDefs != "" {
		if err := h.AddFiles("platform_defs_content", []string{cfg.PlatformDefs}); err != nil {
			return "", &ProbeFailedError{Probe: "platform", Detail: "platform definitions: " + err.Error()}
		}
	}
	return h.Sum(), nil
}

// Generate returns the header set for in, running the probes only when no
// header set with the same fingerprint is recorded. Concurrent callers
// share one generation.
func (g *Generator) Generate(ctx context.Context, in ProbeInputs) (*HeaderSet, error) {
	logger := ctxlog.FromContext(ctx)
	if in.Toolchain == nil {
		return nil, errors.New("configure: no probe toolchain")
	}
	kind := in.Toolchain.Identity().Kind
	if kind != toolchain.Host && kind != toolchain.Target {
		return nil, fmt.Errorf("configure: unknown toolchain kind %s", kind)
	}
	key := KeyFor(kind)

	fp, err := Fingerprint(in)
	if err != nil {
		return nil, err
	}
	if hs, ok := g.lookup(key, kind, fp); ok {
		logger.Debug("Configuration headers up to date.", "kind", kind.String(), "fingerprint", fp.Short())
		return hs, nil
	}

	lease, err := g.root.Reserve(ctx, key, buildroot.Wait)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	if hs, ok := g.lookup(key, kind, fp); ok {
		return hs, nil
	}
	if entry, ok := lease.Restore(ctx, fp); ok {
		return load(kind, entry)
	}

	logger.Info("Generating configuration headers.", "toolchain", in.Toolchain.Identity().String())
	probeDir, err := lease.Stage()
	if err != nil {
		return nil, err
	}
	probes, err := runProbes(ctx, in.Toolchain, in.Config, probeDir)
	if err != nil {
		return nil, err
	}

	staged, err := lease.Stage()
	if err != nil {
		return nil, err
	}
	headers := Render(in.Config, probes)
	paths := make([]string, 0, len(headers))
	for name, content := range headers {
		p := filepath.Join(staged, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			return nil, err
		}
		paths = append(paths, name)
	}
	sort.Strings(paths)

	entry, err := lease.Record(ctx, fp, staged, paths)
	if err != nil {
		return nil, err
	}
	g.builds.Add(1)
	return &HeaderSet{Kind: kind, Fingerprint: fp, Dir: entry.Dir, Headers: headers}, nil
}

func (g *Generator) lookup(key buildroot.Key, kind toolchain.Kind, fp fingerprint.Fingerprint) (*HeaderSet, bool) {
	entry, ok := g.root.Lookup(key)
	if !ok || entry.Fingerprint != fp {
		return nil, false
	}
	hs, err := load(kind, entry)
	if err != nil {
		return nil, false
	}
	return hs, true
}

func load(kind toolchain.Kind, entry *buildroot.Entry) (*HeaderSet, error) {
	headers := make(map[string]string, len(entry.Paths))
	for _, p := range entry.Paths {
		data, err := os.ReadFile(entry.Path(p))
		if err != nil {
			return nil, err
		}
		headers[p] = string(data)
	}
	return &HeaderSet{Kind: kind, Fingerprint: entry.Fingerprint, Dir: entry.Dir, Headers: headers, Cached: true}, nil
}
