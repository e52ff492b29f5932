package configure

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/goplus/qtbuild/internal/ctxlog"
	"github.com/goplus/qtbuild/internal/manifest"
	"github.com/goplus/qtbuild/internal/toolchain"
	"golang.org/x/sync/errgroup"
)

// ProbeFailedError reports a failed mandatory probe. Configuration cannot
// continue and no module can be built.
type ProbeFailedError struct {
	Probe  string // "compiler", "platform", "wordsize" or "header:<name>"
	Detail string
}

func (e *ProbeFailedError) Error() string {
	return fmt.Sprintf("configure: probe %s failed: %s", e.Probe, e.Detail)
}

// pointerSizes are tried in order by the wordsize probe.
var pointerSizes = []int{8, 4}

// runProbes runs the fixed probe set on tc, compiling probe sources in dir.
func runProbes(ctx context.Context, tc toolchain.Toolchain, cfg manifest.Configure, dir string) (*Probes, error) {
	logger := ctxlog.FromContext(ctx)
	id := tc.Identity()

	if id.Compiler == "" || id.Version == "" {
		return nil, &ProbeFailedError{Probe: "compiler", Detail: fmt.Sprintf("cannot identify %s compiler", id.Kind)}
	}
	if cfg.MinCompilerVersion != "" && !toolchain.VersionAtLeast(id.Version, cfg.MinCompilerVersion) {
		return nil, &ProbeFailedError{
			Probe:  "compiler",
			Detail: fmt.Sprintf("%s %s is older than required %s", id.Compiler, id.Version, cfg.MinCompilerVersion),
		}
	}

	if id.OS == "" || id.Arch == "" {
		return nil, &ProbeFailedError{Probe: "platform", Detail: fmt.Sprintf("unknown %s platform %q", id.Kind, id.Triple)}
	}
	if cfg.PlatformDefs != "" {
		if _, err := os.Stat(cfg.PlatformDefs); err != nil {
			return nil, &ProbeFailedError{Probe: "platform", Detail: "platform definitions: " + err.Error()}
		}
	}

	p := &Probes{Headers: make(map[string]bool, len(cfg.SystemHeaders))}
	for _, n := range pointerSizes {
		ok, _, err := tryCompile(ctx, tc, dir, "wordsize", "wordsize"+strconv.Itoa(n),
			fmt.Sprintf("static_assert(sizeof(void*) == %d, \"pointer size\");\n", n))
		if err != nil {
			return nil, err
		}
		if ok {
			p.PointerSize = n
			break
		}
	}
	if p.PointerSize == 0 {
		return nil, &ProbeFailedError{Probe: "wordsize", Detail: "pointer size is neither 8 nor 4 bytes"}
	}
	logger.Debug("Probed toolchain.", "toolchain", id.String(), "pointer_size", p.PointerSize)

	results := make([]bool, len(cfg.SystemHeaders))
	diags := make([]string, len(cfg.SystemHeaders))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, h := range cfg.SystemHeaders {
		i, h := i, h
		g.Go(func() error {
			ok, diag, err := tryCompile(gctx, tc, dir, "header:"+h.Header, fmt.Sprintf("header%d", i), "#include <"+h.Header+">\n")
			results[i], diags[i] = ok, diag
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, h := range cfg.SystemHeaders {
		p.Headers[h.Header] = results[i]
		if !results[i] && h.Required {
			return nil, &ProbeFailedError{Probe: "header:" + h.Header, Detail: firstLine(diags[i])}
		}
		logger.Debug("Probed system header.", "header", h.Header, "available", results[i])
	}
	return p, nil
}

// tryCompile compiles src for the named probe. A compiler diagnostic is a
// negative result, not an error. When the compiler cannot be run at all
// the probe fails with *ProbeFailedError, unless ctx is done.
func tryCompile(ctx context.Context, tc toolchain.Toolchain, dir, probe, name, src string) (ok bool, diag string, err error) {
	source := filepath.Join(dir, name+".cpp")
	if err := os.WriteFile(source, []byte(src), 0o644); err != nil {
		return false, "", &ProbeFailedError{Probe: probe, Detail: err.Error()}
	}
	err = tc.Compile(ctx, toolchain.CompileRequest{
		Source: source,
		Object: filepath.Join(dir, name+".o"),
	})
	var ce *toolchain.CommandError
	switch {
	case err == nil:
		return true, "", nil
	case ctx.Err() != nil:
		return false, "", ctx.Err()
	case errors.As(err, &ce):
		return false, ce.Stderr, nil
	}
	return false, "", &ProbeFailedError{Probe: probe, Detail: err.Error()}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	if s == "" {
		return "not found"
	}
	return s
}
