package toolchain

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// GCC drives gcc and clang compatible compiler drivers.
type GCC struct {
	cxx string
	ar  string
	std string
	env map[string]string
	id  Identity
}

var _ Toolchain = (*GCC)(nil)

// GCCOption configures a GCC toolchain.
type GCCOption func(*GCC)

// WithStd sets the C++ language standard, "c++17" by default.
func WithStd(std string) GCCOption {
	return func(g *GCC) {
		g.std = std
	}
}

// WithEnv sets an environment variable for every invocation.
func WithEnv(key, val string) GCCOption {
	return func(g *GCC) {
		if g.env == nil {
			g.env = map[string]string{}
		}
		g.env[key] = val
	}
}

// NewGCC identifies the compiler at cxx and returns a toolchain of the
// given kind. ar is the archiver; "ar" is used if empty.
func NewGCC(ctx context.Context, kind Kind, cxx, ar string, opts ...GCCOption) (*GCC, error) {
	if cxx == "" {
		cxx = "c++"
	}
	if ar == "" {
		ar = "ar"
	}
	g := &GCC{cxx: cxx, ar: ar, std: "c++17"}
	for _, opt := range opts {
		opt(g)
	}

	version, err := g.output(ctx, "-dumpversion")
	if err != nil {
		return nil, fmt.Errorf("identify %s toolchain %s: %w", kind, cxx, err)
	}
	triple, err := g.output(ctx, "-dumpmachine")
	if err != nil {
		return nil, fmt.Errorf("identify %s toolchain %s: %w", kind, cxx, err)
	}
	banner, err := g.output(ctx, "--version")
	if err != nil {
		return nil, fmt.Errorf("identify %s toolchain %s: %w", kind, cxx, err)
	}

	compiler := "gcc"
	if strings.Contains(strings.ToLower(firstLine(banner)), "clang") {
		compiler = "clang"
	}
	goos, arch := ParseTriple(triple)
	g.id = Identity{
		Kind:     kind,
		Compiler: compiler,
		Version:  version,
		Triple:   triple,
		OS:       goos,
		Arch:     arch,
	}
	return g, nil
}

func (g *GCC) Identity() Identity {
	return g.id
}

func (g *GCC) Compile(ctx context.Context, req CompileRequest) error {
	if err := os.MkdirAll(filepath.Dir(req.Object), 0o755); err != nil {
		return err
	}
	args := []string{"-std=" + g.std, "-c", "-fPIC"}
	for _, dir := range req.IncludeDirs {
		args = append(args, "-I"+dir)
	}
	for _, d := range req.Defines {
		args = append(args, d.Flag())
	}
	args = append(args, req.Flags...)
	args = append(args, "-o", req.Object, req.Source)
	_, err := g.command(g.cxx, args...).Run(ctx)
	return err
}

func (g *GCC) Archive(ctx context.Context, lib string, objects []string) error {
	if err := os.MkdirAll(filepath.Dir(lib), 0o755); err != nil {
		return err
	}
	// ar appends to an existing archive; start fresh.
	os.Remove(lib)
	args := append([]string{"rcs", lib}, objects...)
	_, err := g.command(g.ar, args...).Run(ctx)
	return err
}

func (g *GCC) Link(ctx context.Context, exe string, objects []string, libs []string) error {
	if err := os.MkdirAll(filepath.Dir(exe), 0o755); err != nil {
		return err
	}
	args := []string{"-o", exe}
	args = append(args, objects...)
	for _, lib := range libs {
		if strings.ContainsAny(lib, `/\`) {
			args = append(args, lib)
		} else {
			args = append(args, "-l"+lib)
		}
	}
	_, err := g.command(g.cxx, args...).Run(ctx)
	return err
}

func (g *GCC) command(name string, args ...string) Command {
	return Command{Path: name, Args: args, Env: g.env}
}

func (g *GCC) output(ctx context.Context, args ...string) (string, error) {
	out, err := g.command(g.cxx, args...).Run(ctx)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
