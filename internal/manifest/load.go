package manifest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/goplus/qtbuild/internal/ctxlog"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"golang.org/x/mod/module"
)

// FileExt is the extension of declaration files.
const FileExt = ".hcl"

// ErrNoDeclarations is returned when a directory has no declaration files.
var ErrNoDeclarations = errors.New("no declaration files")

// LoadOptions configures Load.
type LoadOptions struct {
	// SourceRoot overrides the root relative paths resolve against.
	// It defaults to the declaration directory.
	SourceRoot string

	// HostOS and HostArch default to the running platform.
	HostOS   string
	HostArch string
}

type hclFile struct {
	Toolkit   []*hclToolkit   `hcl:"toolkit,block"`
	Configure []*hclConfigure `hcl:"configure,block"`
	HostTools []*hclHostTool  `hcl:"host_tool,block"`
	Modules   []*hclModule    `hcl:"module,block"`
}

type hclToolkit struct {
	Version string `hcl:"version"`
}

type hclConfigure struct {
	PlatformDefs          string             `hcl:"platform_defs,optional"`
	GlobalFeatures        map[string]bool    `hcl:"global_features,optional"`
	GlobalPrivateFeatures map[string]bool    `hcl:"global_private_features,optional"`
	GlobalDefines         map[string]string  `hcl:"global_defines,optional"`
	CoreFeatures          map[string]bool    `hcl:"core_features,optional"`
	CorePrivateFeatures   map[string]bool    `hcl:"core_private_features,optional"`
	CoreDefines           map[string]string  `hcl:"core_defines,optional"`
	MinCompilerVersion    string             `hcl:"min_compiler_version,optional"`
	SystemHeaders         []*hclSystemHeader `hcl:"system_header,block"`
}

type hclSystemHeader struct {
	Header   string `hcl:"header,label"`
	Feature  string `hcl:"feature,optional"`
	Required bool   `hcl:"required,optional"`
}

type hclHostTool struct {
	Name        string            `hcl:"name,label"`
	Sources     []string          `hcl:"sources"`
	IncludeDirs []string          `hcl:"include_dirs,optional"`
	Defines     map[string]string `hcl:"defines,optional"`
	Flags       []string          `hcl:"flags,optional"`
	Libs        []string          `hcl:"libs,optional"`
}

type hclModule struct {
	Name          string            `hcl:"name,label"`
	Sources       []string          `hcl:"sources,optional"`
	Deps          []string          `hcl:"deps,optional"`
	IncludeDirs   []string          `hcl:"include_dirs,optional"`
	Defines       map[string]string `hcl:"defines,optional"`
	Flags         []string          `hcl:"flags,optional"`
	Headers       string            `hcl:"headers,optional"`
	IncludePrefix string            `hcl:"include_prefix,optional"`
	CodeGen       []*hclCodeGen     `hcl:"codegen,block"`
}

type hclCodeGen struct {
	Tool   string   `hcl:"tool,label"`
	Inputs []string `hcl:"inputs"`
	Args   []string `hcl:"args,optional"`
	Output string   `hcl:"output,optional"`
}

// Load parses every declaration file in dir and merges them into a
// Project. Files are read in name order.
func Load(ctx context.Context, dir string, opts LoadOptions) (*Project, error) {
	logger := ctxlog.FromContext(ctx)

	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	files, err := filepath.Glob(filepath.Join(dir, "*"+FileExt))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("manifest: %s: %w", dir, ErrNoDeclarations)
	}
	sort.Strings(files)

	root := opts.SourceRoot
	if root == "" {
		root = dir
	}
	if root, err = filepath.Abs(root); err != nil {
		return nil, err
	}
	if opts.HostOS == "" {
		opts.HostOS = runtime.GOOS
	}
	if opts.HostArch == "" {
		opts.HostArch = runtime.GOARCH
	}

	l := &loader{
		project: &Project{Dir: dir, SourceRoot: root},
		evalCtx: &hcl.EvalContext{
			Variables: map[string]cty.Value{
				"source_root": cty.StringVal(filepath.ToSlash(root)),
				"host_os":     cty.StringVal(opts.HostOS),
				"host_arch":   cty.StringVal(opts.HostArch),
			},
		},
		tools:   make(map[string]string),
		modules: make(map[string]string),
	}
	parser := hclparse.NewParser()
	for _, file := range files {
		logger.Debug("Loading declarations.", "file", file)
		if err := l.loadFile(parser, file); err != nil {
			return nil, err
		}
	}
	if err := l.check(); err != nil {
		return nil, err
	}

	logger.Debug("Loaded declarations.", "modules", len(l.project.Modules), "host_tools", len(l.project.HostTools))
	return l.project, nil
}

type loader struct {
	project *Project
	evalCtx *hcl.EvalContext

	toolkitFile   string
	configureFile string
	tools         map[string]string // name -> declaring file
	modules       map[string]string
}

func (l *loader) loadFile(parser *hclparse.Parser, file string) error {
	f, diags := parser.ParseHCLFile(file)
	if diags.HasErrors() {
		return fmt.Errorf("manifest: failed to parse %s: %w", file, diags)
	}
	var decoded hclFile
	if diags := gohcl.DecodeBody(f.Body, l.evalCtx, &decoded); diags.HasErrors() {
		return fmt.Errorf("manifest: failed to decode %s: %w", file, diags)
	}

	for _, t := range decoded.Toolkit {
		if l.toolkitFile != "" {
			return fmt.Errorf("manifest: %s: toolkit already declared in %s", file, l.toolkitFile)
		}
		l.toolkitFile = file
		l.project.Toolkit.Version = strings.TrimSpace(t.Version)
	}
	for _, c := range decoded.Configure {
		if l.configureFile != "" {
			return fmt.Errorf("manifest: %s: configure already declared in %s", file, l.configureFile)
		}
		l.configureFile = file
		cfg, err := l.configure(c)
		if err != nil {
			return fmt.Errorf("manifest: %s: %w", file, err)
		}
		l.project.Configure = cfg
	}
	for _, t := range decoded.HostTools {
		if prev, ok := l.tools[t.Name]; ok {
			return fmt.Errorf("manifest: %s: host tool %q already declared in %s", file, t.Name, prev)
		}
		l.tools[t.Name] = file
		tool, err := l.hostTool(t)
		if err != nil {
			return fmt.Errorf("manifest: %s: host tool %q: %w", file, t.Name, err)
		}
		l.project.HostTools = append(l.project.HostTools, tool)
	}
	for _, m := range decoded.Modules {
		if prev, ok := l.modules[m.Name]; ok {
			return fmt.Errorf("manifest: %s: module %q already declared in %s", file, m.Name, prev)
		}
		l.modules[m.Name] = file
		mod, err := l.module(m)
		if err != nil {
			return fmt.Errorf("manifest: %s: module %q: %w", file, m.Name, err)
		}
		l.project.Modules = append(l.project.Modules, mod)
	}
	return nil
}

func (l *loader) configure(c *hclConfigure) (Configure, error) {
	cfg := Configure{
		GlobalFeatures:        c.GlobalFeatures,
		GlobalPrivateFeatures: c.GlobalPrivateFeatures,
		GlobalDefines:         c.GlobalDefines,
		CoreFeatures:          c.CoreFeatures,
		CorePrivateFeatures:   c.CorePrivateFeatures,
		CoreDefines:           c.CoreDefines,
		MinCompilerVersion:    c.MinCompilerVersion,
	}
	if c.PlatformDefs != "" {
		cfg.PlatformDefs = l.path(c.PlatformDefs)
	}
	seen := make(map[string]bool)
	for _, h := range c.SystemHeaders {
		if seen[h.Header] {
			return cfg, fmt.Errorf("system header %q declared twice", h.Header)
		}
		seen[h.Header] = true
		cfg.SystemHeaders = append(cfg.SystemHeaders, SystemHeader{Header: h.Header, Feature: h.Feature, Required: h.Required})
	}
	return cfg, nil
}

// checkName reports whether name can address a host tool or module in
// the build root: a single, portable path element.
func checkName(name string) error {
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid name %q: must not contain path separators", name)
	}
	if err := module.CheckFilePath(name); err != nil {
		return fmt.Errorf("invalid name: %w", err)
	}
	return nil
}

func (l *loader) hostTool(t *hclHostTool) (*HostTool, error) {
	if err := checkName(t.Name); err != nil {
		return nil, err
	}
	sources, err := l.sources(t.Sources)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, errors.New("no sources")
	}
	libs := make([]string, len(t.Libs))
	for i, lib := range t.Libs {
		// Bare names are system libraries passed as -l.
		if strings.ContainsRune(lib, '/') {
			lib = l.path(lib)
		}
		libs[i] = lib
	}
	return &HostTool{
		Name:        t.Name,
		Sources:     sources,
		IncludeDirs: l.paths(t.IncludeDirs),
		Defines:     t.Defines,
		Flags:       t.Flags,
		Libs:        libs,
	}, nil
}

func (l *loader) module(m *hclModule) (*Module, error) {
	if err := checkName(m.Name); err != nil {
		return nil, err
	}
	sources, err := l.sources(m.Sources)
	if err != nil {
		return nil, err
	}
	mod := &Module{
		Name:          m.Name,
		Sources:       sources,
		Deps:          m.Deps,
		IncludeDirs:   l.paths(m.IncludeDirs),
		Defines:       m.Defines,
		Flags:         m.Flags,
		IncludePrefix: m.IncludePrefix,
	}
	if m.Headers != "" {
		mod.Headers = l.path(m.Headers)
		if mod.IncludePrefix == "" {
			mod.IncludePrefix = filepath.Base(mod.Headers)
		}
	}
	for _, cg := range m.CodeGen {
		inputs, err := l.sources(cg.Inputs)
		if err != nil {
			return nil, fmt.Errorf("codegen %q: %w", cg.Tool, err)
		}
		if len(inputs) == 0 {
			return nil, fmt.Errorf("codegen %q: no inputs", cg.Tool)
		}
		output := cg.Output
		if output == "" {
			output = cg.Tool + "_%s.cpp"
		}
		if !strings.Contains(output, "%s") && len(inputs) > 1 {
			return nil, fmt.Errorf("codegen %q: output %q must contain %%s for %d inputs", cg.Tool, output, len(inputs))
		}
		if strings.ContainsAny(output, `/\`) {
			return nil, fmt.Errorf("codegen %q: output %q must be a file name", cg.Tool, output)
		}
		mod.CodeGen = append(mod.CodeGen, &CodeGenRule{Tool: cg.Tool, Inputs: inputs, Args: cg.Args, Output: output})
	}
	if len(mod.Sources) == 0 && len(mod.CodeGen) == 0 {
		return nil, errors.New("no sources")
	}
	return mod, nil
}

// check validates references across files.
func (l *loader) check() error {
	if l.toolkitFile == "" {
		return errors.New("manifest: missing toolkit block")
	}
	if l.project.Toolkit.Version == "" {
		return fmt.Errorf("manifest: %s: empty toolkit version", l.toolkitFile)
	}
	for _, m := range l.project.Modules {
		for _, dep := range m.Deps {
			if dep == m.Name {
				return fmt.Errorf("manifest: module %q depends on itself", m.Name)
			}
		}
	}
	return nil
}

func (l *loader) path(p string) string {
	p = filepath.FromSlash(p)
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(l.project.SourceRoot, p)
}

func (l *loader) paths(ps []string) []string {
	if len(ps) == 0 {
		return nil
	}
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = l.path(p)
	}
	return out
}

// sources resolves paths, expanding glob patterns. A pattern that matches
// nothing is an error.
func (l *loader) sources(ps []string) ([]string, error) {
	var out []string
	for _, p := range ps {
		p = l.path(p)
		if !strings.ContainsAny(p, "*?[") {
			out = append(out, p)
			continue
		}
		matches, err := filepath.Glob(p)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", p, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("pattern %q matches no files: %w", p, os.ErrNotExist)
		}
		out = append(out, matches...)
	}
	return out, nil
}
