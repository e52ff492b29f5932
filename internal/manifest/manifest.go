// Package manifest loads the declarations that describe a source tree:
// the toolkit version, configuration inputs, host tools and modules.
//
// Declarations are HCL files:
//
//	toolkit { version = "6.2.0" }
//
//	configure {
//	  platform_defs = "qtbase/mkspecs/linux-g++/qplatformdefs.h"
//	  core_features = { thread = true }
//	  system_header "pthread.h" {
//	    feature  = "thread"
//	    required = true
//	  }
//	}
//
//	host_tool "moc" {
//	  sources = ["qtbase/src/tools/moc/*.cpp"]
//	}
//
//	module "gui" {
//	  sources = ["qtbase/src/gui/kernel/qguiapplication.cpp"]
//	  deps    = ["core"]
//	  codegen "moc" {
//	    inputs = ["qtbase/src/gui/kernel/qguiapplication.h"]
//	    output = "moc_%s.cpp"
//	  }
//	}
//
// Relative paths resolve against the source root. The variables
// source_root, host_os and host_arch are available in expressions.
package manifest

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Project is the merged content of a declaration directory.
type Project struct {
	Dir        string // directory holding the declaration files
	SourceRoot string // absolute root for relative paths

	Toolkit   Toolkit
	Configure Configure
	HostTools []*HostTool
	Modules   []*Module
}

// Toolkit identifies the toolkit release being built.
type Toolkit struct {
	Version string
}

// Configure holds the inputs of the configuration header set.
type Configure struct {
	// PlatformDefs is the platform definitions header forwarded to by
	// qplatformdefs.h. Empty means none.
	PlatformDefs string

	GlobalFeatures        map[string]bool
	GlobalPrivateFeatures map[string]bool
	GlobalDefines         map[string]string
	CoreFeatures          map[string]bool
	CorePrivateFeatures   map[string]bool
	CoreDefines           map[string]string

	// MinCompilerVersion is the oldest accepted target compiler version.
	MinCompilerVersion string

	SystemHeaders []SystemHeader
}

// SystemHeader is a header whose availability is probed. A required header
// that is missing fails configuration; an optional one turns its feature
// off.
type SystemHeader struct {
	Header   string
	Feature  string
	Required bool
}

// HostTool is a code generator built for the build machine.
type HostTool struct {
	Name        string
	Sources     []string
	IncludeDirs []string
	Defines     map[string]string
	Flags       []string
	Libs        []string
}

// Module is a unit of the tree compiled into one static library.
type Module struct {
	Name        string
	Sources     []string
	Deps        []string
	IncludeDirs []string
	Defines     map[string]string
	Flags       []string

	// Headers is the module's public header directory. Forwarding headers
	// for it are installed under IncludePrefix.
	Headers       string
	IncludePrefix string

	CodeGen []*CodeGenRule
}

// CodeGenRule runs Tool on every input. The generated sources are
// compiled into the module.
type CodeGenRule struct {
	Tool   string
	Inputs []string
	Args   []string

	// Output is the generated file name; "%s" is replaced by the input's
	// base name without extension.
	Output string
}

// OutputName returns the name of the file generated from input.
func (r *CodeGenRule) OutputName(input string) string {
	base := filepath.Base(input)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return strings.ReplaceAll(r.Output, "%s", stem)
}

// Tools returns the names of the host tools the module's rules use, in
// rule order without duplicates.
func (m *Module) Tools() []string {
	var tools []string
	seen := make(map[string]bool)
	for _, r := range m.CodeGen {
		if !seen[r.Tool] {
			seen[r.Tool] = true
			tools = append(tools, r.Tool)
		}
	}
	return tools
}

// Module returns the module named name, or nil.
func (p *Project) Module(name string) *Module {
	for _, m := range p.Modules {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// HostTool returns the host tool named name, or nil.
func (p *Project) HostTool(name string) *HostTool {
	for _, t := range p.HostTools {
		if t.Name == name {
			return t
		}
	}
	return nil
}

func (p *Project) String() string {
	return fmt.Sprintf("%s (toolkit %s, %d modules, %d host tools)", p.Dir, p.Toolkit.Version, len(p.Modules), len(p.HostTools))
}
