// Package toolchain abstracts the C++ compilers used by a build.
//
// Every Toolchain carries an explicit Kind. Host toolchains produce code
// that runs on the build machine (code generators); target toolchains
// produce the libraries being built. The two are never interchangeable, even
// when they invoke the same compiler binary.
package toolchain

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Kind says which machine a toolchain produces code for.
type Kind int

const (
	Host Kind = iota
	Target
)

func (k Kind) String() string {
	switch k {
	case Host:
		return "host"
	case Target:
		return "target"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Identity describes a toolchain for fingerprinting and platform probes.
type Identity struct {
	Kind     Kind
	Compiler string // "gcc", "clang", ...
	Version  string
	Triple   string // e.g. x86_64-pc-linux-gnu
	OS       string
	Arch     string
}

// Fields returns the identity as a flat list for hashing.
func (id Identity) Fields() []string {
	return []string{id.Kind.String(), id.Compiler, id.Version, id.Triple, id.OS, id.Arch}
}

func (id Identity) String() string {
	return fmt.Sprintf("%s %s %s (%s)", id.Kind, id.Compiler, id.Version, id.Triple)
}

// Define is a preprocessor definition. An empty Value defines Name with no
// value.
type Define struct {
	Name  string
	Value string
}

// Flag renders d as a compiler command-line flag.
func (d Define) Flag() string {
	if d.Value == "" {
		return "-D" + d.Name
	}
	return "-D" + d.Name + "=" + d.Value
}

// CompileRequest describes one translation unit.
type CompileRequest struct {
	Source      string
	Object      string
	IncludeDirs []string
	Defines     []Define
	Flags       []string
}

// Toolchain compiles, archives and links for one machine.
type Toolchain interface {
	Identity() Identity

	// Compile compiles one translation unit into an object file.
	// A failing compiler invocation is reported as *CommandError.
	Compile(ctx context.Context, req CompileRequest) error

	// Archive packs objects into a static library.
	Archive(ctx context.Context, lib string, objects []string) error

	// Link links objects and libraries into an executable.
	Link(ctx context.Context, exe string, objects []string, libs []string) error
}

// ExeSuffix returns the executable file suffix for an identity's OS.
func ExeSuffix(id Identity) string {
	if id.OS == "windows" {
		return ".exe"
	}
	return ""
}

// ParseTriple extracts the operating system and architecture from a
// target triple such as x86_64-pc-linux-gnu or aarch64-apple-darwin23.
func ParseTriple(triple string) (os, arch string) {
	parts := strings.Split(strings.TrimSpace(triple), "-")
	if len(parts) == 0 || parts[0] == "" {
		return "", ""
	}
	arch = parts[0]
	for _, p := range parts[1:] {
		switch {
		case p == "linux":
			os = "linux"
		case p == "android" || strings.HasPrefix(p, "android"):
			os = "android"
		case strings.HasPrefix(p, "darwin") || strings.HasPrefix(p, "macos"):
			os = "darwin"
		case p == "windows" || strings.HasPrefix(p, "mingw"):
			os = "windows"
		case strings.HasPrefix(p, "freebsd"):
			os = "freebsd"
		case strings.HasPrefix(p, "netbsd"):
			os = "netbsd"
		case strings.HasPrefix(p, "openbsd"):
			os = "openbsd"
		}
		if os == "android" {
			break
		}
	}
	return os, arch
}

// Defines converts a name/value map into Defines sorted by name.
func Defines(m map[string]string) []Define {
	defs := make([]Define, 0, len(m))
	for k, v := range m {
		defs = append(defs, Define{Name: k, Value: v})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}
