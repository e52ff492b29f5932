// Package plan orders the work of a build: host tool builds, code
// generation runs and module compilations.
package plan

import (
	"fmt"
	"strings"

	"github.com/goplus/qtbuild/internal/manifest"
)

// StepKind is the kind of work a Step performs.
type StepKind int

const (
	HostTool StepKind = iota
	CodeGen
	Compile
)

func (k StepKind) String() string {
	switch k {
	case HostTool:
		return "host-tool"
	case CodeGen:
		return "codegen"
	case Compile:
		return "compile"
	}
	return fmt.Sprintf("StepKind(%d)", int(k))
}

// Step is one unit of work. Deps are indices of steps in the same Plan that
// must succeed first; they are always smaller than the step's own index.
type Step struct {
	Kind   StepKind
	Module string // owning module; empty for host tools
	Tool   string // host tool; empty for compiles
	Input  string // codegen input
	Args   []string
	Output string // codegen output file name
	Deps   []int
}

func (s *Step) String() string {
	switch s.Kind {
	case HostTool:
		return "host-tool " + s.Tool
	case CodeGen:
		return fmt.Sprintf("codegen %s %s -> %s (%s)", s.Tool, s.Input, s.Output, s.Module)
	}
	return "compile " + s.Module
}

// Plan is an ordered list of steps.
type Plan struct {
	Steps   []*Step
	Modules []string // modules in build order
}

// Dependents returns, for every step, the indices of steps that depend on
// it directly.
func (p *Plan) Dependents() [][]int {
	out := make([][]int, len(p.Steps))
	for i, s := range p.Steps {
		for _, d := range s.Deps {
			out[d] = append(out[d], i)
		}
	}
	return out
}

// CompileStep returns the index of module's compile step, or -1.
func (p *Plan) CompileStep(module string) int {
	for i, s := range p.Steps {
		if s.Kind == Compile && s.Module == module {
			return i
		}
	}
	return -1
}

func (p *Plan) String() string {
	var b strings.Builder
	for i, s := range p.Steps {
		fmt.Fprintf(&b, "%3d  %s", i, s)
		if len(s.Deps) > 0 {
			deps := make([]string, len(s.Deps))
			for j, d := range s.Deps {
				deps[j] = fmt.Sprint(d)
			}
			fmt.Fprintf(&b, "  [after %s]", strings.Join(deps, ", "))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// CycleError reports a dependency cycle. Modules lists the cycle with its
// first module repeated at the end.
type CycleError struct {
	Modules []string
}

func (e *CycleError) Error() string {
	return "plan: dependency cycle: " + strings.Join(e.Modules, " -> ")
}

// UnknownError reports a reference to an undeclared module or host tool.
type UnknownError struct {
	Module string // referring module
	Kind   string // "module" or "host tool"
	Name   string
}

func (e *UnknownError) Error() string {
	if e.Kind == "module" {
		return fmt.Sprintf("plan: module %q depends on unknown module %q", e.Module, e.Name)
	}
	return fmt.Sprintf("plan: module %q uses unknown host tool %q", e.Module, e.Name)
}

// Resolve orders modules so that every module follows its dependencies,
// breaking ties by declaration order. A host tool step is placed right
// before the first module using it and code generation steps right before
// their module's compile step. It fails before any work is planned if a
// reference is unknown or the dependency graph has a cycle.
func Resolve(modules []*manifest.Module, tools []*manifest.HostTool) (*Plan, error) {
	byName := make(map[string]*manifest.Module, len(modules))
	for _, m := range modules {
		if _, dup := byName[m.Name]; dup {
			return nil, fmt.Errorf("plan: module %q declared twice", m.Name)
		}
		byName[m.Name] = m
	}
	toolNames := make(map[string]bool, len(tools))
	for _, t := range tools {
		toolNames[t.Name] = true
	}
	for _, m := range modules {
		for _, d := range m.Deps {
			if byName[d] == nil {
				return nil, &UnknownError{Module: m.Name, Kind: "module", Name: d}
			}
		}
		for _, r := range m.CodeGen {
			if !toolNames[r.Tool] {
				return nil, &UnknownError{Module: m.Name, Kind: "host tool", Name: r.Tool}
			}
		}
	}

	order, err := sortModules(modules, byName)
	if err != nil {
		return nil, err
	}

	p := &Plan{}
	toolStep := make(map[string]int)
	compileStep := make(map[string]int)
	add := func(s *Step) int {
		p.Steps = append(p.Steps, s)
		return len(p.Steps) - 1
	}
	for _, m := range order {
		for _, t := range m.Tools() {
			if _, ok := toolStep[t]; !ok {
				toolStep[t] = add(&Step{Kind: HostTool, Tool: t})
			}
		}
		var deps []int
		for _, r := range m.CodeGen {
			for _, in := range r.Inputs {
				deps = append(deps, add(&Step{
					Kind:   CodeGen,
					Module: m.Name,
					Tool:   r.Tool,
					Input:  in,
					Args:   r.Args,
					Output: r.OutputName(in),
					Deps:   []int{toolStep[r.Tool]},
				}))
			}
		}
		for _, d := range uniq(m.Deps) {
			deps = append(deps, compileStep[d])
		}
		compileStep[m.Name] = add(&Step{Kind: Compile, Module: m.Name, Deps: deps})
		p.Modules = append(p.Modules, m.Name)
	}
	return p, nil
}

// sortModules is Kahn's algorithm picking the earliest declared ready
// module at every round.
func sortModules(modules []*manifest.Module, byName map[string]*manifest.Module) ([]*manifest.Module, error) {
	done := make(map[string]bool, len(modules))
	order := make([]*manifest.Module, 0, len(modules))
	for len(order) < len(modules) {
		progressed := false
		for _, m := range modules {
			if done[m.Name] || !ready(m, done) {
				continue
			}
			done[m.Name] = true
			order = append(order, m)
			progressed = true
			break
		}
		if !progressed {
			return nil, &CycleError{Modules: findCycle(modules, byName, done)}
		}
	}
	return order, nil
}

func ready(m *manifest.Module, done map[string]bool) bool {
	for _, d := range m.Deps {
		if !done[d] {
			return false
		}
	}
	return true
}

// findCycle walks unresolved dependencies from the first unresolved module.
// Every unresolved module has an unresolved dependency, so the walk must
// revisit a module; the path from that module on is a cycle.
func findCycle(modules []*manifest.Module, byName map[string]*manifest.Module, done map[string]bool) []string {
	var start *manifest.Module
	for _, m := range modules {
		if !done[m.Name] {
			start = m
			break
		}
	}
	var path []string
	index := make(map[string]int)
	for cur := start; cur != nil; {
		if i, seen := index[cur.Name]; seen {
			return append(path[i:], cur.Name)
		}
		index[cur.Name] = len(path)
		path = append(path, cur.Name)
		var next *manifest.Module
		for _, d := range cur.Deps {
			if !done[d] {
				next = byName[d]
				break
			}
		}
		cur = next
	}
	return path
}

func uniq(s []string) []string {
	seen := make(map[string]bool, len(s))
	out := s[:0:0]
	for _, v := range s {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
