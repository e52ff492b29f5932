package build

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/goplus/qtbuild/internal/codegen"
	"github.com/goplus/qtbuild/internal/compile"
	"github.com/goplus/qtbuild/internal/configure"
	"github.com/goplus/qtbuild/internal/hosttool"
	"github.com/goplus/qtbuild/internal/plan"
	qerrors "github.com/qiniu/x/errors"
)

// Status is the outcome of a module, host tool or step.
type Status int

const (
	Built    Status = iota // built in this run
	Cached                 // reused from the build root
	Failed                 // attempted and failed
	Blocked                // not attempted because a dependency failed
	Canceled               // not finished because the build was canceled
)

func (s Status) String() string {
	switch s {
	case Built:
		return "built"
	case Cached:
		return "cached"
	case Failed:
		return "failed"
	case Blocked:
		return "blocked"
	case Canceled:
		return "canceled"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// OK reports whether s means the output is available.
func (s Status) OK() bool {
	return s == Built || s == Cached
}

// ModuleResult is the outcome of one module.
type ModuleResult struct {
	Name      string
	Status    Status
	Artifact  *compile.Artifact // set when Status.OK()
	Generated []*codegen.Source
	Err       error
	BlockedBy string // failed unit, for Blocked modules
}

// ToolResult is the outcome of one host tool.
type ToolResult struct {
	Name   string
	Status Status
	Tool   *hosttool.Tool
	Err    error
}

// Stats counts the work a build did.
type Stats struct {
	ConfigBuilds int // configuration header generations
	ToolBuilds   int // host tools built
	CodeGenRuns  int // code generator invocations
	Compilations int // translation units compiled
	ModulesBuilt int // module libraries archived
	CacheHits    int // outputs reused from the build root
}

// Report describes a finished build.
type Report struct {
	Headers     *configure.HeaderSet // probed on the target toolchain
	HostHeaders *configure.HeaderSet // probed on the host toolchain; nil without host tools
	Plan        *plan.Plan
	Modules     []ModuleResult // in build order
	Tools       []ToolResult   // in build order
	Stats       Stats

	canceled error
}

func (r *run) report(pl *plan.Plan) *Report {
	rep := &Report{
		Headers:     r.headers,
		HostHeaders: r.hostHeaders,
		Plan:        pl,
		Stats: Stats{
			ToolBuilds:   r.tools.Builds(),
			CodeGenRuns:  r.codegen.Runs(),
			Compilations: r.compiler.Compilations(),
			ModulesBuilt: r.compiler.Modules(),
		},
	}
	failedGen := make(map[string]*task)
	generated := make(map[string][]*codegen.Source)
	for _, t := range r.tasks {
		if t.status == Cached {
			rep.Stats.CacheHits++
		}
		switch t.step.Kind {
		case plan.HostTool:
			rep.Tools = append(rep.Tools, ToolResult{Name: t.step.Tool, Status: t.status, Tool: t.tool, Err: t.err})
		case plan.CodeGen:
			if t.status == Failed && failedGen[t.step.Module] == nil {
				failedGen[t.step.Module] = t
			}
			if t.source != nil {
				generated[t.step.Module] = append(generated[t.step.Module], t.source)
			}
		case plan.Compile:
			name := t.step.Module
			m := ModuleResult{Name: name, Status: t.status, Artifact: t.artifact, Generated: generated[name], Err: t.err}
			switch {
			case failedGen[name] != nil:
				m.Status = Failed
				m.Err = fmt.Errorf("module %s: %w", name, failedGen[name].err)
			case t.status == Blocked:
				m.BlockedBy = t.cause
				m.Err = fmt.Errorf("module %s: %w by %s", name, ErrBlocked, t.cause)
			}
			rep.Modules = append(rep.Modules, m)
		}
	}
	return rep
}

// Module returns the result of the named module, or nil.
func (r *Report) Module(name string) *ModuleResult {
	for i := range r.Modules {
		if r.Modules[i].Name == name {
			return &r.Modules[i]
		}
	}
	return nil
}

// Tool returns the result of the named host tool, or nil.
func (r *Report) Tool(name string) *ToolResult {
	for i := range r.Tools {
		if r.Tools[i].Name == name {
			return &r.Tools[i]
		}
	}
	return nil
}

// Blocked returns the names of modules that were not attempted.
func (r *Report) Blocked() []string {
	var names []string
	for _, m := range r.Modules {
		if m.Status == Blocked {
			names = append(names, m.Name)
		}
	}
	return names
}

func (r *Report) count(s Status) int {
	n := 0
	for _, m := range r.Modules {
		if m.Status == s {
			n++
		}
	}
	return n
}

// Err returns one error per failed host tool and module, or nil when every
// module is available. Blocked modules are not failures of their own.
func (r *Report) Err() error {
	var errs qerrors.List
	for _, t := range r.Tools {
		if t.Status == Failed {
			errs.Add(t.Err)
		}
	}
	for _, m := range r.Modules {
		if m.Status == Failed {
			errs.Add(m.Err)
		}
	}
	if r.canceled != nil {
		errs.Add(r.canceled)
	}
	return errs.ToError()
}

// Summary renders the report for people: one line per host tool and
// module, the originating diagnostic of every failure and the modules it
// blocked, then the counters.
func (r *Report) Summary() string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	for _, t := range r.Tools {
		fmt.Fprintf(w, "host tool\t%s\t%s\n", t.Name, t.Status)
	}
	for _, m := range r.Modules {
		switch m.Status {
		case Blocked:
			fmt.Fprintf(w, "module\t%s\t%s by %s\n", m.Name, m.Status, m.BlockedBy)
		default:
			fmt.Fprintf(w, "module\t%s\t%s\n", m.Name, m.Status)
		}
	}
	w.Flush()

	for _, t := range r.Tools {
		if t.Status == Failed {
			r.writeFailure(&b, "host tool "+t.Name, t.Err)
		}
	}
	for _, m := range r.Modules {
		if m.Status == Failed {
			r.writeFailure(&b, "module "+m.Name, m.Err)
		}
	}

	s := r.Stats
	fmt.Fprintf(&b, "%d modules: %d built, %d cached, %d failed, %d blocked",
		len(r.Modules), r.count(Built), r.count(Cached), r.count(Failed), r.count(Blocked))
	if n := r.count(Canceled); n > 0 {
		fmt.Fprintf(&b, ", %d canceled", n)
	}
	fmt.Fprintf(&b, "\n%d compilations, %d code generation runs, %d host tool builds, %d cache hits\n",
		s.Compilations, s.CodeGenRuns, s.ToolBuilds, s.CacheHits)
	return b.String()
}

func (r *Report) writeFailure(b *strings.Builder, unit string, err error) {
	fmt.Fprintf(b, "\n%s failed:\n", unit)
	for _, line := range strings.Split(strings.TrimRight(err.Error(), "\n"), "\n") {
		fmt.Fprintf(b, "    %s\n", line)
	}
	var blocked []string
	for _, m := range r.Modules {
		if m.Status == Blocked && m.BlockedBy == unit {
			blocked = append(blocked, m.Name)
		}
	}
	if len(blocked) > 0 {
		fmt.Fprintf(b, "  blocked: %s\n", strings.Join(blocked, ", "))
	}
	b.WriteByte('\n')
}
