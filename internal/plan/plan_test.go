package plan

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/goplus/qtbuild/internal/manifest"
)

func mod(name string, deps ...string) *manifest.Module {
	return &manifest.Module{Name: name, Sources: []string{name + ".cpp"}, Deps: deps}
}

func withCodeGen(m *manifest.Module, tool string, inputs ...string) *manifest.Module {
	m.CodeGen = append(m.CodeGen, &manifest.CodeGenRule{Tool: tool, Inputs: inputs, Output: tool + "_%s.cpp"})
	return m
}

func TestResolveOrder(t *testing.T) {
	tests := []struct {
		name    string
		modules []*manifest.Module
		want    []string
	}{
		{"Declared", []*manifest.Module{mod("core"), mod("gui", "core"), mod("widgets", "gui")}, []string{"core", "gui", "widgets"}},
		{"Reversed", []*manifest.Module{mod("widgets", "gui"), mod("gui", "core"), mod("core")}, []string{"core", "gui", "widgets"}},
		{"TiesByDeclaration", []*manifest.Module{mod("network", "core"), mod("xml", "core"), mod("core")}, []string{"core", "network", "xml"}},
		{"Diamond", []*manifest.Module{mod("declarative", "gui", "network"), mod("network", "core"), mod("gui", "core"), mod("core")},
			[]string{"core", "network", "gui", "declarative"}},
		{"Independent", []*manifest.Module{mod("b"), mod("a")}, []string{"b", "a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Resolve(tt.modules, nil)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if !reflect.DeepEqual(p.Modules, tt.want) {
				t.Fatalf("Modules = %v, want %v", p.Modules, tt.want)
			}
			checkTopological(t, p)
		})
	}
}

// checkTopological verifies that every step follows its dependencies.
func checkTopological(t *testing.T, p *Plan) {
	t.Helper()
	for i, s := range p.Steps {
		for _, d := range s.Deps {
			if d >= i {
				t.Fatalf("step %d (%s) depends on later step %d", i, s, d)
			}
		}
	}
}

func TestResolveSteps(t *testing.T) {
	tools := []*manifest.HostTool{{Name: "toolgen"}, {Name: "uic"}}
	modules := []*manifest.Module{
		mod("core"),
		withCodeGen(mod("gui", "core"), "toolgen", "qwindow.h", "qscreen.h"),
		withCodeGen(withCodeGen(mod("declarative", "gui", "core"), "toolgen", "qqmlengine.h"), "uic", "form.ui"),
	}
	p, err := Resolve(modules, tools)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	checkTopological(t, p)

	var got []string
	for _, s := range p.Steps {
		got = append(got, s.String())
	}
	want := []string{
		"compile core",
		"host-tool toolgen",
		"codegen toolgen qwindow.h -> toolgen_qwindow.cpp (gui)",
		"codegen toolgen qscreen.h -> toolgen_qscreen.cpp (gui)",
		"compile gui",
		"host-tool uic",
		"codegen toolgen qqmlengine.h -> toolgen_qqmlengine.cpp (declarative)",
		"codegen uic form.ui -> uic_form.cpp (declarative)",
		"compile declarative",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("steps =\n%s\nwant\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
	}

	if deps := p.Steps[4].Deps; !reflect.DeepEqual(deps, []int{2, 3, 0}) {
		t.Errorf("compile gui deps = %v", deps)
	}
	if deps := p.Steps[6].Deps; !reflect.DeepEqual(deps, []int{1}) {
		t.Errorf("codegen qqmlengine deps = %v", deps)
	}
	if deps := p.Steps[8].Deps; !reflect.DeepEqual(deps, []int{6, 7, 4, 0}) {
		t.Errorf("compile declarative deps = %v", deps)
	}
	if p.CompileStep("gui") != 4 || p.CompileStep("nope") != -1 {
		t.Errorf("CompileStep = %d, %d", p.CompileStep("gui"), p.CompileStep("nope"))
	}
	dependents := p.Dependents()
	if !reflect.DeepEqual(dependents[0], []int{4, 8}) || !reflect.DeepEqual(dependents[1], []int{2, 3, 6}) {
		t.Errorf("Dependents = %v", dependents)
	}
	if !strings.Contains(p.String(), "compile gui  [after 2, 3, 0]") {
		t.Errorf("String =\n%s", p)
	}
}

func TestResolveCycle(t *testing.T) {
	tests := []struct {
		name    string
		modules []*manifest.Module
		want    []string
	}{
		{"Pair", []*manifest.Module{mod("a", "b"), mod("b", "a")}, []string{"a", "b", "a"}},
		{"Triangle", []*manifest.Module{mod("core"), mod("x", "core", "y"), mod("y", "z"), mod("z", "x")}, []string{"x", "y", "z", "x"}},
		{"BehindAcyclicPrefix", []*manifest.Module{mod("app", "lib"), mod("lib", "p"), mod("p", "q"), mod("q", "p")}, []string{"p", "q", "p"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(tt.modules, nil)
			var ce *CycleError
			if !errors.As(err, &ce) {
				t.Fatalf("err = %v, want CycleError", err)
			}
			if !reflect.DeepEqual(ce.Modules, tt.want) {
				t.Fatalf("cycle = %v, want %v", ce.Modules, tt.want)
			}
		})
	}
}

func TestResolveUnknown(t *testing.T) {
	_, err := Resolve([]*manifest.Module{mod("gui", "core")}, nil)
	var ue *UnknownError
	if !errors.As(err, &ue) || ue.Kind != "module" || ue.Name != "core" || ue.Module != "gui" {
		t.Fatalf("err = %v, want unknown module core", err)
	}

	_, err = Resolve([]*manifest.Module{withCodeGen(mod("gui"), "moc", "a.h")}, nil)
	if !errors.As(err, &ue) || ue.Kind != "host tool" || ue.Name != "moc" {
		t.Fatalf("err = %v, want unknown host tool moc", err)
	}

	if _, err := Resolve([]*manifest.Module{mod("core"), mod("core")}, nil); err == nil {
		t.Fatal("duplicate module accepted")
	}
}
