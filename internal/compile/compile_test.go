package compile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/goplus/qtbuild/internal/buildroot"
	"github.com/goplus/qtbuild/internal/manifest"
	"github.com/goplus/qtbuild/internal/toolchain"
	"github.com/goplus/qtbuild/internal/toolchain/toolchaintest"
)

type fixture struct {
	root   *buildroot.Root
	target *toolchaintest.Fake
	src    string
}

func newFixture(t *testing.T, files map[string]string) *fixture {
	t.Helper()
	root, err := buildroot.Open(context.Background(), t.TempDir(), buildroot.Options{})
	if err != nil {
		t.Fatal(err)
	}
	src := t.TempDir()
	for name, content := range files {
		p := filepath.Join(src, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return &fixture{root: root, target: toolchaintest.New(toolchain.Target), src: src}
}

func (f *fixture) path(rel string) string {
	return filepath.Join(f.src, filepath.FromSlash(rel))
}

func TestCompile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]string{
		"core/qobject.cpp": "#include <QtCore/QObject>\n",
		"core/qstring.cpp": "#include <QtCore/qstring.h>\n",
		"core/qobject.h":   "class Q_CORE_EXPORT QObject {};\n",
		"core/qstring.h":   "class Q_CORE_EXPORT QString {};\n",
		"core/qobject_p.h": "class QObjectPrivate {};\n",
		"gui/qwindow.cpp":  "#include <QtCore/QObject>\n",
		"gui/qguiapp.cpp":  "int x;\n",
	})
	c, err := NewCompiler(f.root, f.target, 4)
	if err != nil {
		t.Fatal(err)
	}
	core := &manifest.Module{
		Name:          "core",
		Sources:       []string{f.path("core/qobject.cpp"), f.path("core/qstring.cpp")},
		Headers:       f.path("core"),
		IncludePrefix: "QtCore",
		Defines:       map[string]string{"QT_BUILD_CORE_LIB": ""},
	}
	gui := &manifest.Module{
		Name:    "gui",
		Sources: []string{f.path("gui/qwindow.cpp"), f.path("gui/qguiapp.cpp")},
		Deps:    []string{"core"},
	}

	coreArt, err := c.Compile(ctx, core, nil, nil, nil)
	if err != nil {
		t.Fatalf("Compile(core): %v", err)
	}
	if coreArt.Cached || c.Compilations() != 2 || c.Modules() != 1 {
		t.Fatalf("core: Cached=%v Compilations=%d Modules=%d", coreArt.Cached, c.Compilations(), c.Modules())
	}
	if _, err := os.Stat(coreArt.Library); err != nil {
		t.Fatalf("library: %v", err)
	}
	for _, rel := range []string{"include/QtCore/QObject", "include/QtCore/qstring.h", "include/QtCore/private/qobject_p.h"} {
		if _, err := os.Stat(filepath.Join(coreArt.Dir, filepath.FromSlash(rel))); err != nil {
			t.Errorf("missing %s: %v", rel, err)
		}
	}
	if _, err := os.Stat(filepath.Join(coreArt.Dir, "obj")); !os.IsNotExist(err) {
		t.Errorf("object files kept in the artifact: %v", err)
	}

	var mu sync.Mutex
	var guiIncludes []string
	f.target.OnCompile = func(req toolchain.CompileRequest) error {
		mu.Lock()
		guiIncludes = req.IncludeDirs
		mu.Unlock()
		return nil
	}
	guiArt, err := c.Compile(ctx, gui, nil, nil, []*Artifact{coreArt})
	if err != nil {
		t.Fatalf("Compile(gui): %v", err)
	}
	found := false
	for _, dir := range guiIncludes {
		if dir == filepath.Join(coreArt.Dir, "include") {
			found = true
		}
	}
	if !found {
		t.Errorf("gui compiled without core's include dir: %v", guiIncludes)
	}
	if want := []string{guiArt.Library, coreArt.Library}; !reflect.DeepEqual(guiArt.LinkLibs, want) {
		t.Errorf("LinkLibs = %v, want %v", guiArt.LinkLibs, want)
	}
	if !reflect.DeepEqual(guiArt.IncludeDirs, coreArt.IncludeDirs) {
		t.Errorf("gui without headers exports %v, want core's %v", guiArt.IncludeDirs, coreArt.IncludeDirs)
	}

	// Nothing changed: gui is reused.
	f.target.OnCompile = nil
	f.target.Reset()
	again, err := c.Compile(ctx, gui, nil, nil, []*Artifact{coreArt})
	if err != nil {
		t.Fatal(err)
	}
	if !again.Cached || len(f.target.Events()) != 0 {
		t.Fatalf("second compile: Cached=%v events=%d", again.Cached, len(f.target.Events()))
	}

	// A changed public header of core changes core's fingerprint and, through
	// it, gui's.
	if err := os.WriteFile(f.path("core/qstring.h"), []byte("class Q_CORE_EXPORT QString { int n; };\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	core2, err := c.Compile(ctx, core, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if core2.Cached || core2.Fingerprint == coreArt.Fingerprint {
		t.Fatal("header edit did not rebuild core")
	}
	fp, err := c.Fingerprint(gui, nil, nil, []*Artifact{core2})
	if err != nil {
		t.Fatal(err)
	}
	if fp == guiArt.Fingerprint {
		t.Fatal("gui fingerprint ignores its dependency")
	}
}

func TestCompileTransitiveIncludes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]string{
		"core/qobject.cpp":           "int object;\n",
		"core/qobject.h":             "class Q_CORE_EXPORT QObject {};\n",
		"gui/qwindow.cpp":            "int window;\n",
		"gui/qwindow.h":              "#include <QtCore/qobject.h>\nclass Q_GUI_EXPORT QWindow : public QObject {};\n",
		"declarative/qqmlengine.cpp": "#include <QtGui/qwindow.h>\n",
	})
	c, err := NewCompiler(f.root, f.target, 2)
	if err != nil {
		t.Fatal(err)
	}
	core := &manifest.Module{Name: "core", Sources: []string{f.path("core/qobject.cpp")}, Headers: f.path("core"), IncludePrefix: "QtCore"}
	gui := &manifest.Module{Name: "gui", Sources: []string{f.path("gui/qwindow.cpp")}, Headers: f.path("gui"), IncludePrefix: "QtGui", Deps: []string{"core"}}
	decl := &manifest.Module{Name: "declarative", Sources: []string{f.path("declarative/qqmlengine.cpp")}, Deps: []string{"gui"}}

	coreArt, err := c.Compile(ctx, core, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	guiArt, err := c.Compile(ctx, gui, nil, nil, []*Artifact{coreArt})
	if err != nil {
		t.Fatal(err)
	}
	if want := append([]string{filepath.Join(guiArt.Dir, "include"), filepath.Join(guiArt.Dir, "include", "QtGui"), f.path("gui")}, coreArt.IncludeDirs...); !reflect.DeepEqual(guiArt.IncludeDirs, want) {
		t.Fatalf("gui IncludeDirs = %v, want %v", guiArt.IncludeDirs, want)
	}

	var mu sync.Mutex
	var seen []string
	f.target.OnCompile = func(req toolchain.CompileRequest) error {
		mu.Lock()
		defer mu.Unlock()
		seen = req.IncludeDirs
		return nil
	}
	declArt, err := c.Compile(ctx, decl, nil, nil, []*Artifact{guiArt})
	if err != nil {
		t.Fatal(err)
	}
	for _, dir := range coreArt.IncludeDirs {
		if !slices.Contains(seen, dir) {
			t.Errorf("declarative compiled without core's include dir %s: %v", dir, seen)
		}
	}
	if !reflect.DeepEqual(declArt.IncludeDirs, guiArt.IncludeDirs) {
		t.Errorf("declarative IncludeDirs = %v, want %v", declArt.IncludeDirs, guiArt.IncludeDirs)
	}

	// A dir reachable through two dependencies is passed once.
	twice, err := c.Compile(ctx, &manifest.Module{Name: "quick", Sources: []string{f.path("declarative/qqmlengine.cpp")}}, nil, nil, []*Artifact{guiArt, coreArt})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(twice.IncludeDirs, guiArt.IncludeDirs) {
		t.Errorf("quick IncludeDirs = %v, want %v", twice.IncludeDirs, guiArt.IncludeDirs)
	}
}

func TestCompileError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]string{
		"a.cpp": "int a;\n",
		"b.cpp": "#error unsupported platform\n",
	})
	c, err := NewCompiler(f.root, f.target, 2)
	if err != nil {
		t.Fatal(err)
	}
	m := &manifest.Module{Name: "broken", Sources: []string{f.path("a.cpp"), f.path("b.cpp")}}

	_, err = c.Compile(ctx, m, nil, nil, nil)
	var ce *Error
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if ce.Module != "broken" || ce.File != f.path("b.cpp") || !strings.Contains(ce.Diagnostic, "unsupported platform") {
		t.Fatalf("Error = %+v", ce)
	}
	if _, ok := f.root.Lookup(Key("broken")); ok {
		t.Fatal("failed module recorded an artifact")
	}
	if entries, _ := os.ReadDir(filepath.Join(f.root.Dir(), "tmp", "modules", "broken")); len(entries) != 0 {
		t.Fatalf("staging left behind: %v", entries)
	}
}

func TestCompileCanceled(t *testing.T) {
	f := newFixture(t, map[string]string{"a.cpp": "int a;\n"})
	c, err := NewCompiler(f.root, f.target, 1)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Compile(ctx, &manifest.Module{Name: "core", Sources: []string{f.path("a.cpp")}}, nil, nil, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestNewCompilerRejectsHostToolchain(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := NewCompiler(f.root, toolchaintest.New(toolchain.Host), 1); err == nil {
		t.Fatal("NewCompiler accepted a host toolchain")
	}
}

func TestLinkOrder(t *testing.T) {
	core := &Artifact{LinkLibs: []string{"core"}}
	gui := &Artifact{LinkLibs: []string{"gui", "core"}}
	got := LinkOrder("declarative", []*Artifact{core, gui})
	if want := []string{"declarative", "gui", "core"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("LinkOrder = %v, want %v", got, want)
	}
}
