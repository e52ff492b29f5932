package internal

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/goplus/qtbuild/internal/env"
)

const project = `
toolkit {
  version = "6.2.0"
}

host_tool "toolgen" {
  sources = ["toolgen.cpp"]
}

module "gui" {
  deps    = ["core"]
  sources = ["gui.cpp"]

  codegen "toolgen" {
    inputs = ["qwindow.h"]
  }
}

module "core" {
  sources = ["core.cpp"]
}
`

// run executes the root command with args and returns its output.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() {
		rootFlag, jobsFlag, verboseFlag = "", 0, false
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
	})
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestPlanCommand(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "qtbuild.hcl"), []byte(project), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, "plan", dir)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	want := []string{"compile core", "host-tool toolgen", "codegen toolgen qwindow.h -> toolgen_qwindow.cpp (gui)", "compile gui"}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != len(want) {
		t.Fatalf("plan output:\n%s", out)
	}
	for i, w := range want {
		if !strings.Contains(lines[i], w) {
			t.Errorf("line %d = %q, want %q", i, lines[i], w)
		}
	}
}

func TestPlanCommandCycle(t *testing.T) {
	dir := t.TempDir()
	decl := `
toolkit {
  version = "6.2.0"
}

module "a" {
  sources = ["a.cpp"]
  deps    = ["b"]
}

module "b" {
  sources = ["b.cpp"]
  deps    = ["a"]
}
`
	if err := os.WriteFile(filepath.Join(dir, "qtbuild.hcl"), []byte(decl), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, "plan", dir); err == nil || !strings.Contains(err.Error(), "a -> b -> a") {
		t.Fatalf("err = %v, want the cycle", err)
	}
}

func TestCleanCommand(t *testing.T) {
	t.Setenv(env.Root, t.TempDir())
	root := t.TempDir()
	if _, err := run(t, "clean", "--root", root); err != nil {
		t.Fatalf("clean on a fresh root: %v", err)
	}
	stale := filepath.Join(root, "modules", "core", "stale")
	if err := os.MkdirAll(filepath.Dir(stale), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(stale, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, "clean", "--root", root)
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("stale entry survived clean: %v", err)
	}
	if !strings.Contains(out, "cleaned") {
		t.Errorf("output = %q", out)
	}
}

func TestLoadConfigFlags(t *testing.T) {
	t.Setenv(env.Root, t.TempDir())
	t.Setenv(env.Jobs, "2")
	t.Setenv(env.LogLevel, "warn")
	t.Cleanup(func() { rootFlag, jobsFlag, verboseFlag = "", 0, false })

	cfg, err := loadConfig(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Jobs != 2 || cfg.LogLevel != "warn" {
		t.Fatalf("without flags: %+v", cfg)
	}

	rootFlag, jobsFlag, verboseFlag = "/tmp/qt-root", 9, true
	cfg, err = loadConfig(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Root != "/tmp/qt-root" || cfg.Jobs != 9 || cfg.LogLevel != "debug" {
		t.Fatalf("with flags: %+v", cfg)
	}
}

func TestLoadConfigRootFlagLeavesDefaultAlone(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("relies on XDG_CACHE_HOME locating the user cache")
	}
	cache := t.TempDir()
	t.Setenv("XDG_CACHE_HOME", cache)
	t.Setenv(env.Root, "")
	os.Unsetenv(env.Root)
	t.Cleanup(func() { rootFlag = "" })

	rootFlag = filepath.Join(t.TempDir(), "root")
	cfg, err := loadConfig(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Root != rootFlag {
		t.Fatalf("Root = %q, want %q", cfg.Root, rootFlag)
	}
	if _, err := os.Stat(filepath.Join(cache, ".qtbuild")); !os.IsNotExist(err) {
		t.Fatalf("default root created although --root was given: %v", err)
	}
}
