package build

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/goplus/qtbuild/internal/buildroot"
	"github.com/goplus/qtbuild/internal/manifest"
	"github.com/goplus/qtbuild/internal/toolchain"
	"github.com/goplus/qtbuild/internal/toolchain/toolchaintest"
)

// threeModules declares core, gui (code generated by toolgen) and
// declarative.
const threeModules = `
toolkit {
  version = "6.2.0"
}

configure {
  global_features = { shared = false }
  global_defines  = { QT_VERSION_STR = "\"6.2.0\"" }
  core_features   = { thread = true }

  system_header "pthread.h" {
    feature  = "thread"
    required = true
  }
}

host_tool "toolgen" {
  sources = ["tools/toolgen.cpp"]
  defines = { QT_BOOTSTRAPPED = "" }
}

module "core" {
  sources        = ["core/*.cpp"]
  headers        = "core/include"
  include_prefix = "QtCore"
}

module "gui" {
  deps    = ["core"]
  sources = ["gui/qwindow.cpp"]

  codegen "toolgen" {
    inputs = ["gui/qwindow.h"]
  }
}

module "declarative" {
  deps    = ["gui"]
  sources = ["declarative/qqmlengine.cpp"]
}
`

// threeModulesTree returns the sources of threeModules.
func threeModulesTree() map[string]string {
	return map[string]string{
		"qtbuild.hcl":                threeModules,
		"tools/toolgen.cpp":          "int main() { return 0; }\n",
		"core/qobject.cpp":           "#include <QtCore/QObject>\n",
		"core/qstring.cpp":           "#include <QtCore/qstring.h>\n",
		"core/include/qobject.h":     "class Q_CORE_EXPORT QObject {};\n",
		"core/include/qstring.h":     "class Q_CORE_EXPORT QString {};\n",
		"gui/qwindow.cpp":            "#include <QtCore/QObject>\n",
		"gui/qwindow.h":              "class QWindow : public QObject {};\n",
		"declarative/qqmlengine.cpp": "int engine;\n",
	}
}

// writeTree writes files below a fresh directory and returns it.
func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func loadProject(t *testing.T, dir string) *manifest.Project {
	t.Helper()
	p, err := manifest.Load(context.Background(), dir, manifest.LoadOptions{})
	if err != nil {
		t.Fatalf("manifest.Load: %v", err)
	}
	return p
}

type env struct {
	root   *buildroot.Root
	host   *toolchaintest.Fake
	target *toolchaintest.Fake
}

func newEnv(t *testing.T) *env {
	t.Helper()
	root, err := buildroot.Open(context.Background(), t.TempDir(), buildroot.Options{ToolkitVersion: "6.2.0"})
	if err != nil {
		t.Fatal(err)
	}
	return &env{
		root:   root,
		host:   toolchaintest.New(toolchain.Host),
		target: toolchaintest.New(toolchain.Target),
	}
}

func (e *env) builder(t *testing.T, jobs int) *Builder {
	t.Helper()
	b, err := New(Options{Root: e.root, Host: e.host, Target: e.target, Jobs: jobs})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// requireShell skips tests whose code generators are fake shell scripts.
func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake code generators are POSIX shell scripts")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found in PATH")
	}
}
