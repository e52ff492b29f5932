package codegen

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/goplus/qtbuild/internal/buildroot"
	"github.com/goplus/qtbuild/internal/hosttool"
	"github.com/goplus/qtbuild/internal/manifest"
	"github.com/goplus/qtbuild/internal/toolchain"
	"github.com/goplus/qtbuild/internal/toolchain/toolchaintest"
)

// buildTool builds a fake code generator: a shell script that copies its
// input behind a "// generated from" line.
func buildTool(t *testing.T, root *buildroot.Root) *hosttool.Tool {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake generator is a POSIX shell script")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found in PATH")
	}
	src := filepath.Join(t.TempDir(), "toolgen.cpp")
	if err := os.WriteFile(src, []byte("int main() {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	b, err := hosttool.NewBuilder(root, toolchaintest.New(toolchain.Host), nil)
	if err != nil {
		t.Fatal(err)
	}
	tool, err := b.EnsureBuilt(context.Background(), &manifest.HostTool{Name: "toolgen", Sources: []string{src}})
	if err != nil {
		t.Fatal(err)
	}
	return tool
}

func writeInput(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestGenerate(t *testing.T) {
	ctx := context.Background()
	root, err := buildroot.Open(ctx, t.TempDir(), buildroot.Options{})
	if err != nil {
		t.Fatal(err)
	}
	tool := buildTool(t, root)
	stage := NewStage(root)
	input := writeInput(t, t.TempDir(), "qwindow.h", "class QWindow {};\n")
	opts := Options{Args: []string{"--no-notes"}, Output: "toolgen_qwindow.cpp"}

	src, err := stage.Generate(ctx, tool, input, opts)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if src.Cached || stage.Runs() != 1 {
		t.Fatalf("first run: Cached=%v Runs=%d", src.Cached, stage.Runs())
	}
	data, err := os.ReadFile(src.Path)
	if err != nil {
		t.Fatal(err)
	}
	if want := "// generated from qwindow.h\nclass QWindow {};\n"; string(data) != want {
		t.Fatalf("generated = %q, want %q", data, want)
	}
	if filepath.Base(src.Path) != "toolgen_qwindow.cpp" {
		t.Errorf("Path = %s", src.Path)
	}

	// Idempotent: the second run does not invoke the tool.
	again, err := stage.Generate(ctx, tool, input, opts)
	if err != nil {
		t.Fatal(err)
	}
	if !again.Cached || again.Path != src.Path || stage.Runs() != 1 {
		t.Fatalf("second run: %+v, Runs=%d", again, stage.Runs())
	}

	// Changed arguments or input content regenerate.
	opts.Args = nil
	if _, err := stage.Generate(ctx, tool, input, opts); err != nil {
		t.Fatal(err)
	}
	writeInput(t, filepath.Dir(input), "qwindow.h", "class QWindow { int x; };\n")
	fresh, err := stage.Generate(ctx, tool, input, opts)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Cached || stage.Runs() != 3 {
		t.Fatalf("after edits: Cached=%v Runs=%d", fresh.Cached, stage.Runs())
	}
}

func TestGenerateFailure(t *testing.T) {
	ctx := context.Background()
	root, err := buildroot.Open(ctx, t.TempDir(), buildroot.Options{})
	if err != nil {
		t.Fatal(err)
	}
	tool := buildTool(t, root)
	stage := NewStage(root)
	input := writeInput(t, t.TempDir(), "broken.h", "CODEGEN_FAIL\n")
	opts := Options{Output: "toolgen_broken.cpp"}

	_, err = stage.Generate(ctx, tool, input, opts)
	var fe *FailedError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want FailedError", err)
	}
	if fe.Tool != "toolgen" || fe.Input != input || fe.ExitCode != 3 || !strings.Contains(fe.Stderr, "cannot process input") {
		t.Fatalf("FailedError = %+v", fe)
	}
	if _, ok := root.Lookup(Key("toolgen", input, opts.Output)); ok {
		t.Fatal("failed run recorded an entry")
	}
}

func TestGenerateInvalidOutput(t *testing.T) {
	ctx := context.Background()
	root, err := buildroot.Open(ctx, t.TempDir(), buildroot.Options{})
	if err != nil {
		t.Fatal(err)
	}
	tool := &hosttool.Tool{Name: "toolgen", Path: "/bin/false"}
	if _, err := NewStage(root).Generate(ctx, tool, "in.h", Options{Output: "../escape.cpp"}); err == nil {
		t.Fatal("Generate accepted an output path")
	}
}

func TestKey(t *testing.T) {
	a := Key("moc", "/src/a/qobject.h", "moc_qobject.cpp")
	b := Key("moc", "/src/b/qobject.h", "moc_qobject.cpp")
	if a == b {
		t.Fatal("inputs in different directories share a key")
	}
	if err := a.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !strings.HasPrefix(a.Name, "moc/moc_qobject.cpp-") {
		t.Fatalf("Name = %q", a.Name)
	}
}
