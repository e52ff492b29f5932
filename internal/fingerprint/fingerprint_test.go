package fingerprint

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAddIsUnambiguous(t *testing.T) {
	a := New("test").Add("x", "ab", "c").Sum()
	b := New("test").Add("x", "a", "bc").Sum()
	if a == b {
		t.Fatalf("fingerprints collide: %s", a)
	}
	c := New("test").Add("x", "ab", "c").Sum()
	if a != c {
		t.Fatalf("fingerprint not deterministic: %s != %s", a, c)
	}
	if !Valid(string(a)) {
		t.Fatalf("Valid(%q) = false", a)
	}
}

func TestKindIsHashed(t *testing.T) {
	if New("tool").Sum() == New("module").Sum() {
		t.Fatal("kind does not affect fingerprint")
	}
}

func TestAddMapOrderIndependent(t *testing.T) {
	m1 := map[string]string{"A": "1", "B": "2", "C": "3"}
	m2 := map[string]string{"C": "3", "A": "1", "B": "2"}
	if New("t").AddMap("d", m1).Sum() != New("t").AddMap("d", m2).Sum() {
		t.Fatal("map order changed fingerprint")
	}
	m2["C"] = "4"
	if New("t").AddMap("d", m1).Sum() == New("t").AddMap("d", m2).Sum() {
		t.Fatal("map value change not detected")
	}
}

func TestAddFilesSensitivity(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "a.cpp")
	if err := os.WriteFile(f, []byte("int a;"), 0o644); err != nil {
		t.Fatal(err)
	}

	sum := func() Fingerprint {
		h := New("t")
		if err := h.AddFiles("src", []string{f}); err != nil {
			t.Fatalf("AddFiles: %v", err)
		}
		return h.Sum()
	}

	before := sum()
	if again := sum(); again != before {
		t.Fatalf("unchanged file changed fingerprint")
	}
	if err := os.WriteFile(f, []byte("int b;"), 0o644); err != nil {
		t.Fatal(err)
	}
	if after := sum(); after == before {
		t.Fatal("content change not detected")
	}
}

func TestAddFilesMissing(t *testing.T) {
	h := New("t")
	if err := h.AddFiles("src", []string{filepath.Join(t.TempDir(), "missing.cpp")}); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestAddDir(t *testing.T) {
	dir := t.TempDir()
	sum := func() Fingerprint {
		h := New("t")
		if err := h.AddDir("headers", dir); err != nil {
			t.Fatalf("AddDir: %v", err)
		}
		return h.Sum()
	}
	empty := sum()
	if err := os.WriteFile(filepath.Join(dir, "qfoo.h"), []byte("class QFoo {};"), 0o644); err != nil {
		t.Fatal(err)
	}
	if sum() == empty {
		t.Fatal("new header not detected")
	}

	h := New("t")
	if err := h.AddDir("headers", filepath.Join(dir, "absent")); err != nil {
		t.Fatalf("AddDir on missing dir: %v", err)
	}
}

func TestShort(t *testing.T) {
	f := New("t").Sum()
	if got := f.Short(); len(got) != 12 {
		t.Fatalf("Short() = %q", got)
	}
	if Fingerprint("abc").Short() != "abc" {
		t.Fatal("Short() truncated a short value")
	}
}
