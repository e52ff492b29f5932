package configure

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// PrivateDir is the subdirectory private headers are forwarded into.
const PrivateDir = "private"

// WriteForwardingHeaders writes into dst a forwarding header for every
// ".h" file below src. Private headers (named *_p.h) go to dst/private.
// For every class QFoo declared in a public header, a class header named
// QFoo forwarding to it is written as well, so both <QtCore/qobject.h> and
// <QtCore/QObject> resolve.
//
// Forwarding headers include their target by absolute path. It returns the
// written files relative to dst, slash separated, in the order written.
func WriteForwardingHeaders(src, dst string) ([]string, error) {
	src, err := filepath.Abs(src)
	if err != nil {
		return nil, err
	}
	var headers []string
	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".h") {
			headers = append(headers, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("configure: scan headers: %w", err)
	}

	var written []string
	seen := make(map[string]bool)
	write := func(rel, target string) error {
		if seen[rel] {
			return nil
		}
		seen[rel] = true
		written = append(written, rel)
		return writeForwardingHeader(filepath.Join(dst, filepath.FromSlash(rel)), target)
	}

	for _, h := range headers {
		name := filepath.Base(h)
		if isPrivateHeader(name) {
			if err := write(PrivateDir+"/"+name, h); err != nil {
				return nil, err
			}
			continue
		}
		if err := write(name, h); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(h)
		if err != nil {
			return nil, err
		}
		for _, class := range ClassNames(string(data)) {
			if err := write(class, h); err != nil {
				return nil, err
			}
		}
	}
	return written, nil
}

func isPrivateHeader(name string) bool {
	return strings.Contains(name, "_p.h")
}

func writeForwardingHeader(path, target string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	content := fmt.Sprintf("#include \"%s\"\n", filepath.ToSlash(target))
	return os.WriteFile(path, []byte(content), 0o644)
}

// ClassNames returns the toolkit classes declared in a header: every
// "class QFoo" and "class EXPORT_MACRO QFoo", in order of appearance.
// Forward declarations ("class QFoo;") and templates are skipped.
func ClassNames(src string) []string {
	tokens := strings.Fields(src)
	var classes []string
	seen := make(map[string]bool)
	for i := 0; i+1 < len(tokens); i++ {
		if tokens[i] != "class" {
			continue
		}
		var name string
		switch {
		case isClassName(tokens[i+1]):
			name = tokens[i+1]
		case i+2 < len(tokens) && isMacro(tokens[i+1]) && isClassName(tokens[i+2]):
			name = tokens[i+2]
		default:
			continue
		}
		if !seen[name] {
			seen[name] = true
			classes = append(classes, name)
		}
	}
	return classes
}

func isMacro(tok string) bool {
	for _, c := range tok {
		if !('A' <= c && c <= 'Z' || '0' <= c && c <= '9' || c == '_') {
			return false
		}
	}
	return tok != ""
}

func isClassName(tok string) bool {
	if len(tok) < 2 || tok[0] != 'Q' {
		return false
	}
	for _, c := range tok {
		if !('a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9') {
			return false
		}
	}
	return true
}
