// Package codegen runs host tools over inputs to produce generated
// sources. A generated source is a pure function of the tool build, the
// input content, the arguments and the output name, and is cached on that.
package codegen

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/goplus/qtbuild/internal/buildroot"
	"github.com/goplus/qtbuild/internal/ctxlog"
	"github.com/goplus/qtbuild/internal/fingerprint"
	"github.com/goplus/qtbuild/internal/hosttool"
	"github.com/goplus/qtbuild/internal/toolchain"
)

// FailedError reports a tool invocation that did not produce its output.
type FailedError struct {
	Tool     string
	Input    string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *FailedError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("codegen: %s %s: exit code %d: %s", e.Tool, filepath.Base(e.Input), e.ExitCode, msg)
}

func (e *FailedError) Unwrap() error {
	return e.Err
}

// Options are the per-invocation parameters of a tool run.
type Options struct {
	Args   []string
	Output string // generated file name
}

// Source is a generated source file.
type Source struct {
	Tool        string
	Input       string
	Path        string // absolute path of the generated file
	Fingerprint fingerprint.Fingerprint
	Cached      bool
}

// Stage runs code generators and stores their output in a build root.
type Stage struct {
	root *buildroot.Root
	runs atomic.Int64
}

// NewStage returns a Stage storing generated sources in root.
func NewStage(root *buildroot.Root) *Stage {
	return &Stage{root: root}
}

// Runs returns how many tool invocations actually ran.
func (s *Stage) Runs() int {
	return int(s.runs.Load())
}

// Key returns the build root key of the source generated by tool from
// input. Inputs sharing a base name in different directories get distinct
// keys.
func Key(tool, input, output string) buildroot.Key {
	abs, err := filepath.Abs(input)
	if err != nil {
		abs = input
	}
	h := fingerprint.New("codegen-key").Add("input", filepath.ToSlash(abs)).Sum()
	return buildroot.Key{Kind: buildroot.KindGenerated, Name: tool + "/" + output + "-" + string(h[:8])}
}

// Fingerprint returns the fingerprint of running tool on input.
func Fingerprint(tool *hosttool.Tool, input string, opts Options) (fingerprint.Fingerprint, error) {
	h := fingerprint.New(string(buildroot.KindGenerated))
	h.Add("tool", tool.Name, tool.Fingerprint.String())
	h.Add("input", input)
	if err := h.AddFiles("input_content", []string{input}); err != nil {
		return "", err
	}
	h.Add("args", opts.Args...)
	h.Add("output", opts.Output)
	return h.Sum(), nil
}

// Generate runs tool on input unless an identical run is recorded. It
// runs "tool [args...] -o output input".
func (s *Stage) Generate(ctx context.Context, tool *hosttool.Tool, input string, opts Options) (*Source, error) {
	logger := ctxlog.FromContext(ctx).With("tool", tool.Name, "input", input)
	if opts.Output == "" || filepath.Base(opts.Output) != opts.Output {
		return nil, fmt.Errorf("codegen: %s: invalid output name %q", tool.Name, opts.Output)
	}
	key := Key(tool.Name, input, opts.Output)

	fp, err := Fingerprint(tool, input, opts)
	if err != nil {
		return nil, &FailedError{Tool: tool.Name, Input: input, ExitCode: -1, Err: err}
	}
	if src, ok := s.lookup(key, tool.Name, input, fp); ok {
		logger.Debug("Generated source up to date.")
		return src, nil
	}

	lease, err := s.root.Reserve(ctx, key, buildroot.Wait)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	if src, ok := s.lookup(key, tool.Name, input, fp); ok {
		return src, nil
	}
	if entry, ok := lease.Restore(ctx, fp); ok && len(entry.Paths) == 1 {
		return sourceOf(tool.Name, input, entry, true), nil
	}

	staged, err := lease.Stage()
	if err != nil {
		return nil, err
	}
	out := filepath.Join(staged, opts.Output)
	args := append(append([]string{}, opts.Args...), "-o", out, input)

	logger.Debug("Running code generator.", "output", opts.Output)
	_, err = toolchain.Command{Path: tool.Path, Args: args}.Run(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		fe := &FailedError{Tool: tool.Name, Input: input, ExitCode: -1, Err: err}
		var ce *toolchain.CommandError
		if errors.As(err, &ce) {
			fe.ExitCode, fe.Stderr = ce.ExitCode, ce.Stderr
		}
		return nil, fe
	}
	s.runs.Add(1)
	if _, err := os.Stat(out); err != nil {
		return nil, &FailedError{Tool: tool.Name, Input: input, Stderr: "tool produced no output", Err: err}
	}

	entry, err := lease.Record(ctx, fp, staged, []string{opts.Output})
	if err != nil {
		return nil, err
	}
	return sourceOf(tool.Name, input, entry, false), nil
}

func (s *Stage) lookup(key buildroot.Key, tool, input string, fp fingerprint.Fingerprint) (*Source, bool) {
	entry, ok := s.root.Lookup(key)
	if !ok || entry.Fingerprint != fp || len(entry.Paths) != 1 {
		return nil, false
	}
	return sourceOf(tool, input, entry, true), true
}

func sourceOf(tool, input string, entry *buildroot.Entry, cached bool) *Source {
	return &Source{
		Tool:        tool,
		Input:       input,
		Path:        entry.Path(entry.Paths[0]),
		Fingerprint: entry.Fingerprint,
		Cached:      cached,
	}
}
