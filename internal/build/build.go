// Package build drives a whole toolkit build: configuration headers, host
// tools, code generation and module compilation, scheduled over a pool of
// workers.
package build

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/goplus/qtbuild/internal/buildroot"
	"github.com/goplus/qtbuild/internal/codegen"
	"github.com/goplus/qtbuild/internal/compile"
	"github.com/goplus/qtbuild/internal/configure"
	"github.com/goplus/qtbuild/internal/ctxlog"
	"github.com/goplus/qtbuild/internal/hosttool"
	"github.com/goplus/qtbuild/internal/manifest"
	"github.com/goplus/qtbuild/internal/plan"
	"github.com/goplus/qtbuild/internal/toolchain"
)

// ErrBlocked is wrapped by the error of a module that was not attempted
// because something it needs failed.
var ErrBlocked = errors.New("blocked")

// Options configures a Builder.
type Options struct {
	Root   *buildroot.Root
	Host   toolchain.Toolchain // builds host tools
	Target toolchain.Toolchain // probes the platform and compiles modules

	// Jobs bounds the number of concurrent steps and the number of
	// translation units compiled in parallel per module. It defaults to the
	// number of CPUs.
	Jobs int
}

// Builder builds projects into a build root. It is safe for concurrent use.
type Builder struct {
	opts Options
}

// New returns a Builder for opts.
func New(opts Options) (*Builder, error) {
	if opts.Root == nil {
		return nil, errors.New("build: no build root")
	}
	if opts.Host == nil || opts.Target == nil {
		return nil, errors.New("build: host and target toolchains are required")
	}
	if opts.Host.Identity().Kind != toolchain.Host {
		return nil, fmt.Errorf("build: host toolchain has kind %s", opts.Host.Identity().Kind)
	}
	if opts.Target.Identity().Kind != toolchain.Target {
		return nil, fmt.Errorf("build: target toolchain has kind %s", opts.Target.Identity().Kind)
	}
	if opts.Jobs <= 0 {
		opts.Jobs = runtime.NumCPU()
	}
	return &Builder{opts: opts}, nil
}

// task is the execution state of one plan step.
type task struct {
	step       *plan.Step
	pending    atomic.Int32
	dependents []*task
	finishOnce sync.Once

	status Status
	err    error
	cause  string // unit whose failure blocked this task

	tool     *hosttool.Tool
	source   *codegen.Source
	artifact *compile.Artifact
}

// run holds the per-build components.
type run struct {
	project     *manifest.Project
	headers     *configure.HeaderSet
	hostHeaders *configure.HeaderSet
	tools       *hosttool.Builder
	codegen     *codegen.Stage
	compiler    *compile.Compiler
	tasks       []*task
	wg          sync.WaitGroup
}

// Build builds every module of p. Configuration probe failures, an invalid
// module graph and build root errors abort the build and are returned with
// a nil Report. Otherwise the returned Report describes every module and
// host tool, and the error is Report.Err().
func (b *Builder) Build(ctx context.Context, p *manifest.Project) (*Report, error) {
	logger := ctxlog.FromContext(ctx)

	if err := b.opts.Root.CheckToolkit(p.Toolkit.Version); err != nil {
		return nil, err
	}
	pl, err := plan.Resolve(p.Modules, p.HostTools)
	if err != nil {
		return nil, err
	}
	logger.Debug("Resolved build plan.", "steps", len(pl.Steps), "modules", len(pl.Modules))

	gen := configure.NewGenerator(b.opts.Root)
	headers, err := gen.Generate(ctx, configure.ProbeInputs{Toolchain: b.opts.Target, Config: p.Configure})
	if err != nil {
		return nil, err
	}
	var hostHeaders *configure.HeaderSet
	if len(p.HostTools) > 0 {
		hostHeaders, err = gen.Generate(ctx, configure.ProbeInputs{Toolchain: b.opts.Host, Config: p.Configure})
		if err != nil {
			return nil, err
		}
	}
	tools, err := hosttool.NewBuilder(b.opts.Root, b.opts.Host, hostHeaders)
	if err != nil {
		return nil, err
	}
	compiler, err := compile.NewCompiler(b.opts.Root, b.opts.Target, b.opts.Jobs)
	if err != nil {
		return nil, err
	}
	r := &run{
		project:     p,
		headers:     headers,
		hostHeaders: hostHeaders,
		tools:       tools,
		codegen:     codegen.NewStage(b.opts.Root),
		compiler:    compiler,
	}
	r.execute(ctx, pl, b.opts.Jobs)

	report := r.report(pl)
	report.Stats.ConfigBuilds = gen.Builds()
	for _, hs := range []*configure.HeaderSet{headers, hostHeaders} {
		if hs != nil && hs.Cached {
			report.Stats.CacheHits++
		}
	}
	if err := ctx.Err(); err != nil {
		report.canceled = err
	}
	logger.Info("Build finished.", "built", report.count(Built), "cached", report.count(Cached),
		"failed", report.count(Failed), "blocked", report.count(Blocked), "canceled", report.count(Canceled))
	return report, report.Err()
}

// execute runs the plan's steps concurrently. A step becomes ready when all
// steps it depends on succeeded; a failed step blocks its dependents while
// unrelated steps keep running.
func (r *run) execute(ctx context.Context, pl *plan.Plan, workers int) {
	logger := ctxlog.FromContext(ctx)

	r.tasks = make([]*task, len(pl.Steps))
	for i, s := range pl.Steps {
		r.tasks[i] = &task{step: s}
		r.tasks[i].pending.Store(int32(len(s.Deps)))
	}
	for i, deps := range pl.Dependents() {
		for _, d := range deps {
			r.tasks[i].dependents = append(r.tasks[i].dependents, r.tasks[d])
		}
	}
	if len(r.tasks) == 0 {
		return
	}

	readyChan := make(chan *task, len(r.tasks))
	for _, t := range r.tasks {
		if t.pending.Load() == 0 {
			readyChan <- t
		}
	}
	r.wg.Add(len(r.tasks))

	if workers > len(r.tasks) {
		workers = len(r.tasks)
	}
	logger.Debug("Starting worker pool.", "workers", workers)
	for i := 0; i < workers; i++ {
		go r.worker(ctx, readyChan, i)
	}
	r.wg.Wait()
	close(readyChan)
}

func (r *run) worker(ctx context.Context, readyChan chan *task, workerID int) {
	logger := ctxlog.FromContext(ctx)
	for t := range readyChan {
		workerLogger := logger.With("workerID", workerID, "step", t.step.String())

		if err := ctx.Err(); err != nil {
			workerLogger.Warn("Context canceled, skipping step.")
			r.finish(t, Canceled, err, "")
			r.skipDependents(ctx, t, Canceled, "")
			continue
		}

		workerLogger.Debug("Worker picked up step.")
		status, err := r.runStep(ctxlog.WithLogger(ctx, workerLogger), t)
		if err != nil {
			if ctx.Err() != nil {
				workerLogger.Warn("Step canceled.")
				r.finish(t, Canceled, err, "")
				r.skipDependents(ctx, t, Canceled, "")
				continue
			}
			workerLogger.Error("Step failed.", "error", err)
			r.finish(t, Failed, err, "")
			r.skipDependents(ctx, t, Blocked, unit(t.step))
			continue
		}

		// Dependents are released before the task is marked done so the
		// wait group cannot reach zero while work is still being queued.
		for _, dep := range t.dependents {
			if dep.pending.Add(-1) == 0 {
				workerLogger.Debug("Unlocking dependent step.", "dependent", dep.step.String())
				readyChan <- dep
			}
		}
		r.finish(t, status, nil, "")
	}
}

// finish records the outcome of t exactly once.
func (r *run) finish(t *task, status Status, err error, cause string) bool {
	done := false
	t.finishOnce.Do(func() {
		t.status = status
		t.err = err
		t.cause = cause
		done = true
		r.wg.Done()
	})
	return done
}

// skipDependents marks every step downstream of t as not attempted.
func (r *run) skipDependents(ctx context.Context, t *task, status Status, cause string) {
	logger := ctxlog.FromContext(ctx)
	for _, dep := range t.dependents {
		if r.finish(dep, status, nil, cause) {
			if status == Blocked {
				logger.Warn("Skipping dependent step due to upstream failure.", "step", dep.step.String(), "cause", cause)
			}
			r.skipDependents(ctx, dep, status, cause)
		}
	}
}

func unit(s *plan.Step) string {
	if s.Kind == plan.HostTool {
		return "host tool " + s.Tool
	}
	return "module " + s.Module
}

func (r *run) runStep(ctx context.Context, t *task) (Status, error) {
	switch t.step.Kind {
	case plan.HostTool:
		decl := r.project.HostTool(t.step.Tool)
		tool, err := r.tools.EnsureBuilt(ctx, decl)
		if err != nil {
			return Failed, err
		}
		t.tool = tool
		return statusOf(tool.Cached), nil

	case plan.CodeGen:
		tool := r.tasks[t.step.Deps[0]].tool
		src, err := r.codegen.Generate(ctx, tool, t.step.Input, codegen.Options{Args: t.step.Args, Output: t.step.Output})
		if err != nil {
			return Failed, err
		}
		t.source = src
		return statusOf(src.Cached), nil
	}

	m := r.project.Module(t.step.Module)
	var generated []*codegen.Source
	var deps []*compile.Artifact
	for _, d := range t.step.Deps {
		switch dt := r.tasks[d]; dt.step.Kind {
		case plan.CodeGen:
			generated = append(generated, dt.source)
		case plan.Compile:
			deps = append(deps, dt.artifact)
		}
	}
	a, err := r.compiler.Compile(ctx, m, r.headers, generated, deps)
	if err != nil {
		return Failed, err
	}
	t.artifact = a
	return statusOf(a.Cached), nil
}

func statusOf(cached bool) Status {
	if cached {
		return Cached
	}
	return Built
}
