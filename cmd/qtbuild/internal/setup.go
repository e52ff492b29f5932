package internal

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/goplus/qtbuild/internal/buildroot"
	"github.com/goplus/qtbuild/internal/ctxlog"
	"github.com/goplus/qtbuild/internal/env"
	"github.com/goplus/qtbuild/internal/remote"
	"github.com/goplus/qtbuild/internal/toolchain"
)

// loadConfig reads dir/.env and the environment, then applies the
// command-line flags on top.
func loadConfig(dir string) (*env.Config, error) {
	if err := env.LoadDotEnv(dir); err != nil {
		return nil, err
	}
	cfg, err := env.Load()
	if err != nil {
		return nil, err
	}
	if rootFlag != "" {
		cfg.Root = rootFlag
	}
	if jobsFlag > 0 {
		cfg.Jobs = jobsFlag
	}
	if verboseFlag {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

// newContext returns a context carrying the configured logger. It is
// canceled on interrupt, which kills running compilers.
func newContext(cfg *env.Config) (context.Context, context.CancelFunc) {
	logger := ctxlog.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	return ctxlog.WithLogger(ctx, logger), stop
}

// openRoot opens the configured build root for toolkit, attaching the
// remote mirror when one is configured.
func openRoot(ctx context.Context, cfg *env.Config, toolkit string) (*buildroot.Root, error) {
	opts := buildroot.Options{ToolkitVersion: toolkit}
	if cfg.Mirror.Enabled() {
		m, err := remote.NewS3Mirror(cfg.Mirror)
		if err != nil {
			return nil, err
		}
		opts.Mirror = m
		ctxlog.FromContext(ctx).Debug("Using remote mirror.", "endpoint", cfg.Mirror.Endpoint, "bucket", cfg.Mirror.Bucket)
	}
	return buildroot.Open(ctx, cfg.Root, opts)
}

// newToolchains identifies the host and target compilers.
func newToolchains(ctx context.Context, cfg *env.Config) (host, target toolchain.Toolchain, err error) {
	t, err := toolchain.NewGCC(ctx, toolchain.Target, cfg.TargetCXX, cfg.TargetAR)
	if err != nil {
		return nil, nil, fmt.Errorf("target toolchain: %w", err)
	}
	h, err := toolchain.NewGCC(ctx, toolchain.Host, cfg.HostCXX, cfg.HostAR)
	if err != nil {
		return nil, nil, fmt.Errorf("host toolchain: %w", err)
	}
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Identified toolchains.", "host", h.Identity().String(), "target", t.Identity().String())
	return h, t, nil
}
