package internal

import (
	"fmt"

	"github.com/goplus/qtbuild/internal/build"
	"github.com/goplus/qtbuild/internal/manifest"
	"github.com/spf13/cobra"
)

var buildSourceRoot string

var buildCmd = &cobra.Command{
	Use:   "build [dir]",
	Short: "Build every module declared in dir",
	Long: `Build loads the *.hcl declarations in dir (default: the current directory)
and builds every module. Outputs already present in the build root are reused.
Modules that depend on a failed module or host tool are reported as blocked.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBuild,
}

func init() {
	buildCmd.Flags().StringVar(&buildSourceRoot, "source-root", "", "Directory relative source paths resolve against (default: dir)")
	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	dir := projectDir(args)
	cfg, err := loadConfig(dir)
	if err != nil {
		return err
	}
	ctx, stop := newContext(cfg)
	defer stop()

	p, err := manifest.Load(ctx, dir, manifest.LoadOptions{SourceRoot: buildSourceRoot})
	if err != nil {
		return err
	}
	root, err := openRoot(ctx, cfg, p.Toolkit.Version)
	if err != nil {
		return err
	}
	host, target, err := newToolchains(ctx, cfg)
	if err != nil {
		return err
	}
	b, err := build.New(build.Options{Root: root, Host: host, Target: target, Jobs: cfg.Jobs})
	if err != nil {
		return err
	}

	report, err := b.Build(ctx, p)
	if report != nil {
		fmt.Fprint(cmd.OutOrStdout(), report.Summary())
	}
	if err != nil {
		return fmt.Errorf("failed to build %s: %w", p.Dir, err)
	}
	return nil
}

func projectDir(args []string) string {
	if len(args) == 0 {
		return "."
	}
	return args[0]
}
