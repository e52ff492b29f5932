package internal

import (
	"fmt"

	"github.com/goplus/qtbuild/internal/buildroot"
	"github.com/spf13/cobra"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove every cached output from the build root",
	Args:  cobra.NoArgs,
	RunE:  runClean,
}

func init() {
	rootCmd.AddCommand(cleanCmd)
}

func runClean(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(".")
	if err != nil {
		return err
	}
	ctx, stop := newContext(cfg)
	defer stop()

	root, err := buildroot.Open(ctx, cfg.Root, buildroot.Options{})
	if err != nil {
		return err
	}
	if err := root.Clean(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "cleaned %s\n", root.Dir())
	return nil
}
