package internal

import (
	"context"
	"fmt"

	"github.com/goplus/qtbuild/internal/manifest"
	"github.com/goplus/qtbuild/internal/plan"
	"github.com/spf13/cobra"
)

var planCmd = &cobra.Command{
	Use:   "plan [dir]",
	Short: "Print the build steps for the modules declared in dir",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPlan,
}

func init() {
	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	p, err := manifest.Load(context.Background(), projectDir(args), manifest.LoadOptions{})
	if err != nil {
		return err
	}
	pl, err := plan.Resolve(p.Modules, p.HostTools)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), pl)
	return nil
}
