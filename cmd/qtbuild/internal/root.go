package internal

import (
	"log"

	"github.com/spf13/cobra"
)

var (
	rootFlag    string
	jobsFlag    int
	verboseFlag bool
)

var rootCmd = &cobra.Command{
	Use:   "qtbuild",
	Short: "qtbuild builds a Qt-like C++ toolkit from its module declarations",
	Long: `qtbuild generates the configuration headers, builds host code generators,
runs them and compiles every declared module into a shared, content-addressed
build root.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&rootFlag, "root", "", "Build root directory (default $QTBUILD_ROOT or the user cache)")
	flags.IntVarP(&jobsFlag, "jobs", "j", 0, "Number of parallel jobs (default $QTBUILD_JOBS or the number of CPUs)")
	flags.BoolVarP(&verboseFlag, "verbose", "v", false, "Enable debug logging")
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		log.Fatal(err)
	}
}
