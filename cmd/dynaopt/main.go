// Command dynaopt runs the weight optimization loop in the foreground.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type app struct {
	verbose bool
	envFile string
	log     *zap.Logger
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	a := &app{log: zap.NewNop()}
	root := &cobra.Command{
		Use:   "dynaopt",
		Short: "Remove low-stress solid elements from an LS-DYNA deck",
		Long: `dynaopt repeatedly runs LS-DYNA on a keyword deck, reads the element
stresses from elout and deletes the solid elements whose stress stays below
the limit, until nothing more can be removed.

Examples:
  dynaopt run --mesh beam.k --solver /opt/lsdyna/smp_d --stress-limit 50
  dynaopt run --job job.yaml --pdf report.pdf
  dynaopt hash-password`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			config := zap.NewProductionConfig()
			if a.verbose {
				config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			}
			logger, err := config.Build()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			a.log = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = a.log.Sync()
		},
	}
	root.SetOut(stdout)
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&a.envFile, "env", ".env", "Environment file with solver defaults")

	root.AddCommand(newRunCmd(a))
	root.AddCommand(newHashCmd())
	return root
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error: "+err.Error())
		os.Exit(1)
	}
}
