// Package cli implements the selectorctl debug command tree (spec SPEC_FULL
// §A.5), in the style of an internal/cli root/serve structure: a
// cobra root command wiring bootstrap.Bootstrap into each subcommand.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pi-agent/model-selector/internal/logging"
)

var homeDir string

var rootCmd = &cobra.Command{
	Use:   "selectorctl",
	Short: "Debug CLI for the model-selection controller",
	Long: `selectorctl drives the model-selection controller outside its normal
host process, for local debugging: running probes, forcing one selection
pass, and inspecting persisted cooldown/lock state.`,
	PersistentPreRun: func(c *cobra.Command, args []string) {
		logging.SetupBaseLogger()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&homeDir, "home", "", "agent home directory (default $HOME/.pi)")
}

// Execute runs the root command, exiting non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
