package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pi-agent/model-selector/internal/bootstrap"
	"github.com/pi-agent/model-selector/internal/jsonutil"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Run the Aggregator once against live credentials and print the snapshots",
	RunE: func(c *cobra.Command, args []string) error {
		result, err := bootstrap.Bootstrap(&debugHost{}, homeDir)
		if err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		defer result.Shutdown()

		snapshots := result.Selector.ProbeOnce(context.Background())
		out, err := jsonutil.MarshalIndent(snapshots, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)
}
