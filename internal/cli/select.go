package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pi-agent/model-selector/internal/bootstrap"
	"github.com/pi-agent/model-selector/internal/model"
	"github.com/pi-agent/model-selector/internal/selector"
)

var (
	selectAcquireLock bool
	selectWaitForLock bool
)

var selectCmd = &cobra.Command{
	Use:   "select",
	Short: "Run one full Selector.Run pass and print the outcome",
	RunE: func(c *cobra.Command, args []string) error {
		result, err := bootstrap.Bootstrap(&debugHost{}, homeDir)
		if err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		defer result.Shutdown()

		// The mapping config itself is the host's responsibility; standalone debug runs use an empty one so every
		// candidate is visible but none resolves to a model, surfacing raw
		// usage rather than a selection.
		cfg := model.LoadedConfig{}

		res := result.Selector.Run(context.Background(), selector.ReasonCommand, cfg, selector.Options{
			AcquireModelLock: selectAcquireLock,
			WaitForModelLock: selectWaitForLock,
		})
		if !res.Success {
			fmt.Printf("selection failed: %s\n", res.Reason)
			return nil
		}
		fmt.Printf("selected %s/%s: %s\n", res.Model.Provider, res.Model.ID, res.Reason)
		return nil
	},
}

func init() {
	selectCmd.Flags().BoolVar(&selectAcquireLock, "acquire-lock", false, "acquire the winning model's lock")
	selectCmd.Flags().BoolVar(&selectWaitForLock, "wait-for-lock", false, "poll for a contended lock instead of falling through immediately")
	rootCmd.AddCommand(selectCmd)
}
