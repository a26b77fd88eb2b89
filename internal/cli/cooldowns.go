package cli

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/pi-agent/model-selector/internal/bootstrap"
)

var cooldownsClear bool

var cooldownsCmd = &cobra.Command{
	Use:   "cooldowns",
	Short: "Show or clear persisted cooldowns",
	RunE: func(c *cobra.Command, args []string) error {
		result, err := bootstrap.Bootstrap(&debugHost{}, homeDir)
		if err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		defer result.Shutdown()

		if cooldownsClear {
			result.Cooldowns.Clear()
			if err := result.Cooldowns.PersistCooldowns(); err != nil {
				return fmt.Errorf("persist after clear: %w", err)
			}
			fmt.Println("cleared all cooldowns")
			return nil
		}

		entries := result.Cooldowns.Snapshot()
		if len(entries) == 0 {
			fmt.Println("no active cooldowns")
			return nil
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
		now := time.Now()
		for _, e := range entries {
			status := "expired"
			if e.ExpiresAt.After(now) {
				status = fmt.Sprintf("expires in %s", e.ExpiresAt.Sub(now).Round(time.Second))
			}
			fmt.Printf("%-40s %s\n", e.Key, status)
		}
		return nil
	},
}

func init() {
	cooldownsCmd.Flags().BoolVar(&cooldownsClear, "clear", false, "clear every persisted cooldown")
	rootCmd.AddCommand(cooldownsCmd)
}
