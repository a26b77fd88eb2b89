package cli

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/pi-agent/model-selector/internal/bootstrap"
)

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "List currently held model locks and their heartbeat age",
	RunE: func(c *cobra.Command, args []string) error {
		result, err := bootstrap.Bootstrap(&debugHost{}, homeDir)
		if err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		defer result.Shutdown()

		entries, err := result.Locks.List()
		if err != nil {
			return fmt.Errorf("list locks: %w", err)
		}
		if len(entries) == 0 {
			fmt.Println("no held locks")
			return nil
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
		for _, e := range entries {
			owner := "other process"
			if e.OwnedByThisPID {
				owner = "this process"
			}
			fmt.Printf("%-30s pid=%-8d heartbeat-age=%-10s owner=%s\n",
				e.Key, e.Lock.PID, e.HeartbeatAge.Round(time.Second), owner)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(locksCmd)
}
