package cmd

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var ratelimitCmd = &cobra.Command{
	Use:   "ratelimit",
	Short: "Show the persisted per-model rate limiter state",
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}

		states := appInstance.Registry.Snapshot()
		if len(states) == 0 {
			fmt.Println("No rate limiter state recorded yet.")
			return nil
		}

		names := make([]string, 0, len(states))
		for name := range states {
			names = append(names, name)
		}
		sort.Strings(names)

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Model", "Tokens", "Capacity", "Refill/s", "EWMA", "Retry-After Until"})
		table.SetBorder(true)
		for _, name := range names {
			s := states[name]
			retryUntil := "-"
			if s.RetryAfterUntil > 0 {
				retryUntil = time.UnixMilli(s.RetryAfterUntil).Format(time.RFC3339)
			}
			table.Append([]string{
				name,
				fmt.Sprintf("%.2f", s.Tokens),
				fmt.Sprintf("%.2f", s.Capacity),
				fmt.Sprintf("%.2f", s.RefillPerSec),
				(time.Duration(s.EWMAMs) * time.Millisecond).String(),
				retryUntil,
			})
		}
		table.Render()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(ratelimitCmd)
}
