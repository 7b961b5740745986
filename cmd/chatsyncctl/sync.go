package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/matheus3301/chatsync/internal/api"
	"github.com/spf13/cobra"
)

func init() {
	syncCmd.AddCommand(syncNowCmd, syncStatusCmd, syncResyncCmd)
	rootCmd.AddCommand(syncCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Inspect and drive the delta sync",
}

func printRound(r *api.SyncRoundResponse) error {
	return printResult(r, "Fetched %d page(s), %s delta(s), applied %s. Watermark %d.\n",
		r.Pages, humanize.Comma(int64(r.Deltas)), humanize.Comma(int64(r.Applied)), r.Watermark)
}

var syncNowCmd = &cobra.Command{
	Use:   "now",
	Short: "Run a sync round now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			r, err := c.SyncNow(ctx)
			if err != nil {
				return err
			}
			return printRound(r)
		})
	},
}

var syncResyncCmd = &cobra.Command{
	Use:   "resync",
	Short: "Drop cached chats and sync from scratch",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			r, err := c.Resync(ctx)
			if err != nil {
				return err
			}
			return printRound(r)
		})
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync bookkeeping",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			st, err := c.SyncStatus(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(st)
				return nil
			}
			if st.HasWatermark {
				fmt.Printf("Watermark:  %d (%s)\n", st.Watermark, ago(st.Watermark))
			} else {
				fmt.Println("Watermark:  none (full sync pending)")
			}
			fmt.Printf("Updating:   %v\n", st.Updating)
			fmt.Printf("Last round: %s, %s delta(s)\n", ago(st.LastRoundAt), humanize.Comma(int64(st.LastDeltas)))
			if st.LastError != "" {
				fmt.Printf("Last error: %s (%s)\n", st.LastError, ago(st.LastErrorAt))
			}
			return nil
		})
	},
}
