package main

import (
	"context"
	"fmt"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/spf13/cobra"
)

var (
	settingsUser  string
	conflictLimit int
)

func init() {
	settingsCmd.PersistentFlags().StringVar(&settingsUser, "user", "", "user id (default: the session user)")
	settingsConflictsCmd.Flags().IntVar(&conflictLimit, "limit", 20, "number of conflicts to show")

	settingsCmd.AddCommand(settingsGetCmd, settingsSetCmd, settingsConflictsCmd)
	rootCmd.AddCommand(settingsCmd)
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Read and change user settings",
}

func printSettings(s *api.SettingsResponse) {
	fmt.Printf("User:          %s\n", s.UserID)
	fmt.Printf("ui_language:   %s\n", s.Settings.UILanguage)
	fmt.Printf("theme:         %s\n", s.Settings.Theme)
	fmt.Printf("notifications: %s\n", s.Settings.Notifications)
	fmt.Printf("State:         %s (synced %s)\n", s.State, ago(s.Metadata.LastSyncedAt))
	for _, r := range s.Rows {
		if r.Pending() {
			fmt.Printf("  %s pending (local v%d, synced v%d, %s)\n", r.Key, r.LocalVersion, r.SyncedVersion, r.SyncStatus)
		}
	}
	if s.UpdateError != "" {
		fmt.Printf("Last sync error: %s\n", s.UpdateError)
	}
}

var settingsGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			s, err := c.Settings(ctx, settingsUser)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(s)
				return nil
			}
			printSettings(s)
			return nil
		})
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Change a setting; it is pushed in the background",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			s, err := c.SetSetting(ctx, settingsUser, args[0], args[1])
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(s)
				return nil
			}
			printSettings(s)
			return nil
		})
	},
}

var settingsConflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Show recent settings conflicts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			events, err := c.Conflicts(ctx, settingsUser, conflictLimit)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(events)
				return nil
			}
			if len(events) == 0 {
				fmt.Println("No conflicts.")
			}
			for _, e := range events {
				fmt.Printf("%-14s %-14s local=%s server=%s kept=%s (%s won)\n",
					ago(e.ConflictedAt), e.Key, e.LocalValue, e.ServerValue, e.AcceptedValue, e.Winner)
			}
			return nil
		})
	},
}
