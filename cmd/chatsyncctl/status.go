package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
	sessionsCmd.AddCommand(sessionsListCmd, sessionsUseCmd)
	rootCmd.AddCommand(sessionsCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(st)
				return nil
			}
			fmt.Printf("Session:    %s\n", st.Session)
			fmt.Printf("User:       %s\n", st.UserID)
			fmt.Printf("Status:     %s (since %s)\n", st.State, ago(st.StateSince))
			fmt.Printf("Connection: %s\n", st.Connection)
			fmt.Printf("Updating:   %v\n", st.Updating)
			fmt.Printf("Chats:      %s\n", humanize.Comma(int64(st.Chats)))
			fmt.Printf("Uptime:     %s\n", time.Duration(st.UptimeMs)*time.Millisecond)
			return nil
		})
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage sessions",
}

type sessionInfo struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Running bool   `json:"running"`
	State   string `json:"state,omitempty"`
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		names, err := session.List()
		if err != nil {
			return err
		}
		infos := make([]sessionInfo, 0, len(names))
		for _, name := range names {
			info := sessionInfo{Name: name, Path: session.Dir(name)}
			if st, err := pingDaemon(cmd.Context(), name); err == nil {
				info.Running, info.State = true, st.State
			}
			infos = append(infos, info)
		}
		if jsonFlag {
			outputJSON(infos)
			return nil
		}
		if len(infos) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}
		for _, s := range infos {
			running := "stopped"
			if s.Running {
				running = "running, " + s.State
			}
			fmt.Printf("%-20s %s (%s)\n", s.Name, s.Path, running)
		}
		return nil
	},
}

var sessionsUseCmd = &cobra.Command{
	Use:   "use <name>",
	Short: "Set the default session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := session.ValidateName(args[0]); err != nil {
			return err
		}
		path := session.GlobalConfigPath()
		g, err := config.LoadGlobal(path)
		if err != nil {
			return err
		}
		g.DefaultSession = args[0]
		if err := config.Save(path, g); err != nil {
			return err
		}
		fmt.Printf("Default session is now %s\n", args[0])
		return nil
	},
}

// pingDaemon asks a session daemon for its status, failing fast when none runs.
func pingDaemon(ctx context.Context, name string) (*api.StatusResponse, error) {
	sock := session.SocketPath(name)
	if _, err := os.Stat(sock); err != nil {
		return nil, err
	}
	c, err := api.Dial(sock)
	if err != nil {
		return nil, err
	}
	defer func() { _ = c.Close() }()
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	return c.Status(ctx)
}
