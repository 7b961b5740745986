package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/spf13/cobra"
)

func init() {
	chatsCmd.AddCommand(chatsWatchCmd)
	rootCmd.AddCommand(eventsCmd)
}

// follow is withClient without the request timeout; it ends on Ctrl-C.
func follow(cmd *cobra.Command, fn func(ctx context.Context, c *api.Client) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	cmd.SetContext(ctx)
	saved := timeoutFlag
	timeoutFlag = 0
	defer func() { timeoutFlag = saved }()
	err := withClient(cmd, fn)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

var chatsWatchCmd = &cobra.Command{
	Use:   "watch [chat-id]",
	Short: "Follow the chat list, or one chat",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return follow(cmd, func(ctx context.Context, c *api.Client) error {
			if len(args) == 1 {
				return c.WatchChat(ctx, args[0], func(r *api.ChatResponse) error {
					switch {
					case jsonFlag:
						outputJSON(r)
					case r.Chat == nil:
						fmt.Printf("chat %s not cached yet\n", args[0])
					default:
						printChat(r.Chat)
						fmt.Println()
					}
					return nil
				})
			}
			return c.WatchChatList(ctx, func(r *api.ChatListResponse) error {
				if jsonFlag {
					outputJSON(r)
					return nil
				}
				fmt.Printf("-- %d chat(s)\n", len(r.Chats))
				for _, p := range r.Chats {
					fmt.Printf("%-36s %-24s %d unread\n", p.ID, truncate(p.Name, 24), p.UnreadMessagesCount)
				}
				return nil
			})
		})
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events [namespace...]",
	Short: "Stream daemon events, optionally filtered by kind prefix (chat., sync., settings.)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return follow(cmd, func(ctx context.Context, c *api.Client) error {
			return c.WatchEvents(ctx, args, func(e *api.Event) error {
				if jsonFlag {
					outputJSON(e)
					return nil
				}
				fmt.Printf("%s %-28s %v\n", ago(e.At), e.Kind, e.Payload)
				return nil
			})
		})
	},
}
