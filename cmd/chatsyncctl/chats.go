package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/spf13/cobra"
)

var (
	chatParticipants []string
	chatOneToOne     bool
	chatInviteLink   string
)

func init() {
	chatsCreateCmd.Flags().StringSliceVar(&chatParticipants, "participant", nil, "participant id (repeatable)")
	chatsCreateCmd.Flags().BoolVar(&chatOneToOne, "one-to-one", false, "create a one-to-one chat")
	chatsJoinCmd.Flags().StringVar(&chatInviteLink, "invite", "", "invite link")

	chatsCmd.AddCommand(chatsListCmd, chatsShowCmd, chatsCreateCmd, chatsDeleteCmd, chatsJoinCmd, chatsLeaveCmd)
	rootCmd.AddCommand(chatsCmd)
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List and manage chats",
}

var chatsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached chats, most recently active first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			resp, err := c.ListChats(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(resp)
				return nil
			}
			if len(resp.Chats) == 0 {
				fmt.Println("No chats.")
			}
			for _, p := range resp.Chats {
				last := ""
				if p.LastMessage != nil {
					last = truncate(p.LastMessage.Text, 40)
				}
				fmt.Printf("%-36s %-24s %4s unread  %-14s %s\n",
					p.ID, truncate(p.Name, 24), humanize.Comma(int64(p.UnreadMessagesCount)), ago(p.LastActivityAt), last)
			}
			if resp.Updating {
				fmt.Println("(sync in progress)")
			}
			return nil
		})
	},
}

var chatsShowCmd = &cobra.Command{
	Use:   "show <chat-id>",
	Short: "Show a chat and its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			chat, err := c.GetChat(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonFlag {
				outputJSON(chat)
				return nil
			}
			printChat(chat)
			return nil
		})
	},
}

var chatsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chat := model.Chat{Name: args[0], IsOneToOne: chatOneToOne}
		for _, id := range chatParticipants {
			chat.Participants = append(chat.Participants, model.Participant{ID: id})
		}
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			created, err := c.CreateChat(ctx, chat)
			if err != nil {
				return err
			}
			return printResult(created, "Created chat %s\n", created.ID)
		})
	},
}

var chatsDeleteCmd = &cobra.Command{
	Use:   "delete <chat-id>",
	Short: "Delete a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			if err := c.DeleteChat(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted chat %s\n", args[0])
			return nil
		})
	},
}

var chatsJoinCmd = &cobra.Command{
	Use:   "join <chat-id>",
	Short: "Join a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			chat, err := c.JoinChat(ctx, args[0], chatInviteLink)
			if err != nil {
				return explainJoin(err)
			}
			return printResult(chat, "Joined chat %s\n", chat.Name)
		})
	},
}

var chatsLeaveCmd = &cobra.Command{
	Use:   "leave <chat-id>",
	Short: "Leave a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			if err := c.LeaveChat(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Left chat %s\n", args[0])
			return nil
		})
	},
}

// explainJoin adds a hint for the join refusals the remote reports by code.
func explainJoin(err error) error {
	hints := map[string]string{
		model.CodeAlreadyJoined:     "already a member",
		model.CodeChatClosed:        "the chat is closed",
		model.CodeChatFull:          "the chat is full",
		model.CodeExpiredInviteLink: "the invite link expired",
		model.CodeInvalidInviteLink: "the invite link is invalid",
		model.CodeUserBlocked:       "you are blocked from this chat",
		model.CodeCooldown:          "joining is on cooldown, try again later",
	}
	for code, hint := range hints {
		if strings.Contains(err.Error(), code) {
			return fmt.Errorf("%s: %w", hint, err)
		}
	}
	return err
}

func printChat(chat *model.Chat) {
	fmt.Printf("%s  %s\n", chat.ID, chat.Name)
	names := make([]string, 0, len(chat.Participants))
	for _, p := range chat.Participants {
		names = append(names, firstNonEmpty(p.Name, p.ID))
	}
	fmt.Printf("Participants: %s\n", strings.Join(names, ", "))
	fmt.Printf("Unread: %d\n\n", chat.UnreadMessagesCount)
	for _, m := range chat.Messages {
		status := ""
		if !m.Status.IsZero() {
			status = " [" + m.Status.String() + "]"
		}
		edited := ""
		if m.EditedAt != 0 {
			edited = " (edited)"
		}
		fmt.Printf("%-14s %-12s %s%s%s\n", ago(m.CreatedAt), firstNonEmpty(m.SenderName, m.SenderID), m.Text, edited, status)
	}
}

func printResult(v any, format string, args ...any) error {
	if jsonFlag {
		outputJSON(v)
		return nil
	}
	fmt.Printf(format, args...)
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
