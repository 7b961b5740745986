package main

import (
	"context"
	"fmt"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/spf13/cobra"
)

var (
	replyTo        string
	deleteEveryone bool
)

func init() {
	messagesSendCmd.Flags().StringVar(&replyTo, "reply-to", "", "parent message id")
	messagesDeleteCmd.Flags().BoolVar(&deleteEveryone, "everyone", false, "delete for every participant")

	messagesCmd.AddCommand(messagesSendCmd, messagesEditCmd, messagesDeleteCmd, messagesReadCmd)
	rootCmd.AddCommand(messagesCmd)
}

var messagesCmd = &cobra.Command{
	Use:     "messages",
	Aliases: []string{"msg"},
	Short:   "Send and manage messages",
}

var messagesSendCmd = &cobra.Command{
	Use:   "send <chat-id> <text>",
	Short: "Send a message and follow its delivery",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		msg := model.Message{ChatID: args[0], Text: args[1], ParentID: replyTo}
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			return c.SendMessage(ctx, msg, func(m model.Message) {
				if jsonFlag {
					outputJSON(m)
					return
				}
				fmt.Printf("%s %s\n", m.ID, m.Status)
			})
		})
	},
}

var messagesEditCmd = &cobra.Command{
	Use:   "edit <chat-id> <message-id> <text>",
	Short: "Edit a message",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		msg := model.Message{ChatID: args[0], ID: args[1], Text: args[2]}
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			edited, err := c.EditMessage(ctx, msg)
			if err != nil {
				return err
			}
			return printResult(edited, "Edited %s at %s\n", edited.ID, ago(edited.EditedAt))
		})
	},
}

var messagesDeleteCmd = &cobra.Command{
	Use:   "delete <message-id>",
	Short: "Delete a message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode := model.DeleteForSenderOnly
		if deleteEveryone {
			mode = model.DeleteForEveryone
		}
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			if err := c.DeleteMessage(ctx, args[0], mode); err != nil {
				return err
			}
			fmt.Printf("Deleted %s\n", args[0])
			return nil
		})
	},
}

var messagesReadCmd = &cobra.Command{
	Use:   "read <chat-id> <upto-message-id>",
	Short: "Mark messages as read up to a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *api.Client) error {
			chat, err := c.MarkRead(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return printResult(chat, "%s: %d unread\n", chat.Name, chat.UnreadMessagesCount)
		})
	},
}
