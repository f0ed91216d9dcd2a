package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/matheus3301/chatsync/internal/api"
)

var (
	createTypeFlag string
	createNameFlag string
	createDescFlag string
)

func init() {
	createChatCmd.Flags().StringVar(&createTypeFlag, "type", "", "direct or group (default: by participant count)")
	createChatCmd.Flags().StringVar(&createNameFlag, "name", "", "group name")
	createChatCmd.Flags().StringVar(&createDescFlag, "description", "", "group description")

	rootCmd.AddCommand(chatsCmd, createChatCmd, deleteChatCmd, readCmd, openCmd, leaveCmd)
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List chats, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(ctx context.Context, c *api.Client) error {
			resp, err := c.ListChats(ctx)
			if err != nil {
				return err
			}
			output(resp, func() {
				if len(resp.Chats) == 0 {
					fmt.Println("No chats")
				}
				for _, ch := range resp.Chats {
					unread := ""
					if ch.UnreadCount > 0 {
						unread = fmt.Sprintf(" (%d)", ch.UnreadCount)
					}
					fmt.Printf("%-36s %-6s %s%s\n", ch.ID, ch.Type, ch.Name, unread)
					if ch.LastMessage != "" {
						fmt.Printf("%-36s %-6s   %s  %s\n", "", "", formatMillis(ch.LastMessageTime), ch.LastMessage)
					}
				}
			})
			return nil
		})
	},
}

var createChatCmd = &cobra.Command{
	Use:   "create-chat <user-id>...",
	Short: "Create a chat with the given participants",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(ctx context.Context, c *api.Client) error {
			resp, err := c.CreateChat(ctx, &api.CreateChatRequest{
				Type:         createTypeFlag,
				Name:         createNameFlag,
				Description:  createDescFlag,
				Participants: args,
			})
			if err != nil {
				return err
			}
			output(resp, func() { fmt.Printf("Created %s chat %s (%s)\n", resp.Chat.Type, resp.Chat.ID, resp.Chat.Name) })
			return nil
		})
	},
}

var deleteChatCmd = &cobra.Command{
	Use:   "delete-chat <chat-id>",
	Short: "Delete a chat on the backend and locally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(ctx context.Context, c *api.Client) error {
			return c.DeleteChat(ctx, args[0])
		})
	},
}

var readCmd = &cobra.Command{
	Use:   "read <chat-id>",
	Short: "Mark a chat read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(ctx context.Context, c *api.Client) error {
			return c.MarkRead(ctx, args[0])
		})
	},
}

var openCmd = &cobra.Command{
	Use:   "open <chat-id>",
	Short: "Focus a chat: join it, sync its messages and mark it read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(ctx context.Context, c *api.Client) error {
			resp, err := c.EnterChat(ctx, args[0])
			if err != nil {
				return err
			}
			output(resp, func() { printMessages(resp) })
			return nil
		})
	},
}

var leaveCmd = &cobra.Command{
	Use:   "leave",
	Short: "Leave the focused chat",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(ctx context.Context, c *api.Client) error {
			return c.LeaveChat(ctx)
		})
	},
}
