package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/store"
)

var (
	messagesLimitFlag int
	searchLimitFlag   int
	replyToFlag       string
	chatFlag          string
	stopFlag          bool
)

func init() {
	messagesCmd.Flags().IntVar(&messagesLimitFlag, "limit", 50, "show at most this many of the newest messages")
	sendCmd.Flags().StringVar(&replyToFlag, "reply-to", "", "message id to reply to")
	searchCmd.Flags().StringVar(&chatFlag, "chat", "", "only search this chat")
	searchCmd.Flags().IntVar(&searchLimitFlag, "limit", 20, "maximum results")
	typingCmd.Flags().BoolVar(&stopFlag, "stop", false, "clear the typing indicator")

	queueCmd.AddCommand(queueRetryCmd, queueClearCmd)
	rootCmd.AddCommand(messagesCmd, sendCmd, searchCmd, typingCmd, queueCmd)
}

func printMessages(resp *api.MessagesResponse) {
	if resp.Warning != "" {
		fmt.Printf("warning: %s\n", resp.Warning)
	}
	if len(resp.Messages) == 0 {
		fmt.Println("No messages")
	}
	for _, m := range resp.Messages {
		sender := m.SenderName
		if sender == "" {
			sender = m.SenderID
		}
		mark := ""
		if m.Status != store.StatusSent && m.Status != "" {
			mark = " [" + string(m.Status) + "]"
		}
		fmt.Printf("%s  %s: %s%s\n", formatMillis(m.Timestamp), sender, m.Content, mark)
	}
}

var messagesCmd = &cobra.Command{
	Use:   "messages <chat-id>",
	Short: "Show a chat's stored messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(ctx context.Context, c *api.Client) error {
			resp, err := c.ListMessages(ctx, &api.ListMessagesRequest{ChatID: args[0], Limit: messagesLimitFlag})
			if err != nil {
				return err
			}
			output(resp, func() { printMessages(resp) })
			return nil
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <chat-id> <text>...",
	Short: "Queue a text message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(ctx context.Context, c *api.Client) error {
			resp, err := c.SendText(ctx, &api.SendRequest{
				ChatID:  args[0],
				Content: strings.Join(args[1:], " "),
				ReplyTo: replyToFlag,
			})
			if err != nil {
				return err
			}
			output(resp, func() { fmt.Printf("Queued %s (client id %s)\n", resp.Item.ID, resp.Item.ClientID) })
			return nil
		})
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>...",
	Short: "Full-text search stored messages",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(ctx context.Context, c *api.Client) error {
			resp, err := c.SearchMessages(ctx, &api.SearchRequest{
				Query:  strings.Join(args, " "),
				ChatID: chatFlag,
				Limit:  searchLimitFlag,
			})
			if err != nil {
				return err
			}
			output(resp, func() {
				if len(resp.Results) == 0 {
					fmt.Println("No matches")
				}
				for _, r := range resp.Results {
					fmt.Printf("%s  %s  %s\n", formatMillis(r.Timestamp), r.ChatID, r.Snippet)
				}
			})
			return nil
		})
	},
}

var typingCmd = &cobra.Command{
	Use:   "typing <chat-id>",
	Short: "Send a typing indicator",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(ctx context.Context, c *api.Client) error {
			return c.Typing(ctx, args[0], !stopFlag)
		})
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show the send queue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(ctx context.Context, c *api.Client) error {
			resp, err := c.ListQueue(ctx)
			if err != nil {
				return err
			}
			output(resp, func() {
				if len(resp.Items) == 0 {
					fmt.Println("Queue empty")
				}
				for _, it := range resp.Items {
					fmt.Printf("%-36s %-8s retries=%d chat=%s %q", it.ID, it.Status, it.RetryCount, it.ChatID, it.Payload.Content)
					if it.LastError != "" {
						fmt.Printf(" error=%q", it.LastError)
					}
					fmt.Println()
				}
			})
			return nil
		})
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Retry every failed message",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(ctx context.Context, c *api.Client) error {
			resp, err := c.RetryFailed(ctx)
			if err != nil {
				return err
			}
			output(resp, func() { fmt.Printf("Retrying %d messages\n", resp.Count) })
			return nil
		})
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every failed message",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(ctx context.Context, c *api.Client) error {
			resp, err := c.ClearFailed(ctx)
			if err != nil {
				return err
			}
			output(resp, func() { fmt.Printf("Cleared %d messages\n", resp.Count) })
			return nil
		})
	},
}
