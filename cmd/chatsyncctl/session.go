package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/profile"
)

func init() {
	tokenCmd.Flags().StringVar(&tokenUserFlag, "user", "", "user id (read from the token when omitted)")
	syncCmd.Flags().BoolVar(&syncForceFlag, "force", false, "wait for a running sync instead of skipping")
	syncCmd.Flags().StringVar(&syncChatFlag, "chat", "", "only sync messages of this chat")

	rootCmd.AddCommand(statusCmd, tokenCmd, syncCmd, foregroundCmd, backgroundCmd, watchCmd, profilesCmd)
}

var (
	tokenUserFlag string
	syncForceFlag bool
	syncChatFlag  string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon, connection and store status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(ctx context.Context, c *api.Client) error {
			resp, err := c.GetStatus(ctx)
			if err != nil {
				return err
			}
			output(resp, func() {
				user := resp.UserID
				if !resp.Authenticated {
					user = "(no token; run chatsyncctl token)"
				}
				fmt.Printf("Profile:   %s\n", resp.Profile)
				fmt.Printf("User:      %s\n", user)
				fmt.Printf("Realtime:  %s since %s\n", resp.RealtimeState, formatMillis(resp.RealtimeSinceUnixMs))
				fmt.Printf("Uptime:    %s\n", time.Duration(resp.UptimeMs)*time.Millisecond)
				fmt.Printf("Store:     ready=%v chats=%d messages=%d\n", resp.StoreReady, resp.Stats.Chats, resp.Stats.Messages)
				fmt.Printf("Queue:     pending=%d failed=%d\n", resp.Stats.QueuePending, resp.Stats.QueueFailed)
				fmt.Printf("Last sync: %s (running=%v)\n", formatMillis(resp.Sync.LastSyncAtUnixMs), resp.Sync.Running)
			})
			return nil
		})
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <bearer-token>",
	Short: "Set the backend token for this profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(ctx context.Context, c *api.Client) error {
			resp, err := c.SetAuthToken(ctx, &api.TokenRequest{Token: args[0], UserID: tokenUserFlag})
			if err != nil {
				return err
			}
			output(resp, func() { fmt.Printf("Authenticated as %s\n", resp.UserID) })
			return nil
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile the local store with the backend",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(ctx context.Context, c *api.Client) error {
			resp, err := c.SyncAll(ctx, &api.SyncRequest{Force: syncForceFlag, ChatID: syncChatFlag})
			if err != nil {
				return err
			}
			output(resp, func() { printSyncResult(resp) })
			return nil
		})
	},
}

func printSyncResult(st *api.SyncStatus) {
	r := st.LastResult
	if r == nil {
		fmt.Println("No sync result")
		return
	}
	switch {
	case r.Skipped:
		fmt.Println("Sync already running; skipped")
	case r.Success:
		fmt.Printf("Synced %d chats from %s in %s\n", len(r.Chats), r.Source, r.Duration.Round(time.Millisecond))
	default:
		fmt.Printf("Sync failed: %s\n", r.Message)
	}
	if len(r.FailedChats) > 0 {
		fmt.Printf("Chats served from local copy: %s\n", strings.Join(r.FailedChats, ", "))
	}
	if len(r.Purged) > 0 {
		fmt.Printf("Chats removed: %s\n", strings.Join(r.Purged, ", "))
	}
}

var foregroundCmd = &cobra.Command{
	Use:   "foreground",
	Short: "Tell the daemon the client is active: reconnect, flush the queue and resync",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(ctx context.Context, c *api.Client) error {
			resp, err := c.Foreground(ctx)
			if err != nil {
				return err
			}
			output(resp, func() { printSyncResult(resp) })
			return nil
		})
	},
}

var backgroundCmd = &cobra.Command{
	Use:   "background",
	Short: "Tell the daemon the client went idle; realtime disconnects after the grace period",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd.Context(), func(ctx context.Context, c *api.Client) error {
			return c.Background(ctx)
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [kind-prefix...]",
	Short: "Stream daemon events, optionally filtered by kind prefix (ui., sync., realtime., queue.)",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Streams run until interrupted, not under the request timeout.
		timeoutFlag = 24 * time.Hour
		return withClient(cmd.Context(), func(ctx context.Context, c *api.Client) error {
			err := c.WatchEvents(ctx, &api.WatchRequest{Prefixes: args}, func(e *api.Event) error {
				output(e, func() {
					fmt.Printf("%s %-24s %s\n", time.UnixMilli(e.OccurredAtUnixMs).Format("15:04:05.000"), e.Kind, e.Payload)
				})
				return nil
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	},
}

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List profiles and whether their daemon is running",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := profile.List()
		if err != nil {
			return err
		}
		type entry struct {
			Name    string `json:"name"`
			Running bool   `json:"running"`
		}
		entries := make([]entry, 0, len(names))
		for _, n := range names {
			entries = append(entries, entry{Name: n, Running: probeDaemon(profile.SocketPath(n))})
		}
		output(entries, func() {
			if len(entries) == 0 {
				fmt.Println("No profiles")
			}
			for _, e := range entries {
				state := "stopped"
				if e.Running {
					state = "running"
				}
				fmt.Printf("%-20s %s\n", e.Name, state)
			}
		})
		return nil
	},
}
