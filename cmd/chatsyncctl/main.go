package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/profile"
)

var (
	profileFlag string
	jsonFlag    bool
	timeoutFlag time.Duration
	noStartFlag bool
)

var rootCmd = &cobra.Command{
	Use:           "chatsyncctl",
	Short:         "Control a chatsync daemon",
	Long:          "chatsyncctl talks to the chatsync daemon of a profile over its unix socket, starting the daemon when it is not running.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&profileFlag, "profile", "", "profile name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 30*time.Second, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&noStartFlag, "no-start", false, "do not start the daemon when it is not running")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func profileName() (string, error) {
	name := profile.Resolve(profileFlag)
	if err := profile.ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}

// withClient connects to the profile's daemon, starting it when needed, and
// runs fn under the request timeout.
func withClient(parent context.Context, fn func(ctx context.Context, c *api.Client) error) error {
	name, err := profileName()
	if err != nil {
		return err
	}
	socketPath := profile.SocketPath(name)
	if !probeDaemon(socketPath) {
		if noStartFlag {
			return fmt.Errorf("daemon for profile %q is not running", name)
		}
		if err := startDaemon(name); err != nil {
			return fmt.Errorf("start daemon: %w", err)
		}
		if !waitForDaemon(socketPath, 15*time.Second) {
			return fmt.Errorf("daemon for profile %q did not come up; see %s", name, profile.LogPath(name))
		}
	}

	c, err := api.Dial(socketPath)
	if err != nil {
		return fmt.Errorf("cannot connect to daemon for profile %q: %w", name, err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(parent, timeoutFlag)
	defer cancel()
	return fn(ctx, c)
}

// output prints v as indented JSON when --json is set, otherwise calls text.
func output(v any, text func()) {
	if jsonFlag {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(v)
		return
	}
	text()
}

func formatMillis(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04")
}
