package config

import (
	"fmt"
	"time"
)

// Duration is a time.Duration that reads and writes TOML strings like "1s".
type Duration struct {
	time.Duration
}

// D wraps d.
func D(d time.Duration) Duration { return Duration{d} }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// Profile is the per-profile profile.toml.
type Profile struct {
	Server   Server   `toml:"server"`
	Sync     Sync     `toml:"sync"`
	Queue    Queue    `toml:"queue"`
	Realtime Realtime `toml:"realtime"`
	Contacts Contacts `toml:"contacts"`
}

// Server locates the chat backend and identifies the local user.
type Server struct {
	BaseURL string `toml:"base_url"`
	WSURL   string `toml:"ws_url"`
	UserID  string `toml:"user_id"`
	Token   string `toml:"token"`
}

// Sync tunes the reconciliation engine.
type Sync struct {
	FetchAttempts          int      `toml:"fetch_attempts"`
	FetchBaseDelay         Duration `toml:"fetch_base_delay"`
	MessageSyncChats       int      `toml:"message_sync_chats"`
	MessageSyncConcurrency int      `toml:"message_sync_concurrency"`
	MessagePageSize        int      `toml:"message_page_size"`
	BackgroundInterval     Duration `toml:"background_interval"`
	StoreReadyTimeout      Duration `toml:"store_ready_timeout"`
	StoreOpTimeout         Duration `toml:"store_op_timeout"`
}

// Queue tunes the send queue.
type Queue struct {
	MaxRetries   int      `toml:"max_retries"`
	BaseDelay    Duration `toml:"base_delay"`
	PollInterval Duration `toml:"poll_interval"`
}

// Realtime tunes the websocket transport.
type Realtime struct {
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
	ReconnectDelay       Duration `toml:"reconnect_delay"`
	MaxReconnectDelay    Duration `toml:"max_reconnect_delay"`
	PingInterval         Duration `toml:"ping_interval"`
	DisconnectGrace      Duration `toml:"disconnect_grace"`
}

// Contacts configures the contact resolution cache.
type Contacts struct {
	File string `toml:"file"`
	// DefaultCountryCode is prepended to national numbers when formatting a
	// phone number as a chat name, e.g. "+7". Empty disables it.
	DefaultCountryCode string `toml:"default_country_code"`
}

// Default returns a profile with every tunable set.
func Default() *Profile {
	return &Profile{
		Server: Server{
			BaseURL: "http://127.0.0.1:8080",
			WSURL:   "ws://127.0.0.1:8080/ws",
		},
		Sync: Sync{
			FetchAttempts:          3,
			FetchBaseDelay:         D(time.Second),
			MessageSyncChats:       5,
			MessageSyncConcurrency: 2,
			MessagePageSize:        50,
			BackgroundInterval:     D(5 * time.Minute),
			StoreReadyTimeout:      D(10 * time.Second),
			StoreOpTimeout:         D(5 * time.Second),
		},
		Queue: Queue{
			MaxRetries:   3,
			BaseDelay:    D(time.Second),
			PollInterval: D(500 * time.Millisecond),
		},
		Realtime: Realtime{
			MaxReconnectAttempts: 5,
			ReconnectDelay:       D(2 * time.Second),
			MaxReconnectDelay:    D(30 * time.Second),
			PingInterval:         D(25 * time.Second),
			DisconnectGrace:      D(5 * time.Second),
		},
	}
}

// fillZero restores defaults for numeric tunables explicitly set to zero or
// below, which would otherwise disable retries or spin loops.
func (p *Profile) fillZero() {
	d := Default()
	positive := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	positiveDur := func(v *Duration, def Duration) {
		if v.Duration <= 0 {
			*v = def
		}
	}
	positive(&p.Sync.FetchAttempts, d.Sync.FetchAttempts)
	positive(&p.Sync.MessageSyncChats, d.Sync.MessageSyncChats)
	positive(&p.Sync.MessageSyncConcurrency, d.Sync.MessageSyncConcurrency)
	positive(&p.Sync.MessagePageSize, d.Sync.MessagePageSize)
	positiveDur(&p.Sync.FetchBaseDelay, d.Sync.FetchBaseDelay)
	positiveDur(&p.Sync.BackgroundInterval, d.Sync.BackgroundInterval)
	positiveDur(&p.Sync.StoreReadyTimeout, d.Sync.StoreReadyTimeout)
	positiveDur(&p.Sync.StoreOpTimeout, d.Sync.StoreOpTimeout)
	positive(&p.Queue.MaxRetries, d.Queue.MaxRetries)
	positiveDur(&p.Queue.BaseDelay, d.Queue.BaseDelay)
	positiveDur(&p.Queue.PollInterval, d.Queue.PollInterval)
	positive(&p.Realtime.MaxReconnectAttempts, d.Realtime.MaxReconnectAttempts)
	positiveDur(&p.Realtime.ReconnectDelay, d.Realtime.ReconnectDelay)
	positiveDur(&p.Realtime.MaxReconnectDelay, d.Realtime.MaxReconnectDelay)
	positiveDur(&p.Realtime.PingInterval, d.Realtime.PingInterval)
	positiveDur(&p.Realtime.DisconnectGrace, d.Realtime.DisconnectGrace)
}
