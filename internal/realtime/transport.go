// Package realtime maintains the websocket connection to the chat backend:
// authenticated dial, bounded reconnection, keepalive, and typed listener
// fan-out for server events.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/backend"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
)

var (
	// ErrNotConnected is returned by emits while the socket is down. The send
	// queue owns retrying; the transport only reports.
	ErrNotConnected = errors.New("realtime transport not connected")
	// ErrNoToken is returned by Connect before SetAuthToken.
	ErrNoToken = errors.New("realtime transport has no auth token")
)

// Config holds the transport tunables.
type Config struct {
	URL                  string
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	PingInterval         time.Duration
	WriteTimeout         time.Duration
}

func (c *Config) defaults() {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay < c.ReconnectDelay {
		c.MaxReconnectDelay = max(30*time.Second, c.ReconnectDelay)
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// Transport is a reconnecting websocket client. Its connection state is
// tracked by a status.Machine.
type Transport struct {
	cfg     Config
	machine *status.Machine
	logger  *zap.Logger
	ls      listeners

	mu      sync.Mutex
	token   string
	conn    *websocket.Conn
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a disconnected transport.
func New(cfg Config, machine *status.Machine, logger *zap.Logger) *Transport {
	if machine == nil {
		panic("realtime: nil status machine")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.defaults()
	return &Transport{
		cfg:     cfg,
		machine: machine,
		logger:  logger.With(zap.String("component", "realtime")),
	}
}

// SetAuthToken sets the token presented on the next dial.
func (t *Transport) SetAuthToken(token string) {
	t.mu.Lock()
	t.token = token
	t.mu.Unlock()
}

// State returns the current connection state.
func (t *Transport) State() status.State {
	return t.machine.Current()
}

// Connected reports whether frames can be written right now.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Connect starts the connection loop if it is not already running and waits
// for the first dial to finish. When that dial fails the loop keeps retrying
// in the background under the reconnect policy; the error is still returned.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}
	if t.token == "" {
		t.mu.Unlock()
		return ErrNoToken
	}
	change, err := t.machine.Transition(status.Connecting)
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("connect: %w", err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.running, t.cancel, t.done = true, cancel, done
	t.mu.Unlock()
	t.ls.state.emit(change)

	first := make(chan error, 1)
	go t.run(runCtx, first, done)

	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconnect stops a running loop, closing any live socket, and dials again
// with the current token. After terminal failure it simply restarts the loop.
func (t *Transport) Reconnect(ctx context.Context) error {
	t.mu.Lock()
	running := t.running
	t.mu.Unlock()
	if running {
		t.Disconnect()
	}
	return t.Connect(ctx)
}

// Disconnect stops the loop and closes the socket. No reconnection follows.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	running, cancel, done := t.running, t.cancel, t.done
	t.mu.Unlock()

	if running {
		cancel()
		<-done
		return
	}
	if t.machine.Is(status.Failed) {
		t.finish(status.Disconnected, "client disconnect")
	}
}

func (t *Transport) run(ctx context.Context, first chan<- error, done chan struct{}) {
	defer close(done)

	var bo backoff.BackOff = backoff.WithMaxRetries(t.newBackOff(), uint64(t.cfg.MaxReconnectAttempts))
	bo.Reset()
	for {
		conn, err := t.dial(ctx)
		if first != nil {
			first <- err
			first = nil
		}
		if err == nil {
			bo.Reset()
			t.mu.Lock()
			t.conn = conn
			t.mu.Unlock()
			t.transition(status.Connected, "")
			t.logger.Info("realtime connected", zap.String("url", t.cfg.URL))

			err = t.serve(ctx, conn)

			t.mu.Lock()
			t.conn = nil
			t.mu.Unlock()
			if ctx.Err() != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
			} else {
				_ = conn.CloseNow()
			}
		}
		if ctx.Err() != nil {
			t.finish(status.Disconnected, "client disconnect")
			return
		}

		reason := errString(err)
		t.transition(status.Reconnecting, reason)
		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			t.logger.Warn("realtime reconnect attempts exhausted",
				zap.Int("attempts", t.cfg.MaxReconnectAttempts), zap.Error(err))
			t.finish(status.Failed, reason)
			return
		}
		t.logger.Warn("realtime connection lost, retrying",
			zap.Duration("delay", delay), zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			t.finish(status.Disconnected, "client disconnect")
			return
		case <-timer.C:
		}
		t.transition(status.Connecting, "")
	}
}

func (t *Transport) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.cfg.ReconnectDelay
	b.MaxInterval = t.cfg.MaxReconnectDelay
	b.MaxElapsedTime = 0
	return b
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	t.mu.Lock()
	token := t.token
	t.mu.Unlock()

	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w", err)
	}
	conn.SetReadLimit(1 << 20)
	return conn, nil
}

// serve reads frames until the connection fails or ctx is cancelled.
func (t *Transport) serve(ctx context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if t.cfg.PingInterval > 0 {
		go t.keepalive(ctx, conn)
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		t.dispatch(data)
	}
}

// keepalive pings on an interval. A failed ping closes the socket, which ends
// serve and triggers reconnection.
func (t *Transport) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, t.cfg.PingInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				t.logger.Warn("realtime ping failed", zap.Error(err))
				_ = conn.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

func (t *Transport) transition(to status.State, reason string) {
	change, err := t.machine.TransitionWithReason(to, reason)
	if err != nil {
		t.logger.Debug("realtime state transition skipped", zap.Error(err))
		return
	}
	t.ls.state.emit(change)
}

// finish moves to a resting state and marks the loop stopped under the same
// lock Connect takes, so a concurrent Connect sees a consistent pair.
func (t *Transport) finish(to status.State, reason string) {
	t.mu.Lock()
	t.running = false
	change, err := t.machine.TransitionWithReason(to, reason)
	t.mu.Unlock()
	if err != nil {
		t.logger.Debug("realtime state transition skipped", zap.Error(err))
		return
	}
	t.logger.Info("realtime stopped", zap.String("state", string(to)), zap.String("reason", reason))
	t.ls.state.emit(change)
}

// Emit writes a client event. While disconnected it logs and returns
// ErrNotConnected without writing anything.
func (t *Transport) Emit(ctx context.Context, event string, data any) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		t.logger.Warn("realtime emit while disconnected", zap.String("event", event))
		return ErrNotConnected
	}
	b, err := json.Marshal(outFrame{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	ctx, cancel := context.WithTimeout(ctx, t.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.logger.Warn("realtime emit failed", zap.String("event", event), zap.Error(err))
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

// SendMessage emits send_message.
func (t *Transport) SendMessage(ctx context.Context, p SendMessagePayload) error {
	if p.MessageType == "" {
		p.MessageType = "text"
	}
	return t.Emit(ctx, EventSendMessage, p)
}

// JoinChat emits join_chat.
func (t *Transport) JoinChat(ctx context.Context, chatID string) error {
	return t.Emit(ctx, EventJoinChat, map[string]string{"chatId": chatID})
}

// SetTyping emits typing_start or typing_stop.
func (t *Transport) SetTyping(ctx context.Context, chatID string, typing bool) error {
	event := EventTypingStop
	if typing {
		event = EventTypingStart
	}
	return t.Emit(ctx, event, map[string]string{"chatId": chatID})
}

// MarkAsRead emits mark_as_read.
func (t *Transport) MarkAsRead(ctx context.Context, messageID string) error {
	return t.Emit(ctx, EventMarkAsRead, map[string]string{"messageId": messageID})
}

func (t *Transport) dispatch(data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.logger.Debug("realtime frame not json", zap.Error(err))
		return
	}
	var rec backend.Record
	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, &rec); err != nil {
			t.logger.Debug("realtime payload not an object", zap.String("event", f.Event), zap.Error(err))
			return
		}
	}
	if rec == nil {
		rec = backend.Record{}
	}

	switch f.Event {
	case EventNewMessage:
		t.ls.message.emit(unwrap(rec, "message"))
	case EventMessageSent:
		t.ls.sent.emit(parseSentAck(rec))
	case EventMessageDelivered:
		t.ls.delivered.emit(parseReceipt(rec, store.StatusDelivered))
	case EventMessageRead:
		t.ls.read.emit(parseReceipt(rec, store.StatusRead))
	case EventMessageStatusUpdate:
		switch st := store.ParseStatus(rec.String("status")); st {
		case store.StatusRead:
			t.ls.read.emit(parseReceipt(rec, st))
		case store.StatusDelivered:
			t.ls.delivered.emit(parseReceipt(rec, st))
		default:
			t.logger.Debug("realtime status update ignored", zap.String("status", string(st)))
		}
	case EventChatCreated:
		t.ls.chatCreated.emit(unwrap(rec, "chat"))
	case EventJoinedChat:
		t.ls.joined.emit(JoinedChat{ChatID: rec.String("chatId", "chat_id", "id")})
	case EventUserOnline, EventUserOffline:
		t.ls.presence.emit(Presence{
			UserID: rec.String("userId", "user_id", "id"),
			Online: f.Event == EventUserOnline,
		})
	case EventUserTyping:
		t.ls.typing.emit(parseTyping(rec))
	case EventError:
		t.logger.Warn("realtime server error", zap.String("message", rec.String("message", "error")))
	default:
		t.logger.Debug("realtime event ignored", zap.String("event", f.Event))
	}
}

func errString(err error) string {
	if err == nil {
		return "connection closed"
	}
	return err.Error()
}
