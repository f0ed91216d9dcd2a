package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/matheus3301/chatsync/internal/backend"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
)

type wsServer struct {
	srv    *httptest.Server
	conns  chan *websocket.Conn
	tokens chan string
}

var validTokens = map[string]bool{"tok": true, "new-token": true}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{conns: make(chan *websocket.Conn, 4), tokens: make(chan string, 8)}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if !validTokens[token] || r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		select {
		case s.tokens <- token:
		default:
		}
		s.conns <- c
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
}

func (s *wsServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		t.Cleanup(func() { _ = c.CloseNow() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted a connection")
		return nil
	}
}

func send(t *testing.T, c *websocket.Conn, event string, data any) {
	t.Helper()
	b, _ := json.Marshal(map[string]any{"event": event, "data": data})
	if err := c.Write(context.Background(), websocket.MessageText, b); err != nil {
		t.Fatal(err)
	}
}

func newTransport(t *testing.T, url string, attempts int) *Transport {
	t.Helper()
	tr := New(Config{
		URL:                  url,
		MaxReconnectAttempts: attempts,
		ReconnectDelay:       10 * time.Millisecond,
		MaxReconnectDelay:    20 * time.Millisecond,
	}, status.NewMachine(bus.New()), nil)
	tr.SetAuthToken("tok")
	t.Cleanup(tr.Disconnect)
	return tr
}

func stateCh(tr *Transport) <-chan status.State {
	ch := make(chan status.State, 64)
	tr.OnStateChange(func(c status.StatusChange) { ch <- c.To })
	return ch
}

func waitState(t *testing.T, ch <-chan status.State, want status.State) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case s := <-ch:
			if s == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestEmitWhileDisconnected(t *testing.T) {
	tr := newTransport(t, "ws://127.0.0.1:1/ws", 1)
	err := tr.SendMessage(context.Background(), SendMessagePayload{ChatID: "c1", Content: "hi"})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestConnectWithoutToken(t *testing.T) {
	tr := New(Config{URL: "ws://127.0.0.1:1/ws"}, status.NewMachine(nil), nil)
	if err := tr.Connect(context.Background()); !errors.Is(err, ErrNoToken) {
		t.Errorf("err = %v, want ErrNoToken", err)
	}
	if tr.State() != status.Disconnected {
		t.Errorf("state = %s", tr.State())
	}
}

func TestConnectDispatchesTypedEvents(t *testing.T) {
	s := newWSServer(t)
	tr := newTransport(t, s.url(), 3)

	msgs := make(chan backend.Record, 1)
	reads := make(chan Receipt, 1)
	typing := make(chan Typing, 1)
	acks := make(chan SentAck, 1)
	tr.OnMessage(func(r backend.Record) { msgs <- r })
	tr.OnRead(func(r Receipt) { reads <- r })
	tr.OnTyping(func(ty Typing) { typing <- ty })
	tr.OnMessageSent(func(a SentAck) { acks <- a })

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if tr.State() != status.Connected || !tr.Connected() {
		t.Fatalf("state = %s", tr.State())
	}
	c := s.accept(t)

	send(t, c, EventNewMessage, map[string]any{"_id": "s1", "chatId": "c1", "content": "hi"})
	send(t, c, EventMessageStatusUpdate, map[string]any{"messageId": "s1", "status": "read"})
	send(t, c, EventUserTyping, map[string]any{"chatId": "c1", "userId": "u2"})
	send(t, c, EventMessageSent, map[string]any{"tempId": "tmp1", "message": map[string]any{"_id": "s2"}})

	select {
	case r := <-msgs:
		if r.String("_id") != "s1" {
			t.Errorf("message = %v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
	}
	select {
	case r := <-reads:
		if len(r.MessageIDs) != 1 || r.MessageIDs[0] != "s1" || r.Status != store.StatusRead {
			t.Errorf("receipt = %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no read receipt")
	}
	select {
	case ty := <-typing:
		if !ty.Typing || ty.UserID != "u2" {
			t.Errorf("typing = %+v", ty)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no typing")
	}
	select {
	case a := <-acks:
		if a.ClientID != "tmp1" || a.Message.String("_id") != "s2" {
			t.Errorf("ack = %+v", a)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no ack")
	}
}

func TestEmitWritesFrame(t *testing.T) {
	s := newWSServer(t)
	tr := newTransport(t, s.url(), 3)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	c := s.accept(t)

	if err := tr.MarkAsRead(context.Background(), "s9"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatal(err)
	}
	if f.Event != EventMarkAsRead || !strings.Contains(string(f.Data), `"s9"`) {
		t.Errorf("frame = %s %s", f.Event, f.Data)
	}
}

func TestUnsubscribe(t *testing.T) {
	tr := newTransport(t, "ws://127.0.0.1:1/ws", 1)
	before := tr.ListenerCount()
	off := tr.OnPresence(func(Presence) {})
	off2 := tr.OnDelivered(func(Receipt) {})
	if tr.ListenerCount() != before+2 {
		t.Fatalf("ListenerCount() = %d", tr.ListenerCount())
	}
	off()
	off()
	off2()
	if tr.ListenerCount() != before {
		t.Errorf("ListenerCount() after unsubscribe = %d, want %d", tr.ListenerCount(), before)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	s := newWSServer(t)
	tr := newTransport(t, s.url(), 3)
	states := stateCh(tr)

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitState(t, states, status.Connected)
	c := s.accept(t)

	_ = c.CloseNow()
	waitState(t, states, status.Reconnecting)
	waitState(t, states, status.Connected)
	s.accept(t)
}

func TestReconnectWhileConnectedRedialsWithNewToken(t *testing.T) {
	s := newWSServer(t)
	tr := newTransport(t, s.url(), 3)
	states := stateCh(tr)

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitState(t, states, status.Connected)
	old := s.accept(t)
	if got := <-s.tokens; got != "tok" {
		t.Fatalf("first dial token = %q", got)
	}

	tr.SetAuthToken("new-token")
	if err := tr.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect() = %v", err)
	}
	s.accept(t)
	select {
	case got := <-s.tokens:
		if got != "new-token" {
			t.Errorf("redial token = %q, want new-token", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no redial after Reconnect")
	}
	waitState(t, states, status.Connected)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := old.Read(ctx); err == nil {
		t.Error("old socket still open after Reconnect")
	}
}

func TestReconnectExhaustionFails(t *testing.T) {
	s := newWSServer(t)
	url := s.url()
	s.srv.Close()

	tr := newTransport(t, url, 2)
	states := stateCh(tr)
	if err := tr.Connect(context.Background()); err == nil {
		t.Fatal("Connect() to closed server succeeded")
	}
	waitState(t, states, status.Failed)

	// Terminal: no further attempts until an explicit reconnect.
	time.Sleep(50 * time.Millisecond)
	if tr.State() != status.Failed {
		t.Errorf("state = %s, want FAILED", tr.State())
	}
}

func TestDisconnectStopsReconnecting(t *testing.T) {
	s := newWSServer(t)
	tr := newTransport(t, s.url(), 3)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.accept(t)

	tr.Disconnect()
	if tr.State() != status.Disconnected {
		t.Errorf("state = %s, want DISCONNECTED", tr.State())
	}
	select {
	case <-s.conns:
		t.Error("transport reconnected after Disconnect")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStateChangesPublishedOnBus(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("realtime.", 16)
	defer unsub()

	s := newWSServer(t)
	tr := New(Config{URL: s.url()}, status.NewMachine(b), nil)
	tr.SetAuthToken("tok")
	t.Cleanup(tr.Disconnect)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	timeout := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if c, ok := evt.Payload.(status.StatusChange); ok && c.To == status.Connected {
				return
			}
		case <-timeout:
			t.Fatal("no connected event on bus")
		}
	}
}
