package devserver

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type client struct {
	userID string
	conn   *websocket.Conn
}

// hub tracks websocket clients by user and fans events out to them.
type hub struct {
	logger *zap.Logger

	mu     sync.RWMutex
	byUser map[string]map[*client]struct{}
}

func newHub(logger *zap.Logger) *hub {
	return &hub{logger: logger, byUser: make(map[string]map[*client]struct{})}
}

// add registers c and reports whether it is the user's first connection.
func (h *hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.byUser[c.userID]
	if set == nil {
		set = make(map[*client]struct{})
		h.byUser[c.userID] = set
	}
	set[c] = struct{}{}
	return len(set) == 1
}

// remove unregisters c and reports whether the user has no connection left.
func (h *hub) remove(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.byUser[c.userID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.byUser, c.userID)
		return true
	}
	return false
}

// send writes event to every connection of the given users except skip.
func (h *hub) send(users []string, skip *client, event string, data any) {
	b, err := json.Marshal(outFrame{Event: event, Data: data})
	if err != nil {
		h.logger.Error("marshal event", zap.String("event", event), zap.Error(err))
		return
	}
	h.mu.RLock()
	var targets []*client
	for _, u := range users {
		for c := range h.byUser[u] {
			if c != skip {
				targets = append(targets, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.write(c, b)
	}
}

// broadcast writes event to every connection except skip.
func (h *hub) broadcast(skip *client, event string, data any) {
	h.mu.RLock()
	users := make([]string, 0, len(h.byUser))
	for u := range h.byUser {
		users = append(users, u)
	}
	h.mu.RUnlock()
	h.send(users, skip, event, data)
}

func (h *hub) reply(c *client, event string, data any) {
	b, err := json.Marshal(outFrame{Event: event, Data: data})
	if err != nil {
		return
	}
	h.write(c, b)
}

func (h *hub) write(c *client, b []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		h.logger.Debug("websocket write failed", zap.String("user_id", c.userID), zap.Error(err))
	}
}
