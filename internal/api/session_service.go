package api

import (
	"context"
	"time"

	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	chatsync "github.com/matheus3301/chatsync/internal/sync"
)

// Authenticator applies a bearer token to every component that talks to the
// backend and returns the user it belongs to.
type Authenticator interface {
	Authenticate(ctx context.Context, token, userID string) (string, error)
	UserID() string
	Authenticated() bool
}

// Focus is the lifecycle coordinator as seen by clients.
type Focus interface {
	Foreground(ctx context.Context) *chatsync.Result
	Background()
	EnterChat(ctx context.Context, chatID string) ([]store.Message, error)
	LeaveChat()
}

// SessionService implements SessionServer.
type SessionService struct {
	profile   string
	startedAt time.Time
	machine   *status.Machine
	store     *store.Store
	engine    Engine
	focus     Focus
	auth      Authenticator
}

// NewSessionService creates the session service.
func NewSessionService(profile string, machine *status.Machine, st *store.Store, engine Engine, focus Focus, auth Authenticator) *SessionService {
	return &SessionService{
		profile:   profile,
		startedAt: time.Now(),
		machine:   machine,
		store:     st,
		engine:    engine,
		focus:     focus,
		auth:      auth,
	}
}

func (s *SessionService) GetStatus(ctx context.Context, _ *emptypb.Empty) (*StatusResponse, error) {
	resp := &StatusResponse{
		Profile:             s.profile,
		RealtimeState:       string(s.machine.Current()),
		RealtimeSinceUnixMs: s.machine.Since().UnixMilli(),
		UptimeMs:            time.Since(s.startedAt).Milliseconds(),
		StoreReady:          s.store.Ready(),
		Sync:                syncStatus(s.engine.Status()),
	}
	if s.auth != nil {
		resp.UserID = s.auth.UserID()
		resp.Authenticated = s.auth.Authenticated()
	}
	if resp.StoreReady {
		resp.Stats = s.store.Stats(ctx)
	}
	return resp, nil
}

func (s *SessionService) SetAuthToken(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	if req.Token == "" {
		return nil, invalid("token is required")
	}
	userID, err := s.auth.Authenticate(ctx, req.Token, req.UserID)
	if err != nil {
		return nil, toStatus("set auth token", err)
	}
	return &TokenResponse{UserID: userID}, nil
}

func (s *SessionService) Foreground(ctx context.Context, _ *emptypb.Empty) (*SyncStatus, error) {
	res := s.focus.Foreground(ctx)
	st := syncStatus(s.engine.Status())
	st.LastResult = res
	return &st, nil
}

func (s *SessionService) Background(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
	s.focus.Background()
	return &emptypb.Empty{}, nil
}

func syncStatus(st chatsync.Status) SyncStatus {
	out := SyncStatus{Running: st.Running, LastResult: st.LastResult}
	if !st.LastSyncAt.IsZero() {
		out.LastSyncAtUnixMs = st.LastSyncAt.UnixMilli()
	}
	return out
}
