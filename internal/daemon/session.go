package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/backend"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/realtime"
)

// Credentials receive the session's bearer token.
type Credentials interface {
	SetAuthToken(token string)
}

// UserSetter receives the local user's id.
type UserSetter interface {
	SetUserID(userID string)
}

// Session owns the profile's credentials and fans them out to every
// component that talks to the backend. Tokens are persisted to profile.toml.
type Session struct {
	configPath string
	logger     *zap.Logger

	creds []Credentials
	users []UserSetter
	rt    *realtime.Transport
	after func(ctx context.Context)

	mu     sync.RWMutex
	cfg    *config.Profile
	token  string
	userID string
}

// NewSession creates a session from the loaded profile config. A token
// present in the config is applied immediately.
func NewSession(configPath string, cfg *config.Profile, creds []Credentials, users []UserSetter, logger *zap.Logger) *Session {
	s := &Session{
		configPath: configPath,
		cfg:        cfg,
		creds:      creds,
		users:      users,
		logger:     logger,
	}
	if cfg.Server.Token != "" {
		userID := cfg.Server.UserID
		if userID == "" {
			userID, _ = userIDFromToken(cfg.Server.Token)
		}
		s.apply(cfg.Server.Token, userID)
	}
	return s
}

// OnChange registers fn to run in the background after every successful
// Authenticate, and the transport to cycle so it dials with the new token.
func (s *Session) OnChange(rt *realtime.Transport, fn func(ctx context.Context)) {
	s.rt = rt
	s.after = fn
}

// Authenticate applies token. When userID is empty it is read from the
// token's user_id or sub claim.
func (s *Session) Authenticate(ctx context.Context, token, userID string) (string, error) {
	if userID == "" {
		var err error
		userID, err = userIDFromToken(token)
		if err != nil {
			return "", fmt.Errorf("%w: %v", backend.ErrUnauthorized, err)
		}
	}
	s.apply(token, userID)

	s.mu.Lock()
	next := *s.cfg
	next.Server.Token = token
	next.Server.UserID = userID
	s.cfg = &next
	s.mu.Unlock()
	if err := config.SaveProfile(s.configPath, &next); err != nil {
		s.logger.Warn("failed to persist token", zap.Error(err))
	}
	s.logger.Info("session authenticated", zap.String("user_id", userID))

	bg := context.WithoutCancel(ctx)
	if s.rt != nil && s.rt.Connected() {
		if err := s.rt.Reconnect(bg); err != nil {
			s.logger.Warn("reconnect with new token failed", zap.Error(err))
		}
	}
	if s.after != nil {
		go s.after(bg)
	}
	return userID, nil
}

func (s *Session) apply(token, userID string) {
	s.mu.Lock()
	s.token, s.userID = token, userID
	s.mu.Unlock()
	for _, c := range s.creds {
		c.SetAuthToken(token)
	}
	for _, u := range s.users {
		u.SetUserID(userID)
	}
}

// UserID returns the authenticated user, or "".
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// Authenticated reports whether a token is set.
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token != ""
}

var errNoUserClaim = errors.New("token carries no user id")

// userIDFromToken reads the user id claim without verifying the signature;
// the backend verifies it on every request.
func userIDFromToken(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	for _, key := range []string{"user_id", "userId", "id", "sub"} {
		if v, ok := claims[key].(string); ok && v != "" {
			return v, nil
		}
	}
	return "", errNoUserClaim
}
