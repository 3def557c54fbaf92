// Package session owns the client-side authentication state: the access
// token, the signed-in user and the device identifier sent with every request.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/go-authgate/session-cli/kvstore"
	"github.com/go-authgate/session-cli/logx"
)

// Storage keys.
const (
	KeyAccessToken = "portfolio_access_token"
	KeyUser        = "portfolio_user"
	KeyRemember    = "portfolio_remember"
	KeyDeviceID    = "portfolio_device_id"
)

// Token lifetimes on the client. These bound how long a token is kept, not
// how long the server accepts it.
const (
	ShortSessionTTL    = 24 * time.Hour
	RememberSessionTTL = 30 * 24 * time.Hour
)

// User mirrors the authenticated principal returned by the backend.
type User struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Email       string   `json:"email"`
	Status      string   `json:"status,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Verified    bool     `json:"verified"`
	Avatar      string   `json:"avatar,omitempty"`
	LastLoginAt string   `json:"lastLoginAt,omitempty"`
}

// HasRole reports whether the user carries role.
func (u *User) HasRole(role string) bool {
	if u == nil {
		return false
	}
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ErrNoUser is returned by Renew when neither the caller nor storage can
// supply a user to pair with the new token.
var ErrNoUser = errors.New("session: no user to pair with token")

// TokenStore is the single source of truth for "am I authenticated". It is
// the only writer of the token and user entries. Storage failures are logged
// and swallowed: the session degrades to "not persisted" instead of failing
// the caller.
type TokenStore struct {
	kv     kvstore.Store
	logger *slog.Logger

	mu sync.Mutex
}

// NewTokenStore returns a TokenStore over kv. A nil logger discards output.
func NewTokenStore(kv kvstore.Store, logger *slog.Logger) *TokenStore {
	if logger == nil {
		logger = logx.Discard()
	}
	return &TokenStore{kv: kv, logger: logger}
}

// SetSession persists token and user together. The token expires after one
// day, or thirty when remember is set; the user entry does not expire.
func (s *TokenStore) SetSession(ctx context.Context, token string, user *User, remember bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setLocked(ctx, token, user, remember)
}

func (s *TokenStore) setLocked(ctx context.Context, token string, user *User, remember bool) {
	raw, err := json.Marshal(user)
	if err != nil {
		s.logger.Warn("failed to encode user", "error", err)
		return
	}

	if err := s.kv.Set(ctx, KeyUser, string(raw), 0); err != nil {
		s.logger.Warn("failed to persist user", "error", err)
		return
	}

	ttl := ShortSessionTTL
	if remember {
		ttl = RememberSessionTTL
	}
	if err := s.kv.Set(ctx, KeyAccessToken, token, ttl); err != nil {
		s.logger.Warn("failed to persist access token", "error", err)
		// Keep the pair consistent: a user without a token is not a session.
		if delErr := s.kv.Delete(ctx, KeyUser); delErr != nil {
			s.logger.Warn("failed to roll back user", "error", delErr)
		}
		return
	}

	if err := s.kv.Set(ctx, KeyRemember, boolString(remember), 0); err != nil {
		s.logger.Warn("failed to persist remember preference", "error", err)
	}
}

// Renew stores a refreshed token, keeping the remember preference of the
// current session. A nil user keeps the stored user.
func (s *TokenStore) Renew(ctx context.Context, token string, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user == nil {
		user = s.User(ctx)
	}
	if user == nil {
		return ErrNoUser
	}

	s.setLocked(ctx, token, user, s.remembered(ctx))
	return nil
}

// Token returns the current access token, or "" when there is none.
func (s *TokenStore) Token(ctx context.Context) string {
	token, err := s.kv.Get(ctx, KeyAccessToken)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			s.logger.Warn("failed to read access token", "error", err)
		}
		return ""
	}
	return token
}

// User returns the stored user, or nil when it is missing or unreadable.
func (s *TokenStore) User(ctx context.Context) *User {
	raw, err := s.kv.Get(ctx, KeyUser)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			s.logger.Warn("failed to read user", "error", err)
		}
		return nil
	}

	var user User
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		s.logger.Debug("ignoring malformed user entry", "error", err)
		return nil
	}
	return &user
}

// ClearSession removes the token, user and remember entries. Clearing an
// already cleared session is a no-op.
func (s *TokenStore) ClearSession(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range []string{KeyAccessToken, KeyUser, KeyRemember} {
		if err := s.kv.Delete(ctx, key); err != nil {
			s.logger.Warn("failed to clear session entry", "key", key, "error", err)
		}
	}
}

// IsAuthenticated reports whether both a token and a user are present.
func (s *TokenStore) IsAuthenticated(ctx context.Context) bool {
	return s.Token(ctx) != "" && s.User(ctx) != nil
}

func (s *TokenStore) remembered(ctx context.Context) bool {
	v, err := s.kv.Get(ctx, KeyRemember)
	return err == nil && v == "true"
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
