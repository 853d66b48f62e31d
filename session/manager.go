package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"loopin/flow"
)

// expiryBuffer is subtracted from the recorded expiry when deciding whether
// the cached access token is still usable.
const expiryBuffer = 60 * time.Second

// UserInfo is a non-authoritative identity snapshot decoded (not re-verified)
// from tokens the provider has already attested.
type UserInfo struct {
	Subject           string
	PreferredUsername string
	Email             string
}

// Session is what EnsureSession hands back. An empty AccessToken means "no
// session", which is a state, not an error.
type Session struct {
	AccessToken string
	UserInfo    *UserInfo
}

// Refresher redeems a refresh token for a fresh token set.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*flow.TokenSet, error)
}

// Manager caches the current access token in memory, backed by the persisted
// refresh token. Refresh failures clear both the persisted and the in-memory
// state: a broken refresh token is treated as "logged out", never retried
// indefinitely.
type Manager struct {
	store     CredentialStore
	refresher Refresher
	now       func() time.Time
	logger    *slog.Logger

	group singleflight.Group

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
	userInfo    *UserInfo
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithClock injects a clock, enabling deterministic expiry tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a session manager. One instance owns the in-memory
// session state for the process.
func NewManager(store CredentialStore, refresher Refresher, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:     store,
		refresher: refresher,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnsureSession returns a usable access token, refreshing through the
// provider when the cached one is within the expiry buffer. Concurrent
// callers share a single refresh round-trip: refresh tokens are single-use
// under rotation, so parallel refreshes would destroy each other.
func (m *Manager) EnsureSession(ctx context.Context) (Session, error) {
	if s, ok := m.cached(); ok {
		return s, nil
	}

	v, err, _ := m.group.Do("refresh", func() (any, error) {
		// A concurrent caller may have refreshed while we queued.
		if s, ok := m.cached(); ok {
			return s, nil
		}
		return m.refresh(ctx)
	})
	if err != nil {
		return Session{}, err
	}
	return v.(Session), nil
}

// cached returns the in-memory session when the token is still valid beyond
// the expiry buffer.
func (m *Manager) cached() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.accessToken != "" && m.expiresAt.After(m.now().Add(expiryBuffer)) {
		return Session{AccessToken: m.accessToken, UserInfo: m.userInfo}, true
	}
	return Session{}, false
}

func (m *Manager) refresh(ctx context.Context) (Session, error) {
	refreshToken, err := m.store.Load(ctx)
	if err != nil {
		return Session{}, err
	}
	if refreshToken == "" {
		m.ClearSession()
		return Session{}, nil
	}

	tokens, err := m.refresher.Refresh(ctx, refreshToken)
	if err != nil {
		// Fail closed: drop the persisted token so a broken grant is
		// not retried forever, and surface "no session" rather than an
		// error.
		m.logger.Warn("session refresh failed, clearing stored credentials", "error", err)
		if clearErr := m.store.Clear(ctx); clearErr != nil {
			m.logger.Warn("clearing stored refresh token failed", "error", clearErr)
		}
		m.ClearSession()
		return Session{}, nil
	}

	info := decodeUserInfo(tokens)

	m.mu.Lock()
	m.accessToken = tokens.AccessToken
	m.expiresAt = tokens.Expiry
	m.userInfo = info
	m.mu.Unlock()

	// Rotation is optional: persist only when the provider actually handed
	// back a different refresh token.
	if tokens.RefreshToken != "" && tokens.RefreshToken != refreshToken {
		if err := m.store.Save(ctx, tokens.RefreshToken); err != nil {
			m.logger.Warn("persisting rotated refresh token failed", "error", err)
		}
	}

	return Session{AccessToken: tokens.AccessToken, UserInfo: info}, nil
}

// UpdateFromTokens installs the in-memory session directly after a successful
// interactive login, without a refresh round-trip, and persists the refresh
// token when one was issued.
func (m *Manager) UpdateFromTokens(ctx context.Context, tokens *flow.TokenSet) error {
	info := decodeUserInfo(tokens)

	m.mu.Lock()
	m.accessToken = tokens.AccessToken
	m.expiresAt = tokens.Expiry
	m.userInfo = info
	m.mu.Unlock()

	if tokens.RefreshToken != "" {
		if err := m.store.Save(ctx, tokens.RefreshToken); err != nil {
			return err
		}
	}
	return nil
}

// ClearSession drops the in-memory state only. The persisted refresh token is
// untouched; use the credential store directly for a full logout.
func (m *Manager) ClearSession() {
	m.mu.Lock()
	m.accessToken = ""
	m.expiresAt = time.Time{}
	m.userInfo = nil
	m.mu.Unlock()
}

// AccessToken returns the cached token without validation. Callers are
// expected to have called EnsureSession first.
func (m *Manager) AccessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accessToken
}

// decodeUserInfo decodes identity claims without re-verifying: the provider
// attested the tokens in the exchange that produced them. Prefers the ID
// token, falls back to the access token.
func decodeUserInfo(tokens *flow.TokenSet) *UserInfo {
	raw := tokens.IDToken
	if raw == "" {
		raw = tokens.AccessToken
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil
	}

	info := &UserInfo{}
	if sub, ok := claims["sub"].(string); ok {
		info.Subject = sub
	}
	if name, ok := claims["preferred_username"].(string); ok {
		info.PreferredUsername = name
	}
	if email, ok := claims["email"].(string); ok {
		info.Email = email
	}
	if info.Subject == "" && info.PreferredUsername == "" && info.Email == "" {
		return nil
	}
	return info
}
