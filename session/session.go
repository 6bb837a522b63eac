// Package session owns the access/refresh credential pair and the
// single-flight refresh operation that keeps it current. All other
// components read tokens through the Manager; only the Manager writes
// them.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/threesixty/tripsync-go/internal/logctx"
	"github.com/threesixty/tripsync-go/session/credstore"
)

// ErrAuthFailed indicates that the refresh token is absent or the
// refresh exchange itself was rejected. Callers must treat this as a
// hard authentication failure and route to logout; retrying cannot
// succeed.
var ErrAuthFailed = errors.New("session: authentication failed")

// ExchangeFunc performs the refresh-token exchange against the auth
// endpoint and returns the new credential pair. It is installed by the
// API layer during client wiring.
type ExchangeFunc func(ctx context.Context, refreshToken string) (credstore.Credential, error)

// Manager owns the credential. The refresh operation is single-flight:
// however many requests fail authorization concurrently, at most one
// refresh network call is in flight, and all callers share its result.
type Manager struct {
	store credstore.Store
	log   *slog.Logger

	mu       sync.RWMutex
	cred     credstore.Credential
	exchange ExchangeFunc

	flight singleflight.Group
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// New creates a Manager over the given credential store. Call Hydrate
// before use to load any persisted credential.
func New(store credstore.Store, opts ...Option) *Manager {
	m := &Manager{
		store: store,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetExchange installs the refresh exchange. Wiring happens after
// construction because the exchange is implemented by the API layer,
// which itself depends on the session for token attachment.
func (m *Manager) SetExchange(fn ExchangeFunc) {
	m.mu.Lock()
	m.exchange = fn
	m.mu.Unlock()
}

// Hydrate loads the persisted credential and, when the store supports
// it, begins observing external credential rotation.
func (m *Manager) Hydrate(ctx context.Context) error {
	cred, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("session: hydrate: %w", err)
	}
	m.mu.Lock()
	m.cred = cred
	m.mu.Unlock()

	if w, ok := m.store.(credstore.Watcher); ok {
		if err := w.Watch(ctx, func(cred credstore.Credential) {
			m.mu.Lock()
			m.cred = cred
			m.mu.Unlock()
			m.log.Info("session.credential.rotated_externally")
		}); err != nil {
			return fmt.Errorf("session: watch: %w", err)
		}
	}
	return nil
}

// AccessToken returns the current access token, or "" when logged out.
func (m *Manager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cred.AccessToken
}

// RefreshToken returns the current refresh token, or "" when logged
// out. Server-side logout needs it to revoke the token.
func (m *Manager) RefreshToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cred.RefreshToken
}

// Authenticated reports whether a credential is held.
func (m *Manager) Authenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.cred.IsZero()
}

// UserID returns the user identifier claim embedded in the access
// token, or "" when logged out or the token is opaque.
func (m *Manager) UserID() string {
	m.mu.RLock()
	tok := m.cred.AccessToken
	m.mu.RUnlock()
	if tok == "" {
		return ""
	}
	var claims struct {
		jwt.RegisteredClaims
		UserID string `json:"user_id"`
	}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil {
		return ""
	}
	if claims.UserID != "" {
		return claims.UserID
	}
	return claims.Subject
}

// TokenValid reports whether the access token's exp claim is at least
// leeway in the future. Signature verification is the server's job; the
// client only inspects expiry to refresh before a doomed request. An
// opaque (non-JWT) token is assumed valid.
func (m *Manager) TokenValid(leeway time.Duration) bool {
	m.mu.RLock()
	tok := m.cred.AccessToken
	m.mu.RUnlock()
	if tok == "" {
		return false
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil {
		return true
	}
	if claims.ExpiresAt == nil {
		return true
	}
	return time.Now().Add(leeway).Before(claims.ExpiresAt.Time)
}

// SetCredential installs a freshly issued credential (login) and
// persists it.
func (m *Manager) SetCredential(ctx context.Context, cred credstore.Credential) error {
	if err := m.store.Save(ctx, cred); err != nil {
		return fmt.Errorf("session: persist credential: %w", err)
	}
	m.mu.Lock()
	m.cred = cred
	m.mu.Unlock()
	return nil
}

// Refresh exchanges the refresh token for a new access token and
// persists the result. Concurrent callers share a single in-flight
// exchange; the flight is cleared once it settles, success or failure.
// A missing refresh token or a rejected exchange returns ErrAuthFailed.
func (m *Manager) Refresh(ctx context.Context) error {
	_, err, _ := m.flight.Do("refresh", func() (any, error) {
		m.mu.RLock()
		refreshToken := m.cred.RefreshToken
		exchange := m.exchange
		m.mu.RUnlock()

		if refreshToken == "" {
			return nil, ErrAuthFailed
		}
		if exchange == nil {
			return nil, fmt.Errorf("session: no exchange installed: %w", ErrAuthFailed)
		}

		ctx := logctx.WithSessionData(ctx, &logctx.SessionData{UserID: m.UserID(), Authenticated: true})
		cred, err := exchange(ctx, refreshToken)
		if err != nil {
			m.log.WarnContext(ctx, "session.refresh.fail", slog.String("err", err.Error()))
			return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		// Servers that do not rotate refresh tokens return only a new
		// access token; keep the old refresh token in that case.
		if cred.RefreshToken == "" {
			cred.RefreshToken = refreshToken
		}
		if err := m.store.Save(ctx, cred); err != nil {
			return nil, fmt.Errorf("session: persist refreshed credential: %w", err)
		}
		m.mu.Lock()
		m.cred = cred
		m.mu.Unlock()
		m.log.InfoContext(ctx, "session.refresh.ok")
		return nil, nil
	})
	return err
}

// Clear wipes both tokens from memory and the store (logout).
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.cred = credstore.Credential{}
	m.mu.Unlock()
	if err := m.store.Clear(ctx); err != nil {
		return fmt.Errorf("session: clear: %w", err)
	}
	return nil
}
