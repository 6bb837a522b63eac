package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/threesixty/tripsync-go/session/credstore"
	"github.com/threesixty/tripsync-go/session/credstore/memorystore"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": "op-1",
		"exp":     exp.Unix(),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestRefreshSingleFlight(t *testing.T) {
	ctx := context.Background()
	store := memorystore.New()
	m := New(store)
	if err := m.SetCredential(ctx, credstore.Credential{AccessToken: "stale", RefreshToken: "r1"}); err != nil {
		t.Fatalf("set credential: %v", err)
	}

	var calls atomic.Int64
	release := make(chan struct{})
	m.SetExchange(func(ctx context.Context, refreshToken string) (credstore.Credential, error) {
		calls.Add(1)
		<-release
		return credstore.Credential{AccessToken: "fresh", RefreshToken: "r2"}, nil
	})

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	started := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started <- struct{}{}
			errs[i] = m.Refresh(ctx)
		}(i)
	}
	for i := 0; i < n; i++ {
		<-started
	}
	// Give the goroutines a beat to pile onto the flight before releasing it.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected exactly one exchange call, got %d", got)
	}
	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: unexpected error: %v", i, err)
		}
	}
	if got := m.AccessToken(); got != "fresh" {
		t.Fatalf("access token = %q, want %q", got, "fresh")
	}

	// A refresh after settlement must start a new flight.
	m.SetExchange(func(ctx context.Context, refreshToken string) (credstore.Credential, error) {
		calls.Add(1)
		if refreshToken != "r2" {
			t.Errorf("refresh token = %q, want %q", refreshToken, "r2")
		}
		return credstore.Credential{AccessToken: "fresher"}, nil
	})
	if err := m.Refresh(ctx); err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected a second exchange call, got %d total", got)
	}
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	m := New(memorystore.New())
	m.SetExchange(func(ctx context.Context, refreshToken string) (credstore.Credential, error) {
		t.Fatal("exchange must not be called without a refresh token")
		return credstore.Credential{}, nil
	})
	if err := m.Refresh(context.Background()); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestRefreshExchangeFailure(t *testing.T) {
	ctx := context.Background()
	m := New(memorystore.New())
	if err := m.SetCredential(ctx, credstore.Credential{AccessToken: "a", RefreshToken: "r"}); err != nil {
		t.Fatalf("set credential: %v", err)
	}
	m.SetExchange(func(ctx context.Context, refreshToken string) (credstore.Credential, error) {
		return credstore.Credential{}, errors.New("server says no")
	})
	if err := m.Refresh(ctx); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	// Failed refresh leaves the old credential in place; logout is the
	// caller's decision.
	if got := m.AccessToken(); got != "a" {
		t.Fatalf("access token = %q, want %q", got, "a")
	}
}

func TestRefreshKeepsUnrotatedRefreshToken(t *testing.T) {
	ctx := context.Background()
	store := memorystore.New()
	m := New(store)
	if err := m.SetCredential(ctx, credstore.Credential{AccessToken: "a", RefreshToken: "keep-me"}); err != nil {
		t.Fatalf("set credential: %v", err)
	}
	m.SetExchange(func(ctx context.Context, refreshToken string) (credstore.Credential, error) {
		return credstore.Credential{AccessToken: "b"}, nil
	})
	if err := m.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	cred, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cred.RefreshToken != "keep-me" {
		t.Fatalf("refresh token = %q, want %q", cred.RefreshToken, "keep-me")
	}
}

func TestHydrateLoadsPersistedCredential(t *testing.T) {
	ctx := context.Background()
	store := memorystore.New()
	if err := store.Save(ctx, credstore.Credential{AccessToken: "persisted", RefreshToken: "r"}); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	m := New(store)
	if err := m.Hydrate(ctx); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	if !m.Authenticated() {
		t.Fatal("expected authenticated after hydrate")
	}
	if got := m.AccessToken(); got != "persisted" {
		t.Fatalf("access token = %q, want %q", got, "persisted")
	}
}

func TestTokenValid(t *testing.T) {
	ctx := context.Background()
	m := New(memorystore.New())

	if m.TokenValid(0) {
		t.Fatal("empty token must not be valid")
	}

	if err := m.SetCredential(ctx, credstore.Credential{AccessToken: signedToken(t, time.Now().Add(time.Hour)), RefreshToken: "r"}); err != nil {
		t.Fatalf("set credential: %v", err)
	}
	if !m.TokenValid(time.Minute) {
		t.Fatal("token expiring in an hour must be valid with a minute of leeway")
	}
	if m.TokenValid(2 * time.Hour) {
		t.Fatal("token must be invalid when leeway exceeds remaining lifetime")
	}

	if err := m.SetCredential(ctx, credstore.Credential{AccessToken: "opaque-token", RefreshToken: "r"}); err != nil {
		t.Fatalf("set credential: %v", err)
	}
	if !m.TokenValid(time.Minute) {
		t.Fatal("opaque token is assumed valid")
	}

	if got := m.UserID(); got != "" {
		t.Fatalf("opaque token user id = %q, want empty", got)
	}
}

func TestUserIDClaim(t *testing.T) {
	ctx := context.Background()
	m := New(memorystore.New())
	if err := m.SetCredential(ctx, credstore.Credential{AccessToken: signedToken(t, time.Now().Add(time.Hour)), RefreshToken: "r"}); err != nil {
		t.Fatalf("set credential: %v", err)
	}
	if got := m.UserID(); got != "op-1" {
		t.Fatalf("user id = %q, want %q", got, "op-1")
	}
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	store := memorystore.New()
	m := New(store)
	if err := m.SetCredential(ctx, credstore.Credential{AccessToken: "a", RefreshToken: "r"}); err != nil {
		t.Fatalf("set credential: %v", err)
	}
	if err := m.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if m.Authenticated() {
		t.Fatal("expected logged out after clear")
	}
	cred, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cred.IsZero() {
		t.Fatalf("store still holds %+v after clear", cred)
	}
}
