package live

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/threesixty/tripsync-go/cache"
	"github.com/threesixty/tripsync-go/session"
	"github.com/threesixty/tripsync-go/session/credstore"
	"github.com/threesixty/tripsync-go/session/credstore/memorystore"
)

var upgrader = websocket.Upgrader{}

func newSession(t *testing.T, authenticated bool) *session.Manager {
	t.Helper()
	sess := session.New(memorystore.New())
	if authenticated {
		err := sess.SetCredential(context.Background(), credstore.Credential{
			AccessToken:  "access-1",
			RefreshToken: "refresh-1",
		})
		if err != nil {
			t.Fatalf("seed credential: %v", err)
		}
	}
	return sess
}

func primeEntry(t *testing.T, store *cache.Cache, key string, tags []cache.Tag) {
	t.Helper()
	_, err := store.Query(context.Background(), key, tags, func(ctx context.Context) (any, error) {
		return "v1", nil
	})
	if err != nil {
		t.Fatalf("prime %s: %v", key, err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestEventInvalidatesTagsAndTokenIsAttached(t *testing.T) {
	var token atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token.Store(r.URL.Query().Get("token"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"trip_event","trip_id":"t1"}`))
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	store := cache.New()
	primeEntry(t, store, "trips", []cache.Tag{cache.TagTrip})
	primeEntry(t, store, "notifs", []cache.Tag{cache.TagNotification})

	ch := New(srv.URL, newSession(t, true), store, WithReconnectDelay(10*time.Millisecond))
	ch.Start(context.Background())
	defer ch.Stop()

	waitFor(t, 2*time.Second, func() bool {
		_, stale, ok := store.Peek("trips")
		return ok && stale
	})
	if got, _ := token.Load().(string); got != "access-1" {
		t.Fatalf("expected access token in query, got %q", got)
	}
	if _, stale, _ := store.Peek("notifs"); stale {
		t.Fatal("trip event must not stale notification entries")
	}
}

func TestMalformedPayloadIsDroppedNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte("not json at all"))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"unexpected":"shape"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"notification_event"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	store := cache.New()
	primeEntry(t, store, "notifs", []cache.Tag{cache.TagNotification})

	ch := New(srv.URL, newSession(t, true), store, WithReconnectDelay(10*time.Millisecond))
	ch.Start(context.Background())
	defer ch.Stop()

	// The valid event after the garbage still lands.
	waitFor(t, 2*time.Second, func() bool {
		_, stale, ok := store.Peek("notifs")
		return ok && stale
	})
	if !ch.Connected() {
		t.Fatal("channel must survive malformed payloads")
	}
}

func TestStartIsSingleConnection(t *testing.T) {
	var dials atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ch := New(srv.URL, newSession(t, true), cache.New(), WithReconnectDelay(10*time.Millisecond))
	ch.Start(context.Background())
	ch.Start(context.Background())
	ch.Start(context.Background())
	defer ch.Stop()

	waitFor(t, 2*time.Second, func() bool { return dials.Load() >= 1 })
	time.Sleep(50 * time.Millisecond)
	if got := dials.Load(); got != 1 {
		t.Fatalf("expected a single connection, got %d dials", got)
	}
}

func TestReconnectsOncePerDisconnect(t *testing.T) {
	var dials atomic.Int64
	var open atomic.Int64
	var maxOpen atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		if n := open.Add(1); n > maxOpen.Load() {
			maxOpen.Store(n)
		}
		defer open.Add(-1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Drop the connection immediately to force a reconnect.
		conn.Close()
	}))
	defer srv.Close()

	ch := New(srv.URL, newSession(t, true), cache.New(), WithReconnectDelay(10*time.Millisecond))
	ch.Start(context.Background())
	defer ch.Stop()

	waitFor(t, 2*time.Second, func() bool { return dials.Load() >= 3 })
	if got := maxOpen.Load(); got > 1 {
		t.Fatalf("overlapping connections observed: %d", got)
	}
}

func TestPollerRunsWhileDisconnected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	var polls atomic.Int64
	poller := PollerFunc(func(ctx context.Context) error {
		polls.Add(1)
		return nil
	})

	ch := New(srv.URL, newSession(t, true), cache.New(),
		WithReconnectDelay(10*time.Millisecond), WithPoller(poller))
	ch.Start(context.Background())
	defer ch.Stop()

	waitFor(t, 2*time.Second, func() bool { return polls.Load() >= 2 })
}

func TestUnauthenticatedSessionStopsLoop(t *testing.T) {
	var dials atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
	}))
	defer srv.Close()

	ch := New(srv.URL, newSession(t, false), cache.New(), WithReconnectDelay(10*time.Millisecond))
	ch.Start(context.Background())
	defer ch.Stop()

	time.Sleep(50 * time.Millisecond)
	if got := dials.Load(); got != 0 {
		t.Fatalf("unauthenticated channel must not dial, got %d", got)
	}
}

func TestStartAfterSelfStopRestartsLoop(t *testing.T) {
	var dials atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	// An unauthenticated session makes the loop exit on its own.
	sess := newSession(t, false)
	ch := New(srv.URL, sess, cache.New(), WithReconnectDelay(10*time.Millisecond))
	ch.Start(context.Background())
	defer ch.Stop()

	time.Sleep(50 * time.Millisecond)
	if got := dials.Load(); got != 0 {
		t.Fatalf("unauthenticated channel must not dial, got %d", got)
	}

	// A fresh login must bring the channel back up.
	err := sess.SetCredential(context.Background(), credstore.Credential{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
	})
	if err != nil {
		t.Fatalf("seed credential: %v", err)
	}
	ch.Start(context.Background())

	waitFor(t, 2*time.Second, func() bool { return dials.Load() >= 1 })
	waitFor(t, 2*time.Second, func() bool { return ch.Connected() })
}

func TestParentCancelDoesNotWedgeChannel(t *testing.T) {
	var dials atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ch := New(srv.URL, newSession(t, true), cache.New(), WithReconnectDelay(10*time.Millisecond))
	defer ch.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	ch.Start(ctx)
	waitFor(t, 2*time.Second, func() bool { return ch.Connected() })
	cancel()
	waitFor(t, 2*time.Second, func() bool { return !ch.Connected() })

	// The cancelled loop releases its slot on the way out; retry Start
	// until the restart takes.
	before := dials.Load()
	waitFor(t, 2*time.Second, func() bool {
		ch.Start(context.Background())
		return dials.Load() > before
	})
}
