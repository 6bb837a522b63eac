// Package live holds the push connection open while the session is
// authenticated and turns inbound events into cache tag invalidation.
// The channel carries no data of its own: an event only says which
// tags changed, and readers refetch through the cache on their next
// query.
package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/threesixty/tripsync-go/cache"
	"github.com/threesixty/tripsync-go/internal/logctx"
	"github.com/threesixty/tripsync-go/session"
)

// Event kinds the server pushes.
const (
	EventNotification = "notification_event"
	EventTrip         = "trip_event"
	EventTripStatus   = "trip_status"
	EventAttendance   = "attendance_event"
	EventLocation     = "location_update"
)

const defaultReconnectDelay = 5 * time.Second

// Poller is invoked while the channel is disconnected, so consumers
// that would otherwise learn of changes by push can fall back to
// pulling.
type Poller interface {
	Poll(ctx context.Context) error
}

// PollerFunc adapts a function to the Poller interface.
type PollerFunc func(ctx context.Context) error

func (f PollerFunc) Poll(ctx context.Context) error { return f(ctx) }

// Channel maintains at most one live connection per device. On
// disconnect it schedules a single reconnect attempt after a fixed
// delay and repeats for as long as the session stays authenticated.
type Channel struct {
	endpoint string
	sess     *session.Manager
	store    *cache.Cache
	dialer   *websocket.Dialer
	delay    time.Duration
	poller   Poller
	log      *slog.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	connected atomic.Bool
}

// Option customizes a Channel.
type Option func(*Channel)

// WithReconnectDelay overrides the fixed delay between a disconnect
// and the next connect attempt.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.delay = d
		}
	}
}

// WithPoller installs the disconnected-state fallback.
func WithPoller(p Poller) Option {
	return func(c *Channel) {
		c.poller = p
	}
}

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Channel) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.log = l
		}
	}
}

// New creates a Channel for the given endpoint. An http or https
// endpoint is rewritten to its websocket scheme.
func New(endpoint string, sess *session.Manager, store *cache.Cache, opts ...Option) *Channel {
	c := &Channel{
		endpoint: wsEndpoint(endpoint),
		sess:     sess,
		store:    store,
		dialer:   websocket.DefaultDialer,
		delay:    defaultReconnectDelay,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func wsEndpoint(endpoint string) string {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return "wss://" + strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		return "ws://" + strings.TrimPrefix(endpoint, "http://")
	}
	return endpoint
}

// Start launches the connection loop. Starting while the loop is
// already running is a no-op: there is never more than one live
// connection per device.
func (c *Channel) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	go c.run(runCtx, done)
}

// Stop tears the connection down and cancels any pending reconnect.
// Stopping a stopped channel is a no-op.
func (c *Channel) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Connected reports whether a live connection is currently open.
func (c *Channel) Connected() bool {
	return c.connected.Load()
}

func (c *Channel) run(ctx context.Context, done chan struct{}) {
	defer func() {
		close(done)
		// The loop can also exit on its own, on parent cancellation or
		// after a logout. Release the slot so a later Start restarts
		// the loop instead of seeing a phantom running one. Stop may
		// already have swapped in a newer loop's state; only clear our
		// own.
		c.mu.Lock()
		if c.done == done {
			c.cancel()
			c.cancel = nil
			c.done = nil
		}
		c.mu.Unlock()
	}()
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if !c.sess.Authenticated() {
			c.log.Info("live.channel.stopped", slog.String("reason", "unauthenticated"))
			return
		}

		attempt++
		lctx := logctx.WithChannelData(ctx, &logctx.ChannelData{Endpoint: c.endpoint, Attempt: attempt})
		if err := c.serve(lctx); err != nil && ctx.Err() == nil {
			c.log.Warn("live.channel.disconnected", slog.Int("attempt", attempt), slog.String("err", err.Error()))
		}
		if ctx.Err() != nil {
			return
		}

		if c.poller != nil {
			if err := c.poller.Poll(ctx); err != nil && ctx.Err() == nil {
				c.log.Warn("live.poll.fail", slog.String("err", err.Error()))
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.delay):
		}
	}
}

// serve dials once and pumps events until the connection drops.
func (c *Channel) serve(ctx context.Context) error {
	u := c.endpoint
	if tok := c.sess.AccessToken(); tok != "" {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + "token=" + url.QueryEscape(tok)
	}

	conn, _, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	c.connected.Store(true)
	defer c.connected.Store(false)
	c.log.InfoContext(ctx, "live.channel.connected")

	// Unblock the read loop when the context is cancelled.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(ctx, payload)
	}
}

// dispatch maps one inbound event to tag invalidation. Malformed
// payloads are dropped and logged, never fatal to the channel.
func (c *Channel) dispatch(ctx context.Context, payload []byte) {
	var ev struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil || ev.Type == "" {
		c.log.WarnContext(ctx, "live.event.malformed", slog.Int("bytes", len(payload)))
		return
	}

	tags := tagsFor(ev.Type)
	if len(tags) == 0 {
		c.log.DebugContext(ctx, "live.event.ignored", slog.String("type", ev.Type))
		return
	}
	c.store.Invalidate(tags...)
	c.log.DebugContext(ctx, "live.event.applied", slog.String("type", ev.Type))
}

func tagsFor(eventType string) []cache.Tag {
	switch eventType {
	case EventTrip, EventTripStatus:
		return []cache.Tag{cache.TagTrip, cache.TagAttendance}
	case EventAttendance:
		return []cache.Tag{cache.TagAttendance, cache.TagTrip}
	case EventLocation:
		return []cache.Tag{cache.TagTrip}
	case EventNotification:
		return []cache.Tag{cache.TagNotification}
	}
	return nil
}
