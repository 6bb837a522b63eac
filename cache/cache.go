// Package cache implements the tagged query cache that decouples
// mutations and server push events from the queries they affect.
// Entries are keyed by normalized request identity and associated with
// one or more invalidation tags; producers declare which tags changed
// and every entry sharing any of those tags is marked stale. The
// relation is many-to-many and maintained as an explicit bipartite
// index (tag -> entry keys).
package cache

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Tag is an opaque invalidation label shared by logically related
// entries.
type Tag string

// Canonical tags used by the API layer and the live channel.
const (
	TagTrip         Tag = "Trip"
	TagAttendance   Tag = "Attendance"
	TagNotification Tag = "Notification"
	TagFleet        Tag = "Fleet"
	TagProfile      Tag = "Profile"
)

// Fetcher produces the value for a cache key on miss or staleness.
type Fetcher func(ctx context.Context) (any, error)

const defaultMaxEntries = 512

type entry struct {
	value     any
	tags      []Tag
	fetchedAt time.Time
	stale     bool
}

type subscriber struct {
	tags map[Tag]struct{}
	ch   chan Tag
}

// Cache is the process-wide tagged query cache. Values are never
// mutated in place; the only write paths are Query (store a fetched
// result) and Invalidate (mark stale).
type Cache struct {
	log *slog.Logger

	mu      sync.Mutex
	entries *lru.Cache[string, *entry]
	byTag   map[Tag]map[string]struct{}
	gen     map[Tag]uint64
	subs    map[int]*subscriber
	nextSub int

	flight singleflight.Group
}

// Option customizes a Cache.
type Option func(*config)

type config struct {
	maxEntries int
	logger     *slog.Logger
}

// WithMaxEntries bounds the number of cached entries. Least recently
// used entries are evicted beyond the bound.
func WithMaxEntries(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	cfg := &config{maxEntries: defaultMaxEntries, logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}
	c := &Cache{
		log:   cfg.logger,
		byTag: make(map[Tag]map[string]struct{}),
		gen:   make(map[Tag]uint64),
		subs:  make(map[int]*subscriber),
	}
	// The eviction callback runs under c.mu because every mutation of
	// the LRU happens while holding it.
	entries, err := lru.NewWithEvict(cfg.maxEntries, func(key string, e *entry) {
		c.unindex(key, e.tags)
	})
	if err != nil {
		// Only reachable with a non-positive size, which the option
		// guards against.
		panic(err)
	}
	c.entries = entries
	return c
}

// Key builds the canonical cache key for an endpoint and its
// parameters. Encode sorts parameters, so equivalent queries map to the
// same entry regardless of argument order.
func Key(endpoint string, params url.Values) string {
	if len(params) == 0 {
		return endpoint
	}
	return endpoint + "?" + params.Encode()
}

// Query returns the cached value for key when present and fresh;
// otherwise it runs fetch, stores the result under tags, and returns
// it. Concurrent queries for the same key share a single fetch.
func (c *Cache) Query(ctx context.Context, key string, tags []Tag, fetch Fetcher) (any, error) {
	c.mu.Lock()
	if e, ok := c.entries.Get(key); ok && !e.stale {
		v := e.value
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	v, err, _ := c.flight.Do(key, func() (any, error) {
		// Re-check under the flight: another caller may have completed
		// the fetch between the staleness check and joining the flight.
		c.mu.Lock()
		if e, ok := c.entries.Get(key); ok && !e.stale {
			v := e.value
			c.mu.Unlock()
			return v, nil
		}
		// Snapshot the invalidation generation of each tag before the
		// fetch starts. An Invalidate that lands while the fetch is in
		// flight bumps a generation, and store then records the result
		// as already stale: the fetched value may predate the mutation
		// that triggered the invalidation.
		gens := make([]uint64, len(tags))
		for i, tag := range tags {
			gens[i] = c.gen[tag]
		}
		c.mu.Unlock()

		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.store(key, v, tags, gens)
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Peek returns the cached value and its staleness without fetching.
func (c *Cache) Peek(key string) (v any, stale bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries.Peek(key)
	if !ok {
		return nil, false, false
	}
	return e.value, e.stale, true
}

func (c *Cache) store(key string, v any, tags []Tag, gens []uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Re-tagging an existing key drops its old index links first.
	if old, ok := c.entries.Peek(key); ok {
		c.unindex(key, old.tags)
	}
	e := &entry{value: v, tags: append([]Tag(nil), tags...), fetchedAt: time.Now()}
	for i, tag := range tags {
		if c.gen[tag] != gens[i] {
			e.stale = true
			break
		}
	}
	c.entries.Add(key, e)
	for _, tag := range tags {
		keys, ok := c.byTag[tag]
		if !ok {
			keys = make(map[string]struct{})
			c.byTag[tag] = keys
		}
		keys[key] = struct{}{}
	}
}

// Invalidate marks every entry sharing any of the given tags as stale
// and signals subscribers. It is idempotent and commutative:
// invalidating the same tag twice, or a superset then a subset, leaves
// the cache in the same state as a single invalidation.
func (c *Cache) Invalidate(tags ...Tag) {
	c.mu.Lock()
	for _, tag := range tags {
		c.gen[tag]++
		for key := range c.byTag[tag] {
			if e, ok := c.entries.Peek(key); ok {
				e.stale = true
			}
		}
	}
	// Snapshot subscriber channels under the lock; deliver after
	// staleness is visible so a woken reader never observes a fresh
	// entry that should be stale.
	type delivery struct {
		ch  chan Tag
		tag Tag
	}
	var pending []delivery
	for _, sub := range c.subs {
		for _, tag := range tags {
			if _, ok := sub.tags[tag]; ok {
				pending = append(pending, delivery{ch: sub.ch, tag: tag})
			}
		}
	}
	c.mu.Unlock()

	for _, d := range pending {
		// Best-effort fan-out: non-blocking send so a slow consumer
		// cannot stall invalidation. A consumer that misses a signal
		// still sees the stale flag on its next Query.
		select {
		case d.ch <- d.tag:
		default:
		}
	}
}

// Subscribe returns a channel that receives a signal for each
// invalidation of any of the given tags, plus a cancel function.
// Signals are delivered best-effort; use them as a re-fetch hint, not
// as a lossless event stream.
func (c *Cache) Subscribe(tags ...Tag) (<-chan Tag, func()) {
	tagSet := make(map[Tag]struct{}, len(tags))
	for _, tag := range tags {
		tagSet[tag] = struct{}{}
	}
	sub := &subscriber{tags: tagSet, ch: make(chan Tag, 8)}

	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = sub
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
	return sub.ch, cancel
}

// Reset evicts every entry unconditionally. Used on logout, when
// per-entry provenance cannot be trusted across identity changes.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
	c.byTag = make(map[Tag]map[string]struct{})
}

// Len returns the number of cached entries, stale included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// unindex removes key from the tag index. Caller holds c.mu (the LRU
// eviction callback fires inside mutations performed under the lock).
func (c *Cache) unindex(key string, tags []Tag) {
	for _, tag := range tags {
		if keys, ok := c.byTag[tag]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(c.byTag, tag)
			}
		}
	}
}
