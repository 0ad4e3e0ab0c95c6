// Package evalcache memoizes evaluation results of an R session until the
// host reports that its workspace changed.
package evalcache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/microsoft/RTVS-sub005/internal/cachemanager"
	"github.com/microsoft/RTVS-sub005/internal/log"
	"github.com/microsoft/RTVS-sub005/internal/metrics"
	"github.com/microsoft/RTVS-sub005/internal/pubsub"
	"github.com/microsoft/RTVS-sub005/internal/rhost/protocol"
	"github.com/microsoft/RTVS-sub005/internal/rhost/session"
)

// DefaultTTL bounds how long a result is reused without a mutation.
const DefaultTTL = time.Minute

// Source is the session whose evaluations are cached.
type Source interface {
	ID() string
	Evaluate(ctx context.Context, expr string, kind protocol.EvaluationKind) (json.RawMessage, error)
	Subscribe(ctx context.Context) <-chan pubsub.Event[session.Event]
	Mutations() int64
}

var _ Source = (*session.Session)(nil)

type key string

type request struct {
	expr string
	kind protocol.EvaluationKind
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets how long results are kept.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithMetrics records hits and misses.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// Cache serves repeated evaluations of the same expression from memory. It
// is flushed when the host reports a mutation, and when the host connects or
// disconnects.
type Cache struct {
	src     Source
	ttl     time.Duration
	metrics *metrics.Metrics
	store   *cachemanager.InMemoryCacheManager[key, json.RawMessage]
	rt      *cachemanager.ReadThroughCache[key, json.RawMessage, request]

	mu        sync.Mutex
	mutations int64

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a cache over src and starts following its events until Close.
func New(src Source, opts ...Option) *Cache {
	c := &Cache{
		src:       src,
		ttl:       DefaultTTL,
		mutations: src.Mutations(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.store = cachemanager.NewInMemoryCacheManager[key, json.RawMessage](
		"eval:"+src.ID(), c.ttl, cachemanager.DefaultCleanupInterval)
	c.rt = cachemanager.NewReadThroughCache[key, json.RawMessage, request](
		c.store, c.load, cachemanager.WithLookupObserver(c.metrics.CacheLookup))

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	events := src.Subscribe(ctx)
	go c.follow(events)
	return c
}

// Evaluate returns the cached result of expr or evaluates it on the host.
// Errors are never cached.
func (c *Cache) Evaluate(ctx context.Context, expr string, kind protocol.EvaluationKind) (json.RawMessage, error) {
	if kind == "" {
		kind = protocol.KindNormal
	}
	if err := c.checkMutations(ctx); err != nil {
		return nil, err
	}
	return c.rt.Get(ctx, key(string(kind)+"\x00"+expr), request{expr: expr, kind: kind}, c.ttl)
}

// Get evaluates expr through c and decodes the result into T.
func Get[T any](ctx context.Context, c *Cache, expr string, kind protocol.EvaluationKind) (T, error) {
	var v T
	raw, err := c.Evaluate(ctx, expr, kind)
	if err != nil {
		return v, err
	}
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decoding result of %q: %w", expr, err)
	}
	return v, nil
}

// Len returns the number of cached results.
func (c *Cache) Len() int { return c.store.Len() }

// Invalidate drops every cached result.
func (c *Cache) Invalidate(ctx context.Context) error {
	return c.rt.Invalidate(ctx)
}

// Close stops following session events.
func (c *Cache) Close() {
	c.cancel()
	<-c.done
}

func (c *Cache) load(ctx context.Context, req request) (json.RawMessage, error) {
	raw, err := c.src.Evaluate(ctx, req.expr, req.kind)
	if err != nil {
		return nil, err
	}
	// A mutation during the evaluation may have changed the result.
	if err := c.checkMutations(ctx); err != nil {
		return nil, err
	}
	return raw, nil
}

// checkMutations flushes the cache if the host reported a mutation since the
// last check. The mutation counter is updated before the reply that follows
// it is delivered, so this catches changes the event stream has not yet
// reported.
func (c *Cache) checkMutations(ctx context.Context) error {
	n := c.src.Mutations()

	c.mu.Lock()
	changed := n != c.mutations
	c.mutations = n
	c.mu.Unlock()

	if !changed {
		return nil
	}
	return c.Invalidate(ctx)
}

func (c *Cache) follow(events <-chan pubsub.Event[session.Event]) {
	defer close(c.done)
	for e := range events {
		switch e.Type {
		case pubsub.MutatedEvent, pubsub.ConnectedEvent, pubsub.DisconnectedEvent:
			if c.store.Len() > 0 {
				log.Debug(log.CatCache, "evaluation cache invalidated", "session", e.Payload.SessionID, "event", string(e.Type))
			}
			_ = c.Invalidate(context.Background())
		}
	}
}
