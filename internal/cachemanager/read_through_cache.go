package cachemanager

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// LoadFunc computes the value for input on a cache miss.
type LoadFunc[V any, I any] func(ctx context.Context, input I) (V, error)

// ReadThroughCache fills a CacheManager from a LoadFunc. Concurrent misses on
// the same key share one load. Failed loads are not cached.
type ReadThroughCache[K ~string, V any, I any] struct {
	cache    CacheManager[K, V]
	fn       LoadFunc[V, I]
	skip     bool
	observe  func(hit bool)
	inflight singleflight.Group

	// generation is bumped by Invalidate so stale loads are dropped.
	generation atomic.Uint64
}

// ReadThroughOption configures a ReadThroughCache.
type ReadThroughOption func(*readThroughOptions)

type readThroughOptions struct {
	skip    bool
	observe func(hit bool)
}

// WithSkipCache makes every Get call the LoadFunc directly.
func WithSkipCache(skip bool) ReadThroughOption {
	return func(o *readThroughOptions) { o.skip = skip }
}

// WithLookupObserver calls fn after every lookup with whether it was a hit.
func WithLookupObserver(fn func(hit bool)) ReadThroughOption {
	return func(o *readThroughOptions) { o.observe = fn }
}

func NewReadThroughCache[K ~string, V any, I any](
	cache CacheManager[K, V],
	fn LoadFunc[V, I],
	opts ...ReadThroughOption,
) *ReadThroughCache[K, V, I] {
	var o readThroughOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.observe == nil {
		o.observe = func(bool) {}
	}
	return &ReadThroughCache[K, V, I]{
		cache:   cache,
		fn:      fn,
		skip:    o.skip,
		observe: o.observe,
	}
}

// Get returns the cached value for key or loads it from input.
func (r *ReadThroughCache[K, V, I]) Get(ctx context.Context, key K, input I, ttl time.Duration) (V, error) {
	return r.get(ctx, key, input, ttl, false)
}

// GetWithRefresh is Get that extends the lifetime of a cached value on a hit.
func (r *ReadThroughCache[K, V, I]) GetWithRefresh(ctx context.Context, key K, input I, ttl time.Duration) (V, error) {
	return r.get(ctx, key, input, ttl, true)
}

// Invalidate drops every cached value. Loads already in flight still
// complete but their results are not stored.
func (r *ReadThroughCache[K, V, I]) Invalidate(ctx context.Context) error {
	r.generation.Add(1)
	return r.cache.Flush(ctx)
}

func (r *ReadThroughCache[K, V, I]) get(ctx context.Context, key K, input I, ttl time.Duration, refresh bool) (V, error) {
	if r.skip {
		return r.fn(ctx, input)
	}

	var (
		value V
		ok    bool
	)
	if refresh {
		value, ok = r.cache.GetWithRefresh(ctx, key, ttl)
	} else {
		value, ok = r.cache.Get(ctx, key)
	}
	r.observe(ok)
	if ok {
		return value, nil
	}

	gen := r.generation.Load()
	v, err, _ := r.inflight.Do(string(key), func() (any, error) {
		loaded, err := r.fn(ctx, input)
		if err != nil {
			return loaded, err
		}
		if r.generation.Load() == gen {
			r.cache.Set(ctx, key, loaded, ttl)
		}
		return loaded, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	value, _ = v.(V)
	return value, nil
}
