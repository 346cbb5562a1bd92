package memcache

import (
	"time"

	"go.uber.org/zap"

	"github.com/HibernalGlow/neoview/clock"
)

/*
Option configures a Cache at construction time.

Like the teacher's tempuscache.Option, this is the functional options
pattern: New takes a variadic list of Option values so that new knobs
can be added without breaking existing call sites.
*/
type Option[V any] func(*Cache[V])

// WithMaxBytes bounds the store's total accounted byte size. Zero means
// unbounded (the byte check is skipped).
func WithMaxBytes[V any](n int64) Option[V] {
	return func(c *Cache[V]) { c.maxBytes = n }
}

// WithMaxItems bounds the number of live entries. Zero means unbounded.
func WithMaxItems[V any](n int) Option[V] {
	return func(c *Cache[V]) { c.maxItems = n }
}

// WithDefaultTTL sets the TTL applied to entries whose Set call does not
// specify one explicitly. Zero means entries never expire by default.
func WithDefaultTTL[V any](d time.Duration) Option[V] {
	return func(c *Cache[V]) { c.defaultTTL = d }
}

// WithSizeOf injects the function used to compute an entry's byte cost,
// the generic analogue of spec.md's "size-of function is injected at
// construction (e.g., blob.size for blobs, string.length*2 for base64
// thumbnails)".
func WithSizeOf[V any](f func(V) int64) Option[V] {
	return func(c *Cache[V]) { c.sizeOf = f }
}

// WithCleanupInterval starts a background janitor goroutine, mirroring
// tempuscache's WithCleanupInterval. Zero disables active expiration;
// the cache then relies solely on lazy expiration at Get time.
func WithCleanupInterval[V any](d time.Duration) Option[V] {
	return func(c *Cache[V]) { c.cleanupInterval = d }
}

// WithClock overrides the time source, primarily for deterministic tests.
func WithClock[V any](clk clock.Clock) Option[V] {
	return func(c *Cache[V]) { c.clock = clk }
}

// WithLogger attaches a zap logger for listener-panic reporting. Defaults
// to zap.NewNop() so a Cache is silent unless a logger is supplied.
func WithLogger[V any](l *zap.Logger) Option[V] {
	return func(c *Cache[V]) { c.logger = l }
}
