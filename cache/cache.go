// Package cache implements the persistent metadata cache: a versioned,
// TTL-bounded key to display-string store with an in-memory mirror for
// synchronous reads and a deferred flush to a durable backend.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	perrors "github.com/jmgilman/go/errors"
	"github.com/wolfeidau/exiftip/backend"
	"github.com/wolfeidau/exiftip/telemetry"
)

const (
	// DefaultStorageKey is the single durable key holding the whole store.
	DefaultStorageKey = "exif-cache"

	// Version tags the durable store. A mismatch discards the store.
	Version = "1.0"

	// DefaultTTLDays is how long an entry stays visible after it is written.
	DefaultTTLDays = 7
)

// Config configures the cache.
type Config struct {
	// StorageKey is the durable key the store is written under.
	StorageKey string

	// Version is the expected store version.
	Version string

	// TTLDays is the lifetime of every entry from the moment it is written.
	TTLDays int

	// FlushDelay defers the durable write after a Set. Sets landing inside
	// the window collapse into one flush.
	FlushDelay time.Duration
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		StorageKey: DefaultStorageKey,
		Version:    Version,
		TTLDays:    DefaultTTLDays,
	}
}

// TTL returns the entry lifetime.
func (c Config) TTL() time.Duration {
	return time.Duration(c.TTLDays) * 24 * time.Hour
}

// Entry is one cached display string.
type Entry struct {
	Data   string `json:"data"`
	Expiry int64  `json:"expiry"` // unix milliseconds
}

// Store is the durable representation of the cache.
type Store struct {
	Version     string           `json:"version"`
	Cache       map[string]Entry `json:"cache"`
	LastUpdated int64            `json:"lastUpdated"` // unix milliseconds
}

// Cache is safe for concurrent use. All mirror reads and writes are
// serialized by a single mutex.
type Cache struct {
	backend backend.Backend
	codec   *backend.Codec
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]Entry

	flushMu sync.Mutex // serializes durable writes
	flushCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	closed  sync.Once
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithNow sets the clock (for testing).
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(c *Cache) {
		c.cfg = cfg
	}
}

// New creates a cache over b, loads the durable store once and starts the
// background flusher. Load failures never fail construction: the store is
// wiped and the cache starts empty.
func New(ctx context.Context, b backend.Backend, opts ...Option) (*Cache, error) {
	codec, err := backend.NewCodec()
	if err != nil {
		return nil, err
	}

	c := &Cache{
		backend: b,
		codec:   codec,
		cfg:     DefaultConfig(),
		logger:  slog.Default(),
		now:     time.Now,
		entries: make(map[string]Entry),
		flushCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg.StorageKey == "" {
		c.cfg.StorageKey = DefaultStorageKey
	}
	if c.cfg.Version == "" {
		c.cfg.Version = Version
	}
	if c.cfg.TTLDays <= 0 {
		c.cfg.TTLDays = DefaultTTLDays
	}
	c.logger = c.logger.With("component", "cache")

	loaded := c.load(ctx)
	c.mu.Lock()
	c.entries = loaded
	c.mu.Unlock()

	go c.flushLoop()

	return c, nil
}

// Get returns the value for key if present and unexpired.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.live(key)
	if !ok {
		return "", false
	}
	return e.Data, true
}

// Has reports whether key holds an unexpired value.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.live(key)
	return ok
}

// Lookup is Get with the outcome recorded as a cache metric.
func (c *Cache) Lookup(ctx context.Context, key string) (string, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	expired := ok && !c.unexpired(e)
	c.mu.Unlock()

	switch {
	case expired:
		telemetry.RecordCacheLookup(ctx, telemetry.CacheExpired)
		return "", false
	case !ok:
		telemetry.RecordCacheLookup(ctx, telemetry.CacheMiss)
		return "", false
	default:
		telemetry.RecordCacheLookup(ctx, telemetry.CacheHit)
		return e.Data, true
	}
}

// Set stores value under key with a fresh TTL window and schedules a
// deferred flush. The value is visible to Get immediately.
func (c *Cache) Set(key, value string) {
	expiry := c.now().Add(c.cfg.TTL()).UnixMilli()

	c.mu.Lock()
	c.entries[key] = Entry{Data: value, Expiry: expiry}
	c.mu.Unlock()

	c.scheduleFlush()
}

// Len returns the number of unexpired entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if c.unexpired(e) {
			n++
		}
	}
	return n
}

// Clear drops every entry and deletes the durable store.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.entries = make(map[string]Entry)
	c.mu.Unlock()

	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	if err := c.backend.Delete(ctx, c.cfg.StorageKey); err != nil {
		return perrors.Wrap(err, perrors.CodeDatabase, "deleting durable store")
	}
	return nil
}

// Cleanup reloads the durable store, drops entries that have expired since
// the mirror was built and rewrites the store. Returns the number of
// entries removed.
func (c *Cache) Cleanup(ctx context.Context) int {
	durable := c.load(ctx)

	c.mu.Lock()
	removed := 0
	for key, e := range c.entries {
		if !c.unexpired(e) {
			delete(c.entries, key)
			removed++
		}
	}
	for key, e := range durable {
		if _, ok := c.entries[key]; !ok {
			c.entries[key] = e
		}
	}
	remaining := len(c.entries)
	c.mu.Unlock()

	if err := c.Flush(ctx); err != nil {
		c.logger.Warn("cleanup flush failed", "error", err)
	}
	telemetry.RecordCacheCleanup(ctx, removed, remaining)
	c.logger.Debug("cleanup complete", "removed", removed, "remaining", remaining)
	return removed
}

// Flush writes the whole mirror to the durable store now.
func (c *Cache) Flush(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	start := time.Now()
	now := c.now()

	c.mu.Lock()
	store := Store{
		Version:     c.cfg.Version,
		Cache:       make(map[string]Entry, len(c.entries)),
		LastUpdated: now.UnixMilli(),
	}
	for key, e := range c.entries {
		if c.unexpired(e) {
			store.Cache[key] = e
		}
	}
	c.mu.Unlock()

	data, err := json.Marshal(store)
	if err != nil {
		telemetry.RecordCacheFlush(ctx, "error", len(store.Cache), 0, time.Since(start))
		return perrors.Wrap(err, perrors.CodeSchemaFailed, "encoding store")
	}

	var buf bytes.Buffer
	if err := c.codec.Encode(&buf, data, now); err != nil {
		telemetry.RecordCacheFlush(ctx, "error", len(store.Cache), 0, time.Since(start))
		return perrors.Wrap(err, perrors.CodeSchemaFailed, "framing store")
	}
	size := int64(buf.Len())

	if err := c.backend.Write(ctx, c.cfg.StorageKey, &buf); err != nil {
		telemetry.RecordCacheFlush(ctx, "error", len(store.Cache), 0, time.Since(start))
		return perrors.Wrap(err, perrors.CodeDatabase, "writing durable store")
	}

	telemetry.RecordCacheFlush(ctx, "success", len(store.Cache), size, time.Since(start))
	return nil
}

// Close flushes pending writes and stops the background flusher.
func (c *Cache) Close(ctx context.Context) error {
	var err error
	c.closed.Do(func() {
		close(c.stopCh)
		<-c.doneCh
		err = c.Flush(ctx)
		c.codec.Close()
	})
	return err
}

func (c *Cache) scheduleFlush() {
	select {
	case c.flushCh <- struct{}{}:
	default:
		// a flush is already pending and will serialize this write too
	}
}

func (c *Cache) flushLoop() {
	defer close(c.doneCh)

	for {
		select {
		case <-c.stopCh:
			return
		case <-c.flushCh:
		}

		if c.cfg.FlushDelay > 0 {
			select {
			case <-c.stopCh:
				return
			case <-time.After(c.cfg.FlushDelay):
			}
		}

		if err := c.Flush(context.Background()); err != nil {
			c.logger.Warn("flush failed", "error", err)
		}
	}
}

// live returns the entry for key when it has not expired. Caller holds mu.
func (c *Cache) live(key string) (Entry, bool) {
	e, ok := c.entries[key]
	if !ok || !c.unexpired(e) {
		return Entry{}, false
	}
	return e, true
}

func (c *Cache) unexpired(e Entry) bool {
	return e.Expiry > c.now().UnixMilli()
}

// load reads the durable store and returns its unexpired entries. Any
// failure wipes the store and yields an empty set.
func (c *Cache) load(ctx context.Context) map[string]Entry {
	entries := make(map[string]Entry)

	store, err := c.readStore(ctx)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			telemetry.RecordCacheLoad(ctx, "empty", 0)
			return entries
		}

		outcome := loadOutcome(err)
		c.logger.Warn("discarding durable store", "outcome", outcome, "error", err)
		telemetry.RecordCacheLoad(ctx, outcome, 0)

		c.flushMu.Lock()
		if derr := c.backend.Delete(ctx, c.cfg.StorageKey); derr != nil {
			c.logger.Warn("wiping durable store failed", "error", derr)
		}
		c.flushMu.Unlock()
		return entries
	}

	for key, e := range store.Cache {
		if c.unexpired(e) {
			entries[key] = e
		}
	}
	c.logger.Info("loaded durable store", "entries", len(entries), "stored", len(store.Cache))
	telemetry.RecordCacheLoad(ctx, "loaded", len(entries))
	return entries
}

func (c *Cache) readStore(ctx context.Context) (*Store, error) {
	c.flushMu.Lock()
	rc, err := c.backend.Read(ctx, c.cfg.StorageKey)
	c.flushMu.Unlock()
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, err
		}
		return nil, perrors.Wrap(err, perrors.CodeDatabase, "reading durable store")
	}
	defer func() { _ = rc.Close() }()

	_, data, err := c.codec.Decode(rc)
	if err != nil {
		return nil, perrors.Wrap(err, perrors.CodeSchemaFailed, "decoding durable store")
	}

	var store Store
	if err := json.Unmarshal(data, &store); err != nil {
		return nil, perrors.Wrap(err, perrors.CodeSchemaFailed, "parsing durable store")
	}
	if store.Version != c.cfg.Version {
		return nil, perrors.Newf(perrors.CodeSchemaVersionIncompatible,
			"store version %q, expected %q", store.Version, c.cfg.Version)
	}
	return &store, nil
}

func loadOutcome(err error) string {
	switch perrors.GetCode(err) {
	case perrors.CodeSchemaVersionIncompatible:
		return "version_mismatch"
	case perrors.CodeSchemaFailed:
		return "corrupt"
	default:
		return "error"
	}
}
