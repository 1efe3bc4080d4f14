package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wolfeidau/exiftip/backend"
	"github.com/wolfeidau/exiftip/cache"
	"github.com/wolfeidau/exiftip/preload"
	"github.com/wolfeidau/exiftip/resolve"
)

// CacheFlags select and configure the durable store.
type CacheFlags struct {
	Store      string        `help:"Durable store: a bbolt path, bolt://, file://, redis:// or memory://." default:"exiftip.db" env:"EXIFTIP_STORE"`
	StorageKey string        `help:"Key the cache is stored under." default:"exif-cache" env:"EXIFTIP_STORAGE_KEY"`
	TTLDays    int           `name:"ttl-days" help:"Days an entry lives after it is written." default:"7" env:"EXIFTIP_TTL_DAYS"`
	FlushDelay time.Duration `help:"Delay before writes reach the store." default:"250ms" env:"EXIFTIP_FLUSH_DELAY"`
}

// ResolveFlags configure metadata fetching.
type ResolveFlags struct {
	MetadataBase string        `help:"Base URL for relative metadata sources." env:"EXIFTIP_METADATA_BASE"`
	CacheEnabled bool          `help:"Read and write the cache when resolving." default:"true" negatable:"" env:"EXIFTIP_CACHE_ENABLED"`
	FetchTimeout time.Duration `help:"Metadata request timeout." default:"10s" env:"EXIFTIP_FETCH_TIMEOUT"`
}

// PreloadFlags configure batch preloading.
type PreloadFlags struct {
	BatchSize  int           `help:"Images resolved concurrently per batch." default:"3" env:"EXIFTIP_BATCH_SIZE"`
	BatchDelay time.Duration `help:"Pause between batches." default:"500ms" env:"EXIFTIP_BATCH_DELAY"`
}

func (f PreloadFlags) config() preload.Config {
	return preload.Config{BatchSize: f.BatchSize, BatchDelay: f.BatchDelay}
}

// openedCache is a cache with the store it owns.
type openedCache struct {
	*cache.Cache
	kind  string
	store backend.Backend
}

// Close flushes the cache and closes its store.
func (o *openedCache) Close(ctx context.Context) error {
	return errors.Join(o.Cache.Close(ctx), o.store.Close())
}

func (f CacheFlags) open(ctx context.Context, logger *slog.Logger) (*openedCache, error) {
	store, kind, err := backend.Open(ctx, f.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", f.Store, err)
	}
	instrumented := backend.NewInstrumentedBackend(store, kind)

	cfg := cache.DefaultConfig()
	cfg.StorageKey = f.StorageKey
	cfg.TTLDays = f.TTLDays
	cfg.FlushDelay = f.FlushDelay

	c, err := cache.New(ctx, instrumented,
		cache.WithConfig(cfg),
		cache.WithLogger(logger),
	)
	if err != nil {
		_ = instrumented.Close()
		return nil, fmt.Errorf("loading cache: %w", err)
	}

	logger.Debug("cache opened", "store", kind, "entries", c.Len())
	return &openedCache{Cache: c, kind: kind, store: instrumented}, nil
}

func (f ResolveFlags) resolver(c *cache.Cache, logger *slog.Logger) *resolve.Resolver {
	upstream := resolve.NewUpstream(
		resolve.WithBaseURL(f.MetadataBase),
		resolve.WithTimeout(f.FetchTimeout),
	)
	return resolve.New(c, upstream,
		resolve.WithConfig(resolve.Config{CacheEnabled: f.CacheEnabled}),
		resolve.WithLogger(logger),
	)
}
