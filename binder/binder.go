// Package binder connects the metadata pipeline to a page's lifecycle:
// document ready, in-app navigation and images added after the fact.
package binder

import (
	"context"
	"log/slog"
	"time"

	"github.com/wolfeidau/exiftip"
	"github.com/wolfeidau/exiftip/disclosure"
)

const (
	// DefaultInitialDelay is how long preloading waits after a lifecycle
	// signal so it does not compete with the page render.
	DefaultInitialDelay = time.Second

	// DefaultLazyDelay is how long preloading waits after images are added.
	DefaultLazyDelay = 100 * time.Millisecond
)

// Page is a host page as seen by the binder.
type Page interface {
	// Images returns the eligible images in document order.
	Images() []exiftip.Image
	// Tooltip returns the tooltip container for img.
	Tooltip(img exiftip.Image) disclosure.Tooltip
	// ViewportWidth returns the width used to classify the device.
	ViewportWidth() int
}

// Scheduler is the preload side of the pipeline.
type Scheduler interface {
	Enqueue(ctx context.Context, img exiftip.Image) bool
	Start(ctx context.Context, delay time.Duration)
	Reset()
}

// Cache is the opportunistic maintenance side of the metadata cache.
type Cache interface {
	Cleanup(ctx context.Context) int
}

// Config holds binder configuration.
type Config struct {
	// Enabled switches the whole feature. A disabled binder binds and
	// schedules nothing.
	Enabled      bool
	InitialDelay time.Duration
	LazyDelay    time.Duration
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		InitialDelay: DefaultInitialDelay,
		LazyDelay:    DefaultLazyDelay,
	}
}

// Binder owns the per-session wiring between the registry, the scheduler
// and the cache.
type Binder struct {
	cfg       Config
	cache     Cache
	scheduler Scheduler
	registry  *disclosure.Registry
	logger    *slog.Logger
}

// Option configures a Binder.
type Option func(*Binder)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Binder) {
		b.logger = logger
	}
}

// WithConfig sets the configuration.
func WithConfig(cfg Config) Option {
	return func(b *Binder) {
		b.cfg = cfg
	}
}

// New creates a Binder.
func New(cache Cache, scheduler Scheduler, registry *disclosure.Registry, opts ...Option) *Binder {
	b := &Binder{
		cfg:       DefaultConfig(),
		cache:     cache,
		scheduler: scheduler,
		registry:  registry,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "binder")
	return b
}

// Enabled reports whether the feature is on.
func (b *Binder) Enabled() bool {
	return b.cfg.Enabled
}

// Registry returns the disclosure registry.
func (b *Binder) Registry() *disclosure.Registry {
	return b.registry
}

// OnDocumentReady binds the page after its first load and returns the
// number of images bound.
func (b *Binder) OnDocumentReady(ctx context.Context, page Page) int {
	return b.rebind(ctx, "ready", page)
}

// OnNavigation rebinds the page after an in-app navigation completed.
func (b *Binder) OnNavigation(ctx context.Context, page Page) int {
	return b.rebind(ctx, "navigation", page)
}

// ImagesAdded binds images that appeared after the page was bound and
// wakes the scheduler if it is idle.
func (b *Binder) ImagesAdded(ctx context.Context, page Page, imgs []exiftip.Image) int {
	if !b.cfg.Enabled || len(imgs) == 0 {
		return 0
	}

	width := page.ViewportWidth()
	bound, queued := 0, 0
	for _, img := range imgs {
		if _, created := b.registry.Bind(ctx, img, page.Tooltip(img), width); created {
			bound++
		}
		if b.scheduler.Enqueue(ctx, img) {
			queued++
		}
	}
	if queued > 0 {
		b.scheduler.Start(ctx, b.cfg.LazyDelay)
	}

	b.logger.Debug("images added", "bound", bound, "queued", queued)
	return bound
}

// ImagesRemoved unbinds images that left the page.
func (b *Binder) ImagesRemoved(imgs []exiftip.Image) int {
	removed := 0
	for _, img := range imgs {
		if b.registry.Unbind(img.ID) {
			removed++
		}
	}
	if removed > 0 {
		b.logger.Debug("images removed", "unbound", removed)
	}
	return removed
}

// Register binds a single image explicitly and queues it for preloading.
func (b *Binder) Register(ctx context.Context, img exiftip.Image, tooltip disclosure.Tooltip, viewportWidth int) (*disclosure.Controller, bool) {
	if !b.cfg.Enabled {
		return nil, false
	}
	c, _ := b.registry.Bind(ctx, img, tooltip, viewportWidth)
	if b.scheduler.Enqueue(ctx, img) {
		b.scheduler.Start(ctx, b.cfg.LazyDelay)
	}
	return c, true
}

// Reset drops every binding and pending preload.
func (b *Binder) Reset() {
	b.scheduler.Reset()
	b.registry.Reset()
}

func (b *Binder) rebind(ctx context.Context, signal string, page Page) int {
	if !b.cfg.Enabled {
		return 0
	}

	b.Reset()

	if removed := b.cache.Cleanup(ctx); removed > 0 {
		b.logger.Info("pruned expired cache entries", "removed", removed)
	}

	width := page.ViewportWidth()
	imgs := page.Images()
	queued := 0
	for _, img := range imgs {
		b.registry.Bind(ctx, img, page.Tooltip(img), width)
		if b.scheduler.Enqueue(ctx, img) {
			queued++
		}
	}
	b.scheduler.Start(ctx, b.cfg.InitialDelay)

	b.logger.Info("page bound", "signal", signal, "images", len(imgs), "queued", queued)
	return b.registry.Len()
}
