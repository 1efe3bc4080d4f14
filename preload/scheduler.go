// Package preload warms the metadata cache ahead of user interaction by
// resolving registered images in small batches with a pause between them.
package preload

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/exiftip"
	"github.com/wolfeidau/exiftip/telemetry"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultBatchSize is how many images are resolved concurrently.
	DefaultBatchSize = 3

	// DefaultBatchDelay is the pause between batches.
	DefaultBatchDelay = 500 * time.Millisecond
)

// Resolver produces the display string for an image. It must not fail.
type Resolver interface {
	Resolve(ctx context.Context, img exiftip.Image) string
}

// Cache reports what is already cached.
type Cache interface {
	Has(key string) bool
	Len() int
}

// Config holds scheduler configuration.
type Config struct {
	// BatchSize is the number of images resolved together. A batch is a
	// join point: the next one starts only after every item settled.
	BatchSize int

	// BatchDelay is the pause between batches while work remains.
	BatchDelay time.Duration
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:  DefaultBatchSize,
		BatchDelay: DefaultBatchDelay,
	}
}

// Status is a side-effect free snapshot of the scheduler.
type Status struct {
	QueueLength int  `json:"queueLength"`
	IsRunning   bool `json:"isRunning"`
	CacheSize   int  `json:"cacheSize"`
	SeenCount   int  `json:"seenCount"`
}

// Scheduler is safe for concurrent use. At most one run loop is active
// until Reset.
type Scheduler struct {
	cfg      Config
	resolver Resolver
	cache    Cache
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	queue      []exiftip.Image
	seen       map[string]struct{}
	running    bool
	generation uint64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(s *Scheduler) {
		s.cfg = cfg
	}
}

// WithSleep replaces the delay function (for testing).
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scheduler) {
		s.sleep = sleep
	}
}

// New creates a Scheduler.
func New(resolver Resolver, cache Cache, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:      DefaultConfig(),
		resolver: resolver,
		cache:    cache,
		logger:   slog.Default(),
		sleep:    sleepContext,
		seen:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.BatchSize <= 0 {
		s.cfg.BatchSize = DefaultBatchSize
	}
	if s.cfg.BatchDelay < 0 {
		s.cfg.BatchDelay = 0
	}
	s.logger = s.logger.With("component", "preload")
	return s
}

// Enqueue adds img unless its cache key is already cached or the image was
// already seen since the last Reset. Reports whether it was queued.
func (s *Scheduler) Enqueue(ctx context.Context, img exiftip.Image) bool {
	if s.cache.Has(img.CacheKey()) {
		telemetry.RecordPreloadSkipped(ctx, "cached")
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[img.ID]; ok {
		telemetry.RecordPreloadSkipped(ctx, "seen")
		return false
	}
	s.seen[img.ID] = struct{}{}
	s.queue = append(s.queue, img)
	return true
}

// Run drains the queue in batches and returns when it is empty, ctx is
// done or Reset was called. It is a no-op when already running or when
// there is nothing queued.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	if s.running || len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	s.running = true
	gen := s.generation
	queued := len(s.queue)
	s.mu.Unlock()

	start := time.Now()
	s.logger.Info("preload started", "queued", queued, "batch_size", s.cfg.BatchSize)

	resolved, batches := 0, 0
	for {
		batch, ok := s.take(gen)
		if !ok {
			s.logger.Info("preload abandoned after reset", "resolved", resolved, "batches", batches)
			return
		}

		s.runBatch(ctx, batch)
		resolved += len(batch)
		batches++

		if !s.more(gen) {
			s.logger.Info("preload finished", "resolved", resolved, "batches", batches, "duration", time.Since(start))
			return
		}

		if err := s.sleep(ctx, s.cfg.BatchDelay); err != nil {
			s.stop(gen)
			s.logger.Info("preload interrupted", "resolved", resolved, "batches", batches, "error", err)
			return
		}
	}
}

// Start runs the scheduler in the background after delay unless a Reset
// happens first.
func (s *Scheduler) Start(ctx context.Context, delay time.Duration) {
	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()

	go func() {
		if delay > 0 {
			if err := s.sleep(ctx, delay); err != nil {
				return
			}
		}
		s.mu.Lock()
		stale := gen != s.generation
		s.mu.Unlock()
		if stale {
			return
		}
		s.Run(ctx)
	}()
}

// Reset clears the queue and the seen set and marks the scheduler idle.
// An in-flight batch finishes but no further batch starts.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
	s.seen = make(map[string]struct{})
	s.running = false
	s.generation++
}

// Status returns a snapshot of the scheduler.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	st := Status{
		QueueLength: len(s.queue),
		IsRunning:   s.running,
		SeenCount:   len(s.seen),
	}
	s.mu.Unlock()
	st.CacheSize = s.cache.Len()
	return st
}

// take removes the next batch from the front of the queue.
func (s *Scheduler) take(gen uint64) ([]exiftip.Image, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return nil, false
	}
	n := min(s.cfg.BatchSize, len(s.queue))
	batch := make([]exiftip.Image, n)
	copy(batch, s.queue[:n])
	s.queue = s.queue[n:]
	return batch, true
}

// more reports whether another batch should run, marking the scheduler
// idle when it should not.
func (s *Scheduler) more(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return false
	}
	if len(s.queue) == 0 {
		s.running = false
		return false
	}
	return true
}

func (s *Scheduler) stop(gen uint64) {
	s.mu.Lock()
	if gen == s.generation {
		s.running = false
	}
	s.mu.Unlock()
}

func (s *Scheduler) runBatch(ctx context.Context, batch []exiftip.Image) {
	start := time.Now()

	// Resolve never fails, so the group only bounds and joins the batch.
	var g errgroup.Group
	g.SetLimit(s.cfg.BatchSize)
	for _, img := range batch {
		g.Go(func() error {
			display := s.resolver.Resolve(ctx, img)
			s.logger.Debug("preloaded", "image", img.Name(), "key", img.CacheKey(), "settings", display)
			return nil
		})
	}
	_ = g.Wait()

	canceled := 0
	if ctx.Err() != nil {
		canceled = len(batch)
	}
	telemetry.RecordPreloadBatch(ctx, len(batch)-canceled, canceled, time.Since(start))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
