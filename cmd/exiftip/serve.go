package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/wolfeidau/exiftip/binder"
	"github.com/wolfeidau/exiftip/disclosure"
	"github.com/wolfeidau/exiftip/preload"
	"github.com/wolfeidau/exiftip/resolve"
	"github.com/wolfeidau/exiftip/server"
	"github.com/wolfeidau/exiftip/telemetry"
	"github.com/wolfeidau/exiftip/watch"
)

// ServeCmd runs the HTTP server.
type ServeCmd struct {
	CacheFlags
	ResolveFlags
	PreloadFlags

	Address        string   `help:"Address to listen on." default:":8080" env:"EXIFTIP_ADDRESS"`
	AuthToken      string   `help:"Bearer token for stats and cache administration." env:"EXIFTIP_AUTH_TOKEN"`
	AllowedOrigins []string `help:"Origin host patterns allowed to open page sessions." env:"EXIFTIP_ALLOWED_ORIGINS"`
	Enabled        bool     `help:"Bind tooltips at all." default:"true" negatable:"" env:"EXIFTIP_ENABLED"`

	Content  string        `help:"Rendered site directory to watch for images." type:"existingdir" env:"EXIFTIP_CONTENT"`
	SiteURL  string        `help:"URL the content directory is served under." default:"/" env:"EXIFTIP_SITE_URL"`
	Debounce time.Duration `help:"Quiet period before page changes are processed." default:"200ms" env:"EXIFTIP_DEBOUNCE"`

	InitialDelay        time.Duration `help:"Preload delay after a page is bound." default:"1s" env:"EXIFTIP_INITIAL_DELAY"`
	LazyDelay           time.Duration `help:"Preload delay after images are added." default:"100ms" env:"EXIFTIP_LAZY_DELAY"`
	ShowDelay           time.Duration `help:"Hover time before a tooltip is shown." default:"100ms" env:"EXIFTIP_SHOW_DELAY"`
	HideDelay           time.Duration `help:"Settle time before a tooltip is hidden." default:"50ms" env:"EXIFTIP_HIDE_DELAY"`
	AutoHideDelay       time.Duration `help:"Lifetime of a tooltip shown by scrolling into view." default:"3s" env:"EXIFTIP_AUTO_HIDE_DELAY"`
	VisibilityThreshold float64       `help:"In-view ratio that shows a tooltip." default:"0.5" env:"EXIFTIP_VISIBILITY_THRESHOLD"`
	SmallScreenWidth    int           `help:"Widest viewport treated as a small screen." default:"768" env:"EXIFTIP_SMALL_SCREEN_WIDTH"`

	OTLPEndpoint string `name:"otlp-endpoint" help:"OTLP gRPC metrics endpoint." env:"EXIFTIP_OTLP_ENDPOINT"`
	Prometheus   bool   `help:"Expose /metrics." default:"true" negatable:"" env:"EXIFTIP_PROMETHEUS"`
}

func (c *ServeCmd) serverConfig(logger *slog.Logger) server.Config {
	cfg := server.DefaultConfig()
	cfg.Address = c.Address
	cfg.AuthToken = c.AuthToken
	cfg.AllowedOrigins = c.AllowedOrigins
	cfg.Logger = logger
	cfg.Binder = c.binderConfig()
	cfg.Preload = c.PreloadFlags.config()
	cfg.Disclosure = disclosure.Config{
		ShowDelay:           c.ShowDelay,
		HideDelay:           c.HideDelay,
		AutoHideDelay:       c.AutoHideDelay,
		VisibilityThreshold: c.VisibilityThreshold,
		SmallScreenMaxWidth: c.SmallScreenWidth,
	}
	return cfg
}

func (c *ServeCmd) binderConfig() binder.Config {
	return binder.Config{
		Enabled:      c.Enabled,
		InitialDelay: c.InitialDelay,
		LazyDelay:    c.LazyDelay,
	}
}

// Run serves until ctx is canceled.
func (c *ServeCmd) Run(ctx context.Context, g *Globals) error {
	logger := g.logger

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "exiftip",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownMetrics(shutdownCtx)
	}()

	store, err := c.CacheFlags.open(ctx, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Warn("closing cache", "error", err)
		}
	}()

	resolver := c.ResolveFlags.resolver(store.Cache, logger)
	cfg := c.serverConfig(logger)

	var opts []server.Option
	if c.Content != "" && c.Enabled {
		siteBinder, scheduler, err := c.watchContent(ctx, store, resolver, cfg, logger)
		if err != nil {
			return err
		}
		defer siteBinder.Reset()
		opts = append(opts, server.WithSite(siteBinder, scheduler))
	}

	srv := server.New(cfg, store, resolver, opts...)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"store", store.kind,
		"entries", store.Len(),
		"cache_enabled", c.CacheEnabled,
		"enabled", c.Enabled,
	)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// watchContent binds every page under the content directory and keeps the
// binding current as pages change.
func (c *ServeCmd) watchContent(ctx context.Context, store *openedCache, resolver *resolve.Resolver, cfg server.Config, logger *slog.Logger) (*binder.Binder, *preload.Scheduler, error) {
	site, err := url.Parse(c.SiteURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing site url: %w", err)
	}

	scheduler := preload.New(resolver, store, preload.WithConfig(cfg.Preload), preload.WithLogger(logger))
	registry := disclosure.NewRegistry(resolver,
		disclosure.WithCache(store),
		disclosure.WithConfig(cfg.Disclosure),
		disclosure.WithLogger(logger),
	)
	siteBinder := binder.New(store, scheduler, registry, binder.WithConfig(cfg.Binder), binder.WithLogger(logger))

	if removed := store.Cleanup(ctx); removed > 0 {
		logger.Info("pruned expired cache entries", "removed", removed)
	}

	// Preloads are not canceled on shutdown; a canceled resolve would
	// cache a placeholder.
	work := context.WithoutCancel(ctx)

	tracker := watch.NewTracker(c.Content, siteBinder, watch.WithSiteURL(site), watch.WithTrackerLogger(logger))
	pages, err := tracker.Scan(work)
	if err != nil {
		return nil, nil, err
	}

	handle := func(_ context.Context, changes []watch.Change) error {
		return tracker.Handle(work, changes)
	}
	w, err := watch.New(handle,
		watch.WithConfig(watch.Config{Debounce: c.Debounce}),
		watch.WithFilter(watch.HTMLFilter),
		watch.WithFilter(watch.NoHiddenFilter),
		watch.WithLogger(logger),
	)
	if err != nil {
		return nil, nil, err
	}
	if err := w.AddRecursive(c.Content); err != nil {
		_ = w.Close()
		return nil, nil, err
	}
	go func() {
		defer func() { _ = w.Close() }()
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("content watcher stopped", "error", err)
		}
	}()

	logger.Info("watching content", "dir", c.Content, "pages", pages, "images", registry.Len())
	return siteBinder, scheduler, nil
}
