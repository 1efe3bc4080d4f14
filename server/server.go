// Package server exposes the tooltip pipeline over HTTP: health, stats, a
// one-shot tooltip lookup, metrics and websocket page sessions.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/wolfeidau/exiftip"
	"github.com/wolfeidau/exiftip/binder"
	"github.com/wolfeidau/exiftip/disclosure"
	"github.com/wolfeidau/exiftip/preload"
	"github.com/wolfeidau/exiftip/telemetry"
)

// DefaultAddress is the listen address used when none is configured.
const DefaultAddress = ":8080"

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken protects the cache administration endpoints. Empty
	// disables authentication.
	AuthToken string

	// AllowedOrigins are host patterns accepted for websocket sessions
	// from another origin.
	AllowedOrigins []string

	Binder     binder.Config
	Preload    preload.Config
	Disclosure disclosure.Config

	// Logger for the server
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Address:    DefaultAddress,
		Binder:     binder.DefaultConfig(),
		Preload:    preload.DefaultConfig(),
		Disclosure: disclosure.DefaultConfig(),
	}
}

// Cache is the metadata cache as used by the server and its sessions.
type Cache interface {
	Get(key string) (string, bool)
	Has(key string) bool
	Len() int
	Cleanup(ctx context.Context) int
	Clear(ctx context.Context) error
}

// Resolver produces tooltip text for an image.
type Resolver interface {
	Resolve(ctx context.Context, img exiftip.Image) string
}

// Server is the HTTP server.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	cache    Cache
	resolver Resolver
	clock    disclosure.Clock

	// site is the binding of a watched content tree, if any.
	site          *binder.Binder
	siteScheduler *preload.Scheduler

	mu       sync.Mutex
	sessions map[string]*session
}

// Option configures a Server.
type Option func(*Server)

// WithSite reports a content-tree binding in stats.
func WithSite(b *binder.Binder, scheduler *preload.Scheduler) Option {
	return func(s *Server) {
		s.site = b
		s.siteScheduler = scheduler
	}
}

// WithClock sets the timer source for session tooltips.
func WithClock(clock disclosure.Clock) Option {
	return func(s *Server) {
		s.clock = clock
	}
}

// New creates a new server with the given configuration.
func New(cfg Config, cache Cache, resolver Resolver, opts ...Option) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}

	s := &Server{
		config:   cfg,
		logger:   cfg.Logger,
		cache:    cache,
		resolver: resolver,
		clock:    disclosure.RealClock{},
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.loggingMiddleware(s.authMiddleware(mux))
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("GET /tooltip", s.handleTooltip)
	mux.HandleFunc("GET /session", s.handleSession)

	mux.HandleFunc("POST /cache/cleanup", s.handleCleanup)
	mux.HandleFunc("DELETE /cache", s.handleClear)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Stats is the body of GET /stats.
type Stats struct {
	CacheEntries int            `json:"cacheEntries"`
	Sessions     int            `json:"sessions"`
	Site         *SiteStats     `json:"site,omitempty"`
	Pages        []SessionStats `json:"pages"`
}

// SiteStats describes the watched content tree binding.
type SiteStats struct {
	Bound     int            `json:"bound"`
	Scheduler preload.Status `json:"scheduler"`
}

// SessionStats describes one open page session.
type SessionStats struct {
	ID        string         `json:"id"`
	Bound     int            `json:"bound"`
	Scheduler preload.Status `json:"scheduler"`
}

func (s *Server) stats() Stats {
	st := Stats{CacheEntries: s.cache.Len(), Pages: []SessionStats{}}

	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	st.Sessions = len(sessions)
	for _, sess := range sessions {
		st.Pages = append(st.Pages, SessionStats{
			ID:        sess.id,
			Bound:     sess.registry.Len(),
			Scheduler: sess.scheduler.Status(),
		})
	}

	if s.site != nil {
		st.Site = &SiteStats{
			Bound:     s.site.Registry().Len(),
			Scheduler: s.siteScheduler.Status(),
		}
	}
	return st
}

// handleStats handles cache and scheduler statistics requests.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats())
}

// TooltipResponse is the body of GET /tooltip.
type TooltipResponse struct {
	ID       string `json:"id"`
	Key      string `json:"key"`
	Settings string `json:"settings"`
}

// handleTooltip resolves the tooltip text for one image.
// Query: src (required), exif (metadata URL), published (YYYY-MM-DD).
func (s *Server) handleTooltip(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "tooltip")

	q := r.URL.Query()
	img := exiftip.Image{
		ID:        strings.TrimSpace(q.Get("src")),
		SourceURL: strings.TrimSpace(q.Get("exif")),
		Published: strings.TrimSpace(q.Get("published")),
	}
	if img.ID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing src"})
		return
	}

	if s.cache.Has(img.CacheKey()) {
		telemetry.SetCacheResult(r, telemetry.CacheHit)
	} else {
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
	}

	writeJSON(w, http.StatusOK, TooltipResponse{
		ID:       img.ID,
		Key:      img.CacheKey(),
		// A client that gives up still lets the fetch land in the cache.
		Settings: s.resolver.Resolve(context.WithoutCancel(r.Context()), img),
	})
}

// handleCleanup prunes expired cache entries.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "cleanup")
	removed := s.cache.Cleanup(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed, "remaining": s.cache.Len()})
}

// handleClear drops every cache entry.
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "clear")
	if err := s.cache.Clear(r.Context()); err != nil {
		s.logger.Error("clearing cache", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "clearing cache"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server and ends open sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.mu.Lock()
	for _, sess := range s.sessions {
		sess.end()
	}
	s.mu.Unlock()

	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

func (s *Server) addSession(sess *session) {
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	telemetry.RecordSession(context.Background(), 1)
}

func (s *Server) removeSession(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	telemetry.RecordSession(context.Background(), -1)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
