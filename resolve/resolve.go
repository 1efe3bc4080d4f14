// Package resolve turns an image into its tooltip display string: from the
// cache when possible, otherwise from the metadata endpoint, falling back
// to deterministic synthetic settings. No error crosses Resolve.
package resolve

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	perrors "github.com/jmgilman/go/errors"
	"github.com/wolfeidau/exiftip"
	"github.com/wolfeidau/exiftip/download"
	"github.com/wolfeidau/exiftip/metadata"
	"github.com/wolfeidau/exiftip/telemetry"
)

// Cache is the subset of the persistent cache the resolver needs.
type Cache interface {
	Lookup(ctx context.Context, key string) (string, bool)
	Set(key, value string)
}

// Fetcher retrieves a metadata document.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Config configures the resolver.
type Config struct {
	// CacheEnabled is the administrative cache switch. When false every
	// resolve fetches fresh and nothing is cached.
	CacheEnabled bool
}

// DefaultConfig returns the default resolver configuration.
func DefaultConfig() Config {
	return Config{CacheEnabled: true}
}

// Resolver is safe for concurrent use.
type Resolver struct {
	cfg        Config
	cache      Cache
	fetcher    Fetcher
	downloader *download.Downloader
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithNow sets the clock used for the synthetic capture date (for testing).
func WithNow(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(r *Resolver) {
		r.cfg = cfg
	}
}

// WithDownloader shares a fetch deduplication group.
func WithDownloader(d *download.Downloader) Option {
	return func(r *Resolver) {
		r.downloader = d
	}
}

// New creates a Resolver.
func New(cache Cache, fetcher Fetcher, opts ...Option) *Resolver {
	r := &Resolver{
		cfg:     DefaultConfig(),
		cache:   cache,
		fetcher: fetcher,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.downloader == nil {
		r.downloader = download.New(download.WithLogger(r.logger))
	}
	r.logger = r.logger.With("component", "resolve")
	return r
}

// Resolve returns the display string for img. It always returns a string.
//
// Fetched settings and synthetic fallbacks for endpoint failures are
// cached. Insufficient data and fallbacks caused by ctx ending are returned
// without being cached, so a later resolve asks the endpoint again.
func (r *Resolver) Resolve(ctx context.Context, img exiftip.Image) string {
	key := img.CacheKey()

	if r.cfg.CacheEnabled {
		if cached, ok := r.cache.Lookup(ctx, key); ok {
			telemetry.RecordResolve(ctx, "cache")
			return cached
		}
	}

	settings, ok, err := r.fetchSettings(ctx, img)
	switch {
	case err != nil && callerGone(ctx, err):
		return r.synthesize(ctx, img, err)
	case err != nil:
		settings = r.synthesize(ctx, img, err)
	case !ok:
		r.logger.Debug("insufficient metadata", "image", img.Name(), "key", key)
		telemetry.RecordResolve(ctx, "unavailable")
		return metadata.Unavailable
	default:
		telemetry.RecordResolve(ctx, "upstream")
	}

	if r.cfg.CacheEnabled {
		r.cache.Set(key, settings)
	}
	return settings
}

// callerGone reports whether err comes from ctx ending rather than from
// the endpoint.
func callerGone(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

// Synthesize returns the placeholder settings for img.
func (r *Resolver) Synthesize(img exiftip.Image) string {
	date := strings.TrimSpace(img.Published)
	if date == "" {
		date = r.now().Format(metadata.DateLayout)
	}
	return metadata.Synthesize(img.ID, date)
}

func (r *Resolver) synthesize(ctx context.Context, img exiftip.Image, err error) string {
	r.logger.Debug("using synthetic settings", "image", img.Name(), "key", img.CacheKey(), "reason", Classify(err), "error", err)
	telemetry.RecordResolve(ctx, "synthetic")
	return r.Synthesize(img)
}

// fetchSettings returns the formatted settings and whether the record held
// enough fields.
func (r *Resolver) fetchSettings(ctx context.Context, img exiftip.Image) (string, bool, error) {
	url := img.FetchURL()
	if url == "" {
		return "", false, perrors.New(perrors.CodeInvalidInput, "image has no metadata source")
	}

	res, shared, err := r.downloader.Do(ctx, img.CacheKey(), func(ctx context.Context) (*download.Result, error) {
		body, err := r.fetcher.Fetch(ctx, url)
		if err != nil {
			return nil, err
		}
		return download.NewResult(body), nil
	})
	if err != nil {
		r.downloader.ForgetOnError(img.CacheKey(), err)
		return "", false, err
	}

	rec, err := metadata.DecodeRecord(bytes.NewReader(res.Body))
	if err != nil {
		return "", false, perrors.Wrap(err, perrors.CodeSchemaFailed, "decoding metadata record")
	}

	settings, ok := metadata.Format(rec)
	r.logger.Debug("resolved metadata", "image", img.Name(), "shared", shared, "sufficient", ok, "checksum", res.Checksum.ShortString())
	return settings, ok, nil
}
