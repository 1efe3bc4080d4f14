// Package download provides singleflight-based deduplication for concurrent
// metadata fetches. When a preload and a reveal ask for the same uncached
// key at once, only one request reaches the metadata endpoint.
package download

import (
	"context"
	"errors"
	"log/slog"

	"github.com/wolfeidau/exiftip"
	"golang.org/x/sync/singleflight"
)

// Result holds the outcome of a fetch.
type Result struct {
	Body     []byte
	Checksum exiftip.Checksum
	Size     int64
}

// NewResult wraps a fetched body.
func NewResult(body []byte) *Result {
	return &Result{Body: body, Checksum: exiftip.Sum(body), Size: int64(len(body))}
}

// DownloadFunc fetches one metadata document.
// The context passed to DownloadFunc is detached from any single caller so
// that one caller timing out does not cancel the fetch for other waiters.
type DownloadFunc func(ctx context.Context) (*Result, error)

// Downloader deduplicates concurrent fetches for the same key using
// singleflight. It uses DoChan so each caller can respect its own context
// deadline without cancelling the in-flight fetch for others.
type Downloader struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// New creates a new Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "download")
	return d
}

// Do deduplicates concurrent fetches for the same key.
// Returns the result, whether it was shared with another caller, and any error.
//
// If the caller's context expires before the fetch completes, Do returns
// the context error but the in-flight fetch continues for other waiters.
func (d *Downloader) Do(ctx context.Context, key string, fn DownloadFunc) (*Result, bool, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		if res.Shared {
			d.logger.Debug("joined in-flight fetch", "key", key)
		}
		return res.Val.(*Result), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Forget removes the key from the singleflight group, allowing a subsequent
// call to retry. Typically called after a fetch error.
func (d *Downloader) Forget(key string) {
	d.group.Forget(key)
}

// ForgetOnError forgets key after a real fetch failure. Caller timeouts and
// cancellations leave the in-flight fetch joinable.
func (d *Downloader) ForgetOnError(key string, err error) {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	d.Forget(key)
}
