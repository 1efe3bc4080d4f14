package resolve

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/exiftip"
	"github.com/wolfeidau/exiftip/backend"
	"github.com/wolfeidau/exiftip/cache"
	"github.com/wolfeidau/exiftip/metadata"
)

const fullBody = `{
	"FNumber": {"val": "28/10"},
	"ExposureTime": {"val": "1/250"},
	"ISOSpeedRatings": {"val": "100"},
	"FocalLength": {"val": "6.7"},
	"ColorSpace": {"val": "sRGB"},
	"WhiteBalance": {"val": "0"},
	"DateTimeOriginal": {"val": "2024:05:01 10:11:12"},
	"Software": {"val": "S9180ZCU6DYDA"}
}`

const fullDisplay = "Aperture F/2.8 · Shutter 1/250s · ISO 100 · Focal 6.7mm · Color sRGB · Auto WB · Taken 2024-05-01 · Device Samsung Galaxy S23 Ultra"

var fixedNow = time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

// endpoint serves body with status and counts requests.
type endpoint struct {
	srv      *httptest.Server
	requests atomic.Int32
	mu       sync.Mutex
	status   int
	body     string
	delay    time.Duration
}

func newEndpoint(t *testing.T, status int, body string) *endpoint {
	t.Helper()
	e := &endpoint{status: status, body: body}
	e.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.requests.Add(1)
		e.mu.Lock()
		status, body, delay := e.status, e.body, e.delay
		e.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = fmt.Fprint(w, body)
	}))
	t.Cleanup(e.srv.Close)
	return e
}

func (e *endpoint) set(status int, body string) {
	e.mu.Lock()
	e.status, e.body = status, body
	e.mu.Unlock()
}

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.New(context.Background(), backend.NewMemory())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func newTestResolver(t *testing.T, c Cache, opts ...Option) *Resolver {
	t.Helper()
	opts = append([]Option{WithNow(func() time.Time { return fixedNow })}, opts...)
	return New(c, NewUpstream(), opts...)
}

func TestResolveCachesFirstFetch(t *testing.T) {
	ep := newEndpoint(t, http.StatusOK, fullBody)
	c := newTestCache(t)
	r := newTestResolver(t, c)
	img := exiftip.Image{ID: "https://example.com/a.jpg", SourceURL: ep.srv.URL + "/a.json"}

	got := r.Resolve(context.Background(), img)
	require.Equal(t, fullDisplay, got)
	require.EqualValues(t, 1, ep.requests.Load())

	cached, ok := c.Get(img.SourceURL)
	require.True(t, ok)
	require.Equal(t, fullDisplay, cached)

	// Endpoint changes, cached value wins with no network access
	ep.set(http.StatusOK, `{"FNumber": {"val": "1.4"}}`)
	got = r.Resolve(context.Background(), img)
	require.Equal(t, fullDisplay, got)
	require.EqualValues(t, 1, ep.requests.Load())
}

func TestResolveFallsBackToSynthetic(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "server error", status: http.StatusInternalServerError, body: "boom"},
		{name: "not found", status: http.StatusNotFound, body: ""},
		{name: "invalid json", status: http.StatusOK, body: "{"},
		{name: "json null", status: http.StatusOK, body: "null"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep := newEndpoint(t, tt.status, tt.body)
			c := newTestCache(t)
			r := newTestResolver(t, c)
			img := exiftip.Image{ID: "a", SourceURL: ep.srv.URL + "/a.json", Published: "2024-05-01"}

			got := r.Resolve(context.Background(), img)
			require.Equal(t, metadata.Synthesize("a", "2024-05-01"), got)

			// synthetic fallbacks are cached too
			cached, ok := c.Get(img.SourceURL)
			require.True(t, ok)
			require.Equal(t, got, cached)
		})
	}
}

func TestResolveSyntheticUsesToday(t *testing.T) {
	ep := newEndpoint(t, http.StatusBadGateway, "")
	r := newTestResolver(t, newTestCache(t))

	got := r.Resolve(context.Background(), exiftip.Image{ID: "b", SourceURL: ep.srv.URL})
	require.Equal(t, metadata.Synthesize("b", "2025-03-04"), got)
}

func TestResolveInsufficientDataNotCached(t *testing.T) {
	ep := newEndpoint(t, http.StatusOK, `{"FNumber": {"val": "1.8"}, "ISOSpeedRatings": {"val": "50"}}`)
	c := newTestCache(t)
	r := newTestResolver(t, c)
	img := exiftip.Image{ID: "c", SourceURL: ep.srv.URL}

	require.Equal(t, metadata.Unavailable, r.Resolve(context.Background(), img))
	require.False(t, c.Has(img.CacheKey()))

	// Once the endpoint has the full record the key is fetched again.
	ep.set(http.StatusOK, fullBody)
	require.Equal(t, fullDisplay, r.Resolve(context.Background(), img))
	require.EqualValues(t, 2, ep.requests.Load())

	cached, ok := c.Get(img.CacheKey())
	require.True(t, ok)
	require.Equal(t, fullDisplay, cached)
}

func TestResolveCacheDisabled(t *testing.T) {
	ep := newEndpoint(t, http.StatusOK, fullBody)
	c := newTestCache(t)
	r := newTestResolver(t, c, WithConfig(Config{CacheEnabled: false}))
	img := exiftip.Image{ID: "d", SourceURL: ep.srv.URL, Published: "2024-05-01"}

	require.Equal(t, fullDisplay, r.Resolve(context.Background(), img))
	require.Equal(t, fullDisplay, r.Resolve(context.Background(), img))
	require.EqualValues(t, 2, ep.requests.Load(), "every resolve fetches fresh")
	require.Zero(t, c.Len())

	ep.set(http.StatusServiceUnavailable, "")
	require.Equal(t, metadata.Synthesize("d", "2024-05-01"), r.Resolve(context.Background(), img))
	require.Zero(t, c.Len(), "synthetic fallbacks are not cached when caching is off")
}

func TestResolveFallsBackToImageURL(t *testing.T) {
	ep := newEndpoint(t, http.StatusOK, fullBody)
	c := newTestCache(t)
	r := newTestResolver(t, c)
	img := exiftip.Image{ID: ep.srv.URL + "/photo.jpg"}

	require.Equal(t, fullDisplay, r.Resolve(context.Background(), img))
	require.True(t, c.Has(img.ID))
}

func TestResolveCallerGoneNotCached(t *testing.T) {
	tests := []struct {
		name string
		ctx  func() (context.Context, context.CancelFunc)
	}{
		{name: "canceled", ctx: func() (context.Context, context.CancelFunc) {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			return ctx, cancel
		}},
		{name: "deadline", ctx: func() (context.Context, context.CancelFunc) {
			return context.WithTimeout(context.Background(), 20*time.Millisecond)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep := newEndpoint(t, http.StatusOK, fullBody)
			ep.delay = 300 * time.Millisecond
			c := newTestCache(t)
			r := newTestResolver(t, c)
			img := exiftip.Image{ID: "e", SourceURL: ep.srv.URL + "/e.json", Published: "2024-05-01"}

			ctx, cancel := tt.ctx()
			defer cancel()
			require.Equal(t, metadata.Synthesize("e", "2024-05-01"), r.Resolve(ctx, img))
			require.False(t, c.Has(img.SourceURL))

			ep.set(http.StatusOK, fullBody)
			ep.mu.Lock()
			ep.delay = 0
			ep.mu.Unlock()
			require.Equal(t, fullDisplay, r.Resolve(context.Background(), img))
			require.True(t, c.Has(img.SourceURL))
		})
	}
}

func TestResolveConcurrentCallsShareFetch(t *testing.T) {
	ep := newEndpoint(t, http.StatusOK, fullBody)
	ep.delay = 50 * time.Millisecond
	r := newTestResolver(t, newTestCache(t))
	img := exiftip.Image{ID: "f", SourceURL: ep.srv.URL}

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := range results {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx] = r.Resolve(context.Background(), img)
		}(i)
	}
	wg.Wait()

	for _, got := range results {
		require.Equal(t, fullDisplay, got)
	}
	require.EqualValues(t, 1, ep.requests.Load())
}
