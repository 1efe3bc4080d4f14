package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/exiftip"
)

type memCache struct {
	mu      sync.Mutex
	entries map[string]string
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]string)}
}

func (c *memCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

func (c *memCache) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

func (c *memCache) Set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
}

func (c *memCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *memCache) Cleanup(context.Context) int { return 0 }

func (c *memCache) Clear(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]string)
	return nil
}

// cachingResolver returns a fixed rendering and remembers it.
type cachingResolver struct {
	cache *memCache
}

func (r cachingResolver) Resolve(_ context.Context, img exiftip.Image) string {
	if v, ok := r.cache.Get(img.CacheKey()); ok {
		return v
	}
	v := "settings for " + img.ID
	r.cache.Set(img.CacheKey(), v)
	return v
}

func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *memCache, *httptest.Server) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.Binder.InitialDelay = 0
	cfg.Binder.LazyDelay = 0
	if mutate != nil {
		mutate(&cfg)
	}
	cache := newMemCache()
	s := New(cfg, cache, cachingResolver{cache: cache})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, cache, ts
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

func TestServer_Health(t *testing.T) {
	_, _, ts := newTestServer(t, nil)

	var body map[string]string
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/health", &body))
	require.Equal(t, "ok", body["status"])
}

func TestServer_Tooltip(t *testing.T) {
	_, cache, ts := newTestServer(t, nil)

	var got TooltipResponse
	status := getJSON(t, ts.URL+"/tooltip?src=/img/a.jpg&exif=/exif/a.json", &got)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, TooltipResponse{ID: "/img/a.jpg", Key: "/exif/a.json", Settings: "settings for /img/a.jpg"}, got)
	require.True(t, cache.Has("/exif/a.json"))

	var errBody map[string]string
	require.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/tooltip", &errBody))
	require.Equal(t, "missing src", errBody["error"])
}

// ctxResolver records whether the context it was handed had already ended.
type ctxResolver struct {
	ended chan bool
}

func (r ctxResolver) Resolve(ctx context.Context, img exiftip.Image) string {
	r.ended <- ctx.Err() != nil
	return "settings for " + img.ID
}

func TestServer_TooltipOutlivesClient(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	resolver := ctxResolver{ended: make(chan bool, 1)}
	s := New(cfg, newMemCache(), resolver)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/tooltip?src=/img/gone.jpg", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, <-resolver.ended)
}

func TestServer_CacheAdmin(t *testing.T) {
	_, cache, ts := newTestServer(t, func(cfg *Config) { cfg.AuthToken = "secret" })
	cache.Set("k", "v")

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/cache", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, 1, cache.Len())

	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Zero(t, cache.Len())

	req, err = http.NewRequest(http.MethodPost, ts.URL+"/cache/cleanup", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var body map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, map[string]int{"removed": 0, "remaining": 0}, body)
}

func dialSession(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/session", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, ev Event) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, ev))
}

func receive(t *testing.T, conn *websocket.Conn) Command {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var cmd Command
	require.NoError(t, wsjson.Read(ctx, conn, &cmd))
	return cmd
}

func TestSession_RevealAndHide(t *testing.T) {
	s, _, ts := newTestServer(t, nil)
	conn := dialSession(t, ts)

	send(t, conn, Event{
		Type:          EventReady,
		ViewportWidth: 1280,
		Images:        []exiftip.Image{{ID: "/img/a.jpg"}, {ID: "/img/b.jpg", SourceURL: "/exif/b.json"}},
	})
	require.Equal(t, Command{Type: CommandBound, Count: 2}, receive(t, conn))

	send(t, conn, Event{Type: EventShow, Image: "/img/a.jpg"})
	require.Equal(t, Command{Type: CommandContent, Image: "/img/a.jpg", Text: "settings for /img/a.jpg"}, receive(t, conn))
	require.Equal(t, Command{Type: CommandShow, Image: "/img/a.jpg"}, receive(t, conn))

	send(t, conn, Event{Type: EventHoverLeave, Image: "/img/a.jpg", To: ""})
	require.Equal(t, Command{Type: CommandHide, Image: "/img/a.jpg"}, receive(t, conn))

	send(t, conn, Event{Type: EventHoverEnter, Image: "/img/missing.jpg", Member: "image"})
	cmd := receive(t, conn)
	require.Equal(t, CommandError, cmd.Type)
	require.Equal(t, "/img/missing.jpg", cmd.Image)

	send(t, conn, Event{Type: "bogus"})
	require.Equal(t, CommandError, receive(t, conn).Type)

	require.Eventually(t, func() bool {
		st := s.stats()
		return st.Sessions == 1 && len(st.Pages) == 1 && st.Pages[0].Bound == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSession_SmallScreenAutoShow(t *testing.T) {
	_, _, ts := newTestServer(t, nil)
	conn := dialSession(t, ts)

	send(t, conn, Event{Type: EventReady, ViewportWidth: 375, Images: []exiftip.Image{{ID: "/img/a.jpg"}}})
	require.Equal(t, CommandBound, receive(t, conn).Type)

	send(t, conn, Event{Type: EventVisibility, Image: "/img/a.jpg", Ratio: 0.8})
	require.Equal(t, CommandContent, receive(t, conn).Type)
	require.Equal(t, CommandShow, receive(t, conn).Type)

	// Sticky: a hide request produces nothing, the next command is the
	// status reply.
	send(t, conn, Event{Type: EventHide, Image: "/img/a.jpg"})
	time.Sleep(100 * time.Millisecond)
	send(t, conn, Event{Type: EventStatus})
	require.Equal(t, CommandStatus, receive(t, conn).Type)
}

func TestSession_ImagesAddedAndStats(t *testing.T) {
	s, cache, ts := newTestServer(t, nil)
	conn := dialSession(t, ts)

	send(t, conn, Event{Type: EventReady, ViewportWidth: 1280, Images: []exiftip.Image{{ID: "/img/a.jpg"}}})
	require.Equal(t, Command{Type: CommandBound, Count: 1}, receive(t, conn))

	send(t, conn, Event{Type: EventImagesAdded, Images: []exiftip.Image{{ID: "/img/lazy.jpg"}}})
	require.Equal(t, Command{Type: CommandBound, Count: 1}, receive(t, conn))

	// Both images are preloaded into the shared cache.
	require.Eventually(t, func() bool {
		return cache.Has("/img/a.jpg") && cache.Has("/img/lazy.jpg")
	}, 3*time.Second, 10*time.Millisecond)

	var st Stats
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/stats", &st))
	require.Equal(t, 2, st.CacheEntries)
	require.Equal(t, 1, st.Sessions)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	require.Eventually(t, func() bool { return s.stats().Sessions == 0 }, 2*time.Second, 10*time.Millisecond)
}
