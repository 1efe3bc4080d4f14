package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/wolfeidau/exiftip"
	"github.com/wolfeidau/exiftip/binder"
	"github.com/wolfeidau/exiftip/preload"
	"github.com/wolfeidau/exiftip/watch"
)

// PreloadCmd warms the cache without a server.
type PreloadCmd struct {
	CacheFlags
	ResolveFlags
	PreloadFlags

	Content string   `help:"Rendered site directory whose images are preloaded." type:"existingdir" env:"EXIFTIP_CONTENT"`
	SiteURL string   `help:"URL the content directory is served under." default:"/" env:"EXIFTIP_SITE_URL"`
	Images  []string `arg:"" optional:"" help:"Images as SRC or SRC=METADATA_URL."`
}

// Run resolves every image and prints the scheduler status.
func (c *PreloadCmd) Run(ctx context.Context, g *Globals) error {
	store, err := c.CacheFlags.open(ctx, g.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(context.WithoutCancel(ctx)); err != nil {
			g.logger.Warn("closing cache", "error", err)
		}
	}()

	resolver := c.ResolveFlags.resolver(store.Cache, g.logger)
	scheduler := preload.New(resolver, store, preload.WithConfig(c.PreloadFlags.config()), preload.WithLogger(g.logger))

	queued := 0
	for _, arg := range c.Images {
		img, err := parseImageArg(arg)
		if err != nil {
			return err
		}
		if scheduler.Enqueue(ctx, img) {
			queued++
		}
	}

	if c.Content != "" {
		site, err := url.Parse(c.SiteURL)
		if err != nil {
			return fmt.Errorf("parsing site url: %w", err)
		}
		sink := &enqueueSink{scheduler: scheduler}
		tracker := watch.NewTracker(c.Content, sink, watch.WithSiteURL(site), watch.WithTrackerLogger(g.logger))
		if _, err := tracker.Scan(ctx); err != nil {
			return err
		}
		queued += sink.queued
	}

	g.logger.Info("preloading", "queued", queued, "cached", store.Len())
	scheduler.Run(ctx)

	enc := json.NewEncoder(g.out)
	enc.SetIndent("", "  ")
	return enc.Encode(scheduler.Status())
}

// parseImageArg reads "src" or "src=metadata-url".
func parseImageArg(arg string) (exiftip.Image, error) {
	src, source, _ := strings.Cut(arg, "=")
	src = strings.TrimSpace(src)
	if src == "" {
		return exiftip.Image{}, fmt.Errorf("invalid image %q: empty src", arg)
	}
	return exiftip.Image{ID: src, SourceURL: strings.TrimSpace(source)}, nil
}

// enqueueSink queues images found by a content scan.
type enqueueSink struct {
	scheduler *preload.Scheduler
	queued    int
}

func (s *enqueueSink) ImagesAdded(ctx context.Context, _ binder.Page, imgs []exiftip.Image) int {
	n := 0
	for _, img := range imgs {
		if s.scheduler.Enqueue(ctx, img) {
			n++
		}
	}
	s.queued += n
	return n
}

func (s *enqueueSink) ImagesRemoved([]exiftip.Image) int { return 0 }
