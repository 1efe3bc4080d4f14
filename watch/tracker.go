package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/wolfeidau/exiftip"
	"github.com/wolfeidau/exiftip/binder"
	"github.com/wolfeidau/exiftip/htmlpage"
)

// Sink receives image additions and removals.
type Sink interface {
	ImagesAdded(ctx context.Context, page binder.Page, imgs []exiftip.Image) int
	ImagesRemoved(imgs []exiftip.Image) int
}

// Tracker keeps the parsed pages of a content tree and reports the images
// each change adds or removes.
type Tracker struct {
	root    string
	site    *url.URL
	sink    Sink
	pageOps []htmlpage.Option
	logger  *slog.Logger

	mu    sync.Mutex
	pages map[string]*htmlpage.Page
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithSiteURL resolves image sources against the page's URL under site.
func WithSiteURL(site *url.URL) TrackerOption {
	return func(t *Tracker) {
		t.site = site
	}
}

// WithPageOptions passes options to every page parse.
func WithPageOptions(opts ...htmlpage.Option) TrackerOption {
	return func(t *Tracker) {
		t.pageOps = append(t.pageOps, opts...)
	}
}

// WithTrackerLogger sets the logger.
func WithTrackerLogger(logger *slog.Logger) TrackerOption {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// NewTracker creates a tracker for the tree at root.
func NewTracker(root string, sink Sink, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		root:   filepath.Clean(root),
		site:   &url.URL{Path: "/"},
		sink:   sink,
		logger: slog.Default(),
		pages:  make(map[string]*htmlpage.Page),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "watch")
	return t
}

// Scan parses every page under root and reports all their images as added.
// It returns the number of pages parsed.
func (t *Tracker) Scan(ctx context.Context) (int, error) {
	var changes []Change
	err := filepath.WalkDir(t.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !HTMLFilter(path) || !NoHiddenFilter(path) {
			return nil
		}
		changes = append(changes, Change{Type: Created, Path: path})
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scanning %s: %w", t.root, err)
	}
	if err := t.Handle(ctx, changes); err != nil {
		return 0, err
	}
	return len(changes), nil
}

// Handle applies debounced changes. It satisfies Handler.
func (t *Tracker) Handle(ctx context.Context, changes []Change) error {
	var errs []error
	for _, change := range changes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.apply(ctx, change); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Pages returns the number of tracked pages.
func (t *Tracker) Pages() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pages)
}

// Page returns the tracked page for path.
func (t *Tracker) Page(path string) (*htmlpage.Page, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pages[filepath.Clean(path)]
	return p, ok
}

func (t *Tracker) apply(ctx context.Context, change Change) error {
	path := filepath.Clean(change.Path)

	var next *htmlpage.Page
	switch change.Type {
	case Created, Modified:
		p, err := t.parse(path)
		if errors.Is(err, fs.ErrNotExist) {
			break
		}
		if err != nil {
			return err
		}
		next = p
	}

	t.mu.Lock()
	prev := t.pages[path]
	if next != nil {
		t.pages[path] = next
	} else {
		delete(t.pages, path)
	}
	var removed []exiftip.Image
	if prev != nil {
		for _, img := range leaving(prev, next) {
			if !t.trackedLocked(img.ID) {
				removed = append(removed, img)
			}
		}
	}
	t.mu.Unlock()

	if len(removed) > 0 {
		t.sink.ImagesRemoved(removed)
	}
	if next != nil {
		if added := next.Added(prev); len(added) > 0 {
			n := t.sink.ImagesAdded(ctx, next, added)
			t.logger.Debug("page images added", "path", path, "images", len(added), "bound", n)
		}
	}
	return nil
}

func (t *Tracker) parse(path string) (*htmlpage.Page, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening page: %w", err)
	}
	defer func() { _ = f.Close() }()

	opts := append([]htmlpage.Option{htmlpage.WithBaseURL(t.pageURL(path))}, t.pageOps...)
	p, err := htmlpage.Parse(f, opts...)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return p, nil
}

func (t *Tracker) pageURL(path string) *url.URL {
	rel, err := filepath.Rel(t.root, path)
	if err != nil {
		return t.site
	}
	return t.site.ResolveReference(&url.URL{Path: filepath.ToSlash(rel)})
}

// trackedLocked reports whether any tracked page still carries id. Caller holds mu.
func (t *Tracker) trackedLocked(id string) bool {
	for _, p := range t.pages {
		if _, ok := p.PageTooltip(id); ok {
			return true
		}
	}
	return false
}

// leaving returns the images on prev that next no longer has.
func leaving(prev, next *htmlpage.Page) []exiftip.Image {
	if next == nil {
		return prev.Images()
	}
	return prev.Added(next)
}
