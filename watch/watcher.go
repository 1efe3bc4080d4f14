// Package watch observes a content tree for pages whose images change after
// they were first bound, the file-system analog of a DOM mutation observer.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce groups bursts of writes from one save.
const DefaultDebounce = 200 * time.Millisecond

// EventType is the kind of a file change.
type EventType int

const (
	Created EventType = iota
	Modified
	Deleted
	Renamed
)

func (e EventType) String() string {
	switch e {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	case Renamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// Change is one debounced file change. Only the last event per path in a
// debounce window is kept.
type Change struct {
	Type EventType
	Path string
}

// Filter reports whether a path is of interest.
type Filter func(path string) bool

// Handler receives debounced changes.
type Handler func(ctx context.Context, changes []Change) error

// Config holds watcher configuration.
type Config struct {
	Debounce time.Duration
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{Debounce: DefaultDebounce}
}

// Watcher watches directory trees and delivers debounced changes to a
// single handler.
type Watcher struct {
	fsw     *fsnotify.Watcher
	cfg     Config
	handler Handler
	filters []Filter
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]Change
	order   []string
	timer   *time.Timer
	flushCh chan struct{}
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithConfig sets the configuration.
func WithConfig(cfg Config) Option {
	return func(w *Watcher) {
		w.cfg = cfg
	}
}

// WithFilter adds a filter. All filters must accept a path.
func WithFilter(f Filter) Option {
	return func(w *Watcher) {
		w.filters = append(w.filters, f)
	}
}

// New creates a Watcher.
func New(handler Handler, opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}

	w := &Watcher{
		fsw:     fsw,
		cfg:     DefaultConfig(),
		handler: handler,
		logger:  slog.Default(),
		pending: make(map[string]Change),
		flushCh: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.cfg.Debounce <= 0 {
		w.cfg.Debounce = DefaultDebounce
	}
	w.logger = w.logger.With("component", "watch")
	return w, nil
}

// AddRecursive watches root and every directory below it. Directories
// created later are added as they appear.
func (w *Watcher) AddRecursive(root string) error {
	root = filepath.Clean(root)
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

// Run delivers changes until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		case <-w.flushCh:
			w.deliver(ctx)
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.fsw.Close()
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.AddRecursive(event.Name); err != nil {
				w.logger.Warn("watching new directory", "path", event.Name, "error", err)
			}
			w.queueExisting(event.Name)
			return
		}
	}

	if !w.accepts(event.Name) {
		return
	}
	w.queue(Change{Path: event.Name, Type: eventType(event)})
}

// queueExisting reports files already present in a directory that appeared
// whole, as a recursive copy or a renamed-in publish does.
func (w *Watcher) queueExisting(dir string) {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && w.accepts(path) {
			w.queue(Change{Path: path, Type: Created})
		}
		return nil
	})
	if err != nil {
		w.logger.Warn("scanning new directory", "path", dir, "error", err)
	}
}

func (w *Watcher) accepts(path string) bool {
	for _, f := range w.filters {
		if !f(path) {
			return false
		}
	}
	return true
}

// queue records change and restarts the debounce timer.
func (w *Watcher) queue(change Change) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.pending[change.Path]; !ok {
		w.order = append(w.order, change.Path)
	}
	w.pending[change.Path] = change
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.cfg.Debounce, func() {
		select {
		case w.flushCh <- struct{}{}:
		default:
		}
	})
}

func (w *Watcher) deliver(ctx context.Context) {
	w.mu.Lock()
	changes := make([]Change, 0, len(w.order))
	for _, path := range w.order {
		changes = append(changes, w.pending[path])
	}
	w.pending = make(map[string]Change)
	w.order = nil
	w.mu.Unlock()

	if len(changes) == 0 {
		return
	}
	if err := w.handler(ctx, changes); err != nil && !errors.Is(err, context.Canceled) {
		w.logger.Warn("handling changes", "changes", len(changes), "error", err)
	}
}

func eventType(event fsnotify.Event) EventType {
	switch {
	case event.Has(fsnotify.Create):
		return Created
	case event.Has(fsnotify.Write):
		return Modified
	case event.Has(fsnotify.Remove):
		return Deleted
	case event.Has(fsnotify.Rename):
		return Renamed
	default:
		return Modified
	}
}

// HTMLFilter accepts rendered pages.
func HTMLFilter(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm":
		return true
	}
	return false
}

// NoHiddenFilter rejects dot files such as editor swap files.
func NoHiddenFilter(path string) bool {
	return !strings.HasPrefix(filepath.Base(path), ".")
}
