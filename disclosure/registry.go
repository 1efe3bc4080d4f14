package disclosure

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/wolfeidau/exiftip"
)

// Registry indexes controllers by image ID for one page session.
type Registry struct {
	resolver Resolver
	opts     []Option
	cfg      Config
	logger   *slog.Logger

	mu          sync.Mutex
	controllers map[string]*Controller
}

// NewRegistry creates an empty registry. The options are applied to every
// controller it binds.
func NewRegistry(resolver Resolver, opts ...Option) *Registry {
	o := buildOptions(opts)
	return &Registry{
		resolver:    resolver,
		opts:        opts,
		cfg:         o.cfg,
		logger:      o.logger.With("component", "disclosure"),
		controllers: make(map[string]*Controller),
	}
}

// Bind returns the controller for img, creating one if the image is not yet
// bound. The viewport width classifies the device policy of a new
// controller only.
func (r *Registry) Bind(ctx context.Context, img exiftip.Image, tooltip Tooltip, viewportWidth int) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.controllers[img.ID]; ok {
		return c, false
	}

	policy := r.cfg.PolicyFor(viewportWidth)
	c := NewController(ctx, img, tooltip, r.resolver, policy, r.opts...)
	r.controllers[img.ID] = c
	r.logger.Debug("bound image", "image", img.Name(), "policy", policy.String())
	return c, true
}

// Get returns the controller bound to id.
func (r *Registry) Get(id string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.controllers[id]
	return c, ok
}

// Unbind closes and removes the controller bound to id.
func (r *Registry) Unbind(id string) bool {
	r.mu.Lock()
	c, ok := r.controllers[id]
	delete(r.controllers, id)
	r.mu.Unlock()

	if ok {
		c.Close()
	}
	return ok
}

// Reset closes every controller and empties the registry.
func (r *Registry) Reset() {
	r.mu.Lock()
	old := r.controllers
	r.controllers = make(map[string]*Controller)
	r.mu.Unlock()

	for _, c := range old {
		c.Close()
	}
}

// Len returns the number of bound images.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.controllers)
}

// Snapshots returns the state of every bound controller ordered by image ID.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	list := make([]*Controller, 0, len(r.controllers))
	for _, c := range r.controllers {
		list = append(list, c)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, c := range list {
		out = append(out, c.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ImageID < out[j].ImageID })
	return out
}
