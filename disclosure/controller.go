// Package disclosure decides when an image's metadata tooltip is shown. Each
// registered image gets a Controller: a small state machine fed with hover,
// visibility and explicit show/hide events.
package disclosure

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/exiftip"
	"github.com/wolfeidau/exiftip/telemetry"
)

const (
	// DefaultShowDelay debounces hover intent before a reveal.
	DefaultShowDelay = 100 * time.Millisecond

	// DefaultHideDelay lets the pointer settle on another region member
	// before hiding.
	DefaultHideDelay = 50 * time.Millisecond

	// DefaultAutoHideDelay hides an auto-shown tooltip on pointer devices.
	DefaultAutoHideDelay = 3 * time.Second

	// DefaultVisibilityThreshold is the in-view ratio that triggers auto-show.
	DefaultVisibilityThreshold = 0.5

	// DefaultSmallScreenMaxWidth is the widest viewport treated as small.
	DefaultSmallScreenMaxWidth = 768
)

// State is the disclosure state of one image.
type State int

const (
	Idle State = iota
	Loading
	Visible
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Visible:
		return "visible"
	default:
		return "unknown"
	}
}

// Policy is the device class a controller was created for.
type Policy int

const (
	// Pointer devices reveal on hover, hide when hover ends and auto-hide
	// reveals that were triggered by visibility.
	Pointer Policy = iota

	// SmallScreen devices reveal once when the image scrolls into view and
	// never hide it again. Hover is ignored.
	SmallScreen
)

func (p Policy) String() string {
	if p == SmallScreen {
		return "small-screen"
	}
	return "pointer"
}

// Member identifies an element of an image's hover region.
type Member int

const (
	Outside Member = iota
	MemberImage
	MemberWrapper
	MemberTooltip
)

// ParseMember maps a wire name to a Member. Unknown names are Outside.
func ParseMember(name string) Member {
	switch name {
	case "image":
		return MemberImage
	case "wrapper":
		return MemberWrapper
	case "tooltip":
		return MemberTooltip
	default:
		return Outside
	}
}

// Tooltip is the presentation side of one image's tooltip. Calls are made
// while the controller is locked and must not call back into it.
type Tooltip interface {
	SetContent(text string)
	SetVisible(visible bool)
}

// Resolver produces the display string for an image. It must not fail.
type Resolver interface {
	Resolve(ctx context.Context, img exiftip.Image) string
}

// Cache is the synchronous read side of the metadata cache.
type Cache interface {
	Get(key string) (string, bool)
}

// Config holds controller configuration.
type Config struct {
	ShowDelay           time.Duration
	HideDelay           time.Duration
	AutoHideDelay       time.Duration
	VisibilityThreshold float64
	SmallScreenMaxWidth int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ShowDelay:           DefaultShowDelay,
		HideDelay:           DefaultHideDelay,
		AutoHideDelay:       DefaultAutoHideDelay,
		VisibilityThreshold: DefaultVisibilityThreshold,
		SmallScreenMaxWidth: DefaultSmallScreenMaxWidth,
	}
}

// PolicyFor classifies a viewport width.
func (c Config) PolicyFor(viewportWidth int) Policy {
	if viewportWidth > 0 && viewportWidth <= c.SmallScreenMaxWidth {
		return SmallScreen
	}
	return Pointer
}

type timerKind int

const (
	timerShow timerKind = iota
	timerHide
	timerAutoHide
	timerKinds
)

// Snapshot is an inspectable copy of a controller's interaction state.
type Snapshot struct {
	ImageID      string `json:"imageId"`
	Policy       string `json:"policy"`
	State        string `json:"state"`
	Visible      bool   `json:"visible"`
	Hovering     bool   `json:"hovering"`
	Loading      bool   `json:"loading"`
	Settings     string `json:"settings,omitempty"`
	HasShownOnce bool   `json:"hasShownOnce"`
	HasAutoShown bool   `json:"hasAutoShown"`
	ShowPending  bool   `json:"showPending"`
	HidePending  bool   `json:"hidePending"`
	AutoPending  bool   `json:"autoHidePending"`
}

// Controller is safe for concurrent use. Timer callbacks, resolve
// completions and events are serialized by one mutex.
type Controller struct {
	img      exiftip.Image
	tooltip  Tooltip
	resolver Resolver
	cache    Cache
	clock    Clock
	cfg      Config
	policy   Policy
	logger   *slog.Logger
	ctx      context.Context

	mu           sync.Mutex
	state        State
	visible      bool
	hovering     bool
	loading      bool
	settings     string
	hasSettings  bool
	hasShownOnce bool
	hasAutoShown bool

	// pendingReveal is set while a load is in flight and the tooltip
	// should be shown when it lands.
	pendingReveal bool
	pendingAuto   bool

	timers  [timerKinds]Timer
	gens    [timerKinds]uint64
	loadGen uint64
	closed  bool
}

// Option configures a Controller or Registry.
type Option func(*options)

type options struct {
	clock  Clock
	cfg    Config
	cache  Cache
	logger *slog.Logger
}

// WithClock sets the timer source.
func WithClock(clock Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithConfig sets the delays and thresholds.
func WithConfig(cfg Config) Option {
	return func(o *options) {
		o.cfg = cfg
	}
}

// WithCache lets a reveal read already-resolved settings without a resolve.
func WithCache(cache Cache) Option {
	return func(o *options) {
		o.cache = cache
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func buildOptions(opts []Option) options {
	o := options{
		clock:  RealClock{},
		cfg:    DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewController creates a controller for img with a fixed device policy.
func NewController(ctx context.Context, img exiftip.Image, tooltip Tooltip, resolver Resolver, policy Policy, opts ...Option) *Controller {
	o := buildOptions(opts)
	return &Controller{
		img:      img,
		tooltip:  tooltip,
		resolver: resolver,
		cache:    o.cache,
		clock:    o.clock,
		cfg:      o.cfg,
		policy:   policy,
		logger:   o.logger.With("component", "disclosure", "image", img.Name()),
		ctx:      context.WithoutCancel(ctx),
	}
}

// Image returns the controlled image.
func (c *Controller) Image() exiftip.Image {
	return c.img
}

// Policy returns the device policy.
func (c *Controller) Policy() Policy {
	return c.policy
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns a copy of the interaction state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		ImageID:      c.img.ID,
		Policy:       c.policy.String(),
		State:        c.state.String(),
		Visible:      c.visible,
		Hovering:     c.hovering,
		Loading:      c.loading,
		Settings:     c.settings,
		HasShownOnce: c.hasShownOnce,
		HasAutoShown: c.hasAutoShown,
		ShowPending:  c.timers[timerShow] != nil,
		HidePending:  c.timers[timerHide] != nil,
		AutoPending:  c.timers[timerAutoHide] != nil,
	}
}

// HoverEnter reports the pointer entering a member of the hover region.
// Entering the tooltip only keeps the region hovered; entering the image
// or wrapper arms a debounced reveal.
func (c *Controller) HoverEnter(member Member) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.policy == SmallScreen || member == Outside {
		return
	}

	c.hovering = true
	c.cancel(timerHide)
	c.cancel(timerAutoHide)
	if member == MemberTooltip || c.visible {
		return
	}

	c.arm(timerShow, c.cfg.ShowDelay, func() {
		if c.hovering {
			c.show(false)
		}
	})
}

// HoverLeave reports the pointer leaving a member of the hover region for
// to. Moving to another member is not a hide signal.
func (c *Controller) HoverLeave(to Member) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.policy == SmallScreen {
		return
	}

	if to != Outside {
		c.hovering = true
		c.cancel(timerHide)
		return
	}

	c.hovering = false
	c.cancel(timerShow)
	c.requestHide()
}

// Visibility reports the image's in-view ratio.
func (c *Controller) Visibility(ratio float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || ratio < c.cfg.VisibilityThreshold {
		return
	}

	switch c.policy {
	case SmallScreen:
		if !c.hasShownOnce {
			c.show(false)
		}
	default:
		if !c.hasAutoShown {
			c.hasAutoShown = true
			c.show(true)
		}
	}
}

// Show requests an immediate reveal.
func (c *Controller) Show() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.show(false)
}

// Hide requests a hide after the settle delay. Ignored once a small-screen
// tooltip has been shown.
func (c *Controller) Hide() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.requestHide()
}

// Close cancels every timer and ignores all further events and any
// in-flight resolve.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for kind := range timerKinds {
		c.cancel(kind)
	}
	c.loadGen++
}

// show reveals the tooltip, resolving content first when needed. Caller holds mu.
func (c *Controller) show(auto bool) {
	c.cancel(timerShow)
	c.cancel(timerHide)
	c.cancel(timerAutoHide)

	if c.visible {
		return
	}

	if c.loading {
		if c.pendingReveal {
			c.pendingAuto = c.pendingAuto && auto
		} else {
			c.pendingAuto = auto
		}
		c.pendingReveal = true
		return
	}

	if !c.hasSettings && c.cache != nil {
		if settings, ok := c.cache.Get(c.img.CacheKey()); ok {
			c.settings, c.hasSettings = settings, true
			c.tooltip.SetContent(settings)
		}
	}

	if !c.hasSettings {
		c.startLoad(auto)
		return
	}

	c.reveal(auto)
}

func (c *Controller) startLoad(auto bool) {
	c.loading = true
	c.pendingReveal = true
	c.pendingAuto = auto
	c.loadGen++
	gen := c.loadGen
	c.setState(Loading)

	go func() {
		settings := c.resolver.Resolve(c.ctx, c.img)

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed || gen != c.loadGen {
			return
		}
		c.loading = false
		c.settings, c.hasSettings = settings, true
		c.tooltip.SetContent(settings)

		if c.pendingReveal {
			c.pendingReveal = false
			c.reveal(c.pendingAuto)
			return
		}
		c.setState(Idle)
	}()
}

func (c *Controller) reveal(auto bool) {
	c.tooltip.SetVisible(true)
	c.visible = true
	c.hasShownOnce = true
	c.setState(Visible)

	if auto && c.policy == Pointer {
		c.arm(timerAutoHide, c.cfg.AutoHideDelay, func() {
			if !c.hovering {
				c.hideNow()
			}
		})
	}
}

func (c *Controller) requestHide() {
	if c.policy == SmallScreen && c.hasShownOnce {
		return
	}

	c.cancel(timerShow)
	c.cancel(timerAutoHide)
	c.pendingReveal = false

	c.arm(timerHide, c.cfg.HideDelay, c.hideNow)
}

func (c *Controller) hideNow() {
	if c.policy == SmallScreen && c.hasShownOnce {
		return
	}
	if c.visible {
		c.tooltip.SetVisible(false)
		c.visible = false
	}
	if !c.loading {
		c.setState(Idle)
	}
}

func (c *Controller) setState(to State) {
	if c.state == to {
		return
	}
	from := c.state
	c.state = to
	c.logger.Debug("tooltip state", "from", from.String(), "to", to.String())
	telemetry.RecordDisclosureTransition(c.ctx, from.String(), to.String())
}

// arm replaces any outstanding timer of kind. Caller holds mu.
func (c *Controller) arm(kind timerKind, d time.Duration, fn func()) {
	c.cancel(kind)
	gen := c.gens[kind]
	c.timers[kind] = c.clock.AfterFunc(d, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed || c.gens[kind] != gen {
			return
		}
		c.timers[kind] = nil
		fn()
	})
}

// cancel stops the timer of kind and invalidates its callback. Caller holds mu.
func (c *Controller) cancel(kind timerKind) {
	if t := c.timers[kind]; t != nil {
		t.Stop()
		c.timers[kind] = nil
	}
	c.gens[kind]++
}
