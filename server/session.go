package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/wolfeidau/exiftip"
	"github.com/wolfeidau/exiftip/binder"
	"github.com/wolfeidau/exiftip/disclosure"
	"github.com/wolfeidau/exiftip/preload"
)

const (
	// Time allowed to write a command to the peer.
	writeWait = 10 * time.Second

	// Maximum event size allowed from the peer.
	maxEventSize = 64 << 10

	// Commands buffered per session before new ones are dropped.
	sendBuffer = 256
)

// session is one page connected over a websocket. It owns the page's
// disclosure registry and preload scheduler; the cache is shared.
type session struct {
	id        string
	server    *Server
	conn      *websocket.Conn
	logger    *slog.Logger
	binder    *binder.Binder
	registry  *disclosure.Registry
	scheduler *preload.Scheduler

	send    chan Command
	done    chan struct{}
	endOnce sync.Once

	mu       sync.Mutex
	width    int
	tooltips map[string]*sessionTooltip
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.config.AllowedOrigins,
	})
	if err != nil {
		s.logger.Warn("websocket upgrade", "error", err)
		return
	}
	conn.SetReadLimit(maxEventSize)

	sess := s.newSession(conn)
	s.addSession(sess)
	defer s.removeSession(sess)

	sess.run(r.Context())
}

func (s *Server) newSession(conn *websocket.Conn) *session {
	id := uuid.NewString()
	logger := s.logger.With("session", id)

	scheduler := preload.New(s.resolver, s.cache,
		preload.WithConfig(s.config.Preload),
		preload.WithLogger(logger),
	)
	registry := disclosure.NewRegistry(s.resolver,
		disclosure.WithCache(s.cache),
		disclosure.WithClock(s.clock),
		disclosure.WithConfig(s.config.Disclosure),
		disclosure.WithLogger(logger),
	)

	return &session{
		id:        id,
		server:    s,
		conn:      conn,
		logger:    logger,
		binder:    binder.New(s.cache, scheduler, registry, binder.WithConfig(s.config.Binder), binder.WithLogger(logger)),
		registry:  registry,
		scheduler: scheduler,
		send:      make(chan Command, sendBuffer),
		done:      make(chan struct{}),
		tooltips:  make(map[string]*sessionTooltip),
	}
}

func (sess *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess.logger.Info("session opened")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		sess.writePump(ctx)
	}()

	sess.readPump(ctx)

	sess.end()
	<-writerDone
	sess.logger.Info("session closed")
}

// end stops all tooltip activity and signals the writer. Safe to call
// more than once.
func (sess *session) end() {
	sess.endOnce.Do(func() {
		close(sess.done)
		sess.binder.Reset()
		sess.conn.Close(websocket.StatusNormalClosure, "") //nolint:errcheck
	})
}

func (sess *session) readPump(ctx context.Context) {
	for {
		var ev Event
		if err := wsjson.Read(ctx, sess.conn, &ev); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				sess.logger.Debug("session read", "error", err)
			}
			return
		}
		// Preloads outlive the read: a closed session resets the
		// scheduler and lets the in-flight batch finish.
		sess.handle(context.WithoutCancel(ctx), ev)
	}
}

func (sess *session) writePump(ctx context.Context) {
	for {
		select {
		case <-sess.done:
			return
		case <-ctx.Done():
			return
		case cmd := <-sess.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := wsjson.Write(writeCtx, sess.conn, cmd)
			cancel()
			if err != nil {
				sess.logger.Debug("session write", "error", err)
				return
			}
		}
	}
}

// push queues cmd without blocking. Tooltip calls arrive with the
// controller locked, so a full buffer drops the command.
func (sess *session) push(cmd Command) {
	select {
	case <-sess.done:
	case sess.send <- cmd:
	default:
		sess.logger.Warn("session send buffer full, dropping command", "type", cmd.Type, "image", cmd.Image)
	}
}

func (sess *session) handle(ctx context.Context, ev Event) {
	switch ev.Type {
	case EventReady, EventNavigate:
		page := sess.newPage(ev.ViewportWidth, ev.Images)
		var n int
		if ev.Type == EventReady {
			n = sess.binder.OnDocumentReady(ctx, page)
		} else {
			n = sess.binder.OnNavigation(ctx, page)
		}
		sess.push(Command{Type: CommandBound, Count: n})

	case EventImagesAdded:
		n := sess.binder.ImagesAdded(ctx, sess.page(ev.Images), ev.Images)
		sess.push(Command{Type: CommandBound, Count: n})

	case EventImagesRemoved:
		sess.binder.ImagesRemoved(ev.Images)

	case EventHoverEnter, EventHoverLeave, EventVisibility, EventShow, EventHide:
		c, ok := sess.registry.Get(ev.Image)
		if !ok {
			sess.push(Command{Type: CommandError, Image: ev.Image, Message: "image not bound"})
			return
		}
		switch ev.Type {
		case EventHoverEnter:
			c.HoverEnter(disclosure.ParseMember(ev.Member))
		case EventHoverLeave:
			c.HoverLeave(disclosure.ParseMember(ev.To))
		case EventVisibility:
			c.Visibility(ev.Ratio)
		case EventShow:
			c.Show()
		case EventHide:
			c.Hide()
		}

	case EventStatus:
		sess.push(Command{Type: CommandStatus, Status: map[string]any{
			"scheduler": sess.scheduler.Status(),
			"tooltips":  sess.registry.Snapshots(),
		}})

	default:
		sess.push(Command{Type: CommandError, Message: "unknown event type " + ev.Type})
	}
}

// newPage starts a fresh document: previous tooltips are dropped.
func (sess *session) newPage(width int, imgs []exiftip.Image) *sessionPage {
	sess.mu.Lock()
	sess.width = width
	sess.tooltips = make(map[string]*sessionTooltip)
	sess.mu.Unlock()
	return sess.page(imgs)
}

func (sess *session) page(imgs []exiftip.Image) *sessionPage {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return &sessionPage{sess: sess, images: imgs, width: sess.width}
}

func (sess *session) tooltip(id string) *sessionTooltip {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	t, ok := sess.tooltips[id]
	if !ok {
		t = &sessionTooltip{sess: sess, image: id}
		sess.tooltips[id] = t
	}
	return t
}

// sessionPage is the page state carried by one lifecycle event.
type sessionPage struct {
	sess   *session
	images []exiftip.Image
	width  int
}

func (p *sessionPage) Images() []exiftip.Image { return p.images }

func (p *sessionPage) Tooltip(img exiftip.Image) disclosure.Tooltip { return p.sess.tooltip(img.ID) }

func (p *sessionPage) ViewportWidth() int { return p.width }

// sessionTooltip forwards tooltip changes to the page.
type sessionTooltip struct {
	sess  *session
	image string
}

func (t *sessionTooltip) SetContent(text string) {
	t.sess.push(Command{Type: CommandContent, Image: t.image, Text: text})
}

func (t *sessionTooltip) SetVisible(visible bool) {
	cmd := CommandHide
	if visible {
		cmd = CommandShow
	}
	t.sess.push(Command{Type: cmd, Image: t.image})
}
