// Package htmlpage adapts rendered HTML to the binder. It finds images
// marked for metadata tooltips and edits their tooltip containers in place.
//
// Markup contract:
//
//	<div class="lightbox">
//	  <img class="img-main" src="/a.jpg" data-show-exif="true" data-exif-url="/exif/a.json">
//	  <div data-exif-tooltip><div class="exif-content"></div></div>
//	</div>
//	<time id="pub-datetime" datetime="2024-05-01T10:00:00Z">May 1, 2024</time>
package htmlpage

import (
	"fmt"
	"io"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"

	"github.com/wolfeidau/exiftip"
	"github.com/wolfeidau/exiftip/disclosure"
	"github.com/wolfeidau/exiftip/metadata"
)

const (
	ImageClass   = "img-main"
	MarkerAttr   = "data-show-exif"
	SourceAttr   = "data-exif-url"
	RegionClass  = "lightbox"
	TooltipAttr  = "data-exif-tooltip"
	ContentClass = "exif-content"
	TextClass    = "exif-text"
	ShowClass    = "show"
	PublishedID  = "pub-datetime"
)

// Page is a parsed document. Tooltip edits are serialized with Render.
type Page struct {
	base      *url.URL
	width     int
	now       func() time.Time
	published string

	mu       sync.Mutex
	doc      *html.Node
	images   []exiftip.Image
	tooltips map[string]*Tooltip
}

// Option configures Parse.
type Option func(*Page)

// WithBaseURL resolves relative image sources against base.
func WithBaseURL(base *url.URL) Option {
	return func(p *Page) {
		p.base = base
	}
}

// WithViewportWidth sets the width reported to the binder.
func WithViewportWidth(width int) Option {
	return func(p *Page) {
		p.width = width
	}
}

// WithNow sets the clock used when the page has no publish date.
func WithNow(now func() time.Time) Option {
	return func(p *Page) {
		p.now = now
	}
}

// Parse reads a document and collects its eligible images. Images whose
// region has no tooltip container are skipped.
func Parse(r io.Reader, opts ...Option) (*Page, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parsing HTML: %w", err)
	}

	p := &Page{
		doc:      doc,
		now:      time.Now,
		tooltips: make(map[string]*Tooltip),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.published = publishDate(doc, p.now())

	walk(doc, func(n *html.Node) {
		if !eligible(n) {
			return
		}
		region := closest(n, func(n *html.Node) bool { return hasClass(n, RegionClass) })
		if region == nil {
			return
		}
		container := find(region, func(n *html.Node) bool { return hasAttr(n, TooltipAttr) })
		if container == nil {
			return
		}

		img := p.image(n)
		if img.ID == "" {
			return
		}
		if _, dup := p.tooltips[img.ID]; dup {
			return
		}
		p.images = append(p.images, img)
		p.tooltips[img.ID] = &Tooltip{page: p, node: container}
	})

	return p, nil
}

// Images returns the eligible images in document order.
func (p *Page) Images() []exiftip.Image {
	return slices.Clone(p.images)
}

// Tooltip returns the container for img, or nil when img is not on the page.
func (p *Page) Tooltip(img exiftip.Image) disclosure.Tooltip {
	if t := p.tooltips[img.ID]; t != nil {
		return t
	}
	return nil
}

// PageTooltip is Tooltip with the concrete type.
func (p *Page) PageTooltip(id string) (*Tooltip, bool) {
	t, ok := p.tooltips[id]
	return t, ok
}

// ViewportWidth returns the configured viewport width.
func (p *Page) ViewportWidth() int {
	return p.width
}

// Published returns the page's publish date, or today's date.
func (p *Page) Published() string {
	return p.published
}

// Added returns the images on p that prev does not have.
func (p *Page) Added(prev *Page) []exiftip.Image {
	if prev == nil {
		return p.Images()
	}
	var out []exiftip.Image
	for _, img := range p.images {
		if _, ok := prev.tooltips[img.ID]; !ok {
			out = append(out, img)
		}
	}
	return out
}

// Render writes the document including any tooltip edits.
func (p *Page) Render(w io.Writer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return html.Render(w, p.doc)
}

func (p *Page) image(n *html.Node) exiftip.Image {
	src, _ := attr(n, "src")
	source, _ := attr(n, SourceAttr)
	return exiftip.Image{
		ID:        p.resolve(strings.TrimSpace(src)),
		SourceURL: strings.TrimSpace(source),
		Published: p.published,
	}
}

func (p *Page) resolve(ref string) string {
	if ref == "" || p.base == nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return p.base.ResolveReference(u).String()
}

// Tooltip is a tooltip container inside a Page.
type Tooltip struct {
	page *Page
	node *html.Node
}

// SetContent replaces the content region with the settings text.
func (t *Tooltip) SetContent(text string) {
	t.page.mu.Lock()
	defer t.page.mu.Unlock()

	target := find(t.node, func(n *html.Node) bool { return hasClass(n, ContentClass) })
	if target == nil {
		target = t.node
	}
	for c := target.FirstChild; c != nil; {
		next := c.NextSibling
		target.RemoveChild(c)
		c = next
	}

	span := &html.Node{
		Type: html.ElementNode,
		Data: "span",
		Attr: []html.Attribute{{Key: "class", Val: TextClass}},
	}
	span.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	target.AppendChild(span)
}

// SetVisible toggles the show class.
func (t *Tooltip) SetVisible(visible bool) {
	t.page.mu.Lock()
	defer t.page.mu.Unlock()

	classes := strings.Fields(classAttr(t.node))
	has := slices.Contains(classes, ShowClass)
	switch {
	case visible && !has:
		classes = append(classes, ShowClass)
	case !visible && has:
		classes = slices.DeleteFunc(classes, func(c string) bool { return c == ShowClass })
	default:
		return
	}
	setAttr(t.node, "class", strings.Join(classes, " "))
}

// Content returns the current text of the tooltip.
func (t *Tooltip) Content() string {
	t.page.mu.Lock()
	defer t.page.mu.Unlock()
	if span := find(t.node, func(n *html.Node) bool { return hasClass(n, TextClass) }); span != nil {
		return text(span)
	}
	return ""
}

// Visible reports whether the show class is set.
func (t *Tooltip) Visible() bool {
	t.page.mu.Lock()
	defer t.page.mu.Unlock()
	return hasClass(t.node, ShowClass)
}

func eligible(n *html.Node) bool {
	if n.Type != html.ElementNode || n.Data != "img" || !hasClass(n, ImageClass) {
		return false
	}
	v, ok := attr(n, MarkerAttr)
	return ok && v == "true"
}

func publishDate(doc *html.Node, now time.Time) string {
	el := find(doc, func(n *html.Node) bool {
		id, _ := attr(n, "id")
		return id == PublishedID
	})
	if el == nil {
		return metadata.PublishDate("", "", now)
	}
	dt, _ := attr(el, "datetime")
	return metadata.PublishDate(dt, strings.TrimSpace(text(el)), now)
}
