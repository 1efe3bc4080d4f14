package server

import "github.com/wolfeidau/exiftip"

// Client to server event types.
const (
	EventReady         = "ready"
	EventNavigate      = "navigate"
	EventImagesAdded   = "images-added"
	EventImagesRemoved = "images-removed"
	EventHoverEnter    = "hover-enter"
	EventHoverLeave    = "hover-leave"
	EventVisibility    = "visibility"
	EventShow          = "show"
	EventHide          = "hide"
	EventStatus        = "status"
)

// Server to client command types.
const (
	CommandBound   = "bound"
	CommandContent = "content"
	CommandShow    = "show"
	CommandHide    = "hide"
	CommandStatus  = "status"
	CommandError   = "error"
)

// Event is a message from the page.
type Event struct {
	Type          string          `json:"type"`
	ViewportWidth int             `json:"viewportWidth,omitempty"`
	Images        []exiftip.Image `json:"images,omitempty"`
	Image         string          `json:"image,omitempty"`
	Member        string          `json:"member,omitempty"`
	To            string          `json:"to,omitempty"`
	Ratio         float64         `json:"ratio,omitempty"`
}

// Command is a message to the page.
type Command struct {
	Type    string `json:"type"`
	Image   string `json:"image,omitempty"`
	Text    string `json:"text,omitempty"`
	Count   int    `json:"count,omitempty"`
	Message string `json:"message,omitempty"`
	Status  any    `json:"status,omitempty"`
}
