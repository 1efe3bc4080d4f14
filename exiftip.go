// Package exiftip enriches images on a content page with photographic
// settings (exposure, aperture, ISO, focal length, device) shown in an
// on-demand tooltip.
//
// The root package holds the values shared by every component. The pipeline
// itself lives in the sub-packages: metadata formats records, cache persists
// rendered settings, resolve fetches with a synthetic fallback, preload warms
// the cache in throttled batches, disclosure decides when a tooltip is shown
// and binder wires all of it to page lifecycle signals.
package exiftip

import (
	"path"
	"strings"
)

// Image is a registered image on a page.
type Image struct {
	// ID identifies the image, normally its resolved src URL.
	ID string `json:"id"`

	// SourceURL is the metadata endpoint for the image.
	// Empty means the image URL itself is asked for metadata.
	SourceURL string `json:"source_url,omitempty"`

	// Published is the publish date ("2006-01-02") of the page the image
	// was found on. It only feeds synthetic placeholder data.
	Published string `json:"published,omitempty"`
}

// CacheKey returns the key rendered settings are cached under: the metadata
// source when present, else the image identifier.
func (i Image) CacheKey() string {
	if i.SourceURL != "" {
		return i.SourceURL
	}
	return i.ID
}

// FetchURL returns the URL metadata is requested from.
func (i Image) FetchURL() string {
	return i.CacheKey()
}

// Name returns the last path element of the image identifier for log output.
func (i Image) Name() string {
	id := strings.TrimRight(i.ID, "/")
	if id == "" {
		return ""
	}
	return path.Base(id)
}
