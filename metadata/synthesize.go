package metadata

import (
	"strings"
	"time"
	"unicode/utf16"
)

// DateLayout is the day-precision layout used for capture and publish dates.
const DateLayout = "2006-01-02"

// Lookup tables for synthetic settings. Each is indexed by an independent
// slice of the image identifier hash.
var (
	synthApertures = []string{"1.4", "1.7", "2.0", "2.8", "4.0", "5.6"}
	synthShutters  = []string{"1/60", "1/125", "1/250", "1/500", "1/715", "1/1000"}
	synthISOs      = []string{"100", "200", "400", "800", "1600"}
	synthFocals    = []string{"24", "35", "50", "85", "135"}
	synthDevices   = []string{"Samsung Galaxy S23 Ultra", DefaultDevice}
)

// Synthesize returns placeholder settings for imageID. The output depends
// only on imageID and date, so repeated misses for the same image render the
// same line.
func Synthesize(imageID, date string) string {
	h := hashString(imageID)

	segments := []string{
		"Aperture F/" + pick(synthApertures, h),
		"Shutter " + pick(synthShutters, h>>3) + "s",
		"ISO " + pick(synthISOs, h>>6),
		"Focal " + pick(synthFocals, h>>9) + "mm",
		"Color sRGB",
		"Auto WB",
		"Taken " + date,
		"Device " + pick(synthDevices, h>>12),
	}
	return strings.Join(segments, Separator)
}

func pick(table []string, h uint32) string {
	return table[h%uint32(len(table))]
}

// hashString is a 32-bit rolling hash (h = h*31 + c over UTF-16 code units)
// folded to its absolute value.
func hashString(s string) uint32 {
	var h int32
	for _, c := range utf16.Encode([]rune(s)) {
		h = h*31 + int32(c)
	}
	if h < 0 {
		return uint32(-int64(h))
	}
	return uint32(h)
}

// publishedLayouts are tried, in order, against the text of a published-date
// element when it carries no machine-readable attribute.
var publishedLayouts = []string{
	time.RFC3339,
	DateLayout,
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"2006/01/02",
	"2006.01.02",
}

// PublishDate resolves the date context for synthetic data from a
// published-date element: the date part of its ISO-8601 attribute, else its
// parsed text, else the day of now.
func PublishDate(attr, text string, now time.Time) string {
	if attr = strings.TrimSpace(attr); attr != "" {
		day, _, _ := strings.Cut(attr, "T")
		return day
	}
	if text = strings.TrimSpace(text); text != "" {
		for _, layout := range publishedLayouts {
			if t, err := time.Parse(layout, text); err == nil {
				return t.UTC().Format(DateLayout)
			}
		}
	}
	return now.UTC().Format(DateLayout)
}
