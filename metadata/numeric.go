package metadata

import (
	"math"
	"strconv"
	"strings"
)

// NormalizeNumeric parses a plain decimal ("2.8") or a fraction ("1/250").
// It reports false for malformed input, a zero denominator or a non-finite
// result.
func NormalizeNumeric(raw string) (float64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}

	num, den, isFraction := strings.Cut(raw, "/")
	if !isFraction {
		return parseFinite(raw)
	}
	if strings.Contains(den, "/") {
		return 0, false
	}

	n, ok := parseFinite(strings.TrimSpace(num))
	if !ok {
		return 0, false
	}
	d, ok := parseFinite(strings.TrimSpace(den))
	if !ok || d == 0 {
		return 0, false
	}
	return finite(n / d)
}

func parseFinite(s string) (float64, bool) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return finite(v)
}

func finite(v float64) (float64, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
