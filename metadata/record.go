// Package metadata turns raw photographic metadata records into the
// human-readable settings line shown in an image tooltip, and generates a
// deterministic placeholder when no real record is available.
package metadata

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Source field names as published by the metadata endpoint.
const (
	FieldFNumber          = "FNumber"
	FieldExposureTime     = "ExposureTime"
	FieldISOSpeedRatings  = "ISOSpeedRatings"
	FieldFocalLength      = "FocalLength"
	FieldColorSpace       = "ColorSpace"
	FieldWhiteBalance     = "WhiteBalance"
	FieldDateTimeOriginal = "DateTimeOriginal"
	FieldSoftware         = "Software"
)

// Record maps a field name to its raw string value.
// Every field is optional; an empty value counts as absent.
type Record map[string]string

// Get returns the trimmed value of a field and whether it is present.
func (r Record) Get(field string) (string, bool) {
	v := strings.TrimSpace(r[field])
	return v, v != ""
}

// wireValue is the per-field shape of the endpoint body: {"val": "..."}.
type wireValue struct {
	Val *string `json:"val"`
}

// DecodeRecord reads an endpoint body of the form {"Field": {"val": "..."}}.
// A body that is not a JSON object of objects is rejected, as is any "val"
// that is not a JSON string. Fields whose object has no "val" key (or a
// null one) are treated as absent.
func DecodeRecord(r io.Reader) (Record, error) {
	var raw map[string]wireValue
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding metadata record: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("decoding metadata record: body is not an object")
	}

	rec := make(Record, len(raw))
	for field, v := range raw {
		if v.Val == nil {
			continue
		}
		rec[field] = *v.Val
	}
	return rec, nil
}
