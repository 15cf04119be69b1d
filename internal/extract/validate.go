// validate.go: the data quality gate run before enrichment.
package extract

import (
	"encoding/base64"
	"fmt"

	"github.com/antonholmquist/jason"
)

// ValidationConfig carries the quality gate rules.
type ValidationConfig struct {
	RequiredFields []string // payload root fields that must be present
	MaxImageBytes  int      // embedded images larger than this are rejected
}

// Validate checks a parsed payload and its extracted fragments against the
// gate rules. It is a pure function with no side effects; the caller persists
// the quality log on failure.
//
// Errors block enrichment: an absent payload, missing required fields, or no
// usable fragments at all. Soft gaps are warnings and enrichment proceeds
// without the affected part: a missing or undecodable embedded image, a
// missing device identifier.
func Validate(doc *jason.Object, frags *Fragments, cfg *ValidationConfig) ValidationResult {
	result := ValidationResult{
		Metadata: map[string]any{},
	}

	if doc == nil {
		result.Errors = append(result.Errors, "payload is absent")
		return result
	}

	rootKeys := doc.Map()
	for _, field := range cfg.RequiredFields {
		if _, ok := rootKeys[field]; !ok {
			result.Errors = append(result.Errors, fmt.Sprintf("required field %q is missing", field))
		}
	}

	if frags == nil || frags.Empty() {
		result.Errors = append(result.Errors, "no extraction strategy yielded data")
		return result
	}

	result.Metadata["strategy"] = frags.Strategy
	result.Metadata["analysis_len"] = len(frags.AnalysisText)
	result.Metadata["detections"] = len(frags.Detections)

	switch {
	case frags.ImageB64 == "":
		result.Warnings = append(result.Warnings, "no embedded image found")
	default:
		encoded := StripDataURI(frags.ImageB64)
		decodedLen := base64.StdEncoding.DecodedLen(len(encoded))
		result.Metadata["image_bytes"] = decodedLen
		if cfg.MaxImageBytes > 0 && decodedLen > cfg.MaxImageBytes {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("embedded image too large (%d bytes, limit %d), derivatives will be skipped", decodedLen, cfg.MaxImageBytes))
		} else if !looksLikeBase64(frags.ImageB64) {
			result.Warnings = append(result.Warnings, "embedded image is not valid base64, derivatives will be skipped")
		}
	}

	if frags.DeviceID == "" {
		result.Warnings = append(result.Warnings, "device identifier missing")
	}
	if frags.AnalysisText == "" && len(frags.Detections) == 0 {
		result.Warnings = append(result.Warnings, "no analysis text or detections found")
	}

	result.Valid = len(result.Errors) == 0
	return result
}
