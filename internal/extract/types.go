// Package extract locates image data, analysis text and device metadata inside
// the schema-varying execution payloads produced by different workflow
// versions, classifies the analysis, and validates the result before
// enrichment is allowed to proceed.
package extract

import "time"

// Fragments is everything a strategy managed to pull out of a deep payload.
// Empty fields mean the payload did not yield that part.
type Fragments struct {
	ImageB64     string // base64 image data, possibly with a data: URI prefix
	AnalysisText string
	DeviceID     string
	CameraID     string
	Status       string // final status observed in the payload
	Detections   []DetectionInfo
	Notification *NotificationInfo
	Strategy     string // name of the strategy that produced this
}

// Empty reports whether the strategy found nothing usable.
func (f *Fragments) Empty() bool {
	return f.ImageB64 == "" && f.AnalysisText == "" && len(f.Detections) == 0 &&
		f.DeviceID == "" && f.CameraID == "" && f.Notification == nil
}

// DetectionInfo is a structured detection found in the payload.
type DetectionInfo struct {
	Class       string  `json:"class"`
	Confidence  float64 `json:"confidence"`
	BoundingBox string  `json:"boundingBox"`
}

// NotificationInfo is the downstream delivery status found in the payload.
type NotificationInfo struct {
	Sent      bool
	MessageID string
	SentAt    *time.Time
}

// Classification is the alert level derived from the analysis text.
type Classification struct {
	AlertLevel string   // high, medium, low, none
	Confidence *float64 // explicit numeric token when present, nil otherwise
}

// ValidationResult is the quality gate verdict for one payload. Errors block
// enrichment; warnings do not.
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
	Metadata map[string]any
}

// Alert levels, ordered from most to least severe.
const (
	AlertHigh   = "high"
	AlertMedium = "medium"
	AlertLow    = "low"
	AlertNone   = "none"
)
