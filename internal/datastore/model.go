// model.go: data model for the execution reporting store.
package datastore

import "time"

// Execution is the core record, one row per source event. Stage 1 creates it
// from the change notification; stage 2 fills the enrichment fields. Rows are
// never deleted by the pipeline.
type Execution struct {
	EventID     int64  `gorm:"primaryKey;autoIncrement:false"`
	WorkflowID  string `gorm:"index:idx_executions_workflow"`
	StartedAt   time.Time
	StoppedAt   *time.Time
	DurationMS  *int64
	Status      string `gorm:"type:varchar(20);index:idx_executions_status"` // running, success, error
	Mode        string `gorm:"type:varchar(40)"`
	NeedsReview bool   `gorm:"index:idx_executions_review"` // quality flag, set when enrichment failed validation

	// Enrichment fields, NULL until stage 2 completes
	DeviceID *string `gorm:"type:varchar(100)"`
	CameraID *string `gorm:"type:varchar(100)"`

	CreatedAt time.Time
	UpdatedAt time.Time

	Analysis     *AnalysisResult     `gorm:"foreignKey:EventID;references:EventID;constraint:OnDelete:CASCADE"`
	Image        *ImageAsset         `gorm:"foreignKey:EventID;references:EventID;constraint:OnDelete:CASCADE"`
	Notification *NotificationRecord `gorm:"foreignKey:EventID;references:EventID;constraint:OnDelete:CASCADE"`
}

// ImageAsset holds the paths of the three derivatives generated for an
// execution. Zero or one per execution.
type ImageAsset struct {
	ID            uint  `gorm:"primaryKey"`
	EventID       int64 `gorm:"uniqueIndex;not null"`
	OriginalPath  string
	ThumbnailPath string
	AltPath       string // compressed alternate format
	Bytes         int64
	Width         int
	Height        int
	Encoding      string `gorm:"type:varchar(20)"`
	CreatedAt     time.Time
}

// AnalysisResult holds the classified analysis for an execution. Zero or one
// per execution.
type AnalysisResult struct {
	ID         uint   `gorm:"primaryKey"`
	EventID    int64  `gorm:"uniqueIndex;not null"`
	AlertLevel string `gorm:"type:varchar(10);index:idx_analysis_alert"` // high, medium, low, none
	Confidence *float64
	Text       string      `gorm:"type:text"`
	Detections []Detection `gorm:"foreignKey:AnalysisResultID;constraint:OnDelete:CASCADE"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Detection is a single structured detection inside an analysis, each with
// its own confidence.
type Detection struct {
	ID               uint `gorm:"primaryKey"`
	AnalysisResultID uint `gorm:"index;not null"`
	Class            string
	Confidence       float64
	BoundingBox      string `gorm:"type:varchar(100)"` // "x,y,w,h" in source pixels
}

// NotificationRecord tracks downstream delivery status observed in the deep
// payload. Zero or one per execution.
type NotificationRecord struct {
	ID        uint  `gorm:"primaryKey"`
	EventID   int64 `gorm:"uniqueIndex;not null"`
	Sent      bool
	MessageID string `gorm:"type:varchar(100)"`
	SentAt    *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DataQualityLog is an append-only validation failure record. One or more per
// execution whenever the quality gate rejects a payload.
type DataQualityLog struct {
	ID        uint   `gorm:"primaryKey"`
	EventID   int64  `gorm:"index;not null"`
	Errors    string `gorm:"type:text"` // JSON array of error strings
	Warnings  string `gorm:"type:text"` // JSON array of warning strings
	Metadata  string `gorm:"type:text"` // JSON object with extraction metadata
	CreatedAt time.Time
}
