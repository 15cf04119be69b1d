// interfaces.go: this code defines the interface for the reporting store operations
package datastore

import (
	stderrors "errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tomasvidal/vigia/internal/conf"
	"github.com/tomasvidal/vigia/internal/errors"
)

// Interface abstracts the underlying database implementation and defines the
// operations the pipeline performs against the reporting store.
type Interface interface {
	Open() error
	Close() error
	ExecutionExists(eventID int64) (bool, error)
	InsertExecution(exec *Execution) (created bool, err error)
	GetExecution(eventID int64) (Execution, error)
	Enrich(enrichment *Enrichment) error
	SaveQualityFailure(entry *DataQualityLog) error
	GetQualityLogs(eventID int64) ([]DataQualityLog, error)
	Stats() (StoreStats, error)
}

// Enrichment carries everything stage 2 writes in a single transaction.
// Optional sub-parts are nil when the payload did not yield them.
type Enrichment struct {
	EventID      int64
	Status       string // final status observed in the deep payload, empty to leave unchanged
	DeviceID     *string
	CameraID     *string
	Analysis     *AnalysisResult
	Image        *ImageAsset
	Notification *NotificationRecord
}

// StoreStats is a read-only snapshot used by status endpoints and the
// aggregate-stats broadcast.
type StoreStats struct {
	Executions  int64 `json:"executions"`
	Enriched    int64 `json:"enriched"`
	NeedsReview int64 `json:"needsReview"`
	QualityLogs int64 `json:"qualityLogs"`
}

// DataStore implements Interface using a GORM database.
type DataStore struct {
	DB *gorm.DB // GORM database instance
}

// New creates a new store instance based on the provided configuration.
func New(settings *conf.Settings) Interface {
	switch {
	case settings.Output.SQLite.Enabled:
		return &SQLiteStore{Settings: settings}
	case settings.Output.MySQL.Enabled:
		return &MySQLStore{Settings: settings}
	default:
		return nil
	}
}

// ExecutionExists reports whether a core record for eventID is already present.
func (ds *DataStore) ExecutionExists(eventID int64) (bool, error) {
	var count int64
	if err := ds.DB.Model(&Execution{}).Where("event_id = ?", eventID).Count(&count).Error; err != nil {
		return false, errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("event_id", eventID).
			Build()
	}
	return count > 0, nil
}

// InsertExecution performs an idempotent insert of the core record. Returns
// false without error when a row for the same event id already exists, so a
// replayed notification is a counted no-op rather than a failure.
func (ds *DataStore) InsertExecution(exec *Execution) (bool, error) {
	result := ds.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(exec)
	if result.Error != nil {
		return false, errors.New(result.Error).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("event_id", exec.EventID).
			Build()
	}
	return result.RowsAffected > 0, nil
}

// GetExecution retrieves a core record with its enrichment associations.
func (ds *DataStore) GetExecution(eventID int64) (Execution, error) {
	var exec Execution
	err := ds.DB.
		Preload("Analysis").
		Preload("Analysis.Detections").
		Preload("Image").
		Preload("Notification").
		First(&exec, "event_id = ?", eventID).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return Execution{}, err
		}
		return Execution{}, fmt.Errorf("getting execution %d: %w", eventID, err)
	}
	return exec, nil
}

// Enrich applies stage-2 results as a single transaction: core record update,
// analysis upsert (with detections), image upsert and notification upsert.
// Any failure rolls back the whole enrichment; the stage-1 row is untouched
// and a later retry starts from a clean state.
func (ds *DataStore) Enrich(e *Enrichment) error {
	err := ds.DB.Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"needs_review": false,
		}
		if e.DeviceID != nil {
			updates["device_id"] = *e.DeviceID
		}
		if e.CameraID != nil {
			updates["camera_id"] = *e.CameraID
		}
		if e.Status != "" {
			updates["status"] = e.Status
		}
		res := tx.Model(&Execution{}).Where("event_id = ?", e.EventID).Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("updating core record: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("no core record for event %d", e.EventID)
		}

		if e.Analysis != nil {
			if err := replaceAnalysis(tx, e.EventID, e.Analysis); err != nil {
				return err
			}
		}

		if e.Image != nil {
			e.Image.EventID = e.EventID
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "event_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"original_path", "thumbnail_path", "alt_path", "bytes", "width", "height", "encoding"}),
			}).Create(e.Image).Error; err != nil {
				return fmt.Errorf("upserting image asset: %w", err)
			}
		}

		if e.Notification != nil {
			e.Notification.EventID = e.EventID
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "event_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"sent", "message_id", "sent_at"}),
			}).Create(e.Notification).Error; err != nil {
				return fmt.Errorf("upserting notification record: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("event_id", e.EventID).
			Context("operation", "enrich").
			Build()
	}
	return nil
}

// replaceAnalysis swaps the stored analysis for eventID. Delete-then-create
// keeps detection rows consistent when stage 2 re-runs for the same event.
func replaceAnalysis(tx *gorm.DB, eventID int64, analysis *AnalysisResult) error {
	var existing AnalysisResult
	err := tx.First(&existing, "event_id = ?", eventID).Error
	switch {
	case err == nil:
		if err := tx.Where("analysis_result_id = ?", existing.ID).Delete(&Detection{}).Error; err != nil {
			return fmt.Errorf("deleting stale detections: %w", err)
		}
		if err := tx.Delete(&existing).Error; err != nil {
			return fmt.Errorf("deleting stale analysis: %w", err)
		}
	case stderrors.Is(err, gorm.ErrRecordNotFound):
		// first enrichment for this event
	default:
		return fmt.Errorf("looking up analysis: %w", err)
	}

	analysis.ID = 0
	analysis.EventID = eventID
	if err := tx.Create(analysis).Error; err != nil {
		return fmt.Errorf("saving analysis: %w", err)
	}
	return nil
}

// SaveQualityFailure records a validation failure and flags the core record
// for manual review in one transaction. The log is append-only.
func (ds *DataStore) SaveQualityFailure(entry *DataQualityLog) error {
	err := ds.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("saving quality log: %w", err)
		}
		if err := tx.Model(&Execution{}).
			Where("event_id = ?", entry.EventID).
			Update("needs_review", true).Error; err != nil {
			return fmt.Errorf("flagging execution for review: %w", err)
		}
		return nil
	})
	if err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("event_id", entry.EventID).
			Context("operation", "quality_failure").
			Build()
	}
	return nil
}

// GetQualityLogs returns all validation failure entries for an execution,
// oldest first.
func (ds *DataStore) GetQualityLogs(eventID int64) ([]DataQualityLog, error) {
	var logs []DataQualityLog
	if err := ds.DB.Where("event_id = ?", eventID).Order("created_at ASC").Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("getting quality logs for %d: %w", eventID, err)
	}
	return logs, nil
}

// Stats returns store-level counters for the status surface.
func (ds *DataStore) Stats() (StoreStats, error) {
	var stats StoreStats
	if err := ds.DB.Model(&Execution{}).Count(&stats.Executions).Error; err != nil {
		return StoreStats{}, fmt.Errorf("counting executions: %w", err)
	}
	if err := ds.DB.Model(&AnalysisResult{}).Count(&stats.Enriched).Error; err != nil {
		return StoreStats{}, fmt.Errorf("counting enriched executions: %w", err)
	}
	if err := ds.DB.Model(&Execution{}).Where("needs_review = ?", true).Count(&stats.NeedsReview).Error; err != nil {
		return StoreStats{}, fmt.Errorf("counting review flags: %w", err)
	}
	if err := ds.DB.Model(&DataQualityLog{}).Count(&stats.QualityLogs).Error; err != nil {
		return StoreStats{}, fmt.Errorf("counting quality logs: %w", err)
	}
	return stats, nil
}

// Close closes the underlying database connection.
func (ds *DataStore) Close() error {
	if ds.DB == nil {
		return nil
	}
	sqlDB, err := ds.DB.DB()
	if err != nil {
		return fmt.Errorf("getting sql.DB handle: %w", err)
	}
	return sqlDB.Close()
}
