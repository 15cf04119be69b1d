// stage2.go: the deep extractor and transformer. Fetches the schema-varying
// payload, runs the extraction strategy chain and the quality gate, generates
// image derivatives, classifies the analysis, and persists the enrichment in
// a single transaction.
package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/antonholmquist/jason"

	"github.com/tomasvidal/vigia/internal/datastore"
	"github.com/tomasvidal/vigia/internal/errors"
	"github.com/tomasvidal/vigia/internal/events"
	"github.com/tomasvidal/vigia/internal/extract"
	"github.com/tomasvidal/vigia/internal/listener"
	"github.com/tomasvidal/vigia/internal/media"
)

// PayloadFetcher reads the deep payload for an event from the source store.
type PayloadFetcher interface {
	FetchPayload(ctx context.Context, eventID int64) (*jason.Object, error)
}

// DerivativeGenerator writes the image derivative set for an event.
type DerivativeGenerator interface {
	Generate(ctx context.Context, eventID int64, imageB64 string) (*media.DerivativeSet, error)
}

// Stage2 enriches core records created by stage 1.
type Stage2 struct {
	source     PayloadFetcher
	store      datastore.Interface
	deriver    DerivativeGenerator
	validation extract.ValidationConfig
	register   *Register
	bus        *events.Bus
	logger     *slog.Logger

	maxRetries int
	backoff    time.Duration
}

// NewStage2 wires the deep path.
func NewStage2(source PayloadFetcher, store datastore.Interface, deriver DerivativeGenerator, validation extract.ValidationConfig, register *Register, bus *events.Bus, maxRetries int, backoff time.Duration, logger *slog.Logger) *Stage2 {
	return &Stage2{
		source:     source,
		store:      store,
		deriver:    deriver,
		validation: validation,
		register:   register,
		bus:        bus,
		logger:     logger,
		maxRetries: maxRetries,
		backoff:    backoff,
	}
}

// Process enriches one event. Validation failures are handled (quality log,
// review flag) and return nil; only infrastructure failures that survive the
// bounded retries return an error.
func (s *Stage2) Process(ctx context.Context, ev listener.SourceEvent) error {
	start := time.Now()

	var doc *jason.Object
	err := withRetry(ctx, s.maxRetries, s.backoff, func() error {
		var err error
		doc, err = s.source.FetchPayload(ctx, ev.EventID)
		return err
	})
	if err != nil && errors.IsRetryable(err) {
		s.register.IncFailed()
		s.emitFailed(ev.EventID, "payload fetch failed", err)
		return err
	}
	// A terminal fetch error (payload absent) flows into validation with a
	// nil document so the failure is recorded, not dropped.

	frags := extract.Run(doc)
	result := extract.Validate(doc, frags, &s.validation)

	if !result.Valid {
		return s.handleValidationFailure(ctx, ev.EventID, &result)
	}

	enrichment := s.buildEnrichment(ctx, ev.EventID, frags, &result)

	err = withRetry(ctx, s.maxRetries, s.backoff, func() error {
		return s.store.Enrich(enrichment)
	})
	if err != nil {
		s.register.IncFailed()
		s.emitFailed(ev.EventID, "enrichment transaction failed", err)
		return err
	}

	s.register.IncProcessed()
	s.register.ObserveLatency(time.Since(start))

	summary := map[string]any{
		"strategy": frags.Strategy,
		"hasImage": enrichment.Image != nil,
	}
	if enrichment.Analysis != nil {
		summary["alertLevel"] = enrichment.Analysis.AlertLevel
		if enrichment.Analysis.Confidence != nil {
			summary["confidence"] = *enrichment.Analysis.Confidence
		}
	}
	if enrichment.DeviceID != nil {
		summary["deviceId"] = *enrichment.DeviceID
	}
	s.bus.TryPublish(events.Event{
		Type:    events.TypeEnriched,
		EventID: ev.EventID,
		Payload: summary,
	})

	s.logger.Info("event enriched",
		"event_id", ev.EventID,
		"strategy", frags.Strategy,
		"has_image", enrichment.Image != nil,
		"warnings", len(result.Warnings),
		"elapsed", time.Since(start),
	)
	return nil
}

// buildEnrichment assembles the transactional write set. Optional sub-parts
// that fail individually are dropped with a warning instead of failing the
// whole enrichment.
func (s *Stage2) buildEnrichment(ctx context.Context, eventID int64, frags *extract.Fragments, result *extract.ValidationResult) *datastore.Enrichment {
	enrichment := &datastore.Enrichment{
		EventID: eventID,
		Status:  frags.Status,
	}
	if frags.DeviceID != "" {
		enrichment.DeviceID = &frags.DeviceID
	}
	if frags.CameraID != "" {
		enrichment.CameraID = &frags.CameraID
	}

	if frags.AnalysisText != "" || len(frags.Detections) > 0 {
		classification := extract.Classify(frags.AnalysisText)
		analysis := &datastore.AnalysisResult{
			AlertLevel: classification.AlertLevel,
			Confidence: classification.Confidence,
			Text:       frags.AnalysisText,
		}
		for _, d := range frags.Detections {
			analysis.Detections = append(analysis.Detections, datastore.Detection{
				Class:       d.Class,
				Confidence:  d.Confidence,
				BoundingBox: d.BoundingBox,
			})
		}
		enrichment.Analysis = analysis
	}

	if frags.ImageB64 != "" && !s.imageTooLarge(frags.ImageB64) {
		set, err := s.deriver.Generate(ctx, eventID, frags.ImageB64)
		if err != nil {
			// Partial enrichment: a broken optional image never blocks the
			// analysis from being persisted.
			s.logger.Warn("image derivative generation failed, continuing without image",
				"event_id", eventID,
				"error", err,
			)
			result.Warnings = append(result.Warnings, fmt.Sprintf("image derivatives failed: %v", err))
		} else {
			enrichment.Image = &datastore.ImageAsset{
				OriginalPath:  set.OriginalPath,
				ThumbnailPath: set.ThumbnailPath,
				AltPath:       set.AltPath,
				Bytes:         set.Bytes,
				Width:         set.Width,
				Height:        set.Height,
				Encoding:      set.Encoding,
			}
		}
	}

	if frags.ImageB64 != "" && s.imageTooLarge(frags.ImageB64) {
		s.logger.Warn("embedded image exceeds size limit, derivatives skipped",
			"event_id", eventID,
			"limit", s.validation.MaxImageBytes,
		)
	}

	if frags.Notification != nil {
		enrichment.Notification = &datastore.NotificationRecord{
			Sent:      frags.Notification.Sent,
			MessageID: frags.Notification.MessageID,
			SentAt:    frags.Notification.SentAt,
		}
	}

	return enrichment
}

// handleValidationFailure records the quality log, flags the core record for
// review and counts the rejection. The core record from stage 1 stays
// visible; nothing is silently dropped.
func (s *Stage2) handleValidationFailure(ctx context.Context, eventID int64, result *extract.ValidationResult) error {
	s.register.IncValidationErrors()

	entry := &datastore.DataQualityLog{
		EventID:  eventID,
		Errors:   mustJSON(result.Errors),
		Warnings: mustJSON(result.Warnings),
		Metadata: mustJSON(result.Metadata),
	}
	err := withRetry(ctx, s.maxRetries, s.backoff, func() error {
		return s.store.SaveQualityFailure(entry)
	})
	if err != nil {
		s.register.IncFailed()
		return err
	}

	s.logger.Warn("payload rejected by quality gate",
		"event_id", eventID,
		"errors", result.Errors,
		"warnings", result.Warnings,
	)
	s.emitFailed(eventID, "validation", nil)
	return nil
}

// imageTooLarge mirrors the quality gate's oversize warning so derivatives
// are actually skipped, not attempted and failed.
func (s *Stage2) imageTooLarge(imageB64 string) bool {
	if s.validation.MaxImageBytes <= 0 {
		return false
	}
	encoded := extract.StripDataURI(imageB64)
	return base64.StdEncoding.DecodedLen(len(encoded)) > s.validation.MaxImageBytes
}

func (s *Stage2) emitFailed(eventID int64, reason string, err error) {
	payload := map[string]any{"reason": reason}
	if err != nil {
		payload["error"] = err.Error()
	}
	s.bus.TryPublish(events.Event{
		Type:    events.TypeEnrichmentFailed,
		EventID: eventID,
		Payload: payload,
	})
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}
