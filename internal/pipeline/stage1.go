// stage1.go: the fast-path extractor. Derives the minimal record available
// from the notification itself and performs an idempotent insert. Never
// touches binary payloads, never makes network calls beyond the store write.
package pipeline

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/tomasvidal/vigia/internal/datastore"
	"github.com/tomasvidal/vigia/internal/events"
	"github.com/tomasvidal/vigia/internal/listener"
)

// Stage1 creates the core record for each source event.
type Stage1 struct {
	store    datastore.Interface
	register *Register
	bus      *events.Bus
	logger   *slog.Logger

	// recent short-circuits the existence query when the source replays a
	// notification within the TTL window.
	recent *gocache.Cache

	maxRetries int
	backoff    time.Duration
}

// NewStage1 wires the fast path.
func NewStage1(store datastore.Interface, register *Register, bus *events.Bus, recentTTL time.Duration, maxRetries int, backoff time.Duration, logger *slog.Logger) *Stage1 {
	return &Stage1{
		store:      store,
		register:   register,
		bus:        bus,
		logger:     logger,
		recent:     gocache.New(recentTTL, recentTTL*2),
		maxRetries: maxRetries,
		backoff:    backoff,
	}
}

// Process handles one source event. Redelivery of an event whose core record
// already exists increments "skipped" and returns nil; this is the
// idempotence boundary for replayed notifications.
func (s *Stage1) Process(ctx context.Context, ev listener.SourceEvent) error {
	cacheKey := strconv.FormatInt(ev.EventID, 10)
	if _, found := s.recent.Get(cacheKey); found {
		s.register.IncSkipped()
		s.logger.Debug("replayed notification skipped via recent cache", "event_id", ev.EventID)
		return nil
	}

	var exists bool
	err := withRetry(ctx, s.maxRetries, s.backoff, func() error {
		var err error
		exists, err = s.store.ExecutionExists(ev.EventID)
		return err
	})
	if err != nil {
		s.register.IncFailed()
		return err
	}
	if exists {
		s.register.IncSkipped()
		s.recent.SetDefault(cacheKey, struct{}{})
		s.logger.Debug("core record already present, skipping", "event_id", ev.EventID)
		return nil
	}

	exec := coreRecordFrom(ev)
	var created bool
	err = withRetry(ctx, s.maxRetries, s.backoff, func() error {
		var err error
		created, err = s.store.InsertExecution(exec)
		return err
	})
	if err != nil {
		// The source system replays the notification independently; surfacing
		// the error after bounded retries is the recovery path.
		s.register.IncFailed()
		return err
	}

	s.recent.SetDefault(cacheKey, struct{}{})

	if !created {
		// Lost the race against another pipeline instance; counted, never an error.
		s.register.IncSkipped()
		return nil
	}

	s.bus.TryPublish(events.Event{
		Type:    events.TypeCoreCreated,
		EventID: ev.EventID,
		Payload: map[string]any{
			"workflowId": ev.WorkflowID,
			"status":     ev.Status,
			"mode":       ev.Mode,
		},
	})

	return nil
}

// coreRecordFrom derives the stage-1 record from the notification. Stage-2
// fields stay NULL.
func coreRecordFrom(ev listener.SourceEvent) *datastore.Execution {
	exec := &datastore.Execution{
		EventID:    ev.EventID,
		WorkflowID: ev.WorkflowID,
		StartedAt:  ev.StartedAt,
		StoppedAt:  ev.StoppedAt,
		Status:     ev.Status,
		Mode:       ev.Mode,
	}
	if ev.StoppedAt != nil {
		duration := ev.StoppedAt.Sub(ev.StartedAt).Milliseconds()
		exec.DurationMS = &duration
	}
	return exec
}
