package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomasvidal/vigia/internal/datastore"
	"github.com/tomasvidal/vigia/internal/errors"
	"github.com/tomasvidal/vigia/internal/events"
	"github.com/tomasvidal/vigia/internal/listener"
)

// fakeStore implements datastore.Interface with pluggable behavior and call
// counting for the stage tests.
type fakeStore struct {
	existsFn  func(int64) (bool, error)
	insertFn  func(*datastore.Execution) (bool, error)
	enrichFn  func(*datastore.Enrichment) error
	qualityFn func(*datastore.DataQualityLog) error

	existsCalls atomic.Int32
	insertCalls atomic.Int32
}

func (f *fakeStore) Open() error  { return nil }
func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) ExecutionExists(eventID int64) (bool, error) {
	f.existsCalls.Add(1)
	if f.existsFn != nil {
		return f.existsFn(eventID)
	}
	return false, nil
}

func (f *fakeStore) InsertExecution(exec *datastore.Execution) (bool, error) {
	f.insertCalls.Add(1)
	if f.insertFn != nil {
		return f.insertFn(exec)
	}
	return true, nil
}

func (f *fakeStore) GetExecution(eventID int64) (datastore.Execution, error) {
	return datastore.Execution{}, nil
}

func (f *fakeStore) Enrich(e *datastore.Enrichment) error {
	if f.enrichFn != nil {
		return f.enrichFn(e)
	}
	return nil
}

func (f *fakeStore) SaveQualityFailure(entry *datastore.DataQualityLog) error {
	if f.qualityFn != nil {
		return f.qualityFn(entry)
	}
	return nil
}

func (f *fakeStore) GetQualityLogs(eventID int64) ([]datastore.DataQualityLog, error) {
	return nil, nil
}

func (f *fakeStore) Stats() (datastore.StoreStats, error) {
	return datastore.StoreStats{}, nil
}

// captureConsumer records every event the bus delivers.
type captureConsumer struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureConsumer) Name() string { return "capture" }

func (c *captureConsumer) ProcessEvent(ev events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *captureConsumer) byType(t events.EventType) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Event
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestBus(t *testing.T) (*events.Bus, *captureConsumer) {
	t.Helper()
	bus := events.NewBus(&events.Config{BufferSize: 64, Workers: 1})
	capture := &captureConsumer{}
	require.NoError(t, bus.RegisterConsumer(capture))
	bus.Start()
	t.Cleanup(func() { _ = bus.Shutdown(time.Second) })
	return bus, capture
}

func testEvent(id int64) listener.SourceEvent {
	started := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	stopped := started.Add(1500 * time.Millisecond)
	return listener.SourceEvent{
		EventID:    id,
		WorkflowID: "wf-vigilancia",
		StartedAt:  started,
		StoppedAt:  &stopped,
		Status:     "success",
		Mode:       "trigger",
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStage1CreatesCoreRecord(t *testing.T) {
	t.Parallel()

	var inserted *datastore.Execution
	store := &fakeStore{
		insertFn: func(exec *datastore.Execution) (bool, error) {
			inserted = exec
			return true, nil
		},
	}
	bus, capture := newTestBus(t)
	register := NewRegister(nil)
	stage := NewStage1(store, register, bus, time.Minute, 2, time.Millisecond, discardLogger())

	require.NoError(t, stage.Process(context.Background(), testEvent(100)))

	require.NotNil(t, inserted)
	assert.Equal(t, int64(100), inserted.EventID)
	assert.Equal(t, "wf-vigilancia", inserted.WorkflowID)
	require.NotNil(t, inserted.DurationMS)
	assert.Equal(t, int64(1500), *inserted.DurationMS)

	require.Eventually(t, func() bool {
		return len(capture.byType(events.TypeCoreCreated)) == 1
	}, time.Second, 10*time.Millisecond)
	ev := capture.byType(events.TypeCoreCreated)[0]
	assert.Equal(t, int64(100), ev.EventID)
}

func TestStage1SkipsExistingRecord(t *testing.T) {
	t.Parallel()

	store := &fakeStore{
		existsFn: func(int64) (bool, error) { return true, nil },
	}
	bus, capture := newTestBus(t)
	register := NewRegister(nil)
	stage := NewStage1(store, register, bus, time.Minute, 2, time.Millisecond, discardLogger())

	require.NoError(t, stage.Process(context.Background(), testEvent(200)))

	assert.Equal(t, uint64(1), register.GetSnapshot().Skipped)
	assert.Equal(t, int32(0), store.insertCalls.Load())
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, capture.byType(events.TypeCoreCreated), "a replay must not publish")
}

func TestStage1RecentCacheShortCircuits(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	bus, _ := newTestBus(t)
	register := NewRegister(nil)
	stage := NewStage1(store, register, bus, time.Minute, 2, time.Millisecond, discardLogger())

	ev := testEvent(300)
	require.NoError(t, stage.Process(context.Background(), ev))
	require.NoError(t, stage.Process(context.Background(), ev))

	assert.Equal(t, int32(1), store.existsCalls.Load(), "replay within TTL must not query the store")
	assert.Equal(t, uint64(1), register.GetSnapshot().Skipped)
}

func TestStage1LostInsertRaceIsSkipped(t *testing.T) {
	t.Parallel()

	store := &fakeStore{
		insertFn: func(*datastore.Execution) (bool, error) { return false, nil },
	}
	bus, capture := newTestBus(t)
	register := NewRegister(nil)
	stage := NewStage1(store, register, bus, time.Minute, 2, time.Millisecond, discardLogger())

	require.NoError(t, stage.Process(context.Background(), testEvent(400)))

	assert.Equal(t, uint64(1), register.GetSnapshot().Skipped)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, capture.byType(events.TypeCoreCreated))
}

func TestStage1RetriesTransientStoreErrors(t *testing.T) {
	t.Parallel()

	var failures atomic.Int32
	store := &fakeStore{
		existsFn: func(int64) (bool, error) {
			if failures.Add(1) <= 2 {
				return false, errors.Newf("db briefly away").
					Component("datastore").
					Category(errors.CategoryDatabase).
					Transient().
					Build()
			}
			return false, nil
		},
	}
	bus, _ := newTestBus(t)
	register := NewRegister(nil)
	stage := NewStage1(store, register, bus, time.Minute, 3, time.Millisecond, discardLogger())

	require.NoError(t, stage.Process(context.Background(), testEvent(500)))
	assert.Equal(t, int32(3), store.existsCalls.Load())
	assert.Equal(t, uint64(0), register.GetSnapshot().Failed)
}

func TestStage1FailsAfterRetryBudget(t *testing.T) {
	t.Parallel()

	store := &fakeStore{
		existsFn: func(int64) (bool, error) {
			return false, errors.Newf("db down").
				Component("datastore").
				Category(errors.CategoryDatabase).
				Transient().
				Build()
		},
	}
	bus, _ := newTestBus(t)
	register := NewRegister(nil)
	stage := NewStage1(store, register, bus, time.Minute, 1, time.Millisecond, discardLogger())

	err := stage.Process(context.Background(), testEvent(600))
	require.Error(t, err)
	assert.Equal(t, uint64(1), register.GetSnapshot().Failed)
}
