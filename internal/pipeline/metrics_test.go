package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRegisterCounters(t *testing.T) {
	t.Parallel()

	r := NewRegister(nil)
	r.Start()

	r.IncProcessed()
	r.IncProcessed()
	r.IncFailed()
	r.IncSkipped()
	r.IncDuplicates()
	r.IncValidationErrors()
	r.IncReconnects()

	s := r.GetSnapshot()
	assert.True(t, s.Running)
	assert.Equal(t, uint64(2), s.Processed)
	assert.Equal(t, uint64(1), s.Failed)
	assert.Equal(t, uint64(1), s.Skipped)
	assert.Equal(t, uint64(1), s.Duplicates)
	assert.Equal(t, uint64(1), s.ValidationErrors)
	assert.Equal(t, uint64(1), s.Reconnects)
	assert.GreaterOrEqual(t, s.UptimeSeconds, 0.0)

	r.Stop()
	assert.False(t, r.GetSnapshot().Running)
}

func TestRegisterAverageLatency(t *testing.T) {
	t.Parallel()

	r := NewRegister(nil)
	assert.Zero(t, r.GetSnapshot().AvgLatencyMS, "no observations yet")

	r.ObserveLatency(100 * time.Millisecond)
	r.ObserveLatency(300 * time.Millisecond)

	s := r.GetSnapshot()
	assert.InDelta(t, 200.0, s.AvgLatencyMS, 0.01)
}
