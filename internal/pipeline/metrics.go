// metrics.go: the pipeline metrics register. An explicit instance with a
// start/stop lifecycle, injected into the stages rather than accessed as
// ambient global state. Prometheus collectors are updated alongside the
// atomic counters when attached.
package pipeline

import (
	"sync/atomic"
	"time"

	obsmetrics "github.com/tomasvidal/vigia/internal/observability/metrics"
)

// Register holds the process-wide pipeline counters.
type Register struct {
	processed        atomic.Uint64
	failed           atomic.Uint64
	skipped          atomic.Uint64
	duplicates       atomic.Uint64
	validationErrors atomic.Uint64
	reconnects       atomic.Uint64

	latencyTotalNS atomic.Int64
	latencyCount   atomic.Uint64

	running   atomic.Bool
	startedAt atomic.Int64 // unix nanos

	prom *obsmetrics.PipelineMetrics // optional, nil when telemetry is disabled
}

// Snapshot is the read-only view exposed to status endpoints and the
// aggregate-stats broadcast.
type Snapshot struct {
	Running          bool    `json:"running"`
	Processed        uint64  `json:"processed"`
	Failed           uint64  `json:"failed"`
	Skipped          uint64  `json:"skipped"`
	Duplicates       uint64  `json:"duplicates"`
	ValidationErrors uint64  `json:"validationErrors"`
	Reconnects       uint64  `json:"reconnects"`
	AvgLatencyMS     float64 `json:"avgLatencyMs"`
	UptimeSeconds    float64 `json:"uptimeSeconds"`
}

// NewRegister creates a register, optionally mirroring into Prometheus
// collectors.
func NewRegister(prom *obsmetrics.PipelineMetrics) *Register {
	return &Register{prom: prom}
}

// Start marks the register as live. Counters survive restarts within the
// process; uptime resets.
func (r *Register) Start() {
	r.startedAt.Store(time.Now().UnixNano())
	r.running.Store(true)
}

// Stop marks the register as stopped.
func (r *Register) Stop() {
	r.running.Store(false)
}

func (r *Register) IncProcessed() {
	r.processed.Add(1)
	if r.prom != nil {
		r.prom.Processed.Inc()
	}
}

func (r *Register) IncFailed() {
	r.failed.Add(1)
	if r.prom != nil {
		r.prom.Failed.Inc()
	}
}

func (r *Register) IncSkipped() {
	r.skipped.Add(1)
	if r.prom != nil {
		r.prom.Skipped.Inc()
	}
}

func (r *Register) IncDuplicates() {
	r.duplicates.Add(1)
	if r.prom != nil {
		r.prom.Duplicates.Inc()
	}
}

func (r *Register) IncValidationErrors() {
	r.validationErrors.Add(1)
	if r.prom != nil {
		r.prom.ValidationErrors.Inc()
	}
}

func (r *Register) IncReconnects() {
	r.reconnects.Add(1)
	if r.prom != nil {
		r.prom.ReconnectAttempts.Inc()
	}
}

// ObserveLatency records one end-to-end processing duration.
func (r *Register) ObserveLatency(d time.Duration) {
	r.latencyTotalNS.Add(int64(d))
	r.latencyCount.Add(1)
	if r.prom != nil {
		r.prom.ProcessingLatency.Observe(d.Seconds())
	}
}

// SetInFlight reports the current guard size to Prometheus.
func (r *Register) SetInFlight(n int) {
	if r.prom != nil {
		r.prom.InFlight.Set(float64(n))
	}
}

// GetSnapshot returns the current counter values.
func (r *Register) GetSnapshot() Snapshot {
	s := Snapshot{
		Running:          r.running.Load(),
		Processed:        r.processed.Load(),
		Failed:           r.failed.Load(),
		Skipped:          r.skipped.Load(),
		Duplicates:       r.duplicates.Load(),
		ValidationErrors: r.validationErrors.Load(),
		Reconnects:       r.reconnects.Load(),
	}
	if count := r.latencyCount.Load(); count > 0 {
		s.AvgLatencyMS = float64(r.latencyTotalNS.Load()) / float64(count) / float64(time.Millisecond)
	}
	if s.Running {
		s.UptimeSeconds = time.Since(time.Unix(0, r.startedAt.Load())).Seconds()
	}
	return s
}
