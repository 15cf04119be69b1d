// Package events provides the bounded, asynchronous event queue between the
// ingest pipeline and the fanout layer, decoupling producer and consumer
// lifetimes and making backpressure explicit.
package events

import "time"

// EventType names an outbound pipeline event.
type EventType string

const (
	// TypeCoreCreated is emitted when stage 1 inserts a core record.
	TypeCoreCreated EventType = "core-created"
	// TypeEnriched is emitted when stage 2 completes enrichment.
	TypeEnriched EventType = "enriched"
	// TypeEnrichmentFailed is emitted when enrichment could not complete
	// after retries were exhausted.
	TypeEnrichmentFailed EventType = "enrichment-failed"
	// TypeHeartbeat carries the live subscriber count on a fixed interval.
	TypeHeartbeat EventType = "heartbeat"
	// TypeAggregateHealth carries a periodic system and pipeline health snapshot.
	TypeAggregateHealth EventType = "aggregate-health"
	// TypeAggregateStats carries a periodic pipeline statistics snapshot.
	TypeAggregateStats EventType = "aggregate-stats"
	// TypeConnected is the synthetic event sent to a subscriber immediately
	// after it attaches.
	TypeConnected EventType = "connected"
)

// Event is a typed pipeline event with a JSON-marshalable payload.
type Event struct {
	Type      EventType `json:"type"`
	EventID   int64     `json:"eventId,omitempty"` // zero for aggregate events
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Consumer processes events delivered by the bus.
type Consumer interface {
	// Name returns the consumer name for identification
	Name() string

	// ProcessEvent handles a single event; errors are counted, not retried
	ProcessEvent(event Event) error
}

// BusStats contains queue counters, all monotonically increasing.
type BusStats struct {
	EventsReceived  uint64
	EventsProcessed uint64
	EventsDropped   uint64
	ConsumerErrors  uint64
}
