// guard.go: in-process idempotency guard for the ingest pipeline.
package pipeline

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Guard guarantees at most one concurrent processing attempt per event id
// within this process. It does not protect against duplicates across pipeline
// instances; that is the job of the storage-level idempotent upsert.
type Guard struct {
	mu       sync.Mutex
	inflight map[int64]struct{}

	duplicates atomic.Uint64
}

// NewGuard creates an empty guard.
func NewGuard() *Guard {
	return &Guard{inflight: make(map[int64]struct{})}
}

// TryAcquire records an in-flight marker for eventID. Returns false when a
// processing attempt is already registered; the caller must skip and count
// the duplicate.
func (g *Guard) TryAcquire(eventID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.inflight[eventID]; exists {
		g.duplicates.Add(1)
		return false
	}
	g.inflight[eventID] = struct{}{}
	return true
}

// Release removes the in-flight marker. Must be called on every exit path,
// typically via defer immediately after a successful TryAcquire.
func (g *Guard) Release(eventID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inflight, eventID)
}

// InFlight returns the number of currently tracked events.
func (g *Guard) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inflight)
}

// Duplicates returns how many acquisitions were rejected.
func (g *Guard) Duplicates() uint64 {
	return g.duplicates.Load()
}

// Drain waits until no events are in flight, or returns an error after
// timeout. Used during graceful shutdown.
func (g *Guard) Drain(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if g.InFlight() == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("drain timeout with %d events in flight", g.InFlight())
		}
		time.Sleep(25 * time.Millisecond)
	}
}
