// Package api exposes the HTTP surface: the live event stream, status and
// health endpoints, and the Prometheus scrape handler.
package api

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomasvidal/vigia/internal/events"
	obsmetrics "github.com/tomasvidal/vigia/internal/observability/metrics"
)

// subscriber is one attached stream client.
type subscriber struct {
	id        string
	ch        chan events.Event
	connected time.Time
}

// Hub fans bus events out to attached stream subscribers. Events published
// before a subscriber attaches are never replayed; a subscriber only sees
// what happens while it is connected. A subscriber whose buffer stays full
// is dropped rather than allowed to stall the broadcast.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]*subscriber
	buffer      int
	metrics     *obsmetrics.HubMetrics
	logger      *slog.Logger

	broadcasts uint64
	dropped    uint64
}

// NewHub creates a hub whose subscribers buffer up to bufferSize events.
func NewHub(bufferSize int, metrics *obsmetrics.HubMetrics, logger *slog.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Hub{
		subscribers: make(map[string]*subscriber),
		buffer:      bufferSize,
		metrics:     metrics,
		logger:      logger,
	}
}

// Attach registers a new subscriber and returns its id and receive channel.
// The channel is closed by Detach or when the subscriber is dropped.
func (h *Hub) Attach() (string, <-chan events.Event) {
	sub := &subscriber{
		id:        uuid.New().String(),
		ch:        make(chan events.Event, h.buffer),
		connected: time.Now(),
	}

	h.mu.Lock()
	h.subscribers[sub.id] = sub
	count := len(h.subscribers)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ConnectedClients.Set(float64(count))
	}
	h.logger.Debug("subscriber attached", "client_id", sub.id, "subscribers", count)
	return sub.id, sub.ch
}

// Detach removes a subscriber and closes its channel. Safe to call for an
// already dropped subscriber.
func (h *Hub) Detach(id string) {
	h.mu.Lock()
	sub, ok := h.subscribers[id]
	if ok {
		delete(h.subscribers, id)
		close(sub.ch)
	}
	count := len(h.subscribers)
	h.mu.Unlock()

	if !ok {
		return
	}
	if h.metrics != nil {
		h.metrics.ConnectedClients.Set(float64(count))
	}
	h.logger.Debug("subscriber detached", "client_id", id, "subscribers", count)
}

// Name implements events.Consumer.
func (h *Hub) Name() string {
	return "stream-hub"
}

// ProcessEvent implements events.Consumer by broadcasting the event to every
// attached subscriber.
func (h *Hub) ProcessEvent(event events.Event) error {
	h.Broadcast(event)
	return nil
}

// Broadcast delivers an event to each subscriber without blocking. A
// subscriber that cannot accept the event is detached and its channel
// closed.
func (h *Hub) Broadcast(event events.Event) {
	h.mu.Lock()
	var slow []*subscriber
	for _, sub := range h.subscribers {
		select {
		case sub.ch <- event:
		default:
			slow = append(slow, sub)
		}
	}
	for _, sub := range slow {
		delete(h.subscribers, sub.id)
		close(sub.ch)
		h.dropped++
	}
	h.broadcasts++
	count := len(h.subscribers)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.Broadcasts.Inc()
		if len(slow) > 0 {
			h.metrics.DroppedSubscribers.Add(float64(len(slow)))
			h.metrics.ConnectedClients.Set(float64(count))
		}
		if event.Type == events.TypeHeartbeat {
			h.metrics.Heartbeats.Inc()
		}
	}
	for _, sub := range slow {
		h.logger.Warn("slow subscriber dropped", "client_id", sub.id)
	}
}

// SubscriberCount returns the number of attached subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// HubStatus is the bookkeeping snapshot served by the stream status
// endpoint.
type HubStatus struct {
	Subscribers int        `json:"subscribers"`
	Broadcasts  uint64     `json:"broadcasts"`
	Dropped     uint64     `json:"dropped"`
	Oldest      *time.Time `json:"oldestConnection,omitempty"`
	Newest      *time.Time `json:"newestConnection,omitempty"`
}

// Status returns a point-in-time snapshot of the hub.
func (h *Hub) Status() HubStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	status := HubStatus{
		Subscribers: len(h.subscribers),
		Broadcasts:  h.broadcasts,
		Dropped:     h.dropped,
	}
	for _, sub := range h.subscribers {
		t := sub.connected
		if status.Oldest == nil || t.Before(*status.Oldest) {
			status.Oldest = &t
		}
		if status.Newest == nil || t.After(*status.Newest) {
			status.Newest = &t
		}
	}
	return status
}

// CloseAll detaches every subscriber, used at shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	for id, sub := range h.subscribers {
		delete(h.subscribers, id)
		close(sub.ch)
	}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ConnectedClients.Set(0)
	}
}
