package events

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomasvidal/vigia/internal/logging"
)

// Bus provides asynchronous event delivery with non-blocking publish
// guarantees. A full queue drops the event and increments a counter; the
// ingestion path is never slowed by the fanout side.
type Bus struct {
	eventChan chan Event

	bufferSize int
	workers    int

	// State management
	done      chan struct{}
	wg        sync.WaitGroup
	running   atomic.Bool
	stopOnce  sync.Once
	mu        sync.Mutex
	consumers []Consumer

	stats BusStats

	logger *slog.Logger
}

// Config holds event bus configuration
type Config struct {
	BufferSize int
	Workers    int
}

// DefaultConfig returns the default event bus configuration
func DefaultConfig() *Config {
	return &Config{
		BufferSize: 1024,
		Workers:    2,
	}
}

// NewBus creates an event bus. The bus is inert until Start is called.
func NewBus(config *Config) *Bus {
	if config == nil {
		config = DefaultConfig()
	}
	return &Bus{
		eventChan:  make(chan Event, config.BufferSize),
		bufferSize: config.BufferSize,
		workers:    config.Workers,
		done:       make(chan struct{}),
		consumers:  make([]Consumer, 0),
		logger:     logging.ForService("events"),
	}
}

// RegisterConsumer adds a new event consumer.
func (b *Bus) RegisterConsumer(consumer Consumer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, existing := range b.consumers {
		if existing.Name() == consumer.Name() {
			return fmt.Errorf("consumer %s already registered", consumer.Name())
		}
	}

	b.consumers = append(b.consumers, consumer)

	b.logger.Info("registered event consumer", "consumer", consumer.Name())
	return nil
}

// Start begins the worker goroutines.
func (b *Bus) Start() {
	if b.running.Swap(true) {
		return // Already running
	}

	b.logger.Info("starting event bus workers", "count", b.workers, "buffer_size", b.bufferSize)

	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go b.worker(i)
	}
}

// TryPublish attempts to publish an event without blocking.
// Returns true if the event was accepted, false if dropped.
func (b *Bus) TryPublish(event Event) bool {
	if !b.running.Load() {
		return false
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventChan <- event:
		atomic.AddUint64(&b.stats.EventsReceived, 1)
		return true
	default:
		// Queue full, drop the event
		atomic.AddUint64(&b.stats.EventsDropped, 1)
		b.logger.Debug("event dropped due to full queue",
			"type", event.Type,
			"event_id", event.EventID,
		)
		return false
	}
}

// worker processes events from the channel
func (b *Bus) worker(id int) {
	defer b.wg.Done()

	logger := b.logger.With("worker_id", id)
	logger.Debug("worker started")

	for {
		select {
		case <-b.done:
			logger.Debug("worker stopping")
			return

		case event, ok := <-b.eventChan:
			if !ok {
				return
			}
			b.processEvent(event, logger)
		}
	}
}

// processEvent sends the event to all registered consumers
func (b *Bus) processEvent(event Event, logger *slog.Logger) {
	b.mu.Lock()
	consumers := make([]Consumer, len(b.consumers))
	copy(consumers, b.consumers)
	b.mu.Unlock()

	for _, consumer := range consumers {
		// Recovery wrapper so a panicking consumer cannot kill the worker
		func() {
			defer func() {
				if r := recover(); r != nil {
					atomic.AddUint64(&b.stats.ConsumerErrors, 1)
					logger.Error("consumer panicked",
						"consumer", consumer.Name(),
						"panic", r,
						"type", event.Type,
					)
				}
			}()

			if err := consumer.ProcessEvent(event); err != nil {
				atomic.AddUint64(&b.stats.ConsumerErrors, 1)
				logger.Error("consumer error",
					"consumer", consumer.Name(),
					"error", err,
					"type", event.Type,
				)
			} else {
				atomic.AddUint64(&b.stats.EventsProcessed, 1)
			}
		}()
	}
}

// Shutdown gracefully shuts down the event bus, waiting up to timeout for the
// workers to drain.
func (b *Bus) Shutdown(timeout time.Duration) error {
	if !b.running.Swap(false) {
		return nil
	}

	b.logger.Info("shutting down event bus", "timeout", timeout)

	b.stopOnce.Do(func() { close(b.done) })

	waited := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		b.logger.Info("event bus shutdown complete")
		return nil
	case <-time.After(timeout):
		b.logger.Warn("event bus shutdown timeout exceeded")
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

// GetStats returns current event bus statistics
func (b *Bus) GetStats() BusStats {
	return BusStats{
		EventsReceived:  atomic.LoadUint64(&b.stats.EventsReceived),
		EventsProcessed: atomic.LoadUint64(&b.stats.EventsProcessed),
		EventsDropped:   atomic.LoadUint64(&b.stats.EventsDropped),
		ConsumerErrors:  atomic.LoadUint64(&b.stats.ConsumerErrors),
	}
}
