// Package pipeline runs the two-stage ingest: a fast path that mirrors the
// notification payload into a core record, and a deep path that fetches the
// full execution payload, extracts and validates it, and enriches the record.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tomasvidal/vigia/internal/conf"
	"github.com/tomasvidal/vigia/internal/datastore"
	"github.com/tomasvidal/vigia/internal/errors"
	"github.com/tomasvidal/vigia/internal/events"
	"github.com/tomasvidal/vigia/internal/extract"
	"github.com/tomasvidal/vigia/internal/listener"
	"github.com/tomasvidal/vigia/internal/logging"
	"github.com/tomasvidal/vigia/internal/media"
	"github.com/tomasvidal/vigia/internal/observability"
)

// Pipeline owns the listener, both processing stages and their shared
// lifecycle. One Pipeline per process.
type Pipeline struct {
	settings *conf.Settings
	logger   *slog.Logger

	store  datastore.Interface
	source *listener.SourceStore

	// listenerMu guards the listener field: supervise swaps it on reconnect
	// while Stop reads it from the service goroutine.
	listenerMu sync.Mutex
	listener   *listener.Listener

	guard    *Guard
	register *Register
	bus      *events.Bus
	stage1   *Stage1
	stage2   *Stage2

	workers chan struct{} // caps concurrent event processing
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a fully wired pipeline. The source store and reporting store are
// opened here so a misconfigured deployment fails before any LISTEN is
// issued.
func New(ctx context.Context, settings *conf.Settings, metrics *observability.Metrics, bus *events.Bus) (*Pipeline, error) {
	logger := logging.ForService("pipeline")

	store := datastore.New(settings)
	if err := store.Open(); err != nil {
		return nil, errors.New(err).
			Component("pipeline").
			Category(errors.CategoryDatabase).
			Build()
	}

	source, err := listener.NewSourceStore(ctx, settings)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	register := NewRegister(metrics.Pipeline)

	validation := extract.ValidationConfig{
		RequiredFields: settings.Pipeline.Validation.RequiredFields,
		MaxImageBytes:  settings.Pipeline.Validation.MaxImageBytes,
	}

	p := &Pipeline{
		settings: settings,
		logger:   logger,
		store:    store,
		source:   source,
		guard:    NewGuard(),
		register: register,
		bus:      bus,
		workers:  make(chan struct{}, settings.Pipeline.Workers),
	}
	p.stage1 = NewStage1(store, register, bus,
		settings.Pipeline.RecentTTL,
		settings.Pipeline.MaxRetries,
		settings.Pipeline.RetryBackoff,
		logging.ForService("stage1"))
	p.stage2 = NewStage2(source, store, media.New(settings), validation, register, bus,
		settings.Pipeline.MaxRetries,
		settings.Pipeline.RetryBackoff,
		logging.ForService("stage2"))
	p.listener = listener.New(settings, p.handle)
	return p, nil
}

// Start begins listening and supervises the connection until ctx is
// cancelled or Stop is called.
func (p *Pipeline) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)
	p.register.Start()

	if err := p.currentListener().Start(ctx); err != nil {
		p.register.Stop()
		return err
	}

	p.wg.Add(1)
	go p.supervise(ctx)

	p.logger.Info("pipeline started",
		"channels", p.settings.Source.Channels,
		"workers", p.settings.Pipeline.Workers,
	)
	return nil
}

// handle is the listener callback. It dispatches each event to its own
// goroutine under the worker cap; the idempotency guard makes concurrent
// notifications for the same event a no-op.
func (p *Pipeline) handle(ctx context.Context, ev listener.SourceEvent) {
	if !p.guard.TryAcquire(ev.EventID) {
		p.register.IncDuplicates()
		p.logger.Debug("duplicate notification suppressed", "event_id", ev.EventID)
		return
	}

	select {
	case p.workers <- struct{}{}:
	case <-ctx.Done():
		p.guard.Release(ev.EventID)
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.workers }()
		defer func() {
			p.guard.Release(ev.EventID)
			p.register.SetInFlight(p.guard.InFlight())
		}()
		p.register.SetInFlight(p.guard.InFlight())

		if err := p.stage1.Process(ctx, ev); err != nil {
			p.logger.Error("fast path failed", "event_id", ev.EventID, "error", err)
			return
		}
		if err := p.stage2.Process(ctx, ev); err != nil {
			p.logger.Error("deep path failed", "event_id", ev.EventID, "error", err)
		}
	}()
}

// supervise restarts the listener with exponential backoff after a
// connection loss. The delay doubles from ReconnectDelay up to ReconnectMax
// and resets after a successful restart.
func (p *Pipeline) supervise(ctx context.Context) {
	defer p.wg.Done()

	delay := p.settings.Source.ReconnectDelay
	for {
		current := p.currentListener()
		select {
		case <-ctx.Done():
			return
		case err := <-current.Terminated():
			p.register.IncReconnects()
			p.logger.Warn("listener connection lost, reconnecting", "error", err)
			current.Stop()

			for {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}

				next := listener.New(p.settings, p.handle)
				if err := next.Start(ctx); err != nil {
					p.logger.Error("listener restart failed", "error", err, "delay", delay)
					delay = min(delay*2, p.settings.Source.ReconnectMax)
					continue
				}
				p.setListener(next)
				break
			}
			delay = p.settings.Source.ReconnectDelay
			p.logger.Info("listener reconnected", "channels", p.settings.Source.Channels)
		}
	}
}

func (p *Pipeline) currentListener() *listener.Listener {
	p.listenerMu.Lock()
	defer p.listenerMu.Unlock()
	return p.listener
}

func (p *Pipeline) setListener(l *listener.Listener) {
	p.listenerMu.Lock()
	p.listener = l
	p.listenerMu.Unlock()
}

// Stop shuts the pipeline down in order: no new notifications, drain
// in-flight events with their context still live, then cancel and close both
// stores. Cancelling before the drain would abort in-flight payload fetches
// and count them as failures.
func (p *Pipeline) Stop() {
	p.logger.Info("pipeline stopping")
	p.currentListener().Stop()

	if err := p.guard.Drain(p.settings.Pipeline.ShutdownTimeout); err != nil {
		p.logger.Warn("shutdown timeout with events still in flight",
			"in_flight", p.guard.InFlight(),
		)
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	p.register.Stop()
	if p.source != nil {
		p.source.Close()
	}
	if err := p.store.Close(); err != nil {
		p.logger.Error("closing reporting store", "error", err)
	}
	p.logger.Info("pipeline stopped", "snapshot", p.register.GetSnapshot())
}

// Register exposes the metrics register for status endpoints.
func (p *Pipeline) Register() *Register {
	return p.register
}

// Store exposes the reporting store for status endpoints.
func (p *Pipeline) Store() datastore.Interface {
	return p.store
}

// Guard exposes the idempotency guard, used by tests and status endpoints.
func (p *Pipeline) Guard() *Guard {
	return p.guard
}
