// Package listener subscribes to change notifications on the source workflow
// database and hands parsed source events to the pipeline.
package listener

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tomasvidal/vigia/internal/conf"
	"github.com/tomasvidal/vigia/internal/errors"
	"github.com/tomasvidal/vigia/internal/logging"
)

// SourceEvent is the lightweight notification payload describing one row
// change in the upstream execution table. Immutable once received.
type SourceEvent struct {
	EventID    int64      `json:"event_id"`
	WorkflowID string     `json:"workflow_id"`
	StartedAt  time.Time  `json:"started_at"`
	StoppedAt  *time.Time `json:"stopped_at"`
	Status     string     `json:"status"`
	Mode       string     `json:"mode"`
}

// Handler receives each successfully parsed source event.
type Handler func(ctx context.Context, event SourceEvent)

// Listener holds one dedicated connection per notification channel. A
// dedicated connection is required because LISTEN blocks it for its lifetime;
// these connections are never shared with query traffic.
//
// The listener is stateless about retries: on connection loss it signals
// Terminated and the owning pipeline restarts it after a backoff, so
// reconnect attempts are counted in one place.
type Listener struct {
	dsn      string
	channels []string
	handler  Handler
	logger   *slog.Logger

	mu         sync.Mutex
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	terminated chan error
}

// New creates a listener for the configured channels.
func New(settings *conf.Settings, handler Handler) *Listener {
	return &Listener{
		dsn:      settings.Source.DSN,
		channels: settings.Source.Channels,
		handler:  handler,
		logger:   logging.ForService("listener"),
	}
}

// Start opens one connection per channel and begins receiving notifications.
// It fails fast if any initial connect or LISTEN fails; once started, a
// dropped connection is reported on Terminated instead.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)

	conns := make([]*pgx.Conn, 0, len(l.channels))
	for _, channel := range l.channels {
		conn, err := pgx.Connect(runCtx, l.dsn)
		if err != nil {
			cancel()
			closeAll(conns)
			return errors.New(err).
				Component("listener").
				Category(errors.CategoryListener).
				Transient().
				Context("channel", channel).
				Build()
		}
		if _, err := conn.Exec(runCtx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
			cancel()
			closeAll(append(conns, conn))
			return errors.New(err).
				Component("listener").
				Category(errors.CategoryListener).
				Transient().
				Context("channel", channel).
				Build()
		}
		conns = append(conns, conn)
	}

	l.cancel = cancel
	l.terminated = make(chan error, len(l.channels))

	for i, channel := range l.channels {
		l.wg.Add(1)
		go l.receiveLoop(runCtx, conns[i], channel)
	}

	l.logger.Info("listening for change notifications", "channels", l.channels)
	return nil
}

// Terminated reports the first connection error per channel loop. The owner
// is expected to Stop and re-Start with backoff.
func (l *Listener) Terminated() <-chan error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.terminated
}

// Stop closes all channel connections and waits for the receive loops.
func (l *Listener) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	l.wg.Wait()
}

func (l *Listener) receiveLoop(ctx context.Context, conn *pgx.Conn, channel string) {
	defer l.wg.Done()
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = conn.Close(closeCtx)
		closeCancel()
	}()

	logger := l.logger.With("channel", channel)

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("receive loop stopping")
				return
			}
			logger.Error("notification connection lost", "error", err)
			l.terminated <- errors.New(err).
				Component("listener").
				Category(errors.CategoryListener).
				Transient().
				Context("channel", channel).
				Build()
			return
		}

		event, err := parseSourceEvent(notification.Payload)
		if err != nil {
			// Malformed payloads are logged and discarded; they must not
			// take down the listener.
			logger.Warn("discarding malformed notification payload",
				"error", err,
				"payload_len", len(notification.Payload),
			)
			continue
		}

		logger.Debug("notification received", "event_id", event.EventID, "status", event.Status)
		l.handler(ctx, event)
	}
}

// parseSourceEvent decodes a notification payload. A payload that does not
// decode or lacks an event id is rejected.
func parseSourceEvent(payload string) (SourceEvent, error) {
	var event SourceEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return SourceEvent{}, err
	}
	if event.EventID == 0 {
		return SourceEvent{}, errors.Newf("notification payload missing event id").
			Component("listener").
			Category(errors.CategoryValidation).
			Build()
	}
	return event, nil
}

func closeAll(conns []*pgx.Conn) {
	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = c.Close(ctx)
		cancel()
	}
}
