// Package subscriber implements a resilient client for the live event
// stream. It maintains a connection state machine with exponential reconnect
// backoff and delivers stream events to a caller-supplied handler.
package subscriber

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tomasvidal/vigia/internal/errors"
	"github.com/tomasvidal/vigia/internal/events"
	"github.com/tomasvidal/vigia/internal/logging"
)

// State is the connection state of the subscriber.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

// Handler receives each event delivered on the stream.
type Handler func(event events.Event)

// Config controls the subscriber connection behavior.
type Config struct {
	URL         string        // stream endpoint, e.g. http://host:8080/api/v1/stream
	BackoffBase time.Duration // first reconnect delay, doubles per attempt
	MaxAttempts int           // delayed reconnect attempts before giving up
}

// Subscriber connects to the event stream and reconnects on loss with
// exponential backoff. Once MaxAttempts delayed retries have all failed it
// enters the error state and Run returns.
type Subscriber struct {
	config  Config
	handler Handler
	client  *http.Client
	logger  *slog.Logger

	mu         sync.Mutex
	state      State
	attempts   int
	suspended  bool
	resume     chan struct{}
	cancelConn context.CancelFunc // cancels the in-flight connection, nil when idle
}

// New creates a subscriber. The handler is called from the receive goroutine
// and must not block for long.
func New(config Config, handler Handler) *Subscriber {
	if config.BackoffBase <= 0 {
		config.BackoffBase = time.Second
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	return &Subscriber{
		config:  config,
		handler: handler,
		client:  &http.Client{},
		logger:  logging.ForService("subscriber"),
		state:   StateDisconnected,
		resume:  make(chan struct{}, 1),
	}
}

// State returns the current connection state.
func (s *Subscriber) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns the current consecutive failure count. It resets to zero
// on a successful connection.
func (s *Subscriber) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Suspend closes the active connection, moves to the disconnected state and
// pauses reconnection attempts until Resume is called. Used on
// background/offline transitions so no idle transport is held open.
func (s *Subscriber) Suspend() {
	s.mu.Lock()
	s.suspended = true
	cancel := s.cancelConn
	if s.state == StateConnected || s.state == StateConnecting {
		s.state = StateDisconnected
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Resume re-enables reconnection and resets the failure count.
func (s *Subscriber) Resume() {
	s.mu.Lock()
	s.suspended = false
	s.attempts = 0
	s.mu.Unlock()

	select {
	case s.resume <- struct{}{}:
	default:
	}
}

// BackoffDelay returns the reconnect delay for a given consecutive failure
// count: base doubled per prior failure.
func (s *Subscriber) BackoffDelay(attempt int) time.Duration {
	delay := s.config.BackoffBase
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// Run connects and receives until ctx is cancelled or the retry budget is
// exhausted. Each connection loss increments the failure counter and schedules
// a delayed retry; MaxAttempts is the number of delayed retries, so the
// terminal error is reached only after the last scheduled delay has been spent.
// A successful connect resets the counter.
func (s *Subscriber) Run(ctx context.Context) error {
	for {
		if err := s.waitIfSuspended(ctx); err != nil {
			return err
		}

		s.setState(StateConnecting)
		err := s.receive(ctx)
		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return ctx.Err()
		}
		if s.isSuspended() {
			// Suspend closed the transport; not a failure.
			s.setState(StateDisconnected)
			continue
		}

		s.mu.Lock()
		s.attempts++
		attempts := s.attempts
		s.mu.Unlock()
		s.setState(StateDisconnected)

		if attempts > s.config.MaxAttempts {
			s.setState(StateError)
			return errors.Newf("stream unreachable after %d reconnect attempts: %v", s.config.MaxAttempts, err).
				Component("subscriber").
				Category(errors.CategoryState).
				Terminal().
				Context("url", s.config.URL).
				Build()
		}

		delay := s.BackoffDelay(attempts - 1)
		s.logger.Warn("stream connection lost, reconnecting",
			"error", err,
			"attempt", attempts,
			"delay", delay,
		)
		select {
		case <-time.After(delay):
		case <-s.resume:
			// network/visibility signal: retry immediately
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Subscriber) isSuspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

func (s *Subscriber) waitIfSuspended(ctx context.Context) error {
	s.mu.Lock()
	suspended := s.suspended
	s.mu.Unlock()
	if !suspended {
		return nil
	}

	s.logger.Info("subscriber suspended, waiting for resume")
	for {
		select {
		case <-s.resume:
			s.mu.Lock()
			suspended = s.suspended
			s.mu.Unlock()
			if !suspended {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// receive opens one stream connection and dispatches events until it drops.
// The connection context is held so Suspend can tear down the transport.
func (s *Subscriber) receive(ctx context.Context) error {
	connCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelConn = cancel
	suspended := s.suspended
	s.mu.Unlock()
	if suspended {
		// Suspend landed between the state change and registration.
		cancel()
		return fmt.Errorf("suspended before connect")
	}
	defer func() {
		s.mu.Lock()
		s.cancelConn = nil
		s.mu.Unlock()
		cancel()
	}()

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, s.config.URL, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream endpoint returned %s", resp.Status)
	}

	s.mu.Lock()
	s.attempts = 0
	s.mu.Unlock()
	s.setState(StateConnected)
	s.logger.Info("connected to event stream", "url", s.config.URL)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case line == "":
			if data.Len() > 0 {
				s.dispatch(data.String())
				data.Reset()
			}
		}
		// event: and comment lines carry no payload of their own
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("stream closed by server")
}

func (s *Subscriber) dispatch(data string) {
	var ev events.Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		s.logger.Warn("discarding malformed stream event", "error", err)
		return
	}
	s.handler(ev)
}

func (s *Subscriber) setState(state State) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()
	if changed {
		s.logger.Debug("subscriber state changed", "state", state)
	}
}
