package subscriber

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomasvidal/vigia/internal/events"
)

func TestBackoffDelaySequence(t *testing.T) {
	t.Parallel()

	s := New(Config{URL: "http://localhost/stream", BackoffBase: time.Second}, func(events.Event) {})

	expected := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
	}
	for attempt, want := range expected {
		assert.Equal(t, want, s.BackoffDelay(attempt), "attempt %d", attempt)
	}
}

func TestSubscriberReceivesEvents(t *testing.T) {
	t.Parallel()

	sent := events.Event{Type: events.TypeEnriched, EventID: 42, Timestamp: time.Now().UTC()}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)

		data, _ := json.Marshal(sent)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", sent.Type, data)
		flusher.Flush()

		<-r.Context().Done()
	}))
	defer ts.Close()

	var mu sync.Mutex
	var received []events.Event
	s := New(Config{URL: ts.URL, BackoffBase: 10 * time.Millisecond, MaxAttempts: 3}, func(ev events.Event) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, ev)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, events.TypeEnriched, received[0].Type)
	assert.Equal(t, int64(42), received[0].EventID)
	mu.Unlock()

	assert.Equal(t, StateConnected, s.State())

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, StateDisconnected, s.State())
}

func TestSubscriberGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	// A closed listener: every connection attempt fails immediately.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := ts.URL
	ts.Close()

	base := 20 * time.Millisecond
	s := New(Config{URL: url, BackoffBase: base, MaxAttempts: 3}, func(events.Event) {})

	start := time.Now()
	err := s.Run(context.Background())
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 reconnect attempts")
	assert.Equal(t, StateError, s.State())
	// All three scheduled delays (base, 2x, 4x) must be spent before the
	// terminal state is reached.
	assert.GreaterOrEqual(t, elapsed, 7*base)
}

func TestSubscriberReconnectsAndResetsAttempts(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	connections := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		connections++
		n := connections
		mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()

		if n == 1 {
			// Drop the first connection right away to force a reconnect.
			return
		}
		<-r.Context().Done()
	}))
	defer ts.Close()

	s := New(Config{URL: ts.URL, BackoffBase: time.Millisecond, MaxAttempts: 5}, func(events.Event) {})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return connections >= 2 && s.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, s.Attempts(), "a successful connect resets the failure count")

	cancel()
	<-done
}

func TestSuspendClosesActiveConnection(t *testing.T) {
	t.Parallel()

	serverSawClose := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(serverSawClose)
	}))
	defer ts.Close()

	s := New(Config{URL: ts.URL, BackoffBase: time.Millisecond, MaxAttempts: 5}, func(events.Event) {})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return s.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	s.Suspend()

	assert.Equal(t, StateDisconnected, s.State(), "suspend must not leave the machine connected")
	select {
	case <-serverSawClose:
	case <-time.After(2 * time.Second):
		t.Fatal("suspend did not close the active transport")
	}

	s.Resume()
	require.Eventually(t, func() bool {
		return s.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestResumeInterruptsBackoffWait(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	connections := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		connections++
		n := connections
		mu.Unlock()

		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer ts.Close()

	// A backoff long enough that only an interrupt can explain a prompt reconnect.
	s := New(Config{URL: ts.URL, BackoffBase: time.Hour, MaxAttempts: 5}, func(events.Event) {})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return s.State() == StateDisconnected
	}, 2*time.Second, 10*time.Millisecond)

	s.Resume()
	require.Eventually(t, func() bool {
		return s.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestSubscriberSuspendResume(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	connections := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		connections++
		mu.Unlock()
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer ts.Close()

	s := New(Config{URL: ts.URL, BackoffBase: time.Millisecond, MaxAttempts: 5}, func(events.Event) {})
	s.Suspend()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	assert.Zero(t, connections, "no connections while suspended")
	mu.Unlock()

	s.Resume()
	require.Eventually(t, func() bool {
		return s.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
