package api

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomasvidal/vigia/internal/events"
)

func testHub(buffer int) *Hub {
	return NewHub(buffer, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHubBroadcastReachesAllSubscribers(t *testing.T) {
	t.Parallel()

	hub := testHub(8)
	_, ch1 := hub.Attach()
	_, ch2 := hub.Attach()

	hub.Broadcast(events.Event{Type: events.TypeEnriched, EventID: 1})

	for _, ch := range []<-chan events.Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, events.TypeEnriched, ev.Type)
			assert.Equal(t, int64(1), ev.EventID)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the broadcast")
		}
	}
}

func TestHubNoReplayForLateSubscribers(t *testing.T) {
	t.Parallel()

	hub := testHub(8)
	hub.Broadcast(events.Event{Type: events.TypeEnriched, EventID: 1})
	hub.Broadcast(events.Event{Type: events.TypeEnriched, EventID: 2})

	_, ch := hub.Attach()
	select {
	case ev := <-ch:
		t.Fatalf("late subscriber must not receive history, got %v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	hub.Broadcast(events.Event{Type: events.TypeEnriched, EventID: 3})
	select {
	case ev := <-ch:
		assert.Equal(t, int64(3), ev.EventID)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the live broadcast")
	}
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	t.Parallel()

	hub := testHub(2)
	_, slow := hub.Attach()
	_, healthy := hub.Attach()

	// Drain the healthy subscriber continuously; leave the slow one alone.
	drained := make(chan int, 1)
	go func() {
		n := 0
		for range healthy {
			n++
		}
		drained <- n
	}()

	// Overrun the slow subscriber's buffer.
	for i := 0; i < 4; i++ {
		hub.Broadcast(events.Event{Type: events.TypeEnriched, EventID: int64(i)})
		time.Sleep(5 * time.Millisecond)
	}

	assert.Equal(t, 1, hub.SubscriberCount(), "the slow subscriber is detached")

	// The slow channel is closed after its buffered events.
	received := 0
	for range slow {
		received++
	}
	assert.Equal(t, 2, received)

	hub.CloseAll()
	assert.Equal(t, 4, <-drained, "the healthy subscriber saw every broadcast")

	status := hub.Status()
	assert.Equal(t, uint64(1), status.Dropped)
}

func TestHubDetachIsIdempotent(t *testing.T) {
	t.Parallel()

	hub := testHub(4)
	id, _ := hub.Attach()
	hub.Detach(id)
	hub.Detach(id)
	assert.Equal(t, 0, hub.SubscriberCount())
}

func TestHubStatusBookkeeping(t *testing.T) {
	t.Parallel()

	hub := testHub(4)
	status := hub.Status()
	assert.Zero(t, status.Subscribers)
	assert.Nil(t, status.Oldest)

	hub.Attach()
	hub.Attach()
	hub.Broadcast(events.Event{Type: events.TypeHeartbeat})

	status = hub.Status()
	assert.Equal(t, 2, status.Subscribers)
	assert.Equal(t, uint64(1), status.Broadcasts)
	require.NotNil(t, status.Oldest)
	require.NotNil(t, status.Newest)
	assert.False(t, status.Newest.Before(*status.Oldest))
}

func TestHubCloseAll(t *testing.T) {
	t.Parallel()

	hub := testHub(4)
	_, ch := hub.Attach()
	hub.Attach()

	hub.CloseAll()
	assert.Equal(t, 0, hub.SubscriberCount())

	_, open := <-ch
	assert.False(t, open, "subscriber channels are closed on shutdown")
}
