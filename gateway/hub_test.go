package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/BeaconWorks/beacon/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T, buffer int) (*Hub, context.CancelFunc) {
	t.Helper()
	h := NewHub(slog.New(slog.NewTextHandler(os.Stderr, nil)), buffer)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h, cancel
}

func newTestSession(id string, queueSize int) *session {
	return &session{id: id, send: make(chan []byte, queueSize)}
}

func waitForClients(t *testing.T, h *Hub, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.Clients() == want },
		time.Second, 5*time.Millisecond, "hub never reached %d clients", want)
}

func recvEvent(t *testing.T, s *session) models.Event {
	t.Helper()
	select {
	case frame, ok := <-s.send:
		require.True(t, ok, "send channel closed while expecting a frame")
		var event models.Event
		require.NoError(t, json.Unmarshal(frame, &event))
		return event
	case <-time.After(time.Second):
		t.Fatalf("session %s received nothing", s.id)
		return models.Event{}
	}
}

func TestBroadcastFanOut(t *testing.T) {
	h, _ := newTestHub(t, 128)

	sessions := []*session{
		newTestSession("c1", 32),
		newTestSession("c2", 32),
		newTestSession("c3", 32),
	}
	for _, s := range sessions {
		require.True(t, h.Register(s))
	}
	waitForClients(t, h, 3)

	for _, typ := range []string{"first", "second", "third"} {
		require.True(t, h.Publish(models.Event{Type: typ, Payload: map[string]any{}}))
	}

	// every client sees every event, in publish order
	for _, s := range sessions {
		for _, want := range []string{"first", "second", "third"} {
			event := recvEvent(t, s)
			assert.Equal(t, want, event.Type)
			assert.False(t, event.Timestamp.IsZero())
		}
	}
}

func TestSlowConsumerEvicted(t *testing.T) {
	h, _ := newTestHub(t, 128)

	c1 := newTestSession("c1", 32)
	c2 := newTestSession("c2", 1)
	c3 := newTestSession("c3", 32)
	for _, s := range []*session{c1, c2, c3} {
		require.True(t, h.Register(s))
	}
	waitForClients(t, h, 3)

	// fill c2's queue so the next dispatch cannot enqueue
	c2.send <- []byte("{}")

	require.True(t, h.Publish(models.Event{Type: "ping_test", Payload: map[string]any{}}))

	assert.Equal(t, "ping_test", recvEvent(t, c1).Type)
	assert.Equal(t, "ping_test", recvEvent(t, c3).Type)
	waitForClients(t, h, 2)

	// c2's queue was closed by the hub; drain the stale frame, then
	// observe the close
	<-c2.send
	_, open := <-c2.send
	assert.False(t, open, "evicted session's queue should be closed")
}

func TestUnregisterIsIdempotent(t *testing.T) {
	h, _ := newTestHub(t, 8)

	s := newTestSession("c1", 8)
	require.True(t, h.Register(s))
	waitForClients(t, h, 1)

	h.Unregister(s)
	h.Unregister(s) // second removal must be a no-op, not a double close
	waitForClients(t, h, 0)

	require.True(t, h.Publish(models.Event{Type: "after", Payload: map[string]any{}}))
	_, open := <-s.send
	assert.False(t, open)
}

func TestPublishDropsWhenFull(t *testing.T) {
	// no Run goroutine: nothing drains the broadcast channel
	h := NewHub(slog.New(slog.NewTextHandler(os.Stderr, nil)), 2)

	assert.True(t, h.Publish(models.Event{Type: "a"}))
	assert.True(t, h.Publish(models.Event{Type: "b"}))
	assert.False(t, h.Publish(models.Event{Type: "c"}), "publish against a full hub must drop, not block")
}

func TestShutdownClosesAllSessions(t *testing.T) {
	h, cancel := newTestHub(t, 8)

	c1 := newTestSession("c1", 8)
	c2 := newTestSession("c2", 8)
	require.True(t, h.Register(c1))
	require.True(t, h.Register(c2))
	waitForClients(t, h, 2)

	cancel()

	for _, s := range []*session{c1, c2} {
		select {
		case _, open := <-s.send:
			assert.False(t, open)
		case <-time.After(time.Second):
			t.Fatalf("session %s queue not closed on shutdown", s.id)
		}
	}

	// the loop is gone; registration must fail rather than hang
	assert.False(t, h.Register(newTestSession("late", 8)))
	h.Unregister(c1) // must not block either
}
