package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/BeaconWorks/beacon/models"
)

/*
	The hub is the authoritative registry of live sessions. All mutation
	of the session set happens on one goroutine: Run consumes register,
	unregister and broadcast messages sequentially, which gives a total
	order over those operations without a lock. Nothing outside this file
	may touch h.sessions.
*/

type Hub struct {
	logger *slog.Logger

	register   chan *session
	unregister chan *session
	broadcast  chan models.Event

	// Owned exclusively by the Run goroutine.
	sessions map[*session]struct{}

	// Closed when Run exits so producers never block on a dead loop.
	done chan struct{}

	active atomic.Int32
}

func NewHub(logger *slog.Logger, broadcastBuffer int) *Hub {
	return &Hub{
		logger:     logger,
		register:   make(chan *session),
		unregister: make(chan *session),
		broadcast:  make(chan models.Event, broadcastBuffer),
		sessions:   make(map[*session]struct{}),
		done:       make(chan struct{}),
	}
}

// Run processes hub messages until the context is cancelled, then closes
// every session exactly once and exits.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for s := range h.sessions {
				h.remove(s, "shutdown")
			}
			h.logger.Info("Hub stopped")
			return

		case s := <-h.register:
			h.sessions[s] = struct{}{}
			h.active.Store(int32(len(h.sessions)))
			h.logger.Info("Session registered", "session_id", s.id, "active", len(h.sessions))

		case s := <-h.unregister:
			h.remove(s, "disconnect")

		case event := <-h.broadcast:
			h.dispatch(event)
		}
	}
}

// remove is idempotent: a session not in the set is a no-op, and the
// membership check is what guarantees the send channel closes once.
func (h *Hub) remove(s *session, reason string) {
	if _, ok := h.sessions[s]; !ok {
		return
	}
	delete(h.sessions, s)
	close(s.send)
	h.active.Store(int32(len(h.sessions)))
	h.logger.Info("Session removed", "session_id", s.id, "reason", reason, "active", len(h.sessions))
}

// dispatch fans an event out to every registered session without ever
// blocking. A session whose queue is full is not draining its writer;
// it is evicted on the spot so one slow consumer cannot hold up the
// broadcast cycle for everyone else.
func (h *Hub) dispatch(event models.Event) {
	frame, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to marshal event for dispatch", "type", event.Type, "error", err)
		return
	}

	for s := range h.sessions {
		select {
		case s.send <- frame:
		default:
			h.logger.Warn("Evicting slow consumer", "session_id", s.id, "type", event.Type)
			h.remove(s, "slow consumer")
		}
	}
}

// Register hands a session to the hub loop. Returns false if the hub has
// already stopped, in which case the caller owns the connection.
func (h *Hub) Register(s *session) bool {
	select {
	case h.register <- s:
		return true
	case <-h.done:
		return false
	}
}

// Unregister is safe to call any number of times for the same session
// and safe to call after the hub has stopped.
func (h *Hub) Unregister(s *session) {
	select {
	case h.unregister <- s:
	case <-h.done:
	}
}

// Publish queues an event for fan-out. It never blocks: when the
// broadcast buffer is full the event is dropped, logged, and false is
// returned. The timestamp is stamped here if the publisher left it zero.
func (h *Hub) Publish(event models.Event) bool {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case h.broadcast <- event:
		return true
	case <-h.done:
		return false
	default:
		h.logger.Warn("Broadcast channel full, event dropped", "type", event.Type)
		return false
	}
}

// Clients reports the number of currently registered sessions.
func (h *Hub) Clients() int {
	return int(h.active.Load())
}
