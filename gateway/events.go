package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/BeaconWorks/beacon/models"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second // Time allowed to read the next message or pong from the peer.
	pingPeriod     = 30 * time.Second // Liveness ping interval. Must be less than pongWait.
	maxMessageSize = 512              // Maximum message size allowed from peer.
)

// A session is one live realtime subscriber: the connection plus the
// bounded outbound queue its writer drains.
type session struct {
	id   string
	conn *websocket.Conn
	// Buffered channel of outbound frames. Closed exactly once, by the hub.
	send chan []byte
	core *Core
	// The API key that authenticated the connection.
	key string
}

// eventsHandler serves the realtime surface: GET upgrades to a
// subscription, POST publishes an event into the hub.
func (c *Core) eventsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		c.eventSubscribeHandler(w, r)
	case http.MethodPost:
		c.eventPublishHandler(w, r)
	default:
		c.writeError(w, http.StatusMethodNotAllowed, models.ErrCodeBadRequest, "method not allowed")
	}
}

func (c *Core) eventSubscribeHandler(w http.ResponseWriter, r *http.Request) {
	rec, ok := recordFromContext(r.Context())
	if !ok {
		c.writeError(w, http.StatusUnauthorized, models.ErrCodeInvalidKey, "no authenticated caller")
		return
	}

	if c.hub.Clients() >= c.cfg.Sessions.MaxConnections {
		c.logger.Warn("Max realtime connections reached, rejecting", "max", c.cfg.Sessions.MaxConnections)
		c.writeError(w, http.StatusServiceUnavailable, models.ErrCodeInternal, "too many connections")
		return
	}

	conn, err := c.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own response.
		c.logger.Error("Failed to upgrade realtime connection", "error", err)
		return
	}

	s := &session{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, c.cfg.Sessions.ClientQueueSize),
		core: c,
		key:  rec.Key,
	}

	if !c.hub.Register(s) {
		conn.Close()
		return
	}
	c.logger.Info("Realtime connection upgraded", "session_id", s.id, "remote_addr", conn.RemoteAddr().String())

	go s.writePump()
	go s.readPump()
}

func (c *Core) eventPublishHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req models.EventPublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		c.writeError(w, http.StatusBadRequest, models.ErrCodeBadRequest, "invalid JSON payload: "+err.Error())
		return
	}
	if req.Type == "" {
		c.writeError(w, http.StatusBadRequest, models.ErrCodeBadRequest, "event type must be set")
		return
	}

	// Best effort by contract: a full hub drops the event rather than
	// making the publisher wait, and the publisher is not told.
	c.hub.Publish(models.Event{
		Type:    req.Type,
		Payload: req.Payload,
		Meta:    req.Meta,
	})

	w.WriteHeader(http.StatusAccepted)
}

// readPump enforces liveness. There is at most one reader per
// connection; every received frame, pongs included, pushes the read
// deadline out. Deadline expiry or any read error tears the session down.
func (s *session) readPump() {
	defer func() {
		s.core.hub.Unregister(s)
		s.conn.Close()
		s.core.logger.Info("Realtime reader finished", "session_id", s.id)
	}()
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))

	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.core.logger.Error("Realtime read error", "session_id", s.id, "error", err)
			}
			return
		}
		// Inbound frames are liveness signals only.
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

// writePump drains the outbound queue and keeps the peer alive with
// periodic pings. There is at most one writer per connection.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the queue: evicted or shutting down.
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.core.logger.Error("Realtime write error", "session_id", s.id, "error", err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.core.logger.Error("Realtime ping write error", "session_id", s.id, "error", err)
				return
			}
		}
	}
}
