// Package wsevents is the per-endpoint WebSocket event channel: a
// publish-subscribe hub keyed by endpoint id, used by internal/sync to
// broadcast operation lifecycle and progress events.
package wsevents

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pacsync/server/infrastructure/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 30 * time.Second
	pingPeriod     = (pongWait * 8) / 10
	maxMessageSize = 4096
	outboxSize     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Event is the envelope pushed to subscribers.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// subscriber is one open WebSocket connection for a given endpoint.
type subscriber struct {
	conn   *websocket.Conn
	outbox chan []byte
}

// Hub tracks the subscriber multiset per endpoint id and does best-effort
// broadcast: a subscriber whose outbox is full, or whose send fails, is
// dropped rather than allowed to block the rest.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[*subscriber]struct{}
	logger      *logging.Logger
}

// NewHub builds an empty Hub.
func NewHub(logger *logging.Logger) *Hub {
	return &Hub{
		subscribers: make(map[string]map[*subscriber]struct{}),
		logger:      logger,
	}
}

// Broadcast implements internal/sync.Broadcaster: it fans a typed event out
// to every subscriber currently registered for an endpoint.
func (h *Hub) Broadcast(endpointID string, eventType string, payload interface{}) {
	data, err := json.Marshal(Event{Type: eventType, Data: payload})
	if err != nil {
		return
	}

	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subscribers[endpointID]))
	for s := range h.subscribers[endpointID] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.outbox <- data:
		default:
			h.remove(endpointID, s)
			s.conn.Close()
		}
	}
}

func (h *Hub) add(endpointID string, s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscribers[endpointID] == nil {
		h.subscribers[endpointID] = make(map[*subscriber]struct{})
	}
	h.subscribers[endpointID][s] = struct{}{}
}

func (h *Hub) remove(endpointID string, s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscribers[endpointID], s)
	if len(h.subscribers[endpointID]) == 0 {
		delete(h.subscribers, endpointID)
	}
}

// ServeWS upgrades the request to a WebSocket and runs the connection's
// read/write pumps until it disconnects. endpointID is the path segment
// the caller has already authorized.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, endpointID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.logger != nil {
			h.logger.WithContext(r.Context()).WithError(err).Error("websocket upgrade failed")
		}
		return
	}

	s := &subscriber{conn: conn, outbox: make(chan []byte, outboxSize)}
	h.add(endpointID, s)

	done := make(chan struct{})
	go h.writePump(s, done)
	h.readPump(s, endpointID, done)
}

func (h *Hub) readPump(s *subscriber, endpointID string, done chan struct{}) {
	defer func() {
		h.remove(endpointID, s)
		close(done)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		h.handleClientMessage(s, msg)
	}
}

// clientMessage is the shape of inbound keepalive/query frames.
type clientMessage struct {
	Type string `json:"type"`
}

func (h *Hub) handleClientMessage(s *subscriber, raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	switch msg.Type {
	case "ping":
		data, _ := json.Marshal(Event{Type: "pong"})
		select {
		case s.outbox <- data:
		default:
		}
	case "get_status":
		// Status is pushed by the sync coordinator on every transition;
		// an explicit query gets an immediate pong-style acknowledgement
		// since there is no cheap synchronous snapshot to attach here.
		data, _ := json.Marshal(Event{Type: "get_status_ack"})
		select {
		case s.outbox <- data:
		default:
		}
	}
}

func (h *Hub) writePump(s *subscriber, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-s.outbox:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
