package hub

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Sink is the write side of one live connection. *websocket.Conn satisfies
// it; tests substitute an in-memory recorder.
type Sink interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Hub maps a visitor id to the set of its currently live sockets. A visitor
// may hold several simultaneous connections (tabs, devices). There is no
// queuing: a socket that is not open simply misses the event.
type Hub struct {
	mu       sync.Mutex
	visitors map[string]map[Sink]struct{}
	log      zerolog.Logger
}

func New(log zerolog.Logger) *Hub {
	return &Hub{
		visitors: make(map[string]map[Sink]struct{}),
		log:      log.With().Str("component", "hub").Logger(),
	}
}

func (h *Hub) Register(visitorID string, conn Sink) {
	if conn == nil {
		return
	}
	h.mu.Lock()
	set, ok := h.visitors[visitorID]
	if !ok {
		set = make(map[Sink]struct{})
		h.visitors[visitorID] = set
	}
	set[conn] = struct{}{}
	h.mu.Unlock()
}

// Deregister removes the socket; the visitor's set is dropped when it
// becomes empty.
func (h *Hub) Deregister(visitorID string, conn Sink) {
	h.mu.Lock()
	if set, ok := h.visitors[visitorID]; ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(h.visitors, visitorID)
		}
	}
	h.mu.Unlock()
}

// DeliverToVisitor serializes the event once and writes it to every open
// socket in the visitor's set. Sockets that fail the write are dropped.
func (h *Hub) DeliverToVisitor(visitorID string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.visitors[visitorID]
	for conn := range set {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.log.Warn().Err(err).Str("visitor_id", visitorID).Msg("ws write failed, dropping connection")
			delete(set, conn)
			_ = conn.Close()
		}
	}
	if len(set) == 0 {
		delete(h.visitors, visitorID)
	}
	return nil
}

// BroadcastAll writes the event to every open socket across all visitors
// (presence changes).
func (h *Hub) BroadcastAll(event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for visitorID, set := range h.visitors {
		for conn := range set {
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.log.Warn().Err(err).Str("visitor_id", visitorID).Msg("ws broadcast failed, dropping connection")
				delete(set, conn)
				_ = conn.Close()
			}
		}
		if len(set) == 0 {
			delete(h.visitors, visitorID)
		}
	}
	return nil
}

// CloseVisitor force-closes every socket of one visitor, used when a
// subject's sessions are revoked.
func (h *Hub) CloseVisitor(visitorID string, code int, reason string) {
	h.mu.Lock()
	set := h.visitors[visitorID]
	delete(h.visitors, visitorID)
	h.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	for conn := range set {
		_ = conn.WriteMessage(websocket.CloseMessage, msg)
		_ = conn.Close()
	}
}

// CountFor reports how many live sockets a visitor currently holds.
func (h *Hub) CountFor(visitorID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.visitors[visitorID])
}
