package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"curvemarket/core/events"
	"curvemarket/core/types"
)

const wsWriteTimeout = 10 * time.Second

type attributed interface {
	Event() *types.Event
}

// Hub fans engine events out to websocket subscribers. Emit runs on the
// trading hot path, so it never blocks: a subscriber that falls behind its
// buffer loses events instead of stalling trades.
type Hub struct {
	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan []byte]struct{})}
}

// Emit implements events.Emitter.
func (h *Hub) Emit(evt events.Event) {
	if h == nil || evt == nil {
		return
	}
	wire := &types.Event{Type: evt.EventType()}
	if a, ok := evt.(attributed); ok {
		if e := a.Event(); e != nil {
			wire = e
		}
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return
	}
	h.mu.Lock()
	for sub := range h.subs {
		select {
		case sub <- data:
		default:
		}
	}
	h.mu.Unlock()
}

func (h *Hub) subscribe() chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	sub := s.hub.subscribe()
	defer s.hub.unsubscribe(sub)
	for {
		select {
		case <-r.Context().Done():
			return
		case data := <-sub:
			if err := writeEvent(r.Context(), conn, data); err != nil {
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
