package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bitforward/forward-engine/internal/metrics"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsWriteWait  = 5 * time.Second
	wsQueueSize  = 64
)

// subscriber is one websocket connection. A nil types set receives every
// event.
type subscriber struct {
	conn  *websocket.Conn
	send  chan []byte
	types map[Type]bool
	once  sync.Once
}

func (s *subscriber) wants(t Type) bool {
	return s.types == nil || s.types[t]
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.send)
		s.conn.Close()
	})
}

// WSHub fans lifecycle events out to websocket subscribers. Each subscriber
// has its own queue, so one slow client only loses its own events.
type WSHub struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
	done chan struct{}
}

// NewWSHub creates an empty hub.
func NewWSHub() *WSHub {
	return &WSHub{
		subs: make(map[*subscriber]struct{}),
		done: make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled, then disconnects every subscriber.
// Subscriptions arriving afterwards are refused.
func (h *WSHub) Run(ctx context.Context) {
	<-ctx.Done()
	h.mu.Lock()
	close(h.done)
	for s := range h.subs {
		delete(h.subs, s)
		s.close()
	}
	h.mu.Unlock()
	metrics.WebSocketClients.Set(0)
}

// Clients returns the number of connected subscribers.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish queues e for every subscriber that wants its type.
func (h *WSHub) Publish(_ context.Context, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("ws encode event", "type", e.Type, "err", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.send <- data:
		default:
			slog.Warn("ws subscriber queue full, dropping event",
				"type", e.Type, "contract_id", e.ContractID, "remote", s.conn.RemoteAddr().String())
		}
	}
}

func (h *WSHub) add(s *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return false
	default:
	}
	h.subs[s] = struct{}{}
	metrics.WebSocketClients.Set(float64(len(h.subs)))
	return true
}

func (h *WSHub) remove(s *subscriber) {
	h.mu.Lock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		s.close()
	}
	n := len(h.subs)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS upgrades GET /api/v1/ws. The optional types query parameter is a
// comma-separated list of event types to receive, e.g.
// ?types=contract.closed,price.updated.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	s := &subscriber{
		conn:  conn,
		send:  make(chan []byte, wsQueueSize),
		types: parseTypes(r.URL.Query().Get("types")),
	}
	if !h.add(s) {
		conn.Close()
		return
	}
	slog.Info("ws subscriber connected", "remote", conn.RemoteAddr().String(), "total", h.Clients())

	go h.writePump(s)
	go h.readPump(s)
}

// readPump discards client frames and detects disconnects.
func (h *WSHub) readPump(s *subscriber) {
	defer h.remove(s)
	s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer on the connection.
func (h *WSHub) writePump(s *subscriber) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		h.remove(s)
	}()
	for {
		select {
		case msg, ok := <-s.send:
			if !ok {
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func parseTypes(q string) map[Type]bool {
	if q == "" {
		return nil
	}
	types := make(map[Type]bool)
	for _, t := range strings.Split(q, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types[Type(t)] = true
		}
	}
	if len(types) == 0 {
		return nil
	}
	return types
}
