// Package feed streams prediction records to dashboards over WebSocket.
package feed

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

// Recorder receives subscriber counts and drops.
type Recorder interface {
	SubscribersSet(n int)
	SubscriberDropped()
}

type noopRecorder struct{}

func (noopRecorder) SubscribersSet(int) {}
func (noopRecorder) SubscriberDropped() {}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.send) })
}

// Hub fans out messages to WebSocket subscribers. A subscriber whose queue is full
// when a message arrives is disconnected instead of slowing the broadcaster down.
type Hub struct {
	upgrader websocket.Upgrader
	buffer   int
	rec      Recorder

	mu      sync.RWMutex
	clients map[*subscriber]struct{}
	closed  bool
}

// NewHub creates a hub that queues up to buffer messages per subscriber. rec may be nil.
func NewHub(buffer int, rec Recorder) *Hub {
	if buffer <= 0 {
		buffer = 1
	}
	if rec == nil {
		rec = noopRecorder{}
	}
	return &Hub{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		buffer:   buffer,
		rec:      rec,
		clients:  make(map[*subscriber]struct{}),
	}
}

// Len returns the number of connected subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(s *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[s] = struct{}{}
	h.rec.SubscribersSet(len(h.clients))
	return true
}

func (h *Hub) unregister(s *subscriber) {
	h.mu.Lock()
	_, ok := h.clients[s]
	delete(h.clients, s)
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		h.rec.SubscribersSet(n)
	}
	s.stop()
}

// Broadcast sends v as JSON to every subscriber.
func (h *Hub) Broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal feed message")
		return
	}

	var slow []*subscriber
	h.mu.RLock()
	for s := range h.clients {
		select {
		case s.send <- data:
		default:
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		log.Warn().Msg("Dropping slow feed subscriber")
		h.rec.SubscriberDropped()
		h.unregister(s)
	}
}

// ServeHTTP upgrades the request and streams messages until either side closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	s := &subscriber{conn: conn, send: make(chan []byte, h.buffer)}
	if !h.register(s) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		conn.Close()
		return
	}
	log.Debug().Str("remote", r.RemoteAddr).Msg("Feed subscriber connected")

	go h.writeLoop(s)

	// the read loop only notices the peer going away
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.unregister(s)
	log.Debug().Str("remote", r.RemoteAddr).Msg("Feed subscriber disconnected")
}

func (h *Hub) writeLoop(s *subscriber) {
	defer s.conn.Close()

	for msg := range s.send {
		s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.unregister(s)
			return
		}
	}
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*subscriber]struct{})
	h.mu.Unlock()

	for s := range clients {
		s.stop()
	}
	h.rec.SubscribersSet(0)
}
