package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"SignalFlow/internal/domain/models"
	"SignalFlow/pkg/logger"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Hub broadcasts alerts to connected websocket subscribers.
type Hub struct {
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	sendBuffer   int
	logger       *logger.Logger

	mu      sync.RWMutex
	clients map[*subscriber]struct{}
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

type HubOption func(*Hub)

func WithWriteTimeout(d time.Duration) HubOption {
	return func(h *Hub) { h.writeTimeout = d }
}

func WithSendBuffer(n int) HubOption {
	return func(h *Hub) { h.sendBuffer = n }
}

func NewHub(l *logger.Logger, opts ...HubOption) *Hub {
	if l == nil {
		l = logger.NewNop()
	}
	h := &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		writeTimeout: 5 * time.Second,
		sendBuffer:   64,
		logger:       l,
		clients:      make(map[*subscriber]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Hub) Name() string { return ChannelWebsocket }

// ServeHTTP upgrades the request and registers the connection as a subscriber.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", logger.Error(err))
		return
	}
	s := &subscriber{conn: conn, send: make(chan []byte, h.sendBuffer), done: make(chan struct{})}
	h.mu.Lock()
	h.clients[s] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket subscriber connected", logger.Int("subscribers", n))

	go h.writePump(s)
	go h.readPump(s)
}

// Attempt queues the alert for every subscriber. Subscribers whose buffer is
// full are dropped. No subscribers is not an error.
func (h *Hub) Attempt(ctx context.Context, a *models.Alert) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("websocket: %w", err)
	}
	msg, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("websocket: marshal: %w", err)
	}

	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.clients))
	for s := range h.clients {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.send <- msg:
		case <-s.done:
		default:
			h.logger.Warn("websocket subscriber too slow, dropping")
			h.remove(s)
		}
	}
	return nil
}

// Clients returns the number of live subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.clients))
	for s := range h.clients {
		subs = append(subs, s)
	}
	h.mu.RUnlock()
	for _, s := range subs {
		h.remove(s)
	}
}

func (h *Hub) remove(s *subscriber) {
	s.once.Do(func() {
		h.mu.Lock()
		delete(h.clients, s)
		h.mu.Unlock()
		close(s.done)
		_ = s.conn.Close()
	})
}

func (h *Hub) writePump(s *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.remove(s)
	}()
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug("websocket write failed", logger.Error(err))
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client frames and detects disconnects.
func (h *Hub) readPump(s *subscriber) {
	defer h.remove(s)
	s.conn.SetReadLimit(1024)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}
