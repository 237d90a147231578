package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for audio chunks

	// Outbound queue per client.
	sendBufferSize = 256
)

// SessionMetrics records session lifecycle
type SessionMetrics interface {
	SessionOpened(provider string)
	SessionClosed(provider string, closeCode int, start time.Time)
}

type nopSessionMetrics struct{}

func (nopSessionMetrics) SessionOpened(string)                 {}
func (nopSessionMetrics) SessionClosed(string, int, time.Time) {}

// HubConfig configures the downstream gateway
type HubConfig struct {
	// AllowedOrigins lists accepted Origin headers. "*" or an empty list
	// accepts every origin.
	AllowedOrigins []string
}

// Hub maintains the set of active clients keyed by connect ID.
type Hub struct {
	// Registered clients.
	clients map[string]*Client

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Closed when the hub stops.
	quit     chan struct{}
	quitOnce sync.Once

	// Mutex for thread-safe access to clients map
	mu sync.RWMutex

	upgrader websocket.Upgrader
	metrics  SessionMetrics
	logger   *zap.Logger
}

// NewHub creates a new WebSocket hub. metrics may be nil.
func NewHub(cfg HubConfig, metrics SessionMetrics, logger *zap.Logger) *Hub {
	if metrics == nil {
		metrics = nopSessionMetrics{}
	}

	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		metrics: metrics,
		logger:  logger,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[origin] = struct{}{}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Run starts the hub's main loop. It returns after Shutdown.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.connectID] = client
			h.mu.Unlock()
			h.metrics.SessionOpened(client.provider)
			h.logger.Info("Client registered", zap.String("connectID", client.connectID))

		case client := <-h.unregister:
			h.remove(client)

		case <-h.quit:
			return
		}
	}
}

func (h *Hub) add(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.quit:
		return false
	}
}

func (h *Hub) release(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.quit:
		h.remove(client)
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client.connectID]
	if ok {
		delete(h.clients, client.connectID)
	}
	h.mu.Unlock()

	if ok {
		h.metrics.SessionClosed(client.provider, client.CloseCode(), client.session.CreatedAt)
		h.logger.Info("Client unregistered",
			zap.String("connectID", client.connectID),
			zap.Int("closeCode", client.CloseCode()))
	}
}

// ActiveSessions returns the number of registered clients
func (h *Hub) ActiveSessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every client with 1001 and waits for them to unregister or
// for ctx to expire. The hub stops accepting sessions afterwards.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	h.logger.Info("Closing active sessions", zap.Int("count", len(clients)))
	for _, c := range clients {
		c.closeWith(websocket.CloseGoingAway, "Server shutting down")
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	var err error
wait:
	for h.ActiveSessions() > 0 {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break wait
		case <-ticker.C:
		}
	}

	h.quitOnce.Do(func() { close(h.quit) })
	return err
}
