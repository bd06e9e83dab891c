package ws

import (
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/manpreetbhatti/codeshare/internal/ratelimit"
	"github.com/manpreetbhatti/codeshare/internal/room"
)

type Config struct {
	MessagesPerSecond    float64
	MessageBurst         int
	ConnectionsPerMinute float64 // per remote host
	ConnectionBurst      int
	MaxMessageSize       int64
	SendBuffer           int
}

func DefaultConfig() Config {
	return Config{
		MessagesPerSecond:    100,
		MessageBurst:         200,
		ConnectionsPerMinute: 60,
		ConnectionBurst:      20,
		MaxMessageSize:       2 * 1024 * 1024,
		SendBuffer:           512,
	}
}

// Hub tracks live connections and hands their traffic to the room registry.
// It holds no room state itself.
type Hub struct {
	registry  *room.Registry
	config    Config
	admission *ratelimit.KeyedLimiters
	logger    *slog.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}
	closed  bool
	wg      sync.WaitGroup // one per running readPump
}

func NewHub(registry *room.Registry, config Config, logger *slog.Logger) *Hub {
	def := DefaultConfig()
	if config.MessagesPerSecond <= 0 {
		config.MessagesPerSecond = def.MessagesPerSecond
	}
	if config.MessageBurst <= 0 {
		config.MessageBurst = def.MessageBurst
	}
	if config.ConnectionsPerMinute <= 0 {
		config.ConnectionsPerMinute = def.ConnectionsPerMinute
	}
	if config.ConnectionBurst <= 0 {
		config.ConnectionBurst = def.ConnectionBurst
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = def.MaxMessageSize
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = def.SendBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		registry:  registry,
		config:    config,
		admission: ratelimit.NewKeyedLimiters(config.ConnectionsPerMinute/60, config.ConnectionBurst),
		logger:    logger,
		clients:   make(map[*Client]struct{}),
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ServeWs(h, w, r)
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.wg.Add(1)
	h.logger.Debug("client connected", "client", c.id, "total", len(h.clients))
	return true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		h.logger.Debug("client disconnected", "client", c.id, "remaining", len(h.clients))
	}
}

func (h *Hub) admit(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return h.admission.Allow(host)
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and waits until their rooms have seen the
// leaves.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.shutdown()
	}
	h.wg.Wait()
	h.admission.Stop()
}
