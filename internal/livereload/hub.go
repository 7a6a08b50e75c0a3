// Package livereload pushes a reload message to open pages whenever a file
// under the served tree changes. It is only wired in development.
package livereload

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jikku/funnel-server/internal/logging"
	"github.com/jikku/funnel-server/internal/metrics"
)

// Path is where the live-reload script connects
const Path = "/__livereload"

// ReloadMessage tells a page to reload itself
const ReloadMessage = "reload"

const writeWait = 5 * time.Second

// Hub tracks connected pages and fans messages out to them
type Hub struct {
	logger   *logging.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
}

// NewHub creates a hub and starts its event loop. m may be nil.
func NewHub(logger *logging.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = logging.NewNop()
	}
	h := &Hub{
		logger:     logger.Named("livereload"),
		metrics:    m,
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 16),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	go h.run()
	return h
}

// checkOrigin accepts same-host pages, localhost and non-browser clients
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}

	reqHost := r.Host
	if i := strings.LastIndex(reqHost, ":"); i != -1 && !strings.HasSuffix(reqHost, "]") {
		reqHost = reqHost[:i]
	}
	if strings.EqualFold(host, strings.Trim(reqHost, "[]")) {
		return true
	}

	h.logger.Warn("rejected websocket origin", zap.String("origin", origin), zap.String("host", r.Host))
	return false
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			h.updateGauge()
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.updateGauge()
			h.logger.Debug("client connected", zap.Int("clients", n))

		case conn := <-h.unregister:
			h.drop(conn)

		case message := <-h.broadcast:
			h.mu.RLock()
			conns := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				conns = append(conns, conn)
			}
			h.mu.RUnlock()

			for _, conn := range conns {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					h.drop(conn)
				}
			}
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[conn]
	if ok {
		delete(h.clients, conn)
		conn.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		h.updateGauge()
		h.logger.Debug("client disconnected", zap.Int("clients", n))
	}
}

func (h *Hub) updateGauge() {
	if h.metrics != nil {
		h.metrics.ReloadClients.Set(float64(h.ClientCount()))
	}
}

// Reload asks every connected page to reload
func (h *Hub) Reload() {
	h.Broadcast(ReloadMessage)
}

// Broadcast sends a message to all connected clients. It never blocks;
// when the queue is full the message is dropped.
func (h *Hub) Broadcast(message string) {
	select {
	case h.broadcast <- []byte(message):
	default:
		h.logger.Debug("broadcast queue full, dropping message")
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop closes every connection and ends the event loop
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// ServeHTTP upgrades the request to a websocket and registers it
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	// The server's read timeout would otherwise close idle pages.
	conn.SetReadDeadline(time.Time{})

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	// Pages never send anything; reading only detects the close.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
