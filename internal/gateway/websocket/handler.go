package websocket

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/winfunc/opcode-sub004/internal/common/logger"
	"github.com/winfunc/opcode-sub004/internal/events/bus"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades HTTP requests and tracks live clients.
type Handler struct {
	bus    bus.EventBus
	logger *logger.Logger

	mu      sync.Mutex
	clients map[string]*Client
}

func NewHandler(eventBus bus.EventBus, log *logger.Logger) *Handler {
	return &Handler{
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "ws_handler")),
		clients: make(map[string]*Client),
	}
}

// RegisterRoutes mounts the event stream endpoint.
func RegisterRoutes(router *gin.Engine, h *Handler) {
	router.GET("/ws", h.HandleConnection)
}

// HandleConnection upgrades HTTP to WebSocket and serves the client until it
// disconnects.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	client := NewClient("ws-"+uuid.NewString(), conn, h.bus, h.logger)
	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.clients, client.ID)
		h.mu.Unlock()
	}()

	h.logger.Debug("Stream client connected",
		zap.String("client_id", client.ID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	go client.WritePump()
	client.ReadPump(c.Request.Context())
	h.logger.Debug("Stream client disconnected", zap.String("client_id", client.ID))
}

// ClientCount returns the number of connected clients.
func (h *Handler) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// CloseAll disconnects every client.
func (h *Handler) CloseAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
}
