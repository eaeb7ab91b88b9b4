package http

import (
	"net/http"

	"roomcast/internal/core/domain"
	"roomcast/internal/core/ports"
	"roomcast/internal/infrastructure/monitoring"
	"roomcast/internal/infrastructure/signal"

	"github.com/gin-gonic/gin"
)

// RoomHandler exposes the room's read-only state and the signaling
// websocket endpoint.
type RoomHandler struct {
	registry ports.Registry
	signal   *signal.WebSocketServer
	health   *monitoring.HealthChecker
}

func NewRoomHandler(registry ports.Registry, ws *signal.WebSocketServer, health *monitoring.HealthChecker) *RoomHandler {
	return &RoomHandler{
		registry: registry,
		signal:   ws,
		health:   health,
	}
}

func (h *RoomHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/", h.Health)
	router.GET("/ready", h.Ready)
	router.GET("/ws", h.WebSocket)

	api := router.Group("/api/v1")
	{
		api.GET("/peers", h.ListPeers)
		api.GET("/producers", h.ListProducers)
	}
}

func (h *RoomHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"peers":  h.registry.PeerCount(),
	})
}

func (h *RoomHandler) Ready(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *RoomHandler) WebSocket(c *gin.Context) {
	h.signal.HandleWebSocket(c.Writer, c.Request)
}

func (h *RoomHandler) ListPeers(c *gin.Context) {
	peers := h.signal.ConnectedPeers()
	out := make([]gin.H, 0, len(peers))
	for _, id := range peers {
		name, _ := h.registry.PeerName(id)
		out = append(out, gin.H{"peerId": id, "name": name})
	}
	c.JSON(http.StatusOK, gin.H{"peers": out})
}

func (h *RoomHandler) ListProducers(c *gin.Context) {
	// An empty peer id excludes nothing, so this is the whole room.
	producers := h.registry.ListProducersExcluding(domain.PeerID(""))
	c.JSON(http.StatusOK, gin.H{"producers": producers})
}
