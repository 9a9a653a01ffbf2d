package http

import (
	"net/http"
	"strings"
	"time"

	"ridercomm/internal/core/domain"
	"ridercomm/internal/infrastructure/monitoring"
	"ridercomm/internal/infrastructure/netinfo"
	apperrors "ridercomm/pkg/errors"
	"ridercomm/pkg/validation"

	"github.com/gin-gonic/gin"
)

// RoomDirectory is the read side of the relay.
type RoomDirectory interface {
	Rooms() []domain.RoomSummary
	Members(room domain.RoomID) []domain.ConnectionID
	Stats() domain.RelayStats
}

type SignalHandler struct {
	rooms    RoomDirectory
	ws       http.HandlerFunc
	resolver *netinfo.Resolver
	health   *monitoring.HealthChecker
	metrics  http.Handler
}

// NewSignalHandler wires the relay's HTTP surface. health and metrics may
// be nil.
func NewSignalHandler(
	rooms RoomDirectory,
	ws http.HandlerFunc,
	resolver *netinfo.Resolver,
	health *monitoring.HealthChecker,
	metrics http.Handler,
) *SignalHandler {
	return &SignalHandler{
		rooms:    rooms,
		ws:       ws,
		resolver: resolver,
		health:   health,
		metrics:  metrics,
	}
}

// SetupRoutes registers the routes. wsPath and metricsPath come from config.
func (h *SignalHandler) SetupRoutes(router *gin.Engine, wsPath, metricsPath string) {
	router.GET(wsPath, gin.WrapF(h.ws))
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	if h.metrics != nil {
		router.GET(metricsPath, gin.WrapH(h.metrics))
	}

	api := router.Group("/api")
	{
		api.GET("/ip", h.GetIP)
		api.GET("/rooms", h.ListRooms)
		api.GET("/rooms/:id", h.GetRoom)
	}
}

// GetIP reports every address riders can use to reach this relay.
func (h *SignalHandler) GetIP(c *gin.Context) {
	addrs := h.resolver.Resolve()

	accessedVia := "network"
	if host := c.Request.Host; strings.Contains(host, "localhost") || strings.Contains(host, "127.0.0.1") {
		accessedVia = "localhost"
	}

	c.JSON(http.StatusOK, gin.H{
		"primary":     addrs.Primary,
		"all":         addrs.All,
		"port":        addrs.Port,
		"url":         addrs.URL,
		"urls":        addrs.URLs,
		"accessedVia": accessedVia,
		"networkIPs":  addrs.NetworkIPs,
	})
}

func (h *SignalHandler) ListRooms(c *gin.Context) {
	stats := h.rooms.Stats()
	c.JSON(http.StatusOK, gin.H{
		"rooms":       h.rooms.Rooms(),
		"connections": stats.Connections,
		"members":     stats.Members,
	})
}

func (h *SignalHandler) GetRoom(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if err := validation.ValidateRoomCode(id); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()).WithContext("room_id", id))
		return
	}
	room := domain.RoomID(id)

	members := h.rooms.Members(room)
	if len(members) == 0 {
		c.Error(apperrors.NewNotFoundError("room").WithContext("room_id", room))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"roomId":  room,
		"members": members,
	})
}

// Health is liveness: the process is up and the relay answers.
func (h *SignalHandler) Health(c *gin.Context) {
	stats := h.rooms.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":      monitoring.StatusHealthy,
		"timestamp":   time.Now().Unix(),
		"connections": stats.Connections,
		"rooms":       stats.Rooms,
	})
}

// Ready runs the registered dependency checks.
func (h *SignalHandler) Ready(c *gin.Context) {
	if h.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": monitoring.StatusHealthy})
		return
	}

	status := h.health.GetReadinessStatus(c.Request.Context())
	code := http.StatusOK
	if status.Status != monitoring.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
