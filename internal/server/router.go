// Package server wires the relay's HTTP surface: the sync socket endpoint,
// room introspection, health, and metrics.
package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/polished-app/realtime-collab/internal/room"
)

var (
	errMissingRegistry    = errors.New("room registry dependency required")
	errMissingSyncHandler = errors.New("sync handler dependency required")
)

// SyncHandler serves the collaborative socket endpoint.
type SyncHandler interface {
	Serve(ginContext *gin.Context)
}

// Dependencies carries everything the HTTP surface needs.
type Dependencies struct {
	Registry    *room.Registry
	SyncHandler SyncHandler
	Gatherer    prometheus.Gatherer
	Logger      *zap.Logger
}

// NewHTTPHandler builds the relay's router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if deps.SyncHandler == nil {
		return nil, errMissingSyncHandler
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{registry: deps.Registry, logger: logger}

	router.GET("/collab", deps.SyncHandler.Serve)
	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	router.GET("/rooms", handler.handleRooms)
	router.GET("/rooms/count", handler.handleRoomCount)
	router.GET("/rooms/:name", handler.handleRoom)

	return router, nil
}

type httpHandler struct {
	registry *room.Registry
	logger   *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleRooms(c *gin.Context) {
	names := h.registry.Names()
	if names == nil {
		names = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"rooms": names})
}

func (h *httpHandler) handleRoomCount(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"count": h.registry.Count()})
}

func (h *httpHandler) handleRoom(c *gin.Context) {
	info, ok := h.registry.Snapshot(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room_not_found"})
		return
	}
	c.JSON(http.StatusOK, info)
}
