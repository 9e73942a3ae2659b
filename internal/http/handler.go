package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"gate-controller/internal/access"
	"gate-controller/internal/config"
	"gate-controller/internal/ingest"
	"gate-controller/internal/odoo"
	"gate-controller/internal/queue"
	"gate-controller/internal/realtime"
	"gate-controller/internal/relay"
	"gate-controller/internal/remotesync"
	"gate-controller/internal/service"
)

type Handler struct {
	gate       *service.GateService
	normalizer *ingest.Normalizer
	relays     *relay.Controller
	odoo       *odoo.Client
	sync       *remotesync.Engine
	queue      *queue.Queue
	hub        *realtime.Hub
	config     *config.Config
	log        zerolog.Logger
}

type Deps struct {
	Gate       *service.GateService
	Normalizer *ingest.Normalizer
	Relays     *relay.Controller
	Odoo       *odoo.Client
	Sync       *remotesync.Engine
	Queue      *queue.Queue
	Hub        *realtime.Hub
}

func NewHandler(deps Deps, cfg *config.Config, log zerolog.Logger) *Handler {
	return &Handler{
		gate:       deps.Gate,
		normalizer: deps.Normalizer,
		relays:     deps.Relays,
		odoo:       deps.Odoo,
		sync:       deps.Sync,
		queue:      deps.Queue,
		hub:        deps.Hub,
		config:     cfg,
		log:        log,
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	// Cameras authenticate by reg code, so feeds and heartbeats stay open.
	for _, path := range []string{"/hikfeed", "/hikfeedv2", "/hikfeed/:code/:password", "/hikfeedv2/:code/:password"} {
		r.GET(path, h.cameraFeed)
		r.POST(path, h.cameraFeed)
	}
	r.POST("/api/anpr/generic", h.genericEvent)
	r.GET("/api/anpr/test", h.testEvent)
	r.POST("/api/anpr/test", h.testEvent)
	r.GET("/api/anpr/heartbeat", h.heartbeat)
	r.POST("/api/anpr/heartbeat", h.heartbeat)
	r.GET("/api/anpr/heartbeat/:reg_code", h.heartbeat)
	r.POST("/api/anpr/heartbeat/:reg_code", h.heartbeat)

	r.GET("/ws", h.websocket)
	r.Static("/images", h.config.Storage.ImagesDir)

	protected := r.Group("/api")
	protected.Use(authMiddleware)
	{
		protected.GET("/relay/status", h.relayStatus)
		protected.POST("/relay/test", h.relayTest)
		protected.GET("/relay/:channel/:action", h.relayAction)
		protected.POST("/relay/:channel/:action", h.relayAction)

		protected.POST("/auth/login", h.login)
		protected.POST("/auth/logout", h.logout)
		protected.GET("/auth/status", h.authStatus)

		protected.POST("/sync/now", h.syncNow)
		protected.GET("/sync/status", h.syncStatus)
		protected.GET("/sync/test", h.syncTest)
		protected.GET("/queue", h.listQueue)

		protected.POST("/access/grant", h.manualGrant)
		protected.GET("/access/check/:plate", h.checkPlate)
		protected.GET("/access/logs", h.recentLogs)
		protected.GET("/access/stats", h.stats)

		protected.GET("/cameras", h.listCameras)
		protected.PUT("/cameras/:reg_code/relays", h.setCameraRelays)

		protected.GET("/barriers", h.listBarriers)
		protected.POST("/barriers", h.createBarrier)

		protected.GET("/blacklist", h.listBlacklist)
		protected.POST("/blacklist", h.addBlacklist)
		protected.DELETE("/blacklist/:id", h.removeBlacklist)
	}
}

func (h *Handler) websocket(c *gin.Context) {
	h.hub.ServeWS(c.Writer, c.Request)
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, ingest.ErrNoPlateDetected),
		errors.Is(err, access.ErrInvalidPlate),
		errors.Is(err, relay.ErrInvalidChannel):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	case errors.Is(err, odoo.ErrNotAuthenticated), errors.Is(err, odoo.ErrNotConfigured):
		c.JSON(http.StatusUnauthorized, errorResponse(err.Error()))
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse(err.Error()))
	}
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"success": true,
		"data":    data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"success": false,
		"error":   message,
	}
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(s)
}

func queryLimit(c *gin.Context, def int) int {
	if l := c.Query("limit"); l != "" {
		if parsed, err := parseInt(l); err == nil && parsed > 0 {
			return parsed
		}
	}
	return def
}
