package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type loginRequest struct {
	URL      string `json:"url" binding:"required"`
	DB       string `json:"db"`
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	res, err := h.odoo.Login(c.Request.Context(), req.URL, req.DB, req.Username, req.Password)
	if err != nil {
		h.log.Warn().Err(err).Str("url", req.URL).Str("username", req.Username).Msg("remote login failed")
		c.JSON(http.StatusUnauthorized, errorResponse(err.Error()))
		return
	}
	// The loop outlives the request.
	h.sync.Start(context.Background())
	c.JSON(http.StatusOK, successResponse(res))
}

// logout leaves the sync loop running; it skips ticks until the next login.
func (h *Handler) logout(c *gin.Context) {
	if err := h.odoo.Logout(c.Request.Context()); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(nil))
}

func (h *Handler) authStatus(c *gin.Context) {
	c.JSON(http.StatusOK, successResponse(h.odoo.Status(c.Request.Context())))
}

func (h *Handler) syncNow(c *gin.Context) {
	res, err := h.sync.ForceSync(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": res.OK(), "data": res})
}

func (h *Handler) syncStatus(c *gin.Context) {
	c.JSON(http.StatusOK, successResponse(h.sync.Status(c.Request.Context())))
}

func (h *Handler) syncTest(c *gin.Context) {
	msg, err := h.sync.TestConnection(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": msg})
}

func (h *Handler) listQueue(c *gin.Context) {
	ctx := c.Request.Context()
	items, err := h.queue.List(ctx, c.Query("kind"), queryLimit(c, 100))
	if err != nil {
		h.handleError(c, err)
		return
	}
	pending, err := h.queue.CountPending(ctx)
	if err != nil {
		h.handleError(c, err)
		return
	}
	exhausted, err := h.queue.CountExhausted(ctx)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"pending":   pending,
		"exhausted": exhausted,
		"data":      items,
	})
}

type grantRequest struct {
	CameraIP      string `json:"camera_ip"`
	RelayChannels []int  `json:"relay_channels"`
}

func (h *Handler) manualGrant(c *gin.Context) {
	var req grantRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
			return
		}
	}
	channels, err := h.gate.ManualGrant(c.Request.Context(), req.CameraIP, req.RelayChannels)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "relay_channels": channels})
}

func (h *Handler) checkPlate(c *gin.Context) {
	pc, err := h.gate.CheckPlate(c.Request.Context(), c.Param("plate"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(pc))
}

func (h *Handler) recentLogs(c *gin.Context) {
	logs, err := h.gate.RecentLogs(c.Request.Context(), queryLimit(c, 50))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(logs))
}

func (h *Handler) stats(c *gin.Context) {
	stats, err := h.gate.Stats(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(stats))
}

func (h *Handler) listCameras(c *gin.Context) {
	cams, err := h.gate.ListCameras(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(cams))
}

type cameraRelaysRequest struct {
	RelayChannels []int `json:"relay_channels"`
}

func (h *Handler) setCameraRelays(c *gin.Context) {
	var req cameraRelaysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	regCode := c.Param("reg_code")
	if err := h.gate.SetCameraRelays(c.Request.Context(), regCode, req.RelayChannels); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "reg_code": regCode, "relay_channels": req.RelayChannels})
}

func (h *Handler) listBarriers(c *gin.Context) {
	ms, err := h.gate.ListBarriers(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(ms))
}

type barrierRequest struct {
	CameraIP      string `json:"camera_ip" binding:"required"`
	CameraName    string `json:"camera_name"`
	RelayChannels []int  `json:"relay_channels" binding:"required"`
	Direction     string `json:"direction"`
}

func (h *Handler) createBarrier(c *gin.Context) {
	var req barrierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	m, err := h.gate.CreateBarrier(c.Request.Context(), req.CameraIP, req.CameraName, req.RelayChannels, req.Direction)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, successResponse(m))
}

type blacklistRequest struct {
	Plate     string     `json:"plate" binding:"required"`
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (h *Handler) listBlacklist(c *gin.Context) {
	entries, err := h.gate.ListBlacklist(c.Request.Context())
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(entries))
}

func (h *Handler) addBlacklist(c *gin.Context) {
	var req blacklistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	entry, err := h.gate.AddBlacklist(c.Request.Context(), req.Plate, req.Reason, req.ExpiresAt)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, successResponse(entry))
}

func (h *Handler) removeBlacklist(c *gin.Context) {
	id, err := parseInt(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid id"))
		return
	}
	if err := h.gate.RemoveBlacklist(c.Request.Context(), int64(id)); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, successResponse(nil))
}
