package http

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"gate-controller/internal/relay"
)

func (h *Handler) relayAction(c *gin.Context) {
	action := c.Param("action")
	if c.Param("channel") == "all" {
		h.relayAll(c, action)
		return
	}

	ch, err := parseInt(c.Param("channel"))
	if err != nil || !relay.ValidChannel(ch) {
		c.JSON(http.StatusBadRequest, errorResponse(relay.ErrInvalidChannel.Error()))
		return
	}

	var ok bool
	switch action {
	case "on":
		ok = h.relays.SetChannel(ch, true)
	case "off":
		ok = h.relays.SetChannel(ch, false)
	case "pulse":
		d := h.config.Barrier.PulseDuration
		if raw := c.Query("duration"); raw != "" {
			secs, err := strconv.ParseFloat(raw, 64)
			if err != nil || secs <= 0 || secs > 60 {
				c.JSON(http.StatusBadRequest, errorResponse("duration must be between 0 and 60 seconds"))
				return
			}
			d = time.Duration(secs * float64(time.Second))
		}
		ok = h.relays.Pulse(ch, d)
	case "name":
		if !h.relays.SetName(ch, c.Query("name")) {
			c.JSON(http.StatusBadRequest, errorResponse("name is required"))
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "channel": ch, "name": c.Query("name")})
		return
	default:
		c.JSON(http.StatusBadRequest, errorResponse("unknown action: "+action))
		return
	}

	if !ok {
		c.JSON(http.StatusBadGateway, errorResponse(h.relayError()))
		return
	}
	h.log.Info().Int("channel", ch).Str("action", action).Msg("relay command")
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"channel": ch,
		"action":  action,
		"state":   h.relays.State(ch),
	})
}

func (h *Handler) relayAll(c *gin.Context, action string) {
	var ok bool
	switch action {
	case "on":
		ok = h.relays.AllOn()
	case "off":
		ok = h.relays.AllOff()
	default:
		c.JSON(http.StatusBadRequest, errorResponse("unknown action: "+action))
		return
	}
	if !ok {
		c.JSON(http.StatusBadGateway, errorResponse(h.relayError()))
		return
	}
	h.log.Info().Str("action", action).Msg("relay command for all channels")
	c.JSON(http.StatusOK, gin.H{"success": true, "action": action, "relays": sortedStates(h.relays.States())})
}

func (h *Handler) relayError() string {
	if msg := h.relays.LastError(); msg != "" {
		return msg
	}
	return "relay write failed"
}

func (h *Handler) relayStatus(c *gin.Context) {
	if c.Query("refresh") == "1" {
		if err := h.relays.Refresh(c.Request.Context()); err != nil {
			h.log.Debug().Err(err).Msg("relay state refresh failed")
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"backend":    h.relays.Kind(),
		"relays":     sortedStates(h.relays.States()),
		"last_error": h.relays.LastError(),
	})
}

func (h *Handler) relayTest(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	msg, err := h.relays.Test(ctx)
	if err != nil {
		c.JSON(http.StatusBadGateway, errorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "backend": h.relays.Kind(), "message": msg})
}

func sortedStates(states map[int]relay.ChannelState) []relay.ChannelState {
	out := make([]relay.ChannelState, 0, len(states))
	for _, s := range states {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}
