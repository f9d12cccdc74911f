package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pioxmdr920415/tilecache/internal/geo"
	"github.com/pioxmdr920415/tilecache/internal/infrastructure/http/v1/dto"
)

// Viewport is the pan/zoom settle entry point. Planning happens inside
// the call; draining is asynchronous, so the event is only accepted here.
func (h *Handler) Viewport(c *gin.Context) {
	var req dto.ViewportRequest
	if !h.bindAndValidate(c, &req) {
		return
	}

	h.scheduler.OnViewportChanged(geo.Bounds{
		South: req.South,
		West:  req.West,
		North: req.North,
		East:  req.East,
	}, req.Zoom)

	h.RespondWithJSON(c, http.StatusAccepted, "viewport accepted", dto.ViewportResponse{
		QueueDepth: h.scheduler.QueueDepth(),
		InFlight:   h.scheduler.InFlight(),
	})
}
