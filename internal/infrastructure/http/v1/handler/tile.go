package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pioxmdr920415/tilecache/internal/geo"
	"github.com/pioxmdr920415/tilecache/internal/provider"
)

// Tile serves one tile for the rendering layer: cache hit, upstream fetch,
// or a 404 the viewer turns into a placeholder. Fetch failures and offline
// misses both land on the 404 path.
func (h *Handler) Tile(c *gin.Context) {
	providerID := c.Param("provider")

	z, x, y, ok := h.tileCoords(c)
	if !ok {
		return
	}

	data, served, err := h.manager.FetchOrServe(c.Request.Context(), providerID, z, x, y, h.scheduler.Offline())
	if err != nil {
		h.respondTileError(c, err)
		return
	}

	if !served {
		h.RespondWithJSON(c, http.StatusNotFound, "tile not available", nil)
		return
	}

	c.Header("Cache-Control", "public, max-age=604800")
	c.Data(http.StatusOK, tileContentType(data), data)
}

// StoreTile is the explicit write path for bulk loaders: the raw image
// bytes arrive as the request body.
func (h *Handler) StoreTile(c *gin.Context) {
	providerID := c.Param("provider")

	z, x, y, ok := h.tileCoords(c)
	if !ok {
		return
	}

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.logger.Warn("failed to read tile body", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "failed to read request body",
		})
		return
	}
	if len(payload) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "empty tile payload",
		})
		return
	}

	if err := h.manager.Put(providerID, z, x, y, payload); err != nil {
		h.respondTileError(c, err)
		return
	}

	h.RespondWithJSON(c, http.StatusCreated, "tile cached", gin.H{
		"provider": providerID,
		"z":        z,
		"x":        x,
		"y":        y,
		"bytes":    len(payload),
	})
}

func (h *Handler) tileCoords(c *gin.Context) (z, x, y int, ok bool) {
	strZ := c.Param("z")
	strX := c.Param("x")
	strY := c.Param("y")

	z, err := strconv.Atoi(strZ)
	if err != nil {
		h.logger.Warn("invalid z parameter", "z", strZ, "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "z should be integer",
		})
		return 0, 0, 0, false
	}

	x, err = strconv.Atoi(strX)
	if err != nil {
		h.logger.Warn("invalid x parameter", "x", strX, "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "x should be integer",
		})
		return 0, 0, 0, false
	}

	y, err = strconv.Atoi(strY)
	if err != nil {
		h.logger.Warn("invalid y parameter", "y", strY, "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "y should be integer",
		})
		return 0, 0, 0, false
	}

	return z, x, y, true
}

func (h *Handler) respondTileError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, provider.ErrUnknownProvider):
		h.RespondWithJSON(c, http.StatusNotFound, err.Error(), nil)
	case errors.Is(err, geo.ErrOutOfRange):
		h.RespondWithJSON(c, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, provider.ErrMissingCredential):
		h.logger.Error("provider credential unresolved", "error", err)
		h.RespondWithJSON(c, http.StatusBadGateway, err.Error(), nil)
	default:
		h.logger.Error("tile request failed", "error", err)
		h.RespondWithInternalServerError(c)
	}
}

// tileContentType sniffs the payload; providers serve a mix of png and
// jpeg and the store treats both as opaque bytes.
func tileContentType(data []byte) string {
	ct := http.DetectContentType(data)
	if ct == "application/octet-stream" {
		return "image/png"
	}
	return ct
}
