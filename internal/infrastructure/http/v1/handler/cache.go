package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pioxmdr920415/tilecache/internal/infrastructure/http/v1/dto"
)

// CacheStats reports the cache snapshot the settings UI renders: totals,
// the per-provider breakdown and the active mode switches.
func (h *Handler) CacheStats(c *gin.Context) {
	stats, err := h.manager.Stats()
	if err != nil {
		h.logger.Error("failed to compute cache stats", "error", err)
		h.RespondWithInternalServerError(c)
		return
	}

	h.RespondWithJSON(c, http.StatusOK, "cache status", gin.H{
		"stats":           stats,
		"preload_enabled": h.scheduler.Enabled(),
		"preload_target":  h.scheduler.Provider(),
		"offline":         h.scheduler.Offline(),
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) ClearCache(c *gin.Context) {
	if err := h.manager.ClearAll(); err != nil {
		h.logger.Error("failed to clear cache", "error", err)
		h.RespondWithInternalServerError(c)
		return
	}

	h.RespondWithJSON(c, http.StatusOK, "cache cleared", nil)
}

func (h *Handler) ClearProviderCache(c *gin.Context) {
	providerID := c.Param("provider")

	if err := h.manager.ClearProvider(providerID); err != nil {
		h.logger.Error("failed to clear provider cache", "provider", providerID, "error", err)
		h.RespondWithInternalServerError(c)
		return
	}

	h.RespondWithJSON(c, http.StatusOK, "provider cache cleared", gin.H{
		"provider": providerID,
	})
}

// UpdateCacheSettings changes the byte budget. Shrinking below current
// usage evicts immediately, so the response already reflects the trim.
func (h *Handler) UpdateCacheSettings(c *gin.Context) {
	var req dto.CacheSettingsRequest
	if !h.bindAndValidate(c, &req) {
		return
	}

	if err := h.manager.SetMaxBytes(req.MaxBytes); err != nil {
		h.logger.Error("failed to update cache budget", "max_bytes", req.MaxBytes, "error", err)
		h.RespondWithInternalServerError(c)
		return
	}

	h.RespondWithJSON(c, http.StatusOK, "cache settings updated", h.settingsSnapshot())
}

func (h *Handler) UpdatePreloadSettings(c *gin.Context) {
	var req dto.PreloadSettingsRequest
	if !h.bindAndValidate(c, &req) {
		return
	}

	if req.Provider != "" {
		if err := h.scheduler.SetProvider(req.Provider); err != nil {
			h.RespondWithJSON(c, http.StatusNotFound, err.Error(), nil)
			return
		}
	}
	h.scheduler.SetEnabled(*req.Enabled)

	h.RespondWithJSON(c, http.StatusOK, "preload settings updated", h.settingsSnapshot())
}

func (h *Handler) UpdateOfflineSettings(c *gin.Context) {
	var req dto.OfflineSettingsRequest
	if !h.bindAndValidate(c, &req) {
		return
	}

	h.scheduler.SetOffline(*req.Enabled)
	h.logger.Info("offline mode toggled", "offline", *req.Enabled)

	h.RespondWithJSON(c, http.StatusOK, "offline settings updated", h.settingsSnapshot())
}

func (h *Handler) settingsSnapshot() dto.SettingsResponse {
	return dto.SettingsResponse{
		MaxBytes:       h.manager.MaxBytes(),
		PreloadEnabled: h.scheduler.Enabled(),
		Provider:       h.scheduler.Provider(),
		Offline:        h.scheduler.Offline(),
	}
}

// bindAndValidate decodes the JSON body into req and runs the validator
// over it, answering 400 on either failure.
func (h *Handler) bindAndValidate(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		h.logger.Warn("failed to decode request body", "path", c.Request.URL.Path, "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "failed to decode request body",
		})
		return false
	}

	if err := h.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return false
	}

	return true
}
