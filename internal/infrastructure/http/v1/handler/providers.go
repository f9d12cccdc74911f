package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Providers lists the registered tile sources. URL templates and
// credential sources are elided by the Config json tags; clients only
// need ids, display names and zoom windows.
func (h *Handler) Providers(c *gin.Context) {
	h.RespondWithJSON(c, http.StatusOK, "providers", h.manager.Providers().All())
}
