// Package handler implements the v1 HTTP API on top of the cache manager
// and the preload scheduler.
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/pioxmdr920415/tilecache/internal/usecase"
	"github.com/pioxmdr920415/tilecache/pkg/logger"
)

const (
	internalServerErrorText = "the server encountered an error and could not process your request"
)

type response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type Handler struct {
	validate  *validator.Validate
	manager   *usecase.Manager
	scheduler *usecase.Scheduler
	statuses  *statusRing
	logger    logger.Logger
}

func NewHandler(v *validator.Validate, m *usecase.Manager, s *usecase.Scheduler, l logger.Logger) *Handler {
	return &Handler{
		validate:  v,
		manager:   m,
		scheduler: s,
		statuses:  newStatusRing(statusRingCapacity),
		logger:    l,
	}
}

func (h *Handler) RespondWithInternalServerError(c *gin.Context) {
	h.RespondWithJSON(c, http.StatusInternalServerError, internalServerErrorText, nil)
}

func (h *Handler) RespondWithJSON(c *gin.Context, code int, message string, data any) {
	success := code < 400

	r := response{
		Success: success,
		Message: message,
		Data:    data,
	}

	c.JSON(code, r)
}
