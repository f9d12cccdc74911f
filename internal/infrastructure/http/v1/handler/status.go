package handler

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pioxmdr920415/tilecache/internal/infrastructure/http/v1/dto"
)

// statusRingCapacity bounds the check-in history; the oldest entries fall
// off once it is full.
const statusRingCapacity = 1000

// statusRing keeps recent client check-ins in memory. Check-ins are
// liveness breadcrumbs, not cache state, so they are not persisted.
type statusRing struct {
	mu      sync.Mutex
	entries []dto.StatusCheck
	cap     int
}

func newStatusRing(capacity int) *statusRing {
	return &statusRing{cap: capacity}
}

func (r *statusRing) add(check dto.StatusCheck) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = append(r.entries, check)
	if len(r.entries) > r.cap {
		r.entries = r.entries[len(r.entries)-r.cap:]
	}
}

// list returns the check-ins oldest first.
func (r *statusRing) list() []dto.StatusCheck {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]dto.StatusCheck, len(r.entries))
	copy(out, r.entries)
	return out
}

func (h *Handler) CreateStatusCheck(c *gin.Context) {
	var req dto.StatusCheckRequest
	if !h.bindAndValidate(c, &req) {
		return
	}

	check := dto.StatusCheck{
		ID:         uuid.NewString(),
		ClientName: req.ClientName,
		Timestamp:  time.Now().UTC(),
	}
	h.statuses.add(check)

	h.logger.Debug("status check recorded", "client", check.ClientName, "id", check.ID)

	h.RespondWithJSON(c, http.StatusCreated, "status check recorded", check)
}

func (h *Handler) ListStatusChecks(c *gin.Context) {
	h.RespondWithJSON(c, http.StatusOK, "status checks", h.statuses.list())
}
