package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"dcaengine/internal/repository"
)

// PlanHandler serves the read-only operational surface: inspect plans and
// their execution history. All writes go through the scheduler.
type PlanHandler struct {
	Repo repository.Repository
}

func (h *PlanHandler) Register(r *gin.Engine) {
	group := r.Group("/api/v1/plans")
	group.GET("", h.list)
	group.GET("/:id", h.get)
	group.GET("/:id/executions", h.listExecutions)
}

func (h *PlanHandler) list(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	params := repository.ListPlansParams{Limit: limit, Offset: offset}
	if owner := strings.TrimSpace(c.Query("owner_id")); owner != "" {
		params.OwnerID = &owner
	}
	if status := strings.TrimSpace(c.Query("status")); status != "" {
		params.Status = &status
	}
	items, err := h.Repo.ListPlans(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	total, err := h.Repo.CountPlans(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, total))
}

func (h *PlanHandler) get(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	id := uint64Param(c, "id")
	if id == 0 {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return
	}
	item, err := h.Repo.GetPlan(c.Request.Context(), id)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if item == nil {
		Error(c, http.StatusNotFound, "plan not found", nil)
		return
	}
	Ok(c, item, nil)
}

func (h *PlanHandler) listExecutions(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	id := uint64Param(c, "id")
	if id == 0 {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return
	}
	limit := intQuery(c, "limit", 100)
	offset := intQuery(c, "offset", 0)
	items, err := h.Repo.ListExecutionRecords(c.Request.Context(), id, limit, offset)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, nil)
}
