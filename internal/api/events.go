package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"paykit/internal/middleware"
	"paykit/internal/remote"
	"paykit/internal/response"
)

type eventsRequest struct {
	Events []remote.Event `json:"events"`
}

// PostEvents stores analytics events
// POST /api/v1/events
func (h *Handler) PostEvents(c *gin.Context) {
	var req eventsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid request format: "+err.Error())
		return
	}
	n, err := h.Events.Store(c.Request.Context(), middleware.Project(c).ProjectID, req.Events)
	if err != nil {
		response.FromError(c, err)
		return
	}
	h.Metrics.EventsReceived(n)
	response.SuccessJSON(c, gin.H{"accepted": n})
}
