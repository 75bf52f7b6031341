package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"paykit/internal/middleware"
	"paykit/internal/models"
	"paykit/internal/response"
)

// GetPaywall returns the paywall of a placement
// GET /api/v1/placements/:placement/paywall
func (h *Handler) GetPaywall(c *gin.Context) {
	paywall, err := h.Paywalls.GetByPlacement(c.Request.Context(), middleware.Project(c).ProjectID, c.Param("placement"))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessJSON(c, paywall)
}

// GetPaywallUI returns the stored UI description
// GET /api/v1/paywalls/:id/ui
func (h *Handler) GetPaywallUI(c *gin.Context) {
	ui, err := h.Paywalls.GetUI(c.Request.Context(), middleware.Project(c).ProjectID, c.Param("id"))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessJSON(c, ui)
}

// PutPaywallRequest stores a paywall revision.
type PutPaywallRequest struct {
	Paywall models.Paywall  `json:"paywall"`
	UI      json.RawMessage `json:"ui"`
}

// PutPaywall creates or revises a paywall
// PUT /api/v1/paywalls
func (h *Handler) PutPaywall(c *gin.Context) {
	var req PutPaywallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid request format: "+err.Error())
		return
	}
	paywall, err := h.Paywalls.Put(c.Request.Context(), middleware.Project(c).ProjectID, req.Paywall, req.UI)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessJSON(c, paywall)
}
