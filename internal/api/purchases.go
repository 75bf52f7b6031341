package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"paykit/internal/middleware"
	"paykit/internal/remote"
	"paykit/internal/response"
)

// ValidatePurchase verifies one purchase and grants access
// POST /api/v1/purchases/validate
func (h *Handler) ValidatePurchase(c *gin.Context) {
	var req remote.ValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid request format: "+err.Error())
		return
	}
	profile, err := h.Purchases.Validate(c.Request.Context(), middleware.Project(c), req)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessJSON(c, profile)
}

// RestorePurchases verifies a batch of purchases found on the device
// POST /api/v1/purchases/restore
func (h *Handler) RestorePurchases(c *gin.Context) {
	var req remote.RestoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid request format: "+err.Error())
		return
	}
	profile, err := h.Purchases.Restore(c.Request.Context(), middleware.Project(c), req)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessJSON(c, profile)
}
