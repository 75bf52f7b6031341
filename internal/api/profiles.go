package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"paykit/internal/middleware"
	"paykit/internal/models"
	"paykit/internal/remote"
	"paykit/internal/response"
)

// CreateProfile registers an installation
// POST /api/v1/profiles
func (h *Handler) CreateProfile(c *gin.Context) {
	var req remote.CreateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid request format: "+err.Error())
		return
	}
	profile, err := h.Profiles.Create(c.Request.Context(), middleware.Project(c), req)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.CreatedJSON(c, profile)
}

// GetProfile returns a profile
// GET /api/v1/profiles/:id
func (h *Handler) GetProfile(c *gin.Context) {
	profile, err := h.Profiles.Get(c.Request.Context(), middleware.Project(c), c.Param("id"))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessJSON(c, profile)
}

// UpdateProfile edits profile attributes
// PATCH /api/v1/profiles/:id
func (h *Handler) UpdateProfile(c *gin.Context) {
	var params models.ProfileParams
	if err := c.ShouldBindJSON(&params); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid request format: "+err.Error())
		return
	}
	profile, err := h.Profiles.Update(c.Request.Context(), middleware.Project(c), c.Param("id"), params)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.SuccessJSON(c, profile)
}
