package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"paykit/internal/middleware"
	"paykit/internal/models"
	"paykit/internal/response"
	"paykit/internal/services"
)

// Handler serves the authority API.
type Handler struct {
	Projects  *services.ProjectService
	Profiles  *services.ProfileService
	Purchases *services.PurchaseService
	Paywalls  *services.PaywallService
	Events    *services.EventService

	Limiter *middleware.RateLimiter
	Metrics *middleware.HTTPMetrics
	// Gatherer backs /metrics; nil hides the endpoint.
	Gatherer prometheus.Gatherer
}

// SetupRoutes sets up all routes
func SetupRoutes(r *gin.Engine, h *Handler) {
	if h.Metrics != nil {
		r.Use(h.Metrics.Instrument())
	}

	// API route group
	api := r.Group("/api/v1")
	api.Use(middleware.ProjectAuthMiddleware(h.Projects), middleware.RateLimitMiddleware(h.Limiter), middleware.DecompressRequest())
	{
		api.POST("/profiles", h.CreateProfile)
		api.GET("/profiles/:id", h.GetProfile)
		api.PATCH("/profiles/:id", h.UpdateProfile)

		api.POST("/purchases/validate", h.ValidatePurchase)
		api.POST("/purchases/restore", h.RestorePurchases)

		api.GET("/placements/:placement/paywall", h.GetPaywall)
		api.GET("/paywalls/:id/ui", h.GetPaywallUI)
		api.PUT("/paywalls", h.PutPaywall)

		api.POST("/events", h.PostEvents)
		api.GET("/stats", h.GetProjectStats)
	}

	// Project management routes (for admin use)
	admin := r.Group("/admin")
	admin.Use(middleware.DecompressRequest())
	{
		admin.GET("/projects", h.GetProjects)
		admin.POST("/projects", h.CreateProject)
		admin.PUT("/projects/:id", h.UpdateProject)
		admin.DELETE("/projects/:id", h.DeleteProject)
		admin.GET("/projects/:id/stats", h.GetProjectStats)
	}

	if h.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{})))
	}

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "paykit-authority",
		})
	})
}

// GetProjects gets all projects
func (h *Handler) GetProjects(c *gin.Context) {
	projects, err := h.Projects.GetAllProjects(c.Request.Context())
	if err != nil {
		response.ErrorJSON(c, http.StatusInternalServerError, "Failed to get projects")
		return
	}
	response.SuccessJSON(c, projects)
}

// CreateProjectRequest represents create project request
type CreateProjectRequest struct {
	ProjectID          string   `json:"project_id" binding:"required"`
	ProjectName        string   `json:"project_name" binding:"required"`
	APIKey             string   `json:"api_key" binding:"required"`
	PackageName        string   `json:"package_name"`
	Description        string   `json:"description"`
	AccessLevel        string   `json:"access_level"`
	ConsumableProducts []string `json:"consumable_products"`
	RateLimit          int      `json:"rate_limit"`
	WebhookURL         string   `json:"webhook_url"`
	WebhookSecret      string   `json:"webhook_secret"`
}

// CreateProject creates a new project
func (h *Handler) CreateProject(c *gin.Context) {
	var req CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid request format: "+err.Error())
		return
	}

	project := &models.Project{
		ProjectID:          req.ProjectID,
		ProjectName:        req.ProjectName,
		APIKey:             req.APIKey,
		PackageName:        req.PackageName,
		Description:        req.Description,
		AccessLevel:        req.AccessLevel,
		ConsumableProducts: req.ConsumableProducts,
		RateLimit:          req.RateLimit,
		WebhookURL:         req.WebhookURL,
		WebhookSecret:      req.WebhookSecret,
	}
	if err := h.Projects.CreateProject(c.Request.Context(), project); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Failed to create project: "+err.Error())
		return
	}
	response.CreatedJSON(c, project)
}

// UpdateProjectRequest represents update project request
type UpdateProjectRequest struct {
	ProjectName string  `json:"project_name"`
	PackageName string  `json:"package_name"`
	Description string  `json:"description"`
	AccessLevel string  `json:"access_level"`
	RateLimit   int     `json:"rate_limit"`
	IsActive    *bool   `json:"is_active"`
	WebhookURL  *string `json:"webhook_url"`
}

// UpdateProject updates an existing project
func (h *Handler) UpdateProject(c *gin.Context) {
	var req UpdateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid request format: "+err.Error())
		return
	}

	// Build update map
	updates := make(map[string]any)
	if req.ProjectName != "" {
		updates["project_name"] = req.ProjectName
	}
	if req.PackageName != "" {
		updates["package_name"] = req.PackageName
	}
	if req.Description != "" {
		updates["description"] = req.Description
	}
	if req.AccessLevel != "" {
		updates["access_level"] = req.AccessLevel
	}
	if req.RateLimit > 0 {
		updates["rate_limit"] = req.RateLimit
	}
	if req.IsActive != nil {
		updates["is_active"] = *req.IsActive
	}
	if req.WebhookURL != nil {
		updates["webhook_url"] = *req.WebhookURL
	}
	if len(updates) == 0 {
		response.ErrorJSON(c, http.StatusBadRequest, "Nothing to update")
		return
	}

	if err := h.Projects.UpdateProject(c.Request.Context(), c.Param("id"), updates); err != nil {
		response.FromError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Response{Success: true, Message: "Project updated successfully"})
}

// DeleteProject deletes a project
func (h *Handler) DeleteProject(c *gin.Context) {
	if err := h.Projects.DeleteProject(c.Request.Context(), c.Param("id")); err != nil {
		response.FromError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Response{Success: true, Message: "Project deleted successfully"})
}

// GetProjectStats gets project statistics
func (h *Handler) GetProjectStats(c *gin.Context) {
	projectID := c.Param("id")
	if projectID == "" {
		// If no ID in param, get from context (for stats routes)
		if project := middleware.Project(c); project != nil {
			projectID = project.ProjectID
		}
	}
	if projectID == "" {
		response.ErrorJSON(c, http.StatusBadRequest, "Project ID is required")
		return
	}

	stats, err := h.Projects.GetProjectStats(c.Request.Context(), projectID)
	if err != nil {
		response.ErrorJSON(c, http.StatusInternalServerError, "Failed to get project stats: "+err.Error())
		return
	}
	response.SuccessJSON(c, stats)
}
