package middleware

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"paykit/internal/models"
	"paykit/internal/remote"
	"paykit/internal/response"
	"paykit/internal/services"
	"paykit/pkg/logging"
)

const projectKey = "project"

// ProjectAuthMiddleware resolves the project from the X-API-Key header (or
// the api_key query parameter) and stores it in the context.
func ProjectAuthMiddleware(projects *services.ProjectService) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader(remote.APIKeyHeader)
		if apiKey == "" {
			apiKey = c.Query("api_key")
		}
		if apiKey == "" {
			response.AbortJSON(c, http.StatusUnauthorized, "Missing API key")
			return
		}

		project, err := projects.GetProjectByAPIKey(c.Request.Context(), apiKey)
		if err != nil {
			if errors.Is(err, services.ErrProjectNotFound) {
				response.AbortJSON(c, http.StatusUnauthorized, "Invalid API key")
				return
			}
			logging.Errorf("project lookup failed: %v", err)
			response.AbortJSON(c, http.StatusInternalServerError, "Project lookup failed")
			return
		}

		c.Set(projectKey, project)
		c.Set("project_id", project.ProjectID)
		c.Set("request_time", time.Now())
		c.Next()
	}
}

// Project returns the project ProjectAuthMiddleware authenticated.
func Project(c *gin.Context) *models.Project {
	v, ok := c.Get(projectKey)
	if !ok {
		return nil
	}
	project, _ := v.(*models.Project)
	return project
}
