package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"paykit/internal/models"
)

// ErrProjectNotFound is returned for unknown or inactive projects.
var ErrProjectNotFound = errors.New("project not found")

// DefaultProjectID names the project seeded on startup.
const DefaultProjectID = "default"

// ProjectService provides project management operations
type ProjectService struct {
	db *gorm.DB
}

// NewProjectService creates a new project service
func NewProjectService(db *gorm.DB) *ProjectService {
	return &ProjectService{db: db}
}

func (s *ProjectService) first(ctx context.Context, query string, args ...any) (*models.Project, error) {
	var project models.Project
	err := s.db.WithContext(ctx).Where(query, args...).First(&project).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, err
	}
	return &project, nil
}

// GetProjectByID gets an active project by ID
func (s *ProjectService) GetProjectByID(ctx context.Context, projectID string) (*models.Project, error) {
	return s.first(ctx, "project_id = ? AND is_active = ?", projectID, true)
}

// GetProjectByAPIKey gets an active project by API key
func (s *ProjectService) GetProjectByAPIKey(ctx context.Context, apiKey string) (*models.Project, error) {
	if apiKey == "" {
		return nil, ErrProjectNotFound
	}
	return s.first(ctx, "api_key = ? AND is_active = ?", apiKey, true)
}

// GetAllProjects gets all active projects
func (s *ProjectService) GetAllProjects(ctx context.Context) ([]*models.Project, error) {
	var projects []*models.Project
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("id").Find(&projects).Error; err != nil {
		return nil, err
	}
	return projects, nil
}

// CreateProject creates a new project
func (s *ProjectService) CreateProject(ctx context.Context, project *models.Project) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Project{}).
		Where("project_id = ? OR api_key = ?", project.ProjectID, project.APIKey).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("project %s or its API key already exists", project.ProjectID)
	}
	if project.AccessLevel == "" {
		project.AccessLevel = "premium"
	}
	project.IsActive = true
	if err := s.db.WithContext(ctx).Create(project).Error; err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

// UpdateProject updates an existing project
func (s *ProjectService) UpdateProject(ctx context.Context, projectID string, updates map[string]any) error {
	result := s.db.WithContext(ctx).Model(&models.Project{}).Where("project_id = ?", projectID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update project: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrProjectNotFound
	}
	return nil
}

// DeleteProject soft deletes a project
func (s *ProjectService) DeleteProject(ctx context.Context, projectID string) error {
	result := s.db.WithContext(ctx).Where("project_id = ?", projectID).Delete(&models.Project{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete project: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrProjectNotFound
	}
	return nil
}

// EnsureDefaultProject creates the default project with apiKey unless it
// already exists.
func (s *ProjectService) EnsureDefaultProject(ctx context.Context, apiKey, accessLevel string) (*models.Project, error) {
	project, err := s.first(ctx, "project_id = ?", DefaultProjectID)
	if err == nil {
		return project, nil
	}
	if !errors.Is(err, ErrProjectNotFound) {
		return nil, err
	}
	project = &models.Project{
		ProjectID:   DefaultProjectID,
		ProjectName: "Default project",
		APIKey:      apiKey,
		AccessLevel: accessLevel,
	}
	if err := s.CreateProject(ctx, project); err != nil {
		return nil, err
	}
	return project, nil
}

// GetProjectStats gets project statistics
func (s *ProjectService) GetProjectStats(ctx context.Context, projectID string) (map[string]any, error) {
	db := s.db.WithContext(ctx)
	today := time.Now().UTC().Truncate(24 * time.Hour)

	counts := []struct {
		name  string
		model any
		since bool
	}{
		{"profiles", &models.ProfileRecord{}, false},
		{"transactions", &models.Transaction{}, false},
		{"transactions_today", &models.Transaction{}, true},
		{"events_today", &models.EventRecord{}, true},
	}

	stats := make(map[string]any, len(counts))
	for _, c := range counts {
		var n int64
		q := db.Model(c.model).Where("project_id = ?", projectID)
		if c.since {
			q = q.Where("created_at >= ?", today)
		}
		if err := q.Count(&n).Error; err != nil {
			return nil, err
		}
		stats[c.name] = n
	}
	return stats, nil
}
