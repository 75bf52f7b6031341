package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"paykit/internal/models"
	"paykit/internal/remote"
)

// EventService stores analytics events.
type EventService struct {
	db *gorm.DB
}

func NewEventService(db *gorm.DB) *EventService {
	return &EventService{db: db}
}

// Store saves events in one batch and returns how many were kept.
func (s *EventService) Store(ctx context.Context, projectID string, events []remote.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	rows := make([]models.EventRecord, 0, len(events))
	for _, e := range events {
		if e.Type == "" {
			return 0, fmt.Errorf("%w: event type is required", ErrInvalidRequest)
		}
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		createdAt := e.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		rows = append(rows, models.EventRecord{
			ProjectID: projectID,
			ProfileID: e.ProfileID,
			Type:      e.Type,
			Payload:   datatypes.JSON(payload),
			CreatedAt: createdAt.UTC(),
		})
	}
	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return 0, err
	}
	return len(rows), nil
}
