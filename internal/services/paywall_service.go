package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"paykit/internal/models"
)

// ErrPaywallNotFound is returned when a placement has no paywall.
var ErrPaywallNotFound = errors.New("paywall not found")

// PaywallService serves paywalls by placement.
type PaywallService struct {
	db *gorm.DB
}

func NewPaywallService(db *gorm.DB) *PaywallService {
	return &PaywallService{db: db}
}

// GetByPlacement returns the latest revision shown at placementID.
func (s *PaywallService) GetByPlacement(ctx context.Context, projectID, placementID string) (*models.Paywall, error) {
	var rec models.PaywallRecord
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND placement_id = ?", projectID, placementID).
		Order("id DESC").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPaywallNotFound
	}
	if err != nil {
		return nil, err
	}
	paywall := rec.Document.Data()
	return &paywall, nil
}

// GetUI returns the stored UI description of a paywall.
func (s *PaywallService) GetUI(ctx context.Context, projectID, paywallID string) (json.RawMessage, error) {
	var rec models.PaywallRecord
	err := s.db.WithContext(ctx).Where("project_id = ? AND paywall_id = ?", projectID, paywallID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPaywallNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(rec.UI) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return json.RawMessage(rec.UI), nil
}

// Put stores a new revision of paywall with its UI description. An empty
// PaywallID gets a generated one.
func (s *PaywallService) Put(ctx context.Context, projectID string, paywall models.Paywall, ui json.RawMessage) (*models.Paywall, error) {
	if paywall.PlacementID == "" {
		return nil, fmt.Errorf("%w: placement_id is required", ErrInvalidRequest)
	}
	if paywall.PaywallID == "" {
		paywall.PaywallID = uuid.NewString()
	}
	if paywall.VariationID == "" {
		paywall.VariationID = uuid.NewString()
	}

	db := s.db.WithContext(ctx)
	var prev models.PaywallRecord
	err := db.Where("paywall_id = ?", paywall.PaywallID).First(&prev).Error
	switch {
	case err == nil:
		paywall.Revision = prev.Document.Data().Revision + 1
		prev.ProjectID = projectID
		prev.PlacementID = paywall.PlacementID
		prev.Document = datatypes.NewJSONType(paywall)
		prev.UI = datatypes.JSON(ui)
		if err := db.Save(&prev).Error; err != nil {
			return nil, err
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		rec := models.PaywallRecord{
			ProjectID:   projectID,
			PlacementID: paywall.PlacementID,
			PaywallID:   paywall.PaywallID,
			Document:    datatypes.NewJSONType(paywall),
			UI:          datatypes.JSON(ui),
		}
		if err := db.Create(&rec).Error; err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	return &paywall, nil
}

// DefaultPlacement is seeded for every new project.
const DefaultPlacement = "onboarding"

// SeedDefaults gives a project a paywall at DefaultPlacement unless it has one.
func (s *PaywallService) SeedDefaults(ctx context.Context, projectID string, products []models.PaywallProduct) error {
	if _, err := s.GetByPlacement(ctx, projectID, DefaultPlacement); err == nil {
		return nil
	} else if !errors.Is(err, ErrPaywallNotFound) {
		return err
	}
	_, err := s.Put(ctx, projectID, models.Paywall{
		Name:        "Onboarding",
		PlacementID: DefaultPlacement,
		Products:    products,
	}, json.RawMessage(`{"template":"basic","title":"Go premium"}`))
	return err
}
