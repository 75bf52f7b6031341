package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"paykit/internal/models"
	"paykit/internal/remote"
	"paykit/pkg/logging"
)

// ErrInvalidRequest marks payloads the authority refuses to process.
var ErrInvalidRequest = errors.New("invalid request")

// Transaction sources.
const (
	SourceValidate = "validate"
	SourceRestore  = "restore"
)

// defaultPeriod applies to subscriptions submitted without a billing period.
const defaultPeriod = "P1M"

// PurchaseService verifies purchases and records them as transactions.
type PurchaseService struct {
	db       *gorm.DB
	profiles *ProfileService
	now      func() time.Time
	logger   logging.Logger

	// Notifier, when set, posts recorded purchases to the project webhook.
	Notifier *WebhookNotifier
}

// NewPurchaseService creates a purchase service
func NewPurchaseService(db *gorm.DB, profiles *ProfileService) *PurchaseService {
	return &PurchaseService{
		db:       db,
		profiles: profiles,
		now:      time.Now,
		logger:   logging.NewComponentLogger("purchases"),
	}
}

// Validate records one purchase for the profile and returns the updated
// profile. Submitting the same purchase token again changes nothing but the
// owner.
func (s *PurchaseService) Validate(ctx context.Context, project *models.Project, req remote.ValidateRequest) (*models.Profile, error) {
	if err := s.recordAll(ctx, project, req.ProfileID, []remote.PurchaseSnapshot{req.Purchase}, SourceValidate); err != nil {
		return nil, err
	}
	return s.profiles.Refresh(ctx, project, req.ProfileID)
}

// Restore records every purchase in one transaction.
func (s *PurchaseService) Restore(ctx context.Context, project *models.Project, req remote.RestoreRequest) (*models.Profile, error) {
	if err := s.recordAll(ctx, project, req.ProfileID, req.Purchases, SourceRestore); err != nil {
		return nil, err
	}
	return s.profiles.Refresh(ctx, project, req.ProfileID)
}

func (s *PurchaseService) recordAll(ctx context.Context, project *models.Project, profileID string, items []remote.PurchaseSnapshot, source string) error {
	if profileID == "" {
		return fmt.Errorf("%w: profile_id is required", ErrInvalidRequest)
	}
	if _, err := s.profiles.load(ctx, project.ProjectID, profileID); err != nil {
		return err
	}

	txs := make([]models.Transaction, 0, len(items))
	for _, snap := range items {
		tx, err := s.transaction(project, profileID, snap, source)
		if err != nil {
			return err
		}
		txs = append(txs, tx)
	}
	if len(txs) == 0 {
		return nil
	}

	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		for i := range txs {
			if err := db.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "purchase_token"}},
				DoUpdates: clause.AssignmentColumns([]string{"profile_id", "updated_at"}),
			}).Create(&txs[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record purchases: %w", err)
	}
	if err := s.profiles.cache.Invalidate(ctx, project.ProjectID, profileID); err != nil {
		s.logger.Warn("profile cache invalidate %s: %v", profileID, err)
	}
	s.logger.Info("%d purchase(s) recorded for profile %s via %s", len(txs), profileID, source)
	if s.Notifier != nil && project.WebhookURL != "" {
		go s.Notifier.Notify(context.WithoutCancel(ctx), project, txs)
	}
	return nil
}

func (s *PurchaseService) transaction(project *models.Project, profileID string, snap remote.PurchaseSnapshot, source string) (models.Transaction, error) {
	if snap.PurchaseToken == "" || snap.ProductID == "" {
		return models.Transaction{}, fmt.Errorf("%w: purchase_token and product_id are required", ErrInvalidRequest)
	}
	productType := snap.ProductType
	if productType == "" {
		productType = models.ProductTypeInApp
	}
	if productType != models.ProductTypeSubs && productType != models.ProductTypeInApp {
		return models.Transaction{}, fmt.Errorf("%w: unknown product_type %q", ErrInvalidRequest, snap.ProductType)
	}

	purchasedAt := snap.PurchaseTime
	if purchasedAt.IsZero() {
		purchasedAt = s.now()
	}
	tx := models.Transaction{
		ProjectID:         project.ProjectID,
		ProfileID:         profileID,
		PurchaseToken:     snap.PurchaseToken,
		OrderID:           snap.OrderID,
		ProductID:         snap.ProductID,
		BasePlanID:        snap.BasePlanID,
		OfferID:           snap.OfferID,
		Type:              string(productType),
		IsConsumable:      snap.IsConsumable,
		PriceAmountMicros: snap.PriceAmountMicros,
		CurrencyCode:      snap.CurrencyCode,
		BillingPeriod:     snap.BillingPeriod,
		PlacementID:       snap.PlacementID,
		PaywallID:         snap.PaywallID,
		VariationID:       snap.VariationID,
		Source:            source,
		PurchasedAt:       purchasedAt.UTC(),
	}
	if productType == models.ProductTypeSubs {
		period := snap.BillingPeriod
		if period == "" {
			period = defaultPeriod
		}
		expires, err := AddPeriod(tx.PurchasedAt, period)
		if err != nil {
			return models.Transaction{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		tx.ExpiresAt = &expires
	}
	return tx, nil
}

var periodPattern = regexp.MustCompile(`^P(?:(\d+)Y)?(?:(\d+)M)?(?:(\d+)W)?(?:(\d+)D)?$`)

// AddPeriod adds an ISO-8601 date period such as P1M or P1Y2W to t.
func AddPeriod(t time.Time, period string) (time.Time, error) {
	m := periodPattern.FindStringSubmatch(period)
	if m == nil || period == "P" {
		return time.Time{}, fmt.Errorf("bad billing period %q", period)
	}
	n := func(s string) int {
		v, _ := strconv.Atoi(s)
		return v
	}
	return t.AddDate(n(m[1]), n(m[2]), 7*n(m[3])+n(m[4])), nil
}
