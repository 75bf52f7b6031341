package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"paykit/internal/models"
	"paykit/internal/remote"
	"paykit/pkg/logging"
)

// ErrProfileNotFound is returned for unknown profile ids.
var ErrProfileNotFound = errors.New("profile not found")

const storeName = "play_store"

// ProfileService stores profiles and renders them from the recorded
// transactions.
type ProfileService struct {
	db     *gorm.DB
	cache  *ProfileCache
	now    func() time.Time
	logger logging.Logger
}

// NewProfileService creates a profile service. cache may be nil.
func NewProfileService(db *gorm.DB, cache *ProfileCache) *ProfileService {
	return &ProfileService{
		db:     db,
		cache:  cache,
		now:    time.Now,
		logger: logging.NewComponentLogger("profiles"),
	}
}

// Create registers an installation. A known customer user id gets its
// existing profile back.
func (s *ProfileService) Create(ctx context.Context, project *models.Project, req remote.CreateProfileRequest) (*models.Profile, error) {
	db := s.db.WithContext(ctx)
	if req.CustomerUserID != "" {
		var existing models.ProfileRecord
		err := db.Where("project_id = ? AND customer_user_id = ?", project.ProjectID, req.CustomerUserID).
			Order("id").First(&existing).Error
		if err == nil {
			return s.render(ctx, project, &existing)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	rec := &models.ProfileRecord{
		ProjectID:      project.ProjectID,
		ProfileID:      uuid.NewString(),
		DeviceID:       req.Installation.DeviceID,
		CustomerUserID: req.CustomerUserID,
		Installation:   datatypes.NewJSONType(req.Installation),
		Document:       datatypes.NewJSONType(models.Profile{}),
	}
	if err := db.Create(rec).Error; err != nil {
		return nil, fmt.Errorf("create profile: %w", err)
	}
	s.logger.Info("profile %s created for device %s", rec.ProfileID, rec.DeviceID)
	return s.render(ctx, project, rec)
}

func (s *ProfileService) load(ctx context.Context, projectID, profileID string) (*models.ProfileRecord, error) {
	var rec models.ProfileRecord
	err := s.db.WithContext(ctx).Where("project_id = ? AND profile_id = ?", projectID, profileID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Get returns the profile, from the cache when possible.
func (s *ProfileService) Get(ctx context.Context, project *models.Project, profileID string) (*models.Profile, error) {
	cached, err := s.cache.Get(ctx, project.ProjectID, profileID)
	if err != nil {
		s.logger.Warn("profile cache read %s: %v", profileID, err)
	}
	if cached != nil {
		return cached, nil
	}
	rec, err := s.load(ctx, project.ProjectID, profileID)
	if err != nil {
		return nil, err
	}
	return s.render(ctx, project, rec)
}

// Update applies the non-nil fields of params. Custom attributes are merged
// by key; a nil value removes the key.
func (s *ProfileService) Update(ctx context.Context, project *models.Project, profileID string, params models.ProfileParams) (*models.Profile, error) {
	rec, err := s.load(ctx, project.ProjectID, profileID)
	if err != nil {
		return nil, err
	}

	attrs := rec.Attributes.Data()
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	set(&attrs.FirstName, params.FirstName)
	set(&attrs.LastName, params.LastName)
	set(&attrs.Email, params.Email)
	set(&attrs.PhoneNumber, params.PhoneNumber)
	set(&attrs.Gender, params.Gender)
	if params.Birthday != nil && *params.Birthday != "" {
		if _, err := time.Parse(time.DateOnly, *params.Birthday); err != nil {
			return nil, fmt.Errorf("%w: birthday must be YYYY-MM-DD", ErrInvalidRequest)
		}
	}
	set(&attrs.Birthday, params.Birthday)

	doc := rec.Document.Data()
	doc.CustomAttributes = mergeAttributes(doc.CustomAttributes, params.CustomAttributes)

	rec.Attributes = datatypes.NewJSONType(attrs)
	rec.Document = datatypes.NewJSONType(doc)
	if err := s.db.WithContext(ctx).Save(rec).Error; err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	return s.render(ctx, project, rec)
}

func mergeAttributes(current, updates []models.CustomAttribute) []models.CustomAttribute {
	index := make(map[string]int, len(current))
	out := make([]models.CustomAttribute, 0, len(current)+len(updates))
	for _, a := range current {
		index[a.Key] = len(out)
		out = append(out, a)
	}
	for _, u := range updates {
		if i, ok := index[u.Key]; ok {
			out[i] = u
			continue
		}
		index[u.Key] = len(out)
		out = append(out, u)
	}
	kept := out[:0]
	for _, a := range out {
		if a.Value != nil {
			kept = append(kept, a)
		}
	}
	return kept
}

// Refresh renders the profile after its transactions changed.
func (s *ProfileService) Refresh(ctx context.Context, project *models.Project, profileID string) (*models.Profile, error) {
	rec, err := s.load(ctx, project.ProjectID, profileID)
	if err != nil {
		return nil, err
	}
	return s.render(ctx, project, rec)
}

// render builds the profile document from the record and its transactions
// and refreshes the cache.
func (s *ProfileService) render(ctx context.Context, project *models.Project, rec *models.ProfileRecord) (*models.Profile, error) {
	var txs []models.Transaction
	if err := s.db.WithContext(ctx).
		Where("project_id = ? AND profile_id = ?", project.ProjectID, rec.ProfileID).
		Order("purchased_at, id").Find(&txs).Error; err != nil {
		return nil, err
	}

	now := s.now()
	profile := &models.Profile{
		ProfileID:        rec.ProfileID,
		CustomerUserID:   rec.CustomerUserID,
		Timestamp:        now.UnixMilli(),
		CustomAttributes: rec.Document.Data().CustomAttributes,
	}
	_ = profile.Validate()
	grant(profile, project, txs, now)

	if err := s.cache.Set(ctx, project.ProjectID, profile); err != nil {
		s.logger.Warn("profile cache write %s: %v", rec.ProfileID, err)
	}
	return profile, nil
}

func consumable(project *models.Project, tx models.Transaction) bool {
	if tx.IsConsumable {
		return true
	}
	for _, id := range project.ConsumableProducts {
		if id == tx.ProductID {
			return true
		}
	}
	return false
}

// grant fills the purchase collections and the project access level. txs
// must be ordered by purchase time.
func grant(profile *models.Profile, project *models.Project, txs []models.Transaction, now time.Time) {
	var level *models.AccessLevel
	for _, tx := range txs {
		txID := tx.OrderID
		if txID == "" {
			txID = tx.PurchaseToken
		}
		switch models.ProductType(tx.Type) {
		case models.ProductTypeSubs:
			active := tx.ExpiresAt != nil && tx.ExpiresAt.After(now)
			profile.Subscriptions[tx.ProductID] = models.Subscription{
				VendorProductID:     tx.ProductID,
				VendorTransactionID: txID,
				Store:               storeName,
				IsActive:            active,
				IsSandbox:           true,
				ActivatedAt:         tx.PurchasedAt,
				ExpiresAt:           tx.ExpiresAt,
				WillRenew:           active,
				OfferID:             tx.OfferID,
				BasePlanID:          tx.BasePlanID,
			}
		default:
			profile.NonSubscriptions[tx.ProductID] = append(profile.NonSubscriptions[tx.ProductID], models.NonSubscription{
				PurchaseID:          tx.PurchaseToken,
				VendorProductID:     tx.ProductID,
				VendorTransactionID: txID,
				Store:               storeName,
				IsConsumable:        consumable(project, tx),
				IsSandbox:           true,
				PurchasedAt:         tx.PurchasedAt,
			})
		}

		if consumable(project, tx) || project.AccessLevel == "" {
			continue
		}
		candidate := models.AccessLevel{
			ID:              project.AccessLevel,
			VendorProductID: tx.ProductID,
			Store:           storeName,
			ActivatedAt:     tx.PurchasedAt,
			ExpiresAt:       tx.ExpiresAt,
			IsLifetime:      tx.ExpiresAt == nil,
			OfferID:         tx.OfferID,
			BasePlanID:      tx.BasePlanID,
		}
		candidate.IsActive = candidate.IsLifetime || candidate.ExpiresAt.After(now)
		candidate.WillRenew = !candidate.IsLifetime && candidate.IsActive
		if level == nil || outranks(candidate, *level) {
			level = &candidate
		}
	}
	if level != nil {
		profile.AccessLevels[level.ID] = *level
	}
}

// outranks prefers lifetime grants, then the later expiry.
func outranks(a, b models.AccessLevel) bool {
	if a.IsLifetime != b.IsLifetime {
		return a.IsLifetime
	}
	if a.IsLifetime {
		return false
	}
	return a.ExpiresAt.After(*b.ExpiresAt)
}
