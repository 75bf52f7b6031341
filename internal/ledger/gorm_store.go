package ledger

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"paykit/internal/models"
)

// GormStore keeps records in the unsynced_purchases table. The upsert runs as
// a single INSERT .. ON CONFLICT statement.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Append(ctx context.Context, rec models.UnsyncedPurchaseRecord) error {
	row := models.NewUnsyncedPurchase(rec)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "purchase_token"}},
		DoUpdates: clause.Assignments(map[string]any{
			"product_id": row.ProductID,
			"purchase":   row.Purchase,
			"product":    row.Product,
			"attempts":   gorm.Expr("unsynced_purchases.attempts + 1"),
			"last_error": row.LastError,
			"updated_at": gorm.Expr("CURRENT_TIMESTAMP"),
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("append unsynced purchase %s: %w", rec.Token(), err)
	}
	return nil
}

func (s *GormStore) Remove(ctx context.Context, purchaseToken string) error {
	err := s.db.WithContext(ctx).Where("purchase_token = ?", purchaseToken).Delete(&models.UnsyncedPurchase{}).Error
	if err != nil {
		return fmt.Errorf("remove unsynced purchase %s: %w", purchaseToken, err)
	}
	return nil
}

func (s *GormStore) List(ctx context.Context) ([]models.UnsyncedPurchaseRecord, error) {
	var rows []models.UnsyncedPurchase
	if err := s.db.WithContext(ctx).Order("created_at ASC, record_id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list unsynced purchases: %w", err)
	}
	out := make([]models.UnsyncedPurchaseRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Record())
	}
	return out, nil
}

func (s *GormStore) Len(ctx context.Context) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.UnsyncedPurchase{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count unsynced purchases: %w", err)
	}
	return int(count), nil
}

var _ Store = (*GormStore)(nil)
