package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"paykit/internal/models"
)

// Preferences is the device-local key/value store.
type Preferences struct {
	db *gorm.DB
}

func NewPreferences(db *gorm.DB) *Preferences {
	return &Preferences{db: db}
}

// Get returns the value stored under key. ok is false when nothing is stored.
func (p *Preferences) Get(ctx context.Context, key string) (value string, ok bool, err error) {
	var pref models.Preference
	err = p.db.WithContext(ctx).Where("key = ?", key).First(&pref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read preference %s: %w", key, err)
	}
	return pref.Value, true, nil
}

// Set stores value under key, replacing any previous value.
func (p *Preferences) Set(ctx context.Context, key, value string) error {
	pref := models.Preference{Key: key, Value: value}
	err := p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&pref).Error
	if err != nil {
		return fmt.Errorf("write preference %s: %w", key, err)
	}
	return nil
}

// Delete removes the given keys.
func (p *Preferences) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := p.db.WithContext(ctx).Where("key IN ?", keys).Delete(&models.Preference{}).Error; err != nil {
		return fmt.Errorf("delete preferences: %w", err)
	}
	return nil
}

// GetJSON decodes the value under key into dst.
func (p *Preferences) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	raw, ok, err := p.Get(ctx, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("decode preference %s: %w", key, err)
	}
	return true, nil
}

// SetJSON stores v encoded as JSON under key.
func (p *Preferences) SetJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode preference %s: %w", key, err)
	}
	return p.Set(ctx, key, string(raw))
}
