package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paykit/internal/models"
)

func TestAddPeriod(t *testing.T) {
	start := time.Date(2026, 1, 31, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		period string
		want   time.Time
	}{
		{"P1D", start.AddDate(0, 0, 1)},
		{"P1W", start.AddDate(0, 0, 7)},
		{"P1M", start.AddDate(0, 1, 0)},
		{"P3M", start.AddDate(0, 3, 0)},
		{"P1Y", start.AddDate(1, 0, 0)},
		{"P1Y2M3D", start.AddDate(1, 2, 3)},
	}
	for _, tt := range tests {
		t.Run(tt.period, func(t *testing.T) {
			got, err := AddPeriod(start, tt.period)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "P", "1M", "PT1H", "P1X"} {
		_, err := AddPeriod(start, bad)
		assert.Error(t, err, bad)
	}
}

func TestMergeAttributes(t *testing.T) {
	current := []models.CustomAttribute{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}}
	got := mergeAttributes(current, []models.CustomAttribute{
		{Key: "b", Value: nil},
		{Key: "a", Value: "10"},
		{Key: "c", Value: true},
	})
	assert.Equal(t, []models.CustomAttribute{{Key: "a", Value: "10"}, {Key: "c", Value: true}}, got)
}

func TestGrantPicksLatestExpiry(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	early := now.Add(24 * time.Hour)
	late := now.Add(48 * time.Hour)
	project := &models.Project{AccessLevel: "pro", ConsumableProducts: []string{"gems"}}
	txs := []models.Transaction{
		{PurchaseToken: "t1", ProductID: "yearly", Type: "subs", ExpiresAt: &late, PurchasedAt: now.Add(-time.Hour)},
		{PurchaseToken: "t2", ProductID: "monthly", Type: "subs", ExpiresAt: &early, PurchasedAt: now},
		{PurchaseToken: "t3", ProductID: "gems", Type: "inapp", PurchasedAt: now},
	}

	profile := &models.Profile{ProfileID: "p"}
	require.NoError(t, profile.Validate())
	grant(profile, project, txs, now)

	level := profile.AccessLevels["pro"]
	assert.True(t, level.IsActive)
	assert.Equal(t, "yearly", level.VendorProductID)
	assert.Len(t, profile.Subscriptions, 2)
	assert.True(t, profile.NonSubscriptions["gems"][0].IsConsumable)
}
