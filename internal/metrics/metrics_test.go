package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.PurchaseOutcome(OutcomeSettled)
	m.RetryAttempt("validate")
	m.ConnectAttempt(errors.New("boom"))
	m.SyncCompleted(nil)
	m.LedgerSize(3)
	m.UnsolicitedPurchases(1)
}

func TestCollectorsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.PurchaseOutcome(OutcomeSettled)
	m.PurchaseOutcome(OutcomeSettled)
	m.PurchaseOutcome(OutcomeUnsynced)
	m.ConnectAttempt(nil)
	m.ConnectAttempt(errors.New("unavailable"))
	m.LedgerSize(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.purchases.WithLabelValues(OutcomeSettled)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.purchases.WithLabelValues(OutcomeUnsynced)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connects.WithLabelValues("error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ledgerRecords))

	count, err := testutil.GatherAndCount(reg)
	assert.NoError(t, err)
	assert.Greater(t, count, 0)
}
