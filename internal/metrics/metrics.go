package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "paykit"

// Metrics groups the collectors of the purchase and reconciliation flows.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	purchases     *prometheus.CounterVec
	retries       *prometheus.CounterVec
	connects      *prometheus.CounterVec
	syncs         *prometheus.CounterVec
	ledgerRecords prometheus.Gauge
	unsolicited   prometheus.Counter
}

// New creates the collectors and registers them with reg when it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		purchases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchases_total",
			Help:      "Purchase attempts by terminal outcome.",
		}, []string{"outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retried attempts by operation.",
		}, []string{"op"}),
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_connects_total",
			Help:      "Billing service connection attempts by result.",
		}, []string{"result"}),
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchase_syncs_total",
			Help:      "Purchase reconciliation runs by result.",
		}, []string{"result"}),
		ledgerRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unsynced_purchases",
			Help:      "Purchases waiting for remote validation.",
		}),
		unsolicited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unsolicited_purchase_updates_total",
			Help:      "Purchase updates delivered while no purchase flow was waiting.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.purchases, m.retries, m.connects, m.syncs, m.ledgerRecords, m.unsolicited)
	}
	return m
}

// Purchase outcomes.
const (
	OutcomeSettled   = "settled"
	OutcomeCancelled = "cancelled"
	OutcomePending   = "pending"
	OutcomeFailed    = "failed"
	OutcomeUnsynced  = "unsynced"
)

const (
	resultOK    = "ok"
	resultError = "error"
)

func resultLabel(err error) string {
	if err != nil {
		return resultError
	}
	return resultOK
}

func (m *Metrics) PurchaseOutcome(outcome string) {
	if m == nil {
		return
	}
	m.purchases.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RetryAttempt(op string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(op).Inc()
}

func (m *Metrics) ConnectAttempt(err error) {
	if m == nil {
		return
	}
	m.connects.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Metrics) SyncCompleted(err error) {
	if m == nil {
		return
	}
	m.syncs.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Metrics) LedgerSize(n int) {
	if m == nil {
		return
	}
	m.ledgerRecords.Set(float64(n))
}

func (m *Metrics) UnsolicitedPurchases(n int) {
	if m == nil {
		return
	}
	m.unsolicited.Add(float64(n))
}
