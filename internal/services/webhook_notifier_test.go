package services

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paykit/internal/models"
)

func TestWebhookNotifierSignsAndRetries(t *testing.T) {
	var calls atomic.Int32
	var got WebhookPayload
	var signature string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		body, _ = io.ReadAll(r.Body)
		signature = r.Header.Get(SignatureHeader)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wn := NewWebhookNotifier()
	wn.Delays = []time.Duration{time.Millisecond}
	project := &models.Project{ProjectID: "p1", WebhookURL: srv.URL, WebhookSecret: "s3cret"}
	wn.Notify(context.Background(), project, []models.Transaction{{
		ProfileID: "prof", PurchaseToken: "tok", ProductID: "premium_monthly", Type: "subs", Source: SourceValidate,
	}})

	require.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "purchase.validated", got.Event)
	assert.Equal(t, "tok", got.PurchaseToken)
	assert.Equal(t, Sign(body, "s3cret"), signature)
}

func TestWebhookNotifierGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	wn := NewWebhookNotifier()
	wn.Delays = []time.Duration{time.Millisecond, time.Millisecond}
	wn.Notify(context.Background(), &models.Project{WebhookURL: srv.URL}, []models.Transaction{{PurchaseToken: "tok", Source: SourceRestore}})
	assert.Equal(t, int32(3), calls.Load())

	// No URL, no delivery.
	wn.Notify(context.Background(), &models.Project{}, []models.Transaction{{PurchaseToken: "tok"}})
	assert.Equal(t, int32(3), calls.Load())
}
