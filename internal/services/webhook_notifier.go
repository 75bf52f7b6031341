package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"paykit/internal/models"
	"paykit/pkg/logging"
)

// SignatureHeader carries the hex HMAC-SHA256 of the webhook body.
const SignatureHeader = "X-Paykit-Signature"

// WebhookNotifier tells a project's backend about recorded purchases
type WebhookNotifier struct {
	httpClient *http.Client
	// Delays between attempts; one attempt more than there are delays.
	Delays []time.Duration
}

// NewWebhookNotifier creates a new webhook notifier
func NewWebhookNotifier() *WebhookNotifier {
	return &WebhookNotifier{
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		Delays: []time.Duration{1 * time.Second, 5 * time.Second},
	}
}

// WebhookPayload represents the payload sent to the project backend
type WebhookPayload struct {
	Event         string     `json:"event"` // purchase.validated or purchase.restored
	ProjectID     string     `json:"project_id"`
	ProfileID     string     `json:"profile_id"`
	PurchaseToken string     `json:"purchase_token"`
	OrderID       string     `json:"order_id,omitempty"`
	ProductID     string     `json:"product_id"`
	Type          string     `json:"type"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	Timestamp     string     `json:"timestamp"` // RFC 3339
}

// Notify sends one webhook per transaction. It blocks until every delivery
// succeeded or ran out of attempts; callers run it in a goroutine.
func (wn *WebhookNotifier) Notify(ctx context.Context, project *models.Project, txs []models.Transaction) {
	if wn == nil || project.WebhookURL == "" {
		return
	}
	for _, tx := range txs {
		payload := WebhookPayload{
			Event:         "purchase." + tx.Source + "d",
			ProjectID:     project.ProjectID,
			ProfileID:     tx.ProfileID,
			PurchaseToken: tx.PurchaseToken,
			OrderID:       tx.OrderID,
			ProductID:     tx.ProductID,
			Type:          tx.Type,
			ExpiresAt:     tx.ExpiresAt,
			Timestamp:     time.Now().UTC().Format(time.RFC3339),
		}
		wn.sendWithRetry(ctx, project.WebhookURL, project.WebhookSecret, payload)
	}
}

func (wn *WebhookNotifier) sendWithRetry(ctx context.Context, callbackURL, secret string, payload WebhookPayload) {
	attempts := len(wn.Delays) + 1
	for attempt := 0; attempt < attempts; attempt++ {
		err := wn.sendWebhook(ctx, callbackURL, secret, payload)
		if err == nil {
			logging.Infof("Webhook sent - url: %s, purchase: %s, attempt: %d", callbackURL, payload.PurchaseToken, attempt+1)
			return
		}
		logging.Errorf("Webhook failed - url: %s, purchase: %s, attempt: %d, error: %v", callbackURL, payload.PurchaseToken, attempt+1, err)

		if attempt == attempts-1 {
			break
		}
		select {
		case <-time.After(wn.Delays[attempt]):
		case <-ctx.Done():
			return
		}
	}
	logging.Errorf("Webhook gave up after %d attempts - url: %s, purchase: %s", attempts, callbackURL, payload.PurchaseToken)
}

func (wn *WebhookNotifier) sendWebhook(ctx context.Context, callbackURL, secret string, payload WebhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Paykit-Webhook/1.0")
	if secret != "" {
		req.Header.Set(SignatureHeader, Sign(body, secret))
	}

	resp, err := wn.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
