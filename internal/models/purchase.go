package models

import (
	"slices"
	"time"
)

// PurchaseState mirrors the platform's purchase state.
type PurchaseState string

const (
	PurchaseStateUnspecified PurchaseState = "unspecified"
	PurchaseStatePurchased   PurchaseState = "purchased"
	PurchaseStatePending     PurchaseState = "pending"
)

// Purchase is the canonical form of a platform purchase receipt. Immutable once created.
type Purchase struct {
	PurchaseToken  string        `json:"purchase_token"`
	OrderID        string        `json:"order_id,omitempty"`
	PackageName    string        `json:"package_name,omitempty"`
	PurchaseTime   time.Time     `json:"purchase_time"`
	ProductIDs     []string      `json:"product_ids"`
	State          PurchaseState `json:"state"`
	IsAcknowledged bool          `json:"is_acknowledged"`
	IsAutoRenewing bool          `json:"is_auto_renewing"`
	Quantity       int           `json:"quantity"`
	Signature      string        `json:"signature,omitempty"`
	OriginalJSON   string        `json:"original_json,omitempty"`
}

// HasProduct reports whether the receipt covers productID.
func (p *Purchase) HasProduct(productID string) bool {
	return p != nil && slices.Contains(p.ProductIDs, productID)
}

// ReplacementParams asks the platform to replace an active subscription.
type ReplacementParams struct {
	OldVendorProductID string `json:"old_vendor_product_id"`
	// ReplacementMode is the platform proration mode, passed through untouched.
	ReplacementMode int `json:"replacement_mode"`
}

// UnsyncedPurchaseRecord is a platform-confirmed purchase the authority has
// not accepted yet. At most one record exists per purchase token.
type UnsyncedPurchaseRecord struct {
	ID        string             `json:"id"`
	Purchase  Purchase           `json:"purchase"`
	Product   PurchasableProduct `json:"product"`
	Attempts  int                `json:"attempts"`
	LastError string             `json:"last_error,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

// Token is the ledger key of the record.
func (r UnsyncedPurchaseRecord) Token() string {
	return r.Purchase.PurchaseToken
}
