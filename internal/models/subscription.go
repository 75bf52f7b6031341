package models

import (
	"time"
)

// AccessLevel is a named capability grant derived from one or more purchases.
// Values come from the authority only and are never mutated locally.
type AccessLevel struct {
	ID                          string     `json:"id"`
	IsActive                    bool       `json:"is_active"`
	VendorProductID             string     `json:"vendor_product_id"`
	Store                       string     `json:"store"`
	ActivatedAt                 time.Time  `json:"activated_at"`
	RenewedAt                   *time.Time `json:"renewed_at,omitempty"`
	ExpiresAt                   *time.Time `json:"expires_at,omitempty"` // nil for lifetime grants
	IsLifetime                  bool       `json:"is_lifetime"`
	WillRenew                   bool       `json:"will_renew"`
	IsInGracePeriod             bool       `json:"is_in_grace_period"`
	IsRefund                    bool       `json:"is_refund"`
	ActiveIntroductoryOfferType string     `json:"active_introductory_offer_type,omitempty"`
	OfferID                     string     `json:"offer_id,omitempty"`
	BasePlanID                  string     `json:"base_plan_id,omitempty"`
}

// Subscription is one auto-renewable product the profile owns or owned.
type Subscription struct {
	VendorProductID             string     `json:"vendor_product_id"`
	VendorTransactionID         string     `json:"vendor_transaction_id"`
	Store                       string     `json:"store"`
	IsActive                    bool       `json:"is_active"`
	IsSandbox                   bool       `json:"is_sandbox"`
	ActivatedAt                 time.Time  `json:"activated_at"`
	RenewedAt                   *time.Time `json:"renewed_at,omitempty"`
	ExpiresAt                   *time.Time `json:"expires_at,omitempty"`
	WillRenew                   bool       `json:"will_renew"`
	IsInGracePeriod             bool       `json:"is_in_grace_period"`
	IsRefund                    bool       `json:"is_refund"`
	ActiveIntroductoryOfferType string     `json:"active_introductory_offer_type,omitempty"`
	OfferID                     string     `json:"offer_id,omitempty"`
	BasePlanID                  string     `json:"base_plan_id,omitempty"`
}

// NonSubscription is a one-time purchase record.
type NonSubscription struct {
	PurchaseID          string    `json:"purchase_id"`
	VendorProductID     string    `json:"vendor_product_id"`
	VendorTransactionID string    `json:"vendor_transaction_id"`
	Store               string    `json:"store"`
	IsConsumable        bool      `json:"is_consumable"`
	IsSandbox           bool      `json:"is_sandbox"`
	IsRefund            bool      `json:"is_refund"`
	PurchasedAt         time.Time `json:"purchased_at"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func (a AccessLevel) clone() AccessLevel {
	a.RenewedAt = cloneTime(a.RenewedAt)
	a.ExpiresAt = cloneTime(a.ExpiresAt)
	return a
}

func (s Subscription) clone() Subscription {
	s.RenewedAt = cloneTime(s.RenewedAt)
	s.ExpiresAt = cloneTime(s.ExpiresAt)
	return s
}
