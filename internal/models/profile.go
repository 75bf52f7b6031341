package models

import (
	"errors"
	"fmt"
)

// Profile is the authoritative record of what a user is allowed to access.
type Profile struct {
	ProfileID        string                       `json:"profile_id"`
	CustomerUserID   string                       `json:"customer_user_id,omitempty"`
	Segment          string                       `json:"segment_hash,omitempty"`
	Timestamp        int64                        `json:"timestamp"`
	AccessLevels     map[string]AccessLevel       `json:"access_levels"`
	Subscriptions    map[string]Subscription      `json:"subscriptions"`
	NonSubscriptions map[string][]NonSubscription `json:"non_subscriptions"`
	CustomAttributes []CustomAttribute            `json:"custom_attributes"`
}

// CustomAttribute is a free-form key/value entry attached to a profile.
type CustomAttribute struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// ErrInvalidProfile is returned when a payload cannot be accepted as a profile.
var ErrInvalidProfile = errors.New("invalid profile")

// Validate checks the fields every profile must carry and fills the empty
// collections, so readers never have to nil-check them.
func (p *Profile) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: missing body", ErrInvalidProfile)
	}
	if p.ProfileID == "" {
		return fmt.Errorf("%w: profile_id is required", ErrInvalidProfile)
	}
	if p.AccessLevels == nil {
		p.AccessLevels = map[string]AccessLevel{}
	}
	if p.Subscriptions == nil {
		p.Subscriptions = map[string]Subscription{}
	}
	if p.NonSubscriptions == nil {
		p.NonSubscriptions = map[string][]NonSubscription{}
	}
	if p.CustomAttributes == nil {
		p.CustomAttributes = []CustomAttribute{}
	}
	return nil
}

// Clone returns a deep copy safe to hand to subscribers.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	out := *p
	out.AccessLevels = make(map[string]AccessLevel, len(p.AccessLevels))
	for k, v := range p.AccessLevels {
		out.AccessLevels[k] = v.clone()
	}
	out.Subscriptions = make(map[string]Subscription, len(p.Subscriptions))
	for k, v := range p.Subscriptions {
		out.Subscriptions[k] = v.clone()
	}
	out.NonSubscriptions = make(map[string][]NonSubscription, len(p.NonSubscriptions))
	for k, v := range p.NonSubscriptions {
		items := make([]NonSubscription, len(v))
		copy(items, v)
		out.NonSubscriptions[k] = items
	}
	if p.CustomAttributes != nil {
		out.CustomAttributes = make([]CustomAttribute, len(p.CustomAttributes))
		copy(out.CustomAttributes, p.CustomAttributes)
	}
	return &out
}

// OwnsProduct reports whether productID already shows up among the
// profile's subscriptions or one-time purchases.
func (p *Profile) OwnsProduct(productID string) bool {
	if p == nil || productID == "" {
		return false
	}
	if _, ok := p.Subscriptions[productID]; ok {
		return true
	}
	for _, sub := range p.Subscriptions {
		if sub.VendorProductID == productID {
			return true
		}
	}
	if _, ok := p.NonSubscriptions[productID]; ok {
		return true
	}
	for _, items := range p.NonSubscriptions {
		for _, item := range items {
			if item.VendorProductID == productID {
				return true
			}
		}
	}
	return false
}

// HasActiveAccess reports whether the named access level is active.
func (p *Profile) HasActiveAccess(level string) bool {
	if p == nil {
		return false
	}
	al, ok := p.AccessLevels[level]
	return ok && al.IsActive
}

// ProfileParams carries the editable profile fields. Nil pointers are left
// untouched by the authority.
type ProfileParams struct {
	FirstName        *string           `json:"first_name,omitempty"`
	LastName         *string           `json:"last_name,omitempty"`
	Email            *string           `json:"email,omitempty"`
	PhoneNumber      *string           `json:"phone_number,omitempty"`
	Gender           *string           `json:"gender,omitempty"`
	Birthday         *string           `json:"birthday,omitempty"` // YYYY-MM-DD
	CustomAttributes []CustomAttribute `json:"custom_attributes,omitempty"`
}

// InstallationMeta decorates profile creation requests.
type InstallationMeta struct {
	DeviceID     string `json:"device_id"`
	Platform     string `json:"platform,omitempty"`
	OS           string `json:"os,omitempty"`
	AppVersion   string `json:"app_version,omitempty"`
	SDKVersion   string `json:"sdk_version,omitempty"`
	StoreCountry string `json:"store_country,omitempty"`
	Locale       string `json:"locale,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
}
