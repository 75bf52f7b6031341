package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// BaseModel provides common fields for all database models
type BaseModel struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at" gorm:"index"`
}

// Preference is a key/value row of the device-local store
// (cached profile, device id, profile state flags).
type Preference struct {
	Key       string    `gorm:"primaryKey;size:128"`
	Value     string    `gorm:"type:text"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// UnsyncedPurchase is the durable row behind an UnsyncedPurchaseRecord.
type UnsyncedPurchase struct {
	RecordID      string `gorm:"size:26;uniqueIndex;not null"`
	PurchaseToken string `gorm:"primaryKey;size:512"`
	ProductID     string `gorm:"size:200;index"`
	Purchase      datatypes.JSONType[Purchase]
	Product       datatypes.JSONType[PurchasableProduct]
	Attempts      int       `gorm:"not null;default:0"`
	LastError     string    `gorm:"type:text"`
	CreatedAt     time.Time `gorm:"index"`
	UpdatedAt     time.Time
}

// TableName 指定表名
func (UnsyncedPurchase) TableName() string {
	return "unsynced_purchases"
}

// Record converts the row back into the domain record.
func (u UnsyncedPurchase) Record() UnsyncedPurchaseRecord {
	return UnsyncedPurchaseRecord{
		ID:        u.RecordID,
		Purchase:  u.Purchase.Data(),
		Product:   u.Product.Data(),
		Attempts:  u.Attempts,
		LastError: u.LastError,
		CreatedAt: u.CreatedAt,
	}
}

// NewUnsyncedPurchase builds the row for rec.
func NewUnsyncedPurchase(rec UnsyncedPurchaseRecord) UnsyncedPurchase {
	return UnsyncedPurchase{
		RecordID:      rec.ID,
		PurchaseToken: rec.Purchase.PurchaseToken,
		ProductID:     rec.Product.VendorProductID,
		Purchase:      datatypes.NewJSONType(rec.Purchase),
		Product:       datatypes.NewJSONType(rec.Product),
		Attempts:      rec.Attempts,
		LastError:     rec.LastError,
		CreatedAt:     rec.CreatedAt,
	}
}

// Project represents an app registered with the sandbox authority
type Project struct {
	BaseModel
	ProjectID   string `json:"project_id" gorm:"uniqueIndex;not null"`
	ProjectName string `json:"project_name" gorm:"not null"`
	APIKey      string `json:"api_key" gorm:"uniqueIndex;not null"`
	PackageName string `json:"package_name" gorm:"index"`
	IsActive    bool   `json:"is_active" gorm:"default:true"`
	Description string `json:"description"`

	// AccessLevel is granted by every validated purchase of this project.
	AccessLevel string `json:"access_level" gorm:"size:64;default:'premium'"`
	// ConsumableProducts lists product ids that grant no access level.
	ConsumableProducts datatypes.JSONSlice[string] `json:"consumable_products"`
	RateLimit          int                         `json:"rate_limit" gorm:"default:0"` // requests per second, 0 = server default

	// WebhookURL receives a signed notification per recorded purchase.
	WebhookURL    string `json:"webhook_url"`
	WebhookSecret string `json:"-"`
}

// ProfileRecord stores an authority-side profile document.
type ProfileRecord struct {
	BaseModel
	ProjectID      string `gorm:"not null;index"`
	ProfileID      string `gorm:"size:36;uniqueIndex;not null"`
	DeviceID       string `gorm:"size:64;index"`
	CustomerUserID string `gorm:"size:200;index"`
	Installation   datatypes.JSONType[InstallationMeta]
	Attributes     datatypes.JSONType[ProfileAttributes]
	Document       datatypes.JSONType[Profile]
}

// ProfileAttributes is the editable part of an authority-side profile.
type ProfileAttributes struct {
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	Email       string `json:"email,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
	Gender      string `json:"gender,omitempty"`
	Birthday    string `json:"birthday,omitempty"`
}

// PaywallRecord stores a paywall and its UI description for a placement.
type PaywallRecord struct {
	BaseModel
	ProjectID   string `gorm:"not null;index:idx_paywall_placement,priority:1"`
	PlacementID string `gorm:"size:100;not null;index:idx_paywall_placement,priority:2"`
	PaywallID   string `gorm:"size:64;uniqueIndex;not null"`
	Document    datatypes.JSONType[Paywall]
	UI          datatypes.JSON
}

// EventRecord is an analytics event received by the sandbox authority.
type EventRecord struct {
	ID        uint   `gorm:"primaryKey"`
	ProjectID string `gorm:"not null;index"`
	ProfileID string `gorm:"size:36;index"`
	Type      string `gorm:"size:100;index"`
	Payload   datatypes.JSON
	CreatedAt time.Time `gorm:"index"`
}
