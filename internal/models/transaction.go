package models

import (
	"time"
)

// Transaction 通用交易表
// 存储所有已验证的 Google Play 交易（订阅和一次性内购）
type Transaction struct {
	BaseModel

	// 关联字段
	ProjectID string `json:"project_id" gorm:"not null;index"` // 项目ID
	ProfileID string `json:"profile_id" gorm:"size:36;index"`  // 档案ID

	// 交易标识
	PurchaseToken string `json:"purchase_token" gorm:"not null;size:512;uniqueIndex"` // 购买令牌
	OrderID       string `json:"order_id" gorm:"size:100;index"`                      // 订单ID

	// 产品信息
	ProductID  string `json:"product_id" gorm:"size:100"`
	BasePlanID string `json:"base_plan_id" gorm:"size:100"`
	OfferID    string `json:"offer_id" gorm:"size:100"`

	// 交易类型
	Type         string `json:"type" gorm:"not null;size:20;index"` // subs 或 inapp
	IsConsumable bool   `json:"is_consumable"`

	// 价格快照
	PriceAmountMicros int64  `json:"price_amount_micros"`
	CurrencyCode      string `json:"currency_code" gorm:"size:3"`
	BillingPeriod     string `json:"billing_period" gorm:"size:20"`

	// 来源
	PlacementID string `json:"placement_id" gorm:"size:100"`
	PaywallID   string `json:"paywall_id" gorm:"size:64"`
	VariationID string `json:"variation_id" gorm:"size:64"`
	Source      string `json:"source" gorm:"size:20"` // validate 或 restore

	// 时间
	PurchasedAt time.Time  `json:"purchased_at"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

// TableName 指定表名
func (Transaction) TableName() string {
	return "transactions"
}
