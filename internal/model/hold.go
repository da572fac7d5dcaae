package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type HoldState string

const (
	HoldStateCreated   HoldState = "created"
	HoldStateCommitted HoldState = "committed"
	HoldStateReleased  HoldState = "released"
	HoldStateExpired   HoldState = "expired"
)

// Terminal 是否已经是终态
func (s HoldState) Terminal() bool {
	return s == HoldStateCommitted || s == HoldStateReleased || s == HoldStateExpired
}

// RedemptionHold 积分冻结单
// ActiveOrderID 只在 created 状态下等于 OrderID，终态置空，
// 依靠唯一索引保证一个订单同时最多只有一张有效冻结单
type RedemptionHold struct {
	ID             int64           `gorm:"primaryKey;autoIncrement" json:"-"`
	HoldNo         string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"hold_id"`
	UserID         string          `gorm:"type:varchar(64);index;not null" json:"user_id"`
	OrderID        string          `gorm:"type:varchar(64);index;not null" json:"order_id"`
	ActiveOrderID  *string         `gorm:"type:varchar(64);uniqueIndex" json:"-"`
	Points         int64           `gorm:"not null" json:"points"`
	DiscountAmount decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"discount_amount"`
	OrderSubtotal  decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"order_subtotal"`
	CouponCode     string          `gorm:"type:varchar(64)" json:"coupon_code,omitempty"`
	State          HoldState       `gorm:"type:varchar(20);index;not null" json:"state"`
	TransactionNo  *string         `gorm:"type:varchar(64)" json:"transaction_no,omitempty"`
	ExpiresAt      time.Time       `gorm:"index;not null" json:"expires_at"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (RedemptionHold) TableName() string {
	return "loyalty_hold"
}

// PastTTL 冻结单是否已超过有效期
func (h *RedemptionHold) PastTTL(now time.Time) bool {
	return h.State == HoldStateCreated && !now.Before(h.ExpiresAt)
}
