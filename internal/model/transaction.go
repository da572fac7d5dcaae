package model

import (
	"time"
)

// TransactionType 流水类型，只允许下面五种取值
type TransactionType string

const (
	TransactionTypeEarn          TransactionType = "earn"           // 消费获得
	TransactionTypeRedeem        TransactionType = "redeem"         // 抵扣订单
	TransactionTypeExpire        TransactionType = "expire"         // 过期清除
	TransactionTypeReferralBonus TransactionType = "referral_bonus" // 推荐奖励
	TransactionTypeAdminAdjust   TransactionType = "admin_adjust"   // 人工调整
)

// Valid 判断类型是否合法
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypeEarn, TransactionTypeRedeem, TransactionTypeExpire,
		TransactionTypeReferralBonus, TransactionTypeAdminAdjust:
		return true
	}
	return false
}

// EventName 对应的 outbox 事件名
func (t TransactionType) EventName() string {
	switch t {
	case TransactionTypeEarn:
		return "points.earned"
	case TransactionTypeRedeem:
		return "points.redeemed"
	case TransactionTypeExpire:
		return "points.expired"
	case TransactionTypeReferralBonus:
		return "referral.bonus"
	case TransactionTypeAdminAdjust:
		return "points.adjusted"
	}
	return "points.unknown"
}

// CountsAsEarned 该类型的正向流水是否计入累计获得
func (t TransactionType) CountsAsEarned() bool {
	switch t {
	case TransactionTypeEarn, TransactionTypeReferralBonus:
		return true
	case TransactionTypeRedeem, TransactionTypeExpire, TransactionTypeAdminAdjust:
		return false
	}
	return false
}

// LoyaltyTransaction 积分流水表
// 只追加，不修改，不删除；过期也是一条新的流水
type LoyaltyTransaction struct {
	ID             int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo  string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"`
	UserID         string          `gorm:"type:varchar(64);index;not null" json:"user_id"`
	Type           TransactionType `gorm:"type:varchar(20);not null" json:"type"`
	Points         int64           `gorm:"not null" json:"points"` // 正数入账，负数出账
	BalanceAfter   int64           `gorm:"not null" json:"balance_after"`
	Reason         string          `gorm:"type:varchar(256)" json:"reason"`
	RelatedOrderID *string         `gorm:"type:varchar(64);index" json:"related_order_id,omitempty"`
	IdempotencyKey *string         `gorm:"type:varchar(128);uniqueIndex" json:"idempotency_key,omitempty"`
	ActorID        *string         `gorm:"type:varchar(64)" json:"actor_id,omitempty"`
	CreatedAt      time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
}

func (LoyaltyTransaction) TableName() string {
	return "loyalty_transaction"
}
