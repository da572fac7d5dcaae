package model

import (
	"time"
)

// Account 积分账户表
// 余额是所有已提交流水 points 之和；held_points 是未结束冻结单的积分总和
// 任何时刻都必须满足 0 <= held_points <= balance
type Account struct {
	ID                  int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID              string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"user_id"`
	Balance             int64      `gorm:"not null;default:0" json:"balance"`
	HeldPoints          int64      `gorm:"not null;default:0" json:"held_points"`
	TotalEarned         int64      `gorm:"not null;default:0" json:"total_earned"`
	TotalRedeemed       int64      `gorm:"not null;default:0" json:"total_redeemed"`
	Tier                string     `gorm:"type:varchar(16);not null;default:bronze" json:"tier"`
	ReferralCode        string     `gorm:"type:varchar(16);uniqueIndex;not null" json:"referral_code"`
	ReferredBy          *string    `gorm:"type:varchar(64)" json:"referred_by,omitempty"`
	NeedsReconciliation bool       `gorm:"not null;default:false" json:"needs_reconciliation"`
	ReconciliationNote  string     `gorm:"type:varchar(256)" json:"reconciliation_note,omitempty"`
	LastEarnedAt        *time.Time `gorm:"index" json:"last_earned_at,omitempty"`
	Version             int        `gorm:"not null;default:0" json:"version"` // 乐观锁版本号
	CreatedAt           time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "loyalty_account"
}

// Available 可用于新冻结或扣减的积分
func (a *Account) Available() int64 {
	return a.Balance - a.HeldPoints
}

// CheckInvariants 校验账户行的基本不变量
func (a *Account) CheckInvariants() bool {
	return a.Balance >= 0 && a.HeldPoints >= 0 && a.HeldPoints <= a.Balance
}
