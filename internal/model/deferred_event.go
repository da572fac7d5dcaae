package model

import (
	"time"
)

type DeferredStatus string

const (
	DeferredStatusPending DeferredStatus = "PENDING"
	DeferredStatusDone    DeferredStatus = "DONE"
)

// DeferredOrderEvent 暂时无法处理的订单事件
//
// 账户处于人工对账等状态时，订单事件先落库并提交 Kafka 位点，
// 由重放任务在 NextAttemptAt 之后重新处理。EventKey = event_type:order_id。
type DeferredOrderEvent struct {
	ID            int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	EventKey      string         `gorm:"type:varchar(128);uniqueIndex;not null" json:"event_key"`
	EventType     string         `gorm:"type:varchar(32);not null" json:"event_type"`
	OrderID       string         `gorm:"type:varchar(64);not null" json:"order_id"`
	UserID        string         `gorm:"type:varchar(64);index" json:"user_id"`
	Payload       string         `gorm:"type:text;not null" json:"payload"`
	Status        DeferredStatus `gorm:"type:varchar(20);not null;default:PENDING" json:"status"`
	Attempts      int            `gorm:"not null;default:0" json:"attempts"`
	LastError     string         `gorm:"type:varchar(256)" json:"last_error,omitempty"`
	NextAttemptAt time.Time      `gorm:"index;not null" json:"next_attempt_at"`
	CreatedAt     time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (DeferredOrderEvent) TableName() string {
	return "loyalty_deferred_event"
}
