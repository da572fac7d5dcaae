package model

import (
	"time"
)

type OutboxStatus string

const (
	OutboxStatusPending OutboxStatus = "PENDING"
	OutboxStatusSent    OutboxStatus = "SENT"
	OutboxStatusFailed  OutboxStatus = "FAILED"
)

// OutboxMessage 待发往 loyalty_events 的积分事件
//
// 和账户变更在同一个事务中写入。UserID 作为 Kafka 分区键，
// 同一账户的事件按 ID 顺序投递。
type OutboxMessage struct {
	ID        int64        `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    string       `gorm:"type:varchar(64);not null" json:"user_id"`
	Topic     string       `gorm:"type:varchar(64);not null" json:"topic"`
	EventType string       `gorm:"type:varchar(32);not null" json:"event_type"`
	Payload   string       `gorm:"type:text;not null" json:"payload"`
	Status    OutboxStatus `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	Attempts  int          `gorm:"not null;default:0" json:"attempts"`
	LastError string       `gorm:"type:varchar(256)" json:"last_error,omitempty"`
	SentAt    *time.Time   `json:"sent_at,omitempty"`
	CreatedAt time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "loyalty_outbox"
}
