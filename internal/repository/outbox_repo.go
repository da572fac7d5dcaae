package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mrbabu07/HnilaBazar-sub000/internal/model"

	"gorm.io/gorm"
)

const maxErrorLength = 256

type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Enqueue 序列化事件并写入本地消息表，tx 为账户变更所在的事务
func (r *OutboxRepository) Enqueue(ctx context.Context, tx *gorm.DB, topic, userID, eventType string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(&model.OutboxMessage{
		UserID:    userID,
		Topic:     topic,
		EventType: eventType,
		Payload:   string(body),
		Status:    model.OutboxStatusPending,
	}).Error
}

func (r *OutboxRepository) GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	var messages []*model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxStatusPending).
		Order("id ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

func (r *OutboxRepository) MarkSent(ctx context.Context, id int64, now time.Time) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":  model.OutboxStatusSent,
			"sent_at": now,
		}).Error
}

// RecordFailure 记录一次投递失败；giveUp 为 true 时消息不再投递
func (r *OutboxRepository) RecordFailure(ctx context.Context, id int64, cause error, giveUp bool) error {
	updates := map[string]interface{}{
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": truncate(cause.Error(), maxErrorLength),
	}
	if giveUp {
		updates["status"] = model.OutboxStatusFailed
	}
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// truncate 按字节截断，不截断半个字符
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
