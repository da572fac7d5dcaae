package repository

import (
	"context"
	"time"

	"github.com/mrbabu07/HnilaBazar-sub000/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DeferredEventRepository struct {
	db *gorm.DB
}

func NewDeferredEventRepository(db *gorm.DB) *DeferredEventRepository {
	return &DeferredEventRepository{db: db}
}

// Park 保存待重放的事件；同一 EventKey 已存在时重新置为待处理
func (r *DeferredEventRepository) Park(ctx context.Context, evt *model.DeferredOrderEvent) error {
	evt.Status = model.DeferredStatusPending
	evt.LastError = truncate(evt.LastError, maxErrorLength)
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"payload", "status", "last_error", "next_attempt_at", "updated_at"}),
		}).
		Create(evt).Error
}

// ListDue 到期待重放的事件，按 NextAttemptAt 先后
func (r *DeferredEventRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.DeferredOrderEvent, error) {
	var events []*model.DeferredOrderEvent
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at <= ?", model.DeferredStatusPending, now).
		Order("next_attempt_at ASC, id ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *DeferredEventRepository) MarkDone(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.DeferredOrderEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":   model.DeferredStatusDone,
			"attempts": gorm.Expr("attempts + 1"),
		}).Error
}

// Reschedule 重放失败，推迟到 next 再试
func (r *DeferredEventRepository) Reschedule(ctx context.Context, id int64, next time.Time, cause error) error {
	return r.db.WithContext(ctx).
		Model(&model.DeferredOrderEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"attempts":        gorm.Expr("attempts + 1"),
			"last_error":      truncate(cause.Error(), maxErrorLength),
			"next_attempt_at": next,
		}).Error
}
