package repository

import (
	"context"
	"errors"
	"time"

	"github.com/mrbabu07/HnilaBazar-sub000/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrHoldNotFound     = errors.New("冻结单不存在")
	ErrHoldStateChanged = errors.New("冻结单状态已变更")
	ErrActiveHoldExists = errors.New("订单已存在有效冻结单")
)

type HoldRepository struct {
	db *gorm.DB
}

func NewHoldRepository(db *gorm.DB) *HoldRepository {
	return &HoldRepository{db: db}
}

func (r *HoldRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

// Create 写入冻结单，active_order_id 唯一索引冲突返回 ErrActiveHoldExists
func (r *HoldRepository) Create(ctx context.Context, tx *gorm.DB, hold *model.RedemptionHold) error {
	err := r.conn(tx).WithContext(ctx).Create(hold).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrActiveHoldExists
	}
	return err
}

func (r *HoldRepository) GetByHoldNo(ctx context.Context, tx *gorm.DB, holdNo string) (*model.RedemptionHold, error) {
	var hold model.RedemptionHold
	err := r.conn(tx).WithContext(ctx).Where("hold_no = ?", holdNo).First(&hold).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrHoldNotFound
		}
		return nil, err
	}
	return &hold, nil
}

func (r *HoldRepository) GetByHoldNoForUpdate(ctx context.Context, tx *gorm.DB, holdNo string) (*model.RedemptionHold, error) {
	var hold model.RedemptionHold
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("hold_no = ?", holdNo).
		First(&hold).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrHoldNotFound
		}
		return nil, err
	}
	return &hold, nil
}

// GetLiveByOrderID 订单当前的有效冻结单，不存在返回 nil, nil
func (r *HoldRepository) GetLiveByOrderID(ctx context.Context, tx *gorm.DB, orderID string) (*model.RedemptionHold, error) {
	var hold model.RedemptionHold
	err := r.conn(tx).WithContext(ctx).Where("active_order_id = ?", orderID).First(&hold).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &hold, nil
}

// GetCommittedByOrderID 订单已提交的冻结单，不存在返回 nil, nil
func (r *HoldRepository) GetCommittedByOrderID(ctx context.Context, tx *gorm.DB, orderID string) (*model.RedemptionHold, error) {
	var hold model.RedemptionHold
	err := r.conn(tx).WithContext(ctx).
		Where("order_id = ? AND state = ?", orderID, model.HoldStateCommitted).
		First(&hold).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &hold, nil
}

// Finish 将 created 状态的冻结单迁移到终态，同时释放订单唯一占位
func (r *HoldRepository) Finish(ctx context.Context, tx *gorm.DB, hold *model.RedemptionHold, to model.HoldState, transactionNo *string, now time.Time) error {
	if !to.Terminal() {
		return ErrHoldStateChanged
	}

	result := r.conn(tx).WithContext(ctx).
		Model(&model.RedemptionHold{}).
		Where("id = ? AND state = ?", hold.ID, model.HoldStateCreated).
		Updates(map[string]interface{}{
			"state":           to,
			"active_order_id": nil,
			"transaction_no":  transactionNo,
			"finished_at":     now,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrHoldStateChanged
	}

	hold.State = to
	hold.ActiveOrderID = nil
	hold.TransactionNo = transactionNo
	hold.FinishedAt = &now
	return nil
}

// GetExpiredHolds 查询已过期但仍处于 created 状态的冻结单
// 待人工对账账户的冻结单无法变更，不返回，避免占满批次
func (r *HoldRepository) GetExpiredHolds(ctx context.Context, now time.Time, limit int) ([]*model.RedemptionHold, error) {
	flagged := r.db.Model(&model.Account{}).
		Select("user_id").
		Where("needs_reconciliation = ?", true)

	var holds []*model.RedemptionHold
	err := r.db.WithContext(ctx).
		Where("state = ? AND expires_at <= ?", model.HoldStateCreated, now).
		Where("user_id NOT IN (?)", flagged).
		Order("expires_at ASC").
		Limit(limit).
		Find(&holds).Error
	return holds, err
}

// SumActivePoints 账户所有 created 冻结单的积分合计，对账用
func (r *HoldRepository) SumActivePoints(ctx context.Context, tx *gorm.DB, userID string) (int64, error) {
	var sum int64
	err := r.conn(tx).WithContext(ctx).
		Model(&model.RedemptionHold{}).
		Where("user_id = ? AND state = ?", userID, model.HoldStateCreated).
		Select("COALESCE(SUM(points), 0)").
		Scan(&sum).Error
	return sum, err
}
