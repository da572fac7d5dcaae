package repository

import (
	"context"
	"errors"

	"github.com/mrbabu07/HnilaBazar-sub000/internal/model"

	"gorm.io/gorm"
)

// TransactionRepository 积分流水仓储
// 流水只追加，这里不提供更新和删除
type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, tx *gorm.DB, trans *model.LoyaltyTransaction) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(trans).Error
}

// GetByIdempotencyKey 不存在时返回 nil, nil
func (r *TransactionRepository) GetByIdempotencyKey(ctx context.Context, tx *gorm.DB, key string) (*model.LoyaltyTransaction, error) {
	if tx == nil {
		tx = r.db
	}
	var trans model.LoyaltyTransaction
	err := tx.WithContext(ctx).Where("idempotency_key = ?", key).First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trans, nil
}

// ListByUserID 按提交顺序倒序分页，自增 id 即单账户内的提交顺序
func (r *TransactionRepository) ListByUserID(ctx context.Context, userID string, page, pageSize int) ([]*model.LoyaltyTransaction, int64, error) {
	var transactions []*model.LoyaltyTransaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.LoyaltyTransaction{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&transactions).Error

	return transactions, total, err
}

// SumPointsByUserID 流水 points 合计，对账用
func (r *TransactionRepository) SumPointsByUserID(ctx context.Context, tx *gorm.DB, userID string) (int64, error) {
	if tx == nil {
		tx = r.db
	}
	var sum int64
	err := tx.WithContext(ctx).
		Model(&model.LoyaltyTransaction{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(points), 0)").
		Scan(&sum).Error
	return sum, err
}
