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
	ErrAccountNotFound = errors.New("账户不存在")
	ErrAccountExists   = errors.New("账户已存在")
	ErrOptimisticLock  = errors.New("乐观锁冲突，请重试")
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return r.db
	}
	return tx
}

// Create 新建账户；user_id 或 referral_code 冲突时返回 ErrAccountExists / gorm.ErrDuplicatedKey
func (r *AccountRepository) Create(ctx context.Context, tx *gorm.DB, account *model.Account) error {
	err := r.conn(tx).WithContext(ctx).Create(account).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		if _, getErr := r.GetByUserID(ctx, tx, account.UserID); getErr == nil {
			return ErrAccountExists
		}
	}
	return err
}

func (r *AccountRepository) GetByUserID(ctx context.Context, tx *gorm.DB, userID string) (*model.Account, error) {
	var account model.Account
	err := r.conn(tx).WithContext(ctx).Where("user_id = ?", userID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// GetByUserIDForUpdate 行锁读取，必须在事务中调用
func (r *AccountRepository) GetByUserIDForUpdate(ctx context.Context, tx *gorm.DB, userID string) (*model.Account, error) {
	var account model.Account
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (r *AccountRepository) GetByReferralCode(ctx context.Context, code string) (*model.Account, error) {
	var account model.Account
	err := r.db.WithContext(ctx).Where("referral_code = ?", code).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (r *AccountRepository) ReferralCodeExists(ctx context.Context, code string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Account{}).Where("referral_code = ?", code).Count(&count).Error
	return count > 0, err
}

// UpdateWithVersion 按版本号写回账户的可变字段
//
// WHERE version = 旧版本；没有命中说明期间有其他写入，返回 ErrOptimisticLock，
// 由上层整体重试。成功后 account.Version 自增。
func (r *AccountRepository) UpdateWithVersion(ctx context.Context, tx *gorm.DB, account *model.Account) error {
	result := r.conn(tx).WithContext(ctx).
		Model(&model.Account{}).
		Where("id = ? AND version = ?", account.ID, account.Version).
		Updates(map[string]interface{}{
			"balance":              account.Balance,
			"held_points":          account.HeldPoints,
			"total_earned":         account.TotalEarned,
			"total_redeemed":       account.TotalRedeemed,
			"tier":                 account.Tier,
			"referred_by":          account.ReferredBy,
			"needs_reconciliation": account.NeedsReconciliation,
			"reconciliation_note":  account.ReconciliationNote,
			"last_earned_at":       account.LastEarnedAt,
			"version":              gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}

	account.Version++
	return nil
}

// MarkNeedsReconciliation 标记账户待人工对账，标记后拒绝一切写操作
func (r *AccountRepository) MarkNeedsReconciliation(ctx context.Context, userID, note string) error {
	return r.db.WithContext(ctx).
		Model(&model.Account{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"needs_reconciliation": true,
			"reconciliation_note":  truncate(note, maxErrorLength),
		}).Error
}

// ListExpiryCandidates 查询最后一次获得积分早于 before 且仍有可用积分的账户
func (r *AccountRepository) ListExpiryCandidates(ctx context.Context, before time.Time, limit int) ([]*model.Account, error) {
	var accounts []*model.Account
	err := r.db.WithContext(ctx).
		Where("needs_reconciliation = ? AND balance > held_points AND last_earned_at < ?", false, before).
		Order("id ASC").
		Limit(limit).
		Find(&accounts).Error
	return accounts, err
}
