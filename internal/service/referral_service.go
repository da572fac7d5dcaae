package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mrbabu07/HnilaBazar-sub000/internal/config"
	"github.com/mrbabu07/HnilaBazar-sub000/internal/model"
	"github.com/mrbabu07/HnilaBazar-sub000/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	referralCodeLength      = 8
	maxReferralCodeAttempts = 5
)

// newReferralCode 取 uuid 去掉连字符后的前 8 位，转大写
func newReferralCode() string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	return strings.ToUpper(raw[:referralCodeLength])
}

// generateReferralCode 生成一个当前未被占用的推荐码
// 检查与写入之间仍可能撞车，由唯一索引兜底、调用方重试
func generateReferralCode(ctx context.Context, repo *repository.AccountRepository) (string, error) {
	for attempt := 0; attempt < maxReferralCodeAttempts; attempt++ {
		code := newReferralCode()
		exists, err := repo.ReferralCodeExists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("查询推荐码失败: %w", err)
		}
		if !exists {
			return code, nil
		}
	}
	return "", fmt.Errorf("推荐码连续 %d 次冲突", maxReferralCodeAttempts)
}

// ReferralKey 推荐奖励的幂等键，同一对推荐关系只奖励一次
func ReferralKey(referrerID, newUserID string) string {
	return fmt.Sprintf("referral:%s:%s", referrerID, newUserID)
}

// ReferralService 推荐关系
type ReferralService struct {
	ledger      *LedgerService
	accountRepo *repository.AccountRepository
	cfg         *config.Config
	logger      *zap.Logger
}

func NewReferralService(db *gorm.DB, ledger *LedgerService, cfg *config.Config, logger *zap.Logger) *ReferralService {
	return &ReferralService{
		ledger:      ledger,
		accountRepo: repository.NewAccountRepository(db),
		cfg:         cfg,
		logger:      logger,
	}
}

// GenerateCode 返回用户的推荐码，账户不存在时一并创建
func (s *ReferralService) GenerateCode(ctx context.Context, userID string) (string, error) {
	account, _, err := s.ledger.EnsureAccount(ctx, userID)
	if err != nil {
		return "", err
	}
	return account.ReferralCode, nil
}

type ReferralResult struct {
	ReferrerID    string `json:"referrer_id"`
	NewUserID     string `json:"new_user_id"`
	BonusPoints   int64  `json:"bonus_points"`
	TransactionNo string `json:"transaction_no"`
}

// ApplyReferral 新用户绑定推荐码，推荐人获得奖励积分
//
// 推荐关系一经绑定不可更改。先写 referred_by 再发奖励：
// 奖励失败时重试本接口会走到"已绑定同一推荐人"分支，补发幂等奖励后返回 AlreadyReferred。
func (s *ReferralService) ApplyReferral(ctx context.Context, newUserID, code string) (*ReferralResult, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if newUserID == "" || code == "" {
		return nil, ErrInvalidArgument.WithContext("reason", "new_user_id 和 referral_code 不能为空")
	}

	referrer, err := s.accountRepo.GetByReferralCode(ctx, code)
	if errors.Is(err, repository.ErrAccountNotFound) {
		return nil, ErrInvalidReferralCode.WithContext("referral_code", code)
	}
	if err != nil {
		return nil, fmt.Errorf("查询推荐码失败: %w", err)
	}
	if referrer.UserID == newUserID {
		return nil, ErrSelfReferral.WithContext("user_id", newUserID)
	}

	if _, _, err := s.ledger.EnsureAccount(ctx, newUserID); err != nil {
		return nil, err
	}

	var boundTo string
	_, err = retryOnConflict(ctx, s.cfg.Loyalty.ConflictMaxTries, func() (struct{}, error) {
		boundTo = ""
		return struct{}{}, s.ledger.Mutate(ctx, newUserID, func(tx *gorm.DB, account *model.Account) error {
			if account.ReferredBy != nil {
				boundTo = *account.ReferredBy
				return errNoop
			}
			referrerID := referrer.UserID
			account.ReferredBy = &referrerID
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if boundTo != "" {
		if boundTo == referrer.UserID {
			if _, err := s.creditBonus(ctx, referrer.UserID, newUserID); err != nil {
				return nil, err
			}
		}
		return nil, ErrAlreadyReferred.WithContext("new_user_id", newUserID, "referred_by", boundTo)
	}

	credit, err := s.creditBonus(ctx, referrer.UserID, newUserID)
	if err != nil {
		s.logger.Error("推荐奖励入账失败，等待重试",
			zap.String("referrer_id", referrer.UserID),
			zap.String("new_user_id", newUserID),
			zap.Error(err),
		)
		return nil, err
	}

	s.logger.Info("推荐关系绑定成功",
		zap.String("referrer_id", referrer.UserID),
		zap.String("new_user_id", newUserID),
		zap.Int64("bonus_points", credit.Transaction.Points),
	)
	return &ReferralResult{
		ReferrerID:    referrer.UserID,
		NewUserID:     newUserID,
		BonusPoints:   credit.Transaction.Points,
		TransactionNo: credit.Transaction.TransactionNo,
	}, nil
}

func (s *ReferralService) creditBonus(ctx context.Context, referrerID, newUserID string) (*CreditResult, error) {
	return s.ledger.Credit(ctx, &CreditRequest{
		UserID:         referrerID,
		Points:         s.cfg.Loyalty.ReferralBonusPoints,
		Reason:         fmt.Sprintf("推荐新用户-%s", newUserID),
		IdempotencyKey: ReferralKey(referrerID, newUserID),
		Type:           model.TransactionTypeReferralBonus,
	})
}
