package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mrbabu07/HnilaBazar-sub000/internal/config"
	"github.com/mrbabu07/HnilaBazar-sub000/internal/infrastructure/lock"
	"github.com/mrbabu07/HnilaBazar-sub000/internal/model"
	"github.com/mrbabu07/HnilaBazar-sub000/internal/repository"
	"github.com/mrbabu07/HnilaBazar-sub000/pkg/idgen"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// errNoop 事务内无需写回账户，直接提交
var errNoop = errors.New("noop")

// LedgerService 积分账本
//
// 账户行 + 只追加流水。所有写操作都走 Mutate：
// 账户锁 -> 数据库事务 -> SELECT ... FOR UPDATE -> 修改 -> 按版本号写回，
// 任何一步失败整个事务回滚。
type LedgerService struct {
	db              *gorm.DB
	cfg             *config.Config
	locker          lock.AccountLocker
	logger          *zap.Logger
	accountRepo     *repository.AccountRepository
	transactionRepo *repository.TransactionRepository
	holdRepo        *repository.HoldRepository
	outboxRepo      *repository.OutboxRepository
	now             func() time.Time
}

func NewLedgerService(db *gorm.DB, locker lock.AccountLocker, cfg *config.Config, logger *zap.Logger) *LedgerService {
	return &LedgerService{
		db:              db,
		cfg:             cfg,
		locker:          locker,
		logger:          logger,
		accountRepo:     repository.NewAccountRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		holdRepo:        repository.NewHoldRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
		now:             time.Now,
	}
}

// ledgerEntry 一次账户变动
type ledgerEntry struct {
	Type           model.TransactionType
	Points         int64
	Reason         string
	RelatedOrderID string
	IdempotencyKey string
	ActorID        string
	ReverseEarned  bool
}

// LedgerEvent 发往 loyalty_events 的流水事件
type LedgerEvent struct {
	EventType      string    `json:"event_type"`
	TransactionNo  string    `json:"transaction_no"`
	UserID         string    `json:"user_id"`
	Type           string    `json:"type"`
	Points         int64     `json:"points"`
	BalanceAfter   int64     `json:"balance_after"`
	HeldPoints     int64     `json:"held_points"`
	Tier           string    `json:"tier"`
	RelatedOrderID string    `json:"related_order_id,omitempty"`
	ActorID        string    `json:"actor_id,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ============================================================================
// 串行化入口
// ============================================================================

// Mutate 在账户锁和数据库事务中修改账户
//
// fn 修改 account 后由 Mutate 按版本号写回；fn 返回 errNoop 表示无需写回。
// 待人工对账的账户拒绝一切修改。
func (s *LedgerService) Mutate(ctx context.Context, userID string, fn func(tx *gorm.DB, account *model.Account) error) error {
	unlock, err := s.locker.Lock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.accountRepo.GetByUserIDForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if account.NeedsReconciliation {
			return ErrAccountUnderReconciliation.WithContext("user_id", userID)
		}

		if err := fn(tx, account); err != nil {
			if errors.Is(err, errNoop) {
				return nil
			}
			return err
		}

		if !account.CheckInvariants() {
			return ErrInsufficientBalance.WithContext(
				"balance", account.Balance,
				"held_points", account.HeldPoints,
			)
		}
		return s.accountRepo.UpdateWithVersion(ctx, tx, account)
	})
}

// appendTransaction 更新账户统计并追加一条流水，必须在 Mutate 的 fn 中调用
func (s *LedgerService) appendTransaction(ctx context.Context, tx *gorm.DB, account *model.Account, entry ledgerEntry) (*model.LoyaltyTransaction, error) {
	now := s.now()

	account.Balance += entry.Points
	switch entry.Type {
	case model.TransactionTypeEarn, model.TransactionTypeReferralBonus:
		account.TotalEarned += entry.Points
		account.LastEarnedAt = &now
	case model.TransactionTypeRedeem:
		account.TotalRedeemed += -entry.Points
	case model.TransactionTypeExpire:
	case model.TransactionTypeAdminAdjust:
		if entry.Points > 0 {
			// 人工补发算一次获得，重新计算过期时间
			account.TotalEarned += entry.Points
			account.LastEarnedAt = &now
		} else if entry.ReverseEarned {
			account.TotalEarned += entry.Points
			if account.TotalEarned < 0 {
				account.TotalEarned = 0
			}
		}
	default:
		return nil, fmt.Errorf("未知流水类型: %s", entry.Type)
	}
	account.Tier = string(TierFor(account.TotalEarned).Tier)

	if account.Balance < account.HeldPoints {
		return nil, ErrInsufficientBalance.WithContext(
			"balance", account.Balance-entry.Points,
			"held_points", account.HeldPoints,
			"delta", entry.Points,
		)
	}

	trans := &model.LoyaltyTransaction{
		TransactionNo:  idgen.GenerateTransactionNo(),
		UserID:         account.UserID,
		Type:           entry.Type,
		Points:         entry.Points,
		BalanceAfter:   account.Balance,
		Reason:         entry.Reason,
		RelatedOrderID: optional(entry.RelatedOrderID),
		IdempotencyKey: optional(entry.IdempotencyKey),
		ActorID:        optional(entry.ActorID),
		CreatedAt:      now,
	}
	if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
		return nil, fmt.Errorf("记录流水失败: %w", err)
	}

	event := LedgerEvent{
		EventType:      entry.Type.EventName(),
		TransactionNo:  trans.TransactionNo,
		UserID:         account.UserID,
		Type:           string(entry.Type),
		Points:         entry.Points,
		BalanceAfter:   account.Balance,
		HeldPoints:     account.HeldPoints,
		Tier:           account.Tier,
		RelatedOrderID: entry.RelatedOrderID,
		ActorID:        entry.ActorID,
		OccurredAt:     now,
	}
	if err := s.outboxRepo.Enqueue(ctx, tx, s.cfg.Kafka.Topic.LoyaltyEvents, account.UserID, event.EventType, event); err != nil {
		return nil, fmt.Errorf("写入消息失败: %w", err)
	}

	return trans, nil
}

// ============================================================================
// 账户
// ============================================================================

// EnsureAccount 获取账户，不存在则创建并分配推荐码
func (s *LedgerService) EnsureAccount(ctx context.Context, userID string) (*model.Account, bool, error) {
	if userID == "" {
		return nil, false, ErrInvalidArgument.WithContext("field", "user_id")
	}

	account, err := s.accountRepo.GetByUserID(ctx, nil, userID)
	if err == nil {
		return account, false, nil
	}
	if !errors.Is(err, repository.ErrAccountNotFound) {
		return nil, false, err
	}

	for attempt := 0; attempt < maxReferralCodeAttempts; attempt++ {
		code, err := generateReferralCode(ctx, s.accountRepo)
		if err != nil {
			return nil, false, err
		}

		account = &model.Account{
			UserID:       userID,
			Tier:         string(TierBronze),
			ReferralCode: code,
		}
		err = s.accountRepo.Create(ctx, nil, account)
		switch {
		case err == nil:
			s.logger.Info("积分账户已创建", zap.String("user_id", userID), zap.String("referral_code", code))
			return account, true, nil
		case errors.Is(err, repository.ErrAccountExists):
			// 并发创建，使用已经存在的账户
			account, err = s.accountRepo.GetByUserID(ctx, nil, userID)
			return account, false, err
		case errors.Is(err, gorm.ErrDuplicatedKey):
			// 推荐码撞车，换一个
			continue
		default:
			return nil, false, fmt.Errorf("创建账户失败: %w", err)
		}
	}
	return nil, false, fmt.Errorf("创建账户失败: 推荐码连续 %d 次冲突", maxReferralCodeAttempts)
}

// ============================================================================
// 入账
// ============================================================================

type CreditRequest struct {
	UserID         string
	Points         int64
	Reason         string
	RelatedOrderID string
	IdempotencyKey string
	// Type 为空时按 earn 处理，推荐奖励使用 referral_bonus
	Type model.TransactionType
}

type CreditResult struct {
	Transaction *model.LoyaltyTransaction `json:"transaction"`
	Duplicate   bool                      `json:"duplicate"`
}

// Credit 入账
// 同一个幂等键只会入账一次，重复请求直接返回第一次的流水
func (s *LedgerService) Credit(ctx context.Context, req *CreditRequest) (*CreditResult, error) {
	if req.Type == "" {
		req.Type = model.TransactionTypeEarn
	}
	if req.UserID == "" || req.IdempotencyKey == "" {
		return nil, ErrInvalidArgument.WithContext("reason", "user_id 和 idempotency_key 不能为空")
	}
	if req.Points <= 0 {
		return nil, ErrInvalidArgument.WithContext("reason", "入账积分必须大于 0", "points", req.Points)
	}
	if !req.Type.CountsAsEarned() {
		return nil, ErrInvalidArgument.WithContext("reason", "不支持的入账类型", "type", req.Type)
	}

	// 幂等校验
	existing, err := s.transactionRepo.GetByIdempotencyKey(ctx, nil, req.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("查询流水失败: %w", err)
	}
	if existing != nil {
		return &CreditResult{Transaction: existing, Duplicate: true}, nil
	}

	if _, _, err := s.EnsureAccount(ctx, req.UserID); err != nil {
		return nil, err
	}

	result, err := retryOnConflict(ctx, s.cfg.Loyalty.ConflictMaxTries, func() (*CreditResult, error) {
		var out CreditResult
		err := s.Mutate(ctx, req.UserID, func(tx *gorm.DB, account *model.Account) error {
			// 拿到锁后再次检查幂等
			existing, err := s.transactionRepo.GetByIdempotencyKey(ctx, tx, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				out = CreditResult{Transaction: existing, Duplicate: true}
				return errNoop
			}

			trans, err := s.appendTransaction(ctx, tx, account, ledgerEntry{
				Type:           req.Type,
				Points:         req.Points,
				Reason:         req.Reason,
				RelatedOrderID: req.RelatedOrderID,
				IdempotencyKey: req.IdempotencyKey,
			})
			if err != nil {
				return err
			}
			out = CreditResult{Transaction: trans}
			return nil
		})
		return &out, err
	})

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// 其他实例抢先写入了同一个幂等键
		existing, getErr := s.transactionRepo.GetByIdempotencyKey(ctx, nil, req.IdempotencyKey)
		if getErr == nil && existing != nil {
			return &CreditResult{Transaction: existing, Duplicate: true}, nil
		}
	}
	if err != nil {
		return nil, err
	}

	if !result.Duplicate {
		s.logger.Info("积分入账成功",
			zap.String("user_id", req.UserID),
			zap.String("type", string(req.Type)),
			zap.Int64("points", req.Points),
			zap.String("transaction_no", result.Transaction.TransactionNo),
			zap.String("idempotency_key", req.IdempotencyKey),
		)
	}
	return result, nil
}

// OrderCompleted 订单完成事件
type OrderCompleted struct {
	OrderID     string          `json:"order_id"`
	UserID      string          `json:"user_id"`
	AmountSpent decimal.Decimal `json:"amount_spent"`
}

// EarnFromOrder 订单完成入账，幂等键为订单号
// 积分 = floor(消费金额 × 每元积分 × 当前等级倍率)，结果为 0 时不入账
func (s *LedgerService) EarnFromOrder(ctx context.Context, evt *OrderCompleted) (*CreditResult, error) {
	if evt.OrderID == "" || evt.UserID == "" {
		return nil, ErrInvalidArgument.WithContext("reason", "order_id 和 user_id 不能为空")
	}
	if evt.AmountSpent.Sign() < 0 {
		return nil, ErrInvalidArgument.WithContext("reason", "消费金额不能为负数")
	}

	existing, err := s.transactionRepo.GetByIdempotencyKey(ctx, nil, evt.OrderID)
	if err != nil {
		return nil, fmt.Errorf("查询流水失败: %w", err)
	}
	if existing != nil {
		return &CreditResult{Transaction: existing, Duplicate: true}, nil
	}

	account, _, err := s.EnsureAccount(ctx, evt.UserID)
	if err != nil {
		return nil, err
	}

	points := EarnedPoints(evt.AmountSpent, s.cfg.Loyalty.PointsPerCurrencyUnit, Tier(account.Tier))
	if points <= 0 {
		s.logger.Info("订单金额不足以获得积分", zap.String("order_id", evt.OrderID), zap.String("amount_spent", evt.AmountSpent.String()))
		return &CreditResult{}, nil
	}

	return s.Credit(ctx, &CreditRequest{
		UserID:         evt.UserID,
		Points:         points,
		Reason:         fmt.Sprintf("订单完成-%s", evt.OrderID),
		RelatedOrderID: evt.OrderID,
		IdempotencyKey: evt.OrderID,
		Type:           model.TransactionTypeEarn,
	})
}

// ============================================================================
// 出账
// ============================================================================

type DebitRequest struct {
	UserID         string
	Points         int64
	Reason         string
	RelatedOrderID string
}

// Debit 扣减可用积分（余额减去冻结部分）
func (s *LedgerService) Debit(ctx context.Context, req *DebitRequest) (*model.LoyaltyTransaction, error) {
	if req.UserID == "" || req.Points <= 0 {
		return nil, ErrInvalidArgument.WithContext("reason", "扣减积分必须大于 0")
	}

	trans, err := retryOnConflict(ctx, s.cfg.Loyalty.ConflictMaxTries, func() (*model.LoyaltyTransaction, error) {
		var out *model.LoyaltyTransaction
		err := s.Mutate(ctx, req.UserID, func(tx *gorm.DB, account *model.Account) error {
			var err error
			out, err = s.debitInTx(ctx, tx, account, req)
			return err
		})
		return out, err
	})
	if errors.Is(err, repository.ErrAccountNotFound) {
		return nil, ErrInsufficientBalance.WithContext("user_id", req.UserID, "balance", 0)
	}
	return trans, err
}

// debitInTx 供冻结单提交复用：调用方已先释放该冻结单占用的 held_points
func (s *LedgerService) debitInTx(ctx context.Context, tx *gorm.DB, account *model.Account, req *DebitRequest) (*model.LoyaltyTransaction, error) {
	if account.Available() < req.Points {
		return nil, ErrInsufficientBalance.WithContext(
			"requested", req.Points,
			"available", account.Available(),
		)
	}
	return s.appendTransaction(ctx, tx, account, ledgerEntry{
		Type:           model.TransactionTypeRedeem,
		Points:         -req.Points,
		Reason:         req.Reason,
		RelatedOrderID: req.RelatedOrderID,
	})
}

// Expire 过期清除可用积分，超出可用部分按可用部分清除，冻结中的积分不受影响
func (s *LedgerService) Expire(ctx context.Context, userID string, points int64, reason string) (*model.LoyaltyTransaction, error) {
	if userID == "" || points <= 0 {
		return nil, ErrInvalidArgument.WithContext("reason", "过期积分必须大于 0")
	}

	return retryOnConflict(ctx, s.cfg.Loyalty.ConflictMaxTries, func() (*model.LoyaltyTransaction, error) {
		var out *model.LoyaltyTransaction
		err := s.Mutate(ctx, userID, func(tx *gorm.DB, account *model.Account) error {
			n := points
			if n > account.Available() {
				n = account.Available()
			}
			if n <= 0 {
				return errNoop
			}
			var err error
			out, err = s.appendTransaction(ctx, tx, account, ledgerEntry{
				Type:   model.TransactionTypeExpire,
				Points: -n,
				Reason: reason,
			})
			return err
		})
		return out, err
	})
}

// ============================================================================
// 人工调整与对账
// ============================================================================

type AdjustRequest struct {
	UserID  string `json:"user_id"`
	Delta   int64  `json:"delta"`
	Reason  string `json:"reason"`
	ActorID string `json:"actor_id"`
	// ReverseEarned 负向调整同时扣减累计获得（欺诈冲正），可能导致降级
	ReverseEarned bool `json:"reverse_earned"`
}

// AdminAdjust 人工调整积分，必须记录操作人
func (s *LedgerService) AdminAdjust(ctx context.Context, req *AdjustRequest) (*model.LoyaltyTransaction, error) {
	if req.UserID == "" || req.ActorID == "" || req.Reason == "" {
		return nil, ErrInvalidArgument.WithContext("reason", "user_id、actor_id、reason 不能为空")
	}
	if req.Delta == 0 {
		return nil, ErrInvalidArgument.WithContext("reason", "调整值不能为 0")
	}

	if _, _, err := s.EnsureAccount(ctx, req.UserID); err != nil {
		return nil, err
	}

	trans, err := retryOnConflict(ctx, s.cfg.Loyalty.ConflictMaxTries, func() (*model.LoyaltyTransaction, error) {
		var out *model.LoyaltyTransaction
		err := s.Mutate(ctx, req.UserID, func(tx *gorm.DB, account *model.Account) error {
			var err error
			out, err = s.appendTransaction(ctx, tx, account, ledgerEntry{
				Type:          model.TransactionTypeAdminAdjust,
				Points:        req.Delta,
				Reason:        req.Reason,
				ActorID:       req.ActorID,
				ReverseEarned: req.ReverseEarned,
			})
			return err
		})
		return out, err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Warn("人工调整积分",
		zap.String("user_id", req.UserID),
		zap.String("actor_id", req.ActorID),
		zap.Int64("delta", req.Delta),
		zap.Bool("reverse_earned", req.ReverseEarned),
		zap.String("reason", req.Reason),
		zap.String("transaction_no", trans.TransactionNo),
	)
	return trans, nil
}

// ClearReconciliation 人工对账完成后解除账户标记
// 余额按流水重新汇总，冻结积分按有效冻结单重新汇总；重算后仍不满足不变量则保持标记
func (s *LedgerService) ClearReconciliation(ctx context.Context, userID, actorID string) (*model.Account, error) {
	if userID == "" || actorID == "" {
		return nil, ErrInvalidArgument.WithContext("reason", "user_id 和 actor_id 不能为空")
	}

	unlock, err := s.locker.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var account *model.Account
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		account, err = s.accountRepo.GetByUserIDForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}

		balance, err := s.transactionRepo.SumPointsByUserID(ctx, tx, userID)
		if err != nil {
			return err
		}
		held, err := s.holdRepo.SumActivePoints(ctx, tx, userID)
		if err != nil {
			return err
		}

		account.Balance = balance
		account.HeldPoints = held
		if !account.CheckInvariants() {
			return ErrAccountCorrupted.WithContext("balance", balance, "held_points", held)
		}
		account.NeedsReconciliation = false
		account.ReconciliationNote = ""
		return s.accountRepo.UpdateWithVersion(ctx, tx, account)
	})
	if errors.Is(err, repository.ErrAccountNotFound) {
		return nil, ErrAccountNotFound.WithContext("user_id", userID)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Warn("账户对账标记已解除",
		zap.String("user_id", userID),
		zap.String("actor_id", actorID),
		zap.Int64("balance", account.Balance),
		zap.Int64("held_points", account.HeldPoints),
	)
	return account, nil
}

// ============================================================================
// 查询
// ============================================================================

type BalanceView struct {
	UserID              string          `json:"user_id"`
	Balance             int64           `json:"balance"`
	HeldPoints          int64           `json:"held_points"`
	Available           int64           `json:"available"`
	Tier                string          `json:"tier"`
	PointsMultiplier    decimal.Decimal `json:"points_multiplier"`
	Benefits            TierBenefits    `json:"benefits"`
	TotalEarned         int64           `json:"total_earned"`
	TotalRedeemed       int64           `json:"total_redeemed"`
	ReferralCode        string          `json:"referral_code,omitempty"`
	NeedsReconciliation bool            `json:"needs_reconciliation"`
}

// GetBalance 查询余额
// 账户不存在时返回零余额；读到不满足不变量的账户时标记人工对账
func (s *LedgerService) GetBalance(ctx context.Context, userID string) (*BalanceView, error) {
	if userID == "" {
		return nil, ErrInvalidArgument.WithContext("field", "user_id")
	}

	account, err := s.accountRepo.GetByUserID(ctx, nil, userID)
	if errors.Is(err, repository.ErrAccountNotFound) {
		def := TierFor(0)
		return &BalanceView{
			UserID:           userID,
			Tier:             string(def.Tier),
			PointsMultiplier: def.PointsMultiplier,
			Benefits:         def.Benefits,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	if !account.CheckInvariants() {
		note := fmt.Sprintf("balance=%d held_points=%d", account.Balance, account.HeldPoints)
		s.logger.Error("账户不变量被破坏，转人工对账", zap.String("user_id", userID), zap.String("detail", note))
		if err := s.accountRepo.MarkNeedsReconciliation(ctx, userID, note); err != nil {
			s.logger.Error("标记对账失败", zap.String("user_id", userID), zap.Error(err))
		}
		return nil, ErrAccountCorrupted.WithContext("user_id", userID)
	}

	def := TierDefinitionOf(Tier(account.Tier))
	return &BalanceView{
		UserID:              account.UserID,
		Balance:             account.Balance,
		HeldPoints:          account.HeldPoints,
		Available:           account.Available(),
		Tier:                account.Tier,
		PointsMultiplier:    def.PointsMultiplier,
		Benefits:            def.Benefits,
		TotalEarned:         account.TotalEarned,
		TotalRedeemed:       account.TotalRedeemed,
		ReferralCode:        account.ReferralCode,
		NeedsReconciliation: account.NeedsReconciliation,
	}, nil
}

type HistoryPage struct {
	Items    []*model.LoyaltyTransaction `json:"list"`
	Total    int64                       `json:"total"`
	Page     int                         `json:"page"`
	PageSize int                         `json:"page_size"`
}

// GetHistory 流水分页，按提交顺序倒序
func (s *LedgerService) GetHistory(ctx context.Context, userID string, page, pageSize int) (*HistoryPage, error) {
	if userID == "" {
		return nil, ErrInvalidArgument.WithContext("field", "user_id")
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	items, total, err := s.transactionRepo.ListByUserID(ctx, userID, page, pageSize)
	if err != nil {
		return nil, fmt.Errorf("查询流水失败: %w", err)
	}
	return &HistoryPage{Items: items, Total: total, Page: page, PageSize: pageSize}, nil
}
