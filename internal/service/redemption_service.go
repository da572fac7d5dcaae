package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mrbabu07/HnilaBazar-sub000/internal/config"
	"github.com/mrbabu07/HnilaBazar-sub000/internal/model"
	"github.com/mrbabu07/HnilaBazar-sub000/internal/repository"
	"github.com/mrbabu07/HnilaBazar-sub000/pkg/idgen"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	pointsPerCurrencyUnit = 100 // 100 积分抵 1 元
	minRedemptionPoints   = 100
	redemptionStep        = 100
)

// ============================================================================
// 积分抵扣：冻结 -> 提交 / 释放 / 过期
// ============================================================================
//
// 下单时冻结积分（held_points 增加），订单支付成功后提交（扣减余额并记一条 redeem 流水），
// 订单取消或超时则释放/过期（held_points 减回）。
//
// 冻结单状态机：
//
//   created ──commit──> committed
//      │
//      ├──release──> released
//      └──ttl──────> expired
//
// 终态不可再迁移；对已处于目标终态的冻结单重复操作直接返回原结果。
//
// ============================================================================

type RedemptionService struct {
	cfg        *config.Config
	ledger     *LedgerService
	reconciler *DiscountReconciler
	holdRepo   *repository.HoldRepository
	outboxRepo *repository.OutboxRepository
	logger     *zap.Logger
}

func NewRedemptionService(db *gorm.DB, ledger *LedgerService, reconciler *DiscountReconciler, cfg *config.Config, logger *zap.Logger) *RedemptionService {
	return &RedemptionService{
		cfg:        cfg,
		ledger:     ledger,
		reconciler: reconciler,
		holdRepo:   repository.NewHoldRepository(db),
		outboxRepo: repository.NewOutboxRepository(db),
		logger:     logger,
	}
}

type CreateHoldRequest struct {
	UserID          string          `json:"user_id" binding:"required"`
	OrderID         string          `json:"order_id" binding:"required"`
	RequestedPoints int64           `json:"requested_points"`
	OrderSubtotal   decimal.Decimal `json:"order_subtotal"`
	CouponCode      string          `json:"coupon_code"`
}

// HoldEvent 发往 loyalty_events 的冻结单事件
type HoldEvent struct {
	EventType      string          `json:"event_type"`
	HoldID         string          `json:"hold_id"`
	UserID         string          `json:"user_id"`
	OrderID        string          `json:"order_id"`
	Points         int64           `json:"points"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	State          string          `json:"state"`
	TransactionNo  string          `json:"transaction_no,omitempty"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

// PointsToDiscount 积分折算金额
func PointsToDiscount(points int64) decimal.Decimal {
	return decimal.NewFromInt(points).Div(decimal.NewFromInt(pointsPerCurrencyUnit)).Round(2)
}

// maxPointsForSubtotal 订单金额最多可抵扣的积分
func maxPointsForSubtotal(subtotal decimal.Decimal) int64 {
	return subtotal.Mul(decimal.NewFromInt(pointsPerCurrencyUnit)).Floor().IntPart()
}

func (s *RedemptionService) enqueueHoldEvent(ctx context.Context, tx *gorm.DB, hold *model.RedemptionHold) error {
	event := HoldEvent{
		EventType:      "hold." + string(hold.State),
		HoldID:         hold.HoldNo,
		UserID:         hold.UserID,
		OrderID:        hold.OrderID,
		Points:         hold.Points,
		DiscountAmount: hold.DiscountAmount,
		State:          string(hold.State),
		OccurredAt:     s.ledger.now(),
	}
	if hold.TransactionNo != nil {
		event.TransactionNo = *hold.TransactionNo
	}
	return s.outboxRepo.Enqueue(ctx, tx, s.cfg.Kafka.Topic.LoyaltyEvents, hold.UserID, event.EventType, event)
}

// finishInTx 冻结单进入终态并归还 held_points，调用方持有账户锁
func (s *RedemptionService) finishInTx(ctx context.Context, tx *gorm.DB, account *model.Account, hold *model.RedemptionHold, to model.HoldState, transactionNo *string) error {
	account.HeldPoints -= hold.Points
	if err := s.holdRepo.Finish(ctx, tx, hold, to, transactionNo, s.ledger.now()); err != nil {
		return err
	}
	return s.enqueueHoldEvent(ctx, tx, hold)
}

// ============================================================================
// 冻结
// ============================================================================

// CreateHold 为订单冻结积分
//
// 可冻结上限 = min(可用积分, floor(订单金额 × 100))，
// 并要求积分抵扣 + 优惠券抵扣不超过订单金额。
func (s *RedemptionService) CreateHold(ctx context.Context, req *CreateHoldRequest) (*model.RedemptionHold, error) {
	if req.UserID == "" || req.OrderID == "" {
		return nil, ErrInvalidArgument.WithContext("reason", "user_id 和 order_id 不能为空")
	}
	if req.OrderSubtotal.Sign() <= 0 {
		return nil, ErrInvalidArgument.WithContext("reason", "订单金额必须大于 0")
	}

	if req.RequestedPoints < minRedemptionPoints {
		return nil, ErrBelowMinimumRedemption.WithContext("requested", req.RequestedPoints, "minimum", minRedemptionPoints)
	}
	if req.RequestedPoints%redemptionStep != 0 {
		return nil, ErrInvalidRedemptionStep.WithContext("requested", req.RequestedPoints, "step", redemptionStep)
	}

	bySubtotal := maxPointsForSubtotal(req.OrderSubtotal)
	if req.RequestedPoints > bySubtotal {
		return nil, ErrExceedsAvailablePoints.WithContext("requested", req.RequestedPoints, "max_by_subtotal", bySubtotal)
	}

	discount := PointsToDiscount(req.RequestedPoints)

	// 外部调用放在锁外
	if _, err := s.reconciler.Validate(ctx, req.OrderSubtotal, discount, req.CouponCode); err != nil {
		return nil, err
	}

	hold, err := retryOnConflict(ctx, s.cfg.Loyalty.ConflictMaxTries, func() (*model.RedemptionHold, error) {
		var created *model.RedemptionHold
		err := s.ledger.Mutate(ctx, req.UserID, func(tx *gorm.DB, account *model.Account) error {
			now := s.ledger.now()

			live, err := s.holdRepo.GetLiveByOrderID(ctx, tx, req.OrderID)
			if err != nil {
				return err
			}
			if live != nil {
				if !live.PastTTL(now) || live.UserID != req.UserID {
					return ErrDuplicateHold.WithContext("order_id", req.OrderID, "hold_id", live.HoldNo)
				}
				// 过期但还没被清理的冻结单，先过期再继续
				if err := s.finishInTx(ctx, tx, account, live, model.HoldStateExpired, nil); err != nil {
					return err
				}
			}

			committed, err := s.holdRepo.GetCommittedByOrderID(ctx, tx, req.OrderID)
			if err != nil {
				return err
			}
			if committed != nil {
				return ErrDuplicateHold.WithContext("order_id", req.OrderID, "hold_id", committed.HoldNo)
			}

			maxRedeemable := account.Available()
			if bySubtotal < maxRedeemable {
				maxRedeemable = bySubtotal
			}
			if req.RequestedPoints > maxRedeemable {
				return ErrExceedsAvailablePoints.WithContext(
					"requested", req.RequestedPoints,
					"available", account.Available(),
					"max_redeemable", maxRedeemable,
				)
			}

			orderID := req.OrderID
			hold := &model.RedemptionHold{
				HoldNo:         idgen.GenerateHoldNo(),
				UserID:         req.UserID,
				OrderID:        req.OrderID,
				ActiveOrderID:  &orderID,
				Points:         req.RequestedPoints,
				DiscountAmount: discount,
				OrderSubtotal:  req.OrderSubtotal,
				CouponCode:     req.CouponCode,
				State:          model.HoldStateCreated,
				ExpiresAt:      now.Add(s.cfg.Loyalty.HoldTTL()),
			}
			if err := s.holdRepo.Create(ctx, tx, hold); err != nil {
				if errors.Is(err, repository.ErrActiveHoldExists) {
					return ErrDuplicateHold.WithContext("order_id", req.OrderID)
				}
				return fmt.Errorf("创建冻结单失败: %w", err)
			}
			account.HeldPoints += hold.Points

			if err := s.enqueueHoldEvent(ctx, tx, hold); err != nil {
				return fmt.Errorf("写入消息失败: %w", err)
			}
			created = hold
			return nil
		})
		return created, err
	})
	if errors.Is(err, repository.ErrAccountNotFound) {
		return nil, ErrExceedsAvailablePoints.WithContext("requested", req.RequestedPoints, "available", 0)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("积分冻结成功",
		zap.String("hold_id", hold.HoldNo),
		zap.String("user_id", hold.UserID),
		zap.String("order_id", hold.OrderID),
		zap.Int64("points", hold.Points),
		zap.String("discount", hold.DiscountAmount.String()),
	)
	return hold, nil
}

// ============================================================================
// 提交
// ============================================================================

// CommitHold 订单支付成功后提交冻结单，扣减余额
// 已提交的冻结单重复提交返回原结果；超过有效期的冻结单直接过期
func (s *RedemptionService) CommitHold(ctx context.Context, holdID string) (*model.RedemptionHold, error) {
	hold, err := s.holdRepo.GetByHoldNo(ctx, nil, holdID)
	if errors.Is(err, repository.ErrHoldNotFound) {
		return nil, ErrHoldNotFound.WithContext("hold_id", holdID)
	}
	if err != nil {
		return nil, err
	}
	if hold.State == model.HoldStateCommitted {
		return hold, nil
	}

	// 提交前按冻结时的金额再校验一次优惠券
	if hold.State == model.HoldStateCreated && !hold.PastTTL(s.ledger.now()) {
		if _, err := s.reconciler.Validate(ctx, hold.OrderSubtotal, hold.DiscountAmount, hold.CouponCode); err != nil {
			return nil, err
		}
	}

	var expiredInline bool
	result, err := retryOnConflict(ctx, s.cfg.Loyalty.ConflictMaxTries, func() (*model.RedemptionHold, error) {
		var out *model.RedemptionHold
		expiredInline = false
		err := s.ledger.Mutate(ctx, hold.UserID, func(tx *gorm.DB, account *model.Account) error {
			h, err := s.holdRepo.GetByHoldNoForUpdate(ctx, tx, holdID)
			if err != nil {
				return err
			}
			out = h

			switch h.State {
			case model.HoldStateCommitted:
				return errNoop
			case model.HoldStateReleased:
				return ErrHoldReleased.WithContext("hold_id", holdID)
			case model.HoldStateExpired:
				return ErrHoldExpired.WithContext("hold_id", holdID)
			case model.HoldStateCreated:
			default:
				return fmt.Errorf("未知冻结单状态: %s", h.State)
			}

			if h.PastTTL(s.ledger.now()) {
				expiredInline = true
				return s.finishInTx(ctx, tx, account, h, model.HoldStateExpired, nil)
			}

			// 先归还冻结，再从可用积分中扣减
			account.HeldPoints -= h.Points
			trans, err := s.ledger.debitInTx(ctx, tx, account, &DebitRequest{
				UserID:         h.UserID,
				Points:         h.Points,
				Reason:         fmt.Sprintf("订单抵扣-%s", h.OrderID),
				RelatedOrderID: h.OrderID,
			})
			if err != nil {
				return err
			}
			if err := s.holdRepo.Finish(ctx, tx, h, model.HoldStateCommitted, &trans.TransactionNo, s.ledger.now()); err != nil {
				return err
			}
			return s.enqueueHoldEvent(ctx, tx, h)
		})
		return out, err
	})
	if err != nil {
		return nil, err
	}
	if expiredInline {
		s.logger.Info("冻结单提交时已过期", zap.String("hold_id", holdID))
		return nil, ErrHoldExpired.WithContext("hold_id", holdID)
	}

	s.logger.Info("积分抵扣提交成功",
		zap.String("hold_id", result.HoldNo),
		zap.String("user_id", result.UserID),
		zap.String("order_id", result.OrderID),
		zap.Int64("points", result.Points),
	)
	return result, nil
}

// ============================================================================
// 释放与过期
// ============================================================================

// ReleaseHold 释放冻结单，归还冻结积分
// 已释放或已过期直接返回；已提交返回 HoldAlreadyCommitted
func (s *RedemptionService) ReleaseHold(ctx context.Context, holdID string) (*model.RedemptionHold, error) {
	return s.finish(ctx, holdID, model.HoldStateReleased)
}

// ExpireHold 过期冻结单，只处理已超过有效期的 created 冻结单
func (s *RedemptionService) ExpireHold(ctx context.Context, holdID string) (*model.RedemptionHold, error) {
	return s.finish(ctx, holdID, model.HoldStateExpired)
}

// ReleaseByOrder 释放订单当前的有效冻结单，没有则返回 nil
func (s *RedemptionService) ReleaseByOrder(ctx context.Context, orderID string) (*model.RedemptionHold, error) {
	live, err := s.holdRepo.GetLiveByOrderID(ctx, nil, orderID)
	if err != nil {
		return nil, err
	}
	if live == nil {
		return nil, nil
	}
	return s.ReleaseHold(ctx, live.HoldNo)
}

func (s *RedemptionService) finish(ctx context.Context, holdID string, to model.HoldState) (*model.RedemptionHold, error) {
	hold, err := s.holdRepo.GetByHoldNo(ctx, nil, holdID)
	if errors.Is(err, repository.ErrHoldNotFound) {
		return nil, ErrHoldNotFound.WithContext("hold_id", holdID)
	}
	if err != nil {
		return nil, err
	}
	if done, err := s.checkFinishable(hold, to); err != nil {
		return nil, err
	} else if done {
		return hold, nil
	}

	result, err := retryOnConflict(ctx, s.cfg.Loyalty.ConflictMaxTries, func() (*model.RedemptionHold, error) {
		var out *model.RedemptionHold
		err := s.ledger.Mutate(ctx, hold.UserID, func(tx *gorm.DB, account *model.Account) error {
			h, err := s.holdRepo.GetByHoldNoForUpdate(ctx, tx, holdID)
			if err != nil {
				return err
			}
			out = h
			if done, err := s.checkFinishable(h, to); err != nil {
				return err
			} else if done {
				return errNoop
			}
			return s.finishInTx(ctx, tx, account, h, to, nil)
		})
		return out, err
	})
	if err != nil {
		return nil, err
	}

	if result.State == to {
		s.logger.Info("冻结单已结束",
			zap.String("hold_id", result.HoldNo),
			zap.String("state", string(to)),
			zap.String("user_id", result.UserID),
			zap.Int64("points", result.Points),
		)
	}
	return result, nil
}

// checkFinishable done=true 表示无需处理，直接返回当前冻结单
func (s *RedemptionService) checkFinishable(hold *model.RedemptionHold, to model.HoldState) (bool, error) {
	switch hold.State {
	case model.HoldStateCreated:
		if to == model.HoldStateExpired && !hold.PastTTL(s.ledger.now()) {
			return true, nil
		}
		return false, nil
	case model.HoldStateCommitted:
		if to == model.HoldStateReleased {
			return true, ErrHoldAlreadyCommitted.WithContext("hold_id", hold.HoldNo)
		}
		return true, nil
	case model.HoldStateReleased, model.HoldStateExpired:
		return true, nil
	}
	return true, fmt.Errorf("未知冻结单状态: %s", hold.State)
}

// GetHold 查询冻结单
func (s *RedemptionService) GetHold(ctx context.Context, holdID string) (*model.RedemptionHold, error) {
	hold, err := s.holdRepo.GetByHoldNo(ctx, nil, holdID)
	if errors.Is(err, repository.ErrHoldNotFound) {
		return nil, ErrHoldNotFound.WithContext("hold_id", holdID)
	}
	return hold, err
}

// ExpireOverdue 批量过期超时冻结单，返回处理数量
func (s *RedemptionService) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	holds, err := s.holdRepo.GetExpiredHolds(ctx, s.ledger.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("查询超时冻结单失败: %w", err)
	}

	expired := 0
	for _, hold := range holds {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		if _, err := s.ExpireHold(ctx, hold.HoldNo); err != nil {
			s.logger.Error("过期冻结单失败", zap.String("hold_id", hold.HoldNo), zap.Error(err))
			if errors.Is(err, ErrInsufficientBalance) {
				// 只归还冻结也不满足不变量，账户数据已损坏，转人工对账后不再扫描
				note := fmt.Sprintf("冻结单 %s 过期失败: %v", hold.HoldNo, err)
				if markErr := s.ledger.accountRepo.MarkNeedsReconciliation(ctx, hold.UserID, note); markErr != nil {
					s.logger.Error("标记对账失败", zap.String("user_id", hold.UserID), zap.Error(markErr))
				}
			}
			continue
		}
		expired++
	}
	return expired, nil
}
