package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/mrbabu07/HnilaBazar-sub000/internal/model"
	"github.com/mrbabu07/HnilaBazar-sub000/internal/service"
	"github.com/mrbabu07/HnilaBazar-sub000/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	ledger     *service.LedgerService
	redemption *service.RedemptionService
	referral   *service.ReferralService
	logger     *zap.Logger
}

func NewHandler(ledger *service.LedgerService, redemption *service.RedemptionService, referral *service.ReferralService, logger *zap.Logger) *Handler {
	return &Handler{
		ledger:     ledger,
		redemption: redemption,
		referral:   referral,
		logger:     logger,
	}
}

// errorMapping 业务错误码 -> HTTP 状态、响应码
var errorMapping = map[service.ErrorCode]struct {
	status int
	code   int
}{
	service.CodeInvalidArgument:            {http.StatusBadRequest, response.CodeParamError},
	service.CodeInsufficientBalance:        {http.StatusUnprocessableEntity, response.CodeInsufficientBalance},
	service.CodeBelowMinimumRedemption:     {http.StatusUnprocessableEntity, response.CodeBelowMinimumRedemption},
	service.CodeInvalidRedemptionStep:      {http.StatusUnprocessableEntity, response.CodeInvalidRedemptionStep},
	service.CodeExceedsAvailablePoints:     {http.StatusUnprocessableEntity, response.CodeExceedsAvailablePoints},
	service.CodeDuplicateHold:              {http.StatusConflict, response.CodeDuplicateHold},
	service.CodeHoldNotFound:               {http.StatusNotFound, response.CodeHoldNotFound},
	service.CodeHoldExpired:                {http.StatusGone, response.CodeHoldExpired},
	service.CodeHoldReleased:               {http.StatusConflict, response.CodeHoldReleased},
	service.CodeHoldAlreadyCommitted:       {http.StatusConflict, response.CodeHoldAlreadyCommitted},
	service.CodeDiscountExceedsOrder:       {http.StatusUnprocessableEntity, response.CodeDiscountExceedsOrder},
	service.CodeCouponValidationFailed:     {http.StatusUnprocessableEntity, response.CodeCouponValidationFailed},
	service.CodeSelfReferral:               {http.StatusUnprocessableEntity, response.CodeSelfReferral},
	service.CodeAlreadyReferred:            {http.StatusConflict, response.CodeAlreadyReferred},
	service.CodeInvalidReferralCode:        {http.StatusNotFound, response.CodeInvalidReferralCode},
	service.CodeConcurrentUpdateConflict:   {http.StatusServiceUnavailable, response.CodeConcurrentUpdateConflict},
	service.CodeAccountNotFound:            {http.StatusNotFound, response.CodeAccountNotFound},
	service.CodeAccountUnderReconciliation: {http.StatusLocked, response.CodeAccountUnderReconciliation},
	service.CodeAccountCorrupted:           {http.StatusConflict, response.CodeAccountCorrupted},
}

// fail 业务错误按错误码映射，其余按 500 处理且不暴露内部信息
func (h *Handler) fail(c *gin.Context, err error) {
	var le *service.LoyaltyError
	if errors.As(err, &le) {
		m, ok := errorMapping[le.Code]
		if !ok {
			m.status, m.code = http.StatusUnprocessableEntity, response.CodeBusinessError
		}
		response.ErrorWithStatus(c, m.status, m.code, le.Message, gin.H{"error": le.Code})
		return
	}

	h.logger.Error("请求处理失败",
		zap.String("path", c.FullPath()),
		zap.String("request_id", c.GetString(ctxRequestID)),
		zap.Error(err),
	)
	response.ServerError(c, "服务器内部错误")
}

// ============================================================
// 账户相关接口
// ============================================================

// CreateAccount 开户，返回推荐码
// POST /loyalty/accounts/:userId
func (h *Handler) CreateAccount(c *gin.Context) {
	account, created, err := h.ledger.EnsureAccount(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, gin.H{
		"user_id":       account.UserID,
		"referral_code": account.ReferralCode,
		"tier":          account.Tier,
		"created":       created,
	})
}

type EarnRequest struct {
	OrderID     string          `json:"order_id" binding:"required"`
	AmountSpent decimal.Decimal `json:"amount_spent"`
}

// Earn 订单完成入账，订单号即幂等键
// POST /loyalty/accounts/:userId/earn
func (h *Handler) Earn(c *gin.Context) {
	var req EarnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.ledger.EarnFromOrder(c.Request.Context(), &service.OrderCompleted{
		OrderID:     req.OrderID,
		UserID:      c.Param("userId"),
		AmountSpent: req.AmountSpent,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, result)
}

// GetBalance 查询余额和等级
// GET /loyalty/accounts/:userId/balance
func (h *Handler) GetBalance(c *gin.Context) {
	view, err := h.ledger.GetBalance(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, view)
}

// GetHistory 流水分页
// GET /loyalty/accounts/:userId/history?page=1&page_size=20，也接受 pageSize
func (h *Handler) GetHistory(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", c.DefaultQuery("pageSize", "20")))

	history, err := h.ledger.GetHistory(c.Request.Context(), c.Param("userId"), page, pageSize)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, history)
}

// ============================================================
// 积分抵扣
// ============================================================

type HoldResponse struct {
	HoldID         string          `json:"hold_id"`
	UserID         string          `json:"user_id"`
	OrderID        string          `json:"order_id"`
	Points         int64           `json:"points"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	State          model.HoldState `json:"state"`
	ExpiresAt      time.Time       `json:"expires_at"`
	TransactionNo  string          `json:"transaction_no,omitempty"`
}

func toHoldResponse(hold *model.RedemptionHold) HoldResponse {
	resp := HoldResponse{
		HoldID:         hold.HoldNo,
		UserID:         hold.UserID,
		OrderID:        hold.OrderID,
		Points:         hold.Points,
		DiscountAmount: hold.DiscountAmount,
		State:          hold.State,
		ExpiresAt:      hold.ExpiresAt,
	}
	if hold.TransactionNo != nil {
		resp.TransactionNo = *hold.TransactionNo
	}
	return resp
}

// CreateHold 冻结积分
// POST /loyalty/redeem/hold
func (h *Handler) CreateHold(c *gin.Context) {
	var req service.CreateHoldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	hold, err := h.redemption.CreateHold(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, toHoldResponse(hold))
}

// GetHold 查询冻结单
// GET /loyalty/redeem/:holdId
func (h *Handler) GetHold(c *gin.Context) {
	hold, err := h.redemption.GetHold(c.Request.Context(), c.Param("holdId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, toHoldResponse(hold))
}

// CommitHold 提交冻结单
// POST /loyalty/redeem/:holdId/commit
func (h *Handler) CommitHold(c *gin.Context) {
	hold, err := h.redemption.CommitHold(c.Request.Context(), c.Param("holdId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, toHoldResponse(hold))
}

// ReleaseHold 释放冻结单
// POST /loyalty/redeem/:holdId/release
func (h *Handler) ReleaseHold(c *gin.Context) {
	hold, err := h.redemption.ReleaseHold(c.Request.Context(), c.Param("holdId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, toHoldResponse(hold))
}

// ============================================================
// 推荐与等级
// ============================================================

type ApplyReferralRequest struct {
	NewUserID string `json:"new_user_id" binding:"required"`
	Code      string `json:"code" binding:"required"`
}

// ApplyReferral 绑定推荐码
// POST /loyalty/referral/apply
func (h *Handler) ApplyReferral(c *gin.Context) {
	var req ApplyReferralRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.referral.ApplyReferral(c.Request.Context(), req.NewUserID, req.Code)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// ListTiers 等级表
// GET /loyalty/tiers
func (h *Handler) ListTiers(c *gin.Context) {
	response.Success(c, service.Tiers())
}

// ============================================================
// 管理接口
// ============================================================

type AdjustRequest struct {
	Delta         int64  `json:"delta" binding:"required"`
	Reason        string `json:"reason" binding:"required"`
	ActorID       string `json:"actor_id" binding:"required"`
	ReverseEarned bool   `json:"reverse_earned"`
}

// AdminAdjust 人工调整积分
// POST /loyalty/admin/accounts/:userId/adjust
func (h *Handler) AdminAdjust(c *gin.Context) {
	var req AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	trans, err := h.ledger.AdminAdjust(c.Request.Context(), &service.AdjustRequest{
		UserID:        c.Param("userId"),
		Delta:         req.Delta,
		Reason:        req.Reason,
		ActorID:       req.ActorID,
		ReverseEarned: req.ReverseEarned,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, trans)
}

type ReconcileRequest struct {
	ActorID string `json:"actor_id" binding:"required"`
}

// Reconcile 人工对账完成，解除账户标记
// POST /loyalty/admin/accounts/:userId/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	var req ReconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	account, err := h.ledger.ClearReconciliation(c.Request.Context(), c.Param("userId"), req.ActorID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, account)
}
