package service

import "fmt"

// ErrorCode 积分业务错误码，handler 按错误码映射 HTTP 状态
type ErrorCode string

const (
	CodeInvalidArgument            ErrorCode = "INVALID_ARGUMENT"
	CodeInsufficientBalance        ErrorCode = "INSUFFICIENT_BALANCE"
	CodeBelowMinimumRedemption     ErrorCode = "BELOW_MINIMUM_REDEMPTION"
	CodeInvalidRedemptionStep      ErrorCode = "INVALID_REDEMPTION_STEP"
	CodeExceedsAvailablePoints     ErrorCode = "EXCEEDS_AVAILABLE_POINTS"
	CodeDuplicateHold              ErrorCode = "DUPLICATE_HOLD"
	CodeHoldNotFound               ErrorCode = "HOLD_NOT_FOUND"
	CodeHoldExpired                ErrorCode = "HOLD_EXPIRED"
	CodeHoldReleased               ErrorCode = "HOLD_RELEASED"
	CodeHoldAlreadyCommitted       ErrorCode = "HOLD_ALREADY_COMMITTED"
	CodeDiscountExceedsOrder       ErrorCode = "DISCOUNT_EXCEEDS_ORDER"
	CodeCouponValidationFailed     ErrorCode = "COUPON_VALIDATION_FAILED"
	CodeSelfReferral               ErrorCode = "SELF_REFERRAL"
	CodeAlreadyReferred            ErrorCode = "ALREADY_REFERRED"
	CodeInvalidReferralCode        ErrorCode = "INVALID_REFERRAL_CODE"
	CodeConcurrentUpdateConflict   ErrorCode = "CONCURRENT_UPDATE_CONFLICT"
	CodeAccountNotFound            ErrorCode = "ACCOUNT_NOT_FOUND"
	CodeAccountUnderReconciliation ErrorCode = "ACCOUNT_UNDER_RECONCILIATION"
	CodeAccountCorrupted           ErrorCode = "ACCOUNT_CORRUPTED"
)

// LoyaltyError 积分业务错误
// Context 只用于日志排查，不影响 errors.Is 判断
type LoyaltyError struct {
	Code    ErrorCode
	Message string
	Context map[string]interface{}
}

func (e *LoyaltyError) Error() string {
	if len(e.Context) == 0 {
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
	return fmt.Sprintf("[%s] %s (context: %+v)", e.Code, e.Message, e.Context)
}

// Is 按错误码比较
func (e *LoyaltyError) Is(target error) bool {
	t, ok := target.(*LoyaltyError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithContext 返回携带上下文的新错误，原错误不变
func (e *LoyaltyError) WithContext(keyValues ...interface{}) error {
	ctx := make(map[string]interface{}, len(e.Context)+len(keyValues)/2)
	for k, v := range e.Context {
		ctx[k] = v
	}
	for i := 0; i+1 < len(keyValues); i += 2 {
		key, ok := keyValues[i].(string)
		if !ok {
			key = fmt.Sprint(keyValues[i])
		}
		ctx[key] = keyValues[i+1]
	}
	return &LoyaltyError{Code: e.Code, Message: e.Message, Context: ctx}
}

// Retryable 调用方是否可以稍后重试
func (e *LoyaltyError) Retryable() bool {
	return e.Code == CodeConcurrentUpdateConflict
}

func newError(code ErrorCode, message string) *LoyaltyError {
	return &LoyaltyError{Code: code, Message: message}
}

var (
	ErrInvalidArgument            = newError(CodeInvalidArgument, "参数错误")
	ErrInsufficientBalance        = newError(CodeInsufficientBalance, "积分余额不足")
	ErrBelowMinimumRedemption     = newError(CodeBelowMinimumRedemption, "低于最低兑换积分")
	ErrInvalidRedemptionStep      = newError(CodeInvalidRedemptionStep, "兑换积分必须是 100 的整数倍")
	ErrExceedsAvailablePoints     = newError(CodeExceedsAvailablePoints, "兑换积分超过可用额度")
	ErrDuplicateHold              = newError(CodeDuplicateHold, "该订单已存在积分抵扣")
	ErrHoldNotFound               = newError(CodeHoldNotFound, "冻结单不存在")
	ErrHoldExpired                = newError(CodeHoldExpired, "冻结单已过期")
	ErrHoldReleased               = newError(CodeHoldReleased, "冻结单已释放")
	ErrHoldAlreadyCommitted       = newError(CodeHoldAlreadyCommitted, "冻结单已提交，无法释放")
	ErrDiscountExceedsOrder       = newError(CodeDiscountExceedsOrder, "积分抵扣与优惠券合计超过订单金额")
	ErrCouponValidationFailed     = newError(CodeCouponValidationFailed, "优惠券校验失败")
	ErrSelfReferral               = newError(CodeSelfReferral, "不能使用自己的推荐码")
	ErrAlreadyReferred            = newError(CodeAlreadyReferred, "账户已绑定推荐人")
	ErrInvalidReferralCode        = newError(CodeInvalidReferralCode, "推荐码无效")
	ErrConcurrentUpdateConflict   = newError(CodeConcurrentUpdateConflict, "系统繁忙，请稍后重试")
	ErrAccountNotFound            = newError(CodeAccountNotFound, "积分账户不存在")
	ErrAccountUnderReconciliation = newError(CodeAccountUnderReconciliation, "账户正在人工对账，暂停积分变动")
	ErrAccountCorrupted           = newError(CodeAccountCorrupted, "账户数据异常，已转人工对账")
)
