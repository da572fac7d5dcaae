package service

import (
	"context"

	"github.com/shopspring/decimal"
)

// CouponValidator 优惠券服务，返回该券对订单的抵扣金额
type CouponValidator interface {
	ValidateCoupon(ctx context.Context, code string, orderSubtotal decimal.Decimal) (decimal.Decimal, error)
}

// DiscountReconciler 保证积分抵扣 + 优惠券抵扣不超过订单金额
type DiscountReconciler struct {
	coupons CouponValidator
}

func NewDiscountReconciler(coupons CouponValidator) *DiscountReconciler {
	return &DiscountReconciler{coupons: coupons}
}

// Validate 返回优惠券抵扣金额
// 优惠券服务不可用时拒绝，不做降级
func (r *DiscountReconciler) Validate(ctx context.Context, orderSubtotal, pointsDiscount decimal.Decimal, couponCode string) (decimal.Decimal, error) {
	couponDiscount := decimal.Zero

	if couponCode != "" {
		if r.coupons == nil {
			return decimal.Zero, ErrCouponValidationFailed.WithContext("coupon_code", couponCode, "cause", "coupon service not configured")
		}
		d, err := r.coupons.ValidateCoupon(ctx, couponCode, orderSubtotal)
		if err != nil {
			return decimal.Zero, ErrCouponValidationFailed.WithContext("coupon_code", couponCode, "cause", err.Error())
		}
		if d.Sign() < 0 {
			return decimal.Zero, ErrCouponValidationFailed.WithContext("coupon_code", couponCode, "discount", d.String())
		}
		couponDiscount = d
	}

	if pointsDiscount.Add(couponDiscount).GreaterThan(orderSubtotal) {
		return decimal.Zero, ErrDiscountExceedsOrder.WithContext(
			"order_subtotal", orderSubtotal.String(),
			"points_discount", pointsDiscount.String(),
			"coupon_discount", couponDiscount.String(),
		)
	}
	return couponDiscount, nil
}
