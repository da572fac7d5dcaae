package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mrbabu07/HnilaBazar-sub000/internal/config"

	"github.com/shopspring/decimal"
)

// CouponClient 通过 HTTP 调用优惠券服务
//
// POST {base_url}/coupons/validate
// 请求 {"code": "...", "order_subtotal": "100.00"}
// 响应 {"discount_amount": "10.00"}，券不可用时返回 {"valid": false, "reason": "..."}
type CouponClient struct {
	baseURL string
	client  *http.Client
}

func NewCouponClient(cfg config.CouponConfig) *CouponClient {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &CouponClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type couponValidateRequest struct {
	Code          string          `json:"code"`
	OrderSubtotal decimal.Decimal `json:"order_subtotal"`
}

type couponValidateResponse struct {
	Valid          *bool           `json:"valid"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	Reason         string          `json:"reason"`
}

func (c *CouponClient) ValidateCoupon(ctx context.Context, code string, orderSubtotal decimal.Decimal) (decimal.Decimal, error) {
	body, err := json.Marshal(couponValidateRequest{Code: code, OrderSubtotal: orderSubtotal})
	if err != nil {
		return decimal.Zero, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/coupons/validate", bytes.NewReader(body))
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("请求优惠券服务失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("优惠券服务返回 %d", resp.StatusCode)
	}

	var out couponValidateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return decimal.Zero, fmt.Errorf("解析优惠券响应失败: %w", err)
	}
	if out.Valid != nil && !*out.Valid {
		return decimal.Zero, fmt.Errorf("优惠券不可用: %s", out.Reason)
	}
	return out.DiscountAmount, nil
}
