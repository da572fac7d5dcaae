package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess       = 0
	CodeParamError    = 400
	CodeUnauthorized  = 401
	CodeForbidden     = 403
	CodeNotFound      = 404
	CodeServerError   = 500
	CodeBusinessError = 1000
)

// 积分业务错误码
const (
	CodeInsufficientBalance        = 1001
	CodeBelowMinimumRedemption     = 1002
	CodeInvalidRedemptionStep      = 1003
	CodeExceedsAvailablePoints     = 1004
	CodeDuplicateHold              = 1005
	CodeHoldNotFound               = 1006
	CodeHoldExpired                = 1007
	CodeHoldReleased               = 1008
	CodeHoldAlreadyCommitted       = 1009
	CodeDiscountExceedsOrder       = 1010
	CodeCouponValidationFailed     = 1011
	CodeSelfReferral               = 1012
	CodeAlreadyReferred            = 1013
	CodeInvalidReferralCode        = 1014
	CodeConcurrentUpdateConflict   = 1015
	CodeAccountNotFound            = 1016
	CodeAccountUnderReconciliation = 1017
	CodeAccountCorrupted           = 1018
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

// ErrorWithStatus 业务错误同时带上 HTTP 状态码
func ErrorWithStatus(c *gin.Context, status, code int, message string, data interface{}) {
	c.JSON(status, Response{
		Code:    code,
		Message: message,
		Data:    data,
	})
}

func ParamError(c *gin.Context, message string) {
	ErrorWithStatus(c, http.StatusBadRequest, CodeParamError, message, nil)
}

func ServerError(c *gin.Context, message string) {
	ErrorWithStatus(c, http.StatusInternalServerError, CodeServerError, message, nil)
}
