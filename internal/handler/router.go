package handler

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler, mode string, logger *zap.Logger) *gin.Engine {
	if mode == "" {
		mode = gin.ReleaseMode
	}
	gin.SetMode(mode)

	r := gin.New()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(logger))
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	loyalty := r.Group("/loyalty")
	{
		accounts := loyalty.Group("/accounts")
		{
			accounts.POST("/:userId", h.CreateAccount)
			accounts.POST("/:userId/earn", h.Earn)
			accounts.GET("/:userId/balance", h.GetBalance)
			accounts.GET("/:userId/history", h.GetHistory)
		}

		redeem := loyalty.Group("/redeem")
		{
			redeem.POST("/hold", h.CreateHold)
			redeem.GET("/:holdId", h.GetHold)
			redeem.POST("/:holdId/commit", h.CommitHold)
			redeem.POST("/:holdId/release", h.ReleaseHold)
		}

		loyalty.POST("/referral/apply", h.ApplyReferral)
		loyalty.GET("/tiers", h.ListTiers)

		admin := loyalty.Group("/admin/accounts")
		{
			admin.POST("/:userId/adjust", h.AdminAdjust)
			admin.POST("/:userId/reconcile", h.Reconcile)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
