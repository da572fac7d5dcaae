package job

import (
	"context"
	"time"

	"github.com/mrbabu07/HnilaBazar-sub000/internal/config"
	"github.com/mrbabu07/HnilaBazar-sub000/internal/service"

	"go.uber.org/zap"
)

// HoldSweeper 定时过期超时未提交的冻结单
type HoldSweeper struct {
	redemption *service.RedemptionService
	logger     *zap.Logger
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewHoldSweeper(redemption *service.RedemptionService, cfg *config.Config, logger *zap.Logger) *HoldSweeper {
	interval := cfg.Loyalty.SweepInterval()
	if interval <= 0 {
		interval = time.Minute
	}
	batchSize := cfg.Loyalty.SweepBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	return &HoldSweeper{
		redemption: redemption,
		logger:     logger.Named("hold_sweeper"),
		stopCh:     make(chan struct{}),
		interval:   interval,
		batchSize:  batchSize,
	}
}

func (j *HoldSweeper) Start(ctx context.Context) {
	j.logger.Info("冻结单过期任务启动", zap.Duration("interval", j.interval))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("收到停止信号，任务退出")
			return
		case <-j.stopCh:
			j.logger.Info("任务停止")
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

func (j *HoldSweeper) Stop() {
	close(j.stopCh)
}

// Sweep 执行一轮过期，单张失败不影响其他冻结单，下一轮会再次处理
func (j *HoldSweeper) Sweep(ctx context.Context) int {
	n, err := j.redemption.ExpireOverdue(ctx, j.batchSize)
	if err != nil {
		j.logger.Error("过期冻结单失败", zap.Error(err))
	}
	if n > 0 {
		j.logger.Info("本轮过期冻结单", zap.Int("count", n))
	}
	return n
}
