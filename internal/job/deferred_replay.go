package job

import (
	"context"
	"time"

	"github.com/mrbabu07/HnilaBazar-sub000/internal/config"

	"go.uber.org/zap"
)

// Replayer 重放暂存的订单事件，consumer.OrderConsumer 实现
type Replayer interface {
	ReplayDeferred(ctx context.Context, limit int) int
}

// DeferredReplayJob 定时重放账户对账期间暂存的订单事件
type DeferredReplayJob struct {
	replayer  Replayer
	logger    *zap.Logger
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
}

func NewDeferredReplayJob(replayer Replayer, cfg *config.Config, logger *zap.Logger) *DeferredReplayJob {
	interval := cfg.Loyalty.SweepInterval()
	if interval <= 0 {
		interval = time.Minute
	}
	batchSize := cfg.Loyalty.SweepBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	return &DeferredReplayJob{
		replayer:  replayer,
		logger:    logger.Named("deferred_replay"),
		stopCh:    make(chan struct{}),
		interval:  interval,
		batchSize: batchSize,
	}
}

func (j *DeferredReplayJob) Start(ctx context.Context) {
	j.logger.Info("暂存事件重放任务启动", zap.Duration("interval", j.interval))

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
			j.Run(ctx)
		}
	}
}

func (j *DeferredReplayJob) Stop() {
	close(j.stopCh)
}

// Run 重放一批到期事件，返回补处理成功的数量
func (j *DeferredReplayJob) Run(ctx context.Context) int {
	n := j.replayer.ReplayDeferred(ctx, j.batchSize)
	if n > 0 {
		j.logger.Info("本轮补处理订单事件", zap.Int("count", n))
	}
	return n
}
