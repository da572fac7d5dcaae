package job

import (
	"context"
	"fmt"
	"time"

	"github.com/mrbabu07/HnilaBazar-sub000/internal/config"
	"github.com/mrbabu07/HnilaBazar-sub000/internal/repository"
	"github.com/mrbabu07/HnilaBazar-sub000/internal/service"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PointsExpiryJob 长期没有获得积分的账户，可用积分整体过期
// 冻结中的积分不过期，points_expiry_days <= 0 时不启用
type PointsExpiryJob struct {
	ledger      *service.LedgerService
	accountRepo *repository.AccountRepository
	logger      *zap.Logger
	expiryDays  int
	stopCh      chan struct{}
	interval    time.Duration
	batchSize   int
	now         func() time.Time
}

func NewPointsExpiryJob(db *gorm.DB, ledger *service.LedgerService, cfg *config.Config, logger *zap.Logger) *PointsExpiryJob {
	return &PointsExpiryJob{
		ledger:      ledger,
		accountRepo: repository.NewAccountRepository(db),
		logger:      logger.Named("points_expiry"),
		expiryDays:  cfg.Loyalty.PointsExpiryDays,
		stopCh:      make(chan struct{}),
		interval:    time.Hour,
		batchSize:   100,
		now:         time.Now,
	}
}

func (j *PointsExpiryJob) Start(ctx context.Context) {
	if j.expiryDays <= 0 {
		j.logger.Info("积分过期未启用")
		return
	}
	j.logger.Info("积分过期任务启动", zap.Int("expiry_days", j.expiryDays))

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

func (j *PointsExpiryJob) Stop() {
	close(j.stopCh)
}

// Run 处理一批到期账户，返回过期的积分总数
func (j *PointsExpiryJob) Run(ctx context.Context) int64 {
	if j.expiryDays <= 0 {
		return 0
	}
	before := j.now().AddDate(0, 0, -j.expiryDays)

	accounts, err := j.accountRepo.ListExpiryCandidates(ctx, before, j.batchSize)
	if err != nil {
		j.logger.Error("查询到期账户失败", zap.Error(err))
		return 0
	}

	var total int64
	for _, account := range accounts {
		reason := fmt.Sprintf("超过 %d 天未获得积分，可用积分过期", j.expiryDays)
		trans, err := j.ledger.Expire(ctx, account.UserID, account.Available(), reason)
		if err != nil {
			j.logger.Error("积分过期失败", zap.String("user_id", account.UserID), zap.Error(err))
			continue
		}
		if trans == nil {
			continue
		}
		total += -trans.Points
		j.logger.Info("积分已过期",
			zap.String("user_id", account.UserID),
			zap.Int64("points", -trans.Points),
			zap.String("transaction_no", trans.TransactionNo),
		)
	}
	return total
}
