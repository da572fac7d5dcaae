package job

import (
	"context"
	"time"

	"github.com/mrbabu07/HnilaBazar-sub000/internal/config"
	"github.com/mrbabu07/HnilaBazar-sub000/internal/infrastructure/mq"
	"github.com/mrbabu07/HnilaBazar-sub000/internal/model"
	"github.com/mrbabu07/HnilaBazar-sub000/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OutboxSender 轮询本地消息表投递到 Kafka
// 至少投递一次，消费方按 event 中的 transaction_no / hold_id 去重
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	publisher  mq.Publisher
	logger     *zap.Logger
	maxRetry   int
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewOutboxSender(db *gorm.DB, publisher mq.Publisher, cfg *config.Config, logger *zap.Logger) *OutboxSender {
	return &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		publisher:  publisher,
		logger:     logger.Named("outbox_sender"),
		maxRetry:   cfg.Loyalty.MaxRetryCount,
		stopCh:     make(chan struct{}),
		interval:   100 * time.Millisecond,
		batchSize:  100,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.logger.Info("消息发送任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("收到停止信号，任务退出")
			return
		case <-s.stopCh:
			s.logger.Info("任务停止")
			return
		case <-ticker.C:
			s.ProcessPending(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

// ProcessPending 按写入顺序投递一批待发送消息
func (s *OutboxSender) ProcessPending(ctx context.Context) {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("查询消息失败", zap.Error(err))
		return
	}

	for _, msg := range messages {
		s.sendMessage(ctx, msg)
	}
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) {
	err := s.publisher.SendMessage(msg.Topic, msg.UserID, msg.Payload)
	if err == nil {
		if err := s.outboxRepo.MarkSent(ctx, msg.ID, time.Now()); err != nil {
			s.logger.Error("更新消息状态失败", zap.Int64("id", msg.ID), zap.Error(err))
			return
		}
		s.logger.Debug("消息发送成功",
			zap.Int64("id", msg.ID),
			zap.String("topic", msg.Topic),
			zap.String("user_id", msg.UserID),
			zap.String("event_type", msg.EventType),
		)
		return
	}

	giveUp := msg.Attempts+1 >= s.maxRetry
	s.logger.Warn("消息发送失败", zap.Int64("id", msg.ID), zap.Int("attempts", msg.Attempts+1), zap.Error(err))

	if err := s.outboxRepo.RecordFailure(ctx, msg.ID, err, giveUp); err != nil {
		s.logger.Error("记录发送失败出错", zap.Int64("id", msg.ID), zap.Error(err))
		return
	}
	if giveUp {
		s.logger.Error("消息超过最大重试次数，标记为失败", zap.Int64("id", msg.ID), zap.String("event_type", msg.EventType))
	}
}
