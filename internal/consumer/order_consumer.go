package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mrbabu07/HnilaBazar-sub000/internal/model"
	"github.com/mrbabu07/HnilaBazar-sub000/internal/service"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	EventOrderCompleted = "order.completed"
	EventOrderCancelled = "order.cancelled"

	maxHandleTries = 5
)

// ErrMalformedEvent 消息无法解析，记录后跳过
var ErrMalformedEvent = errors.New("malformed order event")

// OrderEvent order_events 中的消息
type OrderEvent struct {
	EventType   string          `json:"event_type"`
	OrderID     string          `json:"order_id"`
	UserID      string          `json:"user_id"`
	AmountSpent decimal.Decimal `json:"amount_spent"`
}

// Earner 订单完成入账
type Earner interface {
	EarnFromOrder(ctx context.Context, evt *service.OrderCompleted) (*service.CreditResult, error)
}

// OrderReleaser 订单取消释放冻结
type OrderReleaser interface {
	ReleaseByOrder(ctx context.Context, orderID string) (*model.RedemptionHold, error)
}

// DeferredStore 暂存无法立即处理的事件，repository.DeferredEventRepository 实现
type DeferredStore interface {
	Park(ctx context.Context, evt *model.DeferredOrderEvent) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]*model.DeferredOrderEvent, error)
	MarkDone(ctx context.Context, id int64) error
	Reschedule(ctx context.Context, id int64, next time.Time, cause error) error
}

// outcome 处理结果决定位点如何提交
type outcome int

const (
	outcomeAck       outcome = iota // 提交位点
	outcomePark                     // 落库待重放，再提交位点
	outcomeRedeliver                // 不提交位点，等待重新投递
)

// classify 只有成功、无法解析和确定性的业务结果才直接提交位点
func classify(err error) outcome {
	if err == nil || errors.Is(err, ErrMalformedEvent) {
		return outcomeAck
	}
	var le *service.LoyaltyError
	if !errors.As(err, &le) {
		// 数据库、网络等基础设施错误
		return outcomeRedeliver
	}
	switch le.Code {
	case service.CodeInvalidArgument, service.CodeHoldNotFound, service.CodeHoldAlreadyCommitted:
		return outcomeAck
	case service.CodeConcurrentUpdateConflict:
		return outcomeRedeliver
	default:
		// 对账中的账户等，需要等人工处理后再入账
		return outcomePark
	}
}

// OrderConsumer 实现 sarama.ConsumerGroupHandler
//
// 入账以订单号为幂等键，重复投递不会重复入账。
// 并发冲突先原地退避重试，仍失败则不提交位点，由 Kafka 重新投递；
// 账户对账中的事件转存到 loyalty_deferred_event，由 ReplayDeferred 补处理。
type OrderConsumer struct {
	earner   Earner
	releaser OrderReleaser
	deferred DeferredStore
	logger   *zap.Logger

	retryInterval   time.Duration
	redeliveryDelay time.Duration
	replayDelay     time.Duration
	now             func() time.Time
}

func NewOrderConsumer(earner Earner, releaser OrderReleaser, deferred DeferredStore, logger *zap.Logger) *OrderConsumer {
	return &OrderConsumer{
		earner:          earner,
		releaser:        releaser,
		deferred:        deferred,
		logger:          logger.Named("order_consumer"),
		retryInterval:   100 * time.Millisecond,
		redeliveryDelay: 5 * time.Second,
		replayDelay:     time.Minute,
		now:             time.Now,
	}
}

func (c *OrderConsumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *OrderConsumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim 返回错误会结束本次会话，未提交的消息在重新加入消费组后再次投递
func (c *OrderConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			fields := []zap.Field{
				zap.String("topic", msg.Topic),
				zap.Int32("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
			}

			evt, err := decode(msg.Value)
			if err == nil {
				err = c.handle(ctx, evt)
			}

			switch classify(err) {
			case outcomeRedeliver:
				return c.redeliver(ctx, err, fields)
			case outcomePark:
				if parkErr := c.park(ctx, evt, msg.Value, err); parkErr != nil {
					c.logger.Error("订单事件转存失败", append(fields, zap.NamedError("cause", err), zap.Error(parkErr))...)
					return c.redeliver(ctx, parkErr, fields)
				}
				c.logger.Warn("订单事件暂时无法处理，已转存待重放", append(fields, zap.String("order_id", evt.OrderID), zap.Error(err))...)
			default:
				if err != nil {
					c.logger.Warn("订单事件无需处理，跳过", append(fields, zap.Error(err))...)
				}
			}
			session.MarkMessage(msg, "")
		case <-ctx.Done():
			return nil
		}
	}
}

// redeliver 暂停一段时间后结束会话，避免失败消息被立即重复拉取
func (c *OrderConsumer) redeliver(ctx context.Context, err error, fields []zap.Field) error {
	if ctx.Err() != nil {
		return nil
	}
	c.logger.Error("订单事件处理失败，等待重新投递", append(fields, zap.Error(err))...)

	timer := time.NewTimer(c.redeliveryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	return fmt.Errorf("订单事件处理失败: %w", err)
}

func (c *OrderConsumer) park(ctx context.Context, evt *OrderEvent, payload []byte, cause error) error {
	if c.deferred == nil {
		return errors.New("未配置事件暂存")
	}
	return c.deferred.Park(ctx, &model.DeferredOrderEvent{
		EventKey:      evt.EventType + ":" + evt.OrderID,
		EventType:     evt.EventType,
		OrderID:       evt.OrderID,
		UserID:        evt.UserID,
		Payload:       string(payload),
		LastError:     cause.Error(),
		NextAttemptAt: c.now().Add(c.replayDelay),
	})
}

// HandleMessage 解析并处理一条订单事件
func (c *OrderConsumer) HandleMessage(ctx context.Context, value []byte) error {
	evt, err := decode(value)
	if err != nil {
		return err
	}
	return c.handle(ctx, evt)
}

func decode(value []byte) (*OrderEvent, error) {
	var evt OrderEvent
	if err := json.Unmarshal(value, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if evt.OrderID == "" {
		return nil, fmt.Errorf("%w: order_id 为空", ErrMalformedEvent)
	}
	if evt.EventType == EventOrderCompleted && evt.UserID == "" {
		return nil, fmt.Errorf("%w: user_id 为空", ErrMalformedEvent)
	}
	return &evt, nil
}

func (c *OrderConsumer) handle(ctx context.Context, evt *OrderEvent) error {
	switch evt.EventType {
	case EventOrderCompleted:
		return c.withRetry(ctx, func() error {
			result, err := c.earner.EarnFromOrder(ctx, &service.OrderCompleted{
				OrderID:     evt.OrderID,
				UserID:      evt.UserID,
				AmountSpent: evt.AmountSpent,
			})
			if err == nil && result.Duplicate {
				c.logger.Info("订单已入账，忽略重复事件", zap.String("order_id", evt.OrderID))
			}
			return err
		})
	case EventOrderCancelled:
		return c.withRetry(ctx, func() error {
			hold, err := c.releaser.ReleaseByOrder(ctx, evt.OrderID)
			if err == nil && hold != nil {
				c.logger.Info("订单取消，冻结已释放", zap.String("order_id", evt.OrderID), zap.String("hold_id", hold.HoldNo))
			}
			return err
		})
	default:
		c.logger.Debug("忽略未知订单事件", zap.String("event_type", evt.EventType))
		return nil
	}
}

// withRetry 只原地重试并发冲突和基础设施错误
func (c *OrderConsumer) withRetry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		var le *service.LoyaltyError
		if err != nil && errors.As(err, &le) && !le.Retryable() {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(maxHandleTries))
	return err
}

// ReplayDeferred 重放一批到期的暂存事件，返回处理完成的数量
func (c *OrderConsumer) ReplayDeferred(ctx context.Context, limit int) int {
	if c.deferred == nil {
		return 0
	}
	events, err := c.deferred.ListDue(ctx, c.now(), limit)
	if err != nil {
		c.logger.Error("查询暂存事件失败", zap.Error(err))
		return 0
	}

	done := 0
	for _, d := range events {
		if ctx.Err() != nil {
			break
		}
		err := c.HandleMessage(ctx, []byte(d.Payload))
		if classify(err) != outcomeAck {
			next := c.now().Add(c.replayDelay)
			if rerr := c.deferred.Reschedule(ctx, d.ID, next, err); rerr != nil {
				c.logger.Error("推迟暂存事件失败", zap.Int64("id", d.ID), zap.Error(rerr))
			}
			c.logger.Debug("暂存事件仍无法处理", zap.String("event_key", d.EventKey), zap.Error(err))
			continue
		}
		if err := c.deferred.MarkDone(ctx, d.ID); err != nil {
			c.logger.Error("更新暂存事件失败", zap.Int64("id", d.ID), zap.Error(err))
			continue
		}
		done++
		c.logger.Info("暂存订单事件已补处理", zap.String("event_key", d.EventKey))
	}
	return done
}
