package job

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mrbabu07/HnilaBazar-sub000/internal/config"
	"github.com/mrbabu07/HnilaBazar-sub000/internal/consumer"
	"github.com/mrbabu07/HnilaBazar-sub000/internal/infrastructure/database"
	"github.com/mrbabu07/HnilaBazar-sub000/internal/infrastructure/lock"
	"github.com/mrbabu07/HnilaBazar-sub000/internal/model"
	"github.com/mrbabu07/HnilaBazar-sub000/internal/repository"
	"github.com/mrbabu07/HnilaBazar-sub000/internal/service"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakePublisher struct {
	mu       sync.Mutex
	sent     []string
	failures int
}

func (p *fakePublisher) SendMessage(topic, key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	p.sent = append(p.sent, key)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func setupTestDB(t *testing.T) (*gorm.DB, *config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.Database = config.DatabaseConfig{Driver: "sqlite", Database: ":memory:"}

	db, err := database.Open(&cfg.Database)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db, cfg
}

func TestOutboxSender_SendsPendingInOrder(t *testing.T) {
	db, cfg := setupTestDB(t)
	ctx := context.Background()

	for _, key := range []string{"u-1", "u-2", "u-3"} {
		require.NoError(t, db.Create(&model.OutboxMessage{
			UserID: key, Topic: "loyalty_events", EventType: "points.earned",
			Payload: "{}", Status: model.OutboxStatusPending,
		}).Error)
	}

	pub := &fakePublisher{}
	sender := NewOutboxSender(db, pub, cfg, zap.NewNop())
	sender.ProcessPending(ctx)

	assert.Equal(t, []string{"u-1", "u-2", "u-3"}, pub.sent)

	var pending int64
	require.NoError(t, db.Model(&model.OutboxMessage{}).Where("status = ?", model.OutboxStatusPending).Count(&pending).Error)
	assert.Equal(t, int64(0), pending)

	var sent model.OutboxMessage
	require.NoError(t, db.First(&sent).Error)
	assert.Equal(t, model.OutboxStatusSent, sent.Status)
	assert.NotNil(t, sent.SentAt)

	// 已发送的消息不会重复投递
	sender.ProcessPending(ctx)
	assert.Len(t, pub.sent, 3)
}

func TestOutboxSender_MarksFailedAfterMaxRetries(t *testing.T) {
	db, cfg := setupTestDB(t)
	cfg.Loyalty.MaxRetryCount = 2
	ctx := context.Background()

	msg := &model.OutboxMessage{
		UserID: "u-1", Topic: "loyalty_events", EventType: "points.earned",
		Payload: "{}", Status: model.OutboxStatusPending,
	}
	require.NoError(t, db.Create(msg).Error)

	pub := &fakePublisher{failures: 10}
	sender := NewOutboxSender(db, pub, cfg, zap.NewNop())

	sender.ProcessPending(ctx)
	var got model.OutboxMessage
	require.NoError(t, db.First(&got, msg.ID).Error)
	assert.Equal(t, model.OutboxStatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "broker unavailable", got.LastError)

	sender.ProcessPending(ctx)
	require.NoError(t, db.First(&got, msg.ID).Error)
	assert.Equal(t, model.OutboxStatusFailed, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Empty(t, pub.sent)
}

func TestHoldSweeper_ExpiresOverdueHolds(t *testing.T) {
	db, cfg := setupTestDB(t)
	ctx := context.Background()
	cfg.Loyalty.HoldTTLMinutes = 0

	logger := zap.NewNop()
	ledger := service.NewLedgerService(db, lock.NewLocalAccountLocker(), cfg, logger)
	redemption := service.NewRedemptionService(db, ledger, service.NewDiscountReconciler(nil), cfg, logger)

	_, err := ledger.Credit(ctx, &service.CreditRequest{UserID: "u-1", Points: 1000, IdempotencyKey: "seed"})
	require.NoError(t, err)
	hold, err := redemption.CreateHold(ctx, &service.CreateHoldRequest{
		UserID: "u-1", OrderID: "order-1", RequestedPoints: 300, OrderSubtotal: decimal.NewFromInt(50),
	})
	require.NoError(t, err)

	sweeper := NewHoldSweeper(redemption, cfg, logger)
	assert.Equal(t, 1, sweeper.Sweep(ctx))

	got, err := redemption.GetHold(ctx, hold.HoldNo)
	require.NoError(t, err)
	assert.Equal(t, model.HoldStateExpired, got.State)

	view, err := ledger.GetBalance(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), view.HeldPoints)
	assert.Equal(t, int64(1000), view.Available)

	assert.Equal(t, 0, sweeper.Sweep(ctx))
}

func TestHoldSweeper_StopsOnSignal(t *testing.T) {
	db, cfg := setupTestDB(t)
	logger := zap.NewNop()
	ledger := service.NewLedgerService(db, lock.NewLocalAccountLocker(), cfg, logger)
	redemption := service.NewRedemptionService(db, ledger, service.NewDiscountReconciler(nil), cfg, logger)

	sweeper := NewHoldSweeper(redemption, cfg, logger)
	done := make(chan struct{})
	go func() {
		sweeper.Start(context.Background())
		close(done)
	}()
	sweeper.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestPointsExpiryJob_ExpiresDormantAccounts(t *testing.T) {
	db, cfg := setupTestDB(t)
	ctx := context.Background()
	cfg.Loyalty.PointsExpiryDays = 30
	logger := zap.NewNop()

	ledger := service.NewLedgerService(db, lock.NewLocalAccountLocker(), cfg, logger)
	redemption := service.NewRedemptionService(db, ledger, service.NewDiscountReconciler(nil), cfg, logger)

	for _, user := range []string{"dormant", "active"} {
		_, err := ledger.Credit(ctx, &service.CreditRequest{UserID: user, Points: 800, IdempotencyKey: "seed-" + user})
		require.NoError(t, err)
	}
	_, err := redemption.CreateHold(ctx, &service.CreateHoldRequest{
		UserID: "dormant", OrderID: "order-1", RequestedPoints: 300, OrderSubtotal: decimal.NewFromInt(50),
	})
	require.NoError(t, err)

	old := time.Now().AddDate(0, 0, -40)
	require.NoError(t, db.Model(&model.Account{}).Where("user_id = ?", "dormant").Update("last_earned_at", old).Error)

	job := NewPointsExpiryJob(db, ledger, cfg, logger)
	assert.Equal(t, int64(500), job.Run(ctx))

	dormant, err := ledger.GetBalance(ctx, "dormant")
	require.NoError(t, err)
	assert.Equal(t, int64(300), dormant.Balance)
	assert.Equal(t, int64(300), dormant.HeldPoints)

	active, err := ledger.GetBalance(ctx, "active")
	require.NoError(t, err)
	assert.Equal(t, int64(800), active.Balance)

	assert.Equal(t, int64(0), job.Run(ctx))
}

func TestHoldSweeper_SkipsAccountsUnderReconciliation(t *testing.T) {
	db, cfg := setupTestDB(t)
	ctx := context.Background()
	cfg.Loyalty.HoldTTLMinutes = 0
	cfg.Loyalty.SweepBatchSize = 1

	logger := zap.NewNop()
	ledger := service.NewLedgerService(db, lock.NewLocalAccountLocker(), cfg, logger)
	redemption := service.NewRedemptionService(db, ledger, service.NewDiscountReconciler(nil), cfg, logger)

	for _, user := range []string{"stuck", "healthy"} {
		_, err := ledger.Credit(ctx, &service.CreditRequest{UserID: user, Points: 1000, IdempotencyKey: "seed-" + user})
		require.NoError(t, err)
	}
	stuck, err := redemption.CreateHold(ctx, &service.CreateHoldRequest{
		UserID: "stuck", OrderID: "order-stuck", RequestedPoints: 300, OrderSubtotal: decimal.NewFromInt(50),
	})
	require.NoError(t, err)
	healthy, err := redemption.CreateHold(ctx, &service.CreateHoldRequest{
		UserID: "healthy", OrderID: "order-healthy", RequestedPoints: 300, OrderSubtotal: decimal.NewFromInt(50),
	})
	require.NoError(t, err)

	// 更早过期的冻结单属于待对账账户，无法变更
	require.NoError(t, db.Model(&model.RedemptionHold{}).Where("hold_no = ?", stuck.HoldNo).
		Update("expires_at", time.Now().Add(-time.Hour)).Error)
	require.NoError(t, db.Model(&model.Account{}).Where("user_id = ?", "stuck").
		Update("needs_reconciliation", true).Error)

	sweeper := NewHoldSweeper(redemption, cfg, logger)
	assert.Equal(t, 1, sweeper.Sweep(ctx))

	got, err := redemption.GetHold(ctx, healthy.HoldNo)
	require.NoError(t, err)
	assert.Equal(t, model.HoldStateExpired, got.State)

	got, err = redemption.GetHold(ctx, stuck.HoldNo)
	require.NoError(t, err)
	assert.Equal(t, model.HoldStateCreated, got.State)

	assert.Equal(t, 0, sweeper.Sweep(ctx))
}

func TestPointsExpiryJob_AdminCreditKeepsAccountActive(t *testing.T) {
	db, cfg := setupTestDB(t)
	ctx := context.Background()
	cfg.Loyalty.PointsExpiryDays = 30
	logger := zap.NewNop()

	ledger := service.NewLedgerService(db, lock.NewLocalAccountLocker(), cfg, logger)
	_, err := ledger.Credit(ctx, &service.CreditRequest{UserID: "u-1", Points: 800, IdempotencyKey: "seed"})
	require.NoError(t, err)

	old := time.Now().AddDate(0, 0, -40)
	require.NoError(t, db.Model(&model.Account{}).Where("user_id = ?", "u-1").Update("last_earned_at", old).Error)

	_, err = ledger.AdminAdjust(ctx, &service.AdjustRequest{UserID: "u-1", Delta: 200, Reason: "客服补发", ActorID: "admin-1"})
	require.NoError(t, err)

	job := NewPointsExpiryJob(db, ledger, cfg, logger)
	assert.Equal(t, int64(0), job.Run(ctx))

	view, err := ledger.GetBalance(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), view.Balance)
}

func TestDeferredReplayJob_CreditsAfterReconciliation(t *testing.T) {
	db, cfg := setupTestDB(t)
	ctx := context.Background()
	logger := zap.NewNop()

	ledger := service.NewLedgerService(db, lock.NewLocalAccountLocker(), cfg, logger)
	redemption := service.NewRedemptionService(db, ledger, service.NewDiscountReconciler(nil), cfg, logger)

	_, err := ledger.Credit(ctx, &service.CreditRequest{UserID: "u-1", Points: 100, IdempotencyKey: "seed"})
	require.NoError(t, err)
	require.NoError(t, db.Model(&model.Account{}).Where("user_id = ?", "u-1").Update("needs_reconciliation", true).Error)

	store := repository.NewDeferredEventRepository(db)
	orderConsumer := consumer.NewOrderConsumer(ledger, redemption, store, logger)

	payload := `{"event_type":"order.completed","order_id":"order-1","user_id":"u-1","amount_spent":"50"}`
	err = orderConsumer.HandleMessage(ctx, []byte(payload))
	require.ErrorIs(t, err, service.ErrAccountUnderReconciliation)

	require.NoError(t, store.Park(ctx, &model.DeferredOrderEvent{
		EventKey:      "order.completed:order-1",
		EventType:     "order.completed",
		OrderID:       "order-1",
		UserID:        "u-1",
		Payload:       payload,
		LastError:     err.Error(),
		NextAttemptAt: time.Now().Add(-time.Second),
	}))

	replay := NewDeferredReplayJob(orderConsumer, cfg, logger)

	// 对账未完成，推迟到下一轮
	assert.Equal(t, 0, replay.Run(ctx))
	var parked model.DeferredOrderEvent
	require.NoError(t, db.Where("event_key = ?", "order.completed:order-1").First(&parked).Error)
	assert.Equal(t, model.DeferredStatusPending, parked.Status)
	assert.Equal(t, 1, parked.Attempts)
	assert.True(t, parked.NextAttemptAt.After(time.Now()))

	_, err = ledger.ClearReconciliation(ctx, "u-1", "admin-1")
	require.NoError(t, err)
	require.NoError(t, db.Model(&model.DeferredOrderEvent{}).Where("id = ?", parked.ID).
		Update("next_attempt_at", time.Now().Add(-time.Second)).Error)

	assert.Equal(t, 1, replay.Run(ctx))

	view, err := ledger.GetBalance(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), view.Balance)

	require.NoError(t, db.First(&parked, parked.ID).Error)
	assert.Equal(t, model.DeferredStatusDone, parked.Status)
	assert.Equal(t, 0, replay.Run(ctx))
}
