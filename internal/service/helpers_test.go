package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mrbabu07/HnilaBazar-sub000/internal/config"
	"github.com/mrbabu07/HnilaBazar-sub000/internal/infrastructure/database"
	"github.com/mrbabu07/HnilaBazar-sub000/internal/infrastructure/lock"
	"github.com/mrbabu07/HnilaBazar-sub000/internal/model"
	"github.com/mrbabu07/HnilaBazar-sub000/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeCoupons struct {
	mu        sync.Mutex
	discounts map[string]decimal.Decimal
	err       error
	calls     int
}

func (f *fakeCoupons) ValidateCoupon(ctx context.Context, code string, orderSubtotal decimal.Decimal) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return decimal.Zero, f.err
	}
	d, ok := f.discounts[code]
	if !ok {
		return decimal.Zero, errors.New("coupon not found")
	}
	return d, nil
}

type testEnv struct {
	db         *gorm.DB
	cfg        *config.Config
	clock      *testClock
	coupons    *fakeCoupons
	ledger     *LedgerService
	redemption *RedemptionService
	referral   *ReferralService
}

// setupTestEnv in-memory sqlite + 进程内账户锁 + 可控时钟
func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.Database = config.DatabaseConfig{Driver: "sqlite", Database: ":memory:"}

	db, err := database.Open(&cfg.Database)
	require.NoError(t, err, "failed to open test database")
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	clock := &testClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	logger := zap.NewNop()

	ledger := NewLedgerService(db, lock.NewLocalAccountLocker(), cfg, logger)
	ledger.now = clock.Now

	coupons := &fakeCoupons{discounts: map[string]decimal.Decimal{}}

	return &testEnv{
		db:         db,
		cfg:        cfg,
		clock:      clock,
		coupons:    coupons,
		ledger:     ledger,
		redemption: NewRedemptionService(db, ledger, NewDiscountReconciler(coupons), cfg, logger),
		referral:   NewReferralService(db, ledger, cfg, logger),
	}
}

// seed 给用户入账
func (e *testEnv) seed(t *testing.T, userID string, points int64) {
	t.Helper()
	_, err := e.ledger.Credit(context.Background(), &CreditRequest{
		UserID:         userID,
		Points:         points,
		Reason:         "seed",
		IdempotencyKey: "seed:" + uuid.NewString(),
	})
	require.NoError(t, err)
}

func (e *testEnv) account(t *testing.T, userID string) *model.Account {
	t.Helper()
	account, err := repository.NewAccountRepository(e.db).GetByUserID(context.Background(), nil, userID)
	require.NoError(t, err)
	return account
}

func (e *testEnv) transactions(t *testing.T, userID string) []*model.LoyaltyTransaction {
	t.Helper()
	var list []*model.LoyaltyTransaction
	require.NoError(t, e.db.Where("user_id = ?", userID).Order("id ASC").Find(&list).Error)
	return list
}

func (e *testEnv) hold(t *testing.T, holdID string) *model.RedemptionHold {
	t.Helper()
	hold, err := repository.NewHoldRepository(e.db).GetByHoldNo(context.Background(), nil, holdID)
	require.NoError(t, err)
	return hold
}

func (e *testEnv) createHold(t *testing.T, userID, orderID string, points int64, subtotal string) *model.RedemptionHold {
	t.Helper()
	hold, err := e.redemption.CreateHold(context.Background(), &CreateHoldRequest{
		UserID:          userID,
		OrderID:         orderID,
		RequestedPoints: points,
		OrderSubtotal:   decimal.RequireFromString(subtotal),
	})
	require.NoError(t, err)
	return hold
}

// assertConsistent 余额等于流水合计，冻结等于有效冻结单合计，0 <= held <= balance
func (e *testEnv) assertConsistent(t *testing.T, userID string) {
	t.Helper()
	ctx := context.Background()
	account := e.account(t, userID)

	sum, err := repository.NewTransactionRepository(e.db).SumPointsByUserID(ctx, nil, userID)
	require.NoError(t, err)
	held, err := repository.NewHoldRepository(e.db).SumActivePoints(ctx, nil, userID)
	require.NoError(t, err)

	assert.Equal(t, sum, account.Balance, "balance should equal sum of transactions")
	assert.Equal(t, held, account.HeldPoints, "held should equal sum of active holds")
	assert.True(t, account.CheckInvariants(), "0 <= held <= balance")
}

func (e *testEnv) outboxEvents(t *testing.T) []string {
	t.Helper()
	var msgs []*model.OutboxMessage
	require.NoError(t, e.db.Order("id ASC").Find(&msgs).Error)
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.EventType)
	}
	return out
}
