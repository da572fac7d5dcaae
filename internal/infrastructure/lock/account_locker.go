package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AccountLocker 账户级互斥
//
// 同一账户的所有写操作（入账、扣减、冻结、解冻、人工调整）必须串行，
// 不同账户之间互不阻塞。返回的 unlock 必须被调用。
type AccountLocker interface {
	Lock(ctx context.Context, userID string) (unlock func(), err error)
}

func accountLockKey(userID string) string {
	return fmt.Sprintf("loyalty:lock:account:%s", userID)
}

// ============================================================================
// Redis 实现：多实例部署
// ============================================================================

type RedisAccountLocker struct {
	client        *redis.Client
	ttl           time.Duration
	retryInterval time.Duration
	maxRetries    int
	logger        *zap.Logger
}

func NewRedisAccountLocker(client *redis.Client, ttl, retryInterval time.Duration, maxRetries int, logger *zap.Logger) *RedisAccountLocker {
	return &RedisAccountLocker{
		client:        client,
		ttl:           ttl,
		retryInterval: retryInterval,
		maxRetries:    maxRetries,
		logger:        logger,
	}
}

func (l *RedisAccountLocker) Lock(ctx context.Context, userID string) (func(), error) {
	// value 每次加锁唯一，避免误删其他请求的锁
	dl := NewDistributedLock(l.client, accountLockKey(userID), uuid.NewString(), l.ttl)
	if err := dl.Lock(ctx, l.retryInterval, l.maxRetries); err != nil {
		return nil, err
	}
	return func() {
		// 请求 ctx 可能已取消，释放锁使用独立的短超时
		unlockCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := dl.Unlock(unlockCtx); err != nil {
			l.logger.Warn("释放账户锁失败", zap.String("user_id", userID), zap.Error(err))
		}
	}, nil
}

// ============================================================================
// 进程内实现：单实例部署和测试
// ============================================================================

type accountMutex struct {
	ch   chan struct{}
	refs int
}

type LocalAccountLocker struct {
	mu    sync.Mutex
	locks map[string]*accountMutex
}

func NewLocalAccountLocker() *LocalAccountLocker {
	return &LocalAccountLocker{locks: make(map[string]*accountMutex)}
}

func (l *LocalAccountLocker) Lock(ctx context.Context, userID string) (func(), error) {
	l.mu.Lock()
	m, ok := l.locks[userID]
	if !ok {
		m = &accountMutex{ch: make(chan struct{}, 1)}
		l.locks[userID] = m
	}
	m.refs++
	l.mu.Unlock()

	select {
	case m.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(userID, m)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-m.ch
			l.release(userID, m)
		})
	}, nil
}

// release 引用计数归零时回收，防止 map 无限增长
func (l *LocalAccountLocker) release(userID string, m *accountMutex) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m.refs--
	if m.refs == 0 {
		delete(l.locks, userID)
	}
}

// Size 当前持有或等待中的账户锁数量
func (l *LocalAccountLocker) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
