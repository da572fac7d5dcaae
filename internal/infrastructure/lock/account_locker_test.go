package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestDistributedLock_MutualExclusion(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	a := NewDistributedLock(client, "k", "a", time.Second)
	b := NewDistributedLock(client, "k", "b", time.Second)

	ok, err := a.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not acquire the lock")

	// b 不能释放 a 的锁
	assert.ErrorIs(t, b.Unlock(ctx), ErrLockExpired)
	require.NoError(t, a.Unlock(ctx))

	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDistributedLock_LockGivesUpAfterRetries(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	holder := NewDistributedLock(client, "k", "holder", time.Minute)
	require.NoError(t, holder.Lock(ctx, time.Millisecond, 1))

	waiter := NewDistributedLock(client, "k", "waiter", time.Minute)
	err := waiter.Lock(ctx, time.Millisecond, 3)
	assert.ErrorIs(t, err, ErrLockFailed)
}

func TestDistributedLock_ExpiresAfterTTL(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()

	holder := NewDistributedLock(client, "k", "holder", time.Second)
	require.NoError(t, holder.Lock(ctx, time.Millisecond, 1))

	mr.FastForward(2 * time.Second)

	other := NewDistributedLock(client, "k", "other", time.Second)
	ok, err := other.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.ErrorIs(t, holder.Unlock(ctx), ErrLockExpired)
}

func TestRedisAccountLocker_SerializesSameAccount(t *testing.T) {
	_, client := newTestRedis(t)
	locker := NewRedisAccountLocker(client, 5*time.Second, time.Millisecond, 5000, zap.NewNop())

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(context.Background(), "u1")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
}

func TestLocalAccountLocker_SerializesSameAccount(t *testing.T) {
	locker := NewLocalAccountLocker()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(context.Background(), "u1")
			if !assert.NoError(t, err) {
				return
			}
			v := counter
			time.Sleep(time.Microsecond)
			counter = v + 1
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, locker.Size(), "idle locks are reclaimed")
}

func TestLocalAccountLocker_DifferentAccountsDoNotBlock(t *testing.T) {
	locker := NewLocalAccountLocker()

	unlockA, err := locker.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	unlockB, err := locker.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()
}

func TestLocalAccountLocker_ContextCancelledWhileWaiting(t *testing.T) {
	locker := NewLocalAccountLocker()

	unlock, err := locker.Lock(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // 重复调用无副作用
	assert.Equal(t, 0, locker.Size())
}
