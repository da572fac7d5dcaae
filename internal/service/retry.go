package service

import (
	"context"
	"errors"
	"time"

	"github.com/mrbabu07/HnilaBazar-sub000/internal/infrastructure/lock"
	"github.com/mrbabu07/HnilaBazar-sub000/internal/repository"

	"github.com/cenkalti/backoff/v5"
)

// isConflict 乐观锁冲突和拿锁超时属于可重试的并发冲突
func isConflict(err error) bool {
	return errors.Is(err, repository.ErrOptimisticLock) ||
		errors.Is(err, repository.ErrHoldStateChanged) ||
		errors.Is(err, lock.ErrLockFailed)
}

// retryOnConflict 并发冲突时指数退避重试，其他错误立即返回
// 重试耗尽后返回 ErrConcurrentUpdateConflict
func retryOnConflict[T any](ctx context.Context, maxTries uint, op func() (T, error)) (T, error) {
	if maxTries == 0 {
		maxTries = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond

	result, err := backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !isConflict(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(maxTries))

	if err != nil && isConflict(err) {
		return result, ErrConcurrentUpdateConflict.WithContext("cause", err.Error())
	}
	return result, err
}
