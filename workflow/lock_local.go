package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// NewLocalWorkflowLock 单进程部署使用
func NewLocalWorkflowLock() WorkflowLock {
	return &localWorkflowLock{}
}

type localWorkflowLock struct {
	locks sync.Map // key -> *sync.Mutex
}

func (l *localWorkflowLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error {
	if _, ok := ctx.Value(lockKey(key)).(string); ok {
		// 已经持有锁，直接执行
		return f(ctx)
	}

	lockInfo, _ := l.locks.LoadOrStore(key, &sync.Mutex{})
	mu := lockInfo.(*sync.Mutex)
	if !mu.TryLock() {
		return errors.WithMessagef(ErrLockFailed, "[localWorkflowLock.NonBlockingSynchronized] key %s has been locked", key)
	}

	// 超时和正常结束都会走到这里, 只有第一次生效
	var once sync.Once
	release := func() {
		once.Do(func() {
			l.locks.CompareAndDelete(key, mu)
			mu.Unlock()
		})
	}
	timer := time.AfterFunc(maxLockTimeDuration, release)
	defer func() {
		timer.Stop()
		release()
	}()

	return f(context.WithValue(ctx, lockKey(key), key))
}
