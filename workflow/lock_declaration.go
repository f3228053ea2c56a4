package workflow

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrLockFailed = errors.New("lock failed")
)

const lockKeyPrefix = "autoflow:lock:"

// lockKey 放在 ctx 里标记当前协程已经持有的锁, 用来支持重入
type lockKey string

type WorkflowLock interface {
	// NonBlockingSynchronized
	//  @Description:  1.非阻塞同步块,如果没有拿到锁，立刻返回 ErrLockFailed
	//                 2.可以重入锁
	//  @param ctx 原来的ctx
	//  @param key 锁的key
	//  @param maxLockTimeDuration 锁最大的时间, 超时自动释放
	//  @param f 具体执行函数的闭包
	//  @return error
	NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(context.Context) error) error
}

// launchLockKey 同一个调度任务在多个副本之间只启动一次
func launchLockKey(scheduledTaskID string) string {
	return lockKeyPrefix + "launch:" + scheduledTaskID
}

func IsLockFailed(err error) bool {
	return errors.Is(err, ErrLockFailed)
}
