package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const delCommand = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`

// NewRedisWorkflowLock 多个副本共享一个 redis 时使用
func NewRedisWorkflowLock(redisClient redis.Cmdable) WorkflowLock {
	return &redisWorkflowLock{redisClient: redisClient}
}

type redisWorkflowLock struct {
	redisClient redis.Cmdable
}

func (d *redisWorkflowLock) NonBlockingSynchronized(ctx context.Context, key string, maxLockTimeDuration time.Duration, f func(ctx2 context.Context) error) error {
	if _, ok := ctx.Value(lockKey(key)).(string); ok {
		// 之前成功上锁了,继续执行即可
		return f(ctx)
	}
	value := uuid.NewString()
	isLock, err := d.redisClient.SetNX(ctx, key, value, maxLockTimeDuration).Result()
	if err != nil {
		return errors.WithMessagef(ErrLockFailed, "[redisWorkflowLock.NonBlockingSynchronized] key:%s, err:%v", key, err)
	}
	if !isLock {
		return errors.WithMessagef(ErrLockFailed, "[redisWorkflowLock.NonBlockingSynchronized] key %s has been locked", key)
	}
	defer d.releaseKey(key, value)
	return f(context.WithValue(ctx, lockKey(key), value))
}

func (d *redisWorkflowLock) releaseKey(key string, value string) {
	// ctx 可能已经被 cancel, 释放锁用新的 context
	reply, err := d.redisClient.Eval(context.Background(), delCommand, []string{key}, value).Int64()
	if err != nil {
		slog.Error("[redisWorkflowLock.releaseKey] release key failed", slog.String("key", key), slog.String("error", err.Error()))
		return
	}
	if reply != 1 {
		// 锁已经过期或者被别人持有
		slog.Warn("[redisWorkflowLock.releaseKey] key not released", slog.String("key", key), slog.Int64("reply", reply))
	}
}
