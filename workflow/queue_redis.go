package workflow

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const defaultRedisQueueKey = "autoflow:tasks"

// RedisQueue 基于 redis list 的任务队列, LPUSH 入队, RPOP 出队
// 多个 worker 副本可以共享同一个 key
type RedisQueue struct {
	redisClient redis.Cmdable
	key         string
	batchSize   int
}

func NewRedisQueue(redisClient redis.Cmdable, key string, batchSize int) *RedisQueue {
	if key == "" {
		key = defaultRedisQueueKey
	}
	if batchSize <= 0 {
		batchSize = 1
	}
	return &RedisQueue{
		redisClient: redisClient,
		key:         key,
		batchSize:   batchSize,
	}
}

func (q *RedisQueue) Dispatch(ctx context.Context, task *ExecutionTask) error {
	b, err := json.Marshal(task)
	if err != nil {
		return errors.Wrapf(err, "[RedisQueue.Dispatch] marshal %s failed", task)
	}
	if err := q.redisClient.LPush(ctx, q.key, b).Err(); err != nil {
		return q.wrapRedisError(err, "[RedisQueue.Dispatch] lpush failed")
	}
	return nil
}

func (q *RedisQueue) Fetch(ctx context.Context) ([]*ExecutionTask, error) {
	values, err := q.redisClient.RPopCount(ctx, q.key, q.batchSize).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, q.wrapRedisError(err, "[RedisQueue.Fetch] rpop failed")
	}
	tasks := make([]*ExecutionTask, 0, len(values))
	for _, value := range values {
		task := &ExecutionTask{}
		if err := json.Unmarshal([]byte(value), task); err != nil {
			// 坏数据丢掉, 不能让它一直卡住队列
			slog.ErrorContext(ctx, "[RedisQueue.Fetch] drop malformed task",
				slog.String("key", q.key),
				slog.String("error", err.Error()))
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (q *RedisQueue) Size(ctx context.Context) (int64, error) {
	size, err := q.redisClient.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, q.wrapRedisError(err, "[RedisQueue.Size] llen failed")
	}
	return size, nil
}

// wrapRedisError 客户端已经关闭属于不可恢复错误, 其他网络错误可以重试
func (q *RedisQueue) wrapRedisError(err error, msg string) error {
	if errors.Is(err, redis.ErrClosed) {
		return errors.WithMessagef(ErrFetcherUnavailable, "%s, key:%s, err:%v", msg, q.key, err)
	}
	return errors.Wrapf(err, "%s, key:%s", msg, q.key)
}
