package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingHandler 前 failures 次 Handle 返回错误
type countingHandler struct {
	BaseTaskHandler
	mu       sync.Mutex
	calls    int
	failures int
}

func (h *countingHandler) Handle(ctx context.Context, data *JSONContext) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.calls <= h.failures {
		return errors.Errorf("failure %d", h.calls)
	}
	return data.Set([]string{"result"}, "ok")
}

func (h *countingHandler) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

type memoryResultStore struct {
	mu    sync.Mutex
	saved []*ExecutionTask
}

func (s *memoryResultStore) SaveTaskResult(ctx context.Context, task *ExecutionTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, task)
	return nil
}

func TestExecutorExecute(t *testing.T) {
	t.Run("第一次就成功", func(t *testing.T) {
		handler := &countingHandler{}
		task := NewExecutionTask("demo", nil)
		require.NoError(t, NewExecutor().Execute(context.Background(), task, handler))
		assert.Equal(t, TaskStatusSuccess, task.Status())
		assert.Equal(t, 1, task.Attempts)
		result, _ := task.Data.GetString("result")
		assert.Equal(t, "ok", result)
		assert.False(t, task.EndTime.Before(task.StartTime))
	})

	t.Run("失败两次第三次成功", func(t *testing.T) {
		handler := &countingHandler{failures: 2}
		task := NewExecutionTask("demo", nil)
		require.NoError(t, NewExecutor().Execute(context.Background(), task, handler))
		assert.Equal(t, TaskStatusSuccess, task.Status())
		assert.Equal(t, 3, task.Attempts)
		assert.Equal(t, 3, handler.Calls())
	})

	t.Run("重试耗尽", func(t *testing.T) {
		handler := &countingHandler{failures: 10}
		task := NewExecutionTask("demo", nil)
		err := NewExecutor().Execute(context.Background(), task, handler)
		assert.True(t, errors.Is(err, ErrMaxAttemptsReached))
		assert.Equal(t, TaskStatusFailed, task.Status())
		assert.Equal(t, DefaultMaxAttempts, task.Attempts)
		assert.Equal(t, DefaultMaxAttempts, handler.Calls())
		assert.Contains(t, task.LastError, "failure 3")
	})

	t.Run("max_attempts为0不调用handler", func(t *testing.T) {
		handler := &countingHandler{}
		task := NewExecutionTask("demo", nil)
		task.MaxAttempts = 0
		err := NewExecutor().Execute(context.Background(), task, handler)
		assert.True(t, errors.Is(err, ErrMaxAttemptsReached))
		assert.Equal(t, TaskStatusFailed, task.Status())
		assert.Equal(t, 0, task.Attempts)
		assert.Equal(t, 0, handler.Calls())
	})

	t.Run("panic当成失败", func(t *testing.T) {
		calls := 0
		handler := NewHandleFuncHandler(func(ctx context.Context, data *JSONContext) error {
			calls++
			if calls == 1 {
				panic("boom")
			}
			return nil
		})
		task := NewExecutionTask("demo", nil)
		require.NoError(t, NewExecutor().Execute(context.Background(), task, handler))
		assert.Equal(t, 2, task.Attempts)
		assert.Contains(t, task.LastError, "boom")
	})

	t.Run("before失败也算一轮", func(t *testing.T) {
		var calls []string
		record := func(name string, err error) HandleFunc {
			return func(ctx context.Context, data *JSONContext) error {
				calls = append(calls, name)
				return err
			}
		}
		handler := NewNormalTaskHandler(record("before", errors.New("invalid input")), record("handle", nil), record("after", nil))
		task := NewExecutionTask("demo", nil)
		task.MaxAttempts = 2
		err := NewExecutor().Execute(context.Background(), task, handler)
		assert.Error(t, err)
		assert.Equal(t, 2, task.Attempts)
		// 每一轮三个阶段都会执行
		assert.Equal(t, []string{"before", "handle", "after", "before", "handle", "after"}, calls)
		assert.Contains(t, task.LastError, "before: invalid input")
	})

	t.Run("多个阶段失败时报告第一个", func(t *testing.T) {
		afterCalls := 0
		handler := NewNormalTaskHandler(
			nil,
			func(ctx context.Context, data *JSONContext) error { panic("boom") },
			func(ctx context.Context, data *JSONContext) error { afterCalls++; return errors.New("cleanup failed") },
		)
		err := RunCycle(context.Background(), handler, NewJSONContext(nil))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrTaskHandlerPanic))
		assert.Contains(t, err.Error(), "handle")
		assert.NotContains(t, err.Error(), "cleanup failed")
		assert.Equal(t, 1, afterCalls)
	})

	t.Run("已经结束的任务不能再执行", func(t *testing.T) {
		task := NewExecutionTask("demo", nil)
		require.NoError(t, NewExecutor().Execute(context.Background(), task, &countingHandler{}))
		err := NewExecutor().Execute(context.Background(), task, &countingHandler{})
		assert.True(t, errors.Is(err, ErrWorkflowParamInvalid))
	})

	t.Run("重试等待时取消", func(t *testing.T) {
		task := NewExecutionTask("demo", nil)
		task.RetryPolicy.Delay = time.Hour
		ctx, cancel := context.WithCancel(context.Background())
		handler := NewHandleFuncHandler(func(ctx context.Context, data *JSONContext) error {
			cancel()
			return errors.New("fail")
		})
		err := NewExecutor().Execute(ctx, task, handler)
		assert.True(t, errors.Is(err, context.Canceled))
		assert.Equal(t, 1, task.Attempts)
		assert.Equal(t, TaskStatusFailed, task.Status())
	})

	t.Run("结果落库和指标", func(t *testing.T) {
		store := &memoryResultStore{}
		metrics := NewMetrics("test", prometheus.NewRegistry())
		clock := testNow
		executor := NewExecutor(WithResultStore(store), WithExecutorMetrics(metrics), WithExecutorClock(func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		}))

		task := NewExecutionTask("demo", nil)
		require.NoError(t, executor.Execute(context.Background(), task, &countingHandler{failures: 1}))
		failed := NewExecutionTask("demo", nil)
		failed.MaxAttempts = 1
		require.Error(t, executor.Execute(context.Background(), failed, &countingHandler{failures: 1}))

		require.Len(t, store.saved, 2)
		assert.Equal(t, TaskStatusSuccess, store.saved[0].Status())
		assert.Equal(t, time.Second, task.Duration())
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.tasksTotal.WithLabelValues("demo", TaskStatusSuccess)))
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.tasksTotal.WithLabelValues("demo", TaskStatusFailed)))
	})
}

func TestNewNodeTask(t *testing.T) {
	node := testNode("n1", NodeTypeNormal)
	node.Component = "http_call"
	node.Extra = &ExtraConfig{Retry: &RetryConfig{MaxAttempts: 5, Delay: 2}}

	task := NewNodeTask("instance-1", node, nil)
	assert.Equal(t, "http_call", task.TaskType)
	assert.Equal(t, "instance-1", task.InstanceID)
	assert.Equal(t, "n1", task.NodeID)
	assert.Equal(t, 5, task.MaxAttempts)
	assert.Equal(t, 2*time.Second, task.RetryPolicy.Delay)
	assert.Equal(t, TaskStatusQueued, task.Status())

	plain := NewNodeTask("instance-1", testNode("n2", NodeTypeEnd), nil)
	assert.Equal(t, NodeTypeEnd, plain.TaskType)
	assert.Equal(t, DefaultMaxAttempts, plain.MaxAttempts)
}

func TestExecutionTaskJSON(t *testing.T) {
	task := NewNodeTask("instance-1", testNode("n1", NodeTypeNormal), NewJSONContextFromMap(map[string]any{"k": "v"}))
	task.Attempts = 2
	task.setStatus(TaskStatusRunning)
	b, err := json.Marshal(task)
	require.NoError(t, err)

	decoded := &ExecutionTask{}
	require.NoError(t, json.Unmarshal(b, decoded))
	assert.Equal(t, task.ID, decoded.ID)
	assert.Equal(t, TaskStatusRunning, decoded.Status())
	assert.Equal(t, "instance-1", decoded.InstanceID)
	assert.Equal(t, 2, decoded.Attempts)
	v, _ := decoded.Data.GetString("k")
	assert.Equal(t, "v", v)
}

func TestRetryPolicyBackoff(t *testing.T) {
	assert.Equal(t, time.Duration(0), DefaultRetryPolicy().Backoff(1))

	fixed := RetryPolicy{Delay: time.Second}
	assert.Equal(t, time.Second, fixed.Backoff(1))
	assert.Equal(t, time.Second, fixed.Backoff(3))
	assert.Equal(t, time.Duration(0), fixed.Backoff(0))

	exponential := RetryPolicy{Delay: time.Second, Exponential: true, MaxDelay: 5 * time.Second}
	assert.Equal(t, time.Second, exponential.Backoff(1))
	assert.Equal(t, 2*time.Second, exponential.Backoff(2))
	assert.Equal(t, 4*time.Second, exponential.Backoff(3))
	assert.Equal(t, 5*time.Second, exponential.Backoff(4))
	assert.Equal(t, 5*time.Second, exponential.Backoff(100))

	jitter := RetryPolicy{Delay: 2 * time.Second, Jitter: true}
	for i := 0; i < 20; i++ {
		d := jitter.Backoff(1)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 2*time.Second)
	}
}

func TestHandlerRegistry(t *testing.T) {
	registry := NewHandlerRegistry()
	require.NoError(t, registry.Register("b", BaseTaskHandler{}))
	require.NoError(t, registry.Register("a", EmptyTaskHandler{}))
	assert.True(t, errors.Is(registry.Register("a", BaseTaskHandler{}), ErrTaskHandlerAlreadyRegistered))
	assert.True(t, errors.Is(registry.Register("", BaseTaskHandler{}), ErrWorkflowParamInvalid))
	assert.True(t, errors.Is(registry.Register("c", nil), ErrWorkflowParamInvalid))
	assert.Panics(t, func() { registry.MustRegister("a", BaseTaskHandler{}) })
	assert.Equal(t, []string{"a", "b"}, registry.TaskTypes())

	handler, ok := registry.Get("a")
	require.True(t, ok)
	assert.Error(t, Exec(context.Background(), handler, NewJSONContext(nil)))
	_, ok = registry.Get("missing")
	assert.False(t, ok)

	// snapshot 之后的注册不影响已有副本
	snapshot := registry.snapshot()
	registry.MustRegister("c", BaseTaskHandler{})
	assert.Len(t, snapshot, 2)
}
