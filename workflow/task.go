package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const DefaultMaxAttempts = 3

// ExecutionTask 一个节点在工作流实例里的一次执行
// 执行期间除 status 以外的字段只由 Executor 修改, status 可以随时通过 Status() 读取
type ExecutionTask struct {
	ID          string
	TaskType    string
	Data        *JSONContext
	Attempts    int
	MaxAttempts int
	RetryPolicy RetryPolicy
	StartTime   time.Time
	EndTime     time.Time
	LastError   string
	// 节点任务才有, 用来把完成消息投递回工作流实例
	InstanceID string
	NodeID     string

	mu     sync.RWMutex
	status TaskStatus
}

func NewExecutionTask(taskType string, data *JSONContext) *ExecutionTask {
	if data == nil {
		data = NewJSONContext(nil)
	}
	return &ExecutionTask{
		ID:          uuid.NewString(),
		TaskType:    taskType,
		Data:        data,
		MaxAttempts: DefaultMaxAttempts,
		RetryPolicy: DefaultRetryPolicy(),
		status:      TaskStatusQueued,
	}
}

// NewNodeTask 按节点配置生成任务, 重试次数和间隔来自节点的 extra.retry
func NewNodeTask(instanceID string, node Node, data *JSONContext) *ExecutionTask {
	task := NewExecutionTask(node.TaskType(), data)
	task.InstanceID = instanceID
	task.NodeID = node.ID
	task.RetryPolicy = node.RetryPolicy()
	task.MaxAttempts = task.RetryPolicy.MaxAttempts
	return task
}

func (t *ExecutionTask) Status() TaskStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

func (t *ExecutionTask) setStatus(status TaskStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = status
}

func (t *ExecutionTask) Duration() time.Duration {
	if t.StartTime.IsZero() || t.EndTime.IsZero() {
		return 0
	}
	return t.EndTime.Sub(t.StartTime)
}

func (t *ExecutionTask) String() string {
	return fmt.Sprintf("task(%s, type=%s, instance=%s, node=%s)", t.ID, t.TaskType, t.InstanceID, t.NodeID)
}

type executionTaskJSON struct {
	ID          string       `json:"id"`
	TaskType    string       `json:"task_type"`
	Data        *JSONContext `json:"data"`
	Status      TaskStatus   `json:"status"`
	Attempts    int          `json:"attempts"`
	MaxAttempts int          `json:"max_attempts"`
	RetryPolicy RetryPolicy  `json:"retry_policy"`
	StartTime   time.Time    `json:"start_time"`
	EndTime     time.Time    `json:"end_time"`
	LastError   string       `json:"last_error,omitempty"`
	InstanceID  string       `json:"instance_id,omitempty"`
	NodeID      string       `json:"node_id,omitempty"`
}

func (t *ExecutionTask) MarshalJSON() ([]byte, error) {
	return json.Marshal(executionTaskJSON{
		ID:          t.ID,
		TaskType:    t.TaskType,
		Data:        t.Data,
		Status:      t.Status(),
		Attempts:    t.Attempts,
		MaxAttempts: t.MaxAttempts,
		RetryPolicy: t.RetryPolicy,
		StartTime:   t.StartTime,
		EndTime:     t.EndTime,
		LastError:   t.LastError,
		InstanceID:  t.InstanceID,
		NodeID:      t.NodeID,
	})
}

func (t *ExecutionTask) UnmarshalJSON(b []byte) error {
	var v executionTaskJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return errors.Wrapf(err, "unmarshal execution task failed")
	}
	if v.Data == nil {
		v.Data = NewJSONContext(nil)
	}
	if v.Status == "" {
		v.Status = TaskStatusQueued
	}
	t.ID = v.ID
	t.TaskType = v.TaskType
	t.Data = v.Data
	t.Attempts = v.Attempts
	t.MaxAttempts = v.MaxAttempts
	t.RetryPolicy = v.RetryPolicy
	t.StartTime = v.StartTime
	t.EndTime = v.EndTime
	t.LastError = v.LastError
	t.InstanceID = v.InstanceID
	t.NodeID = v.NodeID
	t.setStatus(v.Status)
	return nil
}

// RetryPolicy 默认不等待直接重试, Delay>0 时每次失败后等待, Exponential 时按 2^n 增长
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Delay       time.Duration `json:"delay"`
	MaxDelay    time.Duration `json:"max_delay"`
	Exponential bool          `json:"exponential"`
	Jitter      bool          `json:"jitter"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: DefaultMaxAttempts}
}

// Backoff attempt 从 1 开始, 表示第几次失败之后
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.Delay <= 0 || attempt < 1 {
		return 0
	}
	d := p.Delay
	if p.Exponential {
		shift := attempt - 1
		if shift > 30 {
			shift = 30
		}
		d = p.Delay << shift
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter && d > 1 {
		half := d / 2
		d = half + time.Duration(rand.Int63n(int64(half)+1))
	}
	return d
}

// ResultStore 持久化任务的终态
type ResultStore interface {
	SaveTaskResult(ctx context.Context, task *ExecutionTask) error
}

type ExecutorOption func(*Executor)

func WithResultStore(store ResultStore) ExecutorOption {
	return func(e *Executor) {
		e.store = store
	}
}

func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		e.now = now
	}
}

func WithExecutorMetrics(metrics *Metrics) ExecutorOption {
	return func(e *Executor) {
		e.metrics = metrics
	}
}

// Executor 执行 before/handle/after 的重试状态机, 本身无状态, 可以并发使用
type Executor struct {
	store   ResultStore
	now     func() time.Time
	metrics *Metrics
}

func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute 状态 queued -> running -> success|failed
// attempts 记录实际执行过的轮数(包括成功的那一轮), max_attempts 为 0 时直接失败, 不调用 handler
func (e *Executor) Execute(ctx context.Context, task *ExecutionTask, handler TaskHandler) (err error) {
	if IsOverTaskStatus(task.Status()) {
		return errors.WithMessagef(ErrWorkflowParamInvalid, "%s already finished with status %s", task, task.Status())
	}
	task.StartTime = e.now()
	task.setStatus(TaskStatusRunning)
	defer func() {
		task.EndTime = e.now()
		if err != nil {
			task.LastError = err.Error()
			task.setStatus(TaskStatusFailed)
		} else {
			task.setStatus(TaskStatusSuccess)
		}
		e.metrics.observeTask(task)
		e.persist(ctx, task)
	}()

	var lastErr error
	for task.Attempts < task.MaxAttempts {
		task.Attempts++
		lastErr = RunCycle(ctx, handler, task.Data)
		if lastErr == nil {
			return nil
		}
		slog.WarnContext(ctx, "task attempt failed",
			slog.String("task", task.String()),
			slog.Int("attempt", task.Attempts),
			slog.Int("max_attempts", task.MaxAttempts),
			slog.String("error", lastErr.Error()))
		task.LastError = lastErr.Error()

		if task.Attempts >= task.MaxAttempts {
			break
		}
		if delay := task.RetryPolicy.Backoff(task.Attempts); delay > 0 {
			if waitErr := sleepWithContext(ctx, delay); waitErr != nil {
				return errors.Wrapf(waitErr, "%s retry wait interrupted after %d attempts", task, task.Attempts)
			}
		}
	}
	if lastErr == nil {
		return errors.WithMessagef(ErrMaxAttemptsReached, "%s max_attempts=%d", task, task.MaxAttempts)
	}
	return errors.WithMessagef(ErrMaxAttemptsReached, "%s attempts=%d, last err:%v", task, task.Attempts, lastErr)
}



func (e *Executor) persist(ctx context.Context, task *ExecutionTask) {
	if e.store == nil {
		return
	}
	// ctx 可能已经被取消, 结果仍然要落库
	if err := e.store.SaveTaskResult(context.WithoutCancel(ctx), task); err != nil {
		slog.ErrorContext(ctx, "save task result failed",
			slog.String("task", task.String()),
			slog.String("error", err.Error()))
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
