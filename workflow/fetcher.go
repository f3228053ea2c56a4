package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Fetcher worker 的任务来源, 没有任务时返回空列表而不是错误
// 返回的错误包装了 ErrFetcherUnavailable 时 worker 退出, 其他错误当成临时错误
type Fetcher interface {
	Fetch(ctx context.Context) ([]*ExecutionTask, error)
}

// Dispatcher 工作流实例把节点任务交出去的地方, 不等待执行结果
type Dispatcher interface {
	Dispatch(ctx context.Context, task *ExecutionTask) error
}

type FetcherFunc func(ctx context.Context) ([]*ExecutionTask, error)

func (f FetcherFunc) Fetch(ctx context.Context) ([]*ExecutionTask, error) {
	return f(ctx)
}

// LocalQueue 进程内的先进先出队列, 由使用方创建并持有
type LocalQueue struct {
	mu     sync.Mutex
	items  []*ExecutionTask
	closed bool
}

func NewLocalQueue() *LocalQueue {
	return &LocalQueue{}
}

func (q *LocalQueue) Enqueue(tasks ...*ExecutionTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.WithMessage(ErrFetcherUnavailable, "local queue closed")
	}
	q.items = append(q.items, tasks...)
	return nil
}

func (q *LocalQueue) Dispatch(ctx context.Context, task *ExecutionTask) error {
	return q.Enqueue(task)
}

// Dequeue 最多取 n 个, n<=0 取全部
func (q *LocalQueue) Dequeue(n int) []*ExecutionTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n <= 0 || n > len(q.items) {
		n = len(q.items)
	}
	if n == 0 {
		return nil
	}
	out := make([]*ExecutionTask, n)
	copy(out, q.items[:n])
	for i := 0; i < n; i++ {
		q.items[i] = nil
	}
	q.items = q.items[n:]
	return out
}

func (q *LocalQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close 之后入队失败, 队列里剩余的任务仍然可以取完
func (q *LocalQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

func (q *LocalQueue) isDrained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.items) == 0
}

type LocalQueueFetcher struct {
	queue     *LocalQueue
	batchSize int
}

// NewLocalQueueFetcher batchSize<=0 每次取出全部
func NewLocalQueueFetcher(queue *LocalQueue, batchSize int) *LocalQueueFetcher {
	return &LocalQueueFetcher{queue: queue, batchSize: batchSize}
}

func (f *LocalQueueFetcher) Fetch(ctx context.Context) ([]*ExecutionTask, error) {
	if f.queue.isDrained() {
		return nil, errors.WithMessage(ErrFetcherUnavailable, "local queue closed and drained")
	}
	return f.queue.Dequeue(f.batchSize), nil
}

// LocalTaskQueue 同时可以派发和获取的进程内队列, 引擎默认使用
type LocalTaskQueue struct {
	*LocalQueue
	fetcher *LocalQueueFetcher
}

func NewLocalTaskQueue(batchSize int) *LocalTaskQueue {
	queue := NewLocalQueue()
	return &LocalTaskQueue{
		LocalQueue: queue,
		fetcher:    NewLocalQueueFetcher(queue, batchSize),
	}
}

func (q *LocalTaskQueue) Fetch(ctx context.Context) ([]*ExecutionTask, error) {
	return q.fetcher.Fetch(ctx)
}

// MultiFetcher 依次从多个来源取任务, 任何一个不可用整体就不可用
type MultiFetcher []Fetcher

func (m MultiFetcher) Fetch(ctx context.Context) ([]*ExecutionTask, error) {
	var tasks []*ExecutionTask
	var lastErr error
	for _, fetcher := range m {
		fetched, err := fetcher.Fetch(ctx)
		if err != nil {
			if errors.Is(err, ErrFetcherUnavailable) {
				return tasks, err
			}
			lastErr = err
			continue
		}
		tasks = append(tasks, fetched...)
	}
	if len(tasks) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return tasks, nil
}

// ForwardingFetcher 把 source 取到的任务转发给 target, 自己不返回任务
// 转发失败的任务原样返回, 由本进程执行
type ForwardingFetcher struct {
	source Fetcher
	target Dispatcher
}

func NewForwardingFetcher(source Fetcher, target Dispatcher) *ForwardingFetcher {
	return &ForwardingFetcher{source: source, target: target}
}

func (f *ForwardingFetcher) Fetch(ctx context.Context) ([]*ExecutionTask, error) {
	tasks, err := f.source.Fetch(ctx)
	var failed []*ExecutionTask
	for _, task := range tasks {
		if dispatchErr := f.target.Dispatch(ctx, task); dispatchErr != nil {
			slog.WarnContext(ctx, "forward task failed, run it locally",
				slog.String("task", task.String()),
				slog.String("error", dispatchErr.Error()))
			failed = append(failed, task)
		}
	}
	return failed, err
}

const (
	TaskTypeWorkflowLaunch = "workflow_launch"

	launchKeyScheduledTaskID = "scheduled_task_id"
	launchKeyWorkflowID      = "workflow_id"
	launchKeyTriggerID       = "trigger_id"
	launchKeyRunAt           = "run_at"
)

// ScheduledTaskFetcher 把到期的调度任务转成 workflow_launch 任务
type ScheduledTaskFetcher struct {
	queue *ScheduledTaskQueue
	now   func() time.Time
}

func NewScheduledTaskFetcher(queue *ScheduledTaskQueue, now func() time.Time) *ScheduledTaskFetcher {
	if now == nil {
		now = time.Now
	}
	return &ScheduledTaskFetcher{queue: queue, now: now}
}

func (f *ScheduledTaskFetcher) Fetch(ctx context.Context) ([]*ExecutionTask, error) {
	due := f.queue.PopDue(f.now())
	tasks := make([]*ExecutionTask, 0, len(due))
	for _, scheduled := range due {
		tasks = append(tasks, NewLaunchTask(scheduled))
	}
	return tasks, nil
}

func NewLaunchTask(scheduled *ScheduledTask) *ExecutionTask {
	data := NewJSONContextFromMap(map[string]any{
		launchKeyScheduledTaskID: scheduled.ID,
		launchKeyWorkflowID:      scheduled.WorkflowID,
		launchKeyTriggerID:       scheduled.TriggerID,
		launchKeyRunAt:           scheduled.RunAt.Unix(),
	})
	task := NewExecutionTask(TaskTypeWorkflowLaunch, data)
	// 启动失败由下一次调度兜底, 不重试
	task.MaxAttempts = 1
	return task
}

func scheduledTaskFromLaunchData(data *JSONContext) (*ScheduledTask, error) {
	id, ok := data.GetString(launchKeyScheduledTaskID)
	if !ok || id == "" {
		return nil, errors.WithMessage(ErrWorkflowParamInvalid, "launch task missing scheduled_task_id")
	}
	workflowID, ok := data.GetString(launchKeyWorkflowID)
	if !ok || workflowID == "" {
		return nil, errors.WithMessage(ErrWorkflowParamInvalid, "launch task missing workflow_id")
	}
	triggerID, _ := data.GetString(launchKeyTriggerID)
	runAt, _ := data.GetInt64(launchKeyRunAt)
	return &ScheduledTask{
		ID:         id,
		RunAt:      time.Unix(runAt, 0),
		WorkflowID: workflowID,
		TriggerID:  triggerID,
	}, nil
}
