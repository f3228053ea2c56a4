package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// TaskCompleteFunc 每个任务结束后回调, err 为 nil 表示成功
// 回调在执行任务的协程里调用, 不能长时间阻塞
type TaskCompleteFunc func(ctx context.Context, task *ExecutionTask, err error)

type WorkerOption func(*Worker)

func WithConcurrency(concurrency int) WorkerOption {
	return func(w *Worker) {
		if concurrency > 0 {
			w.concurrency = concurrency
		}
	}
}

// WithTaskLimit 最多执行多少轮 fetch, 0 表示不限制
func WithTaskLimit(limit int) WorkerOption {
	return func(w *Worker) {
		w.taskLimit = limit
	}
}

func WithPollInterval(interval time.Duration) WorkerOption {
	return func(w *Worker) {
		if interval > 0 {
			w.pollInterval = interval
		}
	}
}

func WithQueueSize(size int) WorkerOption {
	return func(w *Worker) {
		if size > 0 {
			w.queueSize = size
		}
	}
}

// WithShutdownTimeout 停止后等待执行中的任务的最长时间, 超时后取消它们的 ctx, 0 表示一直等
func WithShutdownTimeout(timeout time.Duration) WorkerOption {
	return func(w *Worker) {
		w.shutdownTimeout = timeout
	}
}

func WithTaskCompleteCallback(f TaskCompleteFunc) WorkerOption {
	return func(w *Worker) {
		w.onComplete = f
	}
}

func WithExecutor(executor *Executor) WorkerOption {
	return func(w *Worker) {
		w.executor = executor
	}
}

func WithWorkerMetrics(metrics *Metrics) WorkerOption {
	return func(w *Worker) {
		w.metrics = metrics
	}
}

// Worker 循环 fetch -> 入队 -> 按 task_type 找 handler -> 并发执行
type Worker struct {
	fetcher         Fetcher
	handlers        map[string]TaskHandler // 构造后只读
	executor        *Executor
	concurrency     int
	taskLimit       int
	pollInterval    time.Duration
	queueSize       int
	shutdownTimeout time.Duration
	onComplete      TaskCompleteFunc
	metrics         *Metrics

	mu       sync.Mutex
	status   WorkerStatus
	inFlight int
	running  bool
}

func NewWorker(fetcher Fetcher, registry *HandlerRegistry, opts ...WorkerOption) *Worker {
	w := &Worker{
		fetcher:      fetcher,
		handlers:     registry.snapshot(),
		concurrency:  1,
		pollInterval: 100 * time.Millisecond,
		status:       WorkerStatusIdle,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.executor == nil {
		w.executor = NewExecutor(WithExecutorMetrics(w.metrics))
	}
	if w.queueSize <= 0 {
		w.queueSize = w.concurrency
	}
	return w
}

func (w *Worker) Status() WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *Worker) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inFlight
}

func (w *Worker) markBusy() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inFlight++
	w.status = WorkerStatusBusy
}

func (w *Worker) markDone() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inFlight--
	if w.inFlight == 0 {
		w.status = WorkerStatusIdle
	}
}

// Run 阻塞直到 ctx 取消, 达到 task limit, 或者任务源不可用
// ctx 取消只在每轮开始时检查, 已经取出的任务仍会执行, 返回前等待执行中的任务结束
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return ErrWorkerAlreadyRunning
	}
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	execCtx, cancelExec := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelExec()

	taskCh := make(chan *ExecutionTask, w.queueSize)
	sem := semaphore.NewWeighted(int64(w.concurrency))
	var wg sync.WaitGroup
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		for task := range taskCh {
			handler, ok := w.handlers[task.TaskType]
			if !ok {
				w.dropUnknown(execCtx, task)
				continue
			}
			// background ctx 下 Acquire 只会阻塞不会失败
			_ = sem.Acquire(context.Background(), 1)
			wg.Add(1)
			go func(task *ExecutionTask, handler TaskHandler) {
				defer wg.Done()
				defer sem.Release(1)
				w.execute(execCtx, task, handler)
			}(task, handler)
		}
	}()

	runErr := w.loop(ctx, taskCh)
	if ctx.Err() != nil && w.shutdownTimeout > 0 {
		timer := time.AfterFunc(w.shutdownTimeout, cancelExec)
		defer timer.Stop()
	}
	close(taskCh)
	<-dispatchDone
	wg.Wait()
	return runErr
}

func (w *Worker) loop(ctx context.Context, taskCh chan<- *ExecutionTask) error {
	for cycle := 0; w.taskLimit <= 0 || cycle < w.taskLimit; cycle++ {
		if ctx.Err() != nil {
			return nil
		}
		lastCycle := w.taskLimit > 0 && cycle+1 >= w.taskLimit

		tasks, err := w.fetcher.Fetch(ctx)
		// 出错时已经取出的任务也要执行
		for _, task := range tasks {
			taskCh <- task
		}
		if err != nil {
			if errors.Is(err, ErrFetcherUnavailable) {
				slog.ErrorContext(ctx, "worker fetcher unavailable, stop", slog.String("error", err.Error()))
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			w.metrics.incFetchError()
			slog.WarnContext(ctx, "worker fetch failed, retry later", slog.String("error", err.Error()))
		}
		if len(tasks) == 0 {
			if !lastCycle && !w.wait(ctx) {
				return nil
			}
		}
	}
	return nil
}

func (w *Worker) wait(ctx context.Context) bool {
	return sleepWithContext(ctx, w.pollInterval) == nil
}

func (w *Worker) execute(ctx context.Context, task *ExecutionTask, handler TaskHandler) {
	w.markBusy()
	w.metrics.taskStarted()
	defer func() {
		w.metrics.taskFinished()
		w.markDone()
	}()

	err := w.executor.Execute(ctx, task, handler)
	if err != nil {
		msg := fmt.Sprintf("worker task failed, %s, attempts:%d, err:%v", task, task.Attempts, err)
		if IsSeriousError(err) {
			slog.ErrorContext(ctx, msg)
		} else {
			slog.WarnContext(ctx, msg)
		}
	}
	w.report(ctx, task, err)
}

func (w *Worker) dropUnknown(ctx context.Context, task *ExecutionTask) {
	err := errors.WithMessagef(ErrTaskHandlerNotFound, "task_type:%s, %s", task.TaskType, task)
	slog.WarnContext(ctx, "worker drop task without handler",
		slog.String("task", task.String()),
		slog.String("task_type", task.TaskType))
	w.metrics.incUnknownTaskType(task.TaskType)
	task.LastError = err.Error()
	task.setStatus(TaskStatusFailed)
	w.report(ctx, task, err)
}

func (w *Worker) report(ctx context.Context, task *ExecutionTask, err error) {
	if w.onComplete == nil {
		return
	}
	w.onComplete(ctx, task, err)
}
