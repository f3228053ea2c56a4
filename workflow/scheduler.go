package workflow

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// TriggerSource 提供当前生效的 trigger
type TriggerSource interface {
	ListTriggers(ctx context.Context) ([]*Trigger, error)
}

// StaticTriggerSource 固定的 trigger 列表, 测试和命令行使用
type StaticTriggerSource []*Trigger

func (s StaticTriggerSource) ListTriggers(ctx context.Context) ([]*Trigger, error) {
	return s, nil
}

type SchedulerOption func(*Scheduler)

func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		s.now = now
	}
}

func WithSchedulerMetrics(metrics *Metrics) SchedulerOption {
	return func(s *Scheduler) {
		s.metrics = metrics
	}
}

// WithSchedulerInterval Run 循环的间隔和每次向前展开的时间窗口
func WithSchedulerInterval(interval, lookahead time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.interval = interval
		s.lookahead = lookahead
	}
}

type Scheduler struct {
	source    TriggerSource
	now       func() time.Time
	metrics   *Metrics
	interval  time.Duration
	lookahead time.Duration
}

func NewScheduler(source TriggerSource, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		source:    source,
		now:       time.Now,
		interval:  time.Second,
		lookahead: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GenerateTasks 窗口起点永远是当前时间, 展开 [now, windowEnd) 内所有 trigger 的调度任务
// 单个 trigger 的 cron 表达式错误只打 warn 日志, 不影响其他 trigger, 结果不保证有序
func (s *Scheduler) GenerateTasks(ctx context.Context, triggers []*Trigger, windowEnd time.Time) []*ScheduledTask {
	now := s.now()
	var tasks []*ScheduledTask
	for _, trigger := range triggers {
		expanded, err := trigger.Expand(now, windowEnd)
		if err != nil {
			slog.WarnContext(ctx, "expand trigger failed, skip",
				slog.String("trigger_id", trigger.ID),
				slog.String("workflow_id", trigger.WorkflowID),
				slog.String("error", err.Error()))
			s.metrics.incCronError(trigger.ID)
			continue
		}
		s.metrics.addScheduledTasks(trigger.ID, len(expanded))
		tasks = append(tasks, expanded...)
	}
	return tasks
}

// Plan 从 trigger 源读取 trigger 再展开
func (s *Scheduler) Plan(ctx context.Context, windowEnd time.Time) ([]*ScheduledTask, error) {
	triggers, err := s.source.ListTriggers(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "list triggers failed")
	}
	return s.GenerateTasks(ctx, triggers, windowEnd), nil
}

// Run 周期性展开 [now, now+lookahead) 放入队列, 直到 ctx 取消
// 相邻两次的窗口会重叠, 队列按 id 去重
func (s *Scheduler) Run(ctx context.Context, queue *ScheduledTaskQueue) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		now := s.now()
		tasks, err := s.Plan(ctx, now.Add(s.lookahead))
		if err != nil {
			slog.ErrorContext(ctx, "scheduler plan failed", slog.String("error", err.Error()))
		} else {
			queue.Push(tasks...)
		}
		// 已经出队很久的 id 不会再被生成出来
		queue.Prune(now.Add(-s.interval))

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

type scheduledTaskHeap []*ScheduledTask

func (h scheduledTaskHeap) Len() int           { return len(h) }
func (h scheduledTaskHeap) Less(i, j int) bool { return h[i].Less(h[j]) }
func (h scheduledTaskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *scheduledTaskHeap) Push(x any) {
	*h = append(*h, x.(*ScheduledTask))
}

func (h *scheduledTaskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// ScheduledTaskQueue 按 run_at 最早优先的队列, 并发安全
// 去重只看 id: 同一时间的不同 trigger 都会保留, 同一 trigger 的同一次触发只保留一个
type ScheduledTaskQueue struct {
	mu    sync.Mutex
	items scheduledTaskHeap
	seen  map[string]time.Time // id -> run_at, 出队后继续保留直到 Prune
}

func NewScheduledTaskQueue() *ScheduledTaskQueue {
	return &ScheduledTaskQueue{
		seen: make(map[string]time.Time),
	}
}

// Push 返回真正入队的数量
func (q *ScheduledTaskQueue) Push(tasks ...*ScheduledTask) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	added := 0
	for _, task := range tasks {
		if task == nil {
			continue
		}
		if _, ok := q.seen[task.ID]; ok {
			continue
		}
		q.seen[task.ID] = task.RunAt
		heap.Push(&q.items, task)
		added++
	}
	return added
}

func (q *ScheduledTaskQueue) Pop() (*ScheduledTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	return heap.Pop(&q.items).(*ScheduledTask), true
}

func (q *ScheduledTaskQueue) Peek() (*ScheduledTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

// PopDue 取出所有 run_at <= now 的任务, 按到期顺序返回
func (q *ScheduledTaskQueue) PopDue(now time.Time) []*ScheduledTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []*ScheduledTask
	for len(q.items) > 0 && !q.items[0].RunAt.After(now) {
		due = append(due, heap.Pop(&q.items).(*ScheduledTask))
	}
	return due
}

func (q *ScheduledTaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Prune 清理 run_at 早于 before 且已经出队的 id
func (q *ScheduledTaskQueue) Prune(before time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	queued := make(map[string]struct{}, len(q.items))
	for _, item := range q.items {
		queued[item.ID] = struct{}{}
	}
	for id, runAt := range q.seen {
		if _, ok := queued[id]; ok {
			continue
		}
		if runAt.Before(before) {
			delete(q.seen, id)
		}
	}
}
