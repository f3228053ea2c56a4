package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// TaskQueue 任务的派发和获取, LocalTaskQueue 和 RedisQueue 都满足
type TaskQueue interface {
	Fetcher
	Dispatcher
}

type EngineOption func(*WorkflowServiceImpl)

func WithEngineConfig(config EngineConfig) EngineOption {
	return func(s *WorkflowServiceImpl) {
		s.config = config
	}
}

func WithEngineMetrics(metrics *Metrics) EngineOption {
	return func(s *WorkflowServiceImpl) {
		s.metrics = metrics
	}
}

// WithLaunchQueue 多副本共享的 workflow_launch 任务队列, 比如 RedisQueue
// 节点任务的完成结果只能交给本进程的实例, 所以节点任务始终走进程内队列
func WithLaunchQueue(queue TaskQueue) EngineOption {
	return func(s *WorkflowServiceImpl) {
		s.launchQueue = queue
	}
}

func WithEngineClock(now func() time.Time) EngineOption {
	return func(s *WorkflowServiceImpl) {
		s.now = now
	}
}

// WorkflowServiceImpl 工作流服务, 把调度器, worker 和工作流实例串起来
type WorkflowServiceImpl struct {
	repo        WorkflowRepo
	executeLock WorkflowLock
	registry    *HandlerRegistry
	config      EngineConfig
	metrics     *Metrics
	now         func() time.Time

	queue          *LocalTaskQueue
	launchQueue    TaskQueue
	scheduledQueue *ScheduledTaskQueue
	scheduler      *Scheduler
	worker         *Worker

	graphs    sync.Map // workflow id -> *GraphConfig
	instances sync.Map // instance id -> *WorkflowInstance
}

// NewWorkflowService registry 中不能已经注册 workflow_launch
func NewWorkflowService(repo WorkflowRepo, executeLock WorkflowLock, registry *HandlerRegistry, opts ...EngineOption) (*WorkflowServiceImpl, error) {
	s := &WorkflowServiceImpl{
		repo:        repo,
		executeLock: executeLock,
		registry:    registry,
		config:      DefaultEngineConfig(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.config.Validate(); err != nil {
		return nil, err
	}
	s.queue = NewLocalTaskQueue(s.config.Worker.FetchBatchSize)
	if err := registry.Register(TaskTypeWorkflowLaunch, NewHandleFuncHandler(s.launchScheduledTask)); err != nil {
		return nil, err
	}

	s.scheduledQueue = NewScheduledTaskQueue()
	s.scheduler = NewScheduler(repo,
		WithSchedulerClock(s.now),
		WithSchedulerMetrics(s.metrics),
		WithSchedulerInterval(s.config.Scheduler.Interval, s.config.Scheduler.Lookahead))

	executor := NewExecutor(WithResultStore(repo), WithExecutorMetrics(s.metrics), WithExecutorClock(s.now))
	workerOpts := append(s.config.Worker.WorkerOptions(),
		WithExecutor(executor),
		WithWorkerMetrics(s.metrics),
		WithTaskCompleteCallback(s.onTaskComplete))
	var launches Fetcher = NewScheduledTaskFetcher(s.scheduledQueue, s.now)
	if s.launchQueue != nil {
		// 到期的启动任务先放进共享队列, 哪个副本取到就由哪个副本启动并持有实例
		launches = MultiFetcher{NewForwardingFetcher(launches, s.launchQueue), s.launchQueue}
	}
	fetcher := MultiFetcher{s.queue, launches}
	s.worker = NewWorker(fetcher, registry, workerOpts...)
	return s, nil
}

func (s *WorkflowServiceImpl) Worker() *Worker {
	return s.worker
}

func (s *WorkflowServiceImpl) RegisterWorkflow(ctx context.Context, graph *GraphConfig) error {
	if graph == nil {
		return errors.WithMessage(ErrWorkflowParamInvalid, "nil graph")
	}
	if err := graph.Validate(); err != nil {
		return err
	}
	// 提前检查起始节点, 不合法的图不能注册
	if _, err := NewPlanner(graph.NodeValues(), graph.Edges); err != nil {
		return errors.WithMessagef(err, "workflow:%s", graph.ID)
	}
	if _, loaded := s.graphs.LoadOrStore(graph.ID, graph); loaded {
		return errors.WithMessagef(ErrWorkflowAlreadyRegistered, "workflow:%s", graph.ID)
	}
	slog.InfoContext(ctx, "workflow registered", slog.String("workflow", graph.String()))
	return nil
}

func (s *WorkflowServiceImpl) getGraph(workflowID string) (*GraphConfig, error) {
	value, ok := s.graphs.Load(workflowID)
	if !ok {
		return nil, errors.WithMessagef(ErrWorkflowNotFound, "workflow:%s", workflowID)
	}
	return value.(*GraphConfig), nil
}

func (s *WorkflowServiceImpl) StartWorkflow(ctx context.Context, req *StartWorkflowReq) (*WorkflowInstance, error) {
	if req == nil {
		return nil, errors.WithMessage(ErrWorkflowParamInvalid, "nil StartWorkflowReq")
	}
	if err := validatorUtil.Struct(req); err != nil {
		return nil, errors.WithMessagef(ErrWorkflowParamInvalid, "StartWorkflow, err:%v", err)
	}
	graph, err := s.getGraph(req.WorkflowID)
	if err != nil {
		return nil, err
	}

	workflowContext := NewJSONContextFromMap(req.Context).Clone()
	instance, err := NewWorkflowInstance(graph.ID, graph.NodeValues(), graph.Edges, s.queue,
		WithInstanceID(uuid.NewString()),
		WithWorkflowContext(workflowContext),
		WithMailboxSize(s.config.MailboxSize),
		WithInstanceMetrics(s.metrics),
		WithFinishCallback(s.onInstanceFinish))
	if err != nil {
		return nil, err
	}

	contextBytes, err := workflowContext.ToBytes()
	if err != nil {
		return nil, errors.WithMessage(err, "marshal workflow context failed")
	}
	created := false
	err = s.repo.Transaction(ctx, func(ctx context.Context) error {
		if req.ScheduledTaskID != "" {
			count, err := s.repo.CountWorkflowInstance(ctx, &QueryWorkflowInstanceParams{ScheduledTaskID: String(req.ScheduledTaskID)})
			if err != nil {
				return err
			}
			if count > 0 {
				return nil
			}
		}
		_, err := s.repo.CreateWorkflowInstance(ctx, &WorkflowInstancePo{
			ID:              instance.ID(),
			WorkflowID:      graph.ID,
			TriggerID:       req.TriggerID,
			ScheduledTaskID: req.ScheduledTaskID,
			Status:          WorkflowInstanceStatusRunning,
			WorkflowContext: contextBytes,
		})
		created = err == nil
		return err
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "create workflow instance record, workflow:%s", graph.ID)
	}
	if !created {
		return nil, errors.WithMessagef(ErrWorkflowInstanceAlreadyStarted, "scheduled task:%s", req.ScheduledTaskID)
	}

	s.instances.Store(instance.ID(), instance)
	if err := instance.Start(ctx); err != nil {
		return nil, err
	}
	return instance, nil
}

func (s *WorkflowServiceImpl) CancelWorkflowInstance(ctx context.Context, workflowInstanceID string) error {
	instance, ok := s.ActiveWorkflowInstance(workflowInstanceID)
	if !ok {
		return errors.WithMessagef(ErrWorkflowInstanceNotFound, "instance:%s", workflowInstanceID)
	}
	instance.Cancel(ctx)
	return nil
}

func (s *WorkflowServiceImpl) ActiveWorkflowInstance(workflowInstanceID string) (*WorkflowInstance, bool) {
	value, ok := s.instances.Load(workflowInstanceID)
	if !ok {
		return nil, false
	}
	return value.(*WorkflowInstance), true
}

func (s *WorkflowServiceImpl) QueryWorkflowInstance(ctx context.Context, params *QueryWorkflowInstanceParams) ([]*WorkflowInstancePo, error) {
	return s.repo.QueryWorkflowInstance(ctx, params)
}

func (s *WorkflowServiceImpl) CountWorkflowInstance(ctx context.Context, params *QueryWorkflowInstanceParams) (int64, error) {
	return s.repo.CountWorkflowInstance(ctx, params)
}

func (s *WorkflowServiceImpl) CreateTrigger(ctx context.Context, trigger *Trigger) error {
	if trigger == nil {
		return errors.WithMessage(ErrWorkflowParamInvalid, "nil trigger")
	}
	if _, err := s.getGraph(trigger.WorkflowID); err != nil {
		slog.WarnContext(ctx, "trigger bound to unregistered workflow",
			slog.String("trigger_id", trigger.ID),
			slog.String("workflow_id", trigger.WorkflowID))
	}
	_, err := s.repo.CreateTrigger(ctx, &TriggerPo{
		ID:             trigger.ID,
		CronExpression: trigger.CronExpression,
		WorkflowID:     trigger.WorkflowID,
		Enabled:        true,
	})
	return err
}

// GenerateTasks 和调度循环使用同一份展开结果, 按 run_at 排序后返回, 方便展示
func (s *WorkflowServiceImpl) GenerateTasks(ctx context.Context, windowEnd time.Time) ([]*ScheduledTask, error) {
	tasks, err := s.scheduler.Plan(ctx, windowEnd)
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Less(tasks[j]) })
	return tasks, nil
}

func (s *WorkflowServiceImpl) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	schedulerCtx, cancelScheduler := context.WithCancel(ctx)
	defer cancelScheduler()
	if s.config.Scheduler.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.scheduler.Run(schedulerCtx, s.scheduledQueue)
		}()
	}
	err := s.worker.Run(ctx)
	cancelScheduler()
	wg.Wait()
	return err
}

// onTaskComplete worker 的回调, 节点任务的结果交给对应的工作流实例
func (s *WorkflowServiceImpl) onTaskComplete(ctx context.Context, task *ExecutionTask, err error) {
	if task.InstanceID == "" {
		return
	}
	instance, ok := s.ActiveWorkflowInstance(task.InstanceID)
	if !ok {
		slog.DebugContext(ctx, "ignore completion of inactive instance", slog.String("task", task.String()))
		return
	}
	instance.Notify(task, err)
}

func (s *WorkflowServiceImpl) onInstanceFinish(ctx context.Context, instance *WorkflowInstance) {
	s.instances.Delete(instance.ID())
	fields := &UpdateWorkflowInstanceField{Status: String(instance.Status())}
	if err := instance.Err(); err != nil {
		fields.ErrorMessage = String(err.Error())
	}
	err := s.repo.UpdateWorkflowInstance(context.WithoutCancel(ctx), &UpdateWorkflowInstanceParams{
		Where:  &UpdateWorkflowInstanceWhere{IDIn: []string{instance.ID()}},
		Fields: fields,
	})
	if err != nil {
		slog.ErrorContext(ctx, fmt.Sprintf("update workflow instance %s status failed, err:%v", instance.ID(), err))
	}
}

// launchScheduledTask workflow_launch 任务的处理器, 多副本下用锁和实例记录保证只启动一次
func (s *WorkflowServiceImpl) launchScheduledTask(ctx context.Context, data *JSONContext) error {
	scheduled, err := scheduledTaskFromLaunchData(data)
	if err != nil {
		return err
	}
	err = s.executeLock.NonBlockingSynchronized(ctx, launchLockKey(scheduled.ID), s.config.Scheduler.LaunchLockTTL, func(ctx context.Context) error {
		instance, err := s.StartWorkflow(ctx, &StartWorkflowReq{
			WorkflowID: scheduled.WorkflowID,
			Context: map[string]any{
				launchKeyTriggerID: scheduled.TriggerID,
				launchKeyRunAt:     scheduled.RunAt.Unix(),
			},
			TriggerID:       scheduled.TriggerID,
			ScheduledTaskID: scheduled.ID,
		})
		if err != nil {
			return err
		}
		return data.Set([]string{"instance_id"}, instance.ID())
	})
	switch {
	case err == nil:
		return nil
	case IsLockFailed(err), errors.Is(err, ErrWorkflowInstanceAlreadyStarted):
		// 其他副本正在或已经启动
		slog.InfoContext(ctx, "scheduled task already launched", slog.String("scheduled_task_id", scheduled.ID))
		return nil
	default:
		return err
	}
}
