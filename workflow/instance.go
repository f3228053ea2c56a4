package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const defaultMailboxSize = 64

type taskCompletion struct {
	task *ExecutionTask
	err  error
}

type InstanceOption func(*WorkflowInstance)

func WithInstanceID(id string) InstanceOption {
	return func(w *WorkflowInstance) {
		w.id = id
	}
}

// WithWorkflowContext 全局上下文, 每个节点都能在 workflow_context 下读到
func WithWorkflowContext(data *JSONContext) InstanceOption {
	return func(w *WorkflowInstance) {
		w.workflowContext = data.Clone()
	}
}

func WithMailboxSize(size int) InstanceOption {
	return func(w *WorkflowInstance) {
		if size > 0 {
			w.mailboxSize = size
		}
	}
}

func WithInstanceMetrics(metrics *Metrics) InstanceOption {
	return func(w *WorkflowInstance) {
		w.metrics = metrics
	}
}

// WithFinishCallback 实例进入终止状态后调用一次
func WithFinishCallback(f func(ctx context.Context, instance *WorkflowInstance)) InstanceOption {
	return func(w *WorkflowInstance) {
		w.onFinish = f
	}
}

// WorkflowInstance 一次工作流运行
// 完成消息通过 mailbox 交给唯一的消费协程处理, planner 只在这个协程里使用
type WorkflowInstance struct {
	id              string
	workflowID      string
	planner         *Planner
	dispatcher      Dispatcher
	workflowContext *JSONContext
	mailboxSize     int
	mailbox         chan taskCompletion
	done            chan struct{}
	metrics         *Metrics
	onFinish        func(ctx context.Context, instance *WorkflowInstance)

	mu             sync.Mutex
	status         WorkflowInstanceStatus
	err            error
	startedAt      time.Time
	finishedAt     time.Time
	completedNodes []string

	// 只在消费协程中访问
	inFlight map[string]struct{}
	outputs  map[string]map[string]any
}

// NewWorkflowInstance 图不合法时返回错误, 实例不会被创建
func NewWorkflowInstance(workflowID string, nodes []Node, edges []Edge, dispatcher Dispatcher, opts ...InstanceOption) (*WorkflowInstance, error) {
	planner, err := NewPlanner(nodes, edges)
	if err != nil {
		return nil, errors.WithMessagef(err, "workflow:%s", workflowID)
	}
	w := &WorkflowInstance{
		id:              uuid.NewString(),
		workflowID:      workflowID,
		planner:         planner,
		dispatcher:      dispatcher,
		workflowContext: NewJSONContext(nil),
		mailboxSize:     defaultMailboxSize,
		done:            make(chan struct{}),
		status:          WorkflowInstanceStatusNotStarted,
		inFlight:        make(map[string]struct{}),
		outputs:         make(map[string]map[string]any),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.mailbox = make(chan taskCompletion, w.mailboxSize)
	return w, nil
}

func (w *WorkflowInstance) ID() string {
	return w.id
}

func (w *WorkflowInstance) WorkflowID() string {
	return w.workflowID
}

func (w *WorkflowInstance) Status() WorkflowInstanceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Err 失败或取消的原因
func (w *WorkflowInstance) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// CompletedNodes 按完成顺序返回执行成功的节点
func (w *WorkflowInstance) CompletedNodes() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.completedNodes...)
}

func (w *WorkflowInstance) Done() <-chan struct{} {
	return w.done
}

// Start 派发起始节点并启动消费协程
func (w *WorkflowInstance) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.status != WorkflowInstanceStatusNotStarted {
		status := w.status
		w.mu.Unlock()
		return errors.WithMessagef(ErrWorkflowInstanceAlreadyStarted, "instance:%s, status:%s", w.id, status)
	}
	w.status = WorkflowInstanceStatusRunning
	w.startedAt = time.Now()
	w.mu.Unlock()

	loopCtx := context.WithoutCancel(ctx)
	startNode := w.planner.StartNode()
	w.inFlight[startNode.ID] = struct{}{}
	task := w.newNodeTask(startNode)
	go w.loop(loopCtx)

	slog.InfoContext(ctx, "workflow instance started",
		slog.String("instance_id", w.id),
		slog.String("workflow_id", w.workflowID),
		slog.String("start_node", startNode.ID))
	if err := w.dispatch(ctx, task); err != nil {
		w.finish(loopCtx, WorkflowInstanceStatusFailed, err)
		return err
	}
	return nil
}

// Notify 投递一个任务完成消息
// 不属于这个实例或者实例已经结束的消息直接忽略, 返回 false
func (w *WorkflowInstance) Notify(task *ExecutionTask, err error) bool {
	if task == nil || task.InstanceID != w.id {
		return false
	}
	select {
	case <-w.done:
		return false
	default:
	}
	select {
	case w.mailbox <- taskCompletion{task: task, err: err}:
		return true
	case <-w.done:
		return false
	}
}

// Cancel 直接进入 aborted, 已经派发出去的任务不会撤回, 它们的完成消息会被忽略
func (w *WorkflowInstance) Cancel(ctx context.Context) {
	w.finish(ctx, WorkflowInstanceStatusAborted, errors.WithMessagef(ErrWorkflowInstanceAborted, "instance:%s", w.id))
}

// Wait 等待实例结束, completed 返回 nil
func (w *WorkflowInstance) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return w.Err()
	}
}

func (w *WorkflowInstance) loop(ctx context.Context) {
	for {
		select {
		case <-w.done:
			return
		case completion := <-w.mailbox:
			w.handle(ctx, completion)
		}
	}
}

func (w *WorkflowInstance) handle(ctx context.Context, completion taskCompletion) {
	if w.Status() != WorkflowInstanceStatusRunning {
		return
	}
	task := completion.task
	if _, ok := w.inFlight[task.NodeID]; !ok {
		slog.WarnContext(ctx, "ignore completion of node not in flight",
			slog.String("instance_id", w.id),
			slog.String("node_id", task.NodeID),
			slog.String("task_id", task.ID))
		return
	}
	delete(w.inFlight, task.NodeID)

	if completion.err != nil {
		w.finish(ctx, WorkflowInstanceStatusFailed,
			errors.WithMessagef(ErrWorkflowInstanceFailed, "instance:%s, node:%s, completed:%v, err:%v", w.id, task.NodeID, w.planner.Visited(), completion.err))
		return
	}

	node, ok := w.planner.Node(task.NodeID)
	if !ok {
		w.finish(ctx, WorkflowInstanceStatusFailed,
			errors.WithMessagef(ErrNodeNotFound, "instance:%s, node:%s", w.id, task.NodeID))
		return
	}
	w.outputs[node.ID] = nodeOutput(task.Data)
	w.mu.Lock()
	w.completedNodes = append(w.completedNodes, node.ID)
	w.mu.Unlock()

	for _, next := range w.planner.NextNodes(node, task.Data) {
		w.inFlight[next.ID] = struct{}{}
		if err := w.dispatch(ctx, w.newNodeTask(next)); err != nil {
			w.finish(ctx, WorkflowInstanceStatusFailed, err)
			return
		}
	}
	if len(w.inFlight) == 0 {
		w.finish(ctx, WorkflowInstanceStatusCompleted, nil)
	}
}

func (w *WorkflowInstance) dispatch(ctx context.Context, task *ExecutionTask) error {
	if err := w.dispatcher.Dispatch(ctx, task); err != nil {
		return errors.WithMessagef(err, "dispatch %s failed", task)
	}
	w.metrics.incDispatched()
	return nil
}

// newNodeTask 节点的输入: 自己的配置, 全局上下文, 已完成的上游节点输出
func (w *WorkflowInstance) newNodeTask(node Node) *ExecutionTask {
	preNodeContext := make(map[string]any)
	for _, upstreamID := range w.planner.UpstreamNodeIDs(node.ID) {
		if output, ok := w.outputs[upstreamID]; ok {
			preNodeContext[upstreamID] = output
		}
	}
	data := map[string]any{
		NodeContextKeyNodeID:          node.ID,
		NodeContextKeyWorkflowContext: w.workflowContext.Clone().ToMap(),
		NodeContextKeyPreNodeContext:  preNodeContext,
	}
	if len(node.Data) > 0 {
		var nodeData any
		if err := json.Unmarshal(node.Data, &nodeData); err == nil {
			data[NodeContextKeyNodeData] = nodeData
		} else {
			slog.Warn("node data is not valid json, skip",
				slog.String("instance_id", w.id),
				slog.String("node_id", node.ID),
				slog.String("error", err.Error()))
		}
	}
	return NewNodeTask(w.id, node, NewJSONContextFromMap(data))
}

func (w *WorkflowInstance) finish(ctx context.Context, status WorkflowInstanceStatus, err error) {
	w.mu.Lock()
	if IsOverWorkflowInstanceStatus(w.status) {
		w.mu.Unlock()
		return
	}
	w.status = status
	w.err = err
	w.finishedAt = time.Now()
	close(w.done)
	duration := w.finishedAt.Sub(w.startedAt)
	w.mu.Unlock()

	w.metrics.observeInstance(w.workflowID, status)
	msg := fmt.Sprintf("workflow instance %s(%s) finished with %s in %s", w.id, w.workflowID, status, duration)
	switch {
	case err == nil:
		slog.InfoContext(ctx, msg)
	case IsSeriousError(err) || status == WorkflowInstanceStatusFailed:
		slog.ErrorContext(ctx, msg, slog.String("error", err.Error()))
	default:
		slog.WarnContext(ctx, msg, slog.String("error", err.Error()))
	}
	if w.onFinish != nil {
		w.onFinish(ctx, w)
	}
}
