package workflow

import "github.com/pkg/errors"

var (
	// 图结构错误, 工作流实例无法创建
	ErrNoStartNode        = errors.New("graph has no start node")
	ErrMultipleStartNodes = errors.New("graph has multiple start nodes")
	ErrNodeNotFound       = errors.New("node not found")
	ErrGraphConfigInvalid = errors.New("graph config invalid")

	// 调度错误, 只影响单个trigger
	ErrInvalidCronExpression = errors.New("invalid cron expression")

	// 任务执行错误
	ErrMaxAttemptsReached = errors.New("maximum retry attempts reached")
	// ErrTaskHandlerNotFound: worker没有注册对应task_type的handler, 任务被丢弃
	ErrTaskHandlerNotFound          = errors.New("task handler not found")
	ErrTaskHandlerAlreadyRegistered = errors.New("task handler already registered")
	ErrTaskHandlerPanic             = errors.New("task handler panic")

	// ErrFetcherUnavailable: 任务源彻底不可用, worker 退出
	ErrFetcherUnavailable   = errors.New("task fetcher unavailable")
	ErrWorkerAlreadyRunning = errors.New("worker already running")

	ErrWorkflowNotFound               = errors.New("workflow not found")
	ErrWorkflowAlreadyRegistered      = errors.New("workflow already registered")
	ErrWorkflowInstanceNotFound       = errors.New("workflow instance not found")
	ErrWorkflowInstanceAlreadyStarted = errors.New("workflow instance already started")
	ErrWorkflowInstanceFailed         = errors.New("workflow instance failed")
	ErrWorkflowInstanceAborted        = errors.New("workflow instance aborted")
	ErrWorkflowParamInvalid           = errors.New("workflow param invalid")

	ErrTriggerNotFound = errors.New("trigger not found")
)

// NodeType 节点类型, 自定义类型也可以使用
type NodeType = string

const (
	NodeTypeStart  NodeType = "start"
	NodeTypeNormal NodeType = "normal"
	NodeTypeEnd    NodeType = "end"
)

// NodeStatus 节点展示用的状态, 引擎本身不依赖它
type NodeStatus = string

const NodeStatusPending NodeStatus = "pending"

type TaskStatus = string

const (
	TaskStatusQueued  TaskStatus = "queued"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusSuccess TaskStatus = "success"
	TaskStatusFailed  TaskStatus = "failed"
)

func IsOverTaskStatus(status TaskStatus) bool {
	return status == TaskStatusSuccess || status == TaskStatusFailed
}

type WorkerStatus = string

const (
	WorkerStatusIdle WorkerStatus = "idle"
	WorkerStatusBusy WorkerStatus = "busy"
)

type WorkflowInstanceStatus = string

const (
	WorkflowInstanceStatusNotStarted WorkflowInstanceStatus = "not_started"
	WorkflowInstanceStatusRunning    WorkflowInstanceStatus = "running"
	// 完成, 终止状态, 所有可达节点执行成功
	WorkflowInstanceStatusCompleted WorkflowInstanceStatus = "completed"
	// 失败, 终止状态, 某个节点重试耗尽或者派发失败
	WorkflowInstanceStatusFailed WorkflowInstanceStatus = "failed"
	// 取消, 终止状态, 手动取消, 之后到达的完成消息全部忽略
	WorkflowInstanceStatusAborted WorkflowInstanceStatus = "aborted"
)

func IsOverWorkflowInstanceStatus(status WorkflowInstanceStatus) bool {
	return status == WorkflowInstanceStatusCompleted || status == WorkflowInstanceStatusFailed || status == WorkflowInstanceStatusAborted
}

func GetWorkflowInstanceStatusText(status WorkflowInstanceStatus) string {
	switch status {
	case WorkflowInstanceStatusNotStarted:
		return "未开始"
	case WorkflowInstanceStatusRunning:
		return "运行中"
	case WorkflowInstanceStatusCompleted:
		return "完成"
	case WorkflowInstanceStatusFailed:
		return "失败"
	case WorkflowInstanceStatusAborted:
		return "取消"
	}
	return "未知"
}

// NodeContextKey 节点上下文key,用于获取节点上下文中的值
type NodeContextKey = string

const (
	NodeContextKeyNodeID          NodeContextKey = "node_id"
	NodeContextKeyNodeData        NodeContextKey = "node_data"
	NodeContextKeySystem          NodeContextKey = "system"
	NodeContextKeyPreNodeContext  NodeContextKey = "pre_node_context"
	NodeContextKeyWorkflowContext NodeContextKey = "workflow_context"
)

// IsSeriousError 用于判断是否是严重错误，如果是严重错误，则打error级别日志，
// 否则打warn级别日志
// 严重错误定义：需要人工介入处理，如图配置不正确、handler没有注册、任务源不可用
func IsSeriousError(err error) bool {
	if err == nil {
		return false
	}
	causeErr := errors.Cause(err)
	if errors.Is(causeErr, ErrNoStartNode) ||
		errors.Is(causeErr, ErrMultipleStartNodes) ||
		errors.Is(causeErr, ErrGraphConfigInvalid) ||
		errors.Is(causeErr, ErrTaskHandlerNotFound) ||
		errors.Is(causeErr, ErrTaskHandlerAlreadyRegistered) ||
		errors.Is(causeErr, ErrFetcherUnavailable) ||
		errors.Is(causeErr, ErrWorkflowNotFound) ||
		errors.Is(causeErr, ErrMaxAttemptsReached) {
		return true
	}
	return false
}
