package workflow

import (
	"context"
	"time"
)

type WorkflowService interface {
	/**
	 * @description: 注册工作流图, 图不合法(没有或多个起始节点)时返回错误
	 * @param ctx context.Context
	 * @param graph *GraphConfig
	 * @return error
	 */
	RegisterWorkflow(ctx context.Context, graph *GraphConfig) error
	/**
	 * @description: 启动一个工作流实例, 派发起始节点后立即返回, 不等待执行完成
	 *				 req.ScheduledTaskID 不为空时, 同一个调度任务只会启动一次
	 * @param ctx context.Context
	 * @param req *StartWorkflowReq
	 * @return *WorkflowInstance, error
	 */
	StartWorkflow(ctx context.Context, req *StartWorkflowReq) (*WorkflowInstance, error)
	/**
	 * @description: 取消运行中的工作流实例, 已经派发的任务不会撤回, 它们的结果会被忽略
	 * @param ctx context.Context
	 * @param workflowInstanceID string
	 * @return error
	 */
	CancelWorkflowInstance(ctx context.Context, workflowInstanceID string) error
	/**
	 * @description: 运行中的实例, 结束后只能通过 QueryWorkflowInstance 查询
	 */
	ActiveWorkflowInstance(workflowInstanceID string) (*WorkflowInstance, bool)
	QueryWorkflowInstance(ctx context.Context, params *QueryWorkflowInstanceParams) ([]*WorkflowInstancePo, error)
	CountWorkflowInstance(ctx context.Context, params *QueryWorkflowInstanceParams) (int64, error)
	/**
	 * @description: 新增 trigger, 默认启用
	 * @param ctx context.Context
	 * @param trigger *Trigger
	 * @return error
	 */
	CreateTrigger(ctx context.Context, trigger *Trigger) error
	/**
	 * @description: 展开所有启用的 trigger, 返回 [now, windowEnd) 内按 run_at 排序的调度任务, 不入队
	 *				 表达式非法的 trigger 被跳过, 不影响其他 trigger
	 * @param ctx context.Context
	 * @param windowEnd time.Time
	 * @return []*ScheduledTask, error
	 */
	GenerateTasks(ctx context.Context, windowEnd time.Time) ([]*ScheduledTask, error)
	/**
	 * @description: 启动 worker 和调度循环, 阻塞到 ctx 取消或任务源不可用
	 * @param ctx context.Context
	 * @return error
	 */
	Run(ctx context.Context) error
}

type StartWorkflowReq struct {
	WorkflowID      string         `json:"workflow_id" validate:"required"`
	Context         map[string]any `json:"context"` // 全局上下文,可以为空
	TriggerID       string         `json:"trigger_id"`
	ScheduledTaskID string         `json:"scheduled_task_id"`
}
