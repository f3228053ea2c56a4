package workflow

import (
	"context"
)

// WorkflowRepo 引擎需要的持久化能力, 同时充当 trigger 源和任务结果存储
type WorkflowRepo interface {
	TriggerSource
	ResultStore

	CreateTrigger(ctx context.Context, trigger *TriggerPo) (*TriggerPo, error)
	QueryTrigger(ctx context.Context, param *QueryTriggerParams) ([]*TriggerPo, error)
	UpdateTrigger(ctx context.Context, param *UpdateTriggerParams) error
	DeleteTrigger(ctx context.Context, triggerID string) error

	CreateWorkflowInstance(ctx context.Context, workflowInstance *WorkflowInstancePo) (*WorkflowInstancePo, error)
	QueryWorkflowInstance(ctx context.Context, param *QueryWorkflowInstanceParams) ([]*WorkflowInstancePo, error)
	CountWorkflowInstance(ctx context.Context, param *QueryWorkflowInstanceParams) (int64, error)
	UpdateWorkflowInstance(ctx context.Context, param *UpdateWorkflowInstanceParams) error

	QueryTaskResult(ctx context.Context, param *QueryTaskResultParams) ([]*TaskResultPo, error)

	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}
