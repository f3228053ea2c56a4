package commonregister

import (
	"context"
	"log/slog"
	"time"

	"github.com/blingmoon/autoflow/workflow"
	"github.com/pkg/errors"
)

const ApprovalWorkflowID = "approval_workflow"

// 工作流结构：提交 -> 审核 -> 批准
const approvalGraphJSON = `{
	"id": "approval_workflow",
	"name": "审批工作流",
	"nodes": [
		{
			"id": "submit",
			"node_type": "start",
			"name": "提交申请",
			"component": "approval_submit",
			"inputs": [],
			"outputs": [{"id": "out", "name": "submitted"}]
		},
		{
			"id": "review",
			"node_type": "normal",
			"name": "审核",
			"component": "approval_review",
			"inputs": [{"id": "in", "name": "submitted", "required": true}],
			"outputs": [{"id": "out", "name": "reviewed"}],
			"extra": {"retry": {"max_attempts": 2, "delay": 0}}
		},
		{
			"id": "approve",
			"node_type": "end",
			"name": "批准",
			"component": "approval_approve",
			"inputs": [{"id": "in", "name": "reviewed", "required": true}],
			"outputs": []
		}
	],
	"edges": [
		{"id": "e1", "source": {"node_id": "submit", "endpoint_id": "out"}, "target": {"node_id": "review", "endpoint_id": "in"}},
		{"id": "e2", "source": {"node_id": "review", "endpoint_id": "out"}, "target": {"node_id": "approve", "endpoint_id": "in"}}
	]
}`

func ApprovalWorkflowGraph() (*workflow.GraphConfig, error) {
	return workflow.ParseGraphConfig([]byte(approvalGraphJSON))
}

// RegisterApprovalHandlers 审批工作流三个节点的处理器, 需要在创建引擎之前注册
func RegisterApprovalHandlers(registry *workflow.HandlerRegistry) error {
	if err := registry.Register("approval_submit", workflow.NewHandleFuncHandler(
		func(ctx context.Context, nodeContext *workflow.JSONContext) error {
			slog.InfoContext(ctx, "[提交] 执行中")
			applicant, ok := nodeContext.GetString(workflow.NodeContextKeyWorkflowContext, "applicant")
			if !ok {
				applicant = "anonymous"
			}
			return setOutputs(nodeContext, map[string]any{
				"applicant":   applicant,
				"submit_time": time.Now().Format(time.RFC3339),
				"status":      "submitted",
			})
		},
	)); err != nil {
		return errors.WithMessage(err, "register submit handler failed")
	}

	// 审核节点, Before 里先检查上游的提交时间
	if err := registry.Register("approval_review", workflow.NewNormalTaskHandler(
		func(ctx context.Context, nodeContext *workflow.JSONContext) error {
			if _, ok := nodeContext.GetString(workflow.NodeContextKeyPreNodeContext, "submit", "submit_time"); !ok {
				return errors.New("submit_time not found")
			}
			return nil
		},
		func(ctx context.Context, nodeContext *workflow.JSONContext) error {
			submitTime, _ := nodeContext.GetString(workflow.NodeContextKeyPreNodeContext, "submit", "submit_time")
			slog.InfoContext(ctx, "[审核] 执行中", slog.String("submit_time", submitTime))
			return setOutputs(nodeContext, map[string]any{
				"submit_time": submitTime,
				"review_time": time.Now().Format(time.RFC3339),
				"reviewer":    "manager",
			})
		},
		nil,
	)); err != nil {
		return errors.WithMessage(err, "register review handler failed")
	}

	if err := registry.Register("approval_approve", workflow.NewHandleFuncHandler(
		func(ctx context.Context, nodeContext *workflow.JSONContext) error {
			reviewer, _ := nodeContext.GetString(workflow.NodeContextKeyPreNodeContext, "review", "reviewer")
			slog.InfoContext(ctx, "[批准] 执行中", slog.String("reviewer", reviewer))
			return setOutputs(nodeContext, map[string]any{
				"approve_time": time.Now().Format(time.RFC3339),
				"final_status": "approved",
			})
		},
	)); err != nil {
		return errors.WithMessage(err, "register approve handler failed")
	}
	return nil
}

// setOutputs 写入节点自己的输出字段
func setOutputs(nodeContext *workflow.JSONContext, outputs map[string]any) error {
	for key, value := range outputs {
		if err := nodeContext.Set([]string{key}, value); err != nil {
			return errors.WithMessagef(err, "set %s", key)
		}
	}
	return nil
}
