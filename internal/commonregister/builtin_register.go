package commonregister

import (
	"context"
	"log/slog"
	"time"

	"github.com/blingmoon/autoflow/workflow"
	"github.com/pkg/errors"
)

// 内置的 task_type, 没有配置 component 的节点按 node_type 派发到这里
const (
	TaskTypeStart = workflow.NodeTypeStart
	TaskTypeLog   = "log"
	TaskTypeEnd   = workflow.NodeTypeEnd
)

// RegisterBuiltinHandlers 注册 start/log/end 三个内置处理器
func RegisterBuiltinHandlers(registry *workflow.HandlerRegistry) error {
	handlers := map[string]workflow.TaskHandler{
		TaskTypeStart: workflow.NewHandleFuncHandler(startHandle),
		TaskTypeLog:   workflow.NewNormalTaskHandler(nil, logHandle, nil),
		TaskTypeEnd:   workflow.NewHandleFuncHandler(endHandle),
	}
	for _, taskType := range []string{TaskTypeStart, TaskTypeLog, TaskTypeEnd} {
		if err := registry.Register(taskType, handlers[taskType]); err != nil {
			return errors.WithMessagef(err, "register builtin handler %s", taskType)
		}
	}
	return nil
}

func nodeID(data *workflow.JSONContext) string {
	id, _ := data.GetString(workflow.NodeContextKeyNodeID)
	return id
}

func startHandle(ctx context.Context, data *workflow.JSONContext) error {
	slog.InfoContext(ctx, "start node executing", slog.String("node_id", nodeID(data)))
	return data.Set([]string{"started_at"}, time.Now().Unix())
}

// logHandle 把节点配置和上游输出打到日志里, 节点配置的 message 原样输出给下游
func logHandle(ctx context.Context, data *workflow.JSONContext) error {
	attrs := []any{slog.String("node_id", nodeID(data))}
	if nodeData, ok := data.Get(workflow.NodeContextKeyNodeData); ok {
		attrs = append(attrs, slog.Any("node_data", nodeData))
	}
	if pre, ok := data.Get(workflow.NodeContextKeyPreNodeContext); ok {
		attrs = append(attrs, slog.Any("pre_node_context", pre))
	}
	slog.InfoContext(ctx, "log node executing", attrs...)

	if message, ok := data.GetString(workflow.NodeContextKeyNodeData, "message"); ok {
		if err := data.Set([]string{"message"}, message); err != nil {
			return err
		}
	}
	return data.Set([]string{"logged_at"}, time.Now().Unix())
}

func endHandle(ctx context.Context, data *workflow.JSONContext) error {
	slog.InfoContext(ctx, "end node executing", slog.String("node_id", nodeID(data)))
	return data.Set([]string{"finished_at"}, time.Now().Unix())
}
