// Package workflow 提供基于图的工作流编排功能。
//
// 工作流用 json 描述成节点和边组成的有向图, 引擎按依赖关系把就绪的节点
// 作为任务放进队列, 由 worker 并发执行; cron 触发器可以定时启动工作流。
//
// 主要特性：
//   - 图编排：节点通过端点和边连接, 支持必需/可选输入、分支和汇聚
//   - 并发执行：worker 用信号量限制并发, 节点失败按重试策略重新执行
//   - 定时触发：cron 表达式（支持秒级）展开成调度任务, 多副本下只启动一次
//   - 数据持久化：基于 GORM, 支持 SQLite、MySQL、PostgreSQL
//   - 分布式：本地锁/本地队列, 或者 Redis 锁和 Redis 队列
//   - 可观测：slog 结构化日志和 Prometheus 指标
//
// 基础使用示例:
//
//	package main
//
//	import (
//	    "context"
//	    "time"
//
//	    "github.com/blingmoon/autoflow/workflow"
//	    "gorm.io/driver/sqlite"
//	    "gorm.io/gorm"
//	)
//
//	func main() {
//	    ctx := context.Background()
//
//	    // 1. 初始化数据库
//	    db, _ := gorm.Open(sqlite.Open("workflow.db"), &gorm.Config{})
//	    _ = workflow.AutoMigrate(db)
//
//	    // 2. 注册节点处理器, 必须在创建服务之前
//	    registry := workflow.NewHandlerRegistry()
//	    noop := workflow.NewHandleFuncHandler(func(ctx context.Context, nodeContext *workflow.JSONContext) error { return nil })
//	    registry.MustRegister(workflow.NodeTypeStart, noop)
//	    registry.MustRegister(workflow.NodeTypeEnd, noop)
//	    registry.MustRegister("review", workflow.NewHandleFuncHandler(
//	        func(ctx context.Context, nodeContext *workflow.JSONContext) error {
//	            return nodeContext.Set([]string{"review_time"}, time.Now().Unix())
//	        }))
//
//	    // 3. 创建工作流服务
//	    service, _ := workflow.NewWorkflowService(
//	        workflow.NewWorkflowRepo(db), workflow.NewLocalWorkflowLock(), registry)
//
//	    // 4. 注册工作流图
//	    graph, _ := workflow.ParseGraphConfig([]byte(`{
//	        "id": "approval_workflow",
//	        "nodes": [
//	            {"id": "submit", "node_type": "start", "inputs": [], "outputs": [{"id": "out"}]},
//	            {"id": "review", "node_type": "normal", "component": "review",
//	             "inputs": [{"id": "in", "required": true}], "outputs": [{"id": "out"}]},
//	            {"id": "approve", "node_type": "end", "inputs": [{"id": "in", "required": true}], "outputs": []}
//	        ],
//	        "edges": [
//	            {"id": "e1", "source": {"node_id": "submit", "endpoint_id": "out"}, "target": {"node_id": "review", "endpoint_id": "in"}},
//	            {"id": "e2", "source": {"node_id": "review", "endpoint_id": "out"}, "target": {"node_id": "approve", "endpoint_id": "in"}}
//	        ]
//	    }`))
//	    _ = service.RegisterWorkflow(ctx, graph)
//
//	    // 5. 运行引擎并启动实例
//	    go service.Run(ctx)
//	    instance, _ := service.StartWorkflow(ctx, &workflow.StartWorkflowReq{
//	        WorkflowID: "approval_workflow",
//	        Context:    map[string]any{"order_id": "ORDER-001"},
//	    })
//	    _ = instance.Wait(ctx)
//	}
//
// NodeContext 数据流转机制：
//
// 每个节点任务的数据（JSONContext）包含：
//
//   - node_id: 当前节点 id
//   - node_data: 节点定义里的 data
//   - pre_node_context: 上游节点的输出, 按上游节点 id 组织
//   - workflow_context: 启动实例时传入的全局上下文
//   - 当前节点自己写入的数据
//
// 数据访问示例：
//
//	// 访问工作流全局上下文
//	orderID, _ := nodeContext.GetString("workflow_context", "order_id")
//
//	// 访问上游节点的输出（pre_node_context.{上游节点id}.{字段名}）
//	submitTime, _ := nodeContext.GetInt64("pre_node_context", "submit", "submit_time")
//
//	// 写入当前节点的数据
//	if err := nodeContext.Set([]string{"review_time"}, time.Now().Unix()); err != nil {
//	    return err
//	}
//
// 节点的输出是去掉 node_id、node_data、pre_node_context、workflow_context、system
// 之后剩下的数据, 下游节点通过 pre_node_context 读取。
//
// 完整示例见 examples/with-sqlite, 命令行见 cmd/autoflow。
package workflow
