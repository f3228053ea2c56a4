package tests

import (
	"context"
	"testing"
	"time"

	"github.com/blingmoon/autoflow/internal/commonregister"
	"github.com/blingmoon/autoflow/workflow"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// diamondGraphJSON start -> (left, right) -> end, end 需要两边都完成
const diamondGraphJSON = `{
	"id": "diamond",
	"name": "菱形工作流",
	"nodes": [
		{"id": "start", "node_type": "start", "inputs": [], "outputs": [{"id": "out"}]},
		{"id": "left", "node_type": "normal", "component": "log", "data": {"message": "left"},
		 "inputs": [{"id": "in", "required": true}], "outputs": [{"id": "out"}]},
		{"id": "right", "node_type": "normal", "component": "log", "data": {"message": "right"},
		 "inputs": [{"id": "in", "required": true}], "outputs": [{"id": "out"}]},
		{"id": "end", "node_type": "end",
		 "inputs": [{"id": "x", "required": true}, {"id": "y", "required": true}], "outputs": []}
	],
	"edges": [
		{"id": "e1", "source": {"node_id": "start", "endpoint_id": "out"}, "target": {"node_id": "left", "endpoint_id": "in"}},
		{"id": "e2", "source": {"node_id": "start", "endpoint_id": "out"}, "target": {"node_id": "right", "endpoint_id": "in"}},
		{"id": "e3", "source": {"node_id": "left", "endpoint_id": "out"}, "target": {"node_id": "end", "endpoint_id": "x"}},
		{"id": "e4", "source": {"node_id": "right", "endpoint_id": "out"}, "target": {"node_id": "end", "endpoint_id": "y"}}
	]
}`

func testEngineConfig() workflow.EngineConfig {
	config := workflow.DefaultEngineConfig()
	config.Worker.PollInterval = 5 * time.Millisecond
	config.Worker.ShutdownTimeout = time.Second
	config.Scheduler.Interval = 20 * time.Millisecond
	config.Scheduler.Lookahead = 2 * time.Second
	return config
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, workflow.AutoMigrate(db))
	return db
}

type testService struct {
	*workflow.WorkflowServiceImpl
	repo workflow.WorkflowRepo
}

// setupTestService 内置处理器之外的 handler 通过 register 注册, 必须在创建引擎之前
func setupTestService(t *testing.T, db *gorm.DB, lock workflow.WorkflowLock, register func(*workflow.HandlerRegistry), opts ...workflow.EngineOption) *testService {
	t.Helper()
	if db == nil {
		db = openTestDB(t)
	}
	if lock == nil {
		lock = workflow.NewLocalWorkflowLock()
	}
	registry := workflow.NewHandlerRegistry()
	require.NoError(t, commonregister.RegisterBuiltinHandlers(registry))
	if register != nil {
		register(registry)
	}
	repo := workflow.NewWorkflowRepo(db)
	opts = append([]workflow.EngineOption{workflow.WithEngineConfig(testEngineConfig())}, opts...)
	service, err := workflow.NewWorkflowService(repo, lock, registry, opts...)
	require.NoError(t, err)
	return &testService{WorkflowServiceImpl: service, repo: repo}
}

// runService 后台运行引擎, 测试结束时停止并等待退出
func runService(t *testing.T, service *testService) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- service.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("service did not stop")
		}
	})
}

func registerGraph(t *testing.T, service *testService, graphJSON string) *workflow.GraphConfig {
	t.Helper()
	graph, err := workflow.ParseGraphConfig([]byte(graphJSON))
	require.NoError(t, err)
	require.NoError(t, service.RegisterWorkflow(context.Background(), graph))
	return graph
}

func waitInstance(t *testing.T, instance *workflow.WorkflowInstance) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := instance.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return err
}

// instanceStatus 从库里读实例状态, 实例结束后状态是异步写入的
func instanceStatus(t *testing.T, service *testService, instanceID string) *workflow.WorkflowInstancePo {
	t.Helper()
	pos, err := service.QueryWorkflowInstance(context.Background(), &workflow.QueryWorkflowInstanceParams{
		WorkflowInstanceID: workflow.String(instanceID),
		Page:               &workflow.Pager{IsNoLimit: workflow.Bool(true)},
	})
	require.NoError(t, err)
	require.Len(t, pos, 1)
	return pos[0]
}
