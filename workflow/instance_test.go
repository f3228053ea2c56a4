package workflow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanDispatcher struct {
	tasks chan *ExecutionTask
	err   error
}

func newChanDispatcher() *chanDispatcher {
	return &chanDispatcher{tasks: make(chan *ExecutionTask, 16)}
}

func (d *chanDispatcher) Dispatch(ctx context.Context, task *ExecutionTask) error {
	if d.err != nil {
		return d.err
	}
	d.tasks <- task
	return nil
}

func (d *chanDispatcher) next(t *testing.T) *ExecutionTask {
	t.Helper()
	select {
	case task := <-d.tasks:
		return task
	case <-time.After(time.Second):
		t.Fatal("no task dispatched")
		return nil
	}
}

func (d *chanDispatcher) assertIdle(t *testing.T) {
	t.Helper()
	select {
	case task := <-d.tasks:
		t.Fatalf("unexpected dispatch %s", task)
	case <-time.After(30 * time.Millisecond):
	}
}

// complete 模拟 handler 写入输出后回报
func complete(t *testing.T, instance *WorkflowInstance, task *ExecutionTask, output map[string]any) {
	t.Helper()
	for k, v := range output {
		require.NoError(t, task.Data.Set([]string{k}, v))
	}
	task.setStatus(TaskStatusSuccess)
	require.True(t, instance.Notify(task, nil))
}

func waitDone(t *testing.T, instance *WorkflowInstance) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := instance.Wait(ctx)
	require.False(t, errors.Is(err, context.DeadlineExceeded), "instance not finished")
	return err
}

func linearGraph() ([]Node, []Edge) {
	return []Node{
			testNode("a", NodeTypeStart),
			testNode("b", NodeTypeNormal, requiredInput("in")),
			testNode("c", NodeTypeEnd, requiredInput("in")),
		}, []Edge{
			testEdge("a", "b", "in"),
			testEdge("b", "c", "in"),
		}
}

func TestWorkflowInstanceLinear(t *testing.T) {
	nodes, edges := linearGraph()
	dispatcher := newChanDispatcher()
	metrics := NewMetrics("test", prometheus.NewRegistry())
	finished := make(chan string, 1)
	instance, err := NewWorkflowInstance("wf", nodes, edges, dispatcher,
		WithInstanceID("instance-1"),
		WithWorkflowContext(NewJSONContextFromMap(map[string]any{"user": "alice"})),
		WithInstanceMetrics(metrics),
		WithFinishCallback(func(ctx context.Context, instance *WorkflowInstance) {
			finished <- instance.Status()
		}))
	require.NoError(t, err)
	assert.Equal(t, WorkflowInstanceStatusNotStarted, instance.Status())

	require.NoError(t, instance.Start(context.Background()))
	assert.Equal(t, WorkflowInstanceStatusRunning, instance.Status())
	assert.True(t, errors.Is(instance.Start(context.Background()), ErrWorkflowInstanceAlreadyStarted))

	a := dispatcher.next(t)
	assert.Equal(t, "a", a.NodeID)
	assert.Equal(t, "instance-1", a.InstanceID)
	user, _ := a.Data.GetString(NodeContextKeyWorkflowContext, "user")
	assert.Equal(t, "alice", user)
	complete(t, instance, a, map[string]any{"greeting": "hi"})

	b := dispatcher.next(t)
	assert.Equal(t, "b", b.NodeID)
	greeting, ok := b.Data.GetString(NodeContextKeyPreNodeContext, "a", "greeting")
	assert.True(t, ok)
	assert.Equal(t, "hi", greeting)
	// 上游的保留字段不会传给下游
	_, ok = b.Data.Get(NodeContextKeyPreNodeContext, "a", NodeContextKeyWorkflowContext)
	assert.False(t, ok)
	complete(t, instance, b, nil)

	c := dispatcher.next(t)
	complete(t, instance, c, nil)

	require.NoError(t, waitDone(t, instance))
	assert.Equal(t, WorkflowInstanceStatusCompleted, instance.Status())
	assert.Equal(t, []string{"a", "b", "c"}, instance.CompletedNodes())
	assert.Equal(t, WorkflowInstanceStatusCompleted, <-finished)
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.workflowDispatched))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.workflowInstances.WithLabelValues("wf", WorkflowInstanceStatusCompleted)))
}

func TestWorkflowInstanceFanIn(t *testing.T) {
	nodes := []Node{
		testNode("a", NodeTypeStart),
		testNode("b", NodeTypeNormal, requiredInput("in")),
		testNode("c", NodeTypeNormal, requiredInput("in")),
		testNode("d", NodeTypeEnd, requiredInput("x"), requiredInput("y")),
	}
	edges := []Edge{
		testEdge("a", "b", "in"),
		testEdge("a", "c", "in"),
		testEdge("b", "d", "x"),
		testEdge("c", "d", "y"),
	}
	dispatcher := newChanDispatcher()
	instance, err := NewWorkflowInstance("wf", nodes, edges, dispatcher)
	require.NoError(t, err)
	require.NoError(t, instance.Start(context.Background()))

	complete(t, instance, dispatcher.next(t), nil)
	first, second := dispatcher.next(t), dispatcher.next(t)
	assert.ElementsMatch(t, []string{"b", "c"}, []string{first.NodeID, second.NodeID})
	slow, fast := first, second
	if slow.NodeID != "b" {
		slow, fast = fast, slow
	}

	// c 先完成, d 还缺 b 的输入
	complete(t, instance, fast, map[string]any{"from": "c"})
	dispatcher.assertIdle(t)
	assert.Equal(t, WorkflowInstanceStatusRunning, instance.Status())

	complete(t, instance, slow, map[string]any{"from": "b"})
	d := dispatcher.next(t)
	assert.Equal(t, "d", d.NodeID)
	fromB, _ := d.Data.GetString(NodeContextKeyPreNodeContext, "b", "from")
	fromC, _ := d.Data.GetString(NodeContextKeyPreNodeContext, "c", "from")
	assert.Equal(t, "b", fromB)
	assert.Equal(t, "c", fromC)

	complete(t, instance, d, nil)
	require.NoError(t, waitDone(t, instance))
	assert.Equal(t, []string{"a", "c", "b", "d"}, instance.CompletedNodes())
}

func TestWorkflowInstanceTermination(t *testing.T) {
	t.Run("取消后忽略迟到的完成消息", func(t *testing.T) {
		nodes, edges := linearGraph()
		dispatcher := newChanDispatcher()
		instance, err := NewWorkflowInstance("wf", nodes, edges, dispatcher)
		require.NoError(t, err)
		require.NoError(t, instance.Start(context.Background()))
		a := dispatcher.next(t)

		instance.Cancel(context.Background())
		assert.Equal(t, WorkflowInstanceStatusAborted, instance.Status())
		assert.False(t, instance.Notify(a, nil))
		err = waitDone(t, instance)
		assert.True(t, errors.Is(err, ErrWorkflowInstanceAborted))
		dispatcher.assertIdle(t)

		// 结束之后再取消不会改变状态
		instance.Cancel(context.Background())
		assert.Equal(t, WorkflowInstanceStatusAborted, instance.Status())
	})

	t.Run("节点失败", func(t *testing.T) {
		nodes, edges := linearGraph()
		dispatcher := newChanDispatcher()
		instance, err := NewWorkflowInstance("wf", nodes, edges, dispatcher)
		require.NoError(t, err)
		require.NoError(t, instance.Start(context.Background()))

		a := dispatcher.next(t)
		a.setStatus(TaskStatusFailed)
		require.True(t, instance.Notify(a, errors.WithMessage(ErrMaxAttemptsReached, "boom")))
		err = waitDone(t, instance)
		assert.True(t, errors.Is(err, ErrWorkflowInstanceFailed))
		assert.Contains(t, err.Error(), "boom")
		assert.Equal(t, WorkflowInstanceStatusFailed, instance.Status())
		assert.Empty(t, instance.CompletedNodes())
		dispatcher.assertIdle(t)
	})

	t.Run("失败信息带上已完成的节点", func(t *testing.T) {
		nodes, edges := linearGraph()
		dispatcher := newChanDispatcher()
		instance, err := NewWorkflowInstance("wf", nodes, edges, dispatcher)
		require.NoError(t, err)
		require.NoError(t, instance.Start(context.Background()))

		complete(t, instance, dispatcher.next(t), nil)
		b := dispatcher.next(t)
		require.True(t, instance.Notify(b, errors.New("timeout")))
		err = waitDone(t, instance)
		assert.True(t, errors.Is(err, ErrWorkflowInstanceFailed))
		assert.Contains(t, err.Error(), "node:b, completed:[a]")
	})

	t.Run("其他实例的任务被忽略", func(t *testing.T) {
		nodes, edges := linearGraph()
		dispatcher := newChanDispatcher()
		instance, err := NewWorkflowInstance("wf", nodes, edges, dispatcher)
		require.NoError(t, err)
		require.NoError(t, instance.Start(context.Background()))
		a := dispatcher.next(t)

		foreign := NewNodeTask("another-instance", nodes[0], nil)
		assert.False(t, instance.Notify(foreign, nil))
		assert.False(t, instance.Notify(nil, nil))

		// 重复的完成消息只处理一次
		complete(t, instance, a, nil)
		assert.Equal(t, "b", dispatcher.next(t).NodeID)
		require.True(t, instance.Notify(a, nil))
		dispatcher.assertIdle(t)
		assert.Equal(t, []string{"a"}, instance.CompletedNodes())
		instance.Cancel(context.Background())
	})

	t.Run("派发失败", func(t *testing.T) {
		nodes, edges := linearGraph()
		dispatcher := newChanDispatcher()
		dispatcher.err = errors.New("queue full")
		instance, err := NewWorkflowInstance("wf", nodes, edges, dispatcher)
		require.NoError(t, err)
		assert.Error(t, instance.Start(context.Background()))
		assert.Equal(t, WorkflowInstanceStatusFailed, instance.Status())
	})

	t.Run("非法的图", func(t *testing.T) {
		_, err := NewWorkflowInstance("wf", []Node{testNode("a", NodeTypeNormal)}, nil, newChanDispatcher())
		assert.True(t, errors.Is(err, ErrNoStartNode))
	})
}

func TestWorkflowInstanceNodeTaskData(t *testing.T) {
	start := testNode("a", NodeTypeStart)
	start.Data = json.RawMessage(`{"limit": 3}`)
	end := testNode("b", NodeTypeEnd, requiredInput("in"))
	end.Data = json.RawMessage(`{broken`)
	dispatcher := newChanDispatcher()
	instance, err := NewWorkflowInstance("wf", []Node{start, end}, []Edge{testEdge("a", "b", "in")}, dispatcher,
		WithWorkflowContext(NewJSONContextFromMap(map[string]any{"order_id": "A1"})))
	require.NoError(t, err)
	require.NoError(t, instance.Start(context.Background()))

	a := dispatcher.next(t)
	nodeID, _ := a.Data.GetString(NodeContextKeyNodeID)
	assert.Equal(t, "a", nodeID)
	limit, ok := a.Data.GetInt64(NodeContextKeyNodeData, "limit")
	assert.True(t, ok)
	assert.Equal(t, int64(3), limit)
	orderID, _ := a.Data.GetString(NodeContextKeyWorkflowContext, "order_id")
	assert.Equal(t, "A1", orderID)
	complete(t, instance, a, map[string]any{"count": 1})

	// 节点配置不是合法 json 时只是不带 node_data, 其他输入照常
	b := dispatcher.next(t)
	_, ok = b.Data.Get(NodeContextKeyNodeData)
	assert.False(t, ok)
	count, ok := b.Data.GetInt64(NodeContextKeyPreNodeContext, "a", "count")
	assert.True(t, ok)
	assert.Equal(t, int64(1), count)
	complete(t, instance, b, nil)
	require.NoError(t, waitDone(t, instance))
}
