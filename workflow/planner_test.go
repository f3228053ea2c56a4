package workflow

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// testNode 固定id的节点, 每个节点一个输出端点 out, 输入端点按 inputs 创建
func testNode(id string, nodeType NodeType, inputs ...EndpointConfig) Node {
	return Node{
		ID:       id,
		NodeType: nodeType,
		Name:     id,
		Inputs:   inputs,
		Outputs:  []EndpointConfig{{ID: "out", Name: "out"}},
	}
}

func requiredInput(id string) EndpointConfig {
	return EndpointConfig{ID: id, Name: id, Required: true}
}

func optionalInput(id string) EndpointConfig {
	return EndpointConfig{ID: id, Name: id}
}

func testEdge(source, target, targetEndpoint string) Edge {
	return Edge{
		ID:     source + "->" + target,
		Source: EndpointRef{NodeID: source, EndpointID: "out"},
		Target: EndpointRef{NodeID: target, EndpointID: targetEndpoint},
	}
}

func nodeIDs(nodes []Node) []string {
	ids := make([]string, 0, len(nodes))
	for _, node := range nodes {
		ids = append(ids, node.ID)
	}
	return ids
}

func TestNewPlanner(t *testing.T) {
	t.Run("唯一起始节点", func(t *testing.T) {
		planner, err := NewPlanner([]Node{
			testNode("a", NodeTypeStart),
			testNode("b", NodeTypeNormal, requiredInput("in")),
		}, []Edge{testEdge("a", "b", "in")})
		require.NoError(t, err)
		assert.Equal(t, "a", planner.StartNode().ID)
		node, ok := planner.Node("b")
		assert.True(t, ok)
		assert.Equal(t, NodeTypeNormal, node.NodeType)
		assert.Empty(t, planner.Visited())
	})

	t.Run("没有起始节点", func(t *testing.T) {
		_, err := NewPlanner([]Node{testNode("a", NodeTypeNormal)}, nil)
		assert.True(t, errors.Is(err, ErrNoStartNode))

		_, err = NewPlanner(nil, nil)
		assert.True(t, errors.Is(err, ErrNoStartNode))
	})

	t.Run("多个起始节点", func(t *testing.T) {
		_, err := NewPlanner([]Node{
			testNode("a", NodeTypeStart),
			testNode("b", NodeTypeStart),
		}, nil)
		assert.True(t, errors.Is(err, ErrMultipleStartNodes))
		assert.Contains(t, err.Error(), "[a b]")
	})
}

func TestPlannerNextNodes(t *testing.T) {
	t.Run("线性", func(t *testing.T) {
		a := testNode("a", NodeTypeStart)
		b := testNode("b", NodeTypeNormal, requiredInput("in"))
		c := testNode("c", NodeTypeEnd, requiredInput("in"))
		planner, err := NewPlanner([]Node{a, b, c}, []Edge{testEdge("a", "b", "in"), testEdge("b", "c", "in")})
		require.NoError(t, err)

		assert.Equal(t, []string{"b"}, nodeIDs(planner.NextNodes(a, nil)))
		assert.Equal(t, []string{"c"}, nodeIDs(planner.NextNodes(b, nil)))
		assert.Empty(t, planner.NextNodes(c, nil))
		assert.Equal(t, []string{"a", "b", "c"}, planner.Visited())
	})

	t.Run("必需输入全部完成才就绪", func(t *testing.T) {
		a := testNode("a", NodeTypeStart)
		b := testNode("b", NodeTypeNormal, requiredInput("in"))
		c := testNode("c", NodeTypeEnd, requiredInput("x"), requiredInput("y"))
		planner, err := NewPlanner([]Node{a, b, c}, []Edge{
			testEdge("a", "b", "in"),
			testEdge("a", "c", "x"),
			testEdge("b", "c", "y"),
		})
		require.NoError(t, err)

		assert.Equal(t, []string{"b"}, nodeIDs(planner.NextNodes(a, nil)))
		assert.Equal(t, []string{"c"}, nodeIDs(planner.NextNodes(b, nil)))
	})

	t.Run("可选输入不阻塞", func(t *testing.T) {
		a := testNode("a", NodeTypeStart)
		b := testNode("b", NodeTypeNormal, requiredInput("in"))
		c := testNode("c", NodeTypeEnd, requiredInput("x"), optionalInput("y"))
		planner, err := NewPlanner([]Node{a, b, c}, []Edge{
			testEdge("a", "b", "in"),
			testEdge("a", "c", "x"),
			testEdge("b", "c", "y"),
		})
		require.NoError(t, err)

		assert.Equal(t, []string{"b", "c"}, nodeIDs(planner.NextNodes(a, nil)))
		// c 已经派发过, 不会再返回
		assert.Empty(t, planner.NextNodes(b, nil))
	})

	t.Run("汇聚节点只返回一次", func(t *testing.T) {
		a := testNode("a", NodeTypeStart)
		b := testNode("b", NodeTypeNormal, requiredInput("in"))
		c := testNode("c", NodeTypeNormal, requiredInput("in"))
		d := testNode("d", NodeTypeEnd, requiredInput("in"))
		planner, err := NewPlanner([]Node{a, b, c, d}, []Edge{
			testEdge("a", "b", "in"),
			testEdge("a", "c", "in"),
			testEdge("b", "d", "in"),
			testEdge("c", "d", "in"),
		})
		require.NoError(t, err)

		assert.Equal(t, []string{"b", "c"}, nodeIDs(planner.NextNodes(a, nil)))
		assert.Equal(t, []string{"d"}, nodeIDs(planner.NextNodes(c, nil)))
		assert.Empty(t, planner.NextNodes(b, nil))
	})

	t.Run("环", func(t *testing.T) {
		a := testNode("a", NodeTypeStart, optionalInput("in"))
		b := testNode("b", NodeTypeNormal, requiredInput("in"))
		planner, err := NewPlanner([]Node{a, b}, []Edge{testEdge("a", "b", "in"), testEdge("b", "a", "in")})
		require.NoError(t, err)

		assert.Equal(t, []string{"b"}, nodeIDs(planner.NextNodes(a, nil)))
		assert.Empty(t, planner.NextNodes(b, nil))
	})

	t.Run("边指向不存在的节点", func(t *testing.T) {
		a := testNode("a", NodeTypeStart)
		b := testNode("b", NodeTypeEnd, requiredInput("in"))
		planner, err := NewPlanner([]Node{a, b}, []Edge{testEdge("a", "ghost", "in"), testEdge("a", "b", "in")})
		require.NoError(t, err)

		assert.Equal(t, []string{"b"}, nodeIDs(planner.NextNodes(a, nil)))
	})

	t.Run("同一目标多条边只返回一次", func(t *testing.T) {
		a := testNode("a", NodeTypeStart)
		b := testNode("b", NodeTypeEnd, optionalInput("x"), optionalInput("y"))
		planner, err := NewPlanner([]Node{a, b}, []Edge{testEdge("a", "b", "x"), testEdge("a", "b", "y")})
		require.NoError(t, err)

		assert.Equal(t, []string{"b"}, nodeIDs(planner.NextNodes(a, nil)))
		assert.Equal(t, []string{"a"}, planner.UpstreamNodeIDs("b"))
	})
}

// 任意图任意完成顺序下, 每个节点最多被派发一次, 起始节点不会被再次派发
func TestPlannerNoDuplicateDispatch(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(t, "nodes")
		nodes := make([]Node, 0, n)
		for i := 0; i < n; i++ {
			nodeType := NodeTypeNormal
			if i == 0 {
				nodeType = NodeTypeStart
			}
			inputs := []EndpointConfig{{
				ID:       "in",
				Name:     "in",
				Required: rapid.Bool().Draw(t, fmt.Sprintf("required_%d", i)),
			}}
			nodes = append(nodes, Node{ID: fmt.Sprintf("n%d", i), NodeType: nodeType, Inputs: inputs})
		}
		edgeCount := rapid.IntRange(0, n*n).Draw(t, "edges")
		edges := make([]Edge, 0, edgeCount)
		for i := 0; i < edgeCount; i++ {
			source := rapid.IntRange(0, n-1).Draw(t, fmt.Sprintf("source_%d", i))
			target := rapid.IntRange(0, n-1).Draw(t, fmt.Sprintf("target_%d", i))
			edges = append(edges, Edge{
				ID:     fmt.Sprintf("e%d", i),
				Source: EndpointRef{NodeID: fmt.Sprintf("n%d", source), EndpointID: "out"},
				Target: EndpointRef{NodeID: fmt.Sprintf("n%d", target), EndpointID: "in"},
			})
		}

		planner, err := NewPlanner(nodes, edges)
		if err != nil {
			t.Fatalf("new planner: %v", err)
		}
		dispatched := map[string]int{planner.StartNode().ID: 1}
		pending := []Node{planner.StartNode()}
		for len(pending) > 0 {
			// 随机选择下一个完成的节点, 模拟乱序完成
			idx := rapid.IntRange(0, len(pending)-1).Draw(t, "complete")
			node := pending[idx]
			pending = append(pending[:idx], pending[idx+1:]...)
			for _, next := range planner.NextNodes(node, nil) {
				dispatched[next.ID]++
				if dispatched[next.ID] > 1 {
					t.Fatalf("node %s dispatched %d times", next.ID, dispatched[next.ID])
				}
				pending = append(pending, next)
			}
		}
		if len(planner.Visited()) != len(dispatched) {
			t.Fatalf("visited %v, dispatched %v", planner.Visited(), dispatched)
		}
	})
}
