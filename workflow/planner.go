package workflow

import (
	"log/slog"
	"sort"

	"github.com/pkg/errors"
)

// Planner 负责判断哪些节点可以执行
// 就绪判断只看已完成(completed)的节点, 去重看已派发(dispatched)的节点,
// 保证一个节点在整个生命周期里最多被 NextNodes 返回一次
// Planner 只属于一个工作流实例, 由实例的消费协程独占使用, 不做并发保护
type Planner struct {
	nodes     []Node
	edges     []Edge
	nodeMap   map[string]Node
	edgeMap   map[string][]Edge // source node id -> 出边, 保持原始顺序
	inbound   map[string][]Edge // target node id -> 入边
	startNode Node

	completed  map[string]struct{}
	dispatched map[string]struct{}
}

func NewPlanner(nodes []Node, edges []Edge) (*Planner, error) {
	nodeMap := make(map[string]Node, len(nodes))
	for _, node := range nodes {
		// 重复id后面的覆盖前面的
		nodeMap[node.ID] = node
	}

	var startNodes []Node
	for _, node := range nodeMap {
		if node.IsStart() {
			startNodes = append(startNodes, node)
		}
	}
	if len(startNodes) == 0 {
		return nil, errors.WithMessagef(ErrNoStartNode, "nodes count:%d", len(nodeMap))
	}
	if len(startNodes) > 1 {
		ids := make([]string, 0, len(startNodes))
		for _, node := range startNodes {
			ids = append(ids, node.ID)
		}
		sort.Strings(ids)
		return nil, errors.WithMessagef(ErrMultipleStartNodes, "start nodes:%v", ids)
	}

	edgeMap := make(map[string][]Edge)
	inbound := make(map[string][]Edge)
	for _, edge := range edges {
		edgeMap[edge.Source.NodeID] = append(edgeMap[edge.Source.NodeID], edge)
		inbound[edge.Target.NodeID] = append(inbound[edge.Target.NodeID], edge)
	}

	startNode := startNodes[0]
	return &Planner{
		nodes:      append([]Node(nil), nodes...),
		edges:      append([]Edge(nil), edges...),
		nodeMap:    nodeMap,
		edgeMap:    edgeMap,
		inbound:    inbound,
		startNode:  startNode,
		completed:  make(map[string]struct{}),
		dispatched: map[string]struct{}{startNode.ID: {}},
	}, nil
}

func (p *Planner) StartNode() Node {
	return p.startNode
}

func (p *Planner) Node(id string) (Node, bool) {
	node, ok := p.nodeMap[id]
	return node, ok
}

// NextNodes 标记 node 已完成, 返回因此变得可执行的节点
// payload 目前不参与路由, 预留给条件分支
func (p *Planner) NextNodes(node Node, payload *JSONContext) []Node {
	p.completed[node.ID] = struct{}{}
	p.dispatched[node.ID] = struct{}{}

	var result []Node
	seen := make(map[string]struct{})
	for _, edge := range p.edgeMap[node.ID] {
		targetID := edge.Target.NodeID
		if _, ok := p.dispatched[targetID]; ok {
			continue
		}
		if _, ok := seen[targetID]; ok {
			continue
		}
		seen[targetID] = struct{}{}

		target, ok := p.nodeMap[targetID]
		if !ok {
			slog.Warn("edge target node not found, skip",
				slog.String("edge_id", edge.ID),
				slog.String("source", edge.Source.NodeID),
				slog.String("target", targetID))
			continue
		}
		if !p.isNodeReady(target) {
			continue
		}
		p.dispatched[targetID] = struct{}{}
		result = append(result, target)
	}
	return result
}

// isNodeReady 每个必需输入端点至少有一条来自已完成节点的入边
func (p *Planner) isNodeReady(node Node) bool {
	for _, input := range node.Inputs {
		if !input.Required {
			continue
		}
		satisfied := false
		for _, edge := range p.inbound[node.ID] {
			if edge.Target.EndpointID != input.ID {
				continue
			}
			if _, ok := p.completed[edge.Source.NodeID]; ok {
				satisfied = true
				break
			}
		}
		if !satisfied {
			return false
		}
	}
	return true
}

// Visited 已完成的节点id, 排好序
func (p *Planner) Visited() []string {
	ids := make([]string, 0, len(p.completed))
	for id := range p.completed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// UpstreamNodeIDs 有边指向 nodeID 的节点, 按边的顺序去重
func (p *Planner) UpstreamNodeIDs(nodeID string) []string {
	var ids []string
	seen := make(map[string]struct{})
	for _, edge := range p.inbound[nodeID] {
		if _, ok := seen[edge.Source.NodeID]; ok {
			continue
		}
		seen[edge.Source.NodeID] = struct{}{}
		ids = append(ids, edge.Source.NodeID)
	}
	return ids
}
