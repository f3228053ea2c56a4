package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var validatorUtil = validator.New()

// EndpointRef 端点引用, 可以直接用 == 比较
type EndpointRef struct {
	NodeID     string `json:"node_id" validate:"required"`
	EndpointID string `json:"endpoint_id" validate:"required"`
}

type EndpointConfig struct {
	ID          string `json:"id" validate:"required"`
	Name        string `json:"name"`
	Required    bool   `json:"required"`
	DataType    string `json:"data_type,omitempty"`
	DisplayType string `json:"display_type,omitempty"`
	Description string `json:"description,omitempty"`
}

type RetryConfig struct {
	MaxAttempts int `json:"max_attempts" validate:"gte=0"`
	// 单位秒
	Delay int64 `json:"delay" validate:"gte=0"`
}

type ExtraConfig struct {
	Retry *RetryConfig `json:"retry,omitempty"`
}

// Node 图中的一个节点, planner 持有的是值拷贝, 引擎不会修改它
type Node struct {
	ID           string           `json:"id" validate:"required"`
	NodeType     NodeType         `json:"node_type" validate:"required"`
	Name         string           `json:"name"`
	Description  string           `json:"description,omitempty"`
	Inputs       []EndpointConfig `json:"inputs" validate:"dive"`
	Outputs      []EndpointConfig `json:"outputs" validate:"dive"`
	DataSchema   json.RawMessage  `json:"data_schema,omitempty"`
	Data         json.RawMessage  `json:"data,omitempty"`
	DataUISchema json.RawMessage  `json:"data_ui_schema,omitempty"`
	Component    string           `json:"component,omitempty"`
	ExecutorID   string           `json:"executor_id,omitempty"`
	Status       NodeStatus       `json:"status,omitempty"`
	Extra        *ExtraConfig     `json:"extra,omitempty"`
}

func newShortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func NewNode(name string, nodeType NodeType) *Node {
	return &Node{
		ID:       newShortID(),
		NodeType: nodeType,
		Name:     name,
		Inputs:   []EndpointConfig{},
		Outputs:  []EndpointConfig{},
		Status:   NodeStatusPending,
	}
}

func NewStartNode(name string) *Node {
	return NewNode(name, NodeTypeStart)
}

func NewNormalNode(name string) *Node {
	return NewNode(name, NodeTypeNormal)
}

func NewEndNode(name string) *Node {
	return NewNode(name, NodeTypeEnd)
}

// AddInputEndpoint 添加一个输入端点, 返回它的引用, 方便直接连边
func (n *Node) AddInputEndpoint(name string, required bool) EndpointRef {
	endpoint := EndpointConfig{
		ID:       newShortID(),
		Name:     name,
		Required: required,
	}
	n.Inputs = append(n.Inputs, endpoint)
	return EndpointRef{NodeID: n.ID, EndpointID: endpoint.ID}
}

func (n *Node) AddOutputEndpoint(name string) EndpointRef {
	endpoint := EndpointConfig{
		ID:   newShortID(),
		Name: name,
	}
	n.Outputs = append(n.Outputs, endpoint)
	return EndpointRef{NodeID: n.ID, EndpointID: endpoint.ID}
}

func (n *Node) IsStart() bool {
	return n.NodeType == NodeTypeStart
}

// TaskType 节点派发时使用的 task_type, 决定由哪个 handler 处理
func (n *Node) TaskType() string {
	if n.Component != "" {
		return n.Component
	}
	return n.NodeType
}

// RetryPolicy 节点没有配置重试时使用默认策略
func (n *Node) RetryPolicy() RetryPolicy {
	policy := DefaultRetryPolicy()
	if n.Extra == nil || n.Extra.Retry == nil {
		return policy
	}
	policy.MaxAttempts = n.Extra.Retry.MaxAttempts
	policy.Delay = time.Duration(n.Extra.Retry.Delay) * time.Second
	return policy
}

type Edge struct {
	ID     string      `json:"id" validate:"required"`
	Source EndpointRef `json:"source"`
	Target EndpointRef `json:"target"`
}

func NewEdge(source, target EndpointRef) Edge {
	return Edge{
		ID:     newShortID(),
		Source: source,
		Target: target,
	}
}

// GraphConfig 工作流图的json定义
type GraphConfig struct {
	ID          string  `json:"id" validate:"required"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Nodes       []*Node `json:"nodes" validate:"required,min=1,dive,required"`
	Edges       []Edge  `json:"edges" validate:"dive"`
}

// ParseGraphConfig 解析并校验图定义, 只做结构校验, 起始节点等语义校验在 NewPlanner 中完成
func ParseGraphConfig(b []byte) (*GraphConfig, error) {
	config := &GraphConfig{}
	if err := json.Unmarshal(b, config); err != nil {
		return nil, errors.WithMessagef(ErrGraphConfigInvalid, "unmarshal graph config failed, err:%v", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (g *GraphConfig) Validate() error {
	if err := validatorUtil.Struct(g); err != nil {
		return errors.WithMessagef(ErrGraphConfigInvalid, "graph(%s) validate failed, err:%v", g.ID, err)
	}
	nodeIDs := make(map[string]struct{}, len(g.Nodes))
	for _, node := range g.Nodes {
		if _, ok := nodeIDs[node.ID]; ok {
			return errors.WithMessagef(ErrGraphConfigInvalid, "graph(%s) duplicate node id %s", g.ID, node.ID)
		}
		nodeIDs[node.ID] = struct{}{}
	}
	return nil
}

// NodeValues planner 需要的是值
func (g *GraphConfig) NodeValues() []Node {
	nodes := make([]Node, 0, len(g.Nodes))
	for _, node := range g.Nodes {
		nodes = append(nodes, *node)
	}
	return nodes
}

func (g *GraphConfig) String() string {
	return fmt.Sprintf("graph(%s, nodes=%d, edges=%d)", g.ID, len(g.Nodes), len(g.Edges))
}
