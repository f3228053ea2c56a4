package workflow

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// JSONContext 任务的数据载荷, 提供便捷的嵌套读写方法
// 一个 JSONContext 同一时间只属于一个任务, 不做并发保护
type JSONContext struct {
	data map[string]any
}

// NewJSONContext 从字节创建, 非法json得到空上下文
func NewJSONContext(b []byte) *JSONContext {
	ctx := &JSONContext{
		data: make(map[string]any),
	}
	if len(b) > 0 {
		_ = json.Unmarshal(b, &ctx.data)
		if ctx.data == nil {
			ctx.data = make(map[string]any)
		}
	}
	return ctx
}

func NewJSONContextFromMap(m map[string]any) *JSONContext {
	if m == nil {
		m = make(map[string]any)
	}
	return &JSONContext{data: m}
}

// Get 获取值，支持嵌套路径
// 例如: Get("user", "name") 获取 user.name
func (c *JSONContext) Get(keys ...string) (any, bool) {
	if c == nil || len(keys) == 0 {
		return nil, false
	}
	current := any(c.data)
	for _, key := range keys {
		currentMap, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		val, exists := currentMap[key]
		if !exists {
			return nil, false
		}
		current = val
	}
	return current, true
}

func (c *JSONContext) GetString(keys ...string) (string, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return "", false
	}
	str, ok := val.(string)
	return str, ok
}

func (c *JSONContext) GetInt64(keys ...string) (int64, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

func (c *JSONContext) GetBool(keys ...string) (bool, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return false, false
	}
	b, ok := val.(bool)
	return b, ok
}

// Set 设置值，支持嵌套路径, 中间路径不是 map 会被覆盖
// 例如: Set([]string{"user", "name"}, "张三") 设置 user.name = "张三"
func (c *JSONContext) Set(keys []string, value any) error {
	if len(keys) == 0 {
		return errors.New("keys cannot be empty")
	}
	current := c.data
	for _, key := range keys[:len(keys)-1] {
		nextMap, ok := current[key].(map[string]any)
		if !ok {
			nextMap = make(map[string]any)
			current[key] = nextMap
		}
		current = nextMap
	}
	current[keys[len(keys)-1]] = value
	return nil
}

func (c *JSONContext) Delete(keys ...string) {
	if len(keys) == 0 {
		return
	}
	current := c.data
	for _, key := range keys[:len(keys)-1] {
		nextMap, ok := current[key].(map[string]any)
		if !ok {
			return
		}
		current = nextMap
	}
	delete(current, keys[len(keys)-1])
}

func (c *JSONContext) ToBytes() ([]byte, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c.data)
}

// ToMap 返回底层 map（注意：返回的是引用）
func (c *JSONContext) ToMap() map[string]any {
	return c.data
}

// Clone 深拷贝, nil 得到空上下文
func (c *JSONContext) Clone() *JSONContext {
	b, err := c.ToBytes()
	if err != nil {
		return NewJSONContext(nil)
	}
	return NewJSONContext(b)
}

// Unmarshal 将上下文反序列化到指定结构体
func (c *JSONContext) Unmarshal(v any) error {
	b, err := c.ToBytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func (c *JSONContext) MarshalJSON() ([]byte, error) {
	return c.ToBytes()
}

func (c *JSONContext) UnmarshalJSON(b []byte) error {
	data := make(map[string]any)
	if err := json.Unmarshal(b, &data); err != nil {
		return errors.Wrapf(err, "unmarshal json context failed")
	}
	if data == nil {
		data = make(map[string]any)
	}
	c.data = data
	return nil
}

// nodeOutput 去掉引擎写入的字段, 只保留节点自己产生的数据, 用来拼下游的 pre_node_context
func nodeOutput(c *JSONContext) map[string]any {
	output := c.Clone()
	output.Delete(NodeContextKeyPreNodeContext)
	output.Delete(NodeContextKeyWorkflowContext)
	output.Delete(NodeContextKeySystem)
	output.Delete(NodeContextKeyNodeID)
	output.Delete(NodeContextKeyNodeData)
	return output.ToMap()
}
