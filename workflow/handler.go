package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// TaskHandler 任务处理器,需要外部实现
// Executor 每一轮都会依次调用三个阶段, 前面的阶段失败后面的也照常调用,
// 任何一个返回错误本轮就算失败, 由 Executor 决定是否重试
type TaskHandler interface {
	/**
	 * @description: 执行前的准备, 例如参数校验
	 * @param ctx context.Context 上下文
	 * @param data *JSONContext 任务数据, 三个阶段共享同一个对象, 修改会传给下游节点
	 * @return error nil表示成功
	 */
	Before(ctx context.Context, data *JSONContext) error
	/**
	 * @description: 任务主体
	 */
	Handle(ctx context.Context, data *JSONContext) error
	/**
	 * @description: 执行后的收尾, 例如写入输出
	 */
	After(ctx context.Context, data *JSONContext) error
}

type HandleFunc func(ctx context.Context, data *JSONContext) error

type EmptyTaskHandler struct{}

func (h EmptyTaskHandler) Before(ctx context.Context, data *JSONContext) error {
	return nil
}

func (h EmptyTaskHandler) Handle(ctx context.Context, data *JSONContext) error {
	return errors.New("Not implemented")
}

func (h EmptyTaskHandler) After(ctx context.Context, data *JSONContext) error {
	return nil
}

/**
 * @description: 只需要实现 Handle 的处理器嵌入这个
 */
type BaseTaskHandler struct {
	EmptyTaskHandler
}

func (h BaseTaskHandler) Handle(ctx context.Context, data *JSONContext) error {
	return nil
}

type NormalTaskHandler struct {
	BaseTaskHandler
	before HandleFunc
	handle HandleFunc
	after  HandleFunc
}

func (h NormalTaskHandler) Before(ctx context.Context, data *JSONContext) error {
	if h.before == nil {
		return h.BaseTaskHandler.Before(ctx, data)
	}
	return h.before(ctx, data)
}

func (h NormalTaskHandler) Handle(ctx context.Context, data *JSONContext) error {
	if h.handle == nil {
		return h.BaseTaskHandler.Handle(ctx, data)
	}
	return h.handle(ctx, data)
}

func (h NormalTaskHandler) After(ctx context.Context, data *JSONContext) error {
	if h.after == nil {
		return h.BaseTaskHandler.After(ctx, data)
	}
	return h.after(ctx, data)
}

// NewNormalTaskHandler 任意阶段传 nil 表示该阶段什么都不做
func NewNormalTaskHandler(before, handle, after HandleFunc) *NormalTaskHandler {
	return &NormalTaskHandler{
		before: before,
		handle: handle,
		after:  after,
	}
}

// NewHandleFuncHandler 只有 Handle 阶段的处理器
func NewHandleFuncHandler(handle HandleFunc) *NormalTaskHandler {
	return NewNormalTaskHandler(nil, handle, nil)
}

// RunCycle 执行一轮: before, handle, after 都会被调用, 返回第一个失败阶段的错误
// 某个阶段 panic 只算这个阶段失败, 不影响后面的阶段
func RunCycle(ctx context.Context, handler TaskHandler, data *JSONContext) error {
	phases := []struct {
		name string
		fn   HandleFunc
	}{
		{"before", handler.Before},
		{"handle", handler.Handle},
		{"after", handler.After},
	}
	var first error
	for _, phase := range phases {
		if err := runPhase(ctx, phase.name, phase.fn, data); err != nil && first == nil {
			first = errors.WithMessage(err, phase.name)
		}
	}
	return first
}

func runPhase(ctx context.Context, name string, fn HandleFunc, data *JSONContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, fmt.Sprintf("task handler %s panic: %v, stack: %s", name, r, string(debug.Stack())))
			err = errors.WithMessagef(ErrTaskHandlerPanic, "%v", r)
		}
	}()
	return fn(ctx, data)
}

// Exec 不重试, 依次执行三个阶段, 遇到失败立即返回
func Exec(ctx context.Context, handler TaskHandler, data *JSONContext) error {
	if err := handler.Before(ctx, data); err != nil {
		return errors.WithMessage(err, "before")
	}
	if err := handler.Handle(ctx, data); err != nil {
		return errors.WithMessage(err, "handle")
	}
	if err := handler.After(ctx, data); err != nil {
		return errors.WithMessage(err, "after")
	}
	return nil
}

// HandlerRegistry task_type -> handler
// 交给 Worker 时会拷贝一份, Worker 运行期间只读
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]TaskHandler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]TaskHandler),
	}
}

func (r *HandlerRegistry) Register(taskType string, handler TaskHandler) error {
	if taskType == "" || handler == nil {
		return errors.WithMessagef(ErrWorkflowParamInvalid, "register handler, task_type:%q", taskType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[taskType]; ok {
		return errors.WithMessagef(ErrTaskHandlerAlreadyRegistered, "task_type:%s", taskType)
	}
	r.handlers[taskType] = handler
	return nil
}

// MustRegister 初始化阶段使用, 重复注册直接 panic
func (r *HandlerRegistry) MustRegister(taskType string, handler TaskHandler) {
	if err := r.Register(taskType, handler); err != nil {
		panic(err)
	}
}

func (r *HandlerRegistry) Get(taskType string) (TaskHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[taskType]
	return handler, ok
}

func (r *HandlerRegistry) TaskTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for taskType := range r.handlers {
		types = append(types, taskType)
	}
	sort.Strings(types)
	return types
}

func (r *HandlerRegistry) snapshot() map[string]TaskHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handlers := make(map[string]TaskHandler, len(r.handlers))
	for taskType, handler := range r.handlers {
		handlers[taskType] = handler
	}
	return handlers
}
