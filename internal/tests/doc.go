// Package tests autoflow 引擎的集成测试
//
// 使用 sqlite 内存库和 miniredis, 覆盖从注册工作流, 调度触发, worker 执行到实例结束落库的完整链路。
// 单个组件的测试在各自的包里。
//
// 运行测试:
//
//	go test ./internal/tests/...
package tests
