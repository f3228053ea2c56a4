package app

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/blingmoon/autoflow/config"
	"github.com/blingmoon/autoflow/internal/commonregister"
	"github.com/blingmoon/autoflow/workflow"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type Options struct {
	ConfigPath string
	Demo       bool
}

// Engine 命令行使用的一套完整引擎
type Engine struct {
	Config   *config.Config
	Service  *workflow.WorkflowServiceImpl
	Repo     workflow.WorkflowRepo
	Registry *prometheus.Registry

	db          *gorm.DB
	redisClient *redis.Client
}

var openDatabase = func(c config.DatabaseConfig) (*gorm.DB, error) {
	return c.OpenDB()
}

func NewEngine(ctx context.Context, options *Options) (*Engine, error) {
	cfg, err := config.Load(options.ConfigPath)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(cfg.Log.NewLogger(os.Stderr))

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return nil, err
	}
	engine := &Engine{Config: cfg, db: db}
	succeeded := false
	defer func() {
		if !succeeded {
			engine.Close()
		}
	}()
	repo := workflow.NewWorkflowRepo(db)
	engine.Repo = repo

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := workflow.NewMetrics(cfg.Metrics.Namespace, reg)

	engine.Registry = reg
	lock := workflow.NewLocalWorkflowLock()
	engineOpts := []workflow.EngineOption{
		workflow.WithEngineConfig(cfg.Engine),
		workflow.WithEngineMetrics(metrics),
	}
	if cfg.Redis.Enabled() {
		engine.redisClient = cfg.Redis.NewClient()
		if err := engine.redisClient.Ping(ctx).Err(); err != nil {
			return nil, errors.Wrapf(err, "ping redis %s", cfg.Redis.Addr)
		}
		lock = workflow.NewRedisWorkflowLock(engine.redisClient)
		// 只共享启动任务, 节点任务留在启动实例的副本上执行
		engineOpts = append(engineOpts, workflow.WithLaunchQueue(
			workflow.NewRedisQueue(engine.redisClient, cfg.Redis.QueueKey, cfg.Engine.Worker.FetchBatchSize)))
	}

	registry := workflow.NewHandlerRegistry()
	if err := commonregister.RegisterBuiltinHandlers(registry); err != nil {
		return nil, err
	}
	if err := commonregister.RegisterApprovalHandlers(registry); err != nil {
		return nil, err
	}
	service, err := workflow.NewWorkflowService(repo, lock, registry, engineOpts...)
	if err != nil {
		return nil, err
	}
	engine.Service = service

	if err := engine.registerWorkflows(ctx, options.Demo); err != nil {
		return nil, err
	}
	succeeded = true
	return engine, nil
}

func (e *Engine) registerWorkflows(ctx context.Context, demo bool) error {
	for _, path := range e.Config.Workflows {
		b, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrapf(err, "read workflow file %s", path)
		}
		graph, err := workflow.ParseGraphConfig(b)
		if err != nil {
			return errors.WithMessagef(err, "workflow file %s", path)
		}
		if err := e.Service.RegisterWorkflow(ctx, graph); err != nil {
			return err
		}
	}
	if demo {
		graph, err := commonregister.ApprovalWorkflowGraph()
		if err != nil {
			return err
		}
		if err := e.Service.RegisterWorkflow(ctx, graph); err != nil {
			return err
		}
	}
	return nil
}

// ServeMetrics 配置了 metrics.addr 时暴露 /metrics, ctx 取消后关闭
func (e *Engine) ServeMetrics(ctx context.Context) {
	if e.Config.Metrics.Addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.Registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: e.Config.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		slog.Info("metrics server listening", slog.String("addr", e.Config.Metrics.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server stopped", slog.String("error", err.Error()))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
}

func (e *Engine) Close() {
	if e.redisClient != nil {
		_ = e.redisClient.Close()
	}
	if e.db != nil {
		if sqlDB, err := e.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
