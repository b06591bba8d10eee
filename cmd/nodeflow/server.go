package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/BaSui01/nodeflow/agent/bus"
	"github.com/BaSui01/nodeflow/agent/orchestrator"
	"github.com/BaSui01/nodeflow/agent/protocol"
	"github.com/BaSui01/nodeflow/api/handlers"
	"github.com/BaSui01/nodeflow/config"
	"github.com/BaSui01/nodeflow/internal/cache"
	"github.com/BaSui01/nodeflow/internal/database"
	"github.com/BaSui01/nodeflow/internal/metrics"
	"github.com/BaSui01/nodeflow/internal/migration"
	"github.com/BaSui01/nodeflow/internal/server"
	"github.com/BaSui01/nodeflow/internal/telemetry"
	"github.com/BaSui01/nodeflow/llm"
	"github.com/BaSui01/nodeflow/llm/providers/openrouter"
	"github.com/BaSui01/nodeflow/llm/tokenizer"
	"github.com/BaSui01/nodeflow/workflow"
	"github.com/BaSui01/nodeflow/workflow/dsl"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// =============================================================================
// 🖥️ Server
// =============================================================================

// Server 组装 NodeFlow 的全部组件：Redis、消息总线、Agent 上下文协议、编排器、
// 带缓存的 LLM 服务、工作流执行器以及 API / Metrics 两个 HTTP 服务
type Server struct {
	cfg       *config.Config
	logger    *zap.Logger
	telemetry *telemetry.Providers

	collector *metrics.Collector
	recorder  *telemetry.Recorder

	cache    *cache.Manager
	db       *database.PoolManager
	mongo    *mongo.Client
	bus      *bus.MessageBus
	acp      *protocol.Protocol
	orch     *orchestrator.Orchestrator
	llm      *llm.CachedService
	store    workflow.Store
	executor *workflow.Executor
	notifier *workflow.Notifier
	watcher  *config.DirWatcher
	health   *handlers.HealthHandler

	httpManager    *server.Manager
	metricsManager *server.Manager

	// 后台循环（总线监听、限流清理、目录监听）的生命周期
	cancel context.CancelFunc
}

// NewServer 创建服务器；otelProviders 可为 nil
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers) *Server {
	return &Server{cfg: cfg, logger: logger, telemetry: otelProviders}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 按依赖顺序初始化组件并启动 HTTP 服务（非阻塞）
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	s.collector = metrics.NewCollector("nodeflow", s.logger)
	s.recorder = telemetry.NewRecorder(s.collector, otel.Meter("nodeflow"))
	s.health = handlers.NewHealthHandler(s.logger)

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"redis", s.initCache},
		{"agents", s.initAgents},
		{"llm", s.initLLM},
		{"run store", s.initStore},
		{"executor", s.initExecutor},
		{"definitions", s.initDefinitions},
		{"http server", s.startHTTPServer},
		{"metrics server", s.startMetricsServer},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			return fmt.Errorf("failed to init %s: %w", step.name, err)
		}
	}

	s.logger.Info("all servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("communication_mode", s.cfg.Workflow.CommunicationMode),
		zap.String("run_store", s.cfg.Workflow.RunStore),
	)
	return nil
}

func (s *Server) initCache(_ context.Context) error {
	rc := s.cfg.Redis
	mgr, err := cache.NewManager(cache.Config{
		Addr:                rc.Addr,
		Password:            rc.Password,
		DB:                  rc.DB,
		DefaultTTL:          s.cfg.Cache.DefaultTTL,
		MaxRetries:          rc.MaxRetries,
		PoolSize:            rc.PoolSize,
		MinIdleConns:        rc.MinIdleConns,
		HealthCheckInterval: rc.HealthCheckInterval,
		TLSEnabled:          rc.TLSEnabled,
	}, s.logger)
	if err != nil {
		return err
	}
	s.cache = mgr
	s.health.RegisterCheck(handlers.NewPingCheck("redis", mgr.Ping))
	return nil
}

// initAgents 消息总线、上下文协议与编排器共用同一个 Redis 客户端
func (s *Server) initAgents(ctx context.Context) error {
	s.bus = bus.New(s.cache.Client(), s.logger, bus.WithMetrics(s.recorder))
	s.acp = protocol.New(protocol.NewContextStore(s.cache, s.cfg.Agent.ContextTTL, s.logger), s.logger)
	s.bus.Start(ctx)
	return nil
}

func (s *Server) initLLM(ctx context.Context) error {
	lc := s.cfg.LLM
	if lc.APIKey == "" {
		s.logger.Warn("llm api key not configured, upstream calls will be rejected")
	}
	provider := openrouter.New(openrouter.Config{
		APIKey:            lc.APIKey,
		BaseURL:           lc.BaseURL,
		Timeout:           lc.Timeout,
		MaxRetries:        lc.MaxRetries,
		HTTPReferer:       lc.HTTPReferer,
		AppTitle:          lc.AppTitle,
		RequestsPerSecond: lc.RequestsPerSecond,
	}, s.logger)

	// 未启用缓存时传入 nil 接口，CachedService 退化为直连
	var rc llm.ResponseCache
	if s.cfg.Cache.Enabled {
		rc = s.cache
	}
	s.llm = llm.NewCachedService(provider, rc, s.logger,
		llm.WithMetrics(s.recorder),
		llm.WithTokenizer(func(model string) tokenizer.Tokenizer {
			return tokenizer.ForModel(model, s.logger)
		}),
	)

	ac := s.cfg.Agent
	s.orch = orchestrator.New(s.llm, s.acp, s.bus, orchestrator.Config{
		MaxAgents:        ac.MaxAgents,
		TaskTimeout:      ac.TaskTimeout,
		TaskPollInterval: ac.TaskPollInterval,
		DefaultModel:     lc.DefaultModel,
	}, s.logger, orchestrator.WithMetrics(s.recorder))
	s.orch.RegisterTaskHandler("*", s.orch.LLMTaskHandler())
	return s.orch.Start(ctx)
}

// initStore 按 run_store 选择工作流与运行记录的存储
func (s *Server) initStore(ctx context.Context) error {
	switch s.cfg.Workflow.RunStore {
	case "database":
		dc := s.cfg.Database
		if dc.AutoMigrate {
			if err := applyMigrations(ctx, dc); err != nil {
				return err
			}
		}
		pm, err := database.Open(dc, s.logger)
		if err != nil {
			return err
		}
		s.db = pm
		store := workflow.NewGormStore(pm.DB(), s.logger)
		// sqlite 常用于本地开发，未执行迁移时直接按模型建表
		if dc.Driver == "sqlite" && !dc.AutoMigrate {
			if err := store.AutoMigrate(ctx); err != nil {
				return err
			}
		}
		s.store = store
		s.health.RegisterCheck(handlers.NewPingCheck("database", pm.Ping))

	case "mongo":
		mc := s.cfg.Mongo
		opts := options.Client().ApplyURI(mc.URI)
		if mc.Timeout > 0 {
			opts.SetTimeout(mc.Timeout)
		}
		client, err := mongo.Connect(opts)
		if err != nil {
			return fmt.Errorf("failed to connect mongo: %w", err)
		}
		s.mongo = client
		store, err := workflow.NewMongoStore(workflow.MongoOptions{
			Client:              client,
			Database:            mc.Database,
			WorkflowsCollection: mc.WorkflowsCollection,
			RunsCollection:      mc.RunsCollection,
			Timeout:             mc.Timeout,
		})
		if err != nil {
			return err
		}
		s.store = store
		s.health.RegisterCheck(handlers.NewPingCheck("mongo", func(ctx context.Context) error {
			return client.Ping(ctx, nil)
		}))

	default:
		s.store = workflow.NewMemoryStore()
	}
	s.logger.Info("run store ready", zap.String("kind", s.cfg.Workflow.RunStore))
	return nil
}

func applyMigrations(ctx context.Context, dc config.DatabaseConfig) error {
	m, err := migration.NewMigratorFromDatabaseConfig(dc)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

func (s *Server) initExecutor(_ context.Context) error {
	wc := s.cfg.Workflow
	execCfg := workflow.Config{
		NodeTimeout:  wc.NodeTimeout,
		AskTimeout:   wc.AskTimeout,
		DefaultMode:  workflow.CommunicationMode(wc.CommunicationMode),
		DefaultModel: s.cfg.LLM.DefaultModel,
	}

	var webhook workflow.WebhookClient = workflow.NewHTTPWebhookClient(wc.NodeTimeout)
	if wc.Breaker.Enabled {
		webhook = workflow.NewBreakerWebhookClient(webhook, workflow.BreakerConfig{
			FailureThreshold: wc.Breaker.FailureThreshold,
			Cooldown:         wc.Breaker.Cooldown,
			HalfOpenProbes:   wc.Breaker.HalfOpenProbes,
			RecoverAfter:     wc.Breaker.RecoverAfter,
		}, s.logger)
	}

	s.notifier = workflow.NewNotifier(s.logger)
	s.executor = workflow.NewExecutor(s.llm, s.store, execCfg, s.logger,
		workflow.WithMetrics(s.recorder),
		workflow.WithCommunicator(workflow.NewPubSubCommunicator(s.llm, s.orch, s.bus, execCfg, s.logger,
			workflow.WithCommMetrics(s.recorder))),
		workflow.WithEmailSender(workflow.NewLogEmailSender(s.logger)),
		workflow.WithWebhookClient(webhook),
		workflow.WithObserver(s.notifier),
	)
	return nil
}

// initDefinitions 加载 definitions_dir 下的 YAML 工作流并持续监听变更
func (s *Server) initDefinitions(ctx context.Context) error {
	dir := s.cfg.Workflow.DefinitionsDir
	if dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("workflow definitions dir not found, skipping", zap.String("dir", dir))
		return nil
	}

	w, err := config.NewDirWatcher(dir,
		config.WithPollInterval(s.cfg.Workflow.WatchInterval),
		config.WithExtensions(".yaml", ".yml"),
		config.WithWatcherLogger(s.logger),
	)
	if err != nil {
		return err
	}

	parser := dsl.NewParser()
	files, err := w.Files()
	if err != nil {
		return err
	}
	for _, f := range files {
		s.loadDefinition(ctx, parser, f)
	}

	w.OnChange(func(ev config.FileEvent) {
		if ev.Op == config.FileOpRemove {
			// 已注册的定义保留，正在引用它的运行不受影响
			s.logger.Info("workflow definition file removed", zap.String("path", ev.Path))
			return
		}
		s.loadDefinition(ctx, parser, ev.Path)
	})
	if err := w.Start(ctx); err != nil {
		return err
	}
	s.watcher = w
	return nil
}

func (s *Server) loadDefinition(ctx context.Context, parser *dsl.Parser, path string) {
	wf, err := parser.ParseFile(path)
	if err != nil {
		s.logger.Warn("invalid workflow definition", zap.String("path", path), zap.Error(err))
		return
	}
	if existing, err := s.store.GetWorkflow(ctx, wf.ID); err == nil && existing != nil {
		wf.CreatedAt = existing.CreatedAt
	}
	if err := s.store.SaveWorkflow(ctx, wf); err != nil {
		s.logger.Error("failed to register workflow definition", zap.String("path", path), zap.Error(err))
		return
	}
	s.logger.Info("workflow definition loaded",
		zap.String("workflow_id", wf.ID),
		zap.String("file", filepath.Base(path)),
		zap.Int("nodes", len(wf.Nodes)))
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// 健康检查
	mux.HandleFunc("GET /health", s.health.HandleHealth)
	mux.HandleFunc("GET /healthz", s.health.HandleHealthz)
	mux.HandleFunc("GET /ready", s.health.HandleReady)
	mux.HandleFunc("GET /readyz", s.health.HandleReady)
	mux.HandleFunc("GET /version", s.health.HandleVersion(Version, BuildTime, GitCommit))

	// 工作流
	wh := handlers.NewWorkflowHandler(s.store, s.executor, s.notifier, s.logger)
	mux.HandleFunc("POST /api/v1/workflows", wh.HandleCreateWorkflow)
	mux.HandleFunc("GET /api/v1/workflows", wh.HandleListWorkflows)
	mux.HandleFunc("GET /api/v1/workflows/{id}", wh.HandleGetWorkflow)
	mux.HandleFunc("POST /api/v1/workflows/{id}/execute", wh.HandleExecute)
	mux.HandleFunc("GET /api/v1/executions", wh.HandleListExecutions)
	mux.HandleFunc("GET /api/v1/executions/{id}", wh.HandleGetExecution)
	mux.HandleFunc("GET /api/v1/executions/{id}/events", wh.HandleExecutionEvents)

	// AI
	ch := handlers.NewChatHandler(s.llm, llm.NewModelRegistry(), s.cache, s.orch, s.logger)
	mux.HandleFunc("POST /api/v1/ai/chat", ch.HandleChat)
	mux.HandleFunc("GET /api/v1/ai/models", ch.HandleListModels)
	mux.HandleFunc("GET /api/v1/ai/stats", ch.HandleStats)
	mux.HandleFunc("DELETE /api/v1/ai/cache", ch.HandleInvalidateCache)

	// Agent
	ah := handlers.NewAgentHandler(s.orch, s.acp, s.logger)
	mux.HandleFunc("POST /api/v1/agents", ah.HandleRegisterAgent)
	mux.HandleFunc("GET /api/v1/agents", ah.HandleListAgents)
	mux.HandleFunc("GET /api/v1/agents/{id}", ah.HandleGetAgent)
	mux.HandleFunc("DELETE /api/v1/agents/{id}", ah.HandleUnregisterAgent)
	mux.HandleFunc("GET /api/v1/agents/{id}/context", ah.HandleGetContext)
	mux.HandleFunc("POST /api/v1/agents/{id}/memories", ah.HandleAddMemory)
	mux.HandleFunc("GET /api/v1/agents/{id}/memories", ah.HandleGetMemories)
	mux.HandleFunc("POST /api/v1/agents/{id}/rules", ah.HandleAddRule)
	mux.HandleFunc("GET /api/v1/agents/{id}/rules", ah.HandleListRules)
	mux.HandleFunc("PATCH /api/v1/agents/{id}/state", ah.HandleUpdateState)
	mux.HandleFunc("PUT /api/v1/agents/{id}/preferences", ah.HandleSetPreferences)
	mux.HandleFunc("POST /api/v1/agents/{id}/ask", ah.HandleAsk)

	// 任务
	th := handlers.NewTaskHandler(s.orch, s.logger)
	mux.HandleFunc("POST /api/v1/tasks", th.HandleCreateTask)
	mux.HandleFunc("GET /api/v1/tasks", th.HandleListTasks)
	mux.HandleFunc("GET /api/v1/tasks/{id}", th.HandleGetTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/assign", th.HandleAssignTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/execute", th.HandleExecuteTask)

	return mux
}

// skipAuthPaths 探活与版本端点不需要 API Key
var skipAuthPaths = []string{"/health", "/healthz", "/ready", "/readyz", "/version"}

func (s *Server) startHTTPServer(ctx context.Context) error {
	sc := s.cfg.Server
	handler := Chain(s.routes(),
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		MetricsMiddleware(s.collector),
		RequestLogger(s.logger),
		CORS(sc.CORSAllowedOrigins),
		RateLimiter(ctx, float64(sc.RateLimitRPS), sc.RateLimitBurst, s.logger),
		APIKeyAuth(sc.APIKeys, skipAuthPaths, sc.AllowQueryAPIKey, s.logger),
	)

	s.httpManager = server.NewManager(handler, server.APIConfig(sc), s.logger)
	// 关闭监听后等待异步运行写完最终状态
	s.httpManager.RegisterOnShutdown(s.executor.Wait)
	return s.httpManager.Start()
}

func (s *Server) startMetricsServer(_ context.Context) error {
	if s.cfg.Server.MetricsPort == 0 {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	s.metricsManager = server.NewManager(mux, server.MetricsConfig(s.cfg.Server), s.logger)
	return s.metricsManager.Start()
}

// Wait 阻塞到 ctx 结束（信号）或任一 HTTP 服务意外退出
func (s *Server) Wait(ctx context.Context) error {
	var metricsErrs <-chan error
	if s.metricsManager != nil {
		metricsErrs = s.metricsManager.Errors()
	}
	select {
	case <-ctx.Done():
		return nil
	case err := <-s.httpManager.Errors():
		return err
	case err := <-metricsErrs:
		return err
	}
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// Shutdown 先停止接收请求，再按依赖的逆序释放组件
func (s *Server) Shutdown(ctx context.Context) {
	s.logger.Info("starting graceful shutdown")

	for _, m := range []*server.Manager{s.httpManager, s.metricsManager} {
		if m == nil {
			continue
		}
		if err := m.Shutdown(ctx); err != nil {
			s.logger.Error("server shutdown error", zap.Error(err))
		}
	}

	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.executor != nil {
		s.executor.Wait()
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			s.logger.Warn("message bus close error", zap.Error(err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("database close error", zap.Error(err))
		}
	}
	if s.mongo != nil {
		if err := s.mongo.Disconnect(ctx); err != nil {
			s.logger.Warn("mongo disconnect error", zap.Error(err))
		}
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Warn("redis close error", zap.Error(err))
		}
	}
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			s.logger.Warn("telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("graceful shutdown completed")
}
