package api

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
	"golang.org/x/time/rate"

	"ops-platform/internal/action"
	"ops-platform/internal/api/http"
	"ops-platform/internal/api/http/middleware"
	"ops-platform/internal/app"
	"ops-platform/internal/archive"
	"ops-platform/internal/chat"
	"ops-platform/internal/eventbus"
	"ops-platform/internal/queue"
	"ops-platform/internal/storage/cache"
	"ops-platform/internal/workflow"
	"ops-platform/pkg/config"
	"ops-platform/pkg/log"
	"ops-platform/pkg/redaction"
)

// otelProviderShutdown 用于优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App API 应用：进程内承载事件总线、归档 sink 与工作流引擎，对外提供 HTTP 接口
type App struct {
	config       *app.Bootstrap
	bus          *eventbus.Bus
	sink         *archive.Sink
	engine       *workflow.Engine
	queues       map[string]queue.Queue
	workers      *app.IngestWorkers
	router       *http.Router
	hertz        *server.Hertz
	otelProvider otelProviderShutdown
}

// NewApp 创建 API 应用（由 cmd/api 调用）
func NewApp(bootstrap *app.Bootstrap) (*App, error) {
	cfg := bootstrap.Config
	logger := bootstrap.Logger

	processQ, err := bootstrap.NewQueue(cfg.Queue.Process)
	if err != nil {
		return nil, fmt.Errorf("初始化处理队列失败: %w", err)
	}
	syncQ, err := bootstrap.NewQueue(cfg.Queue.Sync)
	if err != nil {
		return nil, fmt.Errorf("初始化同步队列失败: %w", err)
	}

	redactor, err := newRedactor(bootstrap)
	if err != nil {
		return nil, fmt.Errorf("初始化归档脱敏失败: %w", err)
	}
	sink := archive.NewSink(bootstrap.Objects, archive.Options{
		Prefix:         cfg.Archive.Prefix,
		ErrorPrefix:    cfg.Archive.ErrorPrefix,
		BufferBytes:    cfg.Archive.BufferBytes,
		BufferInterval: cfg.Archive.BufferInterval,
		PartitionKeys:  partitionKeys(cfg.Archive.PartitionKeys),
		Redactor:       redactor,
		Logger:         logger,
	})

	engine := workflow.NewEngine(workflow.Options{
		Store:            bootstrap.ExecutionStore(),
		Tokens:           bootstrap.TokenStore(),
		ExecutionTimeout: cfg.Workflow.ExecutionTimeout,
		CallbackURL:      strings.TrimRight(cfg.API.PublicURL, "/") + cfg.Workflow.CallbackPath,
		Logger:           logger,
	})

	bus := eventbus.New(eventbus.Options{
		Workers:   cfg.Bus.Workers,
		QueueSize: cfg.Bus.QueueSize,
		Retry: eventbus.RetryPolicy{
			MaxAttempts:    cfg.Bus.Retry.MaxAttempts,
			InitialBackoff: cfg.Bus.Retry.InitialBackoff,
			Multiplier:     cfg.Bus.Retry.Multiplier,
			MaxBackoff:     cfg.Bus.Retry.MaxBackoff,
		},
		RateLimit: rate.Limit(cfg.Bus.RateLimitQPS),
		RateBurst: cfg.Bus.RateLimitBurst,
		Logger:    logger,
	})

	queues := map[string]queue.Queue{processQ.Name(): processQ, syncQ.Name(): syncQ}
	if cfg.Bus.RulesFile != "" {
		rules, err := eventbus.LoadRules(cfg.Bus.RulesFile, targetResolver(engine, sink, queues))
		if err != nil {
			return nil, err
		}
		for _, r := range rules {
			if err := bus.PutRule(r); err != nil {
				return nil, fmt.Errorf("注册规则 %s 失败: %w", r.Name, err)
			}
		}
		logger.Info("事件规则已加载", "file", cfg.Bus.RulesFile, "rules", len(rules))
	}

	dispatcher := action.NewDispatcher(logger)
	dispatcher.Register(action.ListTicketsPath, &action.TicketLister{
		Records: bootstrap.Records,
		Table:   cfg.Action.TicketTable,
	})
	inference, err := newInference(bootstrap)
	if err != nil {
		logger.Warn("推理服务未配置，问答将返回致歉文本", "error", err)
	} else {
		dispatcher.Register(action.AskPath, &action.Asker{Inference: inference})
	}

	frontDoor := chat.NewFrontDoor(chat.Config{
		VerificationToken: bootstrap.Secret(cfg.Slack.VerificationTokenKey, ""),
		Source:            cfg.Slack.CommandSource,
		DetailType:        cfg.Slack.CommandDetailType,
		BusName:           cfg.Slack.BusName,
	}, bus, logger)
	frontDoor.SetDeduper(cache.NewCache(bootstrap.Redis), cfg.Slack.DedupeTTL)

	var notifier *chat.Notifier
	if cfg.Slack.WebhookURL != "" {
		notifier = chat.NewNotifier(cfg.Slack.WebhookURL, 10*time.Second)
	}
	registerFunctions(engine, functionDeps{
		bus:        bus,
		records:    bootstrap.Records,
		dispatcher: dispatcher,
		notifier:   notifier,
	})

	if err := loadDefinitions(engine, cfg.Workflow.DefinitionsDir, logger); err != nil {
		return nil, err
	}

	handler := http.NewHandler(bus, engine)
	handler.SetDispatcher(dispatcher)
	handler.SetFrontDoor(frontDoor)
	handler.SetNoticeQueue(processQ)
	handler.AddQueue(syncQ)

	router := http.NewRouter(handler, middleware.NewMiddleware(logger))
	router.SetAudit(middleware.NewAuditMiddleware(&middleware.RecordAuditStore{Records: bootstrap.Records}))
	router.SetRateLimit(cfg.API.RateLimitQPS, cfg.API.RateLimitBurst)

	appObj := &App{
		config: bootstrap,
		bus:    bus,
		sink:   sink,
		engine: engine,
		queues: queues,
		router: router,
	}
	// 单进程模式：memory 队列只在本进程可见，由 API 自行消费；postgres 队列交给 worker 进程
	if cfg.Queue.Type != "postgres" {
		appObj.workers = app.NewIngestWorkers(bootstrap, processQ, syncQ, nil)
	}
	return appObj, nil
}

func partitionKeys(in []config.PartitionKeyConfig) []archive.PartitionKey {
	out := make([]archive.PartitionKey, 0, len(in))
	for _, k := range in {
		out = append(out, archive.PartitionKey{Name: k.Name, Path: k.Path})
	}
	return out
}

// newRedactor 归档脱敏；encrypt 规则的 key 从密钥存储读取
func newRedactor(b *app.Bootstrap) (*redaction.Engine, error) {
	rules := make([]redaction.RuleConfig, 0, len(b.Config.Archive.Redaction))
	for _, r := range b.Config.Archive.Redaction {
		rules = append(rules, redaction.RuleConfig{DetailType: r.DetailType, Path: r.Path, Mode: r.Mode, Salt: r.Salt})
	}
	policy, err := redaction.NewPolicy(rules)
	if err != nil {
		return nil, err
	}
	var key []byte
	if policy.NeedsKey() {
		if key, err = hex.DecodeString(b.Secret(b.Config.Archive.EncryptKeyName, "")); err != nil {
			return nil, fmt.Errorf("%s is not valid hex: %w", b.Config.Archive.EncryptKeyName, err)
		}
	}
	return redaction.NewEngine(policy, key)
}

// targetResolver 规则文件中的目标描述 -> 具体 Target
func targetResolver(engine *workflow.Engine, sink *archive.Sink, queues map[string]queue.Queue) eventbus.TargetResolver {
	return func(spec eventbus.TargetSpec) (eventbus.Target, error) {
		switch spec.Type {
		case "http":
			if spec.URL == "" {
				return nil, fmt.Errorf("http target %s: url is required", spec.Name)
			}
			name := spec.Name
			if name == "" {
				name = spec.URL
			}
			return eventbus.NewHTTPTarget(name, spec.URL, 0), nil
		case "workflow":
			if spec.Workflow == "" {
				return nil, fmt.Errorf("workflow target: workflow is required")
			}
			return &eventbus.WorkflowTarget{Engine: engine, Workflow: spec.Workflow}, nil
		case "archive":
			name := spec.Name
			if name == "" {
				name = "archive"
			}
			return &eventbus.ArchiveTarget{Name: name, Sink: sink}, nil
		case "queue":
			q, ok := queues[spec.Queue]
			if !ok {
				return nil, fmt.Errorf("queue target: unknown queue %q", spec.Queue)
			}
			return &eventbus.QueueTarget{Queue: q}, nil
		}
		return nil, fmt.Errorf("unknown target type %q", spec.Type)
	}
}

// newInference 按 action.inference.type 创建推理客户端
func newInference(b *app.Bootstrap) (action.Inference, error) {
	cfg := b.Config.Action.Inference
	switch cfg.Type {
	case "http":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("action.inference.endpoint is required")
		}
		return action.NewHTTPInference(cfg.Endpoint, cfg.Timeout), nil
	default:
		apiKey := b.Secret("INFERENCE_API_KEY", cfg.APIKey)
		if apiKey == "" {
			return nil, fmt.Errorf("inference api key is not configured")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return action.NewOpenAIInference(ctx, cfg.BaseURL, cfg.Model, apiKey, cfg.Timeout)
	}
}

// loadDefinitions 目录不存在时跳过，定义非法时启动失败
func loadDefinitions(engine *workflow.Engine, dir string, logger *log.Logger) error {
	if dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Warn("工作流定义目录不存在，跳过加载", "dir", dir)
		return nil
	}
	defs, err := workflow.LoadDefinitions(dir)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := engine.Register(def); err != nil {
			return fmt.Errorf("注册工作流 %s 失败: %w", def.Name, err)
		}
	}
	logger.Info("工作流定义已加载", "dir", dir, "workflows", engine.Definitions())
	return nil
}

// Run 启动 HTTP 服务，addr 如 ":8080"
func (a *App) Run(addr string) error {
	cfg := a.config.Config
	a.config.Logger.Info("API 服务启动", "addr", addr)

	// 使用 Hertz slog 扩展，与 bootstrap 配置对齐
	output := os.Stdout
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("打开日志文件失败: %w", err)
		}
		output = f
	}
	levelVar := &slog.LevelVar{}
	levelVar.Set(log.ParseLevel(&log.Config{Level: cfg.Log.Level}))
	hertzLogger := hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	)
	hlog.SetLogger(hertzLogger)

	// 可选：启用链路追踪（OpenTelemetry）
	if cfg.Monitoring.Tracing.Enable {
		serviceName := cfg.Monitoring.Tracing.ServiceName
		exportEndpoint := cfg.Monitoring.Tracing.ExportEndpoint
		if exportEndpoint == "" {
			exportEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		}
		if exportEndpoint != "" {
			opts := []provider.Option{
				provider.WithServiceName(serviceName),
				provider.WithExportEndpoint(exportEndpoint),
			}
			if cfg.Monitoring.Tracing.Insecure {
				opts = append(opts, provider.WithInsecure())
			}
			a.otelProvider = provider.NewOpenTelemetryProvider(opts...)
			tracerOpt, tracerCfg := hertztracing.NewServerTracer()
			a.hertz = a.router.Build(addr, tracerOpt)
			a.hertz.Use(hertztracing.ServerMiddleware(tracerCfg))
			a.config.Logger.Info("链路追踪已启用", "service_name", serviceName, "endpoint", exportEndpoint)
		}
	}
	if a.hertz == nil {
		a.hertz = a.router.Build(addr)
	}
	if a.workers != nil {
		a.workers.Start(context.Background())
		a.config.Logger.Info("进程内消费者已启动", "queues", []string{cfg.Queue.Process.Name, cfg.Queue.Sync.Name})
	}
	return a.hertz.Run()
}

// Shutdown 优雅关闭（传入 ctx 以支持超时，如 cmd 层 WithTimeout）：
// 先停止接收请求，再排空消费者、执行、投递，最后 flush 归档
func (a *App) Shutdown(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.hertz != nil {
		keep(a.hertz.Shutdown(ctx))
	}
	if a.workers != nil {
		a.workers.Stop(ctx)
	}
	keep(a.engine.Close(ctx))
	keep(a.bus.Close(ctx))
	keep(a.sink.Close(ctx))
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	a.config.Close()
	return firstErr
}
