package worker

import (
	"context"
	"fmt"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"ops-platform/internal/app"
	"ops-platform/internal/ingest"
	"ops-platform/internal/queue"
	"ops-platform/pkg/log"
	"ops-platform/pkg/metrics"
	"ops-platform/pkg/tracing"
)

// depthInterval 队列深度采样间隔
const depthInterval = 30 * time.Second

// App Worker 应用：消费 process 与 sync 两个队列（queue.type=postgres 时与 api 进程共享）
type App struct {
	bootstrap *app.Bootstrap
	logger    *log.Logger
	queues    []queue.Queue
	workers   *app.IngestWorkers
	tracer    *sdktrace.TracerProvider
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewApp 创建新的 Worker 应用；trigger 为 nil 时按配置创建
func NewApp(bootstrap *app.Bootstrap, trigger ingest.Trigger) (*App, error) {
	cfg := bootstrap.Config
	if cfg.Queue.Type == "memory" {
		bootstrap.Logger.Warn("queue.type=memory：worker 只能消费本进程内入队的消息")
	}
	processQ, err := bootstrap.NewQueue(cfg.Queue.Process)
	if err != nil {
		return nil, fmt.Errorf("初始化处理队列失败: %w", err)
	}
	syncQ, err := bootstrap.NewQueue(cfg.Queue.Sync)
	if err != nil {
		return nil, fmt.Errorf("初始化同步队列失败: %w", err)
	}

	a := &App{
		bootstrap: bootstrap,
		logger:    bootstrap.Logger,
		queues:    []queue.Queue{processQ, syncQ},
		workers:   app.NewIngestWorkers(bootstrap, processQ, syncQ, trigger),
	}
	if cfg.Monitoring.Tracing.Enable && cfg.Monitoring.Tracing.ExportEndpoint != "" {
		tp, err := tracing.InitTracer(tracing.OTelConfig{
			ServiceName:    cfg.Monitoring.Tracing.ServiceName + "-worker",
			ExportEndpoint: cfg.Monitoring.Tracing.ExportEndpoint,
			Insecure:       cfg.Monitoring.Tracing.Insecure,
		})
		if err != nil {
			return nil, fmt.Errorf("初始化链路追踪失败: %w", err)
		}
		a.tracer = tp
	}
	return a, nil
}

// Start 启动消费者与队列深度采样
func (a *App) Start() error {
	a.logger.Info("启动 worker 应用")
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})

	a.workers.Start(ctx)
	go a.sampleDepth(ctx)

	a.logger.Info("worker 应用启动成功", "queues", []string{a.queues[0].Name(), a.queues[1].Name()})
	return nil
}

func (a *App) sampleDepth(ctx context.Context) {
	defer close(a.done)
	ticker := time.NewTicker(depthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, q := range a.queues {
				n, err := q.Len(ctx)
				if err != nil {
					a.logger.Warn("读取队列深度失败", "queue", q.Name(), "error", err)
					continue
				}
				metrics.QueueDepth.WithLabelValues(q.Name()).Set(float64(n))
			}
		}
	}
}

// Shutdown 关闭应用：先停拉取并排空在途批次，再释放共享客户端
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("关闭 worker 应用")
	if a.cancel != nil {
		a.cancel()
		<-a.done
	}
	a.workers.Stop(ctx)
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Error("关闭链路追踪失败", "error", err)
		}
	}
	a.bootstrap.Close()
	a.logger.Info("worker 应用关闭成功")
	return nil
}
