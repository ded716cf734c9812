package app

import (
	"context"

	"github.com/google/uuid"

	"ops-platform/internal/ingest"
	"ops-platform/internal/queue"
	"ops-platform/pkg/config"
	"ops-platform/pkg/log"
)

// IngestWorkers 对象转换与 ingestion 合并两段消费者。
// worker 进程总是运行；队列为 memory 时 api 进程自行运行，否则入队的通知无人消费。
type IngestWorkers struct {
	process   *queue.Consumer
	sync      *queue.Consumer
	coalescer *ingest.Coalescer
}

// NewIngestWorkers 装配 process -> Pipeline -> sync -> Coalescer -> Trigger
func NewIngestWorkers(b *Bootstrap, processQ, syncQ queue.Queue, trigger ingest.Trigger) *IngestWorkers {
	cfg := b.Config
	if trigger == nil {
		trigger = NewIngestTrigger(cfg, b.Logger)
	}
	pipeline := ingest.NewPipeline(ingest.PipelineConfig{
		Source:       b.Objects,
		Target:       b.Objects,
		TargetBucket: cfg.Ingest.TargetBucket,
		Suffix:       cfg.Ingest.TargetSuffix,
		Sync:         syncQ,
		Logger:       b.Logger,
	})
	coalescer := ingest.NewCoalescer(trigger, ingest.CoalescerConfig{
		BatchSize: cfg.Queue.Sync.BatchSize,
		Window:    cfg.Queue.Sync.BatchWindow,
		Queue:     syncQ,
		Logger:    b.Logger,
	})
	return &IngestWorkers{
		process:   queue.NewConsumer(processQ, pipeline, consumerConfig(cfg.Queue.Process), b.Logger),
		sync:      queue.NewConsumer(syncQ, coalescer, consumerConfig(cfg.Queue.Sync), b.Logger),
		coalescer: coalescer,
	}
}

// NewIngestTrigger 配置了 endpoint 时调用外部 ingestion 服务，否则只记录日志
func NewIngestTrigger(cfg *config.Config, logger *log.Logger) ingest.Trigger {
	if cfg.Ingest.Endpoint != "" {
		return ingest.NewHTTPTrigger(cfg.Ingest.Endpoint, cfg.Ingest.KnowledgeBaseID, cfg.Ingest.DataSourceID, 0)
	}
	return ingest.FuncTrigger(func(_ context.Context, items []ingest.SyncItem) (string, error) {
		jobID := "local-" + uuid.New().String()
		logger.Info("ingestion endpoint not configured, batch logged only", "job_id", jobID, "items", len(items))
		return jobID, nil
	})
}

func consumerConfig(spec config.QueueSpec) queue.ConsumerConfig {
	return queue.ConsumerConfig{
		BatchSize:   spec.BatchSize,
		BatchWindow: spec.BatchWindow,
		Concurrency: spec.Concurrency,
	}
}

// Start 启动两段消费者
func (w *IngestWorkers) Start(ctx context.Context) {
	w.process.Start(ctx)
	w.sync.Start(ctx)
}

// Stop 停止拉取、等待在途批次，并把合并器中剩余的条目触发掉
func (w *IngestWorkers) Stop(ctx context.Context) {
	w.process.Stop()
	w.sync.Stop()
	w.coalescer.Flush(ctx)
	w.coalescer.Close()
}
