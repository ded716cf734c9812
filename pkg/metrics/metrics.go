package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// DefaultRegistry 进程内指标注册表，/metrics 由此导出
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		EventsPublishedTotal, RuleMatchesTotal, DeliveriesTotal, DeliveryAttempts,
		ArchiveFlushTotal, ArchiveBytesTotal,
		ExecutionsTotal, StepDuration,
		QueueDepth, QueueReceivesTotal, QueueDeadLettersTotal,
		IngestionJobsTotal, ActionsTotal,
	)
}

var EventsPublishedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ops_events_published_total",
		Help: "发布到总线的事件数",
	},
	[]string{"bus"},
)

var RuleMatchesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ops_rule_matches_total",
		Help: "规则命中次数",
	},
	[]string{"rule"},
)

var DeliveriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ops_deliveries_total",
		Help: "目标投递结果",
	},
	[]string{"target", "outcome"}, // delivered | dropped | exhausted
)

var DeliveryAttempts = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "ops_delivery_attempts",
		Help:    "单次投递的尝试次数",
		Buckets: []float64{1, 2, 3, 5, 8},
	},
	[]string{"target"},
)

var ArchiveFlushTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ops_archive_flush_total",
		Help: "归档 flush 次数",
	},
	[]string{"reason", "result"}, // reason: size | age | manual；result: ok | error_path | retained
)

var ArchiveBytesTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "ops_archive_bytes_total",
		Help: "写入归档存储的字节数",
	},
)

var ExecutionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ops_workflow_executions_total",
		Help: "工作流执行终态计数",
	},
	[]string{"workflow", "status"},
)

var StepDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "ops_workflow_step_duration_seconds",
		Help:    "工作流步骤耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"workflow", "type"},
)

var QueueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "ops_queue_depth",
		Help: "队列中可见与处理中的消息数",
	},
	[]string{"queue"},
)

var QueueReceivesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ops_queue_receives_total",
		Help: "队列消息接收次数",
	},
	[]string{"queue"},
)

var QueueDeadLettersTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ops_queue_dead_letters_total",
		Help: "移入死信队列的消息数",
	},
	[]string{"queue"},
)

var IngestionJobsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ops_ingestion_jobs_total",
		Help: "触发的下游 ingestion job 数",
	},
	[]string{"result"},
)

var ActionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ops_actions_total",
		Help: "Action 分发次数",
	},
	[]string{"api_path", "result"},
)

// WritePrometheus 以文本格式导出 DefaultRegistry
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
