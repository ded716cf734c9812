// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config 进程配置；api 与 worker 共用同一结构，按需读取各自段
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
	Slack      SlackConfig      `mapstructure:"slack"`
	Bus        BusConfig        `mapstructure:"bus"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Workflow   WorkflowConfig   `mapstructure:"workflow"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Action     ActionConfig     `mapstructure:"action"`
	Storage    StorageConfig    `mapstructure:"storage"`
}

type APIConfig struct {
	Port int    `mapstructure:"port" default:"8080" validate:"gte=1,lte=65535"`
	Host string `mapstructure:"host"`
	// PublicURL 对外可达的基础地址，用于拼接 callback URL
	PublicURL string `mapstructure:"public_url" default:"http://localhost:8080"`
	// RateLimitQPS /api 分组的全局限流，<=0 不限流
	RateLimitQPS   float64 `mapstructure:"rate_limit_qps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst" default:"50"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" default:"info" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" default:"json" validate:"oneof=json text"`
	File   string `mapstructure:"file"`
}

type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
}

type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name" default:"ops-platform"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

type SecretsConfig struct {
	Provider string      `mapstructure:"provider" default:"env" validate:"oneof=env vault memory"`
	Vault    VaultConfig `mapstructure:"vault"`
}

type VaultConfig struct {
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	PathPrefix string `mapstructure:"path_prefix"`
}

type SlackConfig struct {
	// VerificationTokenKey secrets.Store 中校验 token 的键名
	VerificationTokenKey string `mapstructure:"verification_token_key" default:"SLACK_VERIFICATION_TOKEN"`
	WebhookURL           string `mapstructure:"webhook_url"`
	CommandSource        string `mapstructure:"command_source" default:"awsutils.slackintegration"`
	CommandDetailType    string `mapstructure:"command_detail_type" default:"slackMessageReceived"`
	BusName              string `mapstructure:"bus_name" default:"integration"`
	// DedupeTTL 同一 event_id 的重投在该时间内只发布一次
	DedupeTTL time.Duration `mapstructure:"dedupe_ttl" default:"1h"`
}

type BusConfig struct {
	Workers   int    `mapstructure:"workers" default:"8" validate:"gte=1"`
	QueueSize int    `mapstructure:"queue_size" default:"1024" validate:"gte=1"`
	RulesFile string `mapstructure:"rules_file"`
	// RateLimitQPS 每个目标的投递速率上限，<=0 不限流
	RateLimitQPS   float64     `mapstructure:"rate_limit_qps"`
	RateLimitBurst int         `mapstructure:"rate_limit_burst" default:"1"`
	Retry          RetryConfig `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts" default:"5" validate:"gte=1"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" default:"200ms"`
	Multiplier     float64       `mapstructure:"multiplier" default:"2"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" default:"30s"`
}

type ArchiveConfig struct {
	Prefix         string        `mapstructure:"prefix" default:"eventhose/"`
	ErrorPrefix    string        `mapstructure:"error_prefix" default:"eventhose-errors/"`
	BufferBytes    int64         `mapstructure:"buffer_bytes" default:"67108864" validate:"gte=1"`
	BufferInterval time.Duration `mapstructure:"buffer_interval" default:"60s"`
	// PartitionKeys 分区键名 -> 事件路径，如 event_type_code: detail.eventTypeCode
	PartitionKeys []PartitionKeyConfig `mapstructure:"partition_keys" validate:"dive"`
	// Redaction 写入前的字段脱敏规则；为空时默认移除 detail.token
	Redaction []RedactionRuleConfig `mapstructure:"redaction" validate:"dive"`
	// EncryptKeyName secrets.Store 中 AES key（hex）的键名，encrypt 规则需要
	EncryptKeyName string `mapstructure:"encrypt_key_name" default:"ARCHIVE_ENCRYPT_KEY"`
}

type RedactionRuleConfig struct {
	DetailType string `mapstructure:"detail_type"`
	Path       string `mapstructure:"path" validate:"required"`
	Mode       string `mapstructure:"mode" default:"redact" validate:"omitempty,oneof=redact hash encrypt remove"`
	Salt       string `mapstructure:"salt"`
}

type PartitionKeyConfig struct {
	Name string `mapstructure:"name" validate:"required"`
	Path string `mapstructure:"path" validate:"required"`
}

type WorkflowConfig struct {
	DefinitionsDir   string        `mapstructure:"definitions_dir" default:"configs/workflows"`
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout" default:"5m"`
	// CallbackPath 拼在 api.public_url 之后
	CallbackPath string `mapstructure:"callback_path" default:"/event-callback"`
}

type QueueConfig struct {
	Type    string    `mapstructure:"type" default:"memory" validate:"oneof=memory postgres"`
	DSN     string    `mapstructure:"dsn"`
	Process QueueSpec `mapstructure:"process"`
	Sync    QueueSpec `mapstructure:"sync"`
}

// QueueSpec 单个队列及其消费者的参数
type QueueSpec struct {
	Name              string        `mapstructure:"name"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	MaxReceiveCount   int           `mapstructure:"max_receive_count"`
	BatchSize         int           `mapstructure:"batch_size"`
	BatchWindow       time.Duration `mapstructure:"batch_window"`
	Concurrency       int           `mapstructure:"concurrency"`
}

type IngestConfig struct {
	TargetBucket    string `mapstructure:"target_bucket" default:"kb-text"`
	TargetSuffix    string `mapstructure:"target_suffix" default:".txt"`
	Endpoint        string `mapstructure:"endpoint"`
	KnowledgeBaseID string `mapstructure:"knowledge_base_id"`
	DataSourceID    string `mapstructure:"data_source_id"`
}

type ActionConfig struct {
	TicketTable string          `mapstructure:"ticket_table" default:"tickets"`
	Inference   InferenceConfig `mapstructure:"inference"`
}

type InferenceConfig struct {
	Type     string        `mapstructure:"type" default:"eino" validate:"oneof=eino http"`
	Endpoint string        `mapstructure:"endpoint"`
	BaseURL  string        `mapstructure:"base_url"`
	Model    string        `mapstructure:"model" default:"gpt-4o-mini"`
	APIKey   string        `mapstructure:"api_key"`
	Timeout  time.Duration `mapstructure:"timeout" default:"60s"`
}

type StorageConfig struct {
	Object  BackendConfig `mapstructure:"object"`
	Records BackendConfig `mapstructure:"records"`
	Tokens  RedisConfig   `mapstructure:"tokens"`
}

type BackendConfig struct {
	Type string `mapstructure:"type" default:"memory" validate:"oneof=memory postgres"`
	DSN  string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Type     string `mapstructure:"type" default:"memory" validate:"oneof=memory redis"`
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
}

var validate = validator.New()

// LoadConfig 读取 YAML 配置，环境变量覆盖（a.b -> A_B），补默认值后校验
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}
	if err := Prepare(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// Prepare 补默认值、展开 ${VAR}、校验；LoadConfig 之外直接构造 Config 时也应调用
func Prepare(config *Config) error {
	if err := defaults.Set(config); err != nil {
		return fmt.Errorf("无法设置默认配置: %w", err)
	}
	applyQueueDefaults(&config.Queue.Process, QueueSpec{
		Name: "process-file", VisibilityTimeout: 90 * time.Second, MaxReceiveCount: 10,
		BatchSize: 1, BatchWindow: time.Minute, Concurrency: 2,
	})
	applyQueueDefaults(&config.Queue.Sync, QueueSpec{
		Name: "kb-sync", VisibilityTimeout: 300 * time.Second, MaxReceiveCount: 5,
		BatchSize: 100, BatchWindow: 3 * time.Minute, Concurrency: 1,
	})
	if len(config.Archive.PartitionKeys) == 0 {
		config.Archive.PartitionKeys = []PartitionKeyConfig{
			{Name: "source", Path: "source"},
			{Name: "detail_type", Path: "detail-type"},
			{Name: "event_type_code", Path: "detail.eventTypeCode"},
		}
	}

	if config.Archive.Redaction == nil {
		config.Archive.Redaction = []RedactionRuleConfig{{Path: "detail.token", Mode: "remove"}}
	}

	replaceEnvVars(config)

	if err := validate.Struct(config); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s (rule: %s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("配置校验失败: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("配置校验失败: %w", err)
	}
	return nil
}

func applyQueueDefaults(q *QueueSpec, d QueueSpec) {
	if q.Name == "" {
		q.Name = d.Name
	}
	if q.VisibilityTimeout <= 0 {
		q.VisibilityTimeout = d.VisibilityTimeout
	}
	if q.MaxReceiveCount <= 0 {
		q.MaxReceiveCount = d.MaxReceiveCount
	}
	if q.BatchSize <= 0 {
		q.BatchSize = d.BatchSize
	}
	if q.BatchWindow <= 0 {
		q.BatchWindow = d.BatchWindow
	}
	if q.Concurrency <= 0 {
		q.Concurrency = d.Concurrency
	}
}

// replaceEnvVars 展开 "${VAR}" 形式的密钥引用
func replaceEnvVars(config *Config) {
	for _, p := range []*string{
		&config.Action.Inference.APIKey,
		&config.Secrets.Vault.Token,
		&config.Storage.Tokens.Password,
		&config.Queue.DSN,
		&config.Storage.Object.DSN,
		&config.Storage.Records.DSN,
		&config.Slack.WebhookURL,
	} {
		*p = expandEnv(*p)
	}
}

func expandEnv(s string) string {
	if !strings.HasPrefix(s, "$") {
		return s
	}
	envVar := strings.TrimPrefix(strings.TrimSuffix(s, "}"), "${")
	envVar = strings.TrimPrefix(envVar, "$")
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return s
}

func LoadAPIConfig() (*Config, error) {
	return LoadConfig("configs/api.yaml")
}

func LoadWorkerConfig() (*Config, error) {
	return LoadConfig("configs/worker.yaml")
}
