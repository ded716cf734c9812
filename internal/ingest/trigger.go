package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"ops-platform/pkg/errors"
)

// Trigger 启动下游 ingestion job
type Trigger interface {
	StartJob(ctx context.Context, items []SyncItem) (string, error)
}

// FuncTrigger 函数适配
type FuncTrigger func(ctx context.Context, items []SyncItem) (string, error)

func (f FuncTrigger) StartJob(ctx context.Context, items []SyncItem) (string, error) {
	return f(ctx, items)
}

// HTTPTrigger 通过 HTTP 启动 ingestion job
type HTTPTrigger struct {
	client          *resty.Client
	endpoint        string
	knowledgeBaseID string
	dataSourceID    string
}

type startJobRequest struct {
	KnowledgeBaseID string     `json:"knowledgeBaseId"`
	DataSourceID    string     `json:"dataSourceId"`
	Items           []SyncItem `json:"items"`
}

type startJobResponse struct {
	JobID string `json:"jobId"`
}

// NewHTTPTrigger 创建 HTTP 触发器
func NewHTTPTrigger(endpoint, knowledgeBaseID, dataSourceID string, timeout time.Duration) *HTTPTrigger {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTrigger{
		client:          resty.New().SetTimeout(timeout),
		endpoint:        endpoint,
		knowledgeBaseID: knowledgeBaseID,
		dataSourceID:    dataSourceID,
	}
}

func (t *HTTPTrigger) StartJob(ctx context.Context, items []SyncItem) (string, error) {
	var out startJobResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(startJobRequest{KnowledgeBaseID: t.knowledgeBaseID, DataSourceID: t.dataSourceID, Items: items}).
		SetResult(&out).
		Post(t.endpoint)
	if err != nil {
		return "", errors.Transient(err)
	}
	if resp.IsError() {
		err := fmt.Errorf("start ingestion job: status %d: %s", resp.StatusCode(), resp.String())
		if resp.StatusCode() >= 500 || resp.StatusCode() == 429 {
			return "", errors.Transient(err)
		}
		return "", errors.Permanent(err)
	}
	return out.JobID, nil
}
