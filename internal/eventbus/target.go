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

package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"ops-platform/internal/workflow"
	"ops-platform/pkg/errors"
)

// Target 规则命中后的投递目标；返回 errors.Permanent 包装的错误时不再重试
type Target interface {
	ID() string
	Deliver(ctx context.Context, ev *Event) error
}

// FuncTarget 进程内函数目标
type FuncTarget struct {
	Name string
	Fn   func(ctx context.Context, ev *Event) error
}

func (t *FuncTarget) ID() string { return t.Name }

func (t *FuncTarget) Deliver(ctx context.Context, ev *Event) error {
	return t.Fn(ctx, ev)
}

// HTTPTarget 以 POST 投递事件 JSON；5xx 与网络错误可重试，4xx 为永久失败
type HTTPTarget struct {
	Name   string
	URL    string
	client *resty.Client
}

// NewHTTPTarget 创建 HTTP 目标
func NewHTTPTarget(name, url string, timeout time.Duration) *HTTPTarget {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPTarget{
		Name: name,
		URL:  url,
		client: resty.New().
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
	}
}

func (t *HTTPTarget) ID() string { return t.Name }

func (t *HTTPTarget) Deliver(ctx context.Context, ev *Event) error {
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(ev.JSON()).
		Post(t.URL)
	if err != nil {
		return errors.Transient(err)
	}
	switch {
	case resp.StatusCode() >= 500:
		return errors.Transient(fmt.Errorf("target %s: status %d", t.Name, resp.StatusCode()))
	case resp.StatusCode() >= 400:
		return errors.Permanent(fmt.Errorf("target %s: status %d", t.Name, resp.StatusCode()))
	}
	return nil
}

// WorkflowTarget 以事件为输入启动一次工作流执行
type WorkflowTarget struct {
	Engine   *workflow.Engine
	Workflow string
}

func (t *WorkflowTarget) ID() string { return "workflow:" + t.Workflow }

func (t *WorkflowTarget) Deliver(ctx context.Context, ev *Event) error {
	_, err := t.Engine.Start(ctx, t.Workflow, ev.Map())
	return err
}

// Archiver 归档 sink 的写入面
type Archiver interface {
	Ingest(ctx context.Context, record []byte) error
}

// ArchiveTarget 写入归档 sink
type ArchiveTarget struct {
	Name string
	Sink Archiver
}

func (t *ArchiveTarget) ID() string { return t.Name }

func (t *ArchiveTarget) Deliver(ctx context.Context, ev *Event) error {
	return t.Sink.Ingest(ctx, ev.JSON())
}

// Enqueuer 队列的写入面
type Enqueuer interface {
	Name() string
	Enqueue(ctx context.Context, body []byte) (string, error)
}

// QueueTarget 将事件 JSON 入队
type QueueTarget struct {
	Queue Enqueuer
}

func (t *QueueTarget) ID() string { return "queue:" + t.Queue.Name() }

func (t *QueueTarget) Deliver(ctx context.Context, ev *Event) error {
	_, err := t.Queue.Enqueue(ctx, ev.JSON())
	return err
}
