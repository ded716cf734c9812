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

package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"

	"ops-platform/internal/queue"
	"ops-platform/internal/storage/object"
	"ops-platform/pkg/errors"
	"ops-platform/pkg/log"
)

// DefaultSuffix 转换结果的扩展名
const DefaultSuffix = ".txt"

// PipelineConfig 转换流水线参数
type PipelineConfig struct {
	Source       object.Store
	Target       object.Store
	TargetBucket string
	Suffix       string
	// Sync 转换成功后写入的下游队列，由 Coalescer 消费
	Sync   queue.Queue
	Logger *log.Logger
}

// Pipeline 消费对象到达通知：读取源对象、转纯文本、写入目标存储并转发到同步队列
type Pipeline struct {
	source       object.Store
	target       object.Store
	targetBucket string
	suffix       string
	sync         queue.Queue
	logger       *log.Logger
}

// NewPipeline 创建流水线
func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Target == nil {
		cfg.Target = cfg.Source
	}
	if cfg.Suffix == "" {
		cfg.Suffix = DefaultSuffix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	return &Pipeline{
		source:       cfg.Source,
		target:       cfg.Target,
		targetBucket: cfg.TargetBucket,
		suffix:       cfg.Suffix,
		sync:         cfg.Sync,
		logger:       logger.With("component", "ingest.pipeline"),
	}
}

// HandleBatch 逐条处理，单条失败只影响该条（留待重新投递），其余照常 Ack
func (p *Pipeline) HandleBatch(ctx context.Context, msgs []*queue.Message) queue.BatchResult {
	var res queue.BatchResult
	for _, m := range msgs {
		item, err := p.Process(ctx, m.Body)
		if err != nil {
			p.logger.Warn("transform failed", "message_id", m.ID, "receive_count", m.ReceiveCount, "error", err)
			res.Failed = append(res.Failed, m.ID)
			continue
		}
		p.logger.Debug("object transformed", "message_id", m.ID, "bucket", item.Bucket, "key", item.Key)
	}
	return res
}

// Process 处理一条通知，返回写入目标存储的对象
func (p *Pipeline) Process(ctx context.Context, body []byte) (*SyncItem, error) {
	n, err := ParseNotice(body)
	if err != nil {
		return nil, err
	}
	src := object.Join(n.Detail.Bucket.Name, n.Detail.Object.Key)
	rc, err := p.source.Get(ctx, src)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", src)
	}
	raw, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, errors.Transient(errors.Wrapf(err, "read %s", src))
	}

	text, err := Transform(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "transform %s", src)
	}

	item := &SyncItem{Bucket: p.targetBucket, Key: n.Detail.Object.Key + p.suffix}
	dst := object.Join(item.Bucket, item.Key)
	md := map[string]string{"source": src, "content-type": "text/plain"}
	if err := p.target.Put(ctx, dst, bytes.NewReader([]byte(text)), int64(len(text)), md); err != nil {
		return nil, errors.Transient(errors.Wrapf(err, "write %s", dst))
	}

	if p.sync != nil {
		data, _ := json.Marshal(item)
		if _, err := p.sync.Enqueue(ctx, data); err != nil {
			return nil, errors.Transient(errors.Wrap(err, "enqueue sync item"))
		}
	}
	return item, nil
}
