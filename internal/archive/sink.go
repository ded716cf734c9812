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

package archive

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/google/uuid"

	"ops-platform/internal/storage/object"
	"ops-platform/pkg/errors"
	"ops-platform/pkg/log"
	"ops-platform/pkg/metrics"
)

const (
	unknownValue = "unknown"

	resultProcessingFailed = "processing-failed"
	resultWriteFailed      = "write-failed"
)

// PartitionKey 分区键：Name 出现在对象路径中，Path 为记录内的点分路径
type PartitionKey struct {
	Name string
	Path string
}

// DefaultPartitionKeys source / detail_type / event_type_code
var DefaultPartitionKeys = []PartitionKey{
	{Name: "source", Path: "source"},
	{Name: "detail_type", Path: "detail-type"},
	{Name: "event_type_code", Path: "detail.eventTypeCode"},
}

// Options Sink 参数
type Options struct {
	Prefix         string
	ErrorPrefix    string
	BufferBytes    int64
	BufferInterval time.Duration
	PartitionKeys  []PartitionKey
	// Redactor 写入缓冲前对记录脱敏，可为 nil
	Redactor Redactor
	Logger   *log.Logger
}

// Redactor 按 detail-type 对记录脱敏
type Redactor interface {
	RedactData(detailType string, record []byte) ([]byte, error)
}

type group struct {
	values  []string
	records [][]byte
	bytes   int64
	first   time.Time
	// reason 非空表示该组写往错误路径
	reason string
}

// Sink 按分区键缓冲记录，大小或时间阈值先到者触发 flush
type Sink struct {
	store  object.Store
	opts   Options
	logger *log.Logger

	mu     sync.Mutex
	groups map[string]*group
	total  int64

	flushMu sync.Mutex
	kick    chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
	closed  bool
}

// NewSink 创建 Sink 并启动后台 flusher
func NewSink(store object.Store, opts Options) *Sink {
	if opts.BufferBytes <= 0 {
		opts.BufferBytes = 64 << 20
	}
	if opts.BufferInterval <= 0 {
		opts.BufferInterval = 60 * time.Second
	}
	if len(opts.PartitionKeys) == 0 {
		opts.PartitionKeys = DefaultPartitionKeys
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	s := &Sink{
		store:  store,
		opts:   opts,
		logger: logger.With("component", "archive"),
		groups: make(map[string]*group),
		kick:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Sink) run() {
	defer s.wg.Done()
	tick := s.opts.BufferInterval / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.kick:
			s.flush(context.Background(), "size")
		case <-ticker.C:
			if s.oldestAge() >= s.opts.BufferInterval {
				s.flush(context.Background(), "age")
			}
		}
	}
}

// Ingest 追加一条 JSON 记录；非 JSON 对象的记录转入错误分区并返回校验错误
func (s *Sink) Ingest(ctx context.Context, record []byte) error {
	doc, err := gabs.ParseJSON(record)
	if err == nil {
		if _, ok := doc.Data().(map[string]interface{}); !ok {
			err = fmt.Errorf("record is not a JSON object")
		}
	}
	if err != nil {
		s.append("!"+resultProcessingFailed, &group{reason: resultProcessingFailed}, record)
		return errors.Invalid("record", err.Error())
	}
	if s.opts.Redactor != nil {
		detailType, _ := doc.Path("detail-type").Data().(string)
		// 脱敏失败的记录不落盘，也不进错误分区
		if record, err = s.opts.Redactor.RedactData(detailType, record); err != nil {
			return errors.Permanent(err)
		}
		if doc, err = gabs.ParseJSON(record); err != nil {
			return errors.Permanent(err)
		}
	}

	values := make([]string, len(s.opts.PartitionKeys))
	for i, pk := range s.opts.PartitionKeys {
		values[i] = partitionValue(doc, pk.Path)
	}
	s.append(strings.Join(values, "\x00"), &group{values: values}, record)
	return nil
}

func (s *Sink) append(key string, fresh *group, record []byte) {
	line := append(append([]byte(nil), record...), '\n')
	s.mu.Lock()
	g, ok := s.groups[key]
	if !ok {
		g = fresh
		g.first = time.Now()
		s.groups[key] = g
	}
	g.records = append(g.records, line)
	g.bytes += int64(len(line))
	s.total += int64(len(line))
	full := s.total >= s.opts.BufferBytes
	s.mu.Unlock()

	if full {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
}

func partitionValue(doc *gabs.Container, path string) string {
	v := doc.Search(strings.Split(path, ".")...)
	if v == nil || v.Data() == nil {
		return unknownValue
	}
	var str string
	switch d := v.Data().(type) {
	case string:
		str = d
	default:
		str = strings.Trim(v.String(), "\"")
	}
	if str == "" {
		return unknownValue
	}
	return strings.ReplaceAll(str, "/", "_")
}

func (s *Sink) oldestAge() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest time.Time
	for _, g := range s.groups {
		if oldest.IsZero() || g.first.Before(oldest) {
			oldest = g.first
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return time.Since(oldest)
}

// Flush 立即写出所有缓冲组
func (s *Sink) Flush(ctx context.Context) error {
	return s.flush(ctx, "manual")
}

func (s *Sink) flush(ctx context.Context, reason string) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	groups := s.groups
	s.groups = make(map[string]*group)
	s.total = 0
	s.mu.Unlock()
	if len(groups) == 0 {
		return nil
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	now := time.Now().UTC()
	var retained int
	for _, k := range keys {
		g := groups[k]
		body := bytes.Join(g.records, nil)
		if g.reason == "" {
			path := s.objectPath(g.values, now)
			err := s.store.Put(ctx, path, bytes.NewReader(body), int64(len(body)), map[string]string{"records": fmt.Sprint(len(g.records))})
			if err == nil {
				metrics.ArchiveFlushTotal.WithLabelValues(reason, "ok").Inc()
				metrics.ArchiveBytesTotal.Add(float64(len(body)))
				continue
			}
			s.logger.Warn("archive write failed, routing group to error path", "path", path, "error", err)
			g.reason = resultWriteFailed
		}
		path := s.errorPath(g.reason, now)
		if err := s.store.Put(ctx, path, bytes.NewReader(body), int64(len(body)), map[string]string{"result": g.reason}); err != nil {
			s.logger.Error("archive error path write failed, retaining group", "path", path, "error", err)
			s.retain(k, g)
			retained++
			metrics.ArchiveFlushTotal.WithLabelValues(reason, "retained").Inc()
			continue
		}
		metrics.ArchiveFlushTotal.WithLabelValues(reason, "error_path").Inc()
	}
	if retained > 0 {
		return fmt.Errorf("archive flush: %d group(s) retained", retained)
	}
	return nil
}

// retain 把写失败的组放回缓冲，保持在新记录之前
func (s *Sink) retain(key string, g *group) {
	if g.values != nil {
		g.reason = ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.groups[key]; ok {
		g.records = append(g.records, cur.records...)
		g.bytes += cur.bytes
	}
	s.groups[key] = g
	s.total += g.bytes
}

func (s *Sink) objectPath(values []string, t time.Time) string {
	var b strings.Builder
	b.WriteString(s.opts.Prefix)
	for i, pk := range s.opts.PartitionKeys {
		b.WriteString(pk.Name)
		b.WriteByte('=')
		b.WriteString(values[i])
		b.WriteByte('/')
	}
	b.WriteString(t.Format("2006/01/02/15/"))
	b.WriteString(uuid.New().String())
	b.WriteString(".json")
	return b.String()
}

func (s *Sink) errorPath(result string, t time.Time) string {
	return fmt.Sprintf("%sdt=%s/result=%s/%s.json", s.opts.ErrorPrefix, t.Format("2006-01-02-15"), result, uuid.New().String())
}

// Buffered 当前缓冲的字节数
func (s *Sink) Buffered() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Close 停止后台 flusher 并做最后一次 flush
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.stopCh)
	s.wg.Wait()
	return s.flush(ctx, "manual")
}
