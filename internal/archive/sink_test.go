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
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ops-platform/internal/storage/object"
	"ops-platform/pkg/redaction"
)

// flakyStore 对指定前缀的写入返回错误
type flakyStore struct {
	object.Store
	failPrefixes atomic.Value // []string
}

func newFlakyStore(prefixes ...string) *flakyStore {
	s := &flakyStore{Store: object.NewMemoryStore()}
	s.failPrefixes.Store(prefixes)
	return s
}

func (s *flakyStore) Put(ctx context.Context, path string, data io.Reader, size int64, md map[string]string) error {
	for _, p := range s.failPrefixes.Load().([]string) {
		if strings.HasPrefix(path, p) {
			return fmt.Errorf("store unavailable")
		}
	}
	return s.Store.Put(ctx, path, data, size, md)
}

func record(source, detailType, code string) []byte {
	detail := "{}"
	if code != "" {
		detail = fmt.Sprintf(`{"eventTypeCode":%q}`, code)
	}
	return []byte(fmt.Sprintf(`{"source":%q,"detail-type":%q,"detail":%s}`, source, detailType, detail))
}

func list(t *testing.T, s object.Store, prefix string) []*object.ObjectInfo {
	t.Helper()
	objs, err := s.List(context.Background(), prefix)
	require.NoError(t, err)
	return objs
}

func read(t *testing.T, s object.Store, path string) string {
	t.Helper()
	rc, err := s.Get(context.Background(), path)
	require.NoError(t, err)
	defer rc.Close()
	b, _ := io.ReadAll(rc)
	return string(b)
}

func TestSink_FlushOnSize(t *testing.T) {
	store := object.NewMemoryStore()
	line := int64(len(record("aws.health", "AWS Health Event", "AWS_EC2_X")) + 1)
	sink := NewSink(store, Options{Prefix: "eventhose/", ErrorPrefix: "eventhose-errors/", BufferBytes: 5 * line, BufferInterval: time.Hour})
	defer sink.Close(context.Background())

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, sink.Ingest(ctx, record("aws.health", "AWS Health Event", "AWS_EC2_X")))
	}
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, list(t, store, "eventhose/"), "below threshold nothing is written")
	require.NoError(t, sink.Ingest(ctx, record("aws.health", "AWS Health Event", "AWS_EC2_X")))
	require.Eventually(t, func() bool { return len(list(t, store, "eventhose/")) == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, sink.Buffered())

	obj := list(t, store, "eventhose/")[0]
	pattern := regexp.MustCompile(`^eventhose/source=aws\.health/detail_type=AWS Health Event/event_type_code=AWS_EC2_X/\d{4}/\d{2}/\d{2}/\d{2}/[0-9a-f-]{36}\.json$`)
	assert.Regexp(t, pattern, obj.Path)
	assert.Equal(t, 5, strings.Count(read(t, store, obj.Path), "\n"))
}

func TestSink_FlushOnAgeUnderTrickle(t *testing.T) {
	store := object.NewMemoryStore()
	window := 100 * time.Millisecond
	sink := NewSink(store, Options{Prefix: "p/", BufferBytes: 1 << 20, BufferInterval: window})
	defer sink.Close(context.Background())

	start := time.Now()
	require.NoError(t, sink.Ingest(context.Background(), record("s", "d", "")))
	require.Eventually(t, func() bool { return len(list(t, store, "p/")) == 1 }, 5*window, 5*time.Millisecond)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, window)
	assert.Less(t, elapsed, 2*window+50*time.Millisecond)
}

func TestSink_PartitionsSeparately(t *testing.T) {
	store := object.NewMemoryStore()
	sink := NewSink(store, Options{Prefix: "p/", BufferInterval: time.Hour})
	ctx := context.Background()
	require.NoError(t, sink.Ingest(ctx, record("a", "d", "X")))
	require.NoError(t, sink.Ingest(ctx, record("b", "d", "X")))
	require.NoError(t, sink.Ingest(ctx, record("a", "d", "X")))
	require.NoError(t, sink.Ingest(ctx, record("a/b", "d", "")))
	require.NoError(t, sink.Flush(ctx))

	objs := list(t, store, "p/")
	require.Len(t, objs, 3)
	assert.Len(t, list(t, store, "p/source=a/detail_type=d/event_type_code=X/"), 1)
	assert.Len(t, list(t, store, "p/source=a_b/detail_type=d/event_type_code=unknown/"), 1)
	assert.NoError(t, sink.Close(ctx))
}

func TestSink_WriteFailureGoesToErrorPath(t *testing.T) {
	store := newFlakyStore("eventhose/")
	sink := NewSink(store, Options{Prefix: "eventhose/", ErrorPrefix: "eventhose-errors/", BufferInterval: time.Hour})
	ctx := context.Background()
	require.NoError(t, sink.Ingest(ctx, record("s", "d", "c")))
	require.NoError(t, sink.Flush(ctx))

	errs := list(t, store, "eventhose-errors/")
	require.Len(t, errs, 1)
	assert.Regexp(t, `^eventhose-errors/dt=\d{4}-\d{2}-\d{2}-\d{2}/result=write-failed/[0-9a-f-]{36}\.json$`, errs[0].Path)
	assert.Contains(t, read(t, store, errs[0].Path), `"source":"s"`)
}

func TestSink_RetainsWhenBothPathsFail(t *testing.T) {
	store := newFlakyStore("eventhose/", "eventhose-errors/")
	sink := NewSink(store, Options{Prefix: "eventhose/", ErrorPrefix: "eventhose-errors/", BufferInterval: time.Hour})
	ctx := context.Background()
	require.NoError(t, sink.Ingest(ctx, record("s", "d", "c")))
	assert.Error(t, sink.Flush(ctx))
	assert.NotZero(t, sink.Buffered())

	require.NoError(t, sink.Ingest(ctx, record("s", "d", "c")))
	store.failPrefixes.Store([]string{})
	require.NoError(t, sink.Flush(ctx))

	objs := list(t, store, "eventhose/")
	require.Len(t, objs, 1)
	assert.Equal(t, 2, strings.Count(read(t, store, objs[0].Path), "\n"), "retained records are not lost")
}

func TestSink_InvalidRecordToProcessingFailed(t *testing.T) {
	store := object.NewMemoryStore()
	sink := NewSink(store, Options{Prefix: "p/", ErrorPrefix: "e/", BufferInterval: time.Hour})
	ctx := context.Background()
	assert.Error(t, sink.Ingest(ctx, []byte("not json")))
	assert.Error(t, sink.Ingest(ctx, []byte("[1,2]")))
	require.NoError(t, sink.Close(ctx))

	errs := list(t, store, "e/")
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Path, "/result=processing-failed/")
	assert.Equal(t, "not json\n[1,2]\n", read(t, store, errs[0].Path))
}

func TestSink_CloseFlushes(t *testing.T) {
	store := object.NewMemoryStore()
	sink := NewSink(store, Options{Prefix: "p/", BufferInterval: time.Hour})
	require.NoError(t, sink.Ingest(context.Background(), record("s", "d", "c")))
	require.NoError(t, sink.Close(context.Background()))
	assert.Len(t, list(t, store, "p/"), 1)
	require.NoError(t, sink.Close(context.Background()))
}

func TestSink_RedactsBeforeBuffering(t *testing.T) {
	policy, err := redaction.NewPolicy([]redaction.RuleConfig{
		{Path: "detail.token", Mode: "remove"},
		{DetailType: "chat", Path: "detail.event.user"},
	})
	require.NoError(t, err)
	engine, err := redaction.NewEngine(policy, nil)
	require.NoError(t, err)

	store := object.NewMemoryStore()
	sink := NewSink(store, Options{Prefix: "p/", BufferInterval: time.Hour, Redactor: engine})
	ctx := context.Background()
	require.NoError(t, sink.Ingest(ctx, []byte(`{"source":"slack","detail-type":"chat","detail":{"token":"s3cret","event":{"user":"U1","text":"hi"}}}`)))
	require.NoError(t, sink.Close(ctx))

	objs := list(t, store, "p/")
	require.Len(t, objs, 1)
	body := read(t, store, objs[0].Path)
	assert.NotContains(t, body, "s3cret")
	assert.NotContains(t, body, `"U1"`)
	assert.Contains(t, body, redaction.Mask)
	assert.Contains(t, body, `"text":"hi"`)
}
