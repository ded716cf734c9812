package worker

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ops-platform/internal/app"
	"ops-platform/internal/ingest"
	"ops-platform/internal/storage/object"
	"ops-platform/pkg/config"
)

func newTestBootstrap(t *testing.T) *app.Bootstrap {
	t.Helper()
	cfg := &config.Config{}
	require.NoError(t, config.Prepare(cfg))
	cfg.Queue.Process.BatchWindow = 20 * time.Millisecond
	cfg.Queue.Sync.BatchWindow = 20 * time.Millisecond
	cfg.Queue.Sync.BatchSize = 10
	b, err := app.NewBootstrap(cfg)
	require.NoError(t, err)
	return b
}

func TestWorker_TransformsAndTriggersIngestion(t *testing.T) {
	b := newTestBootstrap(t)
	ctx := context.Background()

	var mu sync.Mutex
	var batches [][]ingest.SyncItem
	trigger := ingest.FuncTrigger(func(_ context.Context, items []ingest.SyncItem) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		batches = append(batches, items)
		return "job-1", nil
	})

	w, err := NewApp(b, trigger)
	require.NoError(t, err)

	doc := `{"title":"disk full","severity":3}`
	require.NoError(t, b.Objects.Put(ctx, object.Join("uploads", "incident.json"), strings.NewReader(doc), int64(len(doc)), nil))
	_, err = w.queues[0].Enqueue(ctx, []byte(`{"detail":{"bucket":{"name":"uploads"},"object":{"key":"incident.json"}}}`))
	require.NoError(t, err)

	require.NoError(t, w.Start())

	dst := object.Join("kb-text", "incident.json.txt")
	require.Eventually(t, func() bool {
		ok, _ := b.Objects.Exists(ctx, dst)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	rc, err := b.Objects.Get(ctx, dst)
	require.NoError(t, err)
	text, _ := io.ReadAll(rc)
	rc.Close()
	assert.Contains(t, string(text), "title: disk full")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(batches) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []ingest.SyncItem{{Bucket: "kb-text", Key: "incident.json.txt"}}, batches[0])
	mu.Unlock()

	require.NoError(t, w.Shutdown(ctx))
}

func TestWorker_InvalidNoticeIsRetried(t *testing.T) {
	b := newTestBootstrap(t)
	ctx := context.Background()

	w, err := NewApp(b, ingest.FuncTrigger(func(context.Context, []ingest.SyncItem) (string, error) {
		t.Error("trigger must not fire for an invalid notice")
		return "", nil
	}))
	require.NoError(t, err)

	_, err = w.queues[0].Enqueue(ctx, []byte(`{"detail":{}}`))
	require.NoError(t, err)
	require.NoError(t, w.Start())

	// 失败的消息保持处理中，直到可见性超时
	time.Sleep(100 * time.Millisecond)
	n, err := w.queues[0].Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, w.Shutdown(ctx))
}
