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

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/cloudwego/hertz/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ops-platform/internal/action"
	"ops-platform/internal/api/http/middleware"
	"ops-platform/internal/chat"
	"ops-platform/internal/eventbus"
	"ops-platform/internal/queue"
	"ops-platform/internal/workflow"
)

func perform(s *server.Hertz, method, path string, body []byte) *protocol.Response {
	w := ut.PerformRequest(s.Engine, method, path, &ut.Body{Body: bytes.NewReader(body), Len: len(body)})
	return w.Result()
}

func decode(t *testing.T, resp *protocol.Response) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Body(), &out), string(resp.Body()))
	return out
}

type fixture struct {
	bus       *eventbus.Bus
	engine    *workflow.Engine
	notices   *queue.MemoryQueue
	published chan *eventbus.Event
	tokens    chan string
	server    *server.Hertz
}

const waitWorkflow = `
name: approve
startAt: Ask
steps:
  Ask:
    type: Task
    resource: notify
    waitForCallback: true
    timeoutSeconds: 30
    parameters:
      token: $$.Task.Token
    resultPath: $.approval
    catch:
      - errorEquals: [Approval.Rejected]
        next: Rejected
    end: true
  Rejected:
    type: Fail
    error: Approval.Rejected
`

const passWorkflow = `
name: echo
startAt: Echo
steps:
  Echo:
    type: Pass
    result:
      ok: true
    resultPath: $.echo
    end: true
`

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		published: make(chan *eventbus.Event, 8),
		tokens:    make(chan string, 8),
	}

	f.bus = eventbus.New(eventbus.Options{})
	p, err := eventbus.ParsePattern(map[string]interface{}{"source": "ops.test"})
	require.NoError(t, err)
	require.NoError(t, f.bus.PutRule(&eventbus.Rule{
		Name:    "capture",
		Pattern: p,
		Targets: []eventbus.Target{&eventbus.FuncTarget{Name: "capture", Fn: func(_ context.Context, ev *eventbus.Event) error {
			f.published <- ev
			return nil
		}}},
	}))

	f.engine = workflow.NewEngine(workflow.Options{CallbackURL: "http://ops.local/event-callback"})
	f.engine.RegisterFunction("notify", func(_ context.Context, input interface{}) (interface{}, error) {
		f.tokens <- input.(map[string]interface{})["token"].(string)
		return nil, nil
	})
	for _, src := range []string{waitWorkflow, passWorkflow} {
		def, err := workflow.ParseDefinition([]byte(src))
		require.NoError(t, err)
		require.NoError(t, f.engine.Register(def))
	}

	f.notices = queue.NewMemoryQueue(queue.Options{Name: "process-file"})

	d := action.NewDispatcher(nil)
	d.Register("/ping", action.HandlerFunc(func(_ context.Context, req *action.Request) (string, error) {
		return "pong", nil
	}))

	h := NewHandler(f.bus, f.engine)
	h.SetDispatcher(d)
	h.SetFrontDoor(chat.NewFrontDoor(chat.Config{VerificationToken: "s3cret"}, f.bus, nil))
	h.SetNoticeQueue(f.notices)
	f.server = NewRouter(h, middleware.NewMiddleware(nil)).Build(":0")

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.engine.Close(ctx)
		_ = f.bus.Close(ctx)
	})
	return f
}

func (f *fixture) waitExecution(t *testing.T, id string) *workflow.Execution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ex, err := f.engine.Wait(ctx, id)
	require.NoError(t, err)
	return ex
}

func TestHealthCheck(t *testing.T) {
	h := server.Default(server.WithHostPorts(":0"))
	handler := NewHandler(nil, nil)
	h.GET("/api/health", func(ctx context.Context, c *app.RequestContext) {
		handler.HealthCheck(ctx, c)
	})
	resp := perform(h, "GET", "/api/health", nil)
	assert.Equal(t, 200, resp.StatusCode())
	assert.Contains(t, string(resp.Body()), "ok")
}

func TestUnconfiguredComponents(t *testing.T) {
	s := NewRouter(NewHandler(nil, nil), middleware.NewMiddleware(nil)).Build(":0")
	assert.Equal(t, 503, perform(s, "POST", "/api/events", []byte(`{}`)).StatusCode())
	assert.Equal(t, 503, perform(s, "POST", "/api/actions", []byte(`{}`)).StatusCode())
	assert.Equal(t, 503, perform(s, "GET", "/api/executions/x", nil).StatusCode())
	// 回调接口始终 200
	resp := perform(s, "POST", "/event-callback", []byte(`{"taskToken":"t"}`))
	assert.Equal(t, 200, resp.StatusCode())
	assert.Equal(t, false, decode(t, resp)["accepted"])
}

func TestPublishEvent(t *testing.T) {
	f := newFixture(t)

	resp := perform(f.server, "POST", "/api/events", []byte(`{"source":"ops.test","detailType":"Ping","detail":{"n":1}}`))
	require.Equal(t, 202, resp.StatusCode(), string(resp.Body()))
	body := decode(t, resp)
	assert.NotEmpty(t, body["event_id"])
	assert.Equal(t, []interface{}{"capture"}, body["matched_rules"])

	select {
	case ev := <-f.published:
		assert.Equal(t, "Ping", ev.DetailType)
		assert.Equal(t, body["event_id"], ev.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("event was not delivered")
	}

	resp = perform(f.server, "POST", "/api/events", []byte(`{"detail-type":"Ping"}`))
	assert.Equal(t, 400, resp.StatusCode())
	assert.Contains(t, string(resp.Body()), "source")

	resp = perform(f.server, "POST", "/api/events", []byte(`not json`))
	assert.Equal(t, 400, resp.StatusCode())
}

func TestEventCallback_Success(t *testing.T) {
	f := newFixture(t)
	ex, err := f.engine.Start(context.Background(), "approve", map[string]interface{}{"ticket": "T-9"})
	require.NoError(t, err)

	var token string
	select {
	case token = <-f.tokens:
	case <-time.After(5 * time.Second):
		t.Fatal("callback task was never invoked")
	}

	body, _ := json.Marshal(map[string]interface{}{
		"taskToken": token,
		"status":    "success",
		"output":    map[string]interface{}{"approved": true},
	})
	resp := perform(f.server, "POST", "/event-callback", body)
	require.Equal(t, 200, resp.StatusCode())
	assert.Equal(t, true, decode(t, resp)["accepted"])

	done := f.waitExecution(t, ex.ID)
	assert.Equal(t, workflow.StatusSucceeded, done.Status)
	assert.Equal(t, map[string]interface{}{"approved": true}, done.Output.(map[string]interface{})["approval"])

	// 重复回调：仍为 200，但不生效
	resp = perform(f.server, "POST", "/event-callback", body)
	assert.Equal(t, 200, resp.StatusCode())
	assert.Equal(t, false, decode(t, resp)["accepted"])
}

func TestEventCallback_Failure(t *testing.T) {
	f := newFixture(t)
	ex, err := f.engine.Start(context.Background(), "approve", nil)
	require.NoError(t, err)
	token := <-f.tokens

	body, _ := json.Marshal(map[string]string{
		"taskToken": token,
		"status":    "failure",
		"error":     "Approval.Rejected",
		"cause":     "not today",
	})
	resp := perform(f.server, "POST", "/event-callback", body)
	require.Equal(t, 200, resp.StatusCode())

	done := f.waitExecution(t, ex.ID)
	assert.Equal(t, workflow.StatusFailed, done.Status)
	assert.Equal(t, "Approval.Rejected", done.Error)
}

func TestEventCallback_AnomaliesStillOK(t *testing.T) {
	f := newFixture(t)
	for _, body := range []string{
		`garbage`,
		`{}`,
		`{"taskToken":"unknown","status":"success"}`,
		`{"taskToken":"unknown","status":"maybe"}`,
	} {
		resp := perform(f.server, "POST", "/event-callback", []byte(body))
		assert.Equal(t, 200, resp.StatusCode(), body)
		assert.Equal(t, false, decode(t, resp)["accepted"], body)
	}
}

func TestSlackEvents(t *testing.T) {
	f := newFixture(t)

	resp := perform(f.server, "POST", "/slack/events", []byte(`{"type":"url_verification","token":"s3cret","challenge":"abc"}`))
	assert.Equal(t, 200, resp.StatusCode())
	assert.Equal(t, "abc", string(resp.Body()))

	resp = perform(f.server, "POST", "/slack/events", []byte(`{"type":"url_verification","token":"nope","challenge":"abc"}`))
	assert.Equal(t, 400, resp.StatusCode())
	assert.Equal(t, chat.VerificationFailedMessage, string(resp.Body()))

	resp = perform(f.server, "POST", "/slack/events", []byte(`{"type":"block_actions"}`))
	assert.Equal(t, 400, resp.StatusCode())
	assert.Equal(t, chat.UnknownTypeMessage, string(resp.Body()))

	resp = perform(f.server, "POST", "/slack/events", []byte(`{"type":"event_callback","authorizations":[{"user_id":"U1"}],"event":{"text":"<@U1> status"}}`))
	require.Equal(t, 200, resp.StatusCode(), string(resp.Body()))
	assert.Contains(t, string(resp.Body()), "event_id")
}

func TestInvokeAction(t *testing.T) {
	f := newFixture(t)

	resp := perform(f.server, "POST", "/api/actions", []byte(`{"apiPath":"/ping","sessionAttributes":{"k":"v"}}`))
	require.Equal(t, 200, resp.StatusCode(), string(resp.Body()))
	var out action.Response
	require.NoError(t, json.Unmarshal(resp.Body(), &out))
	assert.Equal(t, "pong", out.Body())
	assert.Equal(t, 200, out.Response.HTTPStatusCode)

	resp = perform(f.server, "POST", "/api/actions", []byte(`{"sessionId":"s"}`))
	assert.Equal(t, 400, resp.StatusCode())

	resp = perform(f.server, "POST", "/api/actions", []byte(`[`))
	assert.Equal(t, 400, resp.StatusCode())
}

func TestNotifyObjectAndQueueStats(t *testing.T) {
	f := newFixture(t)

	resp := perform(f.server, "POST", "/api/objects/notify", []byte(`{"detail":{"bucket":{"name":"raw"},"object":{"key":"a.json"}}}`))
	require.Equal(t, 202, resp.StatusCode(), string(resp.Body()))
	assert.NotEmpty(t, decode(t, resp)["message_id"])

	resp = perform(f.server, "POST", "/api/objects/notify", []byte(`{"detail":{"bucket":{"name":"raw"}}}`))
	assert.Equal(t, 400, resp.StatusCode())

	n, err := f.notices.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	resp = perform(f.server, "GET", "/api/queues/process-file", nil)
	require.Equal(t, 200, resp.StatusCode())
	stats := decode(t, resp)
	assert.Equal(t, float64(1), stats["depth"])
	assert.Equal(t, float64(0), stats["dead_letters"])

	assert.Equal(t, 404, perform(f.server, "GET", "/api/queues/nope", nil).StatusCode())

	resp = perform(f.server, "GET", "/metrics", nil)
	require.Equal(t, 200, resp.StatusCode())
	assert.Contains(t, string(resp.Body()), `ops_queue_depth{queue="process-file"} 1`)
}

func TestExecutionLifecycle(t *testing.T) {
	f := newFixture(t)

	resp := perform(f.server, "POST", "/api/workflows/echo/start", []byte(`{"n":1}`))
	require.Equal(t, 202, resp.StatusCode(), string(resp.Body()))
	id := decode(t, resp)["execution_id"].(string)
	f.waitExecution(t, id)

	resp = perform(f.server, "GET", "/api/executions/"+id, nil)
	require.Equal(t, 200, resp.StatusCode())
	ex := decode(t, resp)
	assert.Equal(t, "Succeeded", ex["status"])
	assert.Equal(t, map[string]interface{}{"ok": true}, ex["output"].(map[string]interface{})["echo"])

	// 已结束的执行不可停止
	assert.Equal(t, 409, perform(f.server, "POST", "/api/executions/"+id+"/stop", nil).StatusCode())
	assert.Equal(t, 404, perform(f.server, "GET", "/api/executions/missing", nil).StatusCode())
	assert.Equal(t, 404, perform(f.server, "POST", "/api/workflows/missing/start", nil).StatusCode())

	resp = perform(f.server, "POST", "/api/workflows/approve/start", nil)
	require.Equal(t, 202, resp.StatusCode())
	id = decode(t, resp)["execution_id"].(string)
	<-f.tokens

	resp = perform(f.server, "POST", "/api/executions/"+id+"/stop", []byte(`{"cause":"operator"}`))
	require.Equal(t, 200, resp.StatusCode(), string(resp.Body()))
	stopped := decode(t, resp)
	assert.Equal(t, "Failed", stopped["status"])
	assert.Equal(t, workflow.ErrorCancelled, stopped["error"])
	assert.Equal(t, "operator", stopped["cause"])
}

func TestGetExecutionTrace(t *testing.T) {
	f := newFixture(t)
	resp := perform(f.server, "POST", "/api/workflows/echo/start", nil)
	require.Equal(t, 202, resp.StatusCode())
	id := decode(t, resp)["execution_id"].(string)
	f.waitExecution(t, id)

	resp = perform(f.server, "GET", "/api/executions/"+id+"/trace", nil)
	require.Equal(t, 200, resp.StatusCode())
	var root ExecutionNode
	require.NoError(t, json.Unmarshal(resp.Body(), &root))
	assert.Equal(t, "execution", root.Type)
	require.Len(t, root.Children, 1)
	assert.Equal(t, "Echo", root.Children[0].Name)
	assert.Equal(t, "Pass", root.Children[0].StepType)
}
