package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ops-platform/pkg/errors"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := NewEngine(Options{CallbackURL: "http://ops.local/event-callback"})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return e
}

func mustRegister(t *testing.T, e *Engine, src string) {
	t.Helper()
	def, err := ParseDefinition([]byte(src))
	require.NoError(t, err)
	require.NoError(t, e.Register(def))
}

func runToEnd(t *testing.T, e *Engine, name string, input interface{}) *Execution {
	t.Helper()
	ex, err := e.Start(context.Background(), name, input)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, ex.Status)
	return waitFor(t, e, ex.ID)
}

func waitFor(t *testing.T, e *Engine, id string) *Execution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ex, err := e.Wait(ctx, id)
	require.NoError(t, err)
	return ex
}

func field(t *testing.T, v interface{}, path string) interface{} {
	t.Helper()
	out, err := selectPath(v, path)
	require.NoError(t, err)
	return out
}

const routeWorkflow = `
name: route
startAt: Classify
steps:
  Classify:
    type: Choice
    choices:
      - variable: $.severity
        numericGreaterThan: 3
        next: Page
      - condition: 'source != nil && source startsWith "aws."'
        next: Ticket
    default: Ignore
  Page:
    type: Pass
    result:
      action: page
    resultPath: $.decision
    end: true
  Ticket:
    type: Pass
    result:
      action: ticket
    resultPath: $.decision
    end: true
  Ignore:
    type: Succeed
`

func TestEngine_ChoiceAndPass(t *testing.T) {
	e := newTestEngine(t)
	mustRegister(t, e, routeWorkflow)

	ex := runToEnd(t, e, "route", map[string]interface{}{"severity": 5})
	require.Equal(t, StatusSucceeded, ex.Status)
	assert.Equal(t, "page", field(t, ex.Output, "$.decision.action"))
	assert.Equal(t, float64(5), field(t, ex.Output, "$.severity"))

	ex = runToEnd(t, e, "route", map[string]interface{}{"severity": 1, "source": "aws.ec2"})
	require.Equal(t, StatusSucceeded, ex.Status)
	assert.Equal(t, "ticket", field(t, ex.Output, "$.decision.action"))

	ex = runToEnd(t, e, "route", map[string]interface{}{"source": "custom"})
	require.Equal(t, StatusSucceeded, ex.Status)
	assert.Equal(t, map[string]interface{}{"source": "custom"}, ex.Output)
	require.Len(t, ex.History, 2)
	assert.Equal(t, "Classify", ex.History[0].Step)
	assert.Equal(t, "Ignore", ex.History[1].Step)
}

func TestEngine_NoChoiceMatchedFails(t *testing.T) {
	e := newTestEngine(t)
	mustRegister(t, e, `
name: strict
startAt: Pick
steps:
  Pick:
    type: Choice
    choices:
      - variable: $.kind
        stringEquals: a
        next: Done
  Done:
    type: Succeed
`)
	ex := runToEnd(t, e, "strict", map[string]interface{}{"kind": "b"})
	assert.Equal(t, StatusFailed, ex.Status)
	assert.Equal(t, ErrorNoChoiceMatched, ex.Error)
}

func TestEngine_TaskRetryThenSucceed(t *testing.T) {
	e := newTestEngine(t)
	var calls int32
	e.RegisterFunction("flaky", func(ctx context.Context, input interface{}) (interface{}, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, fmt.Errorf("temporarily unavailable")
		}
		return map[string]interface{}{"ok": true}, nil
	})
	mustRegister(t, e, `
name: retrying
startAt: Call
steps:
  Call:
    type: Task
    resource: flaky
    retry:
      - errorEquals: [States.ALL]
        intervalSeconds: 0
        maxAttempts: 3
    resultPath: $.result
    end: true
`)
	ex := runToEnd(t, e, "retrying", map[string]interface{}{"id": "1"})
	require.Equal(t, StatusSucceeded, ex.Status)
	assert.Equal(t, true, field(t, ex.Output, "$.result.ok"))
	assert.Equal(t, "1", field(t, ex.Output, "$.id"))
	require.Len(t, ex.History, 1)
	assert.Equal(t, 3, ex.History[0].Attempts)
}

func TestEngine_RetryExhaustedThenCatch(t *testing.T) {
	e := newTestEngine(t)
	var calls int32
	e.RegisterFunction("broken", func(context.Context, interface{}) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, NewStepError("Custom.Error", "boom")
	})
	mustRegister(t, e, `
name: catching
startAt: Call
steps:
  Call:
    type: Task
    resource: broken
    retry:
      - errorEquals: [Custom.Error]
        intervalSeconds: 0
        maxAttempts: 1
    catch:
      - errorEquals: [Custom.Error]
        resultPath: $.error
        next: Recover
    next: Done
  Recover:
    type: Pass
    next: Done
  Done:
    type: Succeed
`)
	ex := runToEnd(t, e, "catching", map[string]interface{}{"id": "1"})
	require.Equal(t, StatusSucceeded, ex.Status)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, "Custom.Error", field(t, ex.Output, "$.error.Error"))
	assert.Equal(t, "boom", field(t, ex.Output, "$.error.Cause"))
	require.Len(t, ex.History, 3)
	assert.Equal(t, StepCaught, ex.History[0].Status)
	assert.Equal(t, 2, ex.History[0].Attempts)
}

func TestEngine_FailStep(t *testing.T) {
	e := newTestEngine(t)
	mustRegister(t, e, `
name: failing
startAt: Stop
steps:
  Stop:
    type: Fail
    error: Ops.Rejected
    cause: not allowed
`)
	ex := runToEnd(t, e, "failing", nil)
	assert.Equal(t, StatusFailed, ex.Status)
	assert.Equal(t, "Ops.Rejected", ex.Error)
	assert.Equal(t, "not allowed", ex.Cause)
	assert.NotNil(t, ex.StoppedAt)
}

func TestEngine_Parallel(t *testing.T) {
	e := newTestEngine(t)
	mustRegister(t, e, `
name: fanout
startAt: Both
steps:
  Both:
    type: Parallel
    resultPath: $.results
    branches:
      - startAt: A
        steps:
          A:
            type: Pass
            result: a
            end: true
      - startAt: B
        steps:
          B:
            type: Pass
            inputPath: $.name
            end: true
    end: true
`)
	ex := runToEnd(t, e, "fanout", map[string]interface{}{"name": "b"})
	require.Equal(t, StatusSucceeded, ex.Status)
	assert.Equal(t, []interface{}{"a", "b"}, field(t, ex.Output, "$.results"))

	steps := make([]string, 0, len(ex.History))
	for _, h := range ex.History {
		steps = append(steps, h.Step)
	}
	assert.ElementsMatch(t, []string{"Both[0].A", "Both[1].B", "Both"}, steps)
}

func TestEngine_ParallelBranchFailureCancelsSiblings(t *testing.T) {
	e := newTestEngine(t)
	mustRegister(t, e, `
name: fanout-fail
startAt: Both
steps:
  Both:
    type: Parallel
    branches:
      - startAt: Slow
        steps:
          Slow:
            type: Wait
            seconds: 30
            end: true
      - startAt: Boom
        steps:
          Boom:
            type: Fail
            error: Branch.Boom
    catch:
      - errorEquals: [States.BranchFailed]
        resultPath: $.failure
        next: Handled
    end: true
  Handled:
    type: Succeed
`)
	started := time.Now()
	ex := runToEnd(t, e, "fanout-fail", map[string]interface{}{})
	require.Equal(t, StatusSucceeded, ex.Status)
	assert.Less(t, time.Since(started), 10*time.Second)
	assert.Equal(t, "Branch.Boom", field(t, ex.Output, "$.failure.Error"))
}

const approvalWorkflow = `
name: approval
startAt: Ask
steps:
  Ask:
    type: Task
    resource: notify
    waitForCallback: true
    timeoutSeconds: %d
    parameters:
      token: $$.Task.Token
      callback: $$.Callback.Url
      ticket: $.ticket
    resultPath: $.approval
    catch:
      - errorEquals: [Approval.Rejected]
        resultPath: $.rejection
        next: Rejected
    end: true
  Rejected:
    type: Fail
    error: Approval.Rejected
`

func registerApproval(t *testing.T, e *Engine, timeoutSeconds int) chan map[string]interface{} {
	t.Helper()
	sent := make(chan map[string]interface{}, 4)
	e.RegisterFunction("notify", func(_ context.Context, input interface{}) (interface{}, error) {
		sent <- input.(map[string]interface{})
		return nil, nil
	})
	mustRegister(t, e, fmt.Sprintf(approvalWorkflow, timeoutSeconds))
	return sent
}

func receiveToken(t *testing.T, sent chan map[string]interface{}) string {
	t.Helper()
	select {
	case p := <-sent:
		tok, _ := p["token"].(string)
		require.NotEmpty(t, tok)
		return tok
	case <-time.After(5 * time.Second):
		t.Fatal("callback task was never invoked")
	}
	return ""
}

func TestEngine_CallbackSuccess(t *testing.T) {
	e := newTestEngine(t)
	sent := registerApproval(t, e, 10)

	ex, err := e.Start(context.Background(), "approval", map[string]interface{}{"ticket": "T-1"})
	require.NoError(t, err)

	var payload map[string]interface{}
	select {
	case payload = <-sent:
	case <-time.After(5 * time.Second):
		t.Fatal("callback task was never invoked")
	}
	assert.Equal(t, "T-1", payload["ticket"])
	assert.Equal(t, "http://ops.local/event-callback", payload["callback"])
	tok := payload["token"].(string)

	cur, err := e.Describe(context.Background(), ex.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, cur.Status)
	assert.Equal(t, "Ask", cur.CurrentStep)
	assert.True(t, cur.WaitingForCallback)

	require.NoError(t, e.SendTaskSuccess(context.Background(), tok, map[string]interface{}{"approved": true}))
	assert.ErrorIs(t, e.SendTaskSuccess(context.Background(), tok, nil), ErrTokenInvalid)

	done := waitFor(t, e, ex.ID)
	require.Equal(t, StatusSucceeded, done.Status)
	assert.Equal(t, true, field(t, done.Output, "$.approval.approved"))
	assert.False(t, done.WaitingForCallback)
}

func TestEngine_CallbackFailureIsCatchable(t *testing.T) {
	e := newTestEngine(t)
	sent := registerApproval(t, e, 10)

	ex, err := e.Start(context.Background(), "approval", map[string]interface{}{"ticket": "T-2"})
	require.NoError(t, err)
	tok := receiveToken(t, sent)
	require.NoError(t, e.SendTaskFailure(context.Background(), tok, "Approval.Rejected", "denied by on-call"))

	done := waitFor(t, e, ex.ID)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Equal(t, "Approval.Rejected", done.Error)
	require.Len(t, done.History, 2)
	assert.Equal(t, StepCaught, done.History[0].Status)
	assert.Equal(t, "denied by on-call", done.History[0].Cause)
}

func TestEngine_CallbackTimeout(t *testing.T) {
	e := newTestEngine(t)
	sent := registerApproval(t, e, 1)

	ex, err := e.Start(context.Background(), "approval", map[string]interface{}{"ticket": "T-3"})
	require.NoError(t, err)
	tok := receiveToken(t, sent)

	done := waitFor(t, e, ex.ID)
	require.Equal(t, StatusTimedOut, done.Status)
	assert.Equal(t, ErrorTimeout, done.Error)
	assert.False(t, done.WaitingForCallback)

	assert.ErrorIs(t, e.SendTaskSuccess(context.Background(), tok, map[string]interface{}{"approved": true}), ErrTokenInvalid)
	after, err := e.Describe(context.Background(), ex.ID)
	require.NoError(t, err)
	assert.Equal(t, done.Status, after.Status)
	assert.Equal(t, len(done.History), len(after.History))
	assert.Nil(t, after.Output)
}

func TestEngine_Stop(t *testing.T) {
	e := newTestEngine(t)
	sent := registerApproval(t, e, 0)

	ex, err := e.Start(context.Background(), "approval", map[string]interface{}{"ticket": "T-4"})
	require.NoError(t, err)
	tok := receiveToken(t, sent)

	require.NoError(t, e.Stop(context.Background(), ex.ID, "operator abort"))
	cur, err := e.Describe(context.Background(), ex.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, cur.Status)
	assert.Equal(t, ErrorCancelled, cur.Error)
	assert.Equal(t, "operator abort", cur.Cause)

	done := waitFor(t, e, ex.ID)
	assert.Equal(t, StatusFailed, done.Status)
	assert.ErrorIs(t, e.SendTaskSuccess(context.Background(), tok, nil), ErrTokenInvalid)
	assert.ErrorIs(t, e.Stop(context.Background(), ex.ID, ""), ErrNotRunning)
	assert.ErrorIs(t, e.Stop(context.Background(), "missing", ""), errors.ErrNotFound)
}

func TestEngine_ExecutionTimeout(t *testing.T) {
	e := newTestEngine(t)
	mustRegister(t, e, `
name: slow
startAt: Sleep
timeoutSeconds: 1
steps:
  Sleep:
    type: Wait
    seconds: 30
    next: Done
  Done:
    type: Succeed
`)
	started := time.Now()
	ex := runToEnd(t, e, "slow", nil)
	assert.Equal(t, StatusTimedOut, ex.Status)
	assert.Equal(t, ErrorTimeout, ex.Error)
	assert.Less(t, time.Since(started), 10*time.Second)
}

func TestEngine_ExecutionTimeoutWithUncooperativeTask(t *testing.T) {
	e := newTestEngine(t)
	release := make(chan struct{})
	e.RegisterFunction("stuck", func(context.Context, interface{}) (interface{}, error) {
		select {
		case <-release:
		case <-time.After(2500 * time.Millisecond):
		}
		return map[string]interface{}{"late": true}, nil
	})
	mustRegister(t, e, `
name: stuck
startAt: Call
timeoutSeconds: 1
steps:
  Call:
    type: Task
    resource: stuck
    end: true
`)
	ex, err := e.Start(context.Background(), "stuck", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		cur, err := e.Describe(context.Background(), ex.ID)
		return err == nil && cur.Status == StatusTimedOut
	}, 1800*time.Millisecond, 20*time.Millisecond, "execution must time out while the task is still running")

	cur, err := e.Describe(context.Background(), ex.ID)
	require.NoError(t, err)
	assert.Equal(t, ErrorTimeout, cur.Error)
	assert.NotNil(t, cur.StoppedAt)

	close(release)
	done := waitFor(t, e, ex.ID)
	assert.Equal(t, StatusTimedOut, done.Status)
	assert.Nil(t, done.Output)
	assert.Empty(t, done.History)
}

func TestEngine_HTTPTask(t *testing.T) {
	var flakyCalls int32
	var gotBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tickets":
			body, _ := io.ReadAll(r.Body)
			gotBody.Store(string(body))
			if atomic.AddInt32(&flakyCalls, 1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"42"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	e := newTestEngine(t)
	mustRegister(t, e, strings.ReplaceAll(`
name: http
startAt: Create
steps:
  Create:
    type: Task
    url: BASE/tickets
    parameters:
      execution: $$.Execution.Id
      summary: $.summary
    retry:
      - errorEquals: [States.HTTP.5xx]
        intervalSeconds: 0
        maxAttempts: 2
    resultPath: $.created
    next: Lookup
  Lookup:
    type: Task
    method: GET
    url: BASE/missing
    catch:
      - errorEquals: [States.HTTP.4xx]
        resultPath: $.lookupError
        next: Done
    next: Done
  Done:
    type: Succeed
`, "BASE", srv.URL))

	ex := runToEnd(t, e, "http", map[string]interface{}{"summary": "disk full"})
	require.Equal(t, StatusSucceeded, ex.Status, ex.Cause)
	assert.Equal(t, "42", field(t, ex.Output, "$.created.id"))
	assert.Equal(t, ErrorTaskFailed, field(t, ex.Output, "$.lookupError.Error"))
	assert.Equal(t, int32(2), atomic.LoadInt32(&flakyCalls))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(gotBody.Load().(string)), &body))
	assert.Equal(t, ex.ID, body["execution"])
	assert.Equal(t, "disk full", body["summary"])
}

func TestEngine_StartAndRegisterErrors(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Start(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	err = e.Register(&Definition{Name: "broken", StartAt: "X", Steps: map[string]*Step{"Y": {Type: StepSucceed}}})
	assert.ErrorIs(t, err, errors.ErrValidation)
}

func TestEngine_List(t *testing.T) {
	e := newTestEngine(t)
	mustRegister(t, e, routeWorkflow)
	mustRegister(t, e, `
name: noop
startAt: Done
steps:
  Done:
    type: Succeed
`)
	runToEnd(t, e, "route", map[string]interface{}{"severity": 9})
	runToEnd(t, e, "noop", nil)
	runToEnd(t, e, "noop", nil)

	all, err := e.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	noops, err := e.List(context.Background(), Filter{Workflow: "noop", Status: StatusSucceeded, Limit: 1})
	require.NoError(t, err)
	require.Len(t, noops, 1)
	assert.Equal(t, "noop", noops[0].Workflow)
	assert.Equal(t, []string{"noop", "route"}, e.Definitions())
}
