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

package workflow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"ops-platform/pkg/errors"
	"ops-platform/pkg/log"
	"ops-platform/pkg/metrics"
	"ops-platform/pkg/tracing"
)

// DefaultExecutionTimeout 定义未声明 timeoutSeconds 时的整体超时
const DefaultExecutionTimeout = 5 * time.Minute

// Func 本地函数资源；返回 *StepError 可指定错误名
type Func func(ctx context.Context, input interface{}) (interface{}, error)

// Options 引擎参数
type Options struct {
	Store            ExecutionStore
	Tokens           TokenStore
	HTTPClient       *resty.Client
	ExecutionTimeout time.Duration
	// CallbackURL 通过 $$.Callback.Url 注入给外部系统的回调地址
	CallbackURL string
	Logger      *log.Logger
}

type callbackResult struct {
	output interface{}
	err    *StepError
}

// run 进程内运行中的执行
type run struct {
	mu     sync.Mutex
	exec   *Execution
	def    *Definition
	cancel context.CancelCauseFunc
	done   chan struct{}

	// waiting 挂起中的回调步骤数，Parallel 分支可同时挂起
	waiting int
}

// Engine 工作流引擎：每个执行一个 goroutine，Parallel 分支各一个 goroutine
type Engine struct {
	opts   Options
	logger *log.Logger
	store  ExecutionStore
	tokens TokenStore
	http   *resty.Client

	mu    sync.RWMutex
	defs  map[string]*Definition
	funcs map[string]Func

	runMu   sync.Mutex
	runs    map[string]*run
	waiters map[string]chan callbackResult

	wg sync.WaitGroup
}

// NewEngine 创建引擎；未提供的存储使用内存实现
func NewEngine(opts Options) *Engine {
	if opts.Store == nil {
		opts.Store = NewExecutionStoreMem()
	}
	if opts.Tokens == nil {
		opts.Tokens = NewTokenStoreMem()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = resty.New().SetTimeout(60 * time.Second)
	}
	if opts.ExecutionTimeout <= 0 {
		opts.ExecutionTimeout = DefaultExecutionTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	return &Engine{
		opts:    opts,
		logger:  logger.With("component", "workflow"),
		store:   opts.Store,
		tokens:  opts.Tokens,
		http:    opts.HTTPClient,
		defs:    make(map[string]*Definition),
		funcs:   make(map[string]Func),
		runs:    make(map[string]*run),
		waiters: make(map[string]chan callbackResult),
	}
}

// Register 校验并注册定义，同名覆盖
func (e *Engine) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return errors.Wrap(errors.ErrValidation, err.Error())
	}
	e.mu.Lock()
	e.defs[def.Name] = def
	e.mu.Unlock()
	return nil
}

// RegisterFunction 注册本地函数资源
func (e *Engine) RegisterFunction(name string, fn Func) {
	e.mu.Lock()
	e.funcs[name] = fn
	e.mu.Unlock()
}

// Definitions 已注册的定义名
func (e *Engine) Definitions() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.defs))
	for n := range e.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (e *Engine) definition(name string) *Definition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.defs[name]
}

func (e *Engine) function(name string) Func {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.funcs[name]
}

// Start 异步启动执行，立即返回 Running 状态的快照
func (e *Engine) Start(ctx context.Context, name string, input interface{}) (*Execution, error) {
	def := e.definition(name)
	if def == nil {
		return nil, errors.Wrapf(errors.ErrNotFound, "workflow %s", name)
	}
	if input == nil {
		input = map[string]interface{}{}
	}
	ex := &Execution{
		ID:        uuid.New().String(),
		Workflow:  name,
		Input:     deepCopy(input),
		Status:    StatusRunning,
		History:   []StepResult{},
		StartedAt: time.Now().UTC(),
	}
	if err := e.store.Put(ctx, ex); err != nil {
		return nil, err
	}

	timeout := e.opts.ExecutionTimeout
	if def.TimeoutSeconds > 0 {
		timeout = time.Duration(def.TimeoutSeconds) * time.Second
	}
	base, cancel := context.WithCancelCause(context.Background())
	execCtx, cancelTimeout := context.WithTimeoutCause(base, timeout, errExecutionTimeout)
	r := &run{exec: ex, def: def, cancel: cancel, done: make(chan struct{})}
	snapshot := ex.clone()

	e.runMu.Lock()
	e.runs[ex.ID] = r
	e.runMu.Unlock()

	// 执行超时立即写入终态，不等待忽略 ctx 的步骤返回
	stopTimeoutHook := context.AfterFunc(execCtx, func() {
		if context.Cause(execCtx) != errExecutionTimeout {
			return
		}
		if e.finish(r, StatusTimedOut, ErrorTimeout, "execution exceeded its timeout", nil) {
			_ = e.tokens.InvalidateExecution(context.Background(), r.exec.ID)
		}
	})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancelTimeout()
		defer cancel(nil)
		defer stopTimeoutHook()
		e.execute(execCtx, r)
	}()
	e.logger.Info("execution started", "workflow", name, "execution_id", ex.ID)
	return snapshot, nil
}

func (e *Engine) execute(ctx context.Context, r *run) {
	ctx, span := tracing.StartExecutionSpan(ctx, r.def.Name, r.exec.ID)
	out, serr := e.runGraph(ctx, r, "", r.def.StartAt, r.def.Steps, deepCopy(r.exec.Input))

	switch cause := context.Cause(ctx); {
	case cause == errExecutionTimeout:
		e.finish(r, StatusTimedOut, ErrorTimeout, "execution exceeded its timeout", nil)
	case cause == errStopped:
		// Stop 已写入终态
	case serr != nil && serr.Name == ErrorTimeout:
		e.finish(r, StatusTimedOut, serr.Name, serr.Cause, nil)
	case serr != nil:
		e.finish(r, StatusFailed, serr.Name, serr.Cause, nil)
	default:
		e.finish(r, StatusSucceeded, "", "", out)
	}
	if serr != nil {
		tracing.EndSpan(span, serr)
	} else {
		tracing.EndSpan(span, nil)
	}

	_ = e.tokens.InvalidateExecution(context.Background(), r.exec.ID)
	e.runMu.Lock()
	delete(e.runs, r.exec.ID)
	e.runMu.Unlock()
	close(r.done)
}

// finish 写入终态；已终态时返回 false
func (e *Engine) finish(r *run, status Status, errName, cause string, output interface{}) bool {
	r.mu.Lock()
	if r.exec.Status.Terminal() {
		r.mu.Unlock()
		return false
	}
	now := time.Now().UTC()
	r.exec.Status = status
	r.exec.Error = errName
	r.exec.Cause = cause
	r.exec.Output = output
	r.exec.StoppedAt = &now
	r.exec.WaitingForCallback = false
	snapshot := r.exec.clone()
	r.mu.Unlock()

	if err := e.store.Put(context.Background(), snapshot); err != nil {
		e.logger.Error("persist execution failed", "execution_id", snapshot.ID, "error", err)
	}
	metrics.ExecutionsTotal.WithLabelValues(snapshot.Workflow, string(status)).Inc()
	e.logger.Info("execution finished", "workflow", snapshot.Workflow, "execution_id", snapshot.ID,
		"status", status, "error", errName, "cause", cause)
	return true
}

func (e *Engine) record(r *run, res StepResult, current string) {
	r.mu.Lock()
	if r.exec.Status.Terminal() {
		r.mu.Unlock()
		return
	}
	if current != "" {
		r.exec.CurrentStep = current
	}
	if res.Step != "" {
		r.exec.History = append(r.exec.History, res)
	}
	snapshot := r.exec.clone()
	r.mu.Unlock()
	_ = e.store.Put(context.Background(), snapshot)
}

// setWaiting 记录回调步骤挂起与恢复，并持久化标记
func (e *Engine) setWaiting(r *run, delta int) {
	r.mu.Lock()
	if r.exec.Status.Terminal() {
		r.mu.Unlock()
		return
	}
	r.waiting += delta
	r.exec.WaitingForCallback = r.waiting > 0
	snapshot := r.exec.clone()
	r.mu.Unlock()
	_ = e.store.Put(context.Background(), snapshot)
}

// Describe 返回执行快照
func (e *Engine) Describe(ctx context.Context, id string) (*Execution, error) {
	return e.store.Get(ctx, id)
}

// List 列出执行
func (e *Engine) List(ctx context.Context, f Filter) ([]*Execution, error) {
	return e.store.List(ctx, f)
}

// Wait 阻塞直到执行进入终态
func (e *Engine) Wait(ctx context.Context, id string) (*Execution, error) {
	e.runMu.Lock()
	r := e.runs[id]
	e.runMu.Unlock()
	if r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.store.Get(ctx, id)
}

// SendTaskSuccess 以 output 恢复挂起的回调步骤
func (e *Engine) SendTaskSuccess(ctx context.Context, token string, output interface{}) error {
	return e.resume(ctx, token, callbackResult{output: output})
}

// SendTaskFailure 以命名错误结束挂起的回调步骤，可被 retry/catch 处理
func (e *Engine) SendTaskFailure(ctx context.Context, token, errName, cause string) error {
	if errName == "" {
		errName = ErrorTaskFailed
	}
	return e.resume(ctx, token, callbackResult{err: &StepError{Name: errName, Cause: cause}})
}

func (e *Engine) resume(ctx context.Context, token string, res callbackResult) error {
	e.runMu.Lock()
	ch, ok := e.waiters[token]
	e.runMu.Unlock()
	if !ok {
		return ErrTokenInvalid
	}
	if _, err := e.tokens.Consume(ctx, token); err != nil {
		return err
	}
	select {
	case ch <- res:
	default:
	}
	return nil
}

// Stop 立即将执行置为 Failed(States.Cancelled)，使未消费 token 失效；已完成步骤的副作用不回滚
func (e *Engine) Stop(ctx context.Context, id, cause string) error {
	e.runMu.Lock()
	r := e.runs[id]
	e.runMu.Unlock()
	if r == nil {
		if _, err := e.store.Get(ctx, id); err != nil {
			return err
		}
		return ErrNotRunning
	}
	if cause == "" {
		cause = "stopped by request"
	}
	if !e.finish(r, StatusFailed, ErrorCancelled, cause, nil) {
		return ErrNotRunning
	}
	r.cancel(errStopped)
	return e.tokens.InvalidateExecution(ctx, id)
}

// Close 等待运行中的执行结束；ctx 到期后停止剩余执行
func (e *Engine) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}
	e.runMu.Lock()
	ids := make([]string, 0, len(e.runs))
	for id := range e.runs {
		ids = append(ids, id)
	}
	e.runMu.Unlock()
	for _, id := range ids {
		_ = e.Stop(context.Background(), id, "engine shutdown")
	}
	<-done
	return ctx.Err()
}
