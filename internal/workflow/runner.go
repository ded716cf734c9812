package workflow

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"ops-platform/pkg/metrics"
	"ops-platform/pkg/tracing"
)

const tokenGrace = 30 * time.Second

// runGraph 从 startAt 顺序执行到终止步骤；prefix 非空表示 Parallel 分支
func (e *Engine) runGraph(ctx context.Context, r *run, prefix, startAt string, steps map[string]*Step, input interface{}) (interface{}, *StepError) {
	cur := startAt
	data := input
	for {
		if ctx.Err() != nil {
			return nil, ctxStepError(ctx)
		}
		st := steps[cur]
		name := prefix + cur
		if prefix == "" {
			e.record(r, StepResult{}, name)
		}
		out, next, serr := e.runStep(ctx, r, name, st, data)
		if serr != nil {
			return nil, serr
		}
		data = out
		if next == "" {
			return data, nil
		}
		cur = next
	}
}

func (e *Engine) runStep(ctx context.Context, r *run, name string, st *Step, data interface{}) (interface{}, string, *StepError) {
	started := time.Now()
	ctx, span := tracing.StartStepSpan(ctx, name, string(st.Type))
	res := StepResult{Step: name, Type: st.Type, Input: data, StartedAt: started.UTC()}

	out, next, attempts, serr := e.dispatch(ctx, r, name, st, data)
	res.Attempts = attempts
	res.FinishedAt = time.Now().UTC()
	metrics.StepDuration.WithLabelValues(r.def.Name, string(st.Type)).Observe(time.Since(started).Seconds())

	if serr == nil {
		res.Status = StepSucceeded
		res.Output = out
		e.record(r, res, "")
		tracing.EndSpan(span, nil)
		return out, next, nil
	}

	res.Error = serr.Name
	res.Cause = serr.Cause
	if ctx.Err() == nil {
		if c := findCatcher(st.Catch, serr); c != nil {
			info := map[string]interface{}{"Error": serr.Name, "Cause": serr.Cause}
			caught, err := applyResultPath(data, info, c.ResultPath)
			if err == nil {
				res.Status = StepCaught
				res.Output = caught
				e.record(r, res, "")
				tracing.EndSpan(span, nil)
				e.logger.Info("step error caught", "execution_id", r.exec.ID, "step", name, "error", serr.Name, "next", c.Next)
				return caught, c.Next, nil
			}
			serr = &StepError{Name: ErrorRuntime, Cause: err.Error()}
			res.Error, res.Cause = serr.Name, serr.Cause
		}
	}
	res.Status = StepFailed
	e.record(r, res, "")
	tracing.EndSpan(span, serr)
	e.logger.Warn("step failed", "execution_id", r.exec.ID, "step", name, "error", serr.Name, "cause", serr.Cause)
	return nil, "", serr
}

func findCatcher(catchers []Catcher, serr *StepError) *Catcher {
	for i := range catchers {
		if serr.Matches(catchers[i].ErrorEquals) {
			return &catchers[i]
		}
	}
	return nil
}

func nextOf(st *Step) string {
	if st.End {
		return ""
	}
	return st.Next
}

func runtimeError(err error) *StepError {
	return &StepError{Name: ErrorRuntime, Cause: err.Error()}
}

// dispatch 执行单个步骤，返回输出、下一步、尝试次数
func (e *Engine) dispatch(ctx context.Context, r *run, name string, st *Step, data interface{}) (interface{}, string, int, *StepError) {
	input, err := selectPath(data, st.InputPath)
	if err != nil {
		return nil, "", 1, runtimeError(err)
	}

	switch st.Type {
	case StepPass:
		result := input
		if st.Result != nil {
			result = deepCopy(st.Result)
		} else if st.Parameters != nil {
			if result, err = resolveTemplate(st.Parameters, input, e.pathContext(r)); err != nil {
				return nil, "", 1, runtimeError(err)
			}
		}
		out, serr := e.shape(data, result, st)
		return out, nextOf(st), 1, serr

	case StepSucceed:
		out, err := selectPath(input, st.OutputPath)
		if err != nil {
			return nil, "", 1, runtimeError(err)
		}
		return out, "", 1, nil

	case StepFail:
		return nil, "", 1, &StepError{Name: st.Error, Cause: st.Cause}

	case StepChoice:
		next, err := evaluateChoice(st, input)
		if err != nil {
			return nil, "", 1, asStepError(err)
		}
		out, err := selectPath(input, st.OutputPath)
		if err != nil {
			return nil, "", 1, runtimeError(err)
		}
		return out, next, 1, nil

	case StepWait:
		d, err := waitDuration(st, input)
		if err != nil {
			return nil, "", 1, runtimeError(err)
		}
		if err := sleepCtx(ctx, d); err != nil {
			return nil, "", 1, ctxStepError(ctx)
		}
		out, err := selectPath(input, st.OutputPath)
		if err != nil {
			return nil, "", 1, runtimeError(err)
		}
		return out, nextOf(st), 1, nil

	case StepTask:
		result, attempts, serr := e.withRetry(ctx, st, func(ctx context.Context) (interface{}, error) {
			return e.invokeTask(ctx, r, name, st, input)
		})
		if serr != nil {
			return nil, "", attempts, serr
		}
		out, serr := e.shape(data, result, st)
		return out, nextOf(st), attempts, serr

	case StepParallel:
		result, attempts, serr := e.withRetry(ctx, st, func(ctx context.Context) (interface{}, error) {
			return e.runParallel(ctx, r, name, st, input)
		})
		if serr != nil {
			return nil, "", attempts, serr
		}
		out, serr := e.shape(data, result, st)
		return out, nextOf(st), attempts, serr
	}
	return nil, "", 1, &StepError{Name: ErrorRuntime, Cause: fmt.Sprintf("unsupported step type %s", st.Type)}
}

// shape 依次应用 ResultPath 与 OutputPath
func (e *Engine) shape(data, result interface{}, st *Step) (interface{}, *StepError) {
	merged, err := applyResultPath(data, result, st.ResultPath)
	if err != nil {
		return nil, runtimeError(err)
	}
	out, err := selectPath(merged, st.OutputPath)
	if err != nil {
		return nil, runtimeError(err)
	}
	return out, nil
}

func (e *Engine) pathContext(r *run) pathContext {
	return pathContext{
		ExecutionID: r.exec.ID,
		Workflow:    r.def.Name,
		CallbackURL: e.opts.CallbackURL,
	}
}

// withRetry 按 Retry 规则重试；每条规则独立计数
func (e *Engine) withRetry(ctx context.Context, st *Step, fn func(ctx context.Context) (interface{}, error)) (interface{}, int, *StepError) {
	counts := make([]int, len(st.Retry))
	attempts := 0
	for {
		attempts++
		out, err := fn(ctx)
		if err == nil {
			return out, attempts, nil
		}
		if ctx.Err() != nil {
			return nil, attempts, ctxStepError(ctx)
		}
		serr := asStepError(err)
		idx := -1
		for i := range st.Retry {
			if serr.Matches(st.Retry[i].ErrorEquals) {
				idx = i
				break
			}
		}
		if idx < 0 || counts[idx] >= st.Retry[idx].maxAttempts() {
			return nil, attempts, serr
		}
		rt := st.Retry[idx]
		delay := rt.interval() * math.Pow(rt.backoffRate(), float64(counts[idx]))
		if rt.MaxDelaySeconds > 0 && delay > rt.MaxDelaySeconds {
			delay = rt.MaxDelaySeconds
		}
		counts[idx]++
		if err := sleepCtx(ctx, time.Duration(delay*float64(time.Second))); err != nil {
			return nil, attempts, ctxStepError(ctx)
		}
	}
}

// invokeTask 调用资源；WaitForCallback 时挂起直到回调、超时或执行结束
func (e *Engine) invokeTask(ctx context.Context, r *run, name string, st *Step, input interface{}) (interface{}, error) {
	pc := e.pathContext(r)

	var tok *CallbackToken
	var ch chan callbackResult
	if st.WaitForCallback {
		tok = &CallbackToken{Token: uuid.New().String(), ExecutionID: r.exec.ID, Step: name}
		if st.TimeoutSeconds > 0 {
			// 超时由步骤自身判定，ExpiresAt 只负责存储侧清理
			tok.ExpiresAt = time.Now().Add(time.Duration(st.TimeoutSeconds)*time.Second + tokenGrace)
		}
		ch = make(chan callbackResult, 1)
		e.runMu.Lock()
		e.waiters[tok.Token] = ch
		e.runMu.Unlock()
		defer func() {
			e.runMu.Lock()
			delete(e.waiters, tok.Token)
			e.runMu.Unlock()
		}()
		if err := e.tokens.Put(ctx, tok); err != nil {
			return nil, err
		}
		pc.TaskToken = tok.Token
		e.setWaiting(r, 1)
		defer e.setWaiting(r, -1)
	}

	payload := input
	if st.Parameters != nil {
		p, err := resolveTemplate(st.Parameters, input, pc)
		if err != nil {
			return nil, runtimeError(err)
		}
		payload = p
	}

	callCtx := ctx
	if st.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(st.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	result, err := e.call(callCtx, st, payload)
	if err != nil {
		if tok != nil {
			_, _ = e.tokens.Consume(context.Background(), tok.Token)
		}
		if ctx.Err() == nil && stderrors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, &StepError{Name: ErrorTimeout, Cause: fmt.Sprintf("task exceeded %ds", st.TimeoutSeconds)}
		}
		return nil, err
	}
	if tok == nil {
		return result, nil
	}

	e.logger.Debug("waiting for callback", "execution_id", r.exec.ID, "step", name)
	select {
	case res := <-ch:
		return res.unwrap()
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if _, err := e.tokens.Consume(context.Background(), tok.Token); err != nil {
			// 回调先一步消费了 token，结果必然已写入 ch
			select {
			case res := <-ch:
				return res.unwrap()
			case <-time.After(time.Second):
			}
		}
		return nil, &StepError{Name: ErrorTimeout, Cause: fmt.Sprintf("no callback within %ds", st.TimeoutSeconds)}
	}
}

func (c callbackResult) unwrap() (interface{}, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.output, nil
}

func (e *Engine) call(ctx context.Context, st *Step, payload interface{}) (interface{}, error) {
	if st.Resource == "" || st.Resource == ResourceHTTP {
		return e.callHTTP(ctx, st, payload)
	}
	fn := e.function(st.Resource)
	if fn == nil {
		return nil, &StepError{Name: ErrorTaskFailed, Cause: fmt.Sprintf("unknown resource %s", st.Resource)}
	}
	return fn(ctx, payload)
}

// runParallel 分支并发执行，输出为按分支顺序排列的数组；任一分支失败即取消其余分支
func (e *Engine) runParallel(ctx context.Context, r *run, name string, st *Step, input interface{}) (interface{}, error) {
	g, gctx := errgroup.WithContext(ctx)
	outs := make([]interface{}, len(st.Branches))
	for i, b := range st.Branches {
		i, b := i, b
		g.Go(func() error {
			prefix := fmt.Sprintf("%s[%d].", name, i)
			out, serr := e.runGraph(gctx, r, prefix, b.StartAt, b.Steps, deepCopy(input))
			if serr != nil {
				return serr
			}
			outs[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		serr := asStepError(err)
		aliases := append([]string{ErrorBranchFailed}, serr.Aliases...)
		return nil, &StepError{Name: serr.Name, Cause: serr.Cause, Aliases: aliases}
	}
	return outs, nil
}

func waitDuration(st *Step, input interface{}) (time.Duration, error) {
	switch {
	case st.Seconds > 0:
		return time.Duration(st.Seconds) * time.Second, nil
	case st.Timestamp != "":
		return untilTimestamp(st.Timestamp)
	case st.SecondsPath != "":
		v, err := selectPath(input, st.SecondsPath)
		if err != nil {
			return 0, err
		}
		n, ok := toNumber(v)
		if !ok {
			return 0, fmt.Errorf("%s is not a number", st.SecondsPath)
		}
		return time.Duration(n * float64(time.Second)), nil
	case st.TimestampPath != "":
		v, err := selectPath(input, st.TimestampPath)
		if err != nil {
			return 0, err
		}
		s, ok := v.(string)
		if !ok {
			return 0, fmt.Errorf("%s is not a timestamp", st.TimestampPath)
		}
		return untilTimestamp(s)
	}
	return 0, nil
}

func untilTimestamp(s string) (time.Duration, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, err
	}
	return time.Until(t), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ctxStepError 把执行级取消原因转为步骤错误
func ctxStepError(ctx context.Context) *StepError {
	switch cause := context.Cause(ctx); {
	case stderrors.Is(cause, errExecutionTimeout):
		return &StepError{Name: ErrorTimeout, Cause: cause.Error()}
	case cause != nil:
		return &StepError{Name: ErrorCancelled, Cause: cause.Error()}
	}
	return &StepError{Name: ErrorCancelled}
}
