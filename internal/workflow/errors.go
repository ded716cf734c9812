package workflow

import (
	"context"
	stderrors "errors"
	"fmt"

	"ops-platform/pkg/errors"
)

// 预定义错误名
const (
	ErrorAll             = "States.ALL"
	ErrorTaskFailed      = "States.TaskFailed"
	ErrorTimeout         = "States.Timeout"
	ErrorNoChoiceMatched = "States.NoChoiceMatched"
	ErrorBranchFailed    = "States.BranchFailed"
	ErrorCancelled       = "States.Cancelled"
	ErrorRuntime         = "States.Runtime"
	ErrorHTTP4xx         = "States.HTTP.4xx"
	ErrorHTTP5xx         = "States.HTTP.5xx"
)

var (
	// ErrTokenInvalid 回调 token 不存在、已消费、已过期或所属执行已结束
	ErrTokenInvalid = errors.Wrap(errors.ErrInvalidArg, "task token invalid")
	// ErrNotRunning 执行已处于终态
	ErrNotRunning = errors.Wrap(errors.ErrInvalidArg, "execution is not running")

	errExecutionTimeout = stderrors.New("execution timed out")
	errStopped          = stderrors.New("execution stopped")
)

// StepError 步骤失败；Name 参与 retry/catch 匹配，Aliases 为附加可匹配的名字
type StepError struct {
	Name    string
	Cause   string
	Aliases []string
}

func (e *StepError) Error() string {
	if e.Cause == "" {
		return e.Name
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Cause)
}

// Matches 判断 errorEquals 列表是否覆盖该错误；States.ALL 不匹配取消
func (e *StepError) Matches(names []string) bool {
	for _, n := range names {
		if n == ErrorAll && e.Name != ErrorCancelled {
			return true
		}
		if n == e.Name {
			return true
		}
		for _, a := range e.Aliases {
			if n == a {
				return true
			}
		}
	}
	return false
}

// NewStepError 供本地函数返回命名错误
func NewStepError(name, cause string) *StepError {
	return &StepError{Name: name, Cause: cause}
}

// asStepError 非 StepError 的错误归为 TaskFailed
func asStepError(err error) *StepError {
	var se *StepError
	if stderrors.As(err, &se) {
		return se
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return &StepError{Name: ErrorTimeout, Cause: err.Error()}
	}
	return &StepError{Name: ErrorTaskFailed, Cause: err.Error()}
}
