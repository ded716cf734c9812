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

package action

import (
	"context"
	stderrors "errors"
	"net/http"
	"sync"

	"ops-platform/pkg/errors"
	"ops-platform/pkg/log"
	"ops-platform/pkg/metrics"
	"ops-platform/pkg/validate"
)

// Handler 处理某个 apiPath；返回 ValidationError 表示调用方输入畸形
type Handler interface {
	Handle(ctx context.Context, req *Request) (string, error)
}

// HandlerFunc 函数适配
type HandlerFunc func(ctx context.Context, req *Request) (string, error)

func (f HandlerFunc) Handle(ctx context.Context, req *Request) (string, error) {
	return f(ctx, req)
}

// Dispatcher 按 apiPath 路由到已注册的处理器
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *log.Logger
}

// NewDispatcher 创建分发器
func NewDispatcher(logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Dispatcher{handlers: make(map[string]Handler), logger: logger.With("component", "action")}
}

// Register 注册处理器，同路径覆盖
func (d *Dispatcher) Register(apiPath string, h Handler) {
	d.mu.Lock()
	d.handlers[apiPath] = h
	d.mu.Unlock()
}

// Dispatch 同步分发一次请求。
// 未注册路径与运行期失败都以 200 + 致歉文本返回；畸形输入作为错误返回，由调用方决定状态码。
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	if err := validate.Struct(req); err != nil {
		return nil, err
	}
	d.mu.RLock()
	h, ok := d.handlers[req.APIPath]
	d.mu.RUnlock()
	if !ok {
		metrics.ActionsTotal.WithLabelValues("unknown", "fallback").Inc()
		d.logger.Info("no handler for api path", "api_path", req.APIPath)
		return newResponse(req, http.StatusOK, Apology), nil
	}

	body, err := h.Handle(ctx, req)
	switch {
	case err == nil:
		metrics.ActionsTotal.WithLabelValues(req.APIPath, "ok").Inc()
	case stderrors.Is(err, errors.ErrValidation):
		metrics.ActionsTotal.WithLabelValues(req.APIPath, "invalid").Inc()
		d.logger.Error("malformed action request", "api_path", req.APIPath, "error", err)
		return nil, err
	default:
		metrics.ActionsTotal.WithLabelValues(req.APIPath, "degraded").Inc()
		d.logger.Warn("action failed, answering with apology", "api_path", req.APIPath, "error", err)
		body = Apology
	}
	d.logger.Debug("action dispatched", "api_path", req.APIPath, "body_len", len(body))
	return newResponse(req, http.StatusOK, body), nil
}
