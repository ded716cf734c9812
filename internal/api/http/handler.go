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
	stderrors "errors"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"ops-platform/internal/action"
	"ops-platform/internal/chat"
	"ops-platform/internal/eventbus"
	"ops-platform/internal/ingest"
	"ops-platform/internal/queue"
	"ops-platform/internal/workflow"
	"ops-platform/pkg/errors"
	"ops-platform/pkg/metrics"
)

// Handler HTTP 处理器；各组件可为 nil，对应接口返回 503
type Handler struct {
	bus        *eventbus.Bus
	engine     *workflow.Engine
	dispatcher *action.Dispatcher
	frontDoor  *chat.FrontDoor
	// notices 对象到达通知入队的处理队列
	notices queue.Queue
	queues  map[string]queue.Queue
}

// NewHandler 创建 Handler
func NewHandler(bus *eventbus.Bus, engine *workflow.Engine) *Handler {
	return &Handler{
		bus:    bus,
		engine: engine,
		queues: make(map[string]queue.Queue),
	}
}

// SetDispatcher 设置 action 分发器
func (h *Handler) SetDispatcher(d *action.Dispatcher) {
	h.dispatcher = d
}

// SetFrontDoor 设置聊天入口
func (h *Handler) SetFrontDoor(f *chat.FrontDoor) {
	h.frontDoor = f
}

// SetNoticeQueue 设置对象通知入队的目标队列，同时登记为可查询队列
func (h *Handler) SetNoticeQueue(q queue.Queue) {
	h.notices = q
	h.AddQueue(q)
}

// AddQueue 登记可通过 /api/queues/:name 查询的队列
func (h *Handler) AddQueue(q queue.Queue) {
	if q != nil {
		h.queues[q.Name()] = q
	}
}

func unavailable(c *app.RequestContext, component string) {
	c.JSON(consts.StatusServiceUnavailable, map[string]string{
		"error": component + " is not configured",
	})
}

func statusOf(err error) int {
	switch {
	case stderrors.Is(err, errors.ErrValidation):
		return consts.StatusBadRequest
	case stderrors.Is(err, errors.ErrNotFound):
		return consts.StatusNotFound
	case stderrors.Is(err, workflow.ErrNotRunning):
		return consts.StatusConflict
	case stderrors.Is(err, eventbus.ErrClosed):
		return consts.StatusServiceUnavailable
	}
	return consts.StatusInternalServerError
}

func writeError(c *app.RequestContext, err error) {
	c.JSON(statusOf(err), map[string]string{"error": err.Error()})
}

// HealthCheck 健康检查
// GET /api/health
func (h *Handler) HealthCheck(ctx context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// Metrics 导出 Prometheus 指标
// GET /metrics
func (h *Handler) Metrics(ctx context.Context, c *app.RequestContext) {
	for name, q := range h.queues {
		if n, err := q.Len(ctx); err == nil {
			metrics.QueueDepth.WithLabelValues(name).Set(float64(n))
		}
	}
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		writeError(c, err)
		return
	}
	c.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}

// PublishEvent 发布事件到总线，返回匹配的规则
// POST /api/events
func (h *Handler) PublishEvent(ctx context.Context, c *app.RequestContext) {
	if h.bus == nil {
		unavailable(c, "event bus")
		return
	}
	var ev eventbus.Event
	if err := json.Unmarshal(c.Request.Body(), &ev); err != nil {
		writeError(c, errors.Invalid("", err.Error()))
		return
	}
	receipt, err := h.bus.Publish(ctx, ev)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(consts.StatusAccepted, receipt)
}

// callbackRequest 外部参与者完成回调步骤
type callbackRequest struct {
	TaskToken string          `json:"taskToken"`
	Status    string          `json:"status"`
	Output    json.RawMessage `json:"output"`
	Error     string          `json:"error"`
	Cause     string          `json:"cause"`
}

// EventCallback 以 token 恢复挂起的回调步骤。无论结果如何都返回 200，异常只记录日志
// POST /event-callback
func (h *Handler) EventCallback(ctx context.Context, c *app.RequestContext) {
	accepted := h.completeCallback(ctx, c.Request.Body())
	c.JSON(consts.StatusOK, map[string]bool{"accepted": accepted})
}

func (h *Handler) completeCallback(ctx context.Context, body []byte) bool {
	if h.engine == nil {
		hlog.CtxWarnf(ctx, "callback dropped: workflow engine is not configured")
		return false
	}
	var req callbackRequest
	if err := json.Unmarshal(body, &req); err != nil {
		hlog.CtxWarnf(ctx, "malformed callback: %v", err)
		return false
	}
	if req.TaskToken == "" {
		hlog.CtxWarnf(ctx, "callback without taskToken")
		return false
	}

	var err error
	switch req.Status {
	case "success", "":
		var output interface{}
		if len(req.Output) > 0 {
			if err := json.Unmarshal(req.Output, &output); err != nil {
				hlog.CtxWarnf(ctx, "callback output is not JSON: %v", err)
				return false
			}
		}
		err = h.engine.SendTaskSuccess(ctx, req.TaskToken, output)
	case "failure":
		err = h.engine.SendTaskFailure(ctx, req.TaskToken, req.Error, req.Cause)
	default:
		hlog.CtxWarnf(ctx, "callback with unknown status %q", req.Status)
		return false
	}
	if err != nil {
		hlog.CtxWarnf(ctx, "callback not applied: %v", err)
		return false
	}
	return true
}

// SlackEvents 聊天平台事件入口
// POST /slack/events
func (h *Handler) SlackEvents(ctx context.Context, c *app.RequestContext) {
	if h.frontDoor == nil {
		unavailable(c, "chat front door")
		return
	}
	status, body, err := h.frontDoor.Handle(ctx, c.Request.Body())
	if err != nil {
		hlog.CtxWarnf(ctx, "chat event rejected: %v", err)
	}
	contentType := consts.MIMETextPlainUTF8
	if status == consts.StatusOK && len(body) > 0 && body[0] == '{' {
		contentType = consts.MIMEApplicationJSONUTF8
	}
	c.Data(status, contentType, []byte(body))
}

// InvokeAction action group 调用
// POST /api/actions
func (h *Handler) InvokeAction(ctx context.Context, c *app.RequestContext) {
	if h.dispatcher == nil {
		unavailable(c, "action dispatcher")
		return
	}
	var req action.Request
	if err := json.Unmarshal(c.Request.Body(), &req); err != nil {
		writeError(c, errors.Invalid("", err.Error()))
		return
	}
	resp, err := h.dispatcher.Dispatch(ctx, &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, resp)
}

// NotifyObject 对象到达通知入队，由 worker 异步转换
// POST /api/objects/notify
func (h *Handler) NotifyObject(ctx context.Context, c *app.RequestContext) {
	if h.notices == nil {
		unavailable(c, "process queue")
		return
	}
	body := c.Request.Body()
	if _, err := ingest.ParseNotice(body); err != nil {
		writeError(c, err)
		return
	}
	id, err := h.notices.Enqueue(ctx, append([]byte(nil), body...))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(consts.StatusAccepted, map[string]string{"message_id": id})
}

// GetExecution 查询执行
// GET /api/executions/:id
func (h *Handler) GetExecution(ctx context.Context, c *app.RequestContext) {
	if h.engine == nil {
		unavailable(c, "workflow engine")
		return
	}
	ex, err := h.engine.Describe(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, ex)
}

// StopExecution 停止运行中的执行
// POST /api/executions/:id/stop
func (h *Handler) StopExecution(ctx context.Context, c *app.RequestContext) {
	if h.engine == nil {
		unavailable(c, "workflow engine")
		return
	}
	var req struct {
		Cause string `json:"cause"`
	}
	if body := c.Request.Body(); len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(c, errors.Invalid("", err.Error()))
			return
		}
	}
	id := c.Param("id")
	if err := h.engine.Stop(ctx, id, req.Cause); err != nil {
		writeError(c, err)
		return
	}
	ex, err := h.engine.Describe(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, ex)
}

// StartWorkflow 以请求体为输入启动执行
// POST /api/workflows/:name/start
func (h *Handler) StartWorkflow(ctx context.Context, c *app.RequestContext) {
	if h.engine == nil {
		unavailable(c, "workflow engine")
		return
	}
	var input interface{}
	if body := c.Request.Body(); len(body) > 0 {
		if err := json.Unmarshal(body, &input); err != nil {
			writeError(c, errors.Invalid("", err.Error()))
			return
		}
	}
	ex, err := h.engine.Start(ctx, c.Param("name"), input)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(consts.StatusAccepted, map[string]interface{}{
		"execution_id": ex.ID,
		"workflow":     ex.Workflow,
		"status":       ex.Status,
		"started_at":   ex.StartedAt,
	})
}

// QueueStats 队列深度与死信数
// GET /api/queues/:name
func (h *Handler) QueueStats(ctx context.Context, c *app.RequestContext) {
	name := c.Param("name")
	q, ok := h.queues[name]
	if !ok {
		writeError(c, errors.Wrapf(errors.ErrNotFound, "queue %s", name))
		return
	}
	depth, err := q.Len(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	dead, err := q.DeadLetters(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	metrics.QueueDepth.WithLabelValues(name).Set(float64(depth))
	c.JSON(consts.StatusOK, map[string]interface{}{
		"name":         name,
		"depth":        depth,
		"dead_letters": len(dead),
	})
}
