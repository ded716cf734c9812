package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"

	"ops-platform/internal/action"
	"ops-platform/internal/chat"
	"ops-platform/internal/eventbus"
	"ops-platform/internal/storage/record"
	"ops-platform/internal/workflow"
	"ops-platform/pkg/errors"
)

// 工作流可调用的进程内函数名
const (
	FuncBusPublish      = "bus.publish"
	FuncRecordsPut      = "records.put"
	FuncRecordsGet      = "records.get"
	FuncActionsDispatch = "actions.dispatch"
	FuncChatNotify      = "chat.notify"
	FuncTextCommand     = "text.command"
)

// 函数失败时的错误名，可在定义中 retry/catch
const (
	ErrorRecordNotFound = "Records.NotFound"
	ErrorBadInput       = "Functions.BadInput"
)

// functionDeps 进程内函数依赖的组件
type functionDeps struct {
	bus        *eventbus.Bus
	records    record.Store
	dispatcher *action.Dispatcher
	notifier   *chat.Notifier
}

func registerFunctions(engine *workflow.Engine, d functionDeps) {
	engine.RegisterFunction(FuncBusPublish, d.publish)
	engine.RegisterFunction(FuncRecordsPut, d.putRecord)
	engine.RegisterFunction(FuncRecordsGet, d.getRecord)
	engine.RegisterFunction(FuncActionsDispatch, d.dispatch)
	engine.RegisterFunction(FuncChatNotify, d.notify)
	engine.RegisterFunction(FuncTextCommand, parseCommand)
}

// decodeInput 把步骤输入转成结构体；字段缺失由调用方检查
func decodeInput(input interface{}, out interface{}) error {
	b, err := json.Marshal(input)
	if err != nil {
		return workflow.NewStepError(ErrorBadInput, err.Error())
	}
	if err := json.Unmarshal(b, out); err != nil {
		return workflow.NewStepError(ErrorBadInput, err.Error())
	}
	return nil
}

// publish 输入即事件：{source, detail-type|detailType, detail, bus}
func (d functionDeps) publish(ctx context.Context, input interface{}) (interface{}, error) {
	var ev eventbus.Event
	if err := decodeInput(input, &ev); err != nil {
		return nil, err
	}
	rec, err := d.bus.Publish(ctx, ev)
	if err != nil {
		if stderrors.Is(err, errors.ErrValidation) {
			return nil, workflow.NewStepError(ErrorBadInput, err.Error())
		}
		return nil, err
	}
	return map[string]interface{}{"eventId": rec.EventID, "matchedRules": rec.Rules}, nil
}

type recordInput struct {
	Table      string                 `json:"table"`
	PK         string                 `json:"pk"`
	Attributes map[string]interface{} `json:"attributes"`
}

func (in recordInput) check() error {
	if in.Table == "" || in.PK == "" {
		return workflow.NewStepError(ErrorBadInput, "table and pk are required")
	}
	return nil
}

// putRecord 按 (table, pk) 覆盖写入
func (d functionDeps) putRecord(ctx context.Context, input interface{}) (interface{}, error) {
	var in recordInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if err := in.check(); err != nil {
		return nil, err
	}
	if in.Attributes == nil {
		in.Attributes = map[string]interface{}{}
	}
	if err := d.records.Put(ctx, &record.Record{Table: in.Table, PK: in.PK, Attributes: in.Attributes}); err != nil {
		return nil, err
	}
	return map[string]interface{}{"table": in.Table, "pk": in.PK}, nil
}

// getRecord 返回记录属性；不存在时失败为 Records.NotFound
func (d functionDeps) getRecord(ctx context.Context, input interface{}) (interface{}, error) {
	var in recordInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if err := in.check(); err != nil {
		return nil, err
	}
	rec, err := d.records.Get(ctx, in.Table, in.PK)
	if err != nil {
		if stderrors.Is(err, errors.ErrNotFound) {
			return nil, workflow.NewStepError(ErrorRecordNotFound, fmt.Sprintf("%s/%s", in.Table, in.PK))
		}
		return nil, err
	}
	return rec.Attributes, nil
}

type dispatchInput struct {
	APIPath           string            `json:"apiPath"`
	SessionID         string            `json:"sessionId"`
	Query             string            `json:"query"`
	SessionAttributes map[string]string `json:"sessionAttributes"`
}

// dispatch 由简化输入构造 action 请求：query 作为 list-tickets 的首个参数、ask-tam 的问题
func (d functionDeps) dispatch(ctx context.Context, input interface{}) (interface{}, error) {
	var in dispatchInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	req := &action.Request{
		MessageVersion:    "1.0",
		APIPath:           in.APIPath,
		HTTPMethod:        "GET",
		SessionID:         in.SessionID,
		InputText:         in.Query,
		SessionAttributes: in.SessionAttributes,
	}
	switch in.APIPath {
	case action.ListTicketsPath:
		req.Parameters = []action.Parameter{{Name: "filter", Type: "string", Value: in.Query}}
	default:
		req.HTTPMethod = "POST"
		req.RequestBody = &action.RequestBody{Content: map[string]action.MediaContent{
			action.ContentTypeJSON: {Properties: []action.Parameter{{Name: "question", Type: "string", Value: in.Query}}},
		}}
	}
	resp, err := d.dispatcher.Dispatch(ctx, req)
	if err != nil {
		return nil, workflow.NewStepError(ErrorBadInput, err.Error())
	}
	return map[string]interface{}{
		"status":            resp.Response.HTTPStatusCode,
		"body":              resp.Body(),
		"sessionAttributes": resp.Response.SessionAttributes,
	}, nil
}

type notifyInput struct {
	Text string `json:"text"`
	// Event 原始聊天事件，存在时回复到其频道与线程
	Event map[string]interface{} `json:"event"`
	// TaskToken 等待回调时附在消息末尾，供值班人员确认
	TaskToken   string `json:"taskToken"`
	CallbackURL string `json:"callbackUrl"`
}

// notify 回复聊天消息；未配置 webhook 时失败
func (d functionDeps) notify(ctx context.Context, input interface{}) (interface{}, error) {
	if d.notifier == nil {
		return nil, workflow.NewStepError(workflow.ErrorTaskFailed, "chat webhook is not configured")
	}
	var in notifyInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	msg := chat.Message{Text: in.Text}
	if in.TaskToken != "" {
		msg.Text += fmt.Sprintf("\n\nacknowledge: POST %s {\"taskToken\": %q}", in.CallbackURL, in.TaskToken)
	}
	msg.Channel, _ = in.Event["channel"].(string)
	if ts, ok := in.Event["thread_ts"].(string); ok {
		msg.ThreadTS = ts
	} else {
		msg.ThreadTS, _ = in.Event["ts"].(string)
	}
	if err := d.notifier.Notify(ctx, msg); err != nil {
		if stderrors.Is(err, errors.ErrValidation) {
			return nil, workflow.NewStepError(ErrorBadInput, err.Error())
		}
		return nil, err
	}
	return map[string]interface{}{"sent": true}, nil
}

// parseCommand 把 "tickets acme" 拆为 {name: tickets, argument: acme}；名称统一小写
func parseCommand(_ context.Context, input interface{}) (interface{}, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	fields := strings.Fields(in.Text)
	if len(fields) == 0 {
		return map[string]interface{}{"name": "", "argument": ""}, nil
	}
	return map[string]interface{}{
		"name":     strings.ToLower(fields[0]),
		"argument": strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(in.Text), fields[0])),
		"text":     in.Text,
	}, nil
}
