package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const maxCauseBody = 512

// callHTTP 调用 HTTP 资源：2xx 返回解析后的 JSON（非 JSON 返回字符串），其余状态码为带别名的 TaskFailed
func (e *Engine) callHTTP(ctx context.Context, st *Step, payload interface{}) (interface{}, error) {
	method := strings.ToUpper(st.Method)
	if method == "" {
		method = http.MethodPost
	}
	req := e.http.R().SetContext(ctx).SetHeaders(st.Headers)
	if method != http.MethodGet && method != http.MethodDelete && payload != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(payload)
	}
	resp, err := req.Execute(method, st.URL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &StepError{Name: ErrorTaskFailed, Cause: err.Error()}
	}

	body := resp.Body()
	code := resp.StatusCode()
	if code < 200 || code >= 300 {
		cause := string(body)
		if len(cause) > maxCauseBody {
			cause = cause[:maxCauseBody]
		}
		serr := &StepError{Name: ErrorTaskFailed, Cause: fmt.Sprintf("%s %s returned %d: %s", method, st.URL, code, cause)}
		switch {
		case code >= 500:
			serr.Aliases = []string{ErrorHTTP5xx}
		case code >= 400:
			serr.Aliases = []string{ErrorHTTP4xx}
		}
		return nil, serr
	}
	if len(body) == 0 {
		return nil, nil
	}
	var out interface{}
	if err := json.Unmarshal(body, &out); err != nil {
		return string(body), nil
	}
	return out, nil
}
