package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Jeffail/gabs/v2"
)

// pathContext "$$." 开头的引用解析来源
type pathContext struct {
	ExecutionID string
	Workflow    string
	TaskToken   string
	CallbackURL string
}

func (c pathContext) lookup(ref string) (interface{}, bool) {
	switch ref {
	case "$$.Execution.Id":
		return c.ExecutionID, true
	case "$$.StateMachine.Name", "$$.Workflow.Name":
		return c.Workflow, true
	case "$$.Task.Token":
		return c.TaskToken, c.TaskToken != ""
	case "$$.Callback.Url":
		return c.CallbackURL, c.CallbackURL != ""
	}
	return nil, false
}

// deepCopy 通过 JSON 往返复制，保证并行分支互不影响
func deepCopy(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

func splitPath(path string) ([]string, error) {
	if path == "$" || path == "" {
		return nil, nil
	}
	if !strings.HasPrefix(path, "$.") {
		return nil, fmt.Errorf("invalid path %q", path)
	}
	return strings.Split(strings.TrimPrefix(path, "$."), "."), nil
}

// selectPath 取 path 指向的值；空路径或 "$" 返回整体
func selectPath(data interface{}, path string) (interface{}, error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return data, nil
	}
	node := gabs.Wrap(data).Search(parts...)
	if node == nil {
		return nil, fmt.Errorf("path %s not found", path)
	}
	return node.Data(), nil
}

func pathExists(data interface{}, path string) bool {
	parts, err := splitPath(path)
	if err != nil {
		return false
	}
	if len(parts) == 0 {
		return data != nil
	}
	return gabs.Wrap(data).Exists(parts...)
}

// applyResultPath 把 result 写入 data 的 path 处；"$" 表示替换整体
func applyResultPath(data, result interface{}, path string) (interface{}, error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return result, nil
	}
	base := deepCopy(data)
	if _, ok := base.(map[string]interface{}); !ok {
		base = map[string]interface{}{}
	}
	c := gabs.Wrap(base)
	if _, err := c.Set(result, parts...); err != nil {
		return nil, fmt.Errorf("set %s: %w", path, err)
	}
	return c.Data(), nil
}

// resolveTemplate 递归解析参数模板：以 "$." 或 "$$." 开头的字符串替换为引用值
func resolveTemplate(tpl interface{}, input interface{}, pc pathContext) (interface{}, error) {
	switch t := tpl.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, v := range t {
			r, err := resolveTemplate(v, input, pc)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, v := range t {
			r, err := resolveTemplate(v, input, pc)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case string:
		switch {
		case strings.HasPrefix(t, "$$."):
			v, ok := pc.lookup(t)
			if !ok {
				return nil, fmt.Errorf("unknown context reference %s", t)
			}
			return v, nil
		case t == "$" || strings.HasPrefix(t, "$."):
			return selectPath(input, t)
		}
		return t, nil
	default:
		return tpl, nil
	}
}
