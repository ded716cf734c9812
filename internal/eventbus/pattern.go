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

package eventbus

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/Jeffail/gabs/v2"
)

// Clause 单个路径上的条件；Values 与 Prefixes 之间为“或”
type Clause struct {
	Path     string
	Values   []interface{}
	Prefixes []string
}

// Pattern 条件的合取；空 Pattern 匹配所有事件
type Pattern struct {
	Clauses []Clause
}

// ParsePattern 解析规则模式。支持两种写法：
//
//	source: ["aws.health", "awstest.health"]
//	detail.eventTypeCode: [{prefix: "AWS_"}]
//	detail: {service: "EC2"}
//
// 标量表示精确匹配，列表表示任一匹配，{prefix: x} 表示前缀匹配，嵌套对象按路径展开。
func ParsePattern(raw map[string]interface{}) (Pattern, error) {
	var p Pattern
	if err := parseInto(&p, "", raw); err != nil {
		return Pattern{}, err
	}
	sort.Slice(p.Clauses, func(i, j int) bool { return p.Clauses[i].Path < p.Clauses[j].Path })
	return p, nil
}

func parseInto(p *Pattern, prefix string, raw map[string]interface{}) error {
	for k, v := range raw {
		path := normalizePath(k)
		if prefix != "" {
			path = prefix + "." + k
		}
		if m, ok := v.(map[string]interface{}); ok && !isOperator(m) {
			if err := parseInto(p, path, m); err != nil {
				return err
			}
			continue
		}
		c := Clause{Path: path}
		items, ok := v.([]interface{})
		if !ok {
			items = []interface{}{v}
		}
		if len(items) == 0 {
			return fmt.Errorf("pattern %s: empty value list", path)
		}
		for _, item := range items {
			switch it := item.(type) {
			case map[string]interface{}:
				pre, ok := it["prefix"].(string)
				if !ok || len(it) != 1 {
					return fmt.Errorf("pattern %s: unsupported operator %v", path, it)
				}
				c.Prefixes = append(c.Prefixes, pre)
			case string, bool, int, int64, float64, uint64:
				c.Values = append(c.Values, it)
			default:
				return fmt.Errorf("pattern %s: unsupported value %v", path, item)
			}
		}
		p.Clauses = append(p.Clauses, c)
	}
	return nil
}

func isOperator(m map[string]interface{}) bool {
	_, ok := m["prefix"]
	return ok && len(m) == 1
}

// normalizePath 顶层 detailType 与 detail-type 等价
func normalizePath(k string) string {
	if k == "detailType" {
		return "detail-type"
	}
	return k
}

// Matches 所有条件都满足时返回 true；路径不存在视为不匹配
func (p Pattern) Matches(ev *Event) bool {
	return p.match(ev.doc())
}

func (p Pattern) match(doc *gabs.Container) bool {
	for _, c := range p.Clauses {
		if !c.match(doc) {
			return false
		}
	}
	return true
}

func (c Clause) match(doc *gabs.Container) bool {
	node := doc.Search(strings.Split(c.Path, ".")...)
	if node == nil || node.Data() == nil {
		return false
	}
	// 数组字段任一元素满足即匹配
	if arr, ok := node.Data().([]interface{}); ok {
		for _, el := range arr {
			if c.matchValue(el) {
				return true
			}
		}
		return false
	}
	return c.matchValue(node.Data())
}

func (c Clause) matchValue(v interface{}) bool {
	for _, want := range c.Values {
		if equalScalar(want, v) {
			return true
		}
	}
	if s, ok := v.(string); ok {
		for _, pre := range c.Prefixes {
			if strings.HasPrefix(s, pre) {
				return true
			}
		}
	}
	return false
}

func equalScalar(want, got interface{}) bool {
	if wf, ok := toFloat(want); ok {
		gf, ok := toFloat(got)
		return ok && wf == gf
	}
	switch w := want.(type) {
	case string:
		g, ok := got.(string)
		return ok && g == w
	case bool:
		g, ok := got.(bool)
		return ok && g == w
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := strconv.ParseFloat(string(n), 64)
		return f, err == nil
	}
	return 0, false
}
