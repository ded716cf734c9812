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
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Rule 模式与目标列表的绑定；目标为空的规则合法但不产生投递
type Rule struct {
	Name    string
	BusName string
	Pattern Pattern
	Targets []Target
}

func (r *Rule) bus() string {
	if r.BusName == "" {
		return DefaultBus
	}
	return r.BusName
}

// Route 纯匹配：返回事件应投递的目标（按规则、目标顺序）
func Route(ev *Event, rules []*Rule) []Target {
	var out []Target
	for _, r := range rules {
		if r.bus() == ev.Bus() && r.Pattern.Matches(ev) {
			out = append(out, r.Targets...)
		}
	}
	return out
}

// TargetSpec 规则文件中的目标描述
type TargetSpec struct {
	Type     string `yaml:"type"` // http | workflow | archive | queue
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	Workflow string `yaml:"workflow"`
	Queue    string `yaml:"queue"`
}

// RuleSpec 规则文件条目
type RuleSpec struct {
	Name    string                 `yaml:"name"`
	Bus     string                 `yaml:"bus"`
	Pattern map[string]interface{} `yaml:"pattern"`
	Targets []TargetSpec           `yaml:"targets"`
}

type rulesFile struct {
	Rules []RuleSpec `yaml:"rules"`
}

// TargetResolver 将目标描述解析为具体 Target，由应用层注入
type TargetResolver func(spec TargetSpec) (Target, error)

// LoadRules 从 YAML 文件读取规则
func LoadRules(path string, resolve TargetResolver) ([]*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取规则文件失败: %w", err)
	}
	return ParseRules(data, resolve)
}

// ParseRules 解析 YAML 规则
func ParseRules(data []byte, resolve TargetResolver) ([]*Rule, error) {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("解析规则文件失败: %w", err)
	}
	rules := make([]*Rule, 0, len(f.Rules))
	seen := map[string]bool{}
	for _, spec := range f.Rules {
		if spec.Name == "" {
			return nil, fmt.Errorf("rule name is required")
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("duplicate rule %q", spec.Name)
		}
		seen[spec.Name] = true
		p, err := ParsePattern(spec.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", spec.Name, err)
		}
		r := &Rule{Name: spec.Name, BusName: spec.Bus, Pattern: p}
		for _, ts := range spec.Targets {
			t, err := resolve(ts)
			if err != nil {
				return nil, fmt.Errorf("rule %s: %w", spec.Name, err)
			}
			r.Targets = append(r.Targets, t)
		}
		rules = append(rules, r)
	}
	return rules, nil
}
