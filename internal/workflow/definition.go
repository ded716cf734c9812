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
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"gopkg.in/yaml.v3"
)

// StepType 步骤类型
type StepType string

const (
	StepTask     StepType = "Task"
	StepChoice   StepType = "Choice"
	StepParallel StepType = "Parallel"
	StepWait     StepType = "Wait"
	StepPass     StepType = "Pass"
	StepSucceed  StepType = "Succeed"
	StepFail     StepType = "Fail"
)

// ResourceHTTP Task 默认资源：调用外部 HTTP 端点
const ResourceHTTP = "http"

// Definition 工作流定义：命名步骤组成的图
type Definition struct {
	Name           string           `yaml:"name" json:"name"`
	Comment        string           `yaml:"comment" json:"comment,omitempty"`
	StartAt        string           `yaml:"startAt" json:"startAt"`
	TimeoutSeconds int              `yaml:"timeoutSeconds" json:"timeoutSeconds,omitempty"`
	Steps          map[string]*Step `yaml:"steps" json:"steps"`
}

// Step 步骤；字段按 Type 取用
type Step struct {
	Type       StepType `yaml:"type" json:"type"`
	Comment    string   `yaml:"comment" json:"comment,omitempty"`
	Next       string   `yaml:"next" json:"next,omitempty"`
	End        bool     `yaml:"end" json:"end,omitempty"`
	InputPath  string   `yaml:"inputPath" json:"inputPath,omitempty"`
	ResultPath string   `yaml:"resultPath" json:"resultPath,omitempty"`
	OutputPath string   `yaml:"outputPath" json:"outputPath,omitempty"`

	// Task
	Resource        string                 `yaml:"resource" json:"resource,omitempty"`
	Method          string                 `yaml:"method" json:"method,omitempty"`
	URL             string                 `yaml:"url" json:"url,omitempty"`
	Headers         map[string]string      `yaml:"headers" json:"headers,omitempty"`
	Parameters      map[string]interface{} `yaml:"parameters" json:"parameters,omitempty"`
	WaitForCallback bool                   `yaml:"waitForCallback" json:"waitForCallback,omitempty"`
	TimeoutSeconds  int                    `yaml:"timeoutSeconds" json:"timeoutSeconds,omitempty"`
	Retry           []Retrier              `yaml:"retry" json:"retry,omitempty"`
	Catch           []Catcher              `yaml:"catch" json:"catch,omitempty"`

	// Choice
	Choices []*ChoiceRule `yaml:"choices" json:"choices,omitempty"`
	Default string        `yaml:"default" json:"default,omitempty"`

	// Parallel
	Branches []*Branch `yaml:"branches" json:"branches,omitempty"`

	// Wait
	Seconds       int    `yaml:"seconds" json:"seconds,omitempty"`
	Timestamp     string `yaml:"timestamp" json:"timestamp,omitempty"`
	SecondsPath   string `yaml:"secondsPath" json:"secondsPath,omitempty"`
	TimestampPath string `yaml:"timestampPath" json:"timestampPath,omitempty"`

	// Pass
	Result interface{} `yaml:"result" json:"result,omitempty"`

	// Fail
	Error string `yaml:"error" json:"error,omitempty"`
	Cause string `yaml:"cause" json:"cause,omitempty"`
}

// Retrier 重试规则；MaxAttempts 为首次之外的重试次数
type Retrier struct {
	ErrorEquals     []string `yaml:"errorEquals" json:"errorEquals"`
	MaxAttempts     *int     `yaml:"maxAttempts" json:"maxAttempts,omitempty"`
	IntervalSeconds *float64 `yaml:"intervalSeconds" json:"intervalSeconds,omitempty"`
	BackoffRate     *float64 `yaml:"backoffRate" json:"backoffRate,omitempty"`
	MaxDelaySeconds float64  `yaml:"maxDelaySeconds" json:"maxDelaySeconds,omitempty"`
}

func (r Retrier) maxAttempts() int {
	if r.MaxAttempts == nil {
		return 3
	}
	return *r.MaxAttempts
}

func (r Retrier) interval() float64 {
	if r.IntervalSeconds == nil {
		return 1
	}
	return *r.IntervalSeconds
}

func (r Retrier) backoffRate() float64 {
	if r.BackoffRate == nil || *r.BackoffRate < 1 {
		return 2
	}
	return *r.BackoffRate
}

// Catcher 捕获规则；错误信息 {Error, Cause} 写入 ResultPath
type Catcher struct {
	ErrorEquals []string `yaml:"errorEquals" json:"errorEquals"`
	Next        string   `yaml:"next" json:"next"`
	ResultPath  string   `yaml:"resultPath" json:"resultPath,omitempty"`
}

// ChoiceRule 单条分支条件；比较字段只取一个，Condition 为 expr 表达式
type ChoiceRule struct {
	Variable           string   `yaml:"variable" json:"variable,omitempty"`
	StringEquals       *string  `yaml:"stringEquals" json:"stringEquals,omitempty"`
	StringPrefix       *string  `yaml:"stringPrefix" json:"stringPrefix,omitempty"`
	NumericEquals      *float64 `yaml:"numericEquals" json:"numericEquals,omitempty"`
	NumericGreaterThan *float64 `yaml:"numericGreaterThan" json:"numericGreaterThan,omitempty"`
	NumericLessThan    *float64 `yaml:"numericLessThan" json:"numericLessThan,omitempty"`
	BooleanEquals      *bool    `yaml:"booleanEquals" json:"booleanEquals,omitempty"`
	IsPresent          *bool    `yaml:"isPresent" json:"isPresent,omitempty"`
	Condition          string   `yaml:"condition" json:"condition,omitempty"`
	Next               string   `yaml:"next" json:"next"`

	program *vm.Program
}

// Branch Parallel 的子图
type Branch struct {
	StartAt string           `yaml:"startAt" json:"startAt"`
	Steps   map[string]*Step `yaml:"steps" json:"steps"`
}

// ParseDefinition 解析 YAML 或 JSON 定义并校验
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("解析工作流定义失败: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadDefinition 读取单个定义文件
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	def, err := ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// LoadDefinitions 读取目录下所有 .yaml/.yml/.json 定义，按文件名排序
func LoadDefinitions(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			if !e.IsDir() {
				names = append(names, e.Name())
			}
		}
	}
	sort.Strings(names)
	defs := make([]*Definition, 0, len(names))
	for _, n := range names {
		def, err := LoadDefinition(filepath.Join(dir, n))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Validate 检查起始步骤、所有跳转目标可解析、各类型必填字段；允许环
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if d.TimeoutSeconds < 0 {
		return fmt.Errorf("workflow %s: timeoutSeconds must be >= 0", d.Name)
	}
	return validateGraph(d.Name, d.StartAt, d.Steps)
}

func validateGraph(scope, startAt string, steps map[string]*Step) error {
	if len(steps) == 0 {
		return fmt.Errorf("%s: no steps", scope)
	}
	if _, ok := steps[startAt]; !ok {
		return fmt.Errorf("%s: startAt %q is not a step", scope, startAt)
	}
	ref := func(step, field, target string) error {
		if target == "" {
			return fmt.Errorf("%s.%s: %s is required", scope, step, field)
		}
		if _, ok := steps[target]; !ok {
			return fmt.Errorf("%s.%s: %s %q is not a step", scope, step, field, target)
		}
		return nil
	}
	for name, st := range steps {
		if st == nil {
			return fmt.Errorf("%s.%s: empty step", scope, name)
		}
		terminal := st.Type == StepSucceed || st.Type == StepFail || st.Type == StepChoice
		if !terminal {
			if st.End && st.Next != "" {
				return fmt.Errorf("%s.%s: next and end are exclusive", scope, name)
			}
			if !st.End {
				if err := ref(name, "next", st.Next); err != nil {
					return err
				}
			}
		}
		for _, c := range st.Catch {
			if len(c.ErrorEquals) == 0 {
				return fmt.Errorf("%s.%s: catch errorEquals is required", scope, name)
			}
			if err := ref(name, "catch.next", c.Next); err != nil {
				return err
			}
		}
		for _, r := range st.Retry {
			if len(r.ErrorEquals) == 0 {
				return fmt.Errorf("%s.%s: retry errorEquals is required", scope, name)
			}
		}
		switch st.Type {
		case StepTask:
			if (st.Resource == "" || st.Resource == ResourceHTTP) && st.URL == "" {
				return fmt.Errorf("%s.%s: http task requires url", scope, name)
			}
			if st.TimeoutSeconds < 0 {
				return fmt.Errorf("%s.%s: timeoutSeconds must be >= 0", scope, name)
			}
		case StepChoice:
			if len(st.Choices) == 0 {
				return fmt.Errorf("%s.%s: choice requires at least one rule", scope, name)
			}
			for i, c := range st.Choices {
				if err := c.compile(); err != nil {
					return fmt.Errorf("%s.%s: choice %d: %w", scope, name, i, err)
				}
				if err := ref(name, "choice.next", c.Next); err != nil {
					return err
				}
			}
			if st.Default != "" {
				if err := ref(name, "default", st.Default); err != nil {
					return err
				}
			}
		case StepParallel:
			if len(st.Branches) == 0 {
				return fmt.Errorf("%s.%s: parallel requires branches", scope, name)
			}
			for i, b := range st.Branches {
				if err := validateGraph(fmt.Sprintf("%s.%s[%d]", scope, name, i), b.StartAt, b.Steps); err != nil {
					return err
				}
			}
		case StepWait:
			set := 0
			for _, v := range []bool{st.Seconds > 0, st.Timestamp != "", st.SecondsPath != "", st.TimestampPath != ""} {
				if v {
					set++
				}
			}
			if set != 1 {
				return fmt.Errorf("%s.%s: wait requires exactly one of seconds, timestamp, secondsPath, timestampPath", scope, name)
			}
		case StepPass, StepSucceed:
		case StepFail:
			if st.Error == "" {
				return fmt.Errorf("%s.%s: fail requires error", scope, name)
			}
		default:
			return fmt.Errorf("%s.%s: unknown step type %q", scope, name, st.Type)
		}
	}
	return nil
}

func (c *ChoiceRule) compile() error {
	n := 0
	if c.StringEquals != nil {
		n++
	}
	if c.StringPrefix != nil {
		n++
	}
	if c.NumericEquals != nil {
		n++
	}
	if c.NumericGreaterThan != nil {
		n++
	}
	if c.NumericLessThan != nil {
		n++
	}
	if c.BooleanEquals != nil {
		n++
	}
	if c.IsPresent != nil {
		n++
	}
	if c.Condition != "" {
		n++
	}
	if n != 1 {
		return fmt.Errorf("exactly one comparison is required")
	}
	if c.Condition != "" {
		program, err := expr.Compile(c.Condition, expr.AllowUndefinedVariables())
		if err != nil {
			return fmt.Errorf("invalid condition: %w", err)
		}
		c.program = program
		return nil
	}
	if c.Variable == "" {
		return fmt.Errorf("variable is required")
	}
	return nil
}
