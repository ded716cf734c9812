package workflow

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
)

// evaluate 返回第一条满足的规则的 next；都不满足时返回 default
func evaluateChoice(st *Step, input interface{}) (string, error) {
	for _, c := range st.Choices {
		ok, err := c.matches(input)
		if err != nil {
			return "", &StepError{Name: ErrorRuntime, Cause: err.Error()}
		}
		if ok {
			return c.Next, nil
		}
	}
	if st.Default != "" {
		return st.Default, nil
	}
	return "", &StepError{Name: ErrorNoChoiceMatched, Cause: "no choice rule matched and no default"}
}

func (c *ChoiceRule) matches(input interface{}) (bool, error) {
	if c.Condition != "" {
		return c.evalCondition(input)
	}
	if c.IsPresent != nil {
		return pathExists(input, c.Variable) == *c.IsPresent, nil
	}
	v, err := selectPath(input, c.Variable)
	if err != nil {
		// 变量不存在视为不满足
		return false, nil
	}
	switch {
	case c.StringEquals != nil:
		s, ok := v.(string)
		return ok && s == *c.StringEquals, nil
	case c.StringPrefix != nil:
		s, ok := v.(string)
		return ok && strings.HasPrefix(s, *c.StringPrefix), nil
	case c.BooleanEquals != nil:
		b, ok := v.(bool)
		return ok && b == *c.BooleanEquals, nil
	}
	n, ok := toNumber(v)
	if !ok {
		return false, nil
	}
	switch {
	case c.NumericEquals != nil:
		return n == *c.NumericEquals, nil
	case c.NumericGreaterThan != nil:
		return n > *c.NumericGreaterThan, nil
	case c.NumericLessThan != nil:
		return n < *c.NumericLessThan, nil
	}
	return false, nil
}

// evalCondition 表达式环境：input 为整个输入，对象输入的顶层字段同时作为变量
func (c *ChoiceRule) evalCondition(input interface{}) (bool, error) {
	env := map[string]interface{}{}
	if m, ok := input.(map[string]interface{}); ok {
		for k, v := range m {
			env[k] = v
		}
	}
	env["input"] = input
	program := c.program
	if program == nil {
		p, err := expr.Compile(c.Condition, expr.Env(env), expr.AllowUndefinedVariables())
		if err != nil {
			return false, err
		}
		program = p
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q returned %T, want bool", c.Condition, out)
	}
	return b, nil
}

func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
