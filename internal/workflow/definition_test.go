package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefinition_Invalid(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"missing name", "startAt: A\nsteps:\n  A:\n    type: Succeed\n", "name is required"},
		{"unknown start", "name: w\nstartAt: B\nsteps:\n  A:\n    type: Succeed\n", "startAt"},
		{"dangling next", "name: w\nstartAt: A\nsteps:\n  A:\n    type: Pass\n    next: Z\n", `next "Z"`},
		{"next and end", "name: w\nstartAt: A\nsteps:\n  A:\n    type: Pass\n    next: B\n    end: true\n  B:\n    type: Succeed\n", "exclusive"},
		{"no next", "name: w\nstartAt: A\nsteps:\n  A:\n    type: Pass\n", "next is required"},
		{"http without url", "name: w\nstartAt: A\nsteps:\n  A:\n    type: Task\n    end: true\n", "requires url"},
		{"fail without error", "name: w\nstartAt: A\nsteps:\n  A:\n    type: Fail\n", "requires error"},
		{"wait two modes", "name: w\nstartAt: A\nsteps:\n  A:\n    type: Wait\n    seconds: 1\n    timestamp: '2026-01-01T00:00:00Z'\n    end: true\n", "exactly one"},
		{"choice two comparisons", "name: w\nstartAt: A\nsteps:\n  A:\n    type: Choice\n    choices:\n      - variable: $.x\n        stringEquals: a\n        isPresent: true\n        next: B\n  B:\n    type: Succeed\n", "exactly one comparison"},
		{"bad condition", "name: w\nstartAt: A\nsteps:\n  A:\n    type: Choice\n    choices:\n      - condition: 'x ==='\n        next: B\n  B:\n    type: Succeed\n", "invalid condition"},
		{"catch dangling", "name: w\nstartAt: A\nsteps:\n  A:\n    type: Task\n    resource: fn\n    catch:\n      - errorEquals: [States.ALL]\n        next: Nowhere\n    end: true\n", "catch.next"},
		{"bad branch", "name: w\nstartAt: A\nsteps:\n  A:\n    type: Parallel\n    branches:\n      - startAt: X\n        steps:\n          Y:\n            type: Succeed\n    end: true\n", "w.A[0]"},
		{"unknown type", "name: w\nstartAt: A\nsteps:\n  A:\n    type: Sleep\n    end: true\n", "unknown step type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDefinition([]byte(tt.src))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseDefinition_AllowsCycles(t *testing.T) {
	def, err := ParseDefinition([]byte(`
name: poll
startAt: Check
steps:
  Check:
    type: Choice
    choices:
      - variable: $.done
        booleanEquals: true
        next: Done
    default: Sleep
  Sleep:
    type: Wait
    seconds: 5
    next: Check
  Done:
    type: Succeed
`))
	require.NoError(t, err)
	assert.Equal(t, "poll", def.Name)
	assert.Len(t, def.Steps, 3)
}

func TestLoadDefinitions(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte("name: b\nstartAt: A\nsteps:\n  A:\n    type: Succeed\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte(`{"name":"a","startAt":"A","steps":{"A":{"type":"Succeed"}}}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0644))

	defs, err := LoadDefinitions(dir)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "a", defs[0].Name)
	assert.Equal(t, "b", defs[1].Name)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.yml"), []byte("name: c\n"), 0644))
	_, err = LoadDefinitions(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "c.yml")
}

func TestChoiceRules(t *testing.T) {
	str := func(s string) *string { return &s }
	num := func(f float64) *float64 { return &f }
	yes := true
	input := map[string]interface{}{
		"source": "aws.health",
		"count":  float64(7),
		"flag":   true,
		"detail": map[string]interface{}{"service": "EC2"},
	}
	tests := []struct {
		name string
		rule ChoiceRule
		want bool
	}{
		{"string equals", ChoiceRule{Variable: "$.detail.service", StringEquals: str("EC2")}, true},
		{"string prefix", ChoiceRule{Variable: "$.source", StringPrefix: str("aws.")}, true},
		{"numeric gt", ChoiceRule{Variable: "$.count", NumericGreaterThan: num(5)}, true},
		{"numeric lt", ChoiceRule{Variable: "$.count", NumericLessThan: num(5)}, false},
		{"numeric on string", ChoiceRule{Variable: "$.source", NumericEquals: num(1)}, false},
		{"boolean", ChoiceRule{Variable: "$.flag", BooleanEquals: &yes}, true},
		{"present", ChoiceRule{Variable: "$.detail.service", IsPresent: &yes}, true},
		{"missing variable", ChoiceRule{Variable: "$.nope", StringEquals: str("x")}, false},
		{"condition", ChoiceRule{Condition: `count > 5 && detail.service == "EC2"`}, true},
		{"condition on input", ChoiceRule{Condition: `input.source == "other"`}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := tt.rule
			rule.Next = "X"
			require.NoError(t, rule.compile())
			got, err := rule.matches(input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := (&ChoiceRule{Condition: `count + 1`}).matches(input)
	assert.Error(t, err)
}
