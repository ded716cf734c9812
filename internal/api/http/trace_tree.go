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
	"context"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"ops-platform/internal/workflow"
)

// ExecutionNode 执行树节点：execution 为根，step 为步骤，branch 为 Parallel 的一个分支
type ExecutionNode struct {
	Name      string           `json:"name"`
	Type      string           `json:"type"` // execution | step | branch
	StepType  string           `json:"step_type,omitempty"`
	Status    string           `json:"status,omitempty"`
	Error     string           `json:"error,omitempty"`
	Attempts  int              `json:"attempts,omitempty"`
	StartTime *time.Time       `json:"start_time,omitempty"`
	EndTime   *time.Time       `json:"end_time,omitempty"`
	StepIndex int              `json:"step_index,omitempty"`
	Children  []*ExecutionNode `json:"children,omitempty"`
}

// BuildExecutionTree 从执行历史推导执行树。
// 分支内步骤名形如 "Fan[1].Check"，先于所属 Parallel 步骤记录，因此父节点按需占位、稍后补全。
func BuildExecutionTree(ex *workflow.Execution) *ExecutionNode {
	root := &ExecutionNode{
		Name:      ex.Workflow,
		Type:      "execution",
		Status:    string(ex.Status),
		Error:     ex.Error,
		StartTime: &ex.StartedAt,
		EndTime:   ex.StoppedAt,
	}
	// 尚未补全的占位节点，按完整名索引
	pending := map[string]*ExecutionNode{}

	var parentOf func(name string) *ExecutionNode
	placeholder := func(name, typ string) *ExecutionNode {
		if n, ok := pending[name]; ok {
			return n
		}
		n := &ExecutionNode{Name: name, Type: typ}
		pending[name] = n
		p := parentOf(name)
		p.Children = append(p.Children, n)
		return n
	}
	parentOf = func(name string) *ExecutionNode {
		i := strings.LastIndex(name, "].")
		if i < 0 {
			if strings.HasSuffix(name, "]") {
				// 分支节点 "Fan[1]" 的父节点是 Parallel 步骤 "Fan"
				if j := strings.LastIndex(name, "["); j > 0 {
					return placeholder(name[:j], "step")
				}
			}
			return root
		}
		return placeholder(name[:i+1], "branch")
	}

	for i := range ex.History {
		res := ex.History[i]
		n, ok := pending[res.Step]
		if ok && n.Status == "" {
			delete(pending, res.Step)
			for name := range pending {
				if strings.HasPrefix(name, res.Step+"[") {
					delete(pending, name)
				}
			}
		} else {
			n = &ExecutionNode{Name: res.Step, Type: "step"}
			p := parentOf(res.Step)
			p.Children = append(p.Children, n)
		}
		n.StepType = string(res.Type)
		n.Status = res.Status
		n.Error = res.Error
		n.Attempts = res.Attempts
		n.StartTime = &ex.History[i].StartedAt
		n.EndTime = &ex.History[i].FinishedAt
		n.StepIndex = i + 1
	}
	return root
}

// GetExecutionTrace 返回执行树
// GET /api/executions/:id/trace
func (h *Handler) GetExecutionTrace(ctx context.Context, c *app.RequestContext) {
	if h.engine == nil {
		unavailable(c, "workflow engine")
		return
	}
	ex, err := h.engine.Describe(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(consts.StatusOK, BuildExecutionTree(ex))
}
