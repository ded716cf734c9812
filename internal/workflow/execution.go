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
	"context"
	"sort"
	"sync"
	"time"

	"ops-platform/pkg/errors"
)

// Status 执行状态
type Status string

const (
	StatusRunning   Status = "Running"
	StatusSucceeded Status = "Succeeded"
	StatusFailed    Status = "Failed"
	StatusTimedOut  Status = "TimedOut"
)

// Terminal 是否终态
func (s Status) Terminal() bool {
	return s != StatusRunning
}

// 步骤结果状态
const (
	StepSucceeded = "Succeeded"
	StepFailed    = "Failed"
	StepCaught    = "Caught"
)

// StepResult 单个步骤的执行记录
type StepResult struct {
	Step       string      `json:"step"`
	Type       StepType    `json:"type"`
	Status     string      `json:"status"`
	Input      interface{} `json:"input,omitempty"`
	Output     interface{} `json:"output,omitempty"`
	Error      string      `json:"error,omitempty"`
	Cause      string      `json:"cause,omitempty"`
	Attempts   int         `json:"attempts"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
}

// Execution 一次工作流执行；只由执行它的 goroutine 修改
type Execution struct {
	ID          string       `json:"id"`
	Workflow    string       `json:"workflow"`
	Input       interface{}  `json:"input"`
	Output      interface{}  `json:"output,omitempty"`
	CurrentStep string       `json:"current_step,omitempty"`
	Status      Status       `json:"status"`
	Error       string       `json:"error,omitempty"`
	Cause       string       `json:"cause,omitempty"`
	History     []StepResult `json:"history"`
	StartedAt   time.Time    `json:"started_at"`
	StoppedAt   *time.Time   `json:"stopped_at,omitempty"`

	// WaitingForCallback 有 Task 步骤已发出 token、正挂起等待回调
	WaitingForCallback bool `json:"waiting_for_callback,omitempty"`
}

func (e *Execution) clone() *Execution {
	cp := *e
	cp.History = append([]StepResult(nil), e.History...)
	if e.StoppedAt != nil {
		t := *e.StoppedAt
		cp.StoppedAt = &t
	}
	return &cp
}

// Filter List 条件
type Filter struct {
	Workflow string
	Status   Status
	Limit    int
}

// ExecutionStore 执行记录存储
type ExecutionStore interface {
	Put(ctx context.Context, e *Execution) error
	Get(ctx context.Context, id string) (*Execution, error)
	List(ctx context.Context, f Filter) ([]*Execution, error)
}

type executionStoreMem struct {
	mu   sync.RWMutex
	byID map[string]*Execution
}

// NewExecutionStoreMem 内存执行存储
func NewExecutionStoreMem() ExecutionStore {
	return &executionStoreMem{byID: make(map[string]*Execution)}
}

func (s *executionStoreMem) Put(ctx context.Context, e *Execution) error {
	s.mu.Lock()
	s.byID[e.ID] = e.clone()
	s.mu.Unlock()
	return nil
}

func (s *executionStoreMem) Get(ctx context.Context, id string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "execution %s", id)
	}
	return e.clone(), nil
}

// List 按开始时间倒序
func (s *executionStoreMem) List(ctx context.Context, f Filter) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Execution
	for _, e := range s.byID {
		if f.Workflow != "" && e.Workflow != f.Workflow {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		out = append(out, e.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
