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
	"sync"
	"time"
)

// CallbackToken 挂起中的回调 Task 的句柄，只能消费一次
type CallbackToken struct {
	Token       string    `json:"token"`
	ExecutionID string    `json:"execution_id"`
	Step        string    `json:"step"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// TokenStore 回调 token 存储；Consume 为原子的取出并删除
type TokenStore interface {
	Put(ctx context.Context, t *CallbackToken) error
	// Consume 取出并删除；不存在或已过期返回 ErrTokenInvalid
	Consume(ctx context.Context, token string) (*CallbackToken, error)
	// InvalidateExecution 删除某执行名下所有未消费 token
	InvalidateExecution(ctx context.Context, executionID string) error
}

type tokenStoreMem struct {
	mu     sync.Mutex
	tokens map[string]*CallbackToken
	byExec map[string]map[string]struct{}
}

// NewTokenStoreMem 内存 token 存储；多进程需 redis 实现
func NewTokenStoreMem() TokenStore {
	return &tokenStoreMem{
		tokens: make(map[string]*CallbackToken),
		byExec: make(map[string]map[string]struct{}),
	}
}

func (s *tokenStoreMem) Put(ctx context.Context, t *CallbackToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tokens[t.Token] = &cp
	set, ok := s.byExec[t.ExecutionID]
	if !ok {
		set = make(map[string]struct{})
		s.byExec[t.ExecutionID] = set
	}
	set[t.Token] = struct{}{}
	return nil
}

func (s *tokenStoreMem) Consume(ctx context.Context, token string) (*CallbackToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[token]
	if !ok {
		return nil, ErrTokenInvalid
	}
	delete(s.tokens, token)
	delete(s.byExec[t.ExecutionID], token)
	if !t.ExpiresAt.IsZero() && time.Now().After(t.ExpiresAt) {
		return nil, ErrTokenInvalid
	}
	return t, nil
}

func (s *tokenStoreMem) InvalidateExecution(ctx context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tok := range s.byExec[executionID] {
		delete(s.tokens, tok)
	}
	delete(s.byExec, executionID)
	return nil
}
