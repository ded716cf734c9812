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

package record

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"ops-platform/pkg/errors"
)

// MemoryStore 内存记录存储
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string]map[string]*Record
}

// NewMemoryStore 创建新的内存记录存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables: make(map[string]map[string]*Record),
	}
}

func (s *MemoryStore) Put(ctx context.Context, rec *Record) error {
	if rec == nil || rec.Table == "" || rec.PK == "" {
		return errors.Invalid("record", "table and pk are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[rec.Table]
	if !ok {
		t = make(map[string]*Record)
		s.tables[rec.Table] = t
	}
	cp := *rec
	cp.Attributes = copyAttrs(rec.Attributes)
	cp.UpdatedAt = time.Now().Unix()
	t[rec.PK] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, table, pk string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.tables[table][pk]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "record %s/%s", table, pk)
	}
	cp := *rec
	cp.Attributes = copyAttrs(rec.Attributes)
	return &cp, nil
}

func (s *MemoryStore) Delete(ctx context.Context, table, pk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tables[table][pk]; !ok {
		return errors.Wrapf(ErrNotFound, "record %s/%s", table, pk)
	}
	delete(s.tables[table], pk)
	return nil
}

func (s *MemoryStore) Scan(ctx context.Context, table string, filter *Filter) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*Record
	for pk, rec := range s.tables[table] {
		if filter != nil && filter.KeyContains != "" && !strings.Contains(pk, filter.KeyContains) {
			continue
		}
		cp := *rec
		cp.Attributes = copyAttrs(rec.Attributes)
		results = append(results, &cp)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].PK < results[j].PK })
	if filter != nil && filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}
	return results, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// copyAttrs 浅拷贝，调用方修改返回值不影响存储
func copyAttrs(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
