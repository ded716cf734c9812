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

	"ops-platform/pkg/errors"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.ErrNotFound

// Store 键值记录存储：按 (table, pk) 定位，属性为任意 JSON 对象
type Store interface {
	// Put 写入或覆盖记录
	Put(ctx context.Context, rec *Record) error
	// Get 按主键获取
	Get(ctx context.Context, table, pk string) (*Record, error)
	// Delete 按主键删除
	Delete(ctx context.Context, table, pk string) error
	// Scan 扫描表，结果按 pk 升序
	Scan(ctx context.Context, table string, filter *Filter) ([]*Record, error)
	Close() error
}

// Record 单条记录
type Record struct {
	Table      string                 `json:"table"`
	PK         string                 `json:"pk"`
	Attributes map[string]interface{} `json:"attributes"`
	UpdatedAt  int64                  `json:"updated_at"`
}

// Filter 扫描条件
type Filter struct {
	KeyContains string `json:"key_contains"` // pk 子串匹配，空串匹配全部
	Limit       int    `json:"limit"`
}
