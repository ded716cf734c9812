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
package redaction

import (
	"fmt"
	"strings"
)

// Mode 脱敏方式
type Mode string

const (
	ModeRedact  Mode = "redact"  // 替换为固定掩码
	ModeHash    Mode = "hash"    // 替换为加盐 SHA256
	ModeEncrypt Mode = "encrypt" // AES-GCM 加密（需要 key）
	ModeRemove  Mode = "remove"  // 删除字段
)

// Mask 替换后的固定文本
const Mask = "***REDACTED***"

// Policy 按 detail-type 分组的字段规则；Global 适用于所有事件
type Policy struct {
	ByDetailType map[string][]FieldRule
	Global       []FieldRule
}

// FieldRule 一条字段规则，Path 为点分路径，数组元素用下标（如 authorizations.0.user_id）
type FieldRule struct {
	Path string
	Mode Mode
	Salt string
}

// RuleConfig 配置中的一条规则；DetailType 为空表示全局
type RuleConfig struct {
	DetailType string
	Path       string
	Mode       string
	Salt       string
}

// NewPolicy 由配置构造策略；无规则时返回 nil
func NewPolicy(rules []RuleConfig) (*Policy, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	p := &Policy{ByDetailType: make(map[string][]FieldRule)}
	for i, rc := range rules {
		if strings.TrimSpace(rc.Path) == "" {
			return nil, fmt.Errorf("redaction rule %d: path is required", i)
		}
		mode := Mode(rc.Mode)
		switch mode {
		case ModeRedact, ModeHash, ModeEncrypt, ModeRemove:
		case "":
			mode = ModeRedact
		default:
			return nil, fmt.Errorf("redaction rule %d: unknown mode %q", i, rc.Mode)
		}
		fr := FieldRule{Path: rc.Path, Mode: mode, Salt: rc.Salt}
		if rc.DetailType == "" {
			p.Global = append(p.Global, fr)
			continue
		}
		p.ByDetailType[rc.DetailType] = append(p.ByDetailType[rc.DetailType], fr)
	}
	return p, nil
}

// NeedsKey 是否存在加密规则
func (p *Policy) NeedsKey() bool {
	if p == nil {
		return false
	}
	for _, r := range p.Global {
		if r.Mode == ModeEncrypt {
			return true
		}
	}
	for _, rs := range p.ByDetailType {
		for _, r := range rs {
			if r.Mode == ModeEncrypt {
				return true
			}
		}
	}
	return false
}
