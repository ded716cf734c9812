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
	"encoding/json"
	"time"

	"github.com/Jeffail/gabs/v2"

	"ops-platform/pkg/errors"
)

// DefaultBus 未指定总线名时使用
const DefaultBus = "default"

// Event 总线上流转的事件
type Event struct {
	ID         string                 `json:"id"`
	Source     string                 `json:"source"`
	DetailType string                 `json:"detail-type"`
	Detail     map[string]interface{} `json:"detail"`
	Time       time.Time              `json:"time"`
	BusName    string                 `json:"bus,omitempty"`
}

// Validate 校验必填字段；detail 为空时补空对象
func (e *Event) Validate() error {
	if e.Source == "" {
		return errors.Invalid("source", "is required")
	}
	if e.DetailType == "" {
		return errors.Invalid("detail-type", "is required")
	}
	if e.Detail == nil {
		e.Detail = map[string]interface{}{}
	}
	return nil
}

// Bus 返回事件所属总线名
func (e *Event) Bus() string {
	if e.BusName == "" {
		return DefaultBus
	}
	return e.BusName
}

// Map 事件的通用 JSON 形态，供模式匹配与下游目标使用
func (e *Event) Map() map[string]interface{} {
	return map[string]interface{}{
		"id":          e.ID,
		"source":      e.Source,
		"detail-type": e.DetailType,
		"detail":      e.Detail,
		"time":        e.Time.UTC().Format(time.RFC3339Nano),
		"bus":         e.Bus(),
	}
}

// JSON 序列化事件
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e.Map())
	return b
}

func (e *Event) doc() *gabs.Container {
	return gabs.Wrap(e.Map())
}

// UnmarshalJSON 兼容 detailType 写法
func (e *Event) UnmarshalJSON(data []byte) error {
	type alias Event
	aux := struct {
		*alias
		DetailTypeAlt string `json:"detailType"`
	}{alias: (*alias)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return errors.Invalid("", "event is not a JSON object: "+err.Error())
	}
	if e.DetailType == "" {
		e.DetailType = aux.DetailTypeAlt
	}
	return nil
}
