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

package middleware

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/google/uuid"

	"ops-platform/internal/storage/record"
)

// AuditMiddleware 操作审计：记录停止执行、启动工作流、回调等改变状态的调用
type AuditMiddleware struct {
	auditStore AuditStore
}

// AuditStore 审计日志存储接口
type AuditStore interface {
	LogAccess(ctx context.Context, log AuditLog) error
}

// AuditLog 审计日志记录
type AuditLog struct {
	Action       string
	ResourceType string
	ResourceID   string
	ClientIP     string
	Status       int
	Success      bool
	DurationMS   int64
	CreatedAt    time.Time
}

// NewAuditMiddleware 创建审计中间件
func NewAuditMiddleware(auditStore AuditStore) *AuditMiddleware {
	return &AuditMiddleware{auditStore: auditStore}
}

// AuditAccess 记录 API 访问；只读请求与未识别的路径不记录
func (a *AuditMiddleware) AuditAccess() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		start := time.Now()
		c.Next(ctx)

		action := determineAction(string(c.Method()), string(c.Path()))
		if action == "" {
			return
		}
		resourceType, resourceID := extractResource(string(c.Path()))
		status := c.Response.StatusCode()
		entry := AuditLog{
			Action:       action,
			ResourceType: resourceType,
			ResourceID:   resourceID,
			ClientIP:     c.ClientIP(),
			Status:       status,
			Success:      status < 400,
			DurationMS:   time.Since(start).Milliseconds(),
			CreatedAt:    time.Now().UTC(),
		}
		// 异步写入，不阻塞请求
		go func() {
			_ = a.auditStore.LogAccess(context.Background(), entry)
		}()
	}
}

// determineAction 根据 HTTP 方法和路径确定操作类型
func determineAction(method string, path string) string {
	if method != "POST" {
		return ""
	}
	switch {
	case path == "/event-callback":
		return "complete_task"
	case strings.HasPrefix(path, "/api/executions/") && strings.HasSuffix(path, "/stop"):
		return "stop_execution"
	case strings.HasPrefix(path, "/api/workflows/") && strings.HasSuffix(path, "/start"):
		return "start_workflow"
	case path == "/api/events":
		return "publish_event"
	}
	return ""
}

// extractResource 从路径提取资源类型和 ID
func extractResource(path string) (resourceType string, resourceID string) {
	parts := strings.Split(strings.Trim(path, "/"), "/")

	if len(parts) >= 3 {
		// /api/executions/:id/stop -> resourceType=execution, resourceID=:id
		switch parts[1] {
		case "executions":
			return "execution", parts[2]
		case "workflows":
			return "workflow", parts[2]
		}
	}
	if len(parts) == 2 && parts[1] == "events" {
		return "event", ""
	}

	return "task", ""
}

// RecordAuditStore 将审计日志写入记录存储
type RecordAuditStore struct {
	Records record.Store
	Table   string
}

// LogAccess 以 "时间戳#随机后缀" 为主键写入，Scan 结果即按时间排序
func (s *RecordAuditStore) LogAccess(ctx context.Context, l AuditLog) error {
	table := s.Table
	if table == "" {
		table = "audit"
	}
	return s.Records.Put(ctx, &record.Record{
		Table: table,
		PK:    fmt.Sprintf("%s#%s", l.CreatedAt.Format("20060102T150405.000000000Z"), uuid.New().String()[:8]),
		Attributes: map[string]interface{}{
			"action":        l.Action,
			"resource_type": l.ResourceType,
			"resource_id":   l.ResourceID,
			"client_ip":     l.ClientIP,
			"status":        l.Status,
			"success":       l.Success,
			"duration_ms":   l.DurationMS,
		},
	})
}
