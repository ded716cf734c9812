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

package chat

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/Jeffail/gabs/v2"

	"ops-platform/internal/eventbus"
	"ops-platform/pkg/errors"
	"ops-platform/pkg/log"
)

// 面向聊天平台的固定响应文本
const (
	VerificationFailedMessage = "Slack app token verification failed."
	UnknownTypeMessage        = "Unknown type of request"
)

// 请求类型
const (
	TypeURLVerification = "url_verification"
	TypeEventCallback   = "event_callback"
)

var (
	// ErrVerification token 与配置的密钥不一致
	ErrVerification = errors.Wrap(errors.ErrValidation, VerificationFailedMessage)
	// ErrUnknownType 无法识别的请求类型
	ErrUnknownType = errors.Wrap(errors.ErrValidation, UnknownTypeMessage)
)

// Publisher 事件发布方，通常是 *eventbus.Bus
type Publisher interface {
	Publish(ctx context.Context, ev eventbus.Event) (eventbus.Receipt, error)
}

// Deduper 按 event_id 过滤平台重投，通常是 cache.Store
type Deduper interface {
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Config 前门参数
type Config struct {
	VerificationToken string
	Source            string
	DetailType        string
	BusName           string
}

// FrontDoor 聊天平台的入口：握手校验与消息转事件
type FrontDoor struct {
	cfg       Config
	publisher Publisher
	logger    *log.Logger
	dedupe    Deduper
	dedupeTTL time.Duration
}

// NewFrontDoor 创建前门
func NewFrontDoor(cfg Config, publisher Publisher, logger *log.Logger) *FrontDoor {
	if cfg.Source == "" {
		cfg.Source = "awsutils.slackintegration"
	}
	if cfg.DetailType == "" {
		cfg.DetailType = "slackMessageReceived"
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &FrontDoor{cfg: cfg, publisher: publisher, logger: logger.With("component", "chat")}
}

// SetDeduper 开启重投去重；载荷没有 event_id 时不去重
func (f *FrontDoor) SetDeduper(d Deduper, ttl time.Duration) {
	f.dedupe = d
	f.dedupeTTL = ttl
}

// VerificationRequest 握手请求
type VerificationRequest struct {
	Type      string `json:"type"`
	Token     string `json:"token"`
	Challenge string `json:"challenge"`
}

// Verify token 等于 secret 时返回 challenge；secret 为空时一律拒绝
func Verify(req VerificationRequest, secret string) (string, error) {
	if secret == "" || subtle.ConstantTimeCompare([]byte(req.Token), []byte(secret)) != 1 {
		return "", ErrVerification
	}
	return req.Challenge, nil
}

// Handle 处理一次请求，返回 HTTP 状态码与响应体。
// 握手失败与未知类型按约定返回 400 文本；event_callback 载荷畸形时返回错误，由调用方记录并回 400。
func (f *FrontDoor) Handle(ctx context.Context, body []byte) (int, string, error) {
	doc, err := gabs.ParseJSON(body)
	if err != nil {
		return http.StatusBadRequest, UnknownTypeMessage, nil
	}
	typ, _ := doc.Path("type").Data().(string)
	switch typ {
	case TypeURLVerification:
		var req VerificationRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return http.StatusBadRequest, VerificationFailedMessage, nil
		}
		challenge, err := Verify(req, f.cfg.VerificationToken)
		if err != nil {
			f.logger.Warn("url verification rejected")
			return http.StatusBadRequest, VerificationFailedMessage, nil
		}
		return http.StatusOK, challenge, nil
	case TypeEventCallback:
		eventID, _ := doc.Path("event_id").Data().(string)
		if !f.claim(ctx, eventID) {
			f.logger.Info("duplicate chat delivery ignored", "event_id", eventID)
			return http.StatusOK, `{"duplicate":true}`, nil
		}
		rec, err := f.dispatch(ctx, doc)
		if err != nil {
			f.release(eventID)
			return http.StatusBadRequest, err.Error(), err
		}
		out, _ := json.Marshal(rec)
		return http.StatusOK, string(out), nil
	}
	return http.StatusBadRequest, UnknownTypeMessage, nil
}

// claim 首次见到 eventID 时返回 true；存储出错时放行，宁可重复也不丢命令
func (f *FrontDoor) claim(ctx context.Context, eventID string) bool {
	if f.dedupe == nil || eventID == "" {
		return true
	}
	ok, err := f.dedupe.SetNX(ctx, eventID, f.dedupeTTL)
	if err != nil {
		f.logger.Warn("dedupe store unavailable", "event_id", eventID, "error", err)
		return true
	}
	return ok
}

// release 发布失败后撤销占位，让平台重投能再次处理
func (f *FrontDoor) release(eventID string) {
	if f.dedupe == nil || eventID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.dedupe.Delete(ctx, eventID); err != nil {
		f.logger.Warn("release dedupe key failed", "event_id", eventID, "error", err)
	}
}

// dispatch 去掉 text 中对机器人的 mention，整份载荷作为 detail 发布为命令事件
func (f *FrontDoor) dispatch(ctx context.Context, doc *gabs.Container) (eventbus.Receipt, error) {
	userID, ok := doc.Path("authorizations.0.user_id").Data().(string)
	if !ok || userID == "" {
		f.logger.Error("could not clean up chat payload", "payload", doc.String())
		return eventbus.Receipt{}, errors.Invalid("authorizations[0].user_id", "required")
	}
	text, ok := doc.Path("event.text").Data().(string)
	if !ok {
		f.logger.Error("could not clean up chat payload", "payload", doc.String())
		return eventbus.Receipt{}, errors.Invalid("event.text", "required")
	}
	cleaned := strings.TrimSpace(strings.Replace(text, "<@"+userID+">", " ", 1))
	if _, err := doc.SetP(cleaned, "event.text"); err != nil {
		return eventbus.Receipt{}, errors.Wrap(errors.ErrValidation, err.Error())
	}

	detail, _ := doc.Data().(map[string]interface{})
	rec, err := f.publisher.Publish(ctx, eventbus.Event{
		Source:     f.cfg.Source,
		DetailType: f.cfg.DetailType,
		Detail:     detail,
		BusName:    f.cfg.BusName,
	})
	if err != nil {
		f.logger.Error("publish chat command failed", "error", err)
		return eventbus.Receipt{}, err
	}
	f.logger.Info("chat command published", "event_id", rec.EventID, "rules", len(rec.Rules))
	return rec, nil
}
