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

package action

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/go-resty/resty/v2"

	"ops-platform/pkg/errors"
)

// systemPrompt 问答助手的系统提示
const systemPrompt = "You are a technical account manager assistant for cloud operations. Answer concisely using the operational context you have."

// EinoInference 基于 eino ChatModel 的流式推理
type EinoInference struct {
	model model.BaseChatModel
}

// NewEinoInference 包装已有 ChatModel
func NewEinoInference(m model.BaseChatModel) *EinoInference {
	return &EinoInference{model: m}
}

// NewOpenAIInference 以 OpenAI 兼容接口创建 ChatModel
func NewOpenAIInference(ctx context.Context, baseURL, modelName, apiKey string, timeout time.Duration) (*EinoInference, error) {
	cm, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		BaseURL: baseURL,
		Model:   modelName,
		APIKey:  apiKey,
		Timeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("创建 OpenAI ChatModel 失败: %w", err)
	}
	return NewEinoInference(cm), nil
}

func (e *EinoInference) Stream(ctx context.Context, sessionID, prompt string) (ChunkStream, error) {
	sr, err := e.model.Stream(ctx, []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(prompt),
	})
	if err != nil {
		return nil, errors.Transient(err)
	}
	return &einoStream{sr: sr}, nil
}

type einoStream struct {
	sr *schema.StreamReader[*schema.Message]
}

func (s *einoStream) Recv() (string, error) {
	msg, err := s.sr.Recv()
	if err != nil {
		return "", err
	}
	return msg.Content, nil
}

func (s *einoStream) Close() { s.sr.Close() }

// HTTPInference 调用外部 agent 端点，响应体按行分块
type HTTPInference struct {
	client   *resty.Client
	endpoint string
}

type agentRequest struct {
	SessionID string `json:"sessionId"`
	InputText string `json:"inputText"`
}

// NewHTTPInference 创建 HTTP 推理客户端
func NewHTTPInference(endpoint string, timeout time.Duration) *HTTPInference {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPInference{client: resty.New().SetTimeout(timeout), endpoint: endpoint}
}

func (h *HTTPInference) Stream(ctx context.Context, sessionID, prompt string) (ChunkStream, error) {
	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(agentRequest{SessionID: sessionID, InputText: prompt}).
		Post(h.endpoint)
	if err != nil {
		return nil, errors.Transient(err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("agent endpoint returned %d", resp.StatusCode())
	}
	return &lineStream{sc: bufio.NewScanner(bytes.NewReader(resp.Body()))}, nil
}

type lineStream struct {
	sc *bufio.Scanner
}

func (s *lineStream) Recv() (string, error) {
	if s.sc.Scan() {
		return s.sc.Text(), nil
	}
	if err := s.sc.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (s *lineStream) Close() {}
