package action

import (
	"context"
	"io"
	"strings"

	"github.com/google/uuid"

	"ops-platform/pkg/errors"
)

// AskPath 问答路径
const AskPath = "/ask-tam"

// ChunkStream 推理结果的分块流；结束时 Recv 返回 io.EOF
type ChunkStream interface {
	Recv() (string, error)
	Close()
}

// Inference 生成式推理协作方
type Inference interface {
	Stream(ctx context.Context, sessionID, prompt string) (ChunkStream, error)
}

// Asker 每次调用新建会话，把分块按到达顺序以单个空格拼接
type Asker struct {
	Inference Inference
}

func (a *Asker) Handle(ctx context.Context, req *Request) (string, error) {
	prompt, err := promptOf(req)
	if err != nil {
		return "", err
	}
	sessionID := uuid.New().String()
	stream, err := a.Inference.Stream(ctx, sessionID, prompt)
	if err != nil {
		return "", errors.Wrap(err, "start inference")
	}
	defer stream.Close()

	var chunks []string
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", errors.Wrap(err, "receive inference chunk")
		}
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
	}
	return strings.Join(chunks, " "), nil
}

func promptOf(req *Request) (string, error) {
	if req.RequestBody == nil {
		return "", errors.Invalid("requestBody", "required")
	}
	content, ok := req.RequestBody.Content[ContentTypeJSON]
	if !ok {
		return "", errors.Invalid("requestBody.content."+ContentTypeJSON, "required")
	}
	if len(content.Properties) == 0 {
		return "", errors.Invalid("requestBody.content."+ContentTypeJSON+".properties[0]", "required")
	}
	return content.Properties[0].Value, nil
}
