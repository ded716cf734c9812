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
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/Jeffail/gabs/v2"

	"ops-platform/pkg/errors"
)

// Engine 对事件 JSON 应用脱敏规则
type Engine struct {
	policy     *Policy
	encryptKey []byte
}

// NewEngine encryptKey 为 16/24/32 字节 AES key，仅 encrypt 规则需要
func NewEngine(policy *Policy, encryptKey []byte) (*Engine, error) {
	if policy.NeedsKey() {
		switch len(encryptKey) {
		case 16, 24, 32:
		default:
			return nil, fmt.Errorf("encrypt rules need a 16/24/32-byte key, got %d bytes", len(encryptKey))
		}
	}
	return &Engine{policy: policy, encryptKey: encryptKey}, nil
}

// RedactData 先应用 detailType 的规则，再应用全局规则。
// 任一规则失败即返回错误，不输出部分脱敏的数据。
func (e *Engine) RedactData(detailType string, data []byte) ([]byte, error) {
	if e == nil || e.policy == nil || len(data) == 0 {
		return data, nil
	}
	doc, err := gabs.ParseJSON(data)
	if err != nil {
		return nil, errors.Invalid("record", "not valid JSON")
	}
	rules := append(append([]FieldRule(nil), e.policy.ByDetailType[detailType]...), e.policy.Global...)
	if len(rules) == 0 {
		return data, nil
	}
	for _, r := range rules {
		if err := e.apply(doc, r); err != nil {
			return nil, errors.Wrapf(err, "redact %s", r.Path)
		}
	}
	return doc.Bytes(), nil
}

func (e *Engine) apply(doc *gabs.Container, r FieldRule) error {
	parts := strings.Split(r.Path, ".")
	if !doc.Exists(parts...) {
		return nil
	}
	switch r.Mode {
	case ModeRemove:
		return doc.Delete(parts...)
	case ModeHash:
		_, err := doc.Set(hashValue(fmt.Sprint(doc.Search(parts...).Data()), r.Salt), parts...)
		return err
	case ModeEncrypt:
		enc, err := e.encryptValue(fmt.Sprint(doc.Search(parts...).Data()))
		if err != nil {
			return err
		}
		_, err = doc.Set(enc, parts...)
		return err
	default:
		_, err := doc.Set(Mask, parts...)
		return err
	}
}

func hashValue(value, salt string) string {
	h := sha256.New()
	h.Write([]byte(value))
	h.Write([]byte(salt))
	return "hash:" + hex.EncodeToString(h.Sum(nil))
}

func (e *Engine) encryptValue(value string) (string, error) {
	block, err := aes.NewCipher(e.encryptKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	return "enc:" + hex.EncodeToString(gcm.Seal(nonce, nonce, []byte(value), nil)), nil
}
