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
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisTokenPrefix = "ops:wf:token:"
	redisExecPrefix  = "ops:wf:exec-tokens:"
	// redisNoExpiry 无超时的回调 token 的保留时间
	redisNoExpiry = 7 * 24 * time.Hour
)

type tokenStoreRedis struct {
	client redis.UniversalClient
}

// NewTokenStoreRedis 基于 redis 的 token 存储：TTL 即步骤超时，GETDEL 保证只消费一次
func NewTokenStoreRedis(client redis.UniversalClient) TokenStore {
	return &tokenStoreRedis{client: client}
}

func (s *tokenStoreRedis) Put(ctx context.Context, t *CallbackToken) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	ttl := redisNoExpiry
	if !t.ExpiresAt.IsZero() {
		ttl = time.Until(t.ExpiresAt)
		if ttl <= 0 {
			ttl = time.Millisecond
		}
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, redisTokenPrefix+t.Token, data, ttl)
	pipe.SAdd(ctx, redisExecPrefix+t.ExecutionID, t.Token)
	pipe.Expire(ctx, redisExecPrefix+t.ExecutionID, redisNoExpiry)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *tokenStoreRedis) Consume(ctx context.Context, token string) (*CallbackToken, error) {
	data, err := s.client.GetDel(ctx, redisTokenPrefix+token).Bytes()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return nil, ErrTokenInvalid
		}
		return nil, err
	}
	var t CallbackToken
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	_ = s.client.SRem(ctx, redisExecPrefix+t.ExecutionID, token).Err()
	return &t, nil
}

func (s *tokenStoreRedis) InvalidateExecution(ctx context.Context, executionID string) error {
	key := redisExecPrefix + executionID
	tokens, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(tokens)+1)
	for _, t := range tokens {
		keys = append(keys, redisTokenPrefix+t)
	}
	keys = append(keys, key)
	return s.client.Del(ctx, keys...).Err()
}
