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

package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"ops-platform/internal/queue"
	"ops-platform/internal/storage/object"
	"ops-platform/internal/storage/pg"
	"ops-platform/internal/storage/record"
	"ops-platform/internal/workflow"
	"ops-platform/pkg/config"
	"ops-platform/pkg/log"
	"ops-platform/pkg/secrets"
)

// Bootstrap 统一初始化：供 api 与 worker 复用，避免在 cmd 内写业务与 pipeline。
// 共享客户端（pgx 连接池、redis）只在这里创建一次。
type Bootstrap struct {
	Config  *config.Config
	Logger  *log.Logger
	Secrets secrets.Store
	Objects object.Store
	Records record.Store
	// Redis tokens 存储为 redis 时非 nil
	Redis redis.UniversalClient

	mu    sync.Mutex
	pools map[string]*pgxpool.Pool
}

// NewBootstrap 根据配置创建 Bootstrap（Logger/Secrets/DB/Storage）
func NewBootstrap(cfg *config.Config) (*Bootstrap, error) {
	if cfg == nil {
		cfg = &config.Config{}
		if err := config.Prepare(cfg); err != nil {
			return nil, err
		}
	}
	logger, err := log.NewLogger(&log.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	b := &Bootstrap{
		Config: cfg,
		Logger: logger,
		pools:  make(map[string]*pgxpool.Pool),
	}

	b.Secrets, err = secrets.NewStore(secrets.Config{
		Provider: cfg.Secrets.Provider,
		Vault: secrets.VaultConfig{
			Address:    cfg.Secrets.Vault.Address,
			Token:      cfg.Secrets.Vault.Token,
			PathPrefix: cfg.Secrets.Vault.PathPrefix,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("初始化密钥存储失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	objPool, err := b.poolFor(ctx, cfg.Storage.Object)
	if err != nil {
		return nil, err
	}
	if b.Objects, err = object.NewStore(cfg.Storage.Object, objPool); err != nil {
		return nil, fmt.Errorf("初始化对象存储失败: %w", err)
	}

	recPool, err := b.poolFor(ctx, cfg.Storage.Records)
	if err != nil {
		return nil, err
	}
	if b.Records, err = record.NewStore(cfg.Storage.Records, recPool); err != nil {
		return nil, fmt.Errorf("初始化记录存储失败: %w", err)
	}

	if cfg.Storage.Tokens.Type == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Tokens.Addr,
			DB:       cfg.Storage.Tokens.DB,
			Password: cfg.Storage.Tokens.Password,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("连接 redis 失败: %w", err)
		}
		b.Redis = client
	}
	return b, nil
}

func (b *Bootstrap) poolFor(ctx context.Context, cfg config.BackendConfig) (*pgxpool.Pool, error) {
	if cfg.Type != "postgres" {
		return nil, nil
	}
	return b.Pool(ctx, cfg.DSN)
}

// Pool 按 DSN 复用连接池，首次创建时执行建表
func (b *Bootstrap) Pool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn 未配置")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.pools[dsn]; ok {
		return p, nil
	}
	p, err := pg.NewPool(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("连接 postgres 失败: %w", err)
	}
	if err := pg.Migrate(ctx, p); err != nil {
		p.Close()
		return nil, err
	}
	b.pools[dsn] = p
	return p, nil
}

// NewQueue 按 queue.type 创建队列
func (b *Bootstrap) NewQueue(spec config.QueueSpec) (queue.Queue, error) {
	var pool *pgxpool.Pool
	if b.Config.Queue.Type == "postgres" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		p, err := b.Pool(ctx, b.Config.Queue.DSN)
		if err != nil {
			return nil, err
		}
		pool = p
	}
	return queue.NewQueue(b.Config.Queue.Type, spec, pool)
}

// TokenStore 回调 token 存储：配置了 redis 时跨进程共享，否则进程内
func (b *Bootstrap) TokenStore() workflow.TokenStore {
	if b.Redis != nil {
		return workflow.NewTokenStoreRedis(b.Redis)
	}
	return workflow.NewTokenStoreMem()
}

// ExecutionStore 执行记录存储：记录存储为 postgres 时持久化，否则进程内
func (b *Bootstrap) ExecutionStore() workflow.ExecutionStore {
	if b.Config.Storage.Records.Type == "postgres" {
		return workflow.NewExecutionStoreRecord(b.Records)
	}
	return workflow.NewExecutionStoreMem()
}

// Secret 读取密钥，失败或为空时返回 fallback
func (b *Bootstrap) Secret(key, fallback string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return secrets.GetOrDefault(ctx, b.Secrets, key, fallback)
}

// Close 释放共享客户端
func (b *Bootstrap) Close() {
	if b.Objects != nil {
		_ = b.Objects.Close()
	}
	if b.Records != nil {
		_ = b.Records.Close()
	}
	if b.Redis != nil {
		_ = b.Redis.Close()
	}
	b.mu.Lock()
	for _, p := range b.pools {
		p.Close()
	}
	b.pools = map[string]*pgxpool.Pool{}
	b.mu.Unlock()
}
