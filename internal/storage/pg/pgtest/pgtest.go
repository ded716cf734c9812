// Package pgtest 为 postgres 后端测试提供连接；未设置 OPS_TEST_PG_DSN 时跳过
package pgtest

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"ops-platform/internal/storage/pg"
)

// Pool 连接并建表，测试结束自动关闭；未配置 OPS_TEST_PG_DSN 时跳过
func Pool(t testing.TB) *pgxpool.Pool {
	t.Helper()
	pool := TryPool(t)
	if pool == nil {
		t.Skip("OPS_TEST_PG_DSN not set")
	}
	return pool
}

// TryPool 同 Pool，但未配置时返回 nil 而不跳过
func TryPool(t testing.TB) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("OPS_TEST_PG_DSN")
	if dsn == "" {
		return nil
	}
	ctx := context.Background()
	pool, err := pg.NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	if err := pg.Migrate(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}
