package object

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"ops-platform/pkg/config"
)

// NewStore 按配置创建对象存储；postgres 需传入共享连接池
func NewStore(cfg config.BackendConfig, pool *pgxpool.Pool) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "postgres":
		if pool == nil {
			return nil, fmt.Errorf("对象存储类型为 postgres 但未配置连接池")
		}
		return NewPgStore(pool), nil
	default:
		return nil, fmt.Errorf("不支持的对象存储类型: %s", cfg.Type)
	}
}
