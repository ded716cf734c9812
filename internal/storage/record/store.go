package record

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"ops-platform/pkg/config"
)

// NewStore 根据配置创建记录存储
func NewStore(cfg config.BackendConfig, pool *pgxpool.Pool) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "postgres":
		if pool == nil {
			return nil, fmt.Errorf("记录存储类型为 postgres 但未配置连接池")
		}
		return NewPgStore(pool), nil
	default:
		return nil, fmt.Errorf("不支持的记录存储类型: %s", cfg.Type)
	}
}
