package queue

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"ops-platform/pkg/config"
)

// NewQueue 根据配置创建队列
func NewQueue(typ string, spec config.QueueSpec, pool *pgxpool.Pool) (Queue, error) {
	opts := Options{
		Name:              spec.Name,
		VisibilityTimeout: spec.VisibilityTimeout,
		MaxReceiveCount:   spec.MaxReceiveCount,
	}
	switch typ {
	case "", "memory":
		return NewMemoryQueue(opts), nil
	case "postgres":
		if pool == nil {
			return nil, fmt.Errorf("队列类型为 postgres 但未配置连接池")
		}
		return NewPgQueue(pool, opts), nil
	default:
		return nil, fmt.Errorf("不支持的队列类型: %s", typ)
	}
}
