package object

import (
	"context"
	"io"
)

// Store 对象存储：归档分区文件、转换后的文本文件均经此读写；path 形如 bucket/key
type Store interface {
	// Put 写入对象，同 path 覆盖
	Put(ctx context.Context, path string, data io.Reader, size int64, metadata map[string]string) error
	// Get 读取对象；不存在时返回的错误满足 errors.Is(err, ErrNotFound)
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
	// List 按前缀列出，结果按 path 升序
	List(ctx context.Context, prefix string) ([]*ObjectInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
	GetMetadata(ctx context.Context, path string) (map[string]string, error)
	Close() error
}

// ObjectInfo 对象描述
type ObjectInfo struct {
	Path      string            `json:"path"`
	Size      int64             `json:"size"`
	Metadata  map[string]string `json:"metadata"`
	CreatedAt int64             `json:"created_at"`
}

// Join 拼接 bucket 与 key
func Join(bucket, key string) string {
	if bucket == "" {
		return key
	}
	return bucket + "/" + key
}
