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

package object

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgStore 将对象存于 objects 表（bytea）；适合归档与转换产物这类中小对象
type pgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore 使用共享连接池；表由 pg.Migrate 创建
func NewPgStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

func (s *pgStore) Put(ctx context.Context, path string, data io.Reader, size int64, metadata map[string]string) error {
	buf := &bytes.Buffer{}
	if size > 0 {
		buf.Grow(int(size))
	}
	if _, err := io.Copy(buf, data); err != nil {
		return fmt.Errorf("failed to read object data: %w", err)
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO objects (path, data, metadata) VALUES ($1, $2, $3)
ON CONFLICT (path) DO UPDATE SET data = EXCLUDED.data, metadata = EXCLUDED.metadata, created_at = now()`,
		path, buf.Bytes(), metaJSON,
	)
	return err
}

func (s *pgStore) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM objects WHERE path = $1`, path).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("object %s: %w", path, ErrNotFound)
		}
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *pgStore) Delete(ctx context.Context, path string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM objects WHERE path = $1`, path)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("object %s: %w", path, ErrNotFound)
	}
	return nil
}

func (s *pgStore) List(ctx context.Context, prefix string) ([]*ObjectInfo, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT path, length(data), metadata, extract(epoch from created_at)::bigint
FROM objects WHERE starts_with(path, $1) ORDER BY path`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ObjectInfo
	for rows.Next() {
		var (
			info     ObjectInfo
			metaJSON []byte
		)
		if err := rows.Scan(&info.Path, &info.Size, &metaJSON, &info.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(metaJSON, &info.Metadata)
		out = append(out, &info)
	}
	return out, rows.Err()
}

func (s *pgStore) Exists(ctx context.Context, path string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM objects WHERE path = $1)`, path).Scan(&ok)
	return ok, err
}

func (s *pgStore) GetMetadata(ctx context.Context, path string) (map[string]string, error) {
	var metaJSON []byte
	err := s.pool.QueryRow(ctx, `SELECT metadata FROM objects WHERE path = $1`, path).Scan(&metaJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("object %s: %w", path, ErrNotFound)
		}
		return nil, err
	}
	meta := map[string]string{}
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// Close 连接池由 bootstrap 统一关闭
func (s *pgStore) Close() error {
	return nil
}
