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

package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgStore PostgreSQL 实现，使用 records 表；属性存 JSONB
type pgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore 创建基于 PostgreSQL 的记录存储
func NewPgStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

func (s *pgStore) Put(ctx context.Context, rec *Record) error {
	if rec == nil || rec.Table == "" || rec.PK == "" {
		return fmt.Errorf("record: table and pk are required")
	}
	attrs := rec.Attributes
	if attrs == nil {
		attrs = map[string]interface{}{}
	}
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO records (tbl, pk, attributes, updated_at) VALUES ($1, $2, $3, now())
ON CONFLICT (tbl, pk) DO UPDATE SET attributes = EXCLUDED.attributes, updated_at = now()`,
		rec.Table, rec.PK, attrsJSON,
	)
	return err
}

func (s *pgStore) Get(ctx context.Context, table, pk string) (*Record, error) {
	rec := &Record{Table: table, PK: pk}
	var attrsJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT attributes, extract(epoch from updated_at)::bigint FROM records WHERE tbl = $1 AND pk = $2`,
		table, pk,
	).Scan(&attrsJSON, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("record %s/%s: %w", table, pk, ErrNotFound)
		}
		return nil, err
	}
	if err := json.Unmarshal(attrsJSON, &rec.Attributes); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *pgStore) Delete(ctx context.Context, table, pk string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM records WHERE tbl = $1 AND pk = $2`, table, pk)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record %s/%s: %w", table, pk, ErrNotFound)
	}
	return nil
}

func (s *pgStore) Scan(ctx context.Context, table string, filter *Filter) ([]*Record, error) {
	query := `SELECT pk, attributes, extract(epoch from updated_at)::bigint FROM records WHERE tbl = $1`
	args := []interface{}{table}
	if filter != nil && filter.KeyContains != "" {
		args = append(args, "%"+escapeLike(filter.KeyContains)+"%")
		query += fmt.Sprintf(` AND pk LIKE $%d`, len(args))
	}
	query += ` ORDER BY pk`
	if filter != nil && filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		rec := &Record{Table: table}
		var attrsJSON []byte
		if err := rows.Scan(&rec.PK, &attrsJSON, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(attrsJSON, &rec.Attributes); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *pgStore) Close() error {
	return nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(s)
}
