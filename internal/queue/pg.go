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

package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ops-platform/pkg/metrics"
)

// pgQueue PostgreSQL 实现，使用 queue_messages / queue_dead_letters 表；多 Worker 通过 SKIP LOCKED 并发领取
type pgQueue struct {
	pool *pgxpool.Pool
	opts Options
}

// NewPgQueue 创建基于 PostgreSQL 的队列；表由 pg.Migrate 创建
func NewPgQueue(pool *pgxpool.Pool, opts Options) Queue {
	return &pgQueue{pool: pool, opts: opts.withDefaults()}
}

func (q *pgQueue) Name() string { return q.opts.Name }

func (q *pgQueue) Enqueue(ctx context.Context, body []byte) (string, error) {
	id := uuid.New().String()
	_, err := q.pool.Exec(ctx,
		`INSERT INTO queue_messages (id, queue, body) VALUES ($1, $2, $3)`,
		id, q.opts.Name, body,
	)
	return id, err
}

func (q *pgQueue) DequeueBatch(ctx context.Context, maxSize int, maxWait time.Duration) ([]*Message, error) {
	if maxSize <= 0 {
		maxSize = 1
	}
	deadline := time.Now().Add(maxWait)
	var out []*Message
	for {
		got, err := q.claim(ctx, maxSize-len(out))
		if err != nil {
			return out, err
		}
		out = append(out, got...)
		if len(out) >= maxSize {
			return out, nil
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return out, nil
		}
		if wait > q.opts.PollInterval {
			wait = q.opts.PollInterval
		}
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// claim 单个事务内先转移超限消息到死信表，再领取至多 n 条可见消息
func (q *pgQueue) claim(ctx context.Context, n int) ([]*Message, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := q.moveDead(ctx, tx); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx,
		`WITH sel AS (
  SELECT id FROM queue_messages
  WHERE queue = $1 AND visible_at <= now()
  ORDER BY sent_at LIMIT $2 FOR UPDATE SKIP LOCKED
)
UPDATE queue_messages m SET
  receive_count = m.receive_count + 1,
  first_received_at = COALESCE(m.first_received_at, now()),
  visible_at = now() + make_interval(secs => $3),
  receipt = gen_random_uuid()::text
FROM sel WHERE m.id = sel.id
RETURNING m.id, m.body, m.receive_count, m.first_received_at, m.sent_at, m.receipt`,
		q.opts.Name, n, q.opts.VisibilityTimeout.Seconds(),
	)
	if err != nil {
		return nil, err
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Message, error) {
		m := &Message{}
		err := row.Scan(&m.ID, &m.Body, &m.ReceiveCount, &m.FirstReceivedAt, &m.SentAt, &m.Receipt)
		return m, err
	})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	if len(msgs) > 0 {
		metrics.QueueReceivesTotal.WithLabelValues(q.opts.Name).Add(float64(len(msgs)))
	}
	return msgs, nil
}

// moveDead 把已重新可见且接收次数达到上限的消息转入死信表
func (q *pgQueue) moveDead(ctx context.Context, tx pgx.Tx) error {
	if q.opts.MaxReceiveCount <= 0 {
		return nil
	}
	tag, err := tx.Exec(ctx,
		`WITH dead AS (
  DELETE FROM queue_messages
  WHERE id IN (
    SELECT id FROM queue_messages
    WHERE queue = $1 AND visible_at <= now() AND receive_count >= $2
    FOR UPDATE SKIP LOCKED
  )
  RETURNING id, queue, body, receive_count, first_received_at, sent_at
)
INSERT INTO queue_dead_letters (id, queue, body, receive_count, first_received_at, sent_at)
SELECT id, queue, body, receive_count, first_received_at, sent_at FROM dead`,
		q.opts.Name, q.opts.MaxReceiveCount,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		metrics.QueueDeadLettersTotal.WithLabelValues(q.opts.Name).Add(float64(tag.RowsAffected()))
	}
	return nil
}

// sweep 不领取消息，只做死信转移；Len 与 DeadLetters 读之前调用
func (q *pgQueue) sweep(ctx context.Context) error {
	if q.opts.MaxReceiveCount <= 0 {
		return nil
	}
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := q.moveDead(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (q *pgQueue) Ack(ctx context.Context, receipt string) error {
	tag, err := q.pool.Exec(ctx,
		`DELETE FROM queue_messages WHERE queue = $1 AND receipt = $2`,
		q.opts.Name, receipt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrReceiptInvalid
	}
	return nil
}

func (q *pgQueue) ChangeVisibility(ctx context.Context, receipt string, timeout time.Duration) error {
	tag, err := q.pool.Exec(ctx,
		`UPDATE queue_messages SET visible_at = now() + make_interval(secs => $3) WHERE queue = $1 AND receipt = $2`,
		q.opts.Name, receipt, timeout.Seconds(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrReceiptInvalid
	}
	return nil
}

func (q *pgQueue) Len(ctx context.Context) (int, error) {
	if err := q.sweep(ctx); err != nil {
		return 0, err
	}
	var n int
	err := q.pool.QueryRow(ctx, `SELECT count(*) FROM queue_messages WHERE queue = $1`, q.opts.Name).Scan(&n)
	if err == nil {
		metrics.QueueDepth.WithLabelValues(q.opts.Name).Set(float64(n))
	}
	return n, err
}

func (q *pgQueue) DeadLetters(ctx context.Context) ([]*Message, error) {
	if err := q.sweep(ctx); err != nil {
		return nil, err
	}
	rows, err := q.pool.Query(ctx,
		`SELECT id, body, receive_count, first_received_at, sent_at FROM queue_dead_letters
WHERE queue = $1 ORDER BY dead_at, id`, q.opts.Name)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Message, error) {
		m := &Message{}
		var first *time.Time
		if err := row.Scan(&m.ID, &m.Body, &m.ReceiveCount, &first, &m.SentAt); err != nil {
			return nil, err
		}
		if first != nil {
			m.FirstReceivedAt = *first
		}
		return m, nil
	})
}
