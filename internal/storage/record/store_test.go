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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ops-platform/internal/storage/pg/pgtest"
	"ops-platform/pkg/config"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	for _, pk := range []string{"TCK-100", "TCK-101", "TCK-200", "OTHER-1"} {
		require.NoError(t, s.Put(ctx, &Record{Table: "tickets", PK: pk, Attributes: map[string]interface{}{"title": "t-" + pk}}))
	}
	require.NoError(t, s.Put(ctx, &Record{Table: "sessions", PK: "TCK-999"}))

	got, err := s.Get(ctx, "tickets", "TCK-100")
	require.NoError(t, err)
	assert.Equal(t, "t-TCK-100", got.Attributes["title"])
	assert.NotZero(t, got.UpdatedAt)

	recs, err := s.Scan(ctx, "tickets", &Filter{KeyContains: "TCK-1"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "TCK-100", recs[0].PK)
	assert.Equal(t, "TCK-101", recs[1].PK)

	all, err := s.Scan(ctx, "tickets", nil)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	limited, err := s.Scan(ctx, "tickets", &Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	none, err := s.Scan(ctx, "tickets", &Filter{KeyContains: "%"})
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, s.Put(ctx, &Record{Table: "tickets", PK: "TCK-100", Attributes: map[string]interface{}{"title": "updated"}}))
	got, err = s.Get(ctx, "tickets", "TCK-100")
	require.NoError(t, err)
	assert.Equal(t, "updated", got.Attributes["title"])

	require.NoError(t, s.Delete(ctx, "tickets", "TCK-100"))
	_, err = s.Get(ctx, "tickets", "TCK-100")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "tickets", "TCK-100"), ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStore_PutRequiresKey(t *testing.T) {
	s := NewMemoryStore()
	assert.Error(t, s.Put(context.Background(), &Record{Table: "tickets"}))
	assert.Error(t, s.Put(context.Background(), nil))
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Put(ctx, &Record{Table: "t", PK: "a", Attributes: map[string]interface{}{"n": 1}}))
	got, err := s.Get(ctx, "t", "a")
	require.NoError(t, err)
	got.Attributes["n"] = 2

	again, err := s.Get(ctx, "t", "a")
	require.NoError(t, err)
	assert.Equal(t, 1, again.Attributes["n"])
}

func TestPgStore(t *testing.T) {
	pool := pgtest.Pool(t)
	_, _ = pool.Exec(context.Background(), `DELETE FROM records`)
	exerciseStore(t, NewPgStore(pool))
}

func TestNewStore(t *testing.T) {
	s, err := NewStore(config.BackendConfig{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = NewStore(config.BackendConfig{Type: "postgres"}, nil)
	assert.Error(t, err)
}
