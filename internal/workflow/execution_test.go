package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ops-platform/internal/storage/record"
	"ops-platform/pkg/errors"
)

func TestExecutionStoreRecord_WithEngine(t *testing.T) {
	records := record.NewMemoryStore()
	e := NewEngine(Options{Store: NewExecutionStoreRecord(records)})
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	mustRegister(t, e, routeWorkflow)

	ex := runToEnd(t, e, "route", map[string]interface{}{"severity": 5})
	require.Equal(t, StatusSucceeded, ex.Status)
	assert.Equal(t, "page", field(t, ex.Output, "$.decision.action"))
	require.Len(t, ex.History, 2)
	assert.Equal(t, StepChoice, ex.History[0].Type)
	assert.NotNil(t, ex.StoppedAt)

	rec, err := records.Get(context.Background(), ExecutionTable, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, "Succeeded", rec.Attributes["status"])

	_, err = e.Describe(context.Background(), "missing")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestExecutionStoreRecord_ListFilters(t *testing.T) {
	s := NewExecutionStoreRecord(record.NewMemoryStore())
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, e := range []*Execution{
		{ID: "a", Workflow: "w1", Status: StatusSucceeded, StartedAt: base},
		{ID: "b", Workflow: "w1", Status: StatusFailed, StartedAt: base.Add(time.Minute)},
		{ID: "c", Workflow: "w2", Status: StatusSucceeded, StartedAt: base.Add(2 * time.Minute)},
	} {
		require.NoError(t, s.Put(ctx, e), i)
	}

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID)

	w1, err := s.List(ctx, Filter{Workflow: "w1", Status: StatusSucceeded})
	require.NoError(t, err)
	require.Len(t, w1, 1)
	assert.Equal(t, "a", w1[0].ID)
	assert.Empty(t, w1[0].History)

	limited, err := s.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
