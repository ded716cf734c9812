package workflow

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sort"

	"ops-platform/internal/storage/record"
	"ops-platform/pkg/errors"
)

// ExecutionTable 执行记录所在表
const ExecutionTable = "workflow_executions"

type executionStoreRecord struct {
	records record.Store
	table   string
}

// NewExecutionStoreRecord 以记录存储持久化执行；每个执行一条记录，pk 为执行 ID
func NewExecutionStoreRecord(records record.Store) ExecutionStore {
	return &executionStoreRecord{records: records, table: ExecutionTable}
}

func (s *executionStoreRecord) Put(ctx context.Context, e *Execution) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	var attrs map[string]interface{}
	if err := json.Unmarshal(b, &attrs); err != nil {
		return err
	}
	return s.records.Put(ctx, &record.Record{Table: s.table, PK: e.ID, Attributes: attrs})
}

func (s *executionStoreRecord) Get(ctx context.Context, id string) (*Execution, error) {
	rec, err := s.records.Get(ctx, s.table, id)
	if err != nil {
		if stderrors.Is(err, errors.ErrNotFound) {
			return nil, errors.Wrapf(errors.ErrNotFound, "execution %s", id)
		}
		return nil, err
	}
	return decodeExecution(rec)
}

// List 全表扫描后过滤，按开始时间倒序
func (s *executionStoreRecord) List(ctx context.Context, f Filter) ([]*Execution, error) {
	recs, err := s.records.Scan(ctx, s.table, nil)
	if err != nil {
		return nil, err
	}
	out := make([]*Execution, 0, len(recs))
	for _, rec := range recs {
		e, err := decodeExecution(rec)
		if err != nil {
			return nil, err
		}
		if f.Workflow != "" && e.Workflow != f.Workflow {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func decodeExecution(rec *record.Record) (*Execution, error) {
	b, err := json.Marshal(rec.Attributes)
	if err != nil {
		return nil, err
	}
	var e Execution
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, errors.Wrapf(err, "decode execution %s", rec.PK)
	}
	if e.History == nil {
		e.History = []StepResult{}
	}
	return &e, nil
}
