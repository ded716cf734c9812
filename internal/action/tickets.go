package action

import (
	"context"
	"encoding/json"

	"ops-platform/internal/storage/record"
	"ops-platform/pkg/errors"
)

// ListTicketsPath 工单查询路径
const ListTicketsPath = "/list-tickets"

// TicketLister 以 parameters[0].value 作为主键子串扫描工单表
type TicketLister struct {
	Records record.Store
	Table   string
}

type scanResult struct {
	Items []*record.Record `json:"Items"`
	Count int              `json:"Count"`
}

func (l *TicketLister) Handle(ctx context.Context, req *Request) (string, error) {
	if len(req.Parameters) == 0 {
		return "", errors.Invalid("parameters[0]", "required")
	}
	items, err := l.Records.Scan(ctx, l.Table, &record.Filter{KeyContains: req.Parameters[0].Value})
	if err != nil {
		return "", errors.Wrap(err, "scan tickets")
	}
	if items == nil {
		items = []*record.Record{}
	}
	data, err := json.Marshal(scanResult{Items: items, Count: len(items)})
	if err != nil {
		return "", err
	}
	return string(data), nil
}
