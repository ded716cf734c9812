package ingest

import (
	"encoding/json"

	"ops-platform/pkg/errors"
	"ops-platform/pkg/validate"
)

// ObjectNotice 对象到达通知：{detail:{bucket:{name}, object:{key}}}
type ObjectNotice struct {
	Detail NoticeDetail `json:"detail"`
}

type NoticeDetail struct {
	Bucket BucketRef `json:"bucket"`
	Object ObjectRef `json:"object"`
}

type BucketRef struct {
	Name string `json:"name" validate:"required"`
}

type ObjectRef struct {
	Key string `json:"key" validate:"required"`
}

// ParseNotice 解析并校验通知
func ParseNotice(body []byte) (*ObjectNotice, error) {
	var n ObjectNotice
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, errors.Invalid("body", "not a valid object notice")
	}
	if err := validate.Struct(&n); err != nil {
		return nil, err
	}
	return &n, nil
}

// SyncItem 转换完成、等待触发 ingestion 的对象
type SyncItem struct {
	Bucket string `json:"bucket" validate:"required"`
	Key    string `json:"key" validate:"required"`
}

func parseSyncItem(body []byte) (*SyncItem, error) {
	var it SyncItem
	if err := json.Unmarshal(body, &it); err != nil {
		return nil, errors.Invalid("body", "not a valid sync item")
	}
	if err := validate.Struct(&it); err != nil {
		return nil, err
	}
	return &it, nil
}
