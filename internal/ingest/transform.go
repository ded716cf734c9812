package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/Jeffail/gabs/v2"

	"ops-platform/pkg/errors"
)

// Transform 将 JSON 对象转为纯文本：每个叶子一行 "key: value"，嵌套对象以点号展开，数组以下标展开
func Transform(raw []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	doc, err := gabs.ParseJSONDecoder(dec)
	if err != nil {
		return "", errors.Invalid("body", "not valid JSON")
	}
	if _, ok := doc.Data().(map[string]interface{}); !ok {
		return "", errors.Invalid("body", "not a JSON object")
	}
	flat, err := doc.FlattenIncludeEmpty()
	if err != nil {
		return "", errors.Invalid("body", err.Error())
	}

	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(formatValue(flat[k]))
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

func formatValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case map[string]interface{}:
		return "{}"
	case []interface{}:
		return "[]"
	}
	return fmt.Sprint(v)
}
