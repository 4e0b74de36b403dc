package budget

import (
	"encoding/json"
	"strings"
	"time"
)

// CompactPayload normalizes a JSON payload before it is persisted:
// null and empty fields are stripped, and recognizable timestamp fields
// are reduced to second-granularity epoch integers. The transform is
// lossy: sub-second precision is not preserved.
func CompactPayload(value []byte) []byte {
	var obj interface{}
	if err := json.Unmarshal(value, &obj); err != nil {
		return value
	}

	compacted := compactValue(obj, "")
	out, err := json.Marshal(compacted)
	if err != nil {
		return value
	}
	return out
}

// ExpandPayload is the inverse read-side transform: epoch integers in
// timestamp fields are re-expanded to RFC3339 strings.
func ExpandPayload(value []byte) []byte {
	var obj interface{}
	if err := json.Unmarshal(value, &obj); err != nil {
		return value
	}

	expanded := expandValue(obj, "")
	out, err := json.Marshal(expanded)
	if err != nil {
		return value
	}
	return out
}

// isTimestampField reports whether a JSON field name is treated as a
// point in time by the compaction transform.
func isTimestampField(name string) bool {
	switch name {
	case "timestamp", "lastSync", "last_sync", "created", "modified", "completed":
		return true
	}
	return strings.HasSuffix(name, "_at") || strings.HasSuffix(name, "date") || strings.HasSuffix(name, "Date")
}

func compactValue(v interface{}, field string) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			c := compactValue(inner, k)
			if isEmpty(c) {
				continue
			}
			out[k] = c
		}
		return out
	case []interface{}:
		out := make([]interface{}, 0, len(val))
		for _, inner := range val {
			out = append(out, compactValue(inner, ""))
		}
		return out
	case string:
		if isTimestampField(field) {
			if t, err := time.Parse(time.RFC3339, val); err == nil && t.Unix() > 0 {
				return t.Unix()
			}
		}
		return val
	default:
		return val
	}
}

func expandValue(v interface{}, field string) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			out[k] = expandValue(inner, k)
		}
		return out
	case []interface{}:
		out := make([]interface{}, 0, len(val))
		for _, inner := range val {
			out = append(out, expandValue(inner, ""))
		}
		return out
	case float64:
		if isTimestampField(field) {
			n := int64(val)
			if n > 0 {
				return time.Unix(n, 0).UTC().Format(time.RFC3339)
			}
		}
		return val
	case json.Number:
		return val
	default:
		return val
	}
}

// isEmpty reports whether a compacted value should be dropped entirely.
func isEmpty(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case map[string]interface{}:
		return len(val) == 0
	case []interface{}:
		return len(val) == 0
	}
	return false
}
