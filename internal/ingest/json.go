package ingest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"threatguard/internal/normalize"
)

func ParseJSONBytes(data []byte) (*normalize.EventFields, error) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return ParseJSONMap(obj), nil
}

// ParseJSONMap maps well-known keys onto event fields. A nested "metadata"
// object and every other key end up in the event metadata with their JSON
// types intact.
func ParseJSONMap(obj map[string]any) *normalize.EventFields {
	flat := make(map[string]string, len(obj))
	meta := map[string]any{}
	for key, val := range obj {
		k := strings.ToLower(key)
		if k == "metadata" {
			if nested, ok := val.(map[string]any); ok {
				for mk, mv := range nested {
					meta[mk] = mv
				}
			}
			continue
		}
		if _, ok := reserved[k]; ok {
			flat[k] = scalar(val)
			continue
		}
		meta[k] = val
	}
	fields := fromStrings(flat)
	if len(meta) > 0 {
		fields.Metadata = meta
	}
	return fields
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return fmt.Sprint(v)
}
