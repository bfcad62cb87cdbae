package ecfr

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// VersionRecord is one countable entry of a title's version history.
type VersionRecord struct {
	Date    string
	Year    string
	Removed bool
}

// ParseVersionRecord interprets a decoded version entry. It reports false for
// entries that never count as a change: non-objects, removed entries, and
// entries whose date is missing, empty or not a string.
func ParseVersionRecord(value any) (VersionRecord, bool) {
	obj, ok := value.(map[string]any)
	if !ok {
		return VersionRecord{}, false
	}
	if truthy(obj["removed"]) {
		return VersionRecord{}, false
	}
	date, ok := obj["date"].(string)
	if !ok || date == "" {
		return VersionRecord{}, false
	}
	year, _, _ := strings.Cut(date, "-")
	return VersionRecord{Date: date, Year: year}, true
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case float64:
		return val != 0
	case json.Number:
		return val.String() != "0"
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}

// ExtractVersionList returns the version entries of a versions document. The
// remote API wraps them in an object under content_versions; a bare array is
// accepted as well. Documents without entries yield an empty array.
func ExtractVersionList(doc []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(doc)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty versions document")
	}
	if trimmed[0] == '[' {
		if !json.Valid(trimmed) {
			return nil, fmt.Errorf("invalid versions document")
		}
		return trimmed, nil
	}
	var wrapper struct {
		ContentVersions json.RawMessage `json:"content_versions"`
	}
	if err := json.Unmarshal(trimmed, &wrapper); err != nil {
		return nil, fmt.Errorf("decode versions document: %w", err)
	}
	list := bytes.TrimSpace(wrapper.ContentVersions)
	if len(list) == 0 || list[0] != '[' {
		return []byte("[]"), nil
	}
	return list, nil
}
