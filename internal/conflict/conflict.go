// Package conflict detects and resolves concurrent edits between a locally
// journaled change and the authoritative record. It never writes to storage.
package conflict

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"time"

	"github.com/gearbase/gearbase/internal/models"
)

// Version is a value set observed at a point in time.
type Version struct {
	Values    models.Values `json:"values"`
	Timestamp time.Time     `json:"timestamp"`
}

// Conflict describes a local edit and a newer remote write that disagree.
type Conflict struct {
	Table         string   `json:"table"`
	RecordID      string   `json:"record_id"`
	LocalVersion  Version  `json:"local_version"`
	RemoteVersion Version  `json:"remote_version"`
	ChangedFields []string `json:"changed_fields"`
}

// Detect compares a local edit against the current remote record.
//
// baseline is the remote last-modified timestamp the local edit was made
// against. A remote write at or before baseline was already seen by the
// editor and is simply superseded. Returns nil when there is no conflict.
func Detect(table, recordID string, local, remote Version, baseline time.Time) *Conflict {
	changed := DiffFields(local.Values, remote.Values)
	if len(changed) == 0 {
		return nil
	}
	if !remote.Timestamp.After(baseline) {
		return nil
	}
	return &Conflict{
		Table:         table,
		RecordID:      recordID,
		LocalVersion:  local,
		RemoteVersion: remote,
		ChangedFields: changed,
	}
}

// DiffFields returns the sorted names of fields set in local whose
// normalized value differs from remote. Store-maintained timestamps are ignored.
func DiffFields(local, remote models.Values) []string {
	var changed []string
	for field, lv := range local.WithoutMetadata() {
		rv, ok := remote[field]
		if !ok || !Equal(lv, rv) {
			changed = append(changed, field)
		}
	}
	sort.Strings(changed)
	return changed
}

// Equal compares two field values after normalization, so that 5, 5.0,
// int64(5) and json.Number("5") are equal and timestamps compare by instant.
func Equal(a, b any) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func normalize(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case bool:
		return t
	case int:
		return float64(t)
	case int8:
		return float64(t)
	case int16:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint8:
		return float64(t)
	case uint16:
		return float64(t)
	case uint32:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return normalizeFloat(float64(t))
	case float64:
		return normalizeFloat(t)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return normalizeFloat(f)
		}
		return t.String()
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts.UTC().Format(time.RFC3339Nano)
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case models.Values:
		return normalize(map[string]any(t))
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return fmt.Sprintf("%v", t)
	}
}

func normalizeFloat(f float64) any {
	if math.IsNaN(f) {
		return "NaN"
	}
	return f
}
