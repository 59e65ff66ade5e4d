package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Metadata field names maintained by the authoritative store.
const (
	FieldUpdatedAt = "updated_at"
	FieldCreatedAt = "created_at"
)

// Values is a loosely-typed field/value map for a business record.
type Values map[string]any

// Clone returns a shallow copy of v.
func (v Values) Clone() Values {
	if v == nil {
		return nil
	}
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// WithoutMetadata returns a copy of v with store-maintained timestamp fields removed.
func (v Values) WithoutMetadata() Values {
	out := v.Clone()
	delete(out, FieldUpdatedAt)
	delete(out, "updatedAt")
	delete(out, FieldCreatedAt)
	delete(out, "createdAt")
	return out
}

// UpdatedAt extracts the record's last-modified timestamp, accepting either
// the snake_case or camelCase key.
func (v Values) UpdatedAt() (time.Time, bool) {
	raw, ok := v[FieldUpdatedAt]
	if !ok {
		raw, ok = v["updatedAt"]
	}
	if !ok || raw == nil {
		return time.Time{}, false
	}
	t, err := ParseTimestamp(raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ParseTimestamp converts a timestamp-like value into a time.Time.
func ParseTimestamp(raw any) (time.Time, error) {
	switch t := raw.(type) {
	case time.Time:
		return t, nil
	case *time.Time:
		if t == nil {
			return time.Time{}, errors.New("nil timestamp")
		}
		return *t, nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse timestamp %q: %w", t, err)
		}
		return parsed, nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", raw)
	}
}

// Value implements driver.Valuer so Values can be stored as JSON.
func (v Values) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal values: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner for JSON-encoded Values.
func (v *Values) Scan(src any) error {
	if src == nil {
		*v = nil
		return nil
	}
	var data []byte
	switch s := src.(type) {
	case []byte:
		data = s
	case string:
		data = []byte(s)
	default:
		return fmt.Errorf("unsupported values source type %T", src)
	}
	var out Values
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("unmarshal values: %w", err)
	}
	*v = out
	return nil
}
