// Package syncer reconciles device change journals with the authoritative
// store. The Reconciler runs server side; the Coordinator drains a device's
// journal through an Applier.
package syncer

import (
	"fmt"
	"sort"
	"time"

	"github.com/gearbase/gearbase/internal/apperr"
	"github.com/gearbase/gearbase/internal/models"
)

// FieldKind is the expected JSON type of a business record field.
type FieldKind int

const (
	KindString FieldKind = iota
	KindNumber
	KindInteger
	KindBool
	KindTimestamp
	KindObject
)

func (k FieldKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindInteger:
		return "integer"
	case KindBool:
		return "boolean"
	case KindTimestamp:
		return "timestamp"
	case KindObject:
		return "object"
	}
	return "unknown"
}

// TableSchema describes the known fields of a syncable table. Fields not
// listed are carried through as opaque values.
type TableSchema struct {
	Name     string
	Fields   map[string]FieldKind
	Required []string
}

// syncableTables is the allow-list. Nothing outside it is ever interpreted.
var syncableTables = map[string]TableSchema{
	"inventory_items": {
		Fields: map[string]FieldKind{
			"name": KindString, "sku": KindString, "quantity": KindInteger,
			"unit_cost": KindNumber, "warehouse_id": KindString, "notes": KindString,
		},
		Required: []string{"name"},
	},
	"pull_sheets": {
		Fields:   map[string]FieldKind{"job_id": KindString, "status": KindString, "due_date": KindTimestamp},
		Required: []string{"job_id"},
	},
	"pull_sheet_items": {
		Fields:   map[string]FieldKind{"pull_sheet_id": KindString, "inventory_item_id": KindString, "quantity": KindInteger, "picked": KindBool},
		Required: []string{"pull_sheet_id", "inventory_item_id"},
	},
	"jobs": {
		Fields: map[string]FieldKind{
			"title": KindString, "status": KindString, "client_id": KindString,
			"venue_id": KindString, "start_date": KindTimestamp, "end_date": KindTimestamp, "notes": KindString,
		},
		Required: []string{"title"},
	},
	"job_assignments": {
		Fields:   map[string]FieldKind{"job_id": KindString, "employee_id": KindString, "role": KindString},
		Required: []string{"job_id", "employee_id"},
	},
	"employees": {
		Fields:   map[string]FieldKind{"name": KindString, "email": KindString, "phone": KindString, "active": KindBool},
		Required: []string{"name"},
	},
	"clients": {
		Fields:   map[string]FieldKind{"name": KindString, "email": KindString, "phone": KindString, "address": KindObject},
		Required: []string{"name"},
	},
	"warehouses": {
		Fields:   map[string]FieldKind{"name": KindString, "address": KindObject},
		Required: []string{"name"},
	},
	"financing_applications": {
		Fields: map[string]FieldKind{"client_id": KindString, "amount": KindNumber, "status": KindString},
	},
	"payments": {
		Fields:   map[string]FieldKind{"job_id": KindString, "amount": KindNumber, "method": KindString, "paid_at": KindTimestamp},
		Required: []string{"amount"},
	},
	"return_manifests": {
		Fields: map[string]FieldKind{"job_id": KindString, "status": KindString, "returned_at": KindTimestamp},
	},
	"return_items": {
		Fields:   map[string]FieldKind{"return_manifest_id": KindString, "inventory_item_id": KindString, "quantity": KindInteger, "damaged": KindBool},
		Required: []string{"return_manifest_id"},
	},
	"tasks": {
		Fields:   map[string]FieldKind{"title": KindString, "status": KindString, "due_date": KindTimestamp, "completed": KindBool},
		Required: []string{"title"},
	},
	"task_assignments": {
		Fields:   map[string]FieldKind{"task_id": KindString, "employee_id": KindString},
		Required: []string{"task_id", "employee_id"},
	},
	"venues": {
		Fields:   map[string]FieldKind{"name": KindString, "address": KindObject, "capacity": KindInteger},
		Required: []string{"name"},
	},
	"notifications": {
		Fields: map[string]FieldKind{"title": KindString, "body": KindString, "read": KindBool},
	},
}

// SyncableTables returns the allow-listed table names in sorted order.
func SyncableTables() []string {
	names := make([]string, 0, len(syncableTables))
	for name := range syncableTables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsSyncable reports whether table is on the allow-list.
func IsSyncable(table string) bool {
	_, ok := syncableTables[table]
	return ok
}

// SchemaFor returns the schema for an allow-listed table.
func SchemaFor(table string) (TableSchema, error) {
	s, ok := syncableTables[table]
	if !ok {
		return TableSchema{}, apperr.Validation("table %q is not syncable", table)
	}
	s.Name = table
	return s, nil
}

// Validate checks the typed fields of values. When full is set, required
// fields must be present.
func (s TableSchema) Validate(values models.Values, full bool) error {
	if full {
		for _, f := range s.Required {
			if v, ok := values[f]; !ok || v == nil {
				return apperr.Validation("%s: field %q is required", s.Name, f)
			}
		}
	}
	for field, v := range values {
		kind, known := s.Fields[field]
		if !known || v == nil {
			continue
		}
		if !matchesKind(v, kind) {
			return apperr.Validation("%s: field %q must be a %s", s.Name, field, kind)
		}
	}
	return nil
}

func matchesKind(v any, kind FieldKind) bool {
	switch kind {
	case KindString:
		_, ok := v.(string)
		return ok
	case KindNumber:
		switch v.(type) {
		case float64, float32, int, int32, int64:
			return true
		}
	case KindInteger:
		switch n := v.(type) {
		case int, int32, int64:
			return true
		case float64:
			return n == float64(int64(n))
		}
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindTimestamp:
		switch t := v.(type) {
		case time.Time:
			return true
		case string:
			_, err := time.Parse(time.RFC3339Nano, t)
			return err == nil
		}
	case KindObject:
		_, ok := v.(map[string]any)
		return ok
	}
	return false
}

// validateEntry runs every check that must pass before an entry is interpreted.
func validateEntry(e *models.ChangeEntry) (TableSchema, error) {
	if err := e.Validate(); err != nil {
		return TableSchema{}, apperr.Wrap(apperr.KindValidation, err, err.Error())
	}
	schema, err := SchemaFor(e.TableName)
	if err != nil {
		return TableSchema{}, err
	}
	if e.Operation == models.OperationDelete {
		return schema, nil
	}
	if err := schema.Validate(e.NewValues.WithoutMetadata(), e.Operation == models.OperationInsert); err != nil {
		return TableSchema{}, err
	}
	return schema, nil
}

func describe(e *models.ChangeEntry) string {
	return fmt.Sprintf("%s %s/%s", e.Operation, e.TableName, e.RecordID)
}
