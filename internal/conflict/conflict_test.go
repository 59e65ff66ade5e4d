package conflict

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gearbase/gearbase/internal/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestDetect(t *testing.T) {
	tests := []struct {
		name     string
		local    models.Values
		remote   models.Values
		remoteAt time.Time
		baseline time.Time
		want     bool
	}{
		{"equal values newer remote", models.Values{"quantity": 5}, models.Values{"quantity": 5.0}, t0.Add(time.Hour), t0, false},
		{"different values newer remote", models.Values{"quantity": 5}, models.Values{"quantity": 3}, t0.Add(time.Second), t0, true},
		{"different values same timestamp", models.Values{"quantity": 5}, models.Values{"quantity": 3}, t0, t0, false},
		{"different values older remote", models.Values{"quantity": 5}, models.Values{"quantity": 3}, t0.Add(-time.Minute), t0, false},
		{"field missing remotely", models.Values{"notes": "x"}, models.Values{"quantity": 3}, t0.Add(time.Minute), t0, true},
		{"metadata only differs", models.Values{"updated_at": "2020-01-01T00:00:00Z"}, models.Values{"updated_at": "2026-01-01T00:00:00Z"}, t0.Add(time.Minute), t0, false},
		{"json number vs int", models.Values{"quantity": json.Number("7")}, models.Values{"quantity": int64(7)}, t0.Add(time.Minute), t0, false},
		{"bool vs string", models.Values{"active": true}, models.Values{"active": "true"}, t0.Add(time.Minute), t0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := Version{Values: tt.local, Timestamp: t0.Add(30 * time.Second)}
			remote := Version{Values: tt.remote, Timestamp: tt.remoteAt}
			got := Detect("inventory_items", "rec-1", local, remote, tt.baseline)
			if (got != nil) != tt.want {
				t.Errorf("Detect() = %+v, want conflict=%v", got, tt.want)
			}
		})
	}
}

func TestDetect_Monotonicity(t *testing.T) {
	local := Version{Values: models.Values{"quantity": 5}, Timestamp: t0}
	for offset := -5; offset <= 5; offset++ {
		remote := Version{
			Values:    models.Values{"quantity": 3},
			Timestamp: t0.Add(time.Duration(offset) * time.Millisecond),
		}
		got := Detect("inventory_items", "rec-1", local, remote, t0)
		if offset <= 0 && got != nil {
			t.Errorf("offset %d: remote at or before baseline produced a conflict", offset)
		}
		if offset > 0 && got == nil {
			t.Errorf("offset %d: newer differing remote produced no conflict", offset)
		}
	}
}

func TestDetect_ChangedFields(t *testing.T) {
	local := Version{Values: models.Values{"quantity": 5, "notes": "same", "location": "B2"}, Timestamp: t0}
	remote := Version{Values: models.Values{"quantity": 3, "notes": "same", "location": "A1"}, Timestamp: t0.Add(time.Hour)}

	c := Detect("inventory_items", "rec-1", local, remote, t0)
	if c == nil {
		t.Fatal("expected conflict")
	}
	if len(c.ChangedFields) != 2 || c.ChangedFields[0] != "location" || c.ChangedFields[1] != "quantity" {
		t.Errorf("ChangedFields = %v, want [location quantity]", c.ChangedFields)
	}
}

func newConflict(localAt, remoteAt time.Time) *Conflict {
	return &Conflict{
		Table:         "inventory_items",
		RecordID:      "rec-1",
		LocalVersion:  Version{Values: models.Values{"quantity": 5, "notes": "recounted"}, Timestamp: localAt},
		RemoteVersion: Version{Values: models.Values{"quantity": 3, "notes": "", "name": "Truss 10ft", "updated_at": remoteAt.Format(time.RFC3339Nano)}, Timestamp: remoteAt},
		ChangedFields: []string{"notes", "quantity"},
	}
}

func TestResolve(t *testing.T) {
	remoteNewer := newConflict(t0, t0.Add(time.Minute))
	localNewer := newConflict(t0.Add(2*time.Minute), t0.Add(time.Minute))
	tie := newConflict(t0, t0)

	tests := []struct {
		name         string
		conflict     *Conflict
		strategy     Strategy
		prefs        FieldPreferences
		wantQuantity any
		wantNotes    any
	}{
		{"lww remote newer", remoteNewer, StrategyLastWriteWins, FieldPreferences{}, 3, ""},
		{"lww local newer", localNewer, StrategyLastWriteWins, FieldPreferences{}, 5, "recounted"},
		{"lww tie goes remote", tie, StrategyLastWriteWins, FieldPreferences{}, 3, ""},
		{"local wins", remoteNewer, StrategyLocalWins, FieldPreferences{}, 5, "recounted"},
		{"remote wins", localNewer, StrategyRemoteWins, FieldPreferences{}, 3, ""},
		{
			"merge keeps remote quantity and local note",
			remoteNewer, StrategyMerge,
			FieldPreferences{Fields: map[string]Side{"quantity": SideRemote, "notes": SideLocal}},
			3, "recounted",
		},
		{
			"merge default newest",
			localNewer, StrategyMerge,
			FieldPreferences{Fields: map[string]Side{"quantity": SideRemote}},
			3, "recounted",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.conflict, tt.strategy, tt.prefs)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if !Equal(got["quantity"], tt.wantQuantity) {
				t.Errorf("quantity = %v, want %v", got["quantity"], tt.wantQuantity)
			}
			if !Equal(got["notes"], tt.wantNotes) {
				t.Errorf("notes = %v, want %v", got["notes"], tt.wantNotes)
			}
			if _, ok := got[models.FieldUpdatedAt]; ok {
				t.Error("resolved values must not carry updated_at")
			}
		})
	}
}

func TestResolve_KeepsUntouchedRemoteFields(t *testing.T) {
	for _, strategy := range []Strategy{StrategyLastWriteWins, StrategyLocalWins, StrategyRemoteWins, StrategyMerge} {
		for _, c := range []*Conflict{newConflict(t0, t0.Add(time.Minute)), newConflict(t0.Add(time.Hour), t0)} {
			got, err := Resolve(c, strategy, FieldPreferences{Default: SideLocal})
			if err != nil {
				t.Fatalf("%s: Resolve() error = %v", strategy, err)
			}
			if got["name"] != "Truss 10ft" {
				t.Errorf("%s: name = %v, want remote value preserved", strategy, got["name"])
			}
		}
	}
}

func TestResolve_Errors(t *testing.T) {
	if _, err := Resolve(nil, StrategyLastWriteWins, FieldPreferences{}); err == nil {
		t.Error("expected error for nil conflict")
	}
	if _, err := Resolve(newConflict(t0, t0), Strategy("coin-flip"), FieldPreferences{}); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

func TestResolve_DoesNotMutateInputs(t *testing.T) {
	c := newConflict(t0, t0.Add(time.Minute))
	_, _ = Resolve(c, StrategyMerge, FieldPreferences{Default: SideLocal})
	if c.RemoteVersion.Values["quantity"] != 3 {
		t.Error("remote values were mutated")
	}
	if _, ok := c.RemoteVersion.Values[models.FieldUpdatedAt]; !ok {
		t.Error("remote metadata was stripped in place")
	}
}

func TestPolicy(t *testing.T) {
	p := Policy{
		Tables: map[string]TablePolicy{
			"inventory_items": {Strategy: StrategyMerge, Preferences: FieldPreferences{Fields: map[string]Side{"quantity": SideRemote}}},
		},
	}

	if got := p.For("inventory_items").Strategy; got != StrategyMerge {
		t.Errorf("For(inventory_items) = %s, want merge", got)
	}
	if got := p.For("jobs").Strategy; got != StrategyLastWriteWins {
		t.Errorf("For(jobs) = %s, want last-write-wins", got)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}

	bad := Policy{Default: "newest-ish"}
	if err := bad.Validate(); err == nil {
		t.Error("expected validation error for unknown default strategy")
	}
}
