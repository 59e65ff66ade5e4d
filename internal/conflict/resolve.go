package conflict

import (
	"fmt"

	"github.com/gearbase/gearbase/internal/models"
)

// Strategy selects how a conflict is resolved.
type Strategy string

const (
	// StrategyLastWriteWins keeps whichever version has the newer timestamp, wholesale.
	StrategyLastWriteWins Strategy = "last-write-wins"
	// StrategyLocalWins always keeps the local version.
	StrategyLocalWins Strategy = "local-wins"
	// StrategyRemoteWins always keeps the remote version.
	StrategyRemoteWins Strategy = "remote-wins"
	// StrategyMerge picks a side per field according to a preference map.
	StrategyMerge Strategy = "merge"
)

// IsValid checks if the strategy is a recognized value.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyLastWriteWins, StrategyLocalWins, StrategyRemoteWins, StrategyMerge:
		return true
	}
	return false
}

// Side names one of the two versions in a conflict.
type Side string

const (
	// SideNewest defers to timestamp comparison.
	SideNewest Side = ""
	// SideLocal prefers the locally edited value.
	SideLocal Side = "local"
	// SideRemote prefers the authoritative value.
	SideRemote Side = "remote"
)

// FieldPreferences drives StrategyMerge. Fields not listed use Default.
type FieldPreferences struct {
	Fields  map[string]Side `json:"fields,omitempty" yaml:"fields,omitempty"`
	Default Side            `json:"default,omitempty" yaml:"default,omitempty"`
}

func (p FieldPreferences) sideFor(field string) Side {
	if side, ok := p.Fields[field]; ok {
		return side
	}
	return p.Default
}

// Resolve produces the complete value set to write for a conflict. Fields
// the local edit did not carry keep their remote values under every
// strategy. prefs is only consulted for StrategyMerge.
func Resolve(c *Conflict, strategy Strategy, prefs FieldPreferences) (models.Values, error) {
	if c == nil {
		return nil, fmt.Errorf("nil conflict")
	}

	local := c.LocalVersion.Values.WithoutMetadata()
	remote := c.RemoteVersion.Values.WithoutMetadata()

	switch strategy {
	case StrategyLastWriteWins:
		if localIsNewer(c) {
			return overlay(remote, local), nil
		}
		return remote, nil
	case StrategyLocalWins:
		return overlay(remote, local), nil
	case StrategyRemoteWins:
		return remote, nil
	case StrategyMerge:
		merged := overlay(remote, nil)
		for field, lv := range local {
			side := prefs.sideFor(field)
			if side == SideNewest {
				side = SideRemote
				if localIsNewer(c) {
					side = SideLocal
				}
			}
			if side == SideLocal {
				merged[field] = lv
			}
		}
		return merged, nil
	default:
		return nil, fmt.Errorf("unknown conflict strategy %q", strategy)
	}
}

func overlay(base, top models.Values) models.Values {
	out := make(models.Values, len(base)+len(top))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range top {
		out[k] = v
	}
	return out
}

// localIsNewer reports whether the local edit strictly post-dates the remote
// write. Ties go to the authoritative side.
func localIsNewer(c *Conflict) bool {
	return c.LocalVersion.Timestamp.After(c.RemoteVersion.Timestamp)
}
