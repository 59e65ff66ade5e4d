package conflict

import "fmt"

// TablePolicy is the resolution configuration for a single table.
type TablePolicy struct {
	Strategy    Strategy         `json:"strategy" yaml:"strategy"`
	Preferences FieldPreferences `json:"preferences,omitempty" yaml:"preferences,omitempty"`
}

// Policy maps tables to resolution strategies. Tables without an entry use
// Default, and an empty Default means last-write-wins.
type Policy struct {
	Default Strategy               `json:"default,omitempty" yaml:"default,omitempty"`
	Tables  map[string]TablePolicy `json:"tables,omitempty" yaml:"tables,omitempty"`
}

// DefaultPolicy resolves every table with last-write-wins.
func DefaultPolicy() Policy {
	return Policy{Default: StrategyLastWriteWins}
}

// For returns the effective policy for table.
func (p Policy) For(table string) TablePolicy {
	if tp, ok := p.Tables[table]; ok && tp.Strategy != "" {
		return tp
	}
	if p.Default != "" {
		return TablePolicy{Strategy: p.Default}
	}
	return TablePolicy{Strategy: StrategyLastWriteWins}
}

// Validate checks every configured strategy.
func (p Policy) Validate() error {
	if p.Default != "" && !p.Default.IsValid() {
		return fmt.Errorf("invalid default strategy %q", p.Default)
	}
	for table, tp := range p.Tables {
		if !tp.Strategy.IsValid() {
			return fmt.Errorf("invalid strategy %q for table %s", tp.Strategy, table)
		}
	}
	return nil
}
