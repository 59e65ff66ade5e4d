package license

import "fmt"

// Action is a user operation subject to license gating.
type Action string

const (
	ActionSync          Action = "sync"
	ActionCreateJob     Action = "createJob"
	ActionAddInventory  Action = "addInventory"
	ActionViewInventory Action = "viewInventory"
	ActionExportData    Action = "exportData"
)

// AllActions lists every gated action.
func AllActions() []Action {
	return []Action{ActionSync, ActionCreateJob, ActionAddInventory, ActionViewInventory, ActionExportData}
}

// IsValid checks if the action is a recognized value.
func (a Action) IsValid() bool {
	for _, valid := range AllActions() {
		if a == valid {
			return true
		}
	}
	return false
}

// CanPerform reports whether an organization on plan with the given status
// may perform action.
func CanPerform(status Status, plan Plan, action Action) bool {
	flags := FlagsFor(plan)

	switch status {
	case StatusActive, StatusWarning:
		switch action {
		case ActionSync:
			return flags.SyncEnabled
		case ActionCreateJob:
			return flags.CanCreateJobs
		case ActionAddInventory:
			return flags.CanAddInventory
		case ActionViewInventory, ActionExportData:
			return true
		}
	case StatusLimited:
		switch action {
		case ActionSync:
			return false
		case ActionCreateJob, ActionAddInventory, ActionViewInventory, ActionExportData:
			return true
		}
	case StatusRestricted:
		switch action {
		case ActionSync, ActionCreateJob, ActionAddInventory:
			return false
		case ActionViewInventory, ActionExportData:
			return true
		}
	}
	return false
}

// BlockReason explains why action is denied. It returns "" whenever
// CanPerform would allow the action.
func BlockReason(status Status, plan Plan, action Action) string {
	if CanPerform(status, plan, action) {
		return ""
	}
	if !action.IsValid() {
		return fmt.Sprintf("Unknown action %q.", action)
	}

	switch status {
	case StatusActive, StatusWarning:
		return fmt.Sprintf("Your %s plan does not include %s. Upgrade your plan to enable it.", planName(plan), actionName(action))
	case StatusLimited:
		return fmt.Sprintf("Your billing payment has failed, so %s is paused. Update your payment method to restore access.", actionName(action))
	case StatusRestricted:
		return fmt.Sprintf("Your account is restricted due to unpaid billing; %s is unavailable and data is read-only. Renew your subscription to restore access.", actionName(action))
	}
	return fmt.Sprintf("Unknown license status %s.", status)
}

// Permissions binds a plan and a status for repeated checks.
type Permissions struct {
	Plan   Plan
	Status Status
}

// CanPerform reports whether action is allowed.
func (p Permissions) CanPerform(action Action) bool {
	return CanPerform(p.Status, p.Plan, action)
}

// BlockReason explains a denial, or returns "".
func (p Permissions) BlockReason(action Action) string {
	return BlockReason(p.Status, p.Plan, action)
}

// Features is the flag set exposed to clients.
type Features struct {
	SyncEnabled      bool     `json:"sync_enabled"`
	CanCreateJobs    bool     `json:"can_create_jobs"`
	CanAddInventory  bool     `json:"can_add_inventory"`
	CanViewInventory bool     `json:"can_view_inventory"`
	CanExportData    bool     `json:"can_export_data"`
	Enabled          []Action `json:"enabled"`
}

// PermissionsToFeatures expands a status into a feature set. Every flag is
// read from CanPerform so the two cannot disagree.
func PermissionsToFeatures(status Status, plan Plan) Features {
	f := Features{Enabled: []Action{}}
	for _, action := range AllActions() {
		allowed := CanPerform(status, plan, action)
		if allowed {
			f.Enabled = append(f.Enabled, action)
		}
		switch action {
		case ActionSync:
			f.SyncEnabled = allowed
		case ActionCreateJob:
			f.CanCreateJobs = allowed
		case ActionAddInventory:
			f.CanAddInventory = allowed
		case ActionViewInventory:
			f.CanViewInventory = allowed
		case ActionExportData:
			f.CanExportData = allowed
		}
	}
	return f
}

// Allows reports the flag for action.
func (f Features) Allows(action Action) bool {
	for _, a := range f.Enabled {
		if a == action {
			return true
		}
	}
	return false
}

func actionName(a Action) string {
	switch a {
	case ActionSync:
		return "syncing"
	case ActionCreateJob:
		return "creating jobs"
	case ActionAddInventory:
		return "adding inventory"
	case ActionViewInventory:
		return "viewing inventory"
	case ActionExportData:
		return "exporting data"
	}
	return string(a)
}

func planName(p Plan) string {
	if p == "" {
		return "current"
	}
	return string(p)
}
