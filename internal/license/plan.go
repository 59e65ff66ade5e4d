package license

import "github.com/gearbase/gearbase/internal/models"

// Plan is the subscription level of an organization.
type Plan string

const (
	PlanStarter    Plan = "starter"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

// ValidPlans returns all valid plans.
func ValidPlans() []Plan {
	return []Plan{PlanStarter, PlanPro, PlanEnterprise}
}

// IsValid checks if the plan is a recognized value.
func (p Plan) IsValid() bool {
	for _, valid := range ValidPlans() {
		if p == valid {
			return true
		}
	}
	return false
}

// PlanFlags are the plan-level switches consulted while a license is healthy.
type PlanFlags struct {
	SyncEnabled     bool `json:"sync_enabled"`
	CanCreateJobs   bool `json:"can_create_jobs"`
	CanAddInventory bool `json:"can_add_inventory"`
}

// planFlags maps each plan to its feature switches.
var planFlags = map[Plan]PlanFlags{
	PlanStarter: {
		SyncEnabled:     false,
		CanCreateJobs:   true,
		CanAddInventory: true,
	},
	PlanPro: {
		SyncEnabled:     true,
		CanCreateJobs:   true,
		CanAddInventory: true,
	},
	PlanEnterprise: {
		SyncEnabled:     true,
		CanCreateJobs:   true,
		CanAddInventory: true,
	},
}

// FlagsFor returns the flags for plan. Unknown plans get no flags.
func FlagsFor(plan Plan) PlanFlags {
	return planFlags[plan]
}

// monthlyAllowance is the number of tokens granted per billing period.
var monthlyAllowance = map[Plan]map[models.TokenType]int64{
	PlanStarter: {
		models.TokenTypeAICompletion: 50,
		models.TokenTypeDocumentScan: 10,
	},
	PlanPro: {
		models.TokenTypeAICompletion: 500,
		models.TokenTypeDocumentScan: 100,
	},
	PlanEnterprise: {
		models.TokenTypeAICompletion: 5000,
		models.TokenTypeDocumentScan: 1000,
	},
}

// TokenAllowance returns the per-period token grant for plan and tokenType.
func TokenAllowance(plan Plan, tokenType models.TokenType) int64 {
	return monthlyAllowance[plan][tokenType]
}
