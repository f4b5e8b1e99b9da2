package compose

import "github.com/envwatch/envwatch/internal/models"

// actionRule matches on facts about the incident and contributes one
// suggested action. Rules are evaluated in declaration order and every
// matching rule fires, so the output order is the table order.
type actionRule struct {
	action string
	match  func(f actionFacts) bool
}

type actionFacts struct {
	kind       models.SourceKind
	priority   models.Priority
	categories map[models.PermitCategory]bool
	rainfall   models.RainfallCategory
}

var actionRules = []actionRule{
	{
		action: "Escalate to the duty flood officer immediately",
		match: func(f actionFacts) bool {
			return f.priority == models.PriorityHigh
		},
	},
	{
		action: "Issue flood warnings for affected river reaches",
		match: func(f actionFacts) bool {
			return f.kind != models.SourceKindHydrology && f.priority != models.PriorityLow
		},
	},
	{
		action: "Review hydrology gauge calibration for the affected stations",
		match: func(f actionFacts) bool {
			return f.kind != models.SourceKindFlood
		},
	},
	{
		action: "Inspect nearby discharge consents for compliance",
		match: func(f actionFacts) bool {
			return f.categories[models.PermitCategoryDischarge]
		},
	},
	{
		action: "Check waste site drainage and containment",
		match: func(f actionFacts) bool {
			return f.categories[models.PermitCategoryWaste]
		},
	},
	{
		action: "Verify flood-risk activity permits in the affected area",
		match: func(f actionFacts) bool {
			return f.categories[models.PermitCategoryFloodRisk]
		},
	},
	{
		action: "Assess abstraction licences for low-flow impact",
		match: func(f actionFacts) bool {
			return f.categories[models.PermitCategoryAbstraction]
		},
	},
	{
		action: "Monitor rainfall forecasts; heavy rain is compounding the event",
		match: func(f actionFacts) bool {
			return f.rainfall == models.RainfallHeavy
		},
	},
	{
		action: "Investigate non-rainfall causes; no recent rain recorded",
		match: func(f actionFacts) bool {
			return f.rainfall == models.RainfallNone
		},
	},
	{
		action: "Continue routine monitoring of the affected stations",
		match: func(f actionFacts) bool {
			return f.priority == models.PriorityLow
		},
	},
}

// SuggestedActions selects every rule whose precondition holds, in table
// order.
func SuggestedActions(kind models.SourceKind, priority models.Priority, permits []models.Permit, rainfall models.RainfallSummary) []string {
	facts := actionFacts{
		kind:       kind,
		priority:   priority,
		categories: make(map[models.PermitCategory]bool, len(permits)),
		rainfall:   rainfall.Category,
	}
	for _, p := range permits {
		facts.categories[p.Category] = true
	}

	actions := make([]string, 0, 4)
	for _, rule := range actionRules {
		if rule.match(facts) {
			actions = append(actions, rule.action)
		}
	}
	return actions
}
