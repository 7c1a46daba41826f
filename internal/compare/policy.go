package compare

import "paylock/internal/snapshot"

// Action is the enforcement response recommended for a comparison result.
type Action string

// Recommended actions.
const (
	ActionContinue Action = "CONTINUE"
	ActionAlert    Action = "ALERT"
	ActionHardLock Action = "HARD_LOCK"
)

// actionPolicy maps overall severity to the recommended action.
var actionPolicy = map[snapshot.Severity]Action{
	snapshot.SeverityNone:     ActionContinue,
	snapshot.SeverityMedium:   ActionAlert,
	snapshot.SeverityHigh:     ActionHardLock,
	snapshot.SeverityCritical: ActionHardLock,
}

// RecommendedAction looks up the action for r's overall severity.
// Untampered results always continue.
func RecommendedAction(r Result) Action {
	if !r.Tampered {
		return ActionContinue
	}
	if a, ok := actionPolicy[r.Severity]; ok {
		return a
	}
	return ActionHardLock
}
