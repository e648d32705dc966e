package automation

import "flowline/internal/domain"

// Matches reports whether a compiled rule fires for an event. Rules are
// independent: no priority, no short-circuiting, and several rules may match
// the same event. Unknown or reserved triggers fail closed.
func Matches(cr CompiledRule, ev domain.Event) bool {
	// The store query is already workspace-scoped; re-check as an invariant.
	if cr.Rule.WorkspaceID != ev.WorkspaceID {
		return false
	}
	switch t := cr.Trigger.(type) {
	case TaskCreatedTrigger:
		return ev.Kind == domain.TriggerTaskCreated
	case StatusChangeTrigger:
		return ev.Kind == domain.TriggerStatusChange && ev.NewStatus == t.ToStatus
	default:
		return false
	}
}
