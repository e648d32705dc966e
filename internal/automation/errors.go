package automation

import "fmt"

// RuleStoreError wraps a failure to list a workspace's rules. It aborts the
// whole pass for that event but never the caller's request.
type RuleStoreError struct {
	WorkspaceID string
	Err         error
}

func (e RuleStoreError) Error() string {
	return fmt.Sprintf("list rules for workspace %s: %v", e.WorkspaceID, e.Err)
}

func (e RuleStoreError) Unwrap() error { return e.Err }

// TriggerConfigError marks a rule whose trigger configuration does not match
// its declared trigger type. The rule is skipped; siblings still run.
type TriggerConfigError struct {
	RuleID      string
	TriggerType string
	Err         error
}

func (e TriggerConfigError) Error() string {
	return fmt.Sprintf("rule %s: trigger config invalid for %s: %v", e.RuleID, e.TriggerType, e.Err)
}

func (e TriggerConfigError) Unwrap() error { return e.Err }

// ActionConfigError marks a rule whose action configuration does not match its
// declared action type.
type ActionConfigError struct {
	RuleID     string
	ActionType string
	Err        error
}

func (e ActionConfigError) Error() string {
	return fmt.Sprintf("rule %s: action config invalid for %s: %v", e.RuleID, e.ActionType, e.Err)
}

func (e ActionConfigError) Unwrap() error { return e.Err }

// TargetNotFoundError marks an action whose target (task, user, label) no
// longer exists by the time the action runs.
type TargetNotFoundError struct {
	Kind string
	ID   string
}

func (e TargetNotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ActionError wraps any other failure while executing a matched rule's action.
type ActionError struct {
	RuleID string
	Err    error
}

func (e ActionError) Error() string {
	return fmt.Sprintf("rule %s: action failed: %v", e.RuleID, e.Err)
}

func (e ActionError) Unwrap() error { return e.Err }
