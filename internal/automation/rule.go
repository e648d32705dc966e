package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"flowline/internal/domain"
)

// TriggerSpec is the parsed, type-checked form of a rule's trigger
// configuration. Exactly one concrete type exists per trigger type.
type TriggerSpec interface {
	triggerSpec()
}

// StatusChangeTrigger fires when a task lands on ToStatus. Comparison is a
// case-sensitive exact match against the stored status identifier, not the
// display label.
type StatusChangeTrigger struct {
	ToStatus string
}

func (StatusChangeTrigger) triggerSpec() {}

// TaskCreatedTrigger fires on every task created in the rule's workspace.
type TaskCreatedTrigger struct{}

func (TaskCreatedTrigger) triggerSpec() {}

// ReservedTrigger covers trigger types present in the catalog that no caller
// emits yet (due_date, assignment). It never matches anything.
type ReservedTrigger struct {
	Type string
}

func (ReservedTrigger) triggerSpec() {}

// ActionSpec is the parsed, type-checked form of a rule's action configuration.
type ActionSpec interface {
	actionSpec()
}

type ChangeStatusAction struct {
	Status string
}

func (ChangeStatusAction) actionSpec() {}

type AssignUserAction struct {
	UserID string
}

func (AssignUserAction) actionSpec() {}

type AddLabelAction struct {
	LabelID string
}

func (AddLabelAction) actionSpec() {}

// NotifyAction creates notification rows. An empty UserID targets the task's
// assignees at execution time. An empty Message falls back to one derived from
// the rule name and event.
type NotifyAction struct {
	UserID  string
	Message string
}

func (NotifyAction) actionSpec() {}

// CompiledRule pairs a stored rule with its parsed trigger and action. Rules
// that fail to compile are quarantined by the runner, never evaluated raw.
type CompiledRule struct {
	Rule    domain.AutomationRule
	Trigger TriggerSpec
	Action  ActionSpec
}

// configPayload is the superset of keys accepted across all variants. The
// management UI historically wrote a bare {"value": ...} payload, so value is
// kept as a fallback alias for each variant's primary key.
type configPayload struct {
	Value    string `json:"value"`
	ToStatus string `json:"to_status"`
	Status   string `json:"status"`
	UserID   string `json:"user_id"`
	LabelID  string `json:"label_id"`
	Message  string `json:"message"`
}

func decodeConfig(raw string) (configPayload, error) {
	var p configPayload
	if strings.TrimSpace(raw) == "" {
		return p, nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	if err := dec.Decode(&p); err != nil {
		return p, err
	}
	return p, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// ParseTrigger validates raw trigger configuration against the declared
// trigger type and returns the typed form.
func ParseTrigger(triggerType, configJSON string) (TriggerSpec, error) {
	switch triggerType {
	case domain.TriggerTaskCreated:
		if _, err := decodeConfig(configJSON); err != nil {
			return nil, err
		}
		return TaskCreatedTrigger{}, nil
	case domain.TriggerStatusChange:
		p, err := decodeConfig(configJSON)
		if err != nil {
			return nil, err
		}
		to := firstNonEmpty(p.ToStatus, p.Value)
		if to == "" {
			return nil, errors.New("to_status is required")
		}
		return StatusChangeTrigger{ToStatus: to}, nil
	case domain.TriggerDueDate, domain.TriggerAssignment:
		if _, err := decodeConfig(configJSON); err != nil {
			return nil, err
		}
		return ReservedTrigger{Type: triggerType}, nil
	default:
		return nil, fmt.Errorf("unknown trigger type %q", triggerType)
	}
}

// ParseAction validates raw action configuration against the declared action
// type and returns the typed form.
func ParseAction(actionType, configJSON string) (ActionSpec, error) {
	p, err := decodeConfig(configJSON)
	if err != nil {
		return nil, err
	}
	switch actionType {
	case domain.ActionChangeStatus:
		status := firstNonEmpty(p.Status, p.Value)
		if status == "" {
			return nil, errors.New("status is required")
		}
		return ChangeStatusAction{Status: status}, nil
	case domain.ActionAssignUser:
		userID := firstNonEmpty(p.UserID, p.Value)
		if userID == "" {
			return nil, errors.New("user_id is required")
		}
		return AssignUserAction{UserID: userID}, nil
	case domain.ActionAddLabel:
		labelID := firstNonEmpty(p.LabelID, p.Value)
		if labelID == "" {
			return nil, errors.New("label_id is required")
		}
		return AddLabelAction{LabelID: labelID}, nil
	case domain.ActionNotify:
		return NotifyAction{
			UserID:  p.UserID,
			Message: firstNonEmpty(p.Message, p.Value),
		}, nil
	default:
		return nil, fmt.Errorf("unknown action type %q", actionType)
	}
}

// Compile parses both halves of a stored rule. Errors carry the rule id so a
// quarantined rule is diagnosable from the log alone.
func Compile(rule domain.AutomationRule) (CompiledRule, error) {
	trigger, err := ParseTrigger(rule.TriggerType, rule.TriggerConfigJSON)
	if err != nil {
		return CompiledRule{}, TriggerConfigError{RuleID: rule.ID, TriggerType: rule.TriggerType, Err: err}
	}
	action, err := ParseAction(rule.ActionType, rule.ActionConfigJSON)
	if err != nil {
		return CompiledRule{}, ActionConfigError{RuleID: rule.ID, ActionType: rule.ActionType, Err: err}
	}
	return CompiledRule{Rule: rule, Trigger: trigger, Action: action}, nil
}

// Validate is the store-boundary check used by rule create/update: malformed
// configuration is rejected before it ever reaches storage.
func Validate(rule domain.AutomationRule) error {
	_, err := Compile(rule)
	return err
}
