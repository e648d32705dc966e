package automation

import (
	"testing"

	"flowline/internal/domain"
)

func TestParseTrigger(t *testing.T) {
	spec, err := ParseTrigger(domain.TriggerStatusChange, `{"to_status":"done"}`)
	if err != nil {
		t.Fatalf("parse status_change: %v", err)
	}
	if got := spec.(StatusChangeTrigger).ToStatus; got != "done" {
		t.Fatalf("to_status = %q, want done", got)
	}

	// legacy payloads carry a bare value key
	spec, err = ParseTrigger(domain.TriggerStatusChange, `{"value":"in_review"}`)
	if err != nil {
		t.Fatalf("parse legacy status_change: %v", err)
	}
	if got := spec.(StatusChangeTrigger).ToStatus; got != "in_review" {
		t.Fatalf("legacy to_status = %q, want in_review", got)
	}

	if _, err := ParseTrigger(domain.TriggerStatusChange, `{}`); err == nil {
		t.Fatal("status_change without to_status should fail")
	}
	if _, err := ParseTrigger(domain.TriggerStatusChange, `{not json`); err == nil {
		t.Fatal("malformed json should fail")
	}

	spec, err = ParseTrigger(domain.TriggerTaskCreated, "")
	if err != nil {
		t.Fatalf("parse task_created: %v", err)
	}
	if _, ok := spec.(TaskCreatedTrigger); !ok {
		t.Fatalf("task_created parsed as %T", spec)
	}

	spec, err = ParseTrigger(domain.TriggerDueDate, "")
	if err != nil {
		t.Fatalf("parse due_date: %v", err)
	}
	if _, ok := spec.(ReservedTrigger); !ok {
		t.Fatalf("due_date parsed as %T", spec)
	}

	if _, err := ParseTrigger("time_travel", ""); err == nil {
		t.Fatal("unknown trigger type should fail")
	}
}

func TestParseAction(t *testing.T) {
	cases := []struct {
		actionType string
		config     string
		wantErr    bool
		check      func(t *testing.T, spec ActionSpec)
	}{
		{domain.ActionChangeStatus, `{"status":"done"}`, false, func(t *testing.T, spec ActionSpec) {
			if spec.(ChangeStatusAction).Status != "done" {
				t.Fatal("wrong status")
			}
		}},
		{domain.ActionChangeStatus, `{"value":"done"}`, false, nil},
		{domain.ActionChangeStatus, `{}`, true, nil},
		{domain.ActionAssignUser, `{"user_id":"u-1"}`, false, func(t *testing.T, spec ActionSpec) {
			if spec.(AssignUserAction).UserID != "u-1" {
				t.Fatal("wrong user")
			}
		}},
		{domain.ActionAssignUser, ``, true, nil},
		{domain.ActionAddLabel, `{"label_id":"l-1"}`, false, nil},
		{domain.ActionAddLabel, `{}`, true, nil},
		{domain.ActionNotify, ``, false, func(t *testing.T, spec ActionSpec) {
			a := spec.(NotifyAction)
			if a.UserID != "" || a.Message != "" {
				t.Fatal("empty notify should have no target or message")
			}
		}},
		{domain.ActionNotify, `{"user_id":"u-2","message":"hi"}`, false, nil},
		{"explode", `{}`, true, nil},
	}
	for _, tc := range cases {
		spec, err := ParseAction(tc.actionType, tc.config)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s %s: expected error", tc.actionType, tc.config)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s %s: %v", tc.actionType, tc.config, err)
		}
		if tc.check != nil {
			tc.check(t, spec)
		}
	}
}

func TestCompileWrapsRuleID(t *testing.T) {
	_, err := Compile(domain.AutomationRule{
		ID:          "r-1",
		TriggerType: domain.TriggerStatusChange,
		ActionType:  domain.ActionNotify,
	})
	if err == nil {
		t.Fatal("expected compile error")
	}
	cfgErr, ok := err.(TriggerConfigError)
	if !ok {
		t.Fatalf("error type %T", err)
	}
	if cfgErr.RuleID != "r-1" {
		t.Fatalf("rule id %q", cfgErr.RuleID)
	}
}

func TestMatches(t *testing.T) {
	rule := domain.AutomationRule{ID: "r-1", WorkspaceID: "ws-1"}
	ev := domain.Event{Kind: domain.TriggerStatusChange, WorkspaceID: "ws-1", TaskID: "t-1", NewStatus: "done"}

	cr := CompiledRule{Rule: rule, Trigger: StatusChangeTrigger{ToStatus: "done"}}
	if !Matches(cr, ev) {
		t.Fatal("equal status should match")
	}

	cr.Trigger = StatusChangeTrigger{ToStatus: "Done"}
	if Matches(cr, ev) {
		t.Fatal("status comparison is case sensitive")
	}

	cr.Trigger = StatusChangeTrigger{ToStatus: "done"}
	other := ev
	other.WorkspaceID = "ws-2"
	if Matches(cr, other) {
		t.Fatal("rule must not match events from another workspace")
	}

	cr.Trigger = TaskCreatedTrigger{}
	if Matches(cr, ev) {
		t.Fatal("task_created trigger must not match status_change event")
	}
	created := domain.Event{Kind: domain.TriggerTaskCreated, WorkspaceID: "ws-1", TaskID: "t-1"}
	if !Matches(cr, created) {
		t.Fatal("task_created trigger should match creation event")
	}

	// reserved triggers fail closed against every event kind
	cr.Trigger = ReservedTrigger{Type: domain.TriggerDueDate}
	for _, e := range []domain.Event{ev, created, {Kind: domain.TriggerDueDate, WorkspaceID: "ws-1"}} {
		if Matches(cr, e) {
			t.Fatalf("reserved trigger matched %s", e.Kind)
		}
	}
}
