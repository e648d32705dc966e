package automation

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"flowline/internal/domain"
)

type stubRules struct {
	rules []domain.AutomationRule
	err   error
	panic bool
}

func (s stubRules) ListEnabledRules(ctx context.Context, workspaceID string) ([]domain.AutomationRule, error) {
	if s.panic {
		panic("store gone")
	}
	return s.rules, s.err
}

type stubExec struct {
	calls   []string
	failOn  map[string]error
	panicOn string
}

func (s *stubExec) Execute(ctx context.Context, cr CompiledRule, ev domain.Event) error {
	s.calls = append(s.calls, cr.Rule.ID)
	if cr.Rule.ID == s.panicOn {
		panic("executor blew up")
	}
	if err, ok := s.failOn[cr.Rule.ID]; ok {
		return err
	}
	return nil
}

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func statusRule(id, workspaceID, toStatus string) domain.AutomationRule {
	return domain.AutomationRule{
		ID:                id,
		WorkspaceID:       workspaceID,
		Name:              id,
		TriggerType:       domain.TriggerStatusChange,
		TriggerConfigJSON: `{"to_status":"` + toStatus + `"}`,
		ActionType:        domain.ActionNotify,
		Enabled:           true,
	}
}

func TestRunEvaluatesEveryRuleIndependently(t *testing.T) {
	ev := domain.Event{Kind: domain.TriggerStatusChange, WorkspaceID: "ws-1", TaskID: "t-1", NewStatus: "done"}
	rules := []domain.AutomationRule{
		statusRule("r-match", "ws-1", "done"),
		statusRule("r-nomatch", "ws-1", "in_review"),
		{ID: "r-broken", WorkspaceID: "ws-1", TriggerType: domain.TriggerStatusChange, ActionType: domain.ActionNotify, Enabled: true},
		statusRule("r-fails", "ws-1", "done"),
		statusRule("r-after", "ws-1", "done"),
	}
	exec := &stubExec{failOn: map[string]error{"r-fails": errors.New("db locked")}}
	runner := Runner{Rules: stubRules{rules: rules}, Exec: exec, Log: quietLogger()}

	report := runner.Run(context.Background(), ev)

	if len(report.Outcomes) != len(rules) {
		t.Fatalf("outcomes = %d, want %d", len(report.Outcomes), len(rules))
	}
	byID := map[string]Outcome{}
	for _, o := range report.Outcomes {
		byID[o.RuleID] = o
	}
	if byID["r-match"].Status != OutcomeFired {
		t.Fatalf("r-match = %+v", byID["r-match"])
	}
	if o := byID["r-nomatch"]; o.Status != OutcomeSkipped || o.Reason != "no match" {
		t.Fatalf("r-nomatch = %+v", o)
	}
	if o := byID["r-broken"]; o.Status != OutcomeSkipped || o.Reason != "invalid config" {
		t.Fatalf("r-broken = %+v", o)
	}
	if o := byID["r-fails"]; o.Status != OutcomeFailed || o.Err == nil {
		t.Fatalf("r-fails = %+v", o)
	}
	// a failing sibling never blocks later rules
	if byID["r-after"].Status != OutcomeFired {
		t.Fatalf("r-after = %+v", byID["r-after"])
	}
	if report.Fired() != 2 || report.Skipped() != 2 || report.Failed() != 1 {
		t.Fatalf("counts fired=%d skipped=%d failed=%d", report.Fired(), report.Skipped(), report.Failed())
	}
}

func TestRunStoreFailureYieldsEmptyReport(t *testing.T) {
	runner := Runner{
		Rules: stubRules{err: errors.New("disk io")},
		Exec:  &stubExec{},
		Log:   quietLogger(),
	}
	report := runner.Run(context.Background(), domain.Event{Kind: domain.TriggerTaskCreated, WorkspaceID: "ws-1"})
	if len(report.Outcomes) != 0 {
		t.Fatalf("expected empty report, got %d outcomes", len(report.Outcomes))
	}
}

func TestRunSurvivesPanics(t *testing.T) {
	ev := domain.Event{Kind: domain.TriggerStatusChange, WorkspaceID: "ws-1", TaskID: "t-1", NewStatus: "done"}
	rules := []domain.AutomationRule{
		statusRule("r-panics", "ws-1", "done"),
		statusRule("r-after", "ws-1", "done"),
	}
	exec := &stubExec{panicOn: "r-panics"}
	runner := Runner{Rules: stubRules{rules: rules}, Exec: exec, Log: quietLogger()}

	report := runner.Run(context.Background(), ev)

	byID := map[string]Outcome{}
	for _, o := range report.Outcomes {
		byID[o.RuleID] = o
	}
	if o := byID["r-panics"]; o.Status != OutcomeFailed || o.Err == nil {
		t.Fatalf("r-panics = %+v", o)
	}
	if byID["r-after"].Status != OutcomeFired {
		t.Fatalf("panic in one rule blocked the next: %+v", byID["r-after"])
	}

	// a panicking store must not escape Run either
	runner = Runner{Rules: stubRules{panic: true}, Exec: exec, Log: quietLogger()}
	report = runner.Run(context.Background(), ev)
	if len(report.Outcomes) != 0 {
		t.Fatalf("expected empty report after store panic")
	}
}

func TestRunNoRulesIsANoOp(t *testing.T) {
	exec := &stubExec{}
	runner := Runner{Rules: stubRules{}, Exec: exec, Log: quietLogger()}
	report := runner.Run(context.Background(), domain.Event{Kind: domain.TriggerTaskCreated, WorkspaceID: "ws-1"})
	if len(report.Outcomes) != 0 || len(exec.calls) != 0 {
		t.Fatalf("no rules should mean no work, got %d outcomes %d calls", len(report.Outcomes), len(exec.calls))
	}
}
