package automation

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"flowline/internal/domain"
)

// RuleSource lists the enabled rules for one workspace.
type RuleSource interface {
	ListEnabledRules(ctx context.Context, workspaceID string) ([]domain.AutomationRule, error)
}

// ActionExecutor applies a matched rule's action.
type ActionExecutor interface {
	Execute(ctx context.Context, cr CompiledRule, ev domain.Event) error
}

// Outcome status per evaluated rule.
const (
	OutcomeFired   = "fired"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Outcome records what happened to one rule during a pass. Collecting
// per-rule results instead of raising makes the never-throw contract
// structural rather than conventional.
type Outcome struct {
	RuleID   string
	RuleName string
	Status   string
	Reason   string
	Err      error
}

// Report summarizes one runner pass over a workspace's enabled rules.
type Report struct {
	Event    domain.Event
	Outcomes []Outcome
}

func (r Report) Fired() int   { return r.count(OutcomeFired) }
func (r Report) Skipped() int { return r.count(OutcomeSkipped) }
func (r Report) Failed() int  { return r.count(OutcomeFailed) }

func (r Report) count(status string) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}

// Runner is the automation entry point invoked by task mutation paths after
// their primary write commits. Run never returns an error and never panics
// past its boundary: every failure inside the pass is logged and folded into
// the report, and the only externally visible effect of a failure is an
// action not happening.
type Runner struct {
	Rules RuleSource
	Exec  ActionExecutor
	Log   logrus.FieldLogger
}

func (r *Runner) logger() logrus.FieldLogger {
	if r.Log != nil {
		return r.Log
	}
	return logrus.StandardLogger()
}

// Run evaluates every enabled rule of the event's workspace independently:
// one malformed rule or one failing action never blocks the rest.
func (r *Runner) Run(ctx context.Context, ev domain.Event) (report Report) {
	report.Event = ev
	log := r.logger().WithFields(logrus.Fields{
		"event":     ev.Kind,
		"workspace": ev.WorkspaceID,
		"task":      ev.TaskID,
	})
	defer func() {
		if rec := recover(); rec != nil {
			log.WithField("panic", rec).Error("automation pass aborted")
		}
	}()

	rules, err := r.Rules.ListEnabledRules(ctx, ev.WorkspaceID)
	if err != nil {
		log.WithError(RuleStoreError{WorkspaceID: ev.WorkspaceID, Err: err}).
			Error("automation rules unavailable")
		return report
	}

	for _, rule := range rules {
		report.Outcomes = append(report.Outcomes, r.runOne(ctx, rule, ev, log))
	}
	if n := report.Fired(); n > 0 || report.Failed() > 0 {
		log.WithFields(logrus.Fields{
			"fired":   report.Fired(),
			"skipped": report.Skipped(),
			"failed":  report.Failed(),
		}).Info("automation pass complete")
	}
	return report
}

// runOne isolates a single rule: compile, match, execute. Panics and errors
// stay inside the returned outcome.
func (r *Runner) runOne(ctx context.Context, rule domain.AutomationRule, ev domain.Event, log logrus.FieldLogger) (out Outcome) {
	out = Outcome{RuleID: rule.ID, RuleName: rule.Name}
	defer func() {
		if rec := recover(); rec != nil {
			out.Status = OutcomeFailed
			out.Err = fmt.Errorf("panic: %v", rec)
			log.WithField("rule", rule.ID).WithField("panic", rec).Error("rule evaluation panicked")
		}
	}()

	cr, err := Compile(rule)
	if err != nil {
		out.Status = OutcomeSkipped
		out.Reason = "invalid config"
		out.Err = err
		log.WithField("rule", rule.ID).WithError(err).Warn("rule quarantined")
		return out
	}
	if !Matches(cr, ev) {
		out.Status = OutcomeSkipped
		out.Reason = "no match"
		return out
	}
	if err := r.Exec.Execute(ctx, cr, ev); err != nil {
		out.Status = OutcomeFailed
		out.Err = err
		log.WithField("rule", rule.ID).WithError(err).Warn("rule action failed")
		return out
	}
	out.Status = OutcomeFired
	return out
}
