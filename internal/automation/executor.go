package automation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"flowline/internal/activity"
	"flowline/internal/domain"
	"flowline/internal/repo"
)

// Executor performs a matched rule's action against the task domain. Each
// execution runs in its own transaction on the task row, so concurrent actions
// touching the same task serialize their activity writes through the store's
// ordinary row semantics rather than any engine-level lock.
type Executor struct {
	DB       *sql.DB
	Repo     repo.Repo
	Activity activity.Writer
	Now      func() time.Time
}

func (x Executor) now() time.Time {
	if x.Now != nil {
		return x.Now()
	}
	return time.Now()
}

// Execute applies the rule's action for the given event. Idempotent by
// construction: re-running an action against the same task never duplicates
// assignees, labels, or activity rows for unchanged state.
func (x Executor) Execute(ctx context.Context, cr CompiledRule, ev domain.Event) error {
	tx, err := x.DB.BeginTx(ctx, nil)
	if err != nil {
		return ActionError{RuleID: cr.Rule.ID, Err: err}
	}
	defer tx.Rollback()

	task, err := x.Repo.GetTaskTx(ctx, tx, ev.TaskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return TargetNotFoundError{Kind: "task", ID: ev.TaskID}
		}
		return ActionError{RuleID: cr.Rule.ID, Err: err}
	}

	switch a := cr.Action.(type) {
	case ChangeStatusAction:
		err = x.changeStatus(ctx, tx, cr, ev, task, a)
	case AssignUserAction:
		err = x.assignUser(ctx, tx, cr, task, a)
	case AddLabelAction:
		err = x.addLabel(ctx, tx, cr, task, a)
	case NotifyAction:
		err = x.notify(ctx, tx, cr, ev, task, a)
	default:
		err = ActionError{RuleID: cr.Rule.ID, Err: fmt.Errorf("unhandled action %T", cr.Action)}
	}
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return ActionError{RuleID: cr.Rule.ID, Err: err}
	}
	return nil
}

func (x Executor) changeStatus(ctx context.Context, tx *sql.Tx, cr CompiledRule, ev domain.Event, task domain.Task, a ChangeStatusAction) error {
	if task.Status == a.Status {
		// Already there; succeed without a duplicate audit row.
		return nil
	}
	oldStatus := ev.OldStatus
	if oldStatus == "" {
		oldStatus = task.Status
	}
	task.Status = a.Status
	task.UpdatedAt = x.now().UTC().Format(time.RFC3339)
	if err := x.Repo.UpdateTask(ctx, tx, task); err != nil {
		return ActionError{RuleID: cr.Rule.ID, Err: err}
	}
	return x.append(ctx, tx, cr, task.ID, activity.Entry{
		Action:   "status_changed",
		Field:    "status",
		OldValue: oldStatus,
		NewValue: a.Status,
	})
}

func (x Executor) assignUser(ctx context.Context, tx *sql.Tx, cr CompiledRule, task domain.Task, a AssignUserAction) error {
	if _, err := x.Repo.GetMember(ctx, task.WorkspaceID, a.UserID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return TargetNotFoundError{Kind: "user", ID: a.UserID}
		}
		return ActionError{RuleID: cr.Rule.ID, Err: err}
	}
	added, err := x.Repo.AddAssignee(ctx, tx, task.ID, a.UserID)
	if err != nil {
		return ActionError{RuleID: cr.Rule.ID, Err: err}
	}
	if !added {
		return nil
	}
	return x.append(ctx, tx, cr, task.ID, activity.Entry{
		Action:   "assignee_added",
		Field:    "assignees",
		NewValue: a.UserID,
	})
}

func (x Executor) addLabel(ctx context.Context, tx *sql.Tx, cr CompiledRule, task domain.Task, a AddLabelAction) error {
	label, err := x.Repo.GetLabel(ctx, a.LabelID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return TargetNotFoundError{Kind: "label", ID: a.LabelID}
		}
		return ActionError{RuleID: cr.Rule.ID, Err: err}
	}
	if label.WorkspaceID != task.WorkspaceID {
		return TargetNotFoundError{Kind: "label", ID: a.LabelID}
	}
	added, err := x.Repo.AddTaskLabel(ctx, tx, task.ID, a.LabelID)
	if err != nil {
		return ActionError{RuleID: cr.Rule.ID, Err: err}
	}
	if !added {
		return nil
	}
	return x.append(ctx, tx, cr, task.ID, activity.Entry{
		Action:   "label_added",
		Field:    "labels",
		NewValue: a.LabelID,
	})
}

func (x Executor) notify(ctx context.Context, tx *sql.Tx, cr CompiledRule, ev domain.Event, task domain.Task, a NotifyAction) error {
	targets := []string{a.UserID}
	if a.UserID == "" {
		assignees, err := x.Repo.ListAssigneesTx(ctx, tx, task.ID)
		if err != nil {
			return ActionError{RuleID: cr.Rule.ID, Err: err}
		}
		targets = assignees
	}
	message := a.Message
	if message == "" {
		message = deriveMessage(cr.Rule.Name, ev, task)
	}
	now := x.now().UTC().Format(time.RFC3339)
	for _, userID := range targets {
		n := domain.Notification{
			ID:          uuid.New().String(),
			WorkspaceID: task.WorkspaceID,
			UserID:      userID,
			TaskID:      task.ID,
			RuleID:      cr.Rule.ID,
			Message:     message,
			CreatedAt:   now,
		}
		if err := x.Repo.InsertNotification(ctx, tx, n); err != nil {
			return ActionError{RuleID: cr.Rule.ID, Err: err}
		}
	}
	if len(targets) == 0 {
		// No assignees to notify; still a success.
		return nil
	}
	return x.append(ctx, tx, cr, task.ID, activity.Entry{
		Action:   "notified",
		NewValue: message,
	})
}

// append writes an automation-attributed activity row inside the action's tx.
func (x Executor) append(ctx context.Context, tx *sql.Tx, cr CompiledRule, taskID string, e activity.Entry) error {
	e.WorkspaceID = cr.Rule.WorkspaceID
	e.TaskID = taskID
	e.ActorID = domain.ActorAutomation
	e.ActorKind = domain.ActorAutomation
	e.RuleID = cr.Rule.ID
	if err := x.Activity.Append(ctx, tx, e); err != nil {
		return ActionError{RuleID: cr.Rule.ID, Err: err}
	}
	return nil
}

func deriveMessage(ruleName string, ev domain.Event, task domain.Task) string {
	switch ev.Kind {
	case domain.TriggerStatusChange:
		return fmt.Sprintf("%s: %q moved to %s", ruleName, task.Title, ev.NewStatus)
	case domain.TriggerTaskCreated:
		return fmt.Sprintf("%s: %q created", ruleName, task.Title)
	default:
		return fmt.Sprintf("%s: %q updated", ruleName, task.Title)
	}
}
