package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"flowline/internal/activity"
	"flowline/internal/automation"
	"flowline/internal/config"
	"flowline/internal/domain"
	"flowline/internal/repo"
)

type Engine struct {
	DB          *sql.DB
	Repo        repo.Repo
	Activity    activity.Writer
	Config      *config.Config
	Automations *automation.Runner
	Log         logrus.FieldLogger
	Now         func() time.Time
}

func New(db *sql.DB, cfg *config.Config, log logrus.FieldLogger) Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := repo.Repo{DB: db}
	w := activity.Writer{DB: db}
	return Engine{
		DB:       db,
		Repo:     r,
		Activity: w,
		Config:   cfg,
		Automations: &automation.Runner{
			Rules: r,
			Exec:  automation.Executor{DB: db, Repo: r, Activity: w},
			Log:   log,
		},
		Log: log,
		Now: time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// InitWorkspace creates a workspace, seeds its config, and makes the creating
// user an admin member.
func (e Engine) InitWorkspace(ctx context.Context, id, name, description, actorID string) (domain.Workspace, error) {
	if id == "" {
		return domain.Workspace{}, errors.New("workspace id is required")
	}
	if name == "" {
		name = id
	}
	now := e.nowStr()
	w := domain.Workspace{
		ID:          id,
		Name:        name,
		Status:      "active",
		Description: description,
		CreatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workspace{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertWorkspace(ctx, tx, w); err != nil {
		return domain.Workspace{}, fmt.Errorf("insert workspace: %w", err)
	}
	if err := e.Repo.UpsertWorkspaceConfigTx(ctx, tx, w.ID, config.Default(w.ID)); err != nil {
		return domain.Workspace{}, fmt.Errorf("insert workspace config: %w", err)
	}
	if actorID != "" {
		if err := e.Repo.UpsertMember(ctx, tx, domain.Member{
			WorkspaceID: w.ID, UserID: actorID, Role: "admin", CreatedAt: now,
		}); err != nil {
			return domain.Workspace{}, fmt.Errorf("insert member: %w", err)
		}
	}
	if err := e.Activity.Append(ctx, tx, activity.Entry{
		WorkspaceID: w.ID, ActorID: actorID, Action: "workspace_created", NewValue: w.Name,
	}); err != nil {
		return domain.Workspace{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Workspace{}, err
	}
	return w, nil
}

// AddMember upserts a workspace member with the given role.
func (e Engine) AddMember(ctx context.Context, workspaceID, userID, role, actorID string) (domain.Member, error) {
	if userID == "" {
		return domain.Member{}, errors.New("user id is required")
	}
	if role == "" {
		role = "member"
	}
	if _, err := e.Repo.GetWorkspace(ctx, workspaceID); err != nil {
		return domain.Member{}, err
	}
	m := domain.Member{WorkspaceID: workspaceID, UserID: userID, Role: role, CreatedAt: e.nowStr()}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertMember(ctx, tx, m); err != nil {
		return m, err
	}
	if err := e.Activity.Append(ctx, tx, activity.Entry{
		WorkspaceID: workspaceID, ActorID: actorID, Action: "member_added", Field: "members", NewValue: userID,
	}); err != nil {
		return m, err
	}
	return m, tx.Commit()
}

func (e Engine) CreateLabel(ctx context.Context, workspaceID, name, color, actorID string) (domain.Label, error) {
	if name == "" {
		return domain.Label{}, errors.New("label name is required")
	}
	if _, err := e.Repo.GetWorkspace(ctx, workspaceID); err != nil {
		return domain.Label{}, err
	}
	l := domain.Label{
		ID:          uuid.New().String(),
		WorkspaceID: workspaceID,
		Name:        name,
		Color:       color,
		CreatedAt:   e.nowStr(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return l, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertLabel(ctx, tx, l); err != nil {
		return l, err
	}
	if err := e.Activity.Append(ctx, tx, activity.Entry{
		WorkspaceID: workspaceID, ActorID: actorID, Action: "label_created", Field: "labels", NewValue: name,
	}); err != nil {
		return l, err
	}
	return l, tx.Commit()
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID          string
	WorkspaceID string
	Title       string
	Description string
	Status      string
	Assignees   []string
	LabelIDs    []string
	ActorID     string
}

// CreateTask inserts the task and its audit row in one transaction, then runs
// the automation pass for task_created after the commit. The pass can fail in
// any way without affecting the returned task.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Title == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if opts.WorkspaceID == "" {
		return domain.Task{}, errors.New("workspace is required")
	}
	if _, err := e.Repo.GetWorkspace(ctx, opts.WorkspaceID); err != nil {
		return domain.Task{}, err
	}
	status := opts.Status
	if status == "" {
		status = e.defaultStatus(ctx, opts.WorkspaceID)
	}
	now := e.nowStr()
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	t := domain.Task{
		ID:          id,
		WorkspaceID: opts.WorkspaceID,
		Title:       opts.Title,
		Description: opts.Description,
		Status:      status,
		CreatedBy:   opts.ActorID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Activity.Append(ctx, tx, activity.Entry{
		WorkspaceID: t.WorkspaceID, TaskID: t.ID, ActorID: opts.ActorID,
		Action: "created", Field: "status", NewValue: t.Status,
	}); err != nil {
		return domain.Task{}, err
	}
	for _, userID := range opts.Assignees {
		added, err := e.Repo.AddAssignee(ctx, tx, t.ID, userID)
		if err != nil {
			return domain.Task{}, err
		}
		if added {
			if err := e.Activity.Append(ctx, tx, activity.Entry{
				WorkspaceID: t.WorkspaceID, TaskID: t.ID, ActorID: opts.ActorID,
				Action: "assignee_added", Field: "assignees", NewValue: userID,
			}); err != nil {
				return domain.Task{}, err
			}
		}
	}
	for _, labelID := range opts.LabelIDs {
		added, err := e.Repo.AddTaskLabel(ctx, tx, t.ID, labelID)
		if err != nil {
			return domain.Task{}, err
		}
		if added {
			if err := e.Activity.Append(ctx, tx, activity.Entry{
				WorkspaceID: t.WorkspaceID, TaskID: t.ID, ActorID: opts.ActorID,
				Action: "label_added", Field: "labels", NewValue: labelID,
			}); err != nil {
				return domain.Task{}, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.runAutomations(ctx, domain.Event{
		Kind:        domain.TriggerTaskCreated,
		WorkspaceID: t.WorkspaceID,
		TaskID:      t.ID,
		ActorID:     opts.ActorID,
	})
	return e.Repo.GetTask(ctx, t.ID)
}

// TaskUpdateOptions encapsulates allowed updates.
type TaskUpdateOptions struct {
	ID          string
	Title       *string
	Description *string
	Status      string
	ActorID     string
}

// UpdateTask applies field changes with one audit row per changed field, then
// runs the automation pass for status_change when the status actually moved.
func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, opts.ID)
	if err != nil {
		return t, err
	}
	oldStatus := t.Status
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	var entries []activity.Entry
	if opts.Title != nil && *opts.Title != t.Title {
		if *opts.Title == "" {
			return t, errors.New("title cannot be empty")
		}
		entries = append(entries, activity.Entry{Action: "updated", Field: "title", OldValue: t.Title, NewValue: *opts.Title})
		t.Title = *opts.Title
	}
	if opts.Description != nil && *opts.Description != t.Description {
		entries = append(entries, activity.Entry{Action: "updated", Field: "description"})
		t.Description = *opts.Description
	}
	statusChanged := opts.Status != "" && opts.Status != t.Status
	if statusChanged {
		if err := e.ensureKnownStatus(ctx, t.WorkspaceID, opts.Status); err != nil {
			return t, err
		}
		entries = append(entries, activity.Entry{Action: "status_changed", Field: "status", OldValue: t.Status, NewValue: opts.Status})
		t.Status = opts.Status
	}
	if len(entries) == 0 {
		return t, nil
	}
	t.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	for _, entry := range entries {
		entry.WorkspaceID = t.WorkspaceID
		entry.TaskID = t.ID
		entry.ActorID = opts.ActorID
		if err := e.Activity.Append(ctx, tx, entry); err != nil {
			return t, err
		}
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}

	if statusChanged {
		e.runAutomations(ctx, domain.Event{
			Kind:        domain.TriggerStatusChange,
			WorkspaceID: t.WorkspaceID,
			TaskID:      t.ID,
			ActorID:     opts.ActorID,
			OldStatus:   oldStatus,
			NewStatus:   t.Status,
		})
	}
	return e.Repo.GetTask(ctx, t.ID)
}

// AssignTask adds an assignee. Adding an existing assignee succeeds without a
// duplicate audit row. No automation event fires: the assignment trigger is
// reserved and fails closed.
func (e Engine) AssignTask(ctx context.Context, taskID, userID, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	added, err := e.Repo.AddAssignee(ctx, tx, taskID, userID)
	if err != nil {
		return t, err
	}
	if added {
		if err := e.Activity.Append(ctx, tx, activity.Entry{
			WorkspaceID: t.WorkspaceID, TaskID: taskID, ActorID: actorID,
			Action: "assignee_added", Field: "assignees", NewValue: userID,
		}); err != nil {
			return t, err
		}
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return e.Repo.GetTask(ctx, taskID)
}

func (e Engine) UnassignTask(ctx context.Context, taskID, userID, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	removed, err := e.Repo.RemoveAssignee(ctx, tx, taskID, userID)
	if err != nil {
		return t, err
	}
	if removed {
		if err := e.Activity.Append(ctx, tx, activity.Entry{
			WorkspaceID: t.WorkspaceID, TaskID: taskID, ActorID: actorID,
			Action: "assignee_removed", Field: "assignees", OldValue: userID,
		}); err != nil {
			return t, err
		}
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return e.Repo.GetTask(ctx, taskID)
}

// AddTaskLabel attaches a workspace label to a task, idempotently.
func (e Engine) AddTaskLabel(ctx context.Context, taskID, labelID, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	label, err := e.Repo.GetLabel(ctx, labelID)
	if err != nil {
		return t, err
	}
	if label.WorkspaceID != t.WorkspaceID {
		return t, fmt.Errorf("label %s not in workspace %s", labelID, t.WorkspaceID)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	added, err := e.Repo.AddTaskLabel(ctx, tx, taskID, labelID)
	if err != nil {
		return t, err
	}
	if added {
		if err := e.Activity.Append(ctx, tx, activity.Entry{
			WorkspaceID: t.WorkspaceID, TaskID: taskID, ActorID: actorID,
			Action: "label_added", Field: "labels", NewValue: labelID,
		}); err != nil {
			return t, err
		}
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return e.Repo.GetTask(ctx, taskID)
}

func (e Engine) RemoveTaskLabel(ctx context.Context, taskID, labelID, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return t, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	removed, err := e.Repo.RemoveTaskLabel(ctx, tx, taskID, labelID)
	if err != nil {
		return t, err
	}
	if removed {
		if err := e.Activity.Append(ctx, tx, activity.Entry{
			WorkspaceID: t.WorkspaceID, TaskID: taskID, ActorID: actorID,
			Action: "label_removed", Field: "labels", OldValue: labelID,
		}); err != nil {
			return t, err
		}
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return e.Repo.GetTask(ctx, taskID)
}

// RuleCreateOptions are parameters for creating an automation rule.
type RuleCreateOptions struct {
	ID                string
	WorkspaceID       string
	Name              string
	TriggerType       string
	TriggerConfigJSON string
	ActionType        string
	ActionConfigJSON  string
	Enabled           *bool
	ActorID           string
}

// CreateRule validates the trigger/action configuration against the declared
// types before anything reaches storage; malformed config is rejected here,
// not quarantined later.
func (e Engine) CreateRule(ctx context.Context, opts RuleCreateOptions) (domain.AutomationRule, error) {
	if opts.Name == "" {
		return domain.AutomationRule{}, errors.New("rule name is required")
	}
	if _, err := e.Repo.GetWorkspace(ctx, opts.WorkspaceID); err != nil {
		return domain.AutomationRule{}, err
	}
	if max := e.maxRules(ctx, opts.WorkspaceID); max > 0 {
		n, err := e.Repo.CountRules(ctx, opts.WorkspaceID)
		if err != nil {
			return domain.AutomationRule{}, err
		}
		if n >= max {
			return domain.AutomationRule{}, fmt.Errorf("workspace rule limit %d reached", max)
		}
	}
	now := e.nowStr()
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	enabled := true
	if opts.Enabled != nil {
		enabled = *opts.Enabled
	}
	rule := domain.AutomationRule{
		ID:                id,
		WorkspaceID:       opts.WorkspaceID,
		Name:              opts.Name,
		TriggerType:       opts.TriggerType,
		TriggerConfigJSON: opts.TriggerConfigJSON,
		ActionType:        opts.ActionType,
		ActionConfigJSON:  opts.ActionConfigJSON,
		Enabled:           enabled,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := automation.Validate(rule); err != nil {
		return domain.AutomationRule{}, fmt.Errorf("invalid rule: %w", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return rule, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRule(ctx, tx, rule); err != nil {
		return rule, err
	}
	if err := e.Activity.Append(ctx, tx, activity.Entry{
		WorkspaceID: rule.WorkspaceID, ActorID: opts.ActorID,
		Action: "rule_created", Field: "automations", NewValue: rule.Name, RuleID: rule.ID,
	}); err != nil {
		return rule, err
	}
	return rule, tx.Commit()
}

// RuleUpdateOptions encapsulates allowed rule updates. Nil means unchanged;
// config pointers allow clearing to empty.
type RuleUpdateOptions struct {
	ID                string
	Name              *string
	TriggerType       *string
	TriggerConfigJSON *string
	ActionType        *string
	ActionConfigJSON  *string
	Enabled           *bool
	ActorID           string
}

func (e Engine) UpdateRule(ctx context.Context, opts RuleUpdateOptions) (domain.AutomationRule, error) {
	rule, err := e.Repo.GetRule(ctx, opts.ID)
	if err != nil {
		return rule, err
	}
	if opts.Name != nil {
		if *opts.Name == "" {
			return rule, errors.New("rule name cannot be empty")
		}
		rule.Name = *opts.Name
	}
	if opts.TriggerType != nil {
		rule.TriggerType = *opts.TriggerType
	}
	if opts.TriggerConfigJSON != nil {
		rule.TriggerConfigJSON = *opts.TriggerConfigJSON
	}
	if opts.ActionType != nil {
		rule.ActionType = *opts.ActionType
	}
	if opts.ActionConfigJSON != nil {
		rule.ActionConfigJSON = *opts.ActionConfigJSON
	}
	if opts.Enabled != nil {
		rule.Enabled = *opts.Enabled
	}
	if err := automation.Validate(rule); err != nil {
		return rule, fmt.Errorf("invalid rule: %w", err)
	}
	rule.UpdatedAt = e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return rule, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateRule(ctx, tx, rule); err != nil {
		return rule, err
	}
	if err := e.Activity.Append(ctx, tx, activity.Entry{
		WorkspaceID: rule.WorkspaceID, ActorID: opts.ActorID,
		Action: "rule_updated", Field: "automations", NewValue: rule.Name, RuleID: rule.ID,
	}); err != nil {
		return rule, err
	}
	return rule, tx.Commit()
}

func (e Engine) SetRuleEnabled(ctx context.Context, ruleID string, enabled bool, actorID string) (domain.AutomationRule, error) {
	rule, err := e.Repo.GetRule(ctx, ruleID)
	if err != nil {
		return rule, err
	}
	if rule.Enabled == enabled {
		return rule, nil
	}
	now := e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return rule, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetRuleEnabled(ctx, tx, ruleID, enabled, now); err != nil {
		return rule, err
	}
	action := "rule_disabled"
	if enabled {
		action = "rule_enabled"
	}
	if err := e.Activity.Append(ctx, tx, activity.Entry{
		WorkspaceID: rule.WorkspaceID, ActorID: actorID,
		Action: action, Field: "automations", NewValue: rule.Name, RuleID: rule.ID,
	}); err != nil {
		return rule, err
	}
	if err := tx.Commit(); err != nil {
		return rule, err
	}
	rule.Enabled = enabled
	rule.UpdatedAt = now
	return rule, nil
}

func (e Engine) DeleteRule(ctx context.Context, ruleID, actorID string) error {
	rule, err := e.Repo.GetRule(ctx, ruleID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteRuleTx(ctx, tx, ruleID); err != nil {
		return err
	}
	if err := e.Activity.Append(ctx, tx, activity.Entry{
		WorkspaceID: rule.WorkspaceID, ActorID: actorID,
		Action: "rule_deleted", Field: "automations", OldValue: rule.Name, RuleID: rule.ID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) MarkNotificationRead(ctx context.Context, id string) (domain.Notification, error) {
	if err := e.Repo.MarkNotificationRead(ctx, id, e.nowStr()); err != nil {
		return domain.Notification{}, err
	}
	return e.Repo.GetNotification(ctx, id)
}

// runAutomations is the fire-and-forget seam between task mutations and the
// rule engine: invoked only after the primary write committed, and guaranteed
// not to propagate anything. The runner already never fails; the recover here
// is defense-in-depth at the call site.
func (e Engine) runAutomations(ctx context.Context, ev domain.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger().WithField("panic", rec).Error("automation run panicked")
		}
	}()
	if e.Automations == nil {
		return
	}
	e.Automations.Run(ctx, ev)
}

func (e Engine) logger() logrus.FieldLogger {
	if e.Log != nil {
		return e.Log
	}
	return logrus.StandardLogger()
}

// defaultStatus reads the workspace's configured default, falling back to the
// process config, then "todo".
func (e Engine) defaultStatus(ctx context.Context, workspaceID string) string {
	if cfg, err := e.Repo.GetWorkspaceConfig(ctx, workspaceID); err == nil && cfg.Statuses.Default != "" {
		return cfg.Statuses.Default
	}
	if e.Config != nil && e.Config.Statuses.Default != "" {
		return e.Config.Statuses.Default
	}
	return "todo"
}

// maxRules returns the workspace's rule cap, or the process default when the
// workspace has no stored config. Zero means unlimited.
func (e Engine) maxRules(ctx context.Context, workspaceID string) int {
	if cfg, err := e.Repo.GetWorkspaceConfig(ctx, workspaceID); err == nil {
		return cfg.Automations.MaxRulesPerWorkspace
	}
	if e.Config != nil {
		return e.Config.Automations.MaxRulesPerWorkspace
	}
	return 0
}

// ensureKnownStatus rejects statuses outside the workspace catalog when a
// catalog is configured. Comparison is against the raw identifier.
func (e Engine) ensureKnownStatus(ctx context.Context, workspaceID, status string) error {
	cfg, err := e.Repo.GetWorkspaceConfig(ctx, workspaceID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	}
	if len(cfg.Statuses.Catalog) == 0 {
		return nil
	}
	if _, ok := cfg.Statuses.Catalog[status]; !ok {
		return fmt.Errorf("invalid status %q for workspace %s", status, workspaceID)
	}
	return nil
}
