package automation_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"flowline/internal/activity"
	"flowline/internal/automation"
	"flowline/internal/db"
	"flowline/internal/domain"
	"flowline/internal/migrate"
	"flowline/internal/repo"
)

type execEnv struct {
	DB   *sql.DB
	Repo repo.Repo
	Exec automation.Executor
	Ctx  context.Context
}

func newExecEnv(t *testing.T) execEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	now := func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	env := execEnv{
		DB:   conn,
		Repo: r,
		Exec: automation.Executor{DB: conn, Repo: r, Activity: activity.Writer{DB: conn, Now: now}, Now: now},
		Ctx:  context.Background(),
	}
	env.seed(t)
	return env
}

func (e execEnv) seed(t *testing.T) {
	t.Helper()
	tx, err := e.DB.BeginTx(e.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	now := "2024-05-01T12:00:00Z"
	if err := e.Repo.InsertWorkspace(e.Ctx, tx, domain.Workspace{ID: "ws-1", Name: "One", Status: "active", CreatedAt: now}); err != nil {
		t.Fatalf("workspace: %v", err)
	}
	if err := e.Repo.InsertWorkspace(e.Ctx, tx, domain.Workspace{ID: "ws-2", Name: "Two", Status: "active", CreatedAt: now}); err != nil {
		t.Fatalf("workspace: %v", err)
	}
	for _, userID := range []string{"alice", "bob"} {
		if err := e.Repo.UpsertMember(e.Ctx, tx, domain.Member{WorkspaceID: "ws-1", UserID: userID, Role: "member", CreatedAt: now}); err != nil {
			t.Fatalf("member: %v", err)
		}
	}
	if err := e.Repo.InsertLabel(e.Ctx, tx, domain.Label{ID: "lbl-1", WorkspaceID: "ws-1", Name: "urgent", CreatedAt: now}); err != nil {
		t.Fatalf("label: %v", err)
	}
	if err := e.Repo.InsertLabel(e.Ctx, tx, domain.Label{ID: "lbl-foreign", WorkspaceID: "ws-2", Name: "urgent", CreatedAt: now}); err != nil {
		t.Fatalf("label: %v", err)
	}
	if err := e.Repo.InsertTask(e.Ctx, tx, domain.Task{
		ID: "task-1", WorkspaceID: "ws-1", Title: "Ship it", Status: "todo",
		CreatedBy: "alice", CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("task: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func (e execEnv) activities(t *testing.T, taskID string) []domain.Activity {
	t.Helper()
	rows, err := e.Repo.ListActivities(e.Ctx, repo.ActivityFilters{TaskID: taskID})
	if err != nil {
		t.Fatalf("list activities: %v", err)
	}
	return rows
}

func compiled(t *testing.T, rule domain.AutomationRule) automation.CompiledRule {
	t.Helper()
	cr, err := automation.Compile(rule)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return cr
}

func TestExecuteChangeStatus(t *testing.T) {
	env := newExecEnv(t)
	cr := compiled(t, domain.AutomationRule{
		ID: "r-1", WorkspaceID: "ws-1", Name: "auto done",
		TriggerType: domain.TriggerTaskCreated,
		ActionType:  domain.ActionChangeStatus, ActionConfigJSON: `{"status":"in_progress"}`,
	})
	ev := domain.Event{Kind: domain.TriggerTaskCreated, WorkspaceID: "ws-1", TaskID: "task-1", ActorID: "alice"}

	if err := env.Exec.Execute(env.Ctx, cr, ev); err != nil {
		t.Fatalf("execute: %v", err)
	}
	task, err := env.Repo.GetTask(env.Ctx, "task-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != "in_progress" {
		t.Fatalf("status = %q", task.Status)
	}

	acts := env.activities(t, "task-1")
	if len(acts) != 1 {
		t.Fatalf("activities = %d, want 1", len(acts))
	}
	a := acts[0]
	if a.ActorKind != domain.ActorAutomation || a.RuleID != "r-1" {
		t.Fatalf("activity attribution = %+v", a)
	}
	if a.Action != "status_changed" || a.OldValue != "todo" || a.NewValue != "in_progress" {
		t.Fatalf("activity = %+v", a)
	}

	// task already at the target: success, no second audit row
	if err := env.Exec.Execute(env.Ctx, cr, ev); err != nil {
		t.Fatalf("re-execute: %v", err)
	}
	if acts := env.activities(t, "task-1"); len(acts) != 1 {
		t.Fatalf("re-execute duplicated activity: %d rows", len(acts))
	}
}

func TestExecuteAssignUser(t *testing.T) {
	env := newExecEnv(t)
	cr := compiled(t, domain.AutomationRule{
		ID: "r-2", WorkspaceID: "ws-1", Name: "auto assign",
		TriggerType: domain.TriggerTaskCreated,
		ActionType:  domain.ActionAssignUser, ActionConfigJSON: `{"user_id":"bob"}`,
	})
	ev := domain.Event{Kind: domain.TriggerTaskCreated, WorkspaceID: "ws-1", TaskID: "task-1"}

	if err := env.Exec.Execute(env.Ctx, cr, ev); err != nil {
		t.Fatalf("execute: %v", err)
	}
	assignees, err := env.Repo.ListAssignees(env.Ctx, "task-1")
	if err != nil {
		t.Fatalf("assignees: %v", err)
	}
	if len(assignees) != 1 || assignees[0] != "bob" {
		t.Fatalf("assignees = %v", assignees)
	}

	// idempotent: second run adds nothing and writes no activity
	if err := env.Exec.Execute(env.Ctx, cr, ev); err != nil {
		t.Fatalf("re-execute: %v", err)
	}
	assignees, _ = env.Repo.ListAssignees(env.Ctx, "task-1")
	if len(assignees) != 1 {
		t.Fatalf("assignees duplicated: %v", assignees)
	}
	if acts := env.activities(t, "task-1"); len(acts) != 1 {
		t.Fatalf("activities = %d, want 1", len(acts))
	}

	// target user not a workspace member
	cr = compiled(t, domain.AutomationRule{
		ID: "r-3", WorkspaceID: "ws-1", Name: "bad assign",
		TriggerType: domain.TriggerTaskCreated,
		ActionType:  domain.ActionAssignUser, ActionConfigJSON: `{"user_id":"mallory"}`,
	})
	err = env.Exec.Execute(env.Ctx, cr, ev)
	var notFound automation.TargetNotFoundError
	if !errors.As(err, &notFound) || notFound.Kind != "user" {
		t.Fatalf("err = %v", err)
	}
}

func TestExecuteAddLabel(t *testing.T) {
	env := newExecEnv(t)
	cr := compiled(t, domain.AutomationRule{
		ID: "r-4", WorkspaceID: "ws-1", Name: "auto label",
		TriggerType: domain.TriggerTaskCreated,
		ActionType:  domain.ActionAddLabel, ActionConfigJSON: `{"label_id":"lbl-1"}`,
	})
	ev := domain.Event{Kind: domain.TriggerTaskCreated, WorkspaceID: "ws-1", TaskID: "task-1"}

	for i := 0; i < 2; i++ {
		if err := env.Exec.Execute(env.Ctx, cr, ev); err != nil {
			t.Fatalf("execute %d: %v", i, err)
		}
	}
	labels, err := env.Repo.ListTaskLabels(env.Ctx, "task-1")
	if err != nil {
		t.Fatalf("labels: %v", err)
	}
	if len(labels) != 1 || labels[0] != "lbl-1" {
		t.Fatalf("labels = %v", labels)
	}
	if acts := env.activities(t, "task-1"); len(acts) != 1 {
		t.Fatalf("activities = %d, want 1", len(acts))
	}

	// label belongs to another workspace
	cr = compiled(t, domain.AutomationRule{
		ID: "r-5", WorkspaceID: "ws-1", Name: "foreign label",
		TriggerType: domain.TriggerTaskCreated,
		ActionType:  domain.ActionAddLabel, ActionConfigJSON: `{"label_id":"lbl-foreign"}`,
	})
	err = env.Exec.Execute(env.Ctx, cr, ev)
	var notFound automation.TargetNotFoundError
	if !errors.As(err, &notFound) || notFound.Kind != "label" {
		t.Fatalf("err = %v", err)
	}
}

func TestExecuteNotify(t *testing.T) {
	env := newExecEnv(t)
	ev := domain.Event{Kind: domain.TriggerStatusChange, WorkspaceID: "ws-1", TaskID: "task-1", OldStatus: "todo", NewStatus: "done"}

	// explicit target
	cr := compiled(t, domain.AutomationRule{
		ID: "r-6", WorkspaceID: "ws-1", Name: "ping alice",
		TriggerType: domain.TriggerStatusChange, TriggerConfigJSON: `{"to_status":"done"}`,
		ActionType: domain.ActionNotify, ActionConfigJSON: `{"user_id":"alice","message":"done!"}`,
	})
	if err := env.Exec.Execute(env.Ctx, cr, ev); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got, err := env.Repo.ListNotifications(env.Ctx, repo.NotificationFilters{WorkspaceID: "ws-1", UserID: "alice"})
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(got) != 1 || got[0].Message != "done!" || got[0].RuleID != "r-6" {
		t.Fatalf("notifications = %+v", got)
	}

	// no explicit target and no assignees: success, nothing recorded
	cr2 := compiled(t, domain.AutomationRule{
		ID: "r-7", WorkspaceID: "ws-1", Name: "ping assignees",
		TriggerType: domain.TriggerStatusChange, TriggerConfigJSON: `{"to_status":"done"}`,
		ActionType: domain.ActionNotify,
	})
	if err := env.Exec.Execute(env.Ctx, cr2, ev); err != nil {
		t.Fatalf("execute without assignees: %v", err)
	}

	// with assignees, each gets a row and the message derives from the rule
	tx, _ := env.DB.BeginTx(env.Ctx, nil)
	for _, u := range []string{"alice", "bob"} {
		if _, err := env.Repo.AddAssignee(env.Ctx, tx, "task-1", u); err != nil {
			t.Fatalf("assignee: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := env.Exec.Execute(env.Ctx, cr2, ev); err != nil {
		t.Fatalf("execute with assignees: %v", err)
	}
	bobRows, err := env.Repo.ListNotifications(env.Ctx, repo.NotificationFilters{WorkspaceID: "ws-1", UserID: "bob"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(bobRows) != 1 {
		t.Fatalf("bob notifications = %d", len(bobRows))
	}
	if bobRows[0].Message == "" {
		t.Fatal("derived message is empty")
	}
}

func TestExecuteTaskGone(t *testing.T) {
	env := newExecEnv(t)
	cr := compiled(t, domain.AutomationRule{
		ID: "r-8", WorkspaceID: "ws-1", Name: "orphan",
		TriggerType: domain.TriggerTaskCreated,
		ActionType:  domain.ActionChangeStatus, ActionConfigJSON: `{"status":"done"}`,
	})
	err := env.Exec.Execute(env.Ctx, cr, domain.Event{Kind: domain.TriggerTaskCreated, WorkspaceID: "ws-1", TaskID: "nope"})
	var notFound automation.TargetNotFoundError
	if !errors.As(err, &notFound) || notFound.Kind != "task" {
		t.Fatalf("err = %v", err)
	}
}
