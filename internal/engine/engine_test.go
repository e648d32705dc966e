package engine_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"flowline/internal/config"
	"flowline/internal/db"
	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/migrate"
	"flowline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log := logrus.New()
	log.SetOutput(io.Discard)
	eng := engine.New(conn, config.Default("ws-1"), log)
	eng.Now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitWorkspace(ctx, "ws-1", "Test", "", "alice"); err != nil {
		t.Fatalf("init workspace: %v", err)
	}
	if _, err := eng.AddMember(ctx, "ws-1", "bob", "member", "alice"); err != nil {
		t.Fatalf("add member: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) createTask(t *testing.T, title string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		WorkspaceID: "ws-1",
		Title:       title,
		ActorID:     "alice",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func (env testEnv) createRule(t *testing.T, opts engine.RuleCreateOptions) domain.AutomationRule {
	t.Helper()
	if opts.WorkspaceID == "" {
		opts.WorkspaceID = "ws-1"
	}
	opts.ActorID = "alice"
	rule, err := env.Engine.CreateRule(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	return rule
}

func TestCreateTaskDefaults(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "First")
	if task.Status != "todo" {
		t.Fatalf("status = %q, want todo", task.Status)
	}
	acts, err := env.Engine.Repo.ListActivities(env.Ctx, repo.ActivityFilters{TaskID: task.ID})
	if err != nil {
		t.Fatalf("activities: %v", err)
	}
	if len(acts) != 1 || acts[0].Action != "created" || acts[0].ActorKind != domain.ActorUser {
		t.Fatalf("activities = %+v", acts)
	}
}

func TestTaskCreatedRuleFiresOnce(t *testing.T) {
	env := newTestEnv(t)
	env.createRule(t, engine.RuleCreateOptions{
		Name:             "assign bob",
		TriggerType:      domain.TriggerTaskCreated,
		ActionType:       domain.ActionAssignUser,
		ActionConfigJSON: `{"user_id":"bob"}`,
	})

	task := env.createTask(t, "Needs an owner")
	if len(task.Assignees) != 1 || task.Assignees[0] != "bob" {
		t.Fatalf("assignees = %v", task.Assignees)
	}

	acts, err := env.Engine.Repo.ListActivities(env.Ctx, repo.ActivityFilters{
		TaskID:    task.ID,
		ActorKind: domain.ActorAutomation,
	})
	if err != nil {
		t.Fatalf("activities: %v", err)
	}
	if len(acts) != 1 || acts[0].Action != "assignee_added" || acts[0].RuleID == "" {
		t.Fatalf("automation activities = %+v", acts)
	}
}

func TestStatusChangeRuleMatchesExactly(t *testing.T) {
	env := newTestEnv(t)
	label, err := env.Engine.CreateLabel(env.Ctx, "ws-1", "shipped", "", "alice")
	if err != nil {
		t.Fatalf("create label: %v", err)
	}
	env.createRule(t, engine.RuleCreateOptions{
		Name:              "label on done",
		TriggerType:       domain.TriggerStatusChange,
		TriggerConfigJSON: `{"to_status":"done"}`,
		ActionType:        domain.ActionAddLabel,
		ActionConfigJSON:  `{"label_id":"` + label.ID + `"}`,
	})

	task := env.createTask(t, "Pipeline work")

	// moving to a different status does not fire
	task, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: "in_progress", ActorID: "alice"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(task.LabelIDs) != 0 {
		t.Fatalf("rule fired on non-matching status: %v", task.LabelIDs)
	}

	task, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: "done", ActorID: "alice"})
	if err != nil {
		t.Fatalf("update to done: %v", err)
	}
	if len(task.LabelIDs) != 1 || task.LabelIDs[0] != label.ID {
		t.Fatalf("labels = %v", task.LabelIDs)
	}
}

func TestDisabledRuleNeverFires(t *testing.T) {
	env := newTestEnv(t)
	rule := env.createRule(t, engine.RuleCreateOptions{
		Name:             "assign bob",
		TriggerType:      domain.TriggerTaskCreated,
		ActionType:       domain.ActionAssignUser,
		ActionConfigJSON: `{"user_id":"bob"}`,
	})
	if _, err := env.Engine.SetRuleEnabled(env.Ctx, rule.ID, false, "alice"); err != nil {
		t.Fatalf("disable: %v", err)
	}

	task := env.createTask(t, "No automation")
	if len(task.Assignees) != 0 {
		t.Fatalf("disabled rule fired: %v", task.Assignees)
	}

	if _, err := env.Engine.SetRuleEnabled(env.Ctx, rule.ID, true, "alice"); err != nil {
		t.Fatalf("enable: %v", err)
	}
	task = env.createTask(t, "With automation")
	if len(task.Assignees) != 1 {
		t.Fatalf("re-enabled rule did not fire: %v", task.Assignees)
	}
}

func TestRuleValidationAtBoundary(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{
		WorkspaceID: "ws-1",
		Name:        "broken",
		TriggerType: domain.TriggerStatusChange,
		ActionType:  domain.ActionNotify,
		ActorID:     "alice",
	})
	if err == nil {
		t.Fatal("status_change without to_status should be rejected")
	}
	_, err = env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{
		WorkspaceID:      "ws-1",
		Name:             "bad action",
		TriggerType:      domain.TriggerTaskCreated,
		ActionType:       "teleport",
		ActionConfigJSON: `{}`,
		ActorID:          "alice",
	})
	if err == nil {
		t.Fatal("unknown action type should be rejected")
	}

	// reserved trigger types are storable but never fire
	env.createRule(t, engine.RuleCreateOptions{
		Name:             "future due-date rule",
		TriggerType:      domain.TriggerDueDate,
		ActionType:       domain.ActionAssignUser,
		ActionConfigJSON: `{"user_id":"bob"}`,
	})
	task := env.createTask(t, "Untouched")
	if len(task.Assignees) != 0 {
		t.Fatalf("reserved trigger fired: %v", task.Assignees)
	}
}

func TestMutationSucceedsWhenAutomationFails(t *testing.T) {
	env := newTestEnv(t)
	env.createRule(t, engine.RuleCreateOptions{
		Name:             "assign ghost",
		TriggerType:      domain.TriggerTaskCreated,
		ActionType:       domain.ActionAssignUser,
		ActionConfigJSON: `{"user_id":"nobody"}`,
	})

	task := env.createTask(t, "Still created")
	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("task missing after failed automation: %v", err)
	}
	if len(got.Assignees) != 0 {
		t.Fatalf("assignees = %v", got.Assignees)
	}
}

func TestCrossWorkspaceRulesDoNotFire(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.InitWorkspace(env.Ctx, "ws-2", "Other", "", "alice"); err != nil {
		t.Fatalf("init ws-2: %v", err)
	}
	env.createRule(t, engine.RuleCreateOptions{
		WorkspaceID:      "ws-2",
		Name:             "other workspace",
		TriggerType:      domain.TriggerTaskCreated,
		ActionType:       domain.ActionNotify,
		ActionConfigJSON: `{"user_id":"alice","message":"should not appear"}`,
	})

	task := env.createTask(t, "In ws-1")
	_ = task
	got, err := env.Engine.Repo.ListNotifications(env.Ctx, repo.NotificationFilters{UserID: "alice"})
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("rule from another workspace fired: %+v", got)
	}
}

func TestNotifyRuleAndMarkRead(t *testing.T) {
	env := newTestEnv(t)
	env.createRule(t, engine.RuleCreateOptions{
		Name:              "ping on done",
		TriggerType:       domain.TriggerStatusChange,
		TriggerConfigJSON: `{"to_status":"done"}`,
		ActionType:        domain.ActionNotify,
		ActionConfigJSON:  `{"user_id":"bob"}`,
	})
	task := env.createTask(t, "Review me")
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: "done", ActorID: "alice"}); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := env.Engine.Repo.ListNotifications(env.Ctx, repo.NotificationFilters{UserID: "bob", UnreadOnly: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("notifications = %d", len(got))
	}
	n, err := env.Engine.MarkNotificationRead(env.Ctx, got[0].ID)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if n.ReadAt == nil {
		t.Fatal("read_at not set")
	}
	got, err = env.Engine.Repo.ListNotifications(env.Ctx, repo.NotificationFilters{UserID: "bob", UnreadOnly: true})
	if err != nil {
		t.Fatalf("list after read: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("unread after mark read: %+v", got)
	}
}

func TestRuleLimit(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default("ws-1")
	cfg.Automations.MaxRulesPerWorkspace = 1
	if err := env.Engine.Repo.UpsertWorkspaceConfig(env.Ctx, "ws-1", cfg); err != nil {
		t.Fatalf("config: %v", err)
	}
	env.createRule(t, engine.RuleCreateOptions{
		Name:        "only one",
		TriggerType: domain.TriggerTaskCreated,
		ActionType:  domain.ActionNotify,
	})
	_, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{
		WorkspaceID: "ws-1",
		Name:        "one too many",
		TriggerType: domain.TriggerTaskCreated,
		ActionType:  domain.ActionNotify,
		ActorID:     "alice",
	})
	if err == nil {
		t.Fatal("expected rule limit error")
	}
}

func TestUpdateTaskRejectsUnknownStatus(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "Strict status")
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Status: "Done", ActorID: "alice"}); err == nil {
		t.Fatal("status outside the catalog should be rejected")
	}
}

func TestAssignTaskIdempotent(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "Shared")
	for i := 0; i < 2; i++ {
		var err error
		task, err = env.Engine.AssignTask(env.Ctx, task.ID, "bob", "alice")
		if err != nil {
			t.Fatalf("assign %d: %v", i, err)
		}
	}
	if len(task.Assignees) != 1 {
		t.Fatalf("assignees = %v", task.Assignees)
	}
	acts, err := env.Engine.Repo.ListActivities(env.Ctx, repo.ActivityFilters{TaskID: task.ID, Action: "assignee_added"})
	if err != nil {
		t.Fatalf("activities: %v", err)
	}
	if len(acts) != 1 {
		t.Fatalf("assignee_added rows = %d, want 1", len(acts))
	}
}

func TestDeleteRuleStopsFiring(t *testing.T) {
	env := newTestEnv(t)
	rule := env.createRule(t, engine.RuleCreateOptions{
		Name:             "assign bob",
		TriggerType:      domain.TriggerTaskCreated,
		ActionType:       domain.ActionAssignUser,
		ActionConfigJSON: `{"user_id":"bob"}`,
	})
	if err := env.Engine.DeleteRule(env.Ctx, rule.ID, "alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	task := env.createTask(t, "After delete")
	if len(task.Assignees) != 0 {
		t.Fatalf("deleted rule fired: %v", task.Assignees)
	}
	if _, err := env.Engine.Repo.GetRule(env.Ctx, rule.ID); err != repo.ErrNotFound {
		t.Fatalf("rule still present: %v", err)
	}
}
