package domain

type Workspace struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Member struct {
	WorkspaceID string `json:"workspace_id"`
	UserID      string `json:"user_id"`
	Role        string `json:"role" enum:"admin,member,viewer"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Label struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	Name        string `json:"name"`
	Color       string `json:"color,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Task status is a free-form normalized identifier (todo, in_progress, done, ...),
// not a hard enum; the per-workspace status catalog lives in config.
type Task struct {
	ID          string   `json:"id"`
	WorkspaceID string   `json:"workspace_id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status"`
	CreatedBy   string   `json:"created_by"`
	Assignees   []string `json:"assignees,omitempty"`
	LabelIDs    []string `json:"label_ids,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
}

// Trigger kinds. due_date and assignment are reserved in the catalog and fail
// closed until a caller emits a matching event kind.
const (
	TriggerStatusChange = "status_change"
	TriggerTaskCreated  = "task_created"
	TriggerDueDate      = "due_date"
	TriggerAssignment   = "assignment"
)

const (
	ActionChangeStatus = "change_status"
	ActionAssignUser   = "assign_user"
	ActionAddLabel     = "add_label"
	ActionNotify       = "notify"
)

// AutomationRule is read-only to the engine at evaluation time. Trigger and
// action configs are variant payloads keyed by their declared type; they are
// parsed and validated at the store boundary, never trusted raw.
type AutomationRule struct {
	ID                string `json:"id"`
	WorkspaceID       string `json:"workspace_id"`
	Name              string `json:"name"`
	TriggerType       string `json:"trigger_type" enum:"status_change,task_created,due_date,assignment"`
	TriggerConfigJSON string `json:"trigger_config_json,omitempty"`
	ActionType        string `json:"action_type" enum:"change_status,assign_user,add_label,notify"`
	ActionConfigJSON  string `json:"action_config_json,omitempty"`
	Enabled           bool   `json:"enabled"`
	CreatedAt         string `json:"created_at" format:"date-time"`
	UpdatedAt         string `json:"updated_at" format:"date-time"`
}

// Event is an in-memory description of a task mutation. It is never persisted;
// the runner builds one per mutation and discards it after the pass.
type Event struct {
	Kind        string
	WorkspaceID string
	TaskID      string
	ActorID     string
	OldStatus   string
	NewStatus   string
}

// Actor kinds recorded on activity rows so readers can tell automated edits
// from manual ones.
const (
	ActorUser       = "user"
	ActorAutomation = "automation"
)

// Activity is one append-only audit row for a task or workspace change.
type Activity struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	WorkspaceID string `json:"workspace_id"`
	TaskID      string `json:"task_id,omitempty"`
	ActorID     string `json:"actor_id"`
	ActorKind   string `json:"actor_kind" enum:"user,automation"`
	Action      string `json:"action"`
	Field       string `json:"field,omitempty"`
	OldValue    string `json:"old_value,omitempty"`
	NewValue    string `json:"new_value,omitempty"`
	RuleID      string `json:"rule_id,omitempty"`
}

type Notification struct {
	ID          string  `json:"id"`
	WorkspaceID string  `json:"workspace_id"`
	UserID      string  `json:"user_id"`
	TaskID      string  `json:"task_id,omitempty"`
	RuleID      string  `json:"rule_id,omitempty"`
	Message     string  `json:"message"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	ReadAt      *string `json:"read_at,omitempty" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
