package server

import (
	"flowline/internal/config"
	"flowline/internal/domain"
)

// Request payloads

type CreateWorkspaceRequest struct {
	ID          string  `json:"id"`
	Name        string  `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

type UpdateWorkspaceRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty" enum:"active,archived"`
}

type AddMemberRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty" enum:"admin,member,viewer"`
}

type CreateLabelRequest struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

type CreateTaskRequest struct {
	ID          *string  `json:"id,omitempty"`
	Title       string   `json:"title"`
	Description *string  `json:"description,omitempty"`
	Status      *string  `json:"status,omitempty"`
	Assignees   []string `json:"assignees,omitempty"`
	LabelIDs    []string `json:"label_ids,omitempty"`
}

type UpdateTaskRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty"`
}

type CreateRuleRequest struct {
	ID            *string        `json:"id,omitempty"`
	Name          string         `json:"name"`
	TriggerType   string         `json:"trigger_type" enum:"status_change,task_created,due_date,assignment"`
	TriggerConfig map[string]any `json:"trigger_config,omitempty"`
	ActionType    string         `json:"action_type" enum:"change_status,assign_user,add_label,notify"`
	ActionConfig  map[string]any `json:"action_config,omitempty"`
	Enabled       *bool          `json:"enabled,omitempty"`
}

type UpdateRuleRequest struct {
	Name          *string        `json:"name,omitempty"`
	TriggerType   *string        `json:"trigger_type,omitempty" enum:"status_change,task_created,due_date,assignment"`
	TriggerConfig map[string]any `json:"trigger_config,omitempty"`
	ActionType    *string        `json:"action_type,omitempty" enum:"change_status,assign_user,add_label,notify"`
	ActionConfig  map[string]any `json:"action_config,omitempty"`
	Enabled       *bool          `json:"enabled,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Response payloads

type WorkspaceResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type MemberResponse struct {
	WorkspaceID string `json:"workspace_id"`
	UserID      string `json:"user_id"`
	Role        string `json:"role" enum:"admin,member,viewer"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type LabelResponse struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	Name        string `json:"name"`
	Color       string `json:"color,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type TaskResponse struct {
	ID          string   `json:"id"`
	WorkspaceID string   `json:"workspace_id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status"`
	CreatedBy   string   `json:"created_by"`
	Assignees   []string `json:"assignees"`
	LabelIDs    []string `json:"label_ids"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
}

type RuleResponse struct {
	ID            string         `json:"id"`
	WorkspaceID   string         `json:"workspace_id"`
	Name          string         `json:"name"`
	TriggerType   string         `json:"trigger_type"`
	TriggerConfig map[string]any `json:"trigger_config,omitempty"`
	ActionType    string         `json:"action_type"`
	ActionConfig  map[string]any `json:"action_config,omitempty"`
	Enabled       bool           `json:"enabled"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
	UpdatedAt     string         `json:"updated_at" format:"date-time"`
}

type ActivityResponse struct {
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

type NotificationResponse struct {
	ID          string  `json:"id"`
	WorkspaceID string  `json:"workspace_id"`
	UserID      string  `json:"user_id"`
	TaskID      string  `json:"task_id,omitempty"`
	RuleID      string  `json:"rule_id,omitempty"`
	Message     string  `json:"message"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	ReadAt      *string `json:"read_at,omitempty" format:"date-time"`
}

type WorkspaceConfigResponse struct {
	WorkspaceID   string            `json:"workspace_id"`
	Statuses      map[string]string `json:"statuses"`
	DefaultStatus string            `json:"default_status"`
	MaxRules      int               `json:"max_rules_per_workspace"`
}

type WhoAmIResponse struct {
	UserID string   `json:"user_id"`
	Source string   `json:"source"`
	Roles  []string `json:"roles"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Mappers

func workspaceResponse(w domain.Workspace) WorkspaceResponse {
	return WorkspaceResponse{
		ID:          w.ID,
		Name:        w.Name,
		Status:      w.Status,
		Description: w.Description,
		CreatedAt:   w.CreatedAt,
	}
}

func mapWorkspaces(in []domain.Workspace) []WorkspaceResponse {
	out := make([]WorkspaceResponse, 0, len(in))
	for _, w := range in {
		out = append(out, workspaceResponse(w))
	}
	return out
}

func memberResponse(m domain.Member) MemberResponse {
	return MemberResponse{WorkspaceID: m.WorkspaceID, UserID: m.UserID, Role: m.Role, CreatedAt: m.CreatedAt}
}

func mapMembers(in []domain.Member) []MemberResponse {
	out := make([]MemberResponse, 0, len(in))
	for _, m := range in {
		out = append(out, memberResponse(m))
	}
	return out
}

func labelResponse(l domain.Label) LabelResponse {
	return LabelResponse{ID: l.ID, WorkspaceID: l.WorkspaceID, Name: l.Name, Color: l.Color, CreatedAt: l.CreatedAt}
}

func mapLabels(in []domain.Label) []LabelResponse {
	out := make([]LabelResponse, 0, len(in))
	for _, l := range in {
		out = append(out, labelResponse(l))
	}
	return out
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:          t.ID,
		WorkspaceID: t.WorkspaceID,
		Title:       t.Title,
		Description: t.Description,
		Status:      t.Status,
		CreatedBy:   t.CreatedBy,
		Assignees:   nonNilSlice(t.Assignees),
		LabelIDs:    nonNilSlice(t.LabelIDs),
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func mapTasks(in []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(in))
	for _, t := range in {
		out = append(out, taskResponse(t))
	}
	return out
}

func ruleResponse(r domain.AutomationRule) RuleResponse {
	return RuleResponse{
		ID:            r.ID,
		WorkspaceID:   r.WorkspaceID,
		Name:          r.Name,
		TriggerType:   r.TriggerType,
		TriggerConfig: decodeJSONMap(r.TriggerConfigJSON),
		ActionType:    r.ActionType,
		ActionConfig:  decodeJSONMap(r.ActionConfigJSON),
		Enabled:       r.Enabled,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func mapRules(in []domain.AutomationRule) []RuleResponse {
	out := make([]RuleResponse, 0, len(in))
	for _, r := range in {
		out = append(out, ruleResponse(r))
	}
	return out
}

func activityResponse(a domain.Activity) ActivityResponse {
	return ActivityResponse{
		ID:          a.ID,
		TS:          a.TS,
		WorkspaceID: a.WorkspaceID,
		TaskID:      a.TaskID,
		ActorID:     a.ActorID,
		ActorKind:   a.ActorKind,
		Action:      a.Action,
		Field:       a.Field,
		OldValue:    a.OldValue,
		NewValue:    a.NewValue,
		RuleID:      a.RuleID,
	}
}

func mapActivities(in []domain.Activity) []ActivityResponse {
	out := make([]ActivityResponse, 0, len(in))
	for _, a := range in {
		out = append(out, activityResponse(a))
	}
	return out
}

func notificationResponse(n domain.Notification) NotificationResponse {
	return NotificationResponse{
		ID:          n.ID,
		WorkspaceID: n.WorkspaceID,
		UserID:      n.UserID,
		TaskID:      n.TaskID,
		RuleID:      n.RuleID,
		Message:     n.Message,
		CreatedAt:   n.CreatedAt,
		ReadAt:      n.ReadAt,
	}
}

func mapNotifications(in []domain.Notification) []NotificationResponse {
	out := make([]NotificationResponse, 0, len(in))
	for _, n := range in {
		out = append(out, notificationResponse(n))
	}
	return out
}

func configResponse(workspaceID string, cfg *config.Config) WorkspaceConfigResponse {
	res := WorkspaceConfigResponse{
		WorkspaceID:   workspaceID,
		Statuses:      map[string]string{},
		DefaultStatus: cfg.Statuses.Default,
		MaxRules:      cfg.Automations.MaxRulesPerWorkspace,
	}
	for id, s := range cfg.Statuses.Catalog {
		res.Statuses[id] = s.Label
	}
	return res
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func strPtr(in string) *string {
	return &in
}
