package activity

import (
	"context"
	"database/sql"
	"time"
)

// Writer appends rows to the append-only task_activities table. Writes always
// happen inside the caller's transaction so an activity row commits with the
// mutation it describes.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Entry describes one activity row to append.
type Entry struct {
	WorkspaceID string
	TaskID      string
	ActorID     string
	ActorKind   string
	Action      string
	Field       string
	OldValue    string
	NewValue    string
	RuleID      string
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if e.ActorKind == "" {
		e.ActorKind = "user"
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO task_activities(ts,workspace_id,task_id,actor_id,actor_kind,action,field,old_value,new_value,rule_id) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		ts, e.WorkspaceID, nullable(e.TaskID), e.ActorID, e.ActorKind, e.Action, nullable(e.Field), nullable(e.OldValue), nullable(e.NewValue), nullable(e.RuleID))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
