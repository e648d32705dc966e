package repo

import (
	"context"
	"database/sql"
	"strings"

	"flowline/internal/domain"
)

func (r Repo) InsertNotification(ctx context.Context, tx *sql.Tx, n domain.Notification) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO notifications(id,workspace_id,user_id,task_id,rule_id,message,created_at,read_at) VALUES (?,?,?,?,?,?,?,NULL)`,
		n.ID, n.WorkspaceID, n.UserID, nullable(n.TaskID), nullable(n.RuleID), n.Message, n.CreatedAt)
	return err
}

const notificationColumns = `id,workspace_id,user_id,task_id,rule_id,message,created_at,read_at`

func scanNotification(scan func(dest ...any) error) (domain.Notification, error) {
	var n domain.Notification
	var taskID, ruleID, readAt sql.NullString
	err := scan(&n.ID, &n.WorkspaceID, &n.UserID, &taskID, &ruleID, &n.Message, &n.CreatedAt, &readAt)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	if err != nil {
		return n, err
	}
	if taskID.Valid {
		n.TaskID = taskID.String
	}
	if ruleID.Valid {
		n.RuleID = ruleID.String
	}
	if readAt.Valid {
		n.ReadAt = &readAt.String
	}
	return n, nil
}

func (r Repo) GetNotification(ctx context.Context, id string) (domain.Notification, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id=?`, id)
	return scanNotification(row.Scan)
}

type NotificationFilters struct {
	WorkspaceID string
	UserID      string
	TaskID      string
	UnreadOnly  bool
	Limit       int
}

func (r Repo) ListNotifications(ctx context.Context, f NotificationFilters) ([]domain.Notification, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.WorkspaceID != "" {
		clauses = append(clauses, "workspace_id=?")
		args = append(args, f.WorkspaceID)
	}
	if f.UserID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.UnreadOnly {
		clauses = append(clauses, "read_at IS NULL")
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT ` + notificationColumns + ` FROM notifications ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

// NotificationRow pairs a notification with its insertion-order rowid so the
// notifier can checkpoint each delivery individually.
type NotificationRow struct {
	RowID int64
	domain.Notification
}

// NotificationsAfter returns notifications inserted after the rowid cursor in
// insertion order, for the outbound webhook notifier.
func (r Repo) NotificationsAfter(ctx context.Context, limit int, cursor int64) ([]NotificationRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT rowid,`+notificationColumns+` FROM notifications WHERE rowid > ? ORDER BY rowid ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []NotificationRow
	for rows.Next() {
		var row NotificationRow
		var taskID, ruleID, readAt sql.NullString
		if err := rows.Scan(&row.RowID, &row.ID, &row.WorkspaceID, &row.UserID, &taskID, &ruleID, &row.Message, &row.CreatedAt, &readAt); err != nil {
			return nil, err
		}
		if taskID.Valid {
			row.TaskID = taskID.String
		}
		if ruleID.Valid {
			row.RuleID = ruleID.String
		}
		if readAt.Valid {
			row.ReadAt = &readAt.String
		}
		res = append(res, row)
	}
	return res, rows.Err()
}

// LatestNotificationRowID seeds the notifier cursor so only new rows are delivered.
func (r Repo) LatestNotificationRowID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(rowid),0) FROM notifications`).Scan(&id)
	return id, err
}

func (r Repo) MarkNotificationRead(ctx context.Context, id, readAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET read_at=? WHERE id=? AND read_at IS NULL`, readAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
