package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"flowline/internal/domain"
)

func (r Repo) InsertRule(ctx context.Context, tx *sql.Tx, rule domain.AutomationRule) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO automation_rules(id,workspace_id,name,trigger_type,trigger_config_json,action_type,action_config_json,enabled,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rule.ID, rule.WorkspaceID, rule.Name, rule.TriggerType, nullable(rule.TriggerConfigJSON),
		rule.ActionType, nullable(rule.ActionConfigJSON), boolToInt(rule.Enabled), rule.CreatedAt, rule.UpdatedAt)
	return err
}

func (r Repo) UpdateRule(ctx context.Context, tx *sql.Tx, rule domain.AutomationRule) error {
	res, err := tx.ExecContext(ctx, `UPDATE automation_rules SET name=?, trigger_type=?, trigger_config_json=?, action_type=?, action_config_json=?, enabled=?, updated_at=? WHERE id=?`,
		rule.Name, rule.TriggerType, nullable(rule.TriggerConfigJSON), rule.ActionType, nullable(rule.ActionConfigJSON),
		boolToInt(rule.Enabled), rule.UpdatedAt, rule.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetRuleEnabled(ctx context.Context, tx *sql.Tx, id string, enabled bool, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE automation_rules SET enabled=?, updated_at=? WHERE id=?`, boolToInt(enabled), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteRule(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM automation_rules WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteRuleTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM automation_rules WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const ruleColumns = `id,workspace_id,name,trigger_type,trigger_config_json,action_type,action_config_json,enabled,created_at,updated_at`

func scanRule(scan func(dest ...any) error) (domain.AutomationRule, error) {
	var rule domain.AutomationRule
	var triggerCfg, actionCfg sql.NullString
	var enabled int
	err := scan(&rule.ID, &rule.WorkspaceID, &rule.Name, &rule.TriggerType, &triggerCfg,
		&rule.ActionType, &actionCfg, &enabled, &rule.CreatedAt, &rule.UpdatedAt)
	if err == sql.ErrNoRows {
		return rule, ErrNotFound
	}
	if err != nil {
		return rule, err
	}
	if triggerCfg.Valid {
		rule.TriggerConfigJSON = triggerCfg.String
	}
	if actionCfg.Valid {
		rule.ActionConfigJSON = actionCfg.String
	}
	rule.Enabled = enabled != 0
	return rule, nil
}

func (r Repo) GetRule(ctx context.Context, id string) (domain.AutomationRule, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM automation_rules WHERE id=?`, id)
	return scanRule(row.Scan)
}

// ListEnabledRules is the rule-store read the automation runner depends on:
// enabled rules for one workspace, nothing else. Order is stable (creation
// order) but the runner must not rely on it for correctness.
func (r Repo) ListEnabledRules(ctx context.Context, workspaceID string) ([]domain.AutomationRule, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+ruleColumns+` FROM automation_rules WHERE workspace_id=? AND enabled=1 ORDER BY created_at ASC, id ASC`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AutomationRule
	for rows.Next() {
		rule, err := scanRule(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rule)
	}
	return res, rows.Err()
}

type RuleFilters struct {
	WorkspaceID string
	TriggerType string
	Enabled     *bool
	Limit       int
}

func (r Repo) ListRules(ctx context.Context, f RuleFilters) ([]domain.AutomationRule, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.WorkspaceID != "" {
		clauses = append(clauses, "workspace_id=?")
		args = append(args, f.WorkspaceID)
	}
	if f.TriggerType != "" {
		clauses = append(clauses, "trigger_type=?")
		args = append(args, f.TriggerType)
	}
	if f.Enabled != nil {
		clauses = append(clauses, "enabled=?")
		args = append(args, boolToInt(*f.Enabled))
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT %s FROM automation_rules %s ORDER BY created_at ASC, id ASC`, ruleColumns, where)
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AutomationRule
	for rows.Next() {
		rule, err := scanRule(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rule)
	}
	return res, rows.Err()
}

func (r Repo) CountRules(ctx context.Context, workspaceID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM automation_rules WHERE workspace_id=?`, workspaceID).Scan(&n)
	return n, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
