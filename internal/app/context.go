package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flowline/internal/config"
	"flowline/internal/domain"
	"flowline/internal/repo"
)

// ResolveWorkspaceAndConfig picks the active workspace and ensures a workspace
// row plus config exist, seeding defaults if missing. Preference order:
// explicit override, then flowline.yml, then a single workspace already in
// the database. A missing workspace is created on the fly so first use of the
// CLI needs no separate init step.
func ResolveWorkspaceAndConfig(ctx context.Context, dir, override, actorID string, r repo.Repo) (string, *config.Config, error) {
	workspaceID := override
	if workspaceID == "" {
		if fileCfg, err := config.LoadOptional(dir); err == nil && fileCfg != nil {
			workspaceID = fileCfg.Workspace.ID
		}
	}
	if workspaceID == "" {
		if w, err := r.SingleWorkspace(ctx); err == nil {
			workspaceID = w.ID
		} else {
			return "", nil, fmt.Errorf("workspace not specified; use --workspace-id or create flowline.yml")
		}
	}
	seedCfg := config.Default(workspaceID)

	if _, err := r.GetWorkspace(ctx, workspaceID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createWorkspace(ctx, r, workspaceID, seedCfg, actorID); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetWorkspaceConfig(ctx, workspaceID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertWorkspaceConfig(ctx, workspaceID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed workspace config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Workspace.ID = workspaceID
	return workspaceID, cfg, nil
}

// createWorkspace inserts a minimal workspace footprint with the calling actor
// as admin.
func createWorkspace(ctx context.Context, r repo.Repo, workspaceID string, seedCfg *config.Config, actorID string) error {
	if seedCfg == nil {
		seedCfg = config.Default(workspaceID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	w := domain.Workspace{
		ID:        workspaceID,
		Name:      workspaceID,
		Status:    "active",
		CreatedAt: now,
	}
	if err := r.InsertWorkspace(ctx, tx, w); err != nil {
		return fmt.Errorf("insert workspace: %w", err)
	}
	if err := r.UpsertWorkspaceConfigTx(ctx, tx, workspaceID, seedCfg); err != nil {
		return fmt.Errorf("insert workspace config: %w", err)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	if err := r.UpsertMember(ctx, tx, domain.Member{
		WorkspaceID: workspaceID,
		UserID:      actorID,
		Role:        "admin",
		CreatedAt:   now,
	}); err != nil {
		return fmt.Errorf("insert member: %w", err)
	}
	return tx.Commit()
}
