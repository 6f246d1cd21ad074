package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crowdline/internal/config"
	"crowdline/internal/domain"
	"crowdline/internal/events"
	"crowdline/internal/ledger"
)

// ResolveWorkflowAndConfig picks the active workflow and ensures a workflow +
// config row exist in the ledger, seeding defaults where missing. It prefers
// the override, then a single-workflow database. A missing workflow is
// created on the fly.
func ResolveWorkflowAndConfig(ctx context.Context, workflowOverride, actorID string, l ledger.Ledger) (string, *config.Config, error) {
	workflowID := workflowOverride
	if workflowID == "" {
		if w, err := l.SingleWorkflow(ctx); err == nil {
			workflowID = w.ID
		} else {
			return "", nil, fmt.Errorf("workflow not specified; use --workflow")
		}
	}
	seedCfg := config.Default(workflowID)

	if _, err := l.GetWorkflow(ctx, workflowID); err != nil {
		if !errors.Is(err, ledger.ErrNotFound) {
			return "", nil, err
		}
		if err := createWorkflow(ctx, l, workflowID, seedCfg, actorID); err != nil {
			return "", nil, err
		}
	}
	cfg, err := l.GetWorkflowConfig(ctx, workflowID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			if err := l.UpsertWorkflowConfig(ctx, workflowID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed workflow config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Workflow.ID = workflowID
	return workflowID, cfg, nil
}

// createWorkflow inserts a minimal workflow + config footprint using the seed config.
func createWorkflow(ctx context.Context, l ledger.Ledger, workflowID string, seedCfg *config.Config, actorID string) error {
	if seedCfg == nil {
		seedCfg = config.Default(workflowID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	w := domain.Workflow{
		ID:        workflowID,
		Name:      workflowID,
		Status:    "active",
		CreatedAt: now,
	}
	if err := l.InsertWorkflowTx(ctx, tx, w); err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	if err := l.UpsertWorkflowConfigTx(ctx, tx, workflowID, seedCfg); err != nil {
		return fmt.Errorf("insert workflow config: %w", err)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	ev := events.Writer{DB: l.DB}
	if err := ev.Append(ctx, tx, events.WorkflowCreated, workflowID, "workflow", workflowID, actorID, events.EventPayload{"name": w.Name}); err != nil {
		return err
	}
	return tx.Commit()
}
