package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"crowdline/internal/domain"
	"crowdline/internal/events"
	"crowdline/internal/ledger"
)

// ReviewOpenOptions are parameters for opening a review task by hand.
// Version zero targets the item's latest annotation.
type ReviewOpenOptions struct {
	WorkItemID string
	Version    int
	ActorID    string
}

// SubmitForReview opens a review task explicitly. The normal path opens
// tasks automatically on submission; this call covers two cases: reopening a
// standard review for a submitted item whose task went missing, and putting
// an already approved version in front of a reviewer again, which opens an
// audit task since approval is terminal.
func (e Engine) SubmitForReview(ctx context.Context, opts ReviewOpenOptions) (domain.ReviewTask, error) {
	item, err := e.Ledger.GetItem(ctx, opts.WorkItemID)
	if err != nil {
		return domain.ReviewTask{}, err
	}
	kind := "standard"
	switch item.State {
	case "submitted", "in_review":
	case "approved":
		kind = "audit"
	default:
		return domain.ReviewTask{}, &InvalidTransitionError{Entity: "work item", From: item.State, To: "in_review"}
	}
	version := opts.Version
	if version <= 0 {
		version, err = e.Ledger.LatestVersion(ctx, item.ID)
		if err != nil {
			return domain.ReviewTask{}, err
		}
		if version == 0 {
			return domain.ReviewTask{}, errors.New("work item has no annotation versions")
		}
	} else {
		if _, err := e.Ledger.GetVersion(ctx, item.ID, version); err != nil {
			return domain.ReviewTask{}, err
		}
	}
	maxLevel := 1
	if kind == "standard" {
		maxLevel = e.workflowConfig(ctx, item.WorkflowID).ReviewLevels()
		if maxLevel <= 0 {
			// An explicit request overrides a zero-review workflow.
			maxLevel = 1
		}
	}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReviewTask{}, err
	}
	defer tx.Rollback()

	if kind == "standard" {
		if _, err := e.Ledger.PendingReviewTask(ctx, tx, item.ID); err == nil {
			return domain.ReviewTask{}, ErrReviewOpen
		} else if !errors.Is(err, ledger.ErrNotFound) {
			return domain.ReviewTask{}, err
		}
	}

	rt := domain.ReviewTask{
		ID:         uuid.New().String(),
		WorkItemID: item.ID,
		Version:    version,
		Kind:       kind,
		Level:      1,
		MaxLevel:   maxLevel,
		Status:     "pending",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.Ledger.InsertReviewTask(ctx, tx, rt); err != nil {
		return domain.ReviewTask{}, err
	}
	err = e.Events.Append(ctx, tx, events.ReviewOpened, item.WorkflowID, "review", rt.ID, opts.ActorID, events.EventPayload{
		"work_item_id": item.ID,
		"version":      version,
		"kind":         kind,
		"level":        1,
		"max_level":    maxLevel,
	})
	if err != nil {
		return domain.ReviewTask{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ReviewTask{}, err
	}
	return rt, nil
}

// ReviewDecisionOptions are parameters for approving or rejecting a review
// task. Reason is required on reject, optional on approve.
type ReviewDecisionOptions struct {
	ReviewTaskID string
	ReviewerID   string
	Reason       string
}

// Approve records an approval at the task's current level. Below the final
// level the task advances; at the final level it closes, and a standard task
// also approves the item and releases its assignment. Audit tasks never
// touch item state.
func (e Engine) Approve(ctx context.Context, opts ReviewDecisionOptions) (domain.ReviewTask, error) {
	rt, reviewer, item, err := e.reviewPreamble(ctx, opts.ReviewTaskID, opts.ReviewerID, "approved")
	if err != nil {
		return domain.ReviewTask{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReviewTask{}, err
	}
	defer tx.Rollback()

	final := rt.Level >= rt.MaxLevel
	toLevel := rt.Level
	status := "approved"
	if !final {
		toLevel = rt.Level + 1
		status = "pending"
	}
	ok, err := e.Ledger.AdvanceReviewTask(ctx, tx, rt.ID, rt.Level, toLevel, status, now)
	if err != nil {
		return domain.ReviewTask{}, err
	}
	if !ok {
		return domain.ReviewTask{}, e.staleReview(ctx, tx, rt.ID, "approved")
	}
	err = e.Ledger.InsertReviewAction(ctx, tx, domain.ReviewAction{
		ReviewTaskID: rt.ID,
		ReviewerID:   reviewer.ID,
		Action:       "approve",
		Level:        rt.Level,
		Reason:       opts.Reason,
		TS:           now,
	})
	if err != nil {
		return domain.ReviewTask{}, err
	}

	if !final {
		if rt.Kind == "standard" && item.State == "submitted" {
			if err := e.moveItem(ctx, tx, item.ID, "submitted", "in_review", now); err != nil {
				return domain.ReviewTask{}, err
			}
		}
		err = e.Events.Append(ctx, tx, events.ReviewAdvanced, item.WorkflowID, "review", rt.ID, opts.ReviewerID, events.EventPayload{
			"work_item_id": item.ID,
			"from_level":   rt.Level,
			"to_level":     toLevel,
		})
		if err != nil {
			return domain.ReviewTask{}, err
		}
	} else {
		if rt.Kind == "standard" {
			if err := e.moveItem(ctx, tx, item.ID, item.State, "approved", now); err != nil {
				return domain.ReviewTask{}, err
			}
			if err := e.Ledger.ReleaseAssignment(ctx, tx, item.ID, now); err != nil {
				return domain.ReviewTask{}, err
			}
		}
		err = e.Events.Append(ctx, tx, events.ReviewApproved, item.WorkflowID, "review", rt.ID, opts.ReviewerID, events.EventPayload{
			"work_item_id": item.ID,
			"level":        rt.Level,
			"kind":         rt.Kind,
		})
		if err != nil {
			return domain.ReviewTask{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.ReviewTask{}, err
	}
	rt.Level = toLevel
	rt.Status = status
	rt.UpdatedAt = now
	return rt, nil
}

// Reject closes the task and sends a standard item back to its annotator for
// rework. When the annotator is suspended or gone the item parks in the
// rejected state until someone assigns it by hand. Audit rejections record
// history only.
func (e Engine) Reject(ctx context.Context, opts ReviewDecisionOptions) (domain.ReviewTask, error) {
	if strings.TrimSpace(opts.Reason) == "" {
		return domain.ReviewTask{}, errors.New("reason is required")
	}
	rt, reviewer, item, err := e.reviewPreamble(ctx, opts.ReviewTaskID, opts.ReviewerID, "rejected")
	if err != nil {
		return domain.ReviewTask{}, err
	}
	version, err := e.Ledger.GetVersion(ctx, rt.WorkItemID, rt.Version)
	if err != nil {
		return domain.ReviewTask{}, err
	}
	annotator, annotatorErr := e.Ledger.GetContributor(ctx, version.ContributorID)
	if annotatorErr != nil && !errors.Is(annotatorErr, ledger.ErrNotFound) {
		return domain.ReviewTask{}, annotatorErr
	}
	rework := annotatorErr == nil && annotator.Status == "active"
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReviewTask{}, err
	}
	defer tx.Rollback()

	ok, err := e.Ledger.AdvanceReviewTask(ctx, tx, rt.ID, rt.Level, rt.Level, "rejected", now)
	if err != nil {
		return domain.ReviewTask{}, err
	}
	if !ok {
		return domain.ReviewTask{}, e.staleReview(ctx, tx, rt.ID, "rejected")
	}
	err = e.Ledger.InsertReviewAction(ctx, tx, domain.ReviewAction{
		ReviewTaskID: rt.ID,
		ReviewerID:   reviewer.ID,
		Action:       "reject",
		Level:        rt.Level,
		Reason:       opts.Reason,
		TS:           now,
	})
	if err != nil {
		return domain.ReviewTask{}, err
	}

	if rt.Kind == "standard" {
		if rework {
			current, err := e.Ledger.ActiveAssignmentTx(ctx, tx, item.ID)
			if errors.Is(err, ledger.ErrNotFound) || (err == nil && current.ContributorID != annotator.ID) {
				err = e.Ledger.InsertAssignment(ctx, tx, domain.Assignment{
					WorkItemID:    item.ID,
					ContributorID: annotator.ID,
					Mode:          "auto",
					AssignedAt:    now,
				})
			}
			if err != nil {
				return domain.ReviewTask{}, err
			}
			if err := e.moveItem(ctx, tx, item.ID, item.State, "assigned", now); err != nil {
				return domain.ReviewTask{}, err
			}
		} else {
			if err := e.moveItem(ctx, tx, item.ID, item.State, "rejected", now); err != nil {
				return domain.ReviewTask{}, err
			}
			if err := e.Ledger.ReleaseAssignment(ctx, tx, item.ID, now); err != nil {
				return domain.ReviewTask{}, err
			}
		}
	}
	err = e.Events.Append(ctx, tx, events.ReviewRejected, item.WorkflowID, "review", rt.ID, opts.ReviewerID, events.EventPayload{
		"work_item_id":   item.ID,
		"level":          rt.Level,
		"kind":           rt.Kind,
		"reason":         opts.Reason,
		"contributor_id": version.ContributorID,
		"rework":         rework && rt.Kind == "standard",
	})
	if err != nil {
		return domain.ReviewTask{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ReviewTask{}, err
	}
	rt.Status = "rejected"
	rt.UpdatedAt = now
	return rt, nil
}

// reviewPreamble loads and checks the moving parts common to review
// decisions: a pending task, an active reviewer, and the underlying item.
func (e Engine) reviewPreamble(ctx context.Context, taskID, reviewerID, decision string) (domain.ReviewTask, domain.Contributor, domain.WorkItem, error) {
	rt, err := e.Ledger.GetReviewTask(ctx, taskID)
	if err != nil {
		return domain.ReviewTask{}, domain.Contributor{}, domain.WorkItem{}, err
	}
	if rt.Status != "pending" {
		return domain.ReviewTask{}, domain.Contributor{}, domain.WorkItem{}, &InvalidTransitionError{Entity: "review task", From: rt.Status, To: decision}
	}
	reviewer, err := e.Ledger.GetContributor(ctx, reviewerID)
	if errors.Is(err, ledger.ErrNotFound) {
		return domain.ReviewTask{}, domain.Contributor{}, domain.WorkItem{}, &ContributorUnavailableError{ContributorID: reviewerID, Status: "missing"}
	}
	if err != nil {
		return domain.ReviewTask{}, domain.Contributor{}, domain.WorkItem{}, err
	}
	if reviewer.Status != "active" {
		return domain.ReviewTask{}, domain.Contributor{}, domain.WorkItem{}, &ContributorUnavailableError{ContributorID: reviewer.ID, Status: reviewer.Status}
	}
	item, err := e.Ledger.GetItem(ctx, rt.WorkItemID)
	if err != nil {
		return domain.ReviewTask{}, domain.Contributor{}, domain.WorkItem{}, err
	}
	return rt, reviewer, item, nil
}

// staleReview reports the task's actual status after a lost advance race.
func (e Engine) staleReview(ctx context.Context, tx *sql.Tx, taskID, decision string) error {
	cur, err := e.Ledger.GetReviewTaskTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	return &InvalidTransitionError{Entity: "review task", From: cur.Status, To: decision}
}

// BatchDecision is the per-task outcome of a batch review call.
type BatchDecision struct {
	ReviewTaskID string
	Task         domain.ReviewTask
	Err          error
}

// BatchApprove approves tasks independently: one failure does not stop the
// rest, and each entry carries its own outcome.
func (e Engine) BatchApprove(ctx context.Context, taskIDs []string, reviewerID string) []BatchDecision {
	out := make([]BatchDecision, 0, len(taskIDs))
	for _, id := range taskIDs {
		rt, err := e.Approve(ctx, ReviewDecisionOptions{ReviewTaskID: id, ReviewerID: reviewerID})
		out = append(out, BatchDecision{ReviewTaskID: id, Task: rt, Err: err})
	}
	return out
}

// ReviewHistory returns the item's reviewer trail across all tasks and
// levels, oldest first.
func (e Engine) ReviewHistory(ctx context.Context, itemID string) ([]domain.ReviewAction, error) {
	if _, err := e.Ledger.GetItem(ctx, itemID); err != nil {
		return nil, err
	}
	return e.Ledger.ListReviewActions(ctx, itemID)
}
