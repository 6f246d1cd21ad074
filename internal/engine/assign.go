package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crowdline/internal/domain"
	"crowdline/internal/events"
	"crowdline/internal/ledger"
)

// AssignOptions are parameters for assigning a work item. Mode defaults to
// manual when ContributorID is set, auto otherwise.
type AssignOptions struct {
	WorkItemID    string
	Mode          string
	ContributorID string
	ActorID       string
}

// Assign routes a work item to a contributor. Auto mode picks the least
// loaded active contributor whose skills cover the item's requirements,
// breaking ties by accuracy then id. Manual mode targets an explicit
// contributor and is also the rescue path for parked rejected items.
func (e Engine) Assign(ctx context.Context, opts AssignOptions) (domain.Assignment, error) {
	item, err := e.Ledger.GetItem(ctx, opts.WorkItemID)
	if err != nil {
		return domain.Assignment{}, err
	}
	mode := opts.Mode
	if mode == "" {
		if opts.ContributorID != "" {
			mode = "manual"
		} else {
			mode = "auto"
		}
	}
	if mode != "auto" && mode != "manual" {
		return domain.Assignment{}, fmt.Errorf("unknown assignment mode %q", mode)
	}
	if mode == "manual" && opts.ContributorID == "" {
		return domain.Assignment{}, errors.New("contributor is required for manual assignment")
	}
	if mode == "auto" && opts.ContributorID != "" {
		return domain.Assignment{}, errors.New("contributor is only valid for manual assignment")
	}

	from := item.State
	if from != "unassigned" && !(mode == "manual" && from == "rejected") {
		return domain.Assignment{}, &InvalidTransitionError{Entity: "work item", From: from, To: "assigned"}
	}

	var chosen domain.Contributor
	if mode == "manual" {
		c, err := e.Ledger.GetContributor(ctx, opts.ContributorID)
		if errors.Is(err, ledger.ErrNotFound) {
			return domain.Assignment{}, &ContributorUnavailableError{ContributorID: opts.ContributorID, Status: "missing"}
		}
		if err != nil {
			return domain.Assignment{}, err
		}
		if c.Status != "active" {
			return domain.Assignment{}, &ContributorUnavailableError{ContributorID: c.ID, Status: c.Status}
		}
		if c.WorkflowID != item.WorkflowID {
			return domain.Assignment{}, fmt.Errorf("contributor %s not in workflow %s", c.ID, item.WorkflowID)
		}
		chosen = c
	}

	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, err
	}
	defer tx.Rollback()

	if mode == "auto" {
		candidates, err := e.Ledger.EligibleCandidates(ctx, tx, item.WorkflowID)
		if err != nil {
			return domain.Assignment{}, err
		}
		found := false
		for _, cand := range candidates {
			if skillSuperset(cand.Contributor.Skills, item.RequiredSkills) {
				chosen = cand.Contributor
				found = true
				break
			}
		}
		if !found {
			return domain.Assignment{}, ErrNoEligibleContributor
		}
	}

	err = e.Ledger.InsertAssignment(ctx, tx, domain.Assignment{
		WorkItemID:    item.ID,
		ContributorID: chosen.ID,
		Mode:          mode,
		AssignedAt:    now,
	})
	if err != nil {
		return domain.Assignment{}, fmt.Errorf("insert assignment: %w", err)
	}
	if err := e.moveItem(ctx, tx, item.ID, from, "assigned", now); err != nil {
		return domain.Assignment{}, err
	}
	a, err := e.Ledger.ActiveAssignmentTx(ctx, tx, item.ID)
	if err != nil {
		return domain.Assignment{}, err
	}
	err = e.Events.Append(ctx, tx, events.ItemAssigned, item.WorkflowID, "item", item.ID, opts.ActorID, events.EventPayload{
		"contributor_id": chosen.ID,
		"mode":           mode,
	})
	if err != nil {
		return domain.Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, err
	}
	return a, nil
}

// Unassign releases an assigned item back to the pool. Locked items must
// release their lease first.
func (e Engine) Unassign(ctx context.Context, itemID, actorID string) (domain.WorkItem, error) {
	item, err := e.Ledger.GetItem(ctx, itemID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	if err := e.moveItem(ctx, tx, item.ID, item.State, "unassigned", now); err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.Ledger.ReleaseAssignment(ctx, tx, item.ID, now); err != nil {
		return domain.WorkItem{}, err
	}
	// An expired lease row may still linger on an assigned item.
	if err := e.Ledger.DeleteLease(ctx, tx, item.ID); err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ItemUnassigned, item.WorkflowID, "item", item.ID, actorID, nil); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	item.State = "unassigned"
	item.UpdatedAt = now
	return item, nil
}

func (e Engine) SetPriority(ctx context.Context, itemID string, priority int, actorID string) (domain.WorkItem, error) {
	item, err := e.Ledger.GetItem(ctx, itemID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if item.State == "approved" {
		return domain.WorkItem{}, ErrItemFrozen
	}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	if err := e.Ledger.UpdateItemMeta(ctx, tx, item.ID, &priority, nil, now); err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ItemUpdated, item.WorkflowID, "item", item.ID, actorID, events.EventPayload{"priority": priority}); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	item.Priority = priority
	item.UpdatedAt = now
	return item, nil
}

// SetDeadline updates the item's deadline; an empty string clears it.
func (e Engine) SetDeadline(ctx context.Context, itemID, deadline, actorID string) (domain.WorkItem, error) {
	item, err := e.Ledger.GetItem(ctx, itemID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if item.State == "approved" {
		return domain.WorkItem{}, ErrItemFrozen
	}
	if deadline != "" {
		if _, err := time.Parse(time.RFC3339, deadline); err != nil {
			return domain.WorkItem{}, fmt.Errorf("deadline must be RFC3339: %w", err)
		}
	}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	if err := e.Ledger.UpdateItemMeta(ctx, tx, item.ID, nil, &deadline, now); err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ItemUpdated, item.WorkflowID, "item", item.ID, actorID, events.EventPayload{"deadline": deadline}); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	if deadline == "" {
		item.Deadline = nil
	} else {
		item.Deadline = &deadline
	}
	item.UpdatedAt = now
	return item, nil
}

// PendingItems lists a contributor's open work ordered by priority, then
// nearest deadline, then id.
func (e Engine) PendingItems(ctx context.Context, contributorID string) ([]domain.WorkItem, error) {
	if _, err := e.Ledger.GetContributor(ctx, contributorID); err != nil {
		return nil, err
	}
	return e.Ledger.PendingItems(ctx, contributorID)
}
