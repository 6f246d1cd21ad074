package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"crowdline/internal/domain"
	"crowdline/internal/events"
	"crowdline/internal/ledger"
)

// LeaseOptions are parameters for acquiring a lease. TTLSeconds falls back to
// the workflow config when zero.
type LeaseOptions struct {
	WorkItemID    string
	ContributorID string
	TTLSeconds    int
	ActorID       string
}

// AcquireLease grants the caller exclusive editing rights on the item until
// the TTL runs out. At most one valid lease exists per item: a live lease
// held by someone else denies the call, an expired one is silently replaced,
// and re-acquiring one's own lease renews it.
func (e Engine) AcquireLease(ctx context.Context, opts LeaseOptions) (domain.Lease, error) {
	item, err := e.Ledger.GetItem(ctx, opts.WorkItemID)
	if err != nil {
		return domain.Lease{}, err
	}
	c, err := e.Ledger.GetContributor(ctx, opts.ContributorID)
	if errors.Is(err, ledger.ErrNotFound) {
		return domain.Lease{}, &ContributorUnavailableError{ContributorID: opts.ContributorID, Status: "missing"}
	}
	if err != nil {
		return domain.Lease{}, err
	}
	if c.Status != "active" {
		return domain.Lease{}, &ContributorUnavailableError{ContributorID: c.ID, Status: c.Status}
	}
	if item.State != "assigned" && item.State != "locked" {
		return domain.Lease{}, &InvalidTransitionError{Entity: "work item", From: item.State, To: "locked"}
	}
	ttl := opts.TTLSeconds
	if ttl <= 0 {
		ttl = e.workflowConfig(ctx, item.WorkflowID).LeaseTTLSeconds()
	}

	acquired := e.now().UTC()
	lease := domain.Lease{
		WorkItemID: item.ID,
		HolderID:   c.ID,
		AcquiredAt: acquired.Format(time.RFC3339),
		ExpiresAt:  acquired.Add(time.Duration(ttl) * time.Second).Format(time.RFC3339),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Lease{}, err
	}
	defer tx.Rollback()

	ok, err := e.Ledger.TryAcquireLease(ctx, tx, lease)
	if err != nil {
		return domain.Lease{}, err
	}
	if !ok {
		standing, err := e.Ledger.GetLeaseTx(ctx, tx, item.ID)
		if err != nil {
			return domain.Lease{}, err
		}
		return domain.Lease{}, &LeaseDeniedError{WorkItemID: item.ID, HolderID: standing.HolderID, ExpiresAt: standing.ExpiresAt}
	}
	if item.State == "assigned" {
		if err := e.moveItem(ctx, tx, item.ID, "assigned", "locked", lease.AcquiredAt); err != nil {
			return domain.Lease{}, err
		}
	}
	err = e.Events.Append(ctx, tx, events.LeaseAcquired, item.WorkflowID, "item", item.ID, opts.ActorID, events.EventPayload{
		"holder_id":  c.ID,
		"expires_at": lease.ExpiresAt,
	})
	if err != nil {
		return domain.Lease{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Lease{}, err
	}
	return lease, nil
}

// ReleaseLease gives up the caller's lease. Releasing an absent or expired
// lease is a no-op; releasing someone else's live lease is refused.
func (e Engine) ReleaseLease(ctx context.Context, itemID, contributorID, actorID string) error {
	item, err := e.Ledger.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	deleted, err := e.Ledger.DeleteLeaseIfHolder(ctx, tx, item.ID, contributorID)
	if err != nil {
		return err
	}
	if !deleted {
		standing, err := e.Ledger.GetLeaseTx(ctx, tx, item.ID)
		if errors.Is(err, ledger.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if standing.ExpiresAt > now {
			return ErrLeaseNotHeld
		}
		return nil
	}
	if item.State == "locked" {
		if err := e.moveItem(ctx, tx, item.ID, "locked", "assigned", now); err != nil {
			return err
		}
	}
	if err := e.Events.Append(ctx, tx, events.LeaseReleased, item.WorkflowID, "item", item.ID, actorID, events.EventPayload{"holder_id": contributorID}); err != nil {
		return err
	}
	return tx.Commit()
}

// SubmitOptions are parameters for submitting an annotation version.
type SubmitOptions struct {
	WorkItemID    string
	ContributorID string
	PayloadJSON   string
	ActorID       string
}

// SubmitResult is what a submission produced: the new immutable version and,
// unless the workflow runs zero review levels, the opened level-1 task.
type SubmitResult struct {
	Version    domain.AnnotationVersion
	ReviewTask *domain.ReviewTask
}

// SubmitVersion appends the next annotation version for the item, releases
// the caller's lease, and opens the level-1 review task, all in one
// transaction. Requires a valid lease held by the submitting contributor.
func (e Engine) SubmitVersion(ctx context.Context, opts SubmitOptions) (SubmitResult, error) {
	if strings.TrimSpace(opts.PayloadJSON) == "" {
		return SubmitResult{}, errors.New("payload is required")
	}
	if err := validateJSON(opts.PayloadJSON); err != nil {
		return SubmitResult{}, errors.New("payload must be valid JSON")
	}
	item, err := e.Ledger.GetItem(ctx, opts.WorkItemID)
	if err != nil {
		return SubmitResult{}, err
	}
	c, err := e.Ledger.GetContributor(ctx, opts.ContributorID)
	if errors.Is(err, ledger.ErrNotFound) {
		return SubmitResult{}, &ContributorUnavailableError{ContributorID: opts.ContributorID, Status: "missing"}
	}
	if err != nil {
		return SubmitResult{}, err
	}
	if c.Status != "active" {
		return SubmitResult{}, &ContributorUnavailableError{ContributorID: c.ID, Status: c.Status}
	}
	maxLevel := e.workflowConfig(ctx, item.WorkflowID).ReviewLevels()
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SubmitResult{}, err
	}
	defer tx.Rollback()

	lease, err := e.Ledger.GetLeaseTx(ctx, tx, item.ID)
	if errors.Is(err, ledger.ErrNotFound) {
		return SubmitResult{}, ErrLeaseNotHeld
	}
	if err != nil {
		return SubmitResult{}, err
	}
	if lease.HolderID != c.ID || lease.ExpiresAt <= now {
		return SubmitResult{}, ErrLeaseNotHeld
	}

	version, err := e.Ledger.InsertVersion(ctx, tx, domain.AnnotationVersion{
		WorkItemID:    item.ID,
		ContributorID: c.ID,
		PayloadJSON:   opts.PayloadJSON,
		CreatedAt:     now,
	})
	if err != nil {
		return SubmitResult{}, err
	}
	if err := e.Ledger.DeleteLease(ctx, tx, item.ID); err != nil {
		return SubmitResult{}, err
	}

	result := SubmitResult{Version: domain.AnnotationVersion{
		WorkItemID:    item.ID,
		Version:       version,
		ContributorID: c.ID,
		PayloadJSON:   opts.PayloadJSON,
		CreatedAt:     now,
	}}

	if maxLevel <= 0 {
		// Zero review levels: submissions approve on the spot.
		if err := e.moveItem(ctx, tx, item.ID, item.State, "approved", now); err != nil {
			return SubmitResult{}, err
		}
		if err := e.Ledger.ReleaseAssignment(ctx, tx, item.ID, now); err != nil {
			return SubmitResult{}, err
		}
		err = e.Events.Append(ctx, tx, events.AnnotationSubmitted, item.WorkflowID, "item", item.ID, opts.ActorID, events.EventPayload{
			"version":        version,
			"contributor_id": c.ID,
			"auto_approved":  true,
		})
		if err != nil {
			return SubmitResult{}, err
		}
	} else {
		if err := e.moveItem(ctx, tx, item.ID, item.State, "submitted", now); err != nil {
			return SubmitResult{}, err
		}
		rt := domain.ReviewTask{
			ID:         uuid.New().String(),
			WorkItemID: item.ID,
			Version:    version,
			Kind:       "standard",
			Level:      1,
			MaxLevel:   maxLevel,
			Status:     "pending",
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := e.Ledger.InsertReviewTask(ctx, tx, rt); err != nil {
			return SubmitResult{}, err
		}
		err = e.Events.Append(ctx, tx, events.AnnotationSubmitted, item.WorkflowID, "item", item.ID, opts.ActorID, events.EventPayload{
			"version":        version,
			"contributor_id": c.ID,
		})
		if err != nil {
			return SubmitResult{}, err
		}
		err = e.Events.Append(ctx, tx, events.ReviewOpened, item.WorkflowID, "review", rt.ID, opts.ActorID, events.EventPayload{
			"work_item_id": item.ID,
			"version":      version,
			"level":        1,
			"max_level":    maxLevel,
		})
		if err != nil {
			return SubmitResult{}, err
		}
		result.ReviewTask = &rt
	}
	if err := tx.Commit(); err != nil {
		return SubmitResult{}, err
	}
	return result, nil
}

// Versions returns the item's full annotation history, oldest first.
func (e Engine) Versions(ctx context.Context, itemID string) ([]domain.AnnotationVersion, error) {
	if _, err := e.Ledger.GetItem(ctx, itemID); err != nil {
		return nil, err
	}
	return e.Ledger.ListVersions(ctx, itemID)
}
