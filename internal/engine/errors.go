package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrNoEligibleContributor means auto-assignment found nobody active,
	// unheld, and skill-qualified for the item.
	ErrNoEligibleContributor = errors.New("no eligible contributor")

	// ErrLeaseNotHeld rejects submissions and releases without a valid lease
	// held by the caller.
	ErrLeaseNotHeld = errors.New("lease not held")

	// ErrConflictUnresolved reports a vote that produced no strict majority.
	ErrConflictUnresolved = errors.New("conflict unresolved: no strict majority")

	// ErrReviewOpen blocks opening a second review task for an item that
	// already has one pending.
	ErrReviewOpen = errors.New("review task already open")

	// ErrItemFrozen rejects priority or deadline edits on approved items.
	ErrItemFrozen = errors.New("approved work items are frozen")
)

// ContributorUnavailableError rejects operations aimed at a contributor who
// is missing or suspended.
type ContributorUnavailableError struct {
	ContributorID string
	Status        string
}

func (e *ContributorUnavailableError) Error() string {
	return fmt.Sprintf("contributor %s unavailable: %s", e.ContributorID, e.Status)
}

// LeaseDeniedError carries who holds the lease and until when, so callers can
// back off or wait out the TTL.
type LeaseDeniedError struct {
	WorkItemID string
	HolderID   string
	ExpiresAt  string
}

func (e *LeaseDeniedError) Error() string {
	return fmt.Sprintf("lease on %s held by %s until %s", e.WorkItemID, e.HolderID, e.ExpiresAt)
}

// InvalidTransitionError rejects state machine moves the lifecycle does not
// allow, for work items, review tasks, and conflicts alike.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Entity, e.From, e.To)
}
