package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"

	"crowdline/internal/domain"
	"crowdline/internal/events"
	"crowdline/internal/ledger"
)

// jsonEquivalent compares two payloads as parsed JSON, so key order and
// whitespace do not manufacture conflicts. Unparseable payloads fall back to
// raw string comparison.
func jsonEquivalent(a, b string) bool {
	var va, vb any
	if json.Unmarshal([]byte(a), &va) != nil || json.Unmarshal([]byte(b), &vb) != nil {
		return a == b
	}
	return reflect.DeepEqual(va, vb)
}

func (e Engine) equivalent(a, b string) bool {
	if e.Equivalent != nil {
		return e.Equivalent(a, b)
	}
	return jsonEquivalent(a, b)
}

// DetectConflicts scans the item's retained versions pairwise and records a
// conflict for every divergent pair not already on file. Returns the item's
// full conflict list, including ones detected earlier.
func (e Engine) DetectConflicts(ctx context.Context, itemID, actorID string) ([]domain.Conflict, error) {
	item, err := e.Ledger.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	versions, err := e.Ledger.ListVersions(ctx, item.ID)
	if err != nil {
		return nil, err
	}

	type pair struct{ a, b int }
	var divergent []pair
	for i := 0; i < len(versions); i++ {
		for j := i + 1; j < len(versions); j++ {
			if !e.equivalent(versions[i].PayloadJSON, versions[j].PayloadJSON) {
				divergent = append(divergent, pair{a: versions[i].Version, b: versions[j].Version})
			}
		}
	}

	if len(divergent) > 0 {
		now := e.now().UTC().Format(time.RFC3339)
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, err
		}
		defer tx.Rollback()

		for _, p := range divergent {
			c := domain.Conflict{
				ID:         uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s|conflict|%d|%d", item.ID, p.a, p.b))).String(),
				WorkItemID: item.ID,
				VersionA:   p.a,
				VersionB:   p.b,
				Status:     "unresolved",
				DetectedAt: now,
			}
			created, err := e.Ledger.InsertConflict(ctx, tx, c)
			if err != nil {
				return nil, err
			}
			if !created {
				continue
			}
			err = e.Events.Append(ctx, tx, events.ConflictDetected, item.WorkflowID, "conflict", c.ID, actorID, events.EventPayload{
				"work_item_id": item.ID,
				"version_a":    p.a,
				"version_b":    p.b,
			})
			if err != nil {
				return nil, err
			}
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
	}
	return e.Ledger.ListConflicts(ctx, ledger.ConflictFilters{WorkItemID: item.ID})
}

// VoteOptions are parameters for casting a ballot on a conflict. Choice must
// name one of the two conflicting versions; voting again replaces the
// voter's earlier ballot.
type VoteOptions struct {
	ConflictID string
	VoterID    string
	Choice     int
}

func (e Engine) Vote(ctx context.Context, opts VoteOptions) (domain.Vote, error) {
	conflict, err := e.Ledger.GetConflict(ctx, opts.ConflictID)
	if err != nil {
		return domain.Vote{}, err
	}
	if conflict.Status != "unresolved" {
		return domain.Vote{}, &InvalidTransitionError{Entity: "conflict", From: conflict.Status, To: "vote"}
	}
	if opts.Choice != conflict.VersionA && opts.Choice != conflict.VersionB {
		return domain.Vote{}, fmt.Errorf("choice must be version %d or %d", conflict.VersionA, conflict.VersionB)
	}
	voter, err := e.Ledger.GetContributor(ctx, opts.VoterID)
	if errors.Is(err, ledger.ErrNotFound) {
		return domain.Vote{}, &ContributorUnavailableError{ContributorID: opts.VoterID, Status: "missing"}
	}
	if err != nil {
		return domain.Vote{}, err
	}
	if voter.Status != "active" {
		return domain.Vote{}, &ContributorUnavailableError{ContributorID: voter.ID, Status: voter.Status}
	}
	item, err := e.Ledger.GetItem(ctx, conflict.WorkItemID)
	if err != nil {
		return domain.Vote{}, err
	}

	v := domain.Vote{
		ConflictID: conflict.ID,
		VoterID:    voter.ID,
		Choice:     opts.Choice,
		TS:         e.now().UTC().Format(time.RFC3339),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Vote{}, err
	}
	defer tx.Rollback()

	if err := e.Ledger.UpsertVote(ctx, tx, v); err != nil {
		return domain.Vote{}, err
	}
	err = e.Events.Append(ctx, tx, events.ConflictVoteCast, item.WorkflowID, "conflict", conflict.ID, opts.VoterID, events.EventPayload{
		"choice": opts.Choice,
	})
	if err != nil {
		return domain.Vote{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Vote{}, err
	}
	return v, nil
}

// ResolveByVote closes the conflict in favor of the version holding a strict
// majority of ballots. A tie, or no ballots at all, leaves the conflict
// unresolved and returns ErrConflictUnresolved.
func (e Engine) ResolveByVote(ctx context.Context, conflictID, actorID string) (domain.Conflict, error) {
	conflict, err := e.Ledger.GetConflict(ctx, conflictID)
	if err != nil {
		return domain.Conflict{}, err
	}
	if conflict.Status != "unresolved" {
		return domain.Conflict{}, &InvalidTransitionError{Entity: "conflict", From: conflict.Status, To: "resolved"}
	}
	item, err := e.Ledger.GetItem(ctx, conflict.WorkItemID)
	if err != nil {
		return domain.Conflict{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Conflict{}, err
	}
	defer tx.Rollback()

	tally, err := e.Ledger.TallyVotes(ctx, tx, conflict.ID)
	if err != nil {
		return domain.Conflict{}, err
	}
	votesA := tally[conflict.VersionA]
	votesB := tally[conflict.VersionB]
	if votesA == votesB {
		return domain.Conflict{}, ErrConflictUnresolved
	}
	winner := conflict.VersionA
	if votesB > votesA {
		winner = conflict.VersionB
	}

	ok, err := e.Ledger.ResolveConflict(ctx, tx, conflict.ID, "vote", winner, actorID, now)
	if err != nil {
		return domain.Conflict{}, err
	}
	if !ok {
		return domain.Conflict{}, &InvalidTransitionError{Entity: "conflict", From: "resolved", To: "resolved"}
	}
	err = e.Events.Append(ctx, tx, events.ConflictResolved, item.WorkflowID, "conflict", conflict.ID, actorID, events.EventPayload{
		"method":  "vote",
		"outcome": winner,
		"votes_a": votesA,
		"votes_b": votesB,
	})
	if err != nil {
		return domain.Conflict{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Conflict{}, err
	}
	method := "vote"
	conflict.Status = "resolved"
	conflict.Method = &method
	conflict.Outcome = &winner
	conflict.ResolvedBy = &actorID
	conflict.ResolvedAt = &now
	return conflict, nil
}

// ArbiterOptions are parameters for an arbiter override. The arbiter is a
// free-form actor, not necessarily a registered contributor.
type ArbiterOptions struct {
	ConflictID string
	ArbiterID  string
	Choice     int
}

// ResolveByArbiter closes the conflict by fiat, regardless of ballots.
func (e Engine) ResolveByArbiter(ctx context.Context, opts ArbiterOptions) (domain.Conflict, error) {
	if opts.ArbiterID == "" {
		return domain.Conflict{}, fmt.Errorf("arbiter is required")
	}
	conflict, err := e.Ledger.GetConflict(ctx, opts.ConflictID)
	if err != nil {
		return domain.Conflict{}, err
	}
	if conflict.Status != "unresolved" {
		return domain.Conflict{}, &InvalidTransitionError{Entity: "conflict", From: conflict.Status, To: "resolved"}
	}
	if opts.Choice != conflict.VersionA && opts.Choice != conflict.VersionB {
		return domain.Conflict{}, fmt.Errorf("choice must be version %d or %d", conflict.VersionA, conflict.VersionB)
	}
	item, err := e.Ledger.GetItem(ctx, conflict.WorkItemID)
	if err != nil {
		return domain.Conflict{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Conflict{}, err
	}
	defer tx.Rollback()

	ok, err := e.Ledger.ResolveConflict(ctx, tx, conflict.ID, "arbiter", opts.Choice, opts.ArbiterID, now)
	if err != nil {
		return domain.Conflict{}, err
	}
	if !ok {
		return domain.Conflict{}, &InvalidTransitionError{Entity: "conflict", From: "resolved", To: "resolved"}
	}
	err = e.Events.Append(ctx, tx, events.ConflictResolved, item.WorkflowID, "conflict", conflict.ID, opts.ArbiterID, events.EventPayload{
		"method":  "arbiter",
		"outcome": opts.Choice,
	})
	if err != nil {
		return domain.Conflict{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Conflict{}, err
	}
	method := "arbiter"
	conflict.Status = "resolved"
	conflict.Method = &method
	conflict.Outcome = &opts.Choice
	conflict.ResolvedBy = &opts.ArbiterID
	conflict.ResolvedAt = &now
	return conflict, nil
}

// ConflictReport aggregates a workflow's conflicts for operators.
type ConflictReport struct {
	WorkflowID string            `json:"workflow_id"`
	Total      int               `json:"total"`
	Unresolved int               `json:"unresolved"`
	Resolved   int               `json:"resolved"`
	ByMethod   map[string]int    `json:"by_method,omitempty"`
	Conflicts  []domain.Conflict `json:"conflicts,omitempty"`
}

func (e Engine) ConflictReport(ctx context.Context, workflowID string) (ConflictReport, error) {
	if _, err := e.Ledger.GetWorkflow(ctx, workflowID); err != nil {
		return ConflictReport{}, err
	}
	conflicts, err := e.Ledger.ListConflicts(ctx, ledger.ConflictFilters{WorkflowID: workflowID})
	if err != nil {
		return ConflictReport{}, err
	}
	report := ConflictReport{WorkflowID: workflowID, Total: len(conflicts), ByMethod: map[string]int{}, Conflicts: conflicts}
	for _, c := range conflicts {
		if c.Status == "resolved" {
			report.Resolved++
			if c.Method != nil {
				report.ByMethod[*c.Method]++
			}
		} else {
			report.Unresolved++
		}
	}
	return report, nil
}
