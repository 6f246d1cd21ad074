package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"crowdline/internal/domain"
	"crowdline/internal/events"
)

// Accuracy reports approved/(approved+rejected) over closed reviews of the
// contributor's versions. No reviewed history means accuracy 0.
func (e Engine) Accuracy(ctx context.Context, contributorID string) (domain.AccuracyReport, error) {
	if _, err := e.Ledger.GetContributor(ctx, contributorID); err != nil {
		return domain.AccuracyReport{}, err
	}
	approved, rejected, err := e.Ledger.AccuracyCounts(ctx, contributorID)
	if err != nil {
		return domain.AccuracyReport{}, err
	}
	report := domain.AccuracyReport{ContributorID: contributorID, Approved: approved, Rejected: rejected}
	if total := approved + rejected; total > 0 {
		report.Accuracy = float64(approved) / float64(total)
	}
	return report, nil
}

// ThresholdCheckOptions are parameters for a quality gate check. Threshold
// zero means the workflow's configured threshold.
type ThresholdCheckOptions struct {
	ContributorID string
	Threshold     float64
	ActorID       string
}

// ThresholdCheck is the outcome of a quality gate check. QualityHold reflects
// the contributor's hold flag after the check.
type ThresholdCheck struct {
	ContributorID string  `json:"contributor_id"`
	Accuracy      float64 `json:"accuracy"`
	Threshold     float64 `json:"threshold"`
	Passed        bool    `json:"passed"`
	QualityHold   bool    `json:"quality_hold"`
}

// CheckThreshold compares the contributor's accuracy against the threshold.
// A breach emits a quality warning and puts the contributor on hold,
// excluding them from auto-assignment; it is informational, never an error.
// Passing the check lifts a standing hold.
func (e Engine) CheckThreshold(ctx context.Context, opts ThresholdCheckOptions) (ThresholdCheck, error) {
	if opts.Threshold < 0 || opts.Threshold > 1 {
		return ThresholdCheck{}, fmt.Errorf("threshold must be between 0 and 1")
	}
	c, err := e.Ledger.GetContributor(ctx, opts.ContributorID)
	if err != nil {
		return ThresholdCheck{}, err
	}
	threshold := opts.Threshold
	if threshold == 0 {
		threshold = e.workflowConfig(ctx, c.WorkflowID).Quality.Threshold
	}
	report, err := e.Accuracy(ctx, c.ID)
	if err != nil {
		return ThresholdCheck{}, err
	}
	check := ThresholdCheck{
		ContributorID: c.ID,
		Accuracy:      report.Accuracy,
		Threshold:     threshold,
		Passed:        report.Accuracy >= threshold,
	}
	now := e.now().UTC().Format(time.RFC3339)

	if !check.Passed {
		check.QualityHold = true
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return ThresholdCheck{}, err
		}
		defer tx.Rollback()

		if !c.QualityHold {
			if err := e.Ledger.SetQualityHold(ctx, tx, c.ID, true, now); err != nil {
				return ThresholdCheck{}, err
			}
		}
		err = e.Events.Append(ctx, tx, events.QualityWarning, c.WorkflowID, "contributor", c.ID, opts.ActorID, events.EventPayload{
			"accuracy":  report.Accuracy,
			"threshold": threshold,
			"approved":  report.Approved,
			"rejected":  report.Rejected,
		})
		if err != nil {
			return ThresholdCheck{}, err
		}
		if err := tx.Commit(); err != nil {
			return ThresholdCheck{}, err
		}
		return check, nil
	}

	if c.QualityHold {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return ThresholdCheck{}, err
		}
		defer tx.Rollback()

		if err := e.Ledger.SetQualityHold(ctx, tx, c.ID, false, now); err != nil {
			return ThresholdCheck{}, err
		}
		err = e.Events.Append(ctx, tx, events.QualityHoldCleared, c.WorkflowID, "contributor", c.ID, opts.ActorID, events.EventPayload{
			"accuracy":  report.Accuracy,
			"threshold": threshold,
		})
		if err != nil {
			return ThresholdCheck{}, err
		}
		if err := tx.Commit(); err != nil {
			return ThresholdCheck{}, err
		}
	}
	return check, nil
}

// SampleOptions are parameters for audit sampling. Rate zero means the
// workflow's configured audit sample rate.
type SampleOptions struct {
	WorkflowID string
	Rate       float64
	ActorID    string
}

// SampleForReview opens audit review tasks for floor(rate × pool) items
// drawn at random from the approved items never audited before. Audit tasks
// feed accuracy without touching item state.
func (e Engine) SampleForReview(ctx context.Context, opts SampleOptions) ([]domain.ReviewTask, error) {
	if opts.Rate < 0 || opts.Rate > 1 {
		return nil, fmt.Errorf("rate must be between 0 and 1")
	}
	if _, err := e.Ledger.GetWorkflow(ctx, opts.WorkflowID); err != nil {
		return nil, err
	}
	rate := opts.Rate
	if rate == 0 {
		rate = e.workflowConfig(ctx, opts.WorkflowID).Review.AuditSampleRate
	}
	pool, err := e.Ledger.AuditPool(ctx, opts.WorkflowID)
	if err != nil {
		return nil, err
	}
	n := int(rate * float64(len(pool)))
	if n == 0 {
		return nil, nil
	}

	picked := make([]string, len(pool))
	copy(picked, pool)
	e.rng().Shuffle(len(picked), func(i, j int) { picked[i], picked[j] = picked[j], picked[i] })
	picked = picked[:n]

	versions := make(map[string]int, len(picked))
	for _, id := range picked {
		v, err := e.Ledger.LatestVersion(ctx, id)
		if err != nil {
			return nil, err
		}
		versions[id] = v
	}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	tasks := make([]domain.ReviewTask, 0, len(picked))
	for _, id := range picked {
		rt := domain.ReviewTask{
			ID:         uuid.New().String(),
			WorkItemID: id,
			Version:    versions[id],
			Kind:       "audit",
			Level:      1,
			MaxLevel:   1,
			Status:     "pending",
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := e.Ledger.InsertReviewTask(ctx, tx, rt); err != nil {
			return nil, err
		}
		err = e.Events.Append(ctx, tx, events.ReviewSampled, opts.WorkflowID, "review", rt.ID, opts.ActorID, events.EventPayload{
			"work_item_id": id,
			"version":      versions[id],
			"rate":         rate,
		})
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, rt)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return tasks, nil
}

// QualityRanking orders a workflow's contributors by accuracy, breaking ties
// by reviewed volume, then id.
func (e Engine) QualityRanking(ctx context.Context, workflowID string) ([]domain.AccuracyReport, error) {
	if _, err := e.Ledger.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	reports, err := e.Ledger.ReviewOutcomeCounts(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	sort.Slice(reports, func(i, j int) bool {
		if reports[i].Accuracy != reports[j].Accuracy {
			return reports[i].Accuracy > reports[j].Accuracy
		}
		ti := reports[i].Approved + reports[i].Rejected
		tj := reports[j].Approved + reports[j].Rejected
		if ti != tj {
			return ti > tj
		}
		return reports[i].ContributorID < reports[j].ContributorID
	})
	return reports, nil
}

// RecomputeAccuracy refreshes every contributor's cached accuracy column from
// the review aggregates. It never sets or clears holds; that stays with
// CheckThreshold. Returns the number of contributors touched.
func (e Engine) RecomputeAccuracy(ctx context.Context, workflowID, actorID string) (int, error) {
	if _, err := e.Ledger.GetWorkflow(ctx, workflowID); err != nil {
		return 0, err
	}
	reports, err := e.Ledger.ReviewOutcomeCounts(ctx, workflowID)
	if err != nil {
		return 0, err
	}
	if len(reports) == 0 {
		return 0, nil
	}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	for _, r := range reports {
		if err := e.Ledger.UpdateContributorAccuracy(ctx, tx, r.ContributorID, r.Accuracy, now); err != nil {
			return 0, err
		}
	}
	err = e.Events.Append(ctx, tx, events.QualityRecomputed, workflowID, "workflow", workflowID, actorID, events.EventPayload{
		"contributors": len(reports),
	})
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(reports), nil
}
