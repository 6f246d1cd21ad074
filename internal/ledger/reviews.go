package ledger

import (
	"context"
	"database/sql"
	"strings"

	"crowdline/internal/domain"
)

const reviewTaskColumns = `id,work_item_id,version,kind,level,max_level,status,created_at,updated_at`

func scanReviewTask(scan func(dest ...any) error) (domain.ReviewTask, error) {
	var rt domain.ReviewTask
	err := scan(&rt.ID, &rt.WorkItemID, &rt.Version, &rt.Kind, &rt.Level, &rt.MaxLevel, &rt.Status, &rt.CreatedAt, &rt.UpdatedAt)
	if err == sql.ErrNoRows {
		return rt, ErrNotFound
	}
	return rt, err
}

func (l Ledger) InsertReviewTask(ctx context.Context, tx *sql.Tx, rt domain.ReviewTask) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO review_tasks(`+reviewTaskColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		rt.ID, rt.WorkItemID, rt.Version, rt.Kind, rt.Level, rt.MaxLevel, rt.Status, rt.CreatedAt, rt.UpdatedAt)
	return err
}

func (l Ledger) GetReviewTask(ctx context.Context, id string) (domain.ReviewTask, error) {
	row := l.DB.QueryRowContext(ctx, `SELECT `+reviewTaskColumns+` FROM review_tasks WHERE id=?`, id)
	return scanReviewTask(row.Scan)
}

func (l Ledger) GetReviewTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.ReviewTask, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+reviewTaskColumns+` FROM review_tasks WHERE id=?`, id)
	return scanReviewTask(row.Scan)
}

// PendingReviewTask returns the item's open task, ErrNotFound when none.
func (l Ledger) PendingReviewTask(ctx context.Context, tx *sql.Tx, itemID string) (domain.ReviewTask, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+reviewTaskColumns+` FROM review_tasks WHERE work_item_id=? AND status='pending' AND kind='standard' LIMIT 1`, itemID)
	return scanReviewTask(row.Scan)
}

// AdvanceReviewTask moves a pending task from one level/status snapshot to the
// next. Zero rows means the snapshot is stale (already advanced or closed).
func (l Ledger) AdvanceReviewTask(ctx context.Context, tx *sql.Tx, id string, fromLevel, toLevel int, status, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE review_tasks SET level=?, status=?, updated_at=? WHERE id=? AND status='pending' AND level=?`,
		toLevel, status, now, id, fromLevel)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type ReviewTaskFilters struct {
	WorkflowID string
	WorkItemID string
	Status     string
	Kind       string
	Limit      int
}

func (l Ledger) ListReviewTasks(ctx context.Context, f ReviewTaskFilters) ([]domain.ReviewTask, error) {
	var clauses []string
	var args []any
	if f.WorkflowID != "" {
		clauses = append(clauses, "work_item_id IN (SELECT id FROM work_items WHERE workflow_id=?)")
		args = append(args, f.WorkflowID)
	}
	if f.WorkItemID != "" {
		clauses = append(clauses, "work_item_id=?")
		args = append(args, f.WorkItemID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + reviewTaskColumns + ` FROM review_tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReviewTask
	for rows.Next() {
		rt, err := scanReviewTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rt)
	}
	return res, nil
}

// CountPendingReviews tallies open review tasks across a workflow's items.
func (l Ledger) CountPendingReviews(ctx context.Context, workflowID string) (int, error) {
	row := l.DB.QueryRowContext(ctx, `SELECT count(*) FROM review_tasks
WHERE status='pending' AND work_item_id IN (SELECT id FROM work_items WHERE workflow_id=?)`, workflowID)
	var n int
	err := row.Scan(&n)
	return n, err
}

func (l Ledger) InsertReviewAction(ctx context.Context, tx *sql.Tx, a domain.ReviewAction) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO review_actions(review_task_id,reviewer_id,action,level,reason,ts) VALUES (?,?,?,?,?,?)`,
		a.ReviewTaskID, a.ReviewerID, a.Action, a.Level, a.Reason, a.TS)
	return err
}

// ListReviewActions returns the item's full reviewer trail, oldest first.
func (l Ledger) ListReviewActions(ctx context.Context, itemID string) ([]domain.ReviewAction, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT ra.id,ra.review_task_id,rt.work_item_id,ra.reviewer_id,ra.action,ra.level,ra.reason,ra.ts
FROM review_actions ra JOIN review_tasks rt ON rt.id = ra.review_task_id
WHERE rt.work_item_id=? ORDER BY ra.id ASC`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReviewAction
	for rows.Next() {
		var a domain.ReviewAction
		if err := rows.Scan(&a.ID, &a.ReviewTaskID, &a.WorkItemID, &a.ReviewerID, &a.Action, &a.Level, &a.Reason, &a.TS); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, nil
}

const accuracyCountsQuery = `SELECT
COALESCE(SUM(CASE WHEN rt.status='approved' THEN 1 ELSE 0 END),0),
COALESCE(SUM(CASE WHEN rt.status='rejected' THEN 1 ELSE 0 END),0)
FROM review_tasks rt
JOIN annotation_versions av ON av.work_item_id = rt.work_item_id AND av.version = rt.version
WHERE av.contributor_id=? AND rt.status IN ('approved','rejected')`

// AccuracyCounts tallies closed reviews over the contributor's versions. The
// aggregate is authoritative; the contributors.accuracy column only caches it.
func (l Ledger) AccuracyCounts(ctx context.Context, contributorID string) (approved, rejected int, err error) {
	err = l.DB.QueryRowContext(ctx, accuracyCountsQuery, contributorID).Scan(&approved, &rejected)
	return approved, rejected, err
}

func (l Ledger) AccuracyCountsTx(ctx context.Context, tx *sql.Tx, contributorID string) (approved, rejected int, err error) {
	err = tx.QueryRowContext(ctx, accuracyCountsQuery, contributorID).Scan(&approved, &rejected)
	return approved, rejected, err
}

// ReviewOutcomeCounts returns per-contributor closed-review tallies for a
// workflow, including contributors with no reviewed history.
func (l Ledger) ReviewOutcomeCounts(ctx context.Context, workflowID string) ([]domain.AccuracyReport, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT c.id,
COALESCE(SUM(CASE WHEN rt.status='approved' THEN 1 ELSE 0 END),0) AS approved,
COALESCE(SUM(CASE WHEN rt.status='rejected' THEN 1 ELSE 0 END),0) AS rejected
FROM contributors c
LEFT JOIN annotation_versions av ON av.contributor_id = c.id
LEFT JOIN review_tasks rt ON rt.work_item_id = av.work_item_id AND rt.version = av.version AND rt.status IN ('approved','rejected')
WHERE c.workflow_id=?
GROUP BY c.id
ORDER BY c.id ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AccuracyReport
	for rows.Next() {
		var r domain.AccuracyReport
		if err := rows.Scan(&r.ContributorID, &r.Approved, &r.Rejected); err != nil {
			return nil, err
		}
		if total := r.Approved + r.Rejected; total > 0 {
			r.Accuracy = float64(r.Approved) / float64(total)
		}
		res = append(res, r)
	}
	return res, nil
}
