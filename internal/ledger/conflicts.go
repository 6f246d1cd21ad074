package ledger

import (
	"context"
	"database/sql"
	"strings"

	"crowdline/internal/domain"
)

const conflictColumns = `id,work_item_id,version_a,version_b,status,method,outcome,resolved_by,detected_at,resolved_at`

func scanConflict(scan func(dest ...any) error) (domain.Conflict, error) {
	var c domain.Conflict
	var method, resolvedBy, resolvedAt sql.NullString
	var outcome sql.NullInt64
	err := scan(&c.ID, &c.WorkItemID, &c.VersionA, &c.VersionB, &c.Status, &method, &outcome, &resolvedBy, &c.DetectedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if method.Valid {
		c.Method = &method.String
	}
	if outcome.Valid {
		v := int(outcome.Int64)
		c.Outcome = &v
	}
	if resolvedBy.Valid {
		c.ResolvedBy = &resolvedBy.String
	}
	if resolvedAt.Valid {
		c.ResolvedAt = &resolvedAt.String
	}
	return c, nil
}

// InsertConflict records a divergent version pair once; re-detection of a
// known pair reports created=false.
func (l Ledger) InsertConflict(ctx context.Context, tx *sql.Tx, c domain.Conflict) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO conflicts(id,work_item_id,version_a,version_b,status,detected_at) VALUES (?,?,?,?,?,?)`,
		c.ID, c.WorkItemID, c.VersionA, c.VersionB, c.Status, c.DetectedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (l Ledger) GetConflict(ctx context.Context, id string) (domain.Conflict, error) {
	row := l.DB.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id=?`, id)
	return scanConflict(row.Scan)
}

func (l Ledger) GetConflictTx(ctx context.Context, tx *sql.Tx, id string) (domain.Conflict, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id=?`, id)
	return scanConflict(row.Scan)
}

type ConflictFilters struct {
	WorkflowID string
	WorkItemID string
	Status     string
	Limit      int
}

func (l Ledger) ListConflicts(ctx context.Context, f ConflictFilters) ([]domain.Conflict, error) {
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
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + conflictColumns + ` FROM conflicts ` + where + ` ORDER BY detected_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Conflict
	for rows.Next() {
		c, err := scanConflict(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, nil
}

// CountUnresolvedConflicts tallies open conflicts across a workflow's items.
func (l Ledger) CountUnresolvedConflicts(ctx context.Context, workflowID string) (int, error) {
	row := l.DB.QueryRowContext(ctx, `SELECT count(*) FROM conflicts
WHERE status='unresolved' AND work_item_id IN (SELECT id FROM work_items WHERE workflow_id=?)`, workflowID)
	var n int
	err := row.Scan(&n)
	return n, err
}

// ResolveConflict closes an unresolved conflict; zero rows means it was
// already resolved.
func (l Ledger) ResolveConflict(ctx context.Context, tx *sql.Tx, id, method string, outcome int, resolvedBy, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE conflicts SET status='resolved', method=?, outcome=?, resolved_by=?, resolved_at=? WHERE id=? AND status='unresolved'`,
		method, outcome, resolvedBy, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpsertVote records one ballot per voter; voting again replaces the choice.
func (l Ledger) UpsertVote(ctx context.Context, tx *sql.Tx, v domain.Vote) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO votes(conflict_id,voter_id,choice,ts) VALUES (?,?,?,?)
ON CONFLICT(conflict_id,voter_id) DO UPDATE SET choice=excluded.choice, ts=excluded.ts`,
		v.ConflictID, v.VoterID, v.Choice, v.TS)
	return err
}

func (l Ledger) ListVotes(ctx context.Context, conflictID string) ([]domain.Vote, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT conflict_id,voter_id,choice,ts FROM votes WHERE conflict_id=? ORDER BY ts ASC, voter_id ASC`, conflictID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Vote
	for rows.Next() {
		var v domain.Vote
		if err := rows.Scan(&v.ConflictID, &v.VoterID, &v.Choice, &v.TS); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, nil
}

// TallyVotes counts ballots per chosen version.
func (l Ledger) TallyVotes(ctx context.Context, tx *sql.Tx, conflictID string) (map[int]int, error) {
	rows, err := tx.QueryContext(ctx, `SELECT choice, COUNT(*) FROM votes WHERE conflict_id=? GROUP BY choice`, conflictID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tally := map[int]int{}
	for rows.Next() {
		var choice, n int
		if err := rows.Scan(&choice, &n); err != nil {
			return nil, err
		}
		tally[choice] = n
	}
	return tally, nil
}
