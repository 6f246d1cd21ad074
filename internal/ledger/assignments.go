package ledger

import (
	"context"
	"database/sql"

	"crowdline/internal/domain"
)

func scanAssignment(scan func(dest ...any) error) (domain.Assignment, error) {
	var a domain.Assignment
	var active int
	var released sql.NullString
	err := scan(&a.ID, &a.WorkItemID, &a.ContributorID, &a.Mode, &active, &a.AssignedAt, &released)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Active = active != 0
	if released.Valid {
		a.ReleasedAt = &released.String
	}
	return a, nil
}

// InsertAssignment activates a new assignment after retiring any currently
// active one, preserving history rows.
func (l Ledger) InsertAssignment(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	if _, err := tx.ExecContext(ctx, `UPDATE assignments SET active=0, released_at=? WHERE work_item_id=? AND active=1`,
		a.AssignedAt, a.WorkItemID); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO assignments(work_item_id,contributor_id,mode,active,assigned_at) VALUES (?,?,?,1,?)`,
		a.WorkItemID, a.ContributorID, a.Mode, a.AssignedAt)
	return err
}

func (l Ledger) ActiveAssignment(ctx context.Context, itemID string) (domain.Assignment, error) {
	row := l.DB.QueryRowContext(ctx, `SELECT id,work_item_id,contributor_id,mode,active,assigned_at,released_at FROM assignments WHERE work_item_id=? AND active=1`, itemID)
	return scanAssignment(row.Scan)
}

func (l Ledger) ActiveAssignmentTx(ctx context.Context, tx *sql.Tx, itemID string) (domain.Assignment, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,work_item_id,contributor_id,mode,active,assigned_at,released_at FROM assignments WHERE work_item_id=? AND active=1`, itemID)
	return scanAssignment(row.Scan)
}

// ReleaseAssignment retires the item's active assignment, if any.
func (l Ledger) ReleaseAssignment(ctx context.Context, tx *sql.Tx, itemID, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE assignments SET active=0, released_at=? WHERE work_item_id=? AND active=1`, now, itemID)
	return err
}

// ListAssignments returns the item's assignment history, newest first.
func (l Ledger) ListAssignments(ctx context.Context, itemID string) ([]domain.Assignment, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT id,work_item_id,contributor_id,mode,active,assigned_at,released_at FROM assignments WHERE work_item_id=? ORDER BY id DESC`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, nil
}
