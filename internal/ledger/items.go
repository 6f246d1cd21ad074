package ledger

import (
	"context"
	"database/sql"
	"strings"

	"crowdline/internal/domain"
)

const itemColumns = `id,workflow_id,title,required_skills_json,priority,deadline,state,payload_json,created_at,updated_at`

func scanItem(scan func(dest ...any) error) (domain.WorkItem, error) {
	var w domain.WorkItem
	var skills string
	var deadline, payload sql.NullString
	err := scan(&w.ID, &w.WorkflowID, &w.Title, &skills, &w.Priority, &deadline, &w.State, &payload, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	w.RequiredSkills = unmarshalStrings(skills)
	if deadline.Valid {
		w.Deadline = &deadline.String
	}
	if payload.Valid {
		w.PayloadJSON = &payload.String
	}
	return w, nil
}

func (l Ledger) InsertItem(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO work_items(`+itemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.WorkflowID, w.Title, marshalStrings(w.RequiredSkills), w.Priority,
		nullableStringPtr(w.Deadline), w.State, nullableStringPtr(w.PayloadJSON), w.CreatedAt, w.UpdatedAt)
	return err
}

func (l Ledger) GetItem(ctx context.Context, id string) (domain.WorkItem, error) {
	row := l.DB.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id=?`, id)
	return scanItem(row.Scan)
}

func (l Ledger) GetItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkItem, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id=?`, id)
	return scanItem(row.Scan)
}

type ItemFilters struct {
	WorkflowID      string
	State           string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (l Ledger) ListItems(ctx context.Context, f ItemFilters) ([]domain.WorkItem, error) {
	var clauses []string
	var args []any
	if f.WorkflowID != "" {
		clauses = append(clauses, "workflow_id=?")
		args = append(args, f.WorkflowID)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + itemColumns + ` FROM work_items ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, nil
}

// CountItemsByState tallies a workflow's items per lifecycle state.
func (l Ledger) CountItemsByState(ctx context.Context, workflowID string) (map[string]int, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT state, count(*) FROM work_items WHERE workflow_id=? GROUP BY state`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		res[state] = count
	}
	return res, nil
}

// UpdateItemState is a compare-and-set on the state column. A zero-row update
// means another transaction moved the item first; the caller gets a
// StaleStateError with the state actually found.
func (l Ledger) UpdateItemState(ctx context.Context, tx *sql.Tx, id, from, to, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET state=?, updated_at=? WHERE id=? AND state=?`, to, now, id, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var actual string
	err = tx.QueryRowContext(ctx, `SELECT state FROM work_items WHERE id=?`, id).Scan(&actual)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return &StaleStateError{WorkItemID: id, Expected: from, Actual: actual}
}

// UpdateItemMeta changes priority and/or deadline without touching state.
func (l Ledger) UpdateItemMeta(ctx context.Context, tx *sql.Tx, id string, priority *int, deadline *string, now string) error {
	fields := []string{"updated_at=?"}
	args := []any{now}
	if priority != nil {
		fields = append(fields, "priority=?")
		args = append(args, *priority)
	}
	if deadline != nil {
		fields = append(fields, "deadline=?")
		args = append(args, nullable(*deadline))
	}
	args = append(args, id)
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET `+strings.Join(fields, ", ")+` WHERE id=?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PendingItems lists a contributor's open work: items under an active
// assignment that have not reached a terminal approval.
func (l Ledger) PendingItems(ctx context.Context, contributorID string) ([]domain.WorkItem, error) {
	query := `SELECT w.id,w.workflow_id,w.title,w.required_skills_json,w.priority,w.deadline,w.state,w.payload_json,w.created_at,w.updated_at FROM work_items w
JOIN assignments a ON a.work_item_id = w.id AND a.active = 1
WHERE a.contributor_id=? AND w.state NOT IN ('approved')
ORDER BY w.priority DESC, CASE WHEN w.deadline IS NULL THEN 1 ELSE 0 END, w.deadline ASC, w.id ASC`
	rows, err := l.DB.QueryContext(ctx, query, contributorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, nil
}

// AuditPool lists approved items that have never been audit-reviewed.
func (l Ledger) AuditPool(ctx context.Context, workflowID string) ([]string, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT id FROM work_items w
WHERE workflow_id=? AND state='approved'
AND NOT EXISTS (SELECT 1 FROM review_tasks rt WHERE rt.work_item_id = w.id AND rt.kind = 'audit')
ORDER BY id ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
