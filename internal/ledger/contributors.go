package ledger

import (
	"context"
	"database/sql"
	"strings"

	"crowdline/internal/domain"
)

const contributorColumns = `id,workflow_id,name,skills_json,status,accuracy,quality_hold,created_at,updated_at`

func scanContributor(scan func(dest ...any) error) (domain.Contributor, error) {
	var c domain.Contributor
	var skills string
	var hold int
	err := scan(&c.ID, &c.WorkflowID, &c.Name, &skills, &c.Status, &c.Accuracy, &hold, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Skills = unmarshalStrings(skills)
	c.QualityHold = hold != 0
	return c, nil
}

func (l Ledger) InsertContributor(ctx context.Context, tx *sql.Tx, c domain.Contributor) error {
	hold := 0
	if c.QualityHold {
		hold = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO contributors(`+contributorColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		c.ID, c.WorkflowID, c.Name, marshalStrings(c.Skills), c.Status, c.Accuracy, hold, c.CreatedAt, c.UpdatedAt)
	return err
}

func (l Ledger) GetContributor(ctx context.Context, id string) (domain.Contributor, error) {
	row := l.DB.QueryRowContext(ctx, `SELECT `+contributorColumns+` FROM contributors WHERE id=?`, id)
	return scanContributor(row.Scan)
}

func (l Ledger) GetContributorTx(ctx context.Context, tx *sql.Tx, id string) (domain.Contributor, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+contributorColumns+` FROM contributors WHERE id=?`, id)
	return scanContributor(row.Scan)
}

type ContributorFilters struct {
	WorkflowID string
	Status     string
	Limit      int
}

func (l Ledger) ListContributors(ctx context.Context, f ContributorFilters) ([]domain.Contributor, error) {
	var clauses []string
	var args []any
	if f.WorkflowID != "" {
		clauses = append(clauses, "workflow_id=?")
		args = append(args, f.WorkflowID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + contributorColumns + ` FROM contributors ` + where + ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Contributor
	for rows.Next() {
		c, err := scanContributor(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, nil
}

func (l Ledger) UpdateContributorStatus(ctx context.Context, tx *sql.Tx, id, status, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE contributors SET status=?, updated_at=? WHERE id=?`, status, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (l Ledger) UpdateContributorSkills(ctx context.Context, tx *sql.Tx, id string, skills []string, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE contributors SET skills_json=?, updated_at=? WHERE id=?`, marshalStrings(skills), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (l Ledger) SetQualityHold(ctx context.Context, tx *sql.Tx, id string, hold bool, now string) error {
	v := 0
	if hold {
		v = 1
	}
	res, err := tx.ExecContext(ctx, `UPDATE contributors SET quality_hold=?, updated_at=? WHERE id=?`, v, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (l Ledger) UpdateContributorAccuracy(ctx context.Context, tx *sql.Tx, id string, accuracy float64, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE contributors SET accuracy=?, updated_at=? WHERE id=?`, accuracy, now, id)
	return err
}

// Candidate is a contributor row augmented with its live workload, ordered
// for auto-assignment: least loaded first, then most accurate, then id.
type Candidate struct {
	Contributor domain.Contributor
	Workload    int
}

// EligibleCandidates returns active, unheld contributors of a workflow in
// assignment order. Skill matching happens in the engine; sets do not filter
// well in SQL.
func (l Ledger) EligibleCandidates(ctx context.Context, tx *sql.Tx, workflowID string) ([]Candidate, error) {
	query := `SELECT ` + contributorColumns + `,
(SELECT COUNT(*) FROM assignments a WHERE a.contributor_id = contributors.id AND a.active = 1) AS workload
FROM contributors
WHERE workflow_id=? AND status='active' AND quality_hold=0
ORDER BY workload ASC, accuracy DESC, id ASC`
	rows, err := tx.QueryContext(ctx, query, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Candidate
	for rows.Next() {
		var c domain.Contributor
		var skills string
		var hold, workload int
		if err := rows.Scan(&c.ID, &c.WorkflowID, &c.Name, &skills, &c.Status, &c.Accuracy, &hold, &c.CreatedAt, &c.UpdatedAt, &workload); err != nil {
			return nil, err
		}
		c.Skills = unmarshalStrings(skills)
		c.QualityHold = hold != 0
		res = append(res, Candidate{Contributor: c, Workload: workload})
	}
	return res, nil
}

// Workload counts the contributor's active assignments.
func (l Ledger) Workload(ctx context.Context, contributorID string) (int, error) {
	var n int
	err := l.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM assignments WHERE contributor_id=? AND active=1`, contributorID).Scan(&n)
	return n, err
}
