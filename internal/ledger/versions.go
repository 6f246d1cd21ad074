package ledger

import (
	"context"
	"database/sql"

	"crowdline/internal/domain"
)

// InsertVersion appends the next annotation version for the item and returns
// its number. MAX+1 is race-free here: the caller's transaction holds the
// sqlite write lock until commit.
func (l Ledger) InsertVersion(ctx context.Context, tx *sql.Tx, v domain.AnnotationVersion) (int, error) {
	var next int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version),0)+1 FROM annotation_versions WHERE work_item_id=?`, v.WorkItemID).Scan(&next)
	if err != nil {
		return 0, err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO annotation_versions(work_item_id,version,contributor_id,payload_json,created_at) VALUES (?,?,?,?,?)`,
		v.WorkItemID, next, v.ContributorID, v.PayloadJSON, v.CreatedAt)
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (l Ledger) GetVersion(ctx context.Context, itemID string, version int) (domain.AnnotationVersion, error) {
	var v domain.AnnotationVersion
	err := l.DB.QueryRowContext(ctx, `SELECT work_item_id,version,contributor_id,payload_json,created_at FROM annotation_versions WHERE work_item_id=? AND version=?`, itemID, version).
		Scan(&v.WorkItemID, &v.Version, &v.ContributorID, &v.PayloadJSON, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	return v, err
}

func (l Ledger) GetVersionTx(ctx context.Context, tx *sql.Tx, itemID string, version int) (domain.AnnotationVersion, error) {
	var v domain.AnnotationVersion
	err := tx.QueryRowContext(ctx, `SELECT work_item_id,version,contributor_id,payload_json,created_at FROM annotation_versions WHERE work_item_id=? AND version=?`, itemID, version).
		Scan(&v.WorkItemID, &v.Version, &v.ContributorID, &v.PayloadJSON, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	return v, err
}

// ListVersions returns every retained version of the item, oldest first.
func (l Ledger) ListVersions(ctx context.Context, itemID string) ([]domain.AnnotationVersion, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT work_item_id,version,contributor_id,payload_json,created_at FROM annotation_versions WHERE work_item_id=? ORDER BY version ASC`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AnnotationVersion
	for rows.Next() {
		var v domain.AnnotationVersion
		if err := rows.Scan(&v.WorkItemID, &v.Version, &v.ContributorID, &v.PayloadJSON, &v.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, nil
}

// LatestVersion returns the newest version number for the item, 0 when none.
func (l Ledger) LatestVersion(ctx context.Context, itemID string) (int, error) {
	var v int
	err := l.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(version),0) FROM annotation_versions WHERE work_item_id=?`, itemID).Scan(&v)
	return v, err
}
