package ledger

import (
	"context"
	"database/sql"

	"crowdline/internal/domain"
)

// TryAcquireLease claims the item's lease in a single statement. The insert
// lands when no row exists; the conflict clause steals the row only when the
// standing lease has expired (timestamps are RFC3339 UTC, so lexicographic
// comparison is chronological) or the caller already holds it (renewal).
// Returns false when a live lease belongs to someone else.
func (l Ledger) TryAcquireLease(ctx context.Context, tx *sql.Tx, lease domain.Lease) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO leases(work_item_id,holder_id,acquired_at,expires_at) VALUES (?,?,?,?)
ON CONFLICT(work_item_id) DO UPDATE SET holder_id=excluded.holder_id, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at
WHERE leases.expires_at <= excluded.acquired_at OR leases.holder_id = excluded.holder_id`,
		lease.WorkItemID, lease.HolderID, lease.AcquiredAt, lease.ExpiresAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (l Ledger) GetLease(ctx context.Context, itemID string) (domain.Lease, error) {
	var lease domain.Lease
	err := l.DB.QueryRowContext(ctx, `SELECT work_item_id,holder_id,acquired_at,expires_at FROM leases WHERE work_item_id=?`, itemID).
		Scan(&lease.WorkItemID, &lease.HolderID, &lease.AcquiredAt, &lease.ExpiresAt)
	if err == sql.ErrNoRows {
		return lease, ErrNotFound
	}
	return lease, err
}

func (l Ledger) GetLeaseTx(ctx context.Context, tx *sql.Tx, itemID string) (domain.Lease, error) {
	var lease domain.Lease
	err := tx.QueryRowContext(ctx, `SELECT work_item_id,holder_id,acquired_at,expires_at FROM leases WHERE work_item_id=?`, itemID).
		Scan(&lease.WorkItemID, &lease.HolderID, &lease.AcquiredAt, &lease.ExpiresAt)
	if err == sql.ErrNoRows {
		return lease, ErrNotFound
	}
	return lease, err
}

// DeleteLeaseIfHolder removes the lease only when held by the given
// contributor; reports whether a row went away.
func (l Ledger) DeleteLeaseIfHolder(ctx context.Context, tx *sql.Tx, itemID, holderID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM leases WHERE work_item_id=? AND holder_id=?`, itemID, holderID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (l Ledger) DeleteLease(ctx context.Context, tx *sql.Tx, itemID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM leases WHERE work_item_id=?`, itemID)
	return err
}
