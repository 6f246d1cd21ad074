package ledger_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"crowdline/internal/db"
	"crowdline/internal/domain"
	"crowdline/internal/ledger"
	"crowdline/internal/migrate"
)

func newLedger(t *testing.T) (ledger.Ledger, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	l := ledger.Ledger{DB: conn}
	ctx := context.Background()
	if err := l.InsertWorkflow(ctx, domain.Workflow{ID: "wf-1", Name: "test", Status: "active", CreatedAt: "2026-03-02T09:00:00Z"}); err != nil {
		t.Fatalf("insert workflow: %v", err)
	}
	inTx(t, l, ctx, func(tx *sql.Tx) error {
		return l.InsertItem(ctx, tx, domain.WorkItem{
			ID: "work-1", WorkflowID: "wf-1", Title: "work-1", State: "unassigned",
			CreatedAt: "2026-03-02T09:00:00Z", UpdatedAt: "2026-03-02T09:00:00Z",
		})
	})
	return l, ctx
}

func inTx(t *testing.T, l ledger.Ledger, ctx context.Context, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		t.Fatalf("tx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestUpdateItemStateCAS(t *testing.T) {
	l, ctx := newLedger(t)

	inTx(t, l, ctx, func(tx *sql.Tx) error {
		return l.UpdateItemState(ctx, tx, "work-1", "unassigned", "assigned", "2026-03-02T09:01:00Z")
	})

	// The expected state moved on; the update must not land.
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	err = l.UpdateItemState(ctx, tx, "work-1", "unassigned", "locked", "2026-03-02T09:02:00Z")
	var stale *ledger.StaleStateError
	if !errors.As(err, &stale) {
		t.Fatalf("expected StaleStateError, got %v", err)
	}
	if stale.Expected != "unassigned" || stale.Actual != "assigned" {
		t.Fatalf("unexpected race report %+v", stale)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	if item, err := l.GetItem(ctx, "work-1"); err != nil || item.State != "assigned" {
		t.Fatalf("state must survive the failed CAS, got %+v err %v", item, err)
	}

	tx, err = l.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := l.UpdateItemState(ctx, tx, "ghost", "unassigned", "assigned", "2026-03-02T09:03:00Z"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTryAcquireLeaseUpsert(t *testing.T) {
	l, ctx := newLedger(t)

	lease := domain.Lease{WorkItemID: "work-1", HolderID: "ann-a", AcquiredAt: "2026-03-02T09:00:00Z", ExpiresAt: "2026-03-02T09:01:00Z"}
	inTx(t, l, ctx, func(tx *sql.Tx) error {
		ok, err := l.TryAcquireLease(ctx, tx, lease)
		if err != nil || !ok {
			t.Fatalf("expected fresh acquire, ok=%v err=%v", ok, err)
		}
		return nil
	})

	// A live lease blocks another holder.
	inTx(t, l, ctx, func(tx *sql.Tx) error {
		ok, err := l.TryAcquireLease(ctx, tx, domain.Lease{WorkItemID: "work-1", HolderID: "ann-b", AcquiredAt: "2026-03-02T09:00:30Z", ExpiresAt: "2026-03-02T09:01:30Z"})
		if err != nil || ok {
			t.Fatalf("expected denial, ok=%v err=%v", ok, err)
		}
		return nil
	})

	// The holder renews before expiry.
	inTx(t, l, ctx, func(tx *sql.Tx) error {
		ok, err := l.TryAcquireLease(ctx, tx, domain.Lease{WorkItemID: "work-1", HolderID: "ann-a", AcquiredAt: "2026-03-02T09:00:30Z", ExpiresAt: "2026-03-02T09:01:30Z"})
		if err != nil || !ok {
			t.Fatalf("expected renewal, ok=%v err=%v", ok, err)
		}
		return nil
	})
	got, err := l.GetLease(ctx, "work-1")
	if err != nil || got.ExpiresAt != "2026-03-02T09:01:30Z" {
		t.Fatalf("expected extended expiry, got %+v err %v", got, err)
	}

	// Past the expiry instant anyone may take over.
	inTx(t, l, ctx, func(tx *sql.Tx) error {
		ok, err := l.TryAcquireLease(ctx, tx, domain.Lease{WorkItemID: "work-1", HolderID: "ann-b", AcquiredAt: "2026-03-02T09:01:30Z", ExpiresAt: "2026-03-02T09:02:30Z"})
		if err != nil || !ok {
			t.Fatalf("expected takeover, ok=%v err=%v", ok, err)
		}
		return nil
	})

	// Holder-scoped delete refuses the wrong contributor.
	inTx(t, l, ctx, func(tx *sql.Tx) error {
		deleted, err := l.DeleteLeaseIfHolder(ctx, tx, "work-1", "ann-a")
		if err != nil || deleted {
			t.Fatalf("expected no-op delete, deleted=%v err=%v", deleted, err)
		}
		deleted, err = l.DeleteLeaseIfHolder(ctx, tx, "work-1", "ann-b")
		if err != nil || !deleted {
			t.Fatalf("expected delete by holder, deleted=%v err=%v", deleted, err)
		}
		return nil
	})
	if _, err := l.GetLease(ctx, "work-1"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected lease gone, got %v", err)
	}
}

func TestInsertVersionMonotonic(t *testing.T) {
	l, ctx := newLedger(t)

	payloads := []string{`{"v":1}`, `{"v":2}`, `{"v":3}`}
	for i, p := range payloads {
		inTx(t, l, ctx, func(tx *sql.Tx) error {
			n, err := l.InsertVersion(ctx, tx, domain.AnnotationVersion{
				WorkItemID: "work-1", ContributorID: "ann-a", PayloadJSON: p, CreatedAt: "2026-03-02T09:00:00Z",
			})
			if err != nil {
				return err
			}
			if n != i+1 {
				t.Fatalf("expected version %d, got %d", i+1, n)
			}
			return nil
		})
	}

	versions, err := l.ListVersions(ctx, "work-1")
	if err != nil || len(versions) != 3 {
		t.Fatalf("expected 3 versions, got %d err %v", len(versions), err)
	}
	for i, v := range versions {
		if v.Version != i+1 || v.PayloadJSON != payloads[i] {
			t.Fatalf("version %d mutated: %+v", i+1, v)
		}
	}
	latest, err := l.LatestVersion(ctx, "work-1")
	if err != nil || latest != 3 {
		t.Fatalf("expected latest 3, got %d err %v", latest, err)
	}
	latest, err = l.LatestVersion(ctx, "ghost")
	if err != nil || latest != 0 {
		t.Fatalf("expected 0 for unknown item, got %d err %v", latest, err)
	}
}
