// Package ledger is the system of record. Every component reads and writes
// work items, assignments, leases, versions, reviews, conflicts, and events
// through it; nothing else touches the database.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"crowdline/internal/config"
	"crowdline/internal/domain"
)

type Ledger struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// StaleStateError reports a lost compare-and-set race on a work item state
// transition. Callers may re-read and retry.
type StaleStateError struct {
	WorkItemID string
	Expected   string
	Actual     string
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("work item %s is %s, expected %s", e.WorkItemID, e.Actual, e.Expected)
}

func (l Ledger) InsertWorkflow(ctx context.Context, w domain.Workflow) error {
	_, err := l.DB.ExecContext(ctx, `INSERT INTO workflows(id,name,status,description,created_at) VALUES (?,?,?,?,?)`,
		w.ID, w.Name, w.Status, w.Description, w.CreatedAt)
	return err
}

func (l Ledger) InsertWorkflowTx(ctx context.Context, tx *sql.Tx, w domain.Workflow) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflows(id,name,status,description,created_at) VALUES (?,?,?,?,?)`,
		w.ID, w.Name, w.Status, w.Description, w.CreatedAt)
	return err
}

func (l Ledger) GetWorkflow(ctx context.Context, id string) (domain.Workflow, error) {
	var w domain.Workflow
	err := l.DB.QueryRowContext(ctx, `SELECT id,name,status,description,created_at FROM workflows WHERE id=?`, id).
		Scan(&w.ID, &w.Name, &w.Status, &w.Description, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

func (l Ledger) ListWorkflows(ctx context.Context) ([]domain.Workflow, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT id,name,status,description,created_at FROM workflows ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workflow
	for rows.Next() {
		var w domain.Workflow
		if err := rows.Scan(&w.ID, &w.Name, &w.Status, &w.Description, &w.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, nil
}

func (l Ledger) SingleWorkflow(ctx context.Context) (domain.Workflow, error) {
	ws, err := l.ListWorkflows(ctx)
	if err != nil {
		return domain.Workflow{}, err
	}
	if len(ws) == 0 {
		return domain.Workflow{}, ErrNotFound
	}
	if len(ws) > 1 {
		return domain.Workflow{}, fmt.Errorf("multiple workflows exist; specify --workflow")
	}
	return ws[0], nil
}

func (l Ledger) UpsertWorkflowConfig(ctx context.Context, workflowID string, cfg *config.Config) error {
	return upsertWorkflowConfig(ctx, l.DB, nil, workflowID, cfg)
}

func (l Ledger) UpsertWorkflowConfigTx(ctx context.Context, tx *sql.Tx, workflowID string, cfg *config.Config) error {
	return upsertWorkflowConfig(ctx, nil, tx, workflowID, cfg)
}

// upsertWorkflowConfig validates at the write boundary; reads trust the row.
func upsertWorkflowConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, workflowID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Workflow.ID = workflowID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO workflow_configs(workflow_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(workflow_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, workflowID, string(payload), now, now)
	return err
}

func (l Ledger) GetWorkflowConfig(ctx context.Context, workflowID string) (*config.Config, error) {
	var payload string
	err := l.DB.QueryRowContext(ctx, `SELECT config_json FROM workflow_configs WHERE workflow_id=?`, workflowID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Workflow.ID == "" {
		cfg.Workflow.ID = workflowID
	}
	return &cfg, nil
}

func (l Ledger) LatestEvents(ctx context.Context, limit int, workflowID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return l.LatestEventsFrom(ctx, limit, 0, workflowID, evtType, entityKind, entityID)
}

func (l Ledger) LatestEventsFrom(ctx context.Context, limit int, cursor int64, workflowID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if workflowID != "" {
		clauses = append(clauses, "workflow_id=?")
		args = append(args, workflowID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,workflow_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return l.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (l Ledger) EventsAfter(ctx context.Context, limit int, cursor int64, workflowID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if workflowID != "" {
		clauses = append(clauses, "workflow_id=?")
		args = append(args, workflowID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,workflow_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return l.queryEvents(ctx, query, args...)
}

func (l Ledger) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var workflowID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &workflowID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if workflowID.Valid {
			e.WorkflowID = workflowID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, nil
}

// LatestEventID returns the most recent event ID for a workflow.
func (l Ledger) LatestEventID(ctx context.Context, workflowID string) (int64, error) {
	row := l.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE workflow_id=?`, workflowID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func marshalStrings(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalStrings(s string) []string {
	if s == "" {
		return nil
	}
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	return v
}
