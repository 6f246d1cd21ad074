package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the engine. The notifier filters on these names.
const (
	WorkflowCreated       = "workflow.created"
	WorkflowConfigured    = "workflow.configured"
	ContributorRegistered = "contributor.registered"
	ContributorSuspended  = "contributor.suspended"
	ContributorReinstated = "contributor.reinstated"
	ContributorSkillsSet  = "contributor.skills_set"
	ItemCreated           = "item.created"
	ItemAssigned          = "item.assigned"
	ItemUnassigned        = "item.unassigned"
	ItemUpdated           = "item.updated"
	LeaseAcquired         = "lease.acquired"
	LeaseReleased         = "lease.released"
	AnnotationSubmitted   = "annotation.submitted"
	ReviewOpened          = "review.opened"
	ReviewAdvanced        = "review.advanced"
	ReviewApproved        = "review.approved"
	ReviewRejected        = "review.rejected"
	ReviewSampled         = "review.sampled"
	ConflictDetected      = "conflict.detected"
	ConflictVoteCast      = "conflict.vote_cast"
	ConflictResolved      = "conflict.resolved"
	QualityWarning        = "quality.warning"
	QualityHoldCleared    = "quality.hold_cleared"
	QualityRecomputed     = "quality.recomputed"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, workflowID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,workflow_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(workflowID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
