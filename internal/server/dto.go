package server

import (
	"encoding/json"

	"crowdline/internal/config"
	"crowdline/internal/domain"
	"crowdline/internal/engine"
)

// Request payloads

type CreateWorkflowRequest struct {
	ID          string  `json:"id"`
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

type RegisterContributorRequest struct {
	ID     *string  `json:"id,omitempty"`
	Name   string   `json:"name"`
	Skills []string `json:"skills,omitempty"`
}

type SetSkillsRequest struct {
	Skills []string `json:"skills"`
}

type CreateItemRequest struct {
	ID             *string        `json:"id,omitempty"`
	Title          string         `json:"title"`
	RequiredSkills []string       `json:"required_skills,omitempty"`
	Priority       *int           `json:"priority,omitempty"`
	Deadline       *string        `json:"deadline,omitempty" format:"date-time"`
	Payload        map[string]any `json:"payload,omitempty"`
}

type UpdateItemRequest struct {
	Priority *int    `json:"priority,omitempty"`
	Deadline *string `json:"deadline,omitempty" format:"date-time"`
}

type AssignRequest struct {
	ContributorID *string `json:"contributor_id,omitempty"`
	Mode          *string `json:"mode,omitempty" enum:"auto,manual"`
}

type LeaseRequest struct {
	ContributorID *string `json:"contributor_id,omitempty"`
	TTLSeconds    *int    `json:"ttl_seconds,omitempty"`
}

type ReleaseRequest struct {
	ContributorID *string `json:"contributor_id,omitempty"`
}

type SubmitRequest struct {
	ContributorID *string        `json:"contributor_id,omitempty"`
	Payload       map[string]any `json:"payload"`
}

type ReviewOpenRequest struct {
	Version *int `json:"version,omitempty"`
}

type ReviewDecisionRequest struct {
	Reason *string `json:"reason,omitempty"`
}

type BatchApproveRequest struct {
	TaskIDs []string `json:"task_ids"`
}

type VoteRequest struct {
	Choice int `json:"choice"`
}

type ArbiterResolveRequest struct {
	ArbiterID *string `json:"arbiter_id,omitempty"`
	Choice    int     `json:"choice"`
}

type ThresholdCheckRequest struct {
	Threshold *float64 `json:"threshold,omitempty"`
}

type SampleRequest struct {
	Rate *float64 `json:"rate,omitempty"`
}

type DevLoginRequest struct {
	ActorID    string `json:"actor_id"`
	TTLSeconds *int   `json:"ttl_seconds,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type MeResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source" enum:"jwt,api_key,actor_header"`
}

// Response payloads

type WorkflowResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status" enum:"active,archived"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type ContributorResponse struct {
	ID          string   `json:"id"`
	WorkflowID  string   `json:"workflow_id"`
	Name        string   `json:"name,omitempty"`
	Skills      []string `json:"skills"`
	Status      string   `json:"status" enum:"active,suspended"`
	Accuracy    float64  `json:"accuracy"`
	QualityHold bool     `json:"quality_hold"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
}

type ItemResponse struct {
	ID             string         `json:"id"`
	WorkflowID     string         `json:"workflow_id"`
	Title          string         `json:"title,omitempty"`
	RequiredSkills []string       `json:"required_skills"`
	Priority       int            `json:"priority"`
	Deadline       *string        `json:"deadline,omitempty" format:"date-time"`
	State          string         `json:"state" enum:"unassigned,assigned,locked,submitted,in_review,approved,rejected"`
	Payload        map[string]any `json:"payload,omitempty"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
	UpdatedAt      string         `json:"updated_at" format:"date-time"`
}

type AssignmentResponse struct {
	ID            int64   `json:"id"`
	WorkItemID    string  `json:"work_item_id"`
	ContributorID string  `json:"contributor_id"`
	Mode          string  `json:"mode" enum:"auto,manual"`
	Active        bool    `json:"active"`
	AssignedAt    string  `json:"assigned_at" format:"date-time"`
	ReleasedAt    *string `json:"released_at,omitempty" format:"date-time"`
}

type LeaseResponse struct {
	WorkItemID string `json:"work_item_id"`
	HolderID   string `json:"holder_id"`
	AcquiredAt string `json:"acquired_at" format:"date-time"`
	ExpiresAt  string `json:"expires_at" format:"date-time"`
}

type VersionResponse struct {
	WorkItemID    string         `json:"work_item_id"`
	Version       int            `json:"version"`
	ContributorID string         `json:"contributor_id"`
	Payload       map[string]any `json:"payload,omitempty"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
}

type ReviewTaskResponse struct {
	ID         string `json:"id"`
	WorkItemID string `json:"work_item_id"`
	Version    int    `json:"version"`
	Kind       string `json:"kind" enum:"standard,audit"`
	Level      int    `json:"level"`
	MaxLevel   int    `json:"max_level"`
	Status     string `json:"status" enum:"pending,approved,rejected"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

type ReviewActionResponse struct {
	ID           int64  `json:"id"`
	ReviewTaskID string `json:"review_task_id"`
	WorkItemID   string `json:"work_item_id"`
	ReviewerID   string `json:"reviewer_id"`
	Action       string `json:"action" enum:"approve,reject"`
	Level        int    `json:"level"`
	Reason       string `json:"reason,omitempty"`
	TS           string `json:"ts" format:"date-time"`
}

type ConflictResponse struct {
	ID         string  `json:"id"`
	WorkItemID string  `json:"work_item_id"`
	VersionA   int     `json:"version_a"`
	VersionB   int     `json:"version_b"`
	Status     string  `json:"status" enum:"unresolved,resolved"`
	Method     *string `json:"method,omitempty" enum:"vote,arbiter"`
	Outcome    *int    `json:"outcome,omitempty"`
	ResolvedBy *string `json:"resolved_by,omitempty"`
	DetectedAt string  `json:"detected_at" format:"date-time"`
	ResolvedAt *string `json:"resolved_at,omitempty" format:"date-time"`
}

type VoteResponse struct {
	ConflictID string `json:"conflict_id"`
	VoterID    string `json:"voter_id"`
	Choice     int    `json:"choice"`
	TS         string `json:"ts" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type AccuracyResponse struct {
	ContributorID string  `json:"contributor_id"`
	Approved      int     `json:"approved"`
	Rejected      int     `json:"rejected"`
	Accuracy      float64 `json:"accuracy"`
}

type SubmitResponse struct {
	Version    VersionResponse     `json:"version"`
	ReviewTask *ReviewTaskResponse `json:"review_task,omitempty"`
}

type BatchDecisionResponse struct {
	ReviewTaskID string              `json:"review_task_id"`
	Task         *ReviewTaskResponse `json:"task,omitempty"`
	Error        string              `json:"error,omitempty"`
}

type WorkflowConfigResponse struct {
	Workflow  workflowConfigSection   `json:"workflow"`
	Review    reviewConfigSection     `json:"review"`
	Leases    leaseConfigSection      `json:"leases"`
	Quality   qualityConfigSection    `json:"quality"`
	Skills    skillsConfigSection     `json:"skills"`
	Notifiers []notifierConfigSection `json:"notifiers,omitempty"`
}

type workflowConfigSection struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type reviewConfigSection struct {
	Levels          int     `json:"levels"`
	AuditSampleRate float64 `json:"audit_sample_rate"`
}

type leaseConfigSection struct {
	TTLSeconds int `json:"ttl_seconds"`
}

type qualityConfigSection struct {
	Threshold float64 `json:"threshold"`
}

type skillsConfigSection struct {
	Catalog map[string]struct {
		Description string `json:"description"`
	} `json:"catalog"`
}

// notifierConfigSection exposes notifier settings without the secret.
type notifierConfigSection struct {
	Name           string   `json:"name,omitempty"`
	URL            string   `json:"url"`
	Events         []string `json:"events,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	Disabled       bool     `json:"disabled,omitempty"`
}

type workflowList struct {
	Items []WorkflowResponse `json:"items"`
}

type contributorList struct {
	Items []ContributorResponse `json:"items"`
}

type itemList struct {
	Items []ItemResponse `json:"items"`
}

type versionList struct {
	Items []VersionResponse `json:"items"`
}

type reviewActionList struct {
	Items []ReviewActionResponse `json:"items"`
}

type reviewTaskList struct {
	Items []ReviewTaskResponse `json:"items"`
}

type conflictList struct {
	Items []ConflictResponse `json:"items"`
}

type accuracyList struct {
	Items []AccuracyResponse `json:"items"`
}

type batchApproveResponse struct {
	Results []BatchDecisionResponse `json:"results"`
}

type sampleResponse struct {
	Sampled int                  `json:"sampled"`
	Tasks   []ReviewTaskResponse `json:"tasks"`
}

type recomputeResponse struct {
	Updated int `json:"updated"`
}

type paginatedItems struct {
	Items      []ItemResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func workflowResponse(w domain.Workflow) WorkflowResponse {
	return WorkflowResponse(w)
}

func contributorResponse(c domain.Contributor) ContributorResponse {
	res := ContributorResponse(c)
	res.Skills = nonNilSlice(res.Skills)
	return res
}

func itemResponse(w domain.WorkItem) ItemResponse {
	return ItemResponse{
		ID:             w.ID,
		WorkflowID:     w.WorkflowID,
		Title:          w.Title,
		RequiredSkills: nonNilSlice(w.RequiredSkills),
		Priority:       w.Priority,
		Deadline:       w.Deadline,
		State:          w.State,
		Payload:        decodeJSONMap(w.PayloadJSON),
		CreatedAt:      w.CreatedAt,
		UpdatedAt:      w.UpdatedAt,
	}
}

func assignmentResponse(a domain.Assignment) AssignmentResponse {
	return AssignmentResponse(a)
}

func leaseResponse(l domain.Lease) LeaseResponse {
	return LeaseResponse(l)
}

func versionResponse(v domain.AnnotationVersion) VersionResponse {
	return VersionResponse{
		WorkItemID:    v.WorkItemID,
		Version:       v.Version,
		ContributorID: v.ContributorID,
		Payload:       decodeJSONMap(strPtr(v.PayloadJSON)),
		CreatedAt:     v.CreatedAt,
	}
}

func reviewTaskResponse(rt domain.ReviewTask) ReviewTaskResponse {
	return ReviewTaskResponse(rt)
}

func reviewActionResponse(a domain.ReviewAction) ReviewActionResponse {
	return ReviewActionResponse(a)
}

func conflictResponse(c domain.Conflict) ConflictResponse {
	return ConflictResponse(c)
}

func voteResponse(v domain.Vote) VoteResponse {
	return VoteResponse(v)
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		WorkflowID: e.WorkflowID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(strPtr(e.Payload)),
	}
}

func accuracyResponse(r domain.AccuracyReport) AccuracyResponse {
	return AccuracyResponse(r)
}

func submitResponse(res engine.SubmitResult) SubmitResponse {
	out := SubmitResponse{Version: versionResponse(res.Version)}
	if res.ReviewTask != nil {
		rt := reviewTaskResponse(*res.ReviewTask)
		out.ReviewTask = &rt
	}
	return out
}

func batchDecisionResponse(d engine.BatchDecision) BatchDecisionResponse {
	out := BatchDecisionResponse{ReviewTaskID: d.ReviewTaskID}
	if d.Err != nil {
		out.Error = d.Err.Error()
		return out
	}
	rt := reviewTaskResponse(d.Task)
	out.Task = &rt
	return out
}

func configResponse(cfg *config.Config) WorkflowConfigResponse {
	res := WorkflowConfigResponse{
		Workflow: workflowConfigSection{
			ID:   cfg.Workflow.ID,
			Name: cfg.Workflow.Name,
		},
		Review: reviewConfigSection{
			Levels:          cfg.ReviewLevels(),
			AuditSampleRate: cfg.Review.AuditSampleRate,
		},
		Leases: leaseConfigSection{
			TTLSeconds: cfg.LeaseTTLSeconds(),
		},
		Quality: qualityConfigSection{
			Threshold: cfg.Quality.Threshold,
		},
		Skills: skillsConfigSection{
			Catalog: map[string]struct {
				Description string `json:"description"`
			}{},
		},
	}
	for k, v := range cfg.Skills.Catalog {
		res.Skills.Catalog[k] = struct {
			Description string `json:"description"`
		}{Description: v.Description}
	}
	for _, n := range cfg.Notifiers {
		res.Notifiers = append(res.Notifiers, notifierConfigSection{
			Name:           n.Name,
			URL:            n.URL,
			Events:         n.Events,
			TimeoutSeconds: n.TimeoutSeconds,
			Disabled:       n.Disabled,
		})
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(*raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func encodeJSONMap(m map[string]any) (string, error) {
	if m == nil {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func strPtr(in string) *string {
	return &in
}
