package domain

type Workflow struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status" enum:"active,archived"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type WorkItem struct {
	ID             string   `json:"id"`
	WorkflowID     string   `json:"workflow_id"`
	Title          string   `json:"title,omitempty"`
	RequiredSkills []string `json:"required_skills,omitempty"`
	Priority       int      `json:"priority"`
	Deadline       *string  `json:"deadline,omitempty" format:"date-time"`
	State          string   `json:"state" enum:"unassigned,assigned,locked,submitted,in_review,approved,rejected"`
	PayloadJSON    *string  `json:"payload_json,omitempty"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
}

type Contributor struct {
	ID          string   `json:"id"`
	WorkflowID  string   `json:"workflow_id"`
	Name        string   `json:"name,omitempty"`
	Skills      []string `json:"skills,omitempty"`
	Status      string   `json:"status" enum:"active,suspended"`
	Accuracy    float64  `json:"accuracy"`
	QualityHold bool     `json:"quality_hold"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
}

type Assignment struct {
	ID            int64   `json:"id"`
	WorkItemID    string  `json:"work_item_id"`
	ContributorID string  `json:"contributor_id"`
	Mode          string  `json:"mode" enum:"auto,manual"`
	Active        bool    `json:"active"`
	AssignedAt    string  `json:"assigned_at" format:"date-time"`
	ReleasedAt    *string `json:"released_at,omitempty" format:"date-time"`
}

type Lease struct {
	WorkItemID string `json:"work_item_id"`
	HolderID   string `json:"holder_id"`
	AcquiredAt string `json:"acquired_at" format:"date-time"`
	ExpiresAt  string `json:"expires_at" format:"date-time"`
}

type AnnotationVersion struct {
	WorkItemID    string `json:"work_item_id"`
	Version       int    `json:"version"`
	ContributorID string `json:"contributor_id"`
	PayloadJSON   string `json:"payload_json"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type ReviewTask struct {
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

type ReviewAction struct {
	ID           int64  `json:"id"`
	ReviewTaskID string `json:"review_task_id"`
	WorkItemID   string `json:"work_item_id"`
	ReviewerID   string `json:"reviewer_id"`
	Action       string `json:"action" enum:"approve,reject"`
	Level        int    `json:"level"`
	Reason       string `json:"reason,omitempty"`
	TS           string `json:"ts" format:"date-time"`
}

type Conflict struct {
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

type Vote struct {
	ConflictID string `json:"conflict_id"`
	VoterID    string `json:"voter_id"`
	Choice     int    `json:"choice"`
	TS         string `json:"ts" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	WorkflowID string `json:"workflow_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type AccuracyReport struct {
	ContributorID string  `json:"contributor_id"`
	Approved      int     `json:"approved"`
	Rejected      int     `json:"rejected"`
	Accuracy      float64 `json:"accuracy"`
}
