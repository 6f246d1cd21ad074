package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"crowdline/internal/config"
	"crowdline/internal/domain"
	"crowdline/internal/events"
	"crowdline/internal/ledger"
)

// Engine implements crowdline's coordination lifecycle on top of the ledger.
// Now, Rand, and Equivalent are injectable for tests; zero values fall back
// to wall-clock time, seeded randomness, and canonical JSON equality.
type Engine struct {
	DB         *sql.DB
	Ledger     ledger.Ledger
	Events     events.Writer
	Config     *config.Config
	Now        func() time.Time
	Rand       *rand.Rand
	Equivalent func(a, b string) bool
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Ledger: ledger.Ledger{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		Rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) rng() *rand.Rand {
	if e.Rand != nil {
		return e.Rand
	}
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

// workflowConfig resolves the effective config for a workflow: the stored row
// wins, then the config bound at startup, then compiled defaults.
func (e Engine) workflowConfig(ctx context.Context, workflowID string) *config.Config {
	cfg, err := e.Ledger.GetWorkflowConfig(ctx, workflowID)
	if err == nil {
		return cfg
	}
	if e.Config != nil && e.Config.Workflow.ID == workflowID {
		return e.Config
	}
	return config.Default(workflowID)
}

type WorkflowInitOptions struct {
	ID          string
	Name        string
	Description string
	ActorID     string
}

func (e Engine) InitWorkflow(ctx context.Context, opts WorkflowInitOptions) (domain.Workflow, error) {
	if strings.TrimSpace(opts.ID) == "" {
		return domain.Workflow{}, errors.New("workflow id is required")
	}
	if strings.TrimSpace(opts.Name) == "" {
		opts.Name = opts.ID
	}
	if _, err := e.Ledger.GetWorkflow(ctx, opts.ID); err == nil {
		return domain.Workflow{}, fmt.Errorf("workflow %s already exists", opts.ID)
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return domain.Workflow{}, err
	}
	cfg := e.Config
	if cfg == nil || cfg.Workflow.ID != opts.ID {
		cfg = config.Default(opts.ID)
	}

	w := domain.Workflow{
		ID:          opts.ID,
		Name:        opts.Name,
		Status:      "active",
		Description: opts.Description,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workflow{}, err
	}
	defer tx.Rollback()

	if err := e.Ledger.InsertWorkflowTx(ctx, tx, w); err != nil {
		return domain.Workflow{}, fmt.Errorf("insert workflow: %w", err)
	}
	if err := e.Ledger.UpsertWorkflowConfigTx(ctx, tx, w.ID, cfg); err != nil {
		return domain.Workflow{}, fmt.Errorf("insert workflow config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.WorkflowCreated, w.ID, "workflow", w.ID, opts.ActorID, events.EventPayload{"name": w.Name}); err != nil {
		return domain.Workflow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Workflow{}, err
	}
	return w, nil
}

// ImportWorkflowConfig replaces the stored config for an existing workflow.
func (e Engine) ImportWorkflowConfig(ctx context.Context, workflowID string, cfg *config.Config, actorID string) error {
	if _, err := e.Ledger.GetWorkflow(ctx, workflowID); err != nil {
		return err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Ledger.UpsertWorkflowConfigTx(ctx, tx, workflowID, cfg); err != nil {
		return err
	}
	err = e.Events.Append(ctx, tx, events.WorkflowConfigured, workflowID, "workflow", workflowID, actorID, events.EventPayload{
		"review_levels":     cfg.ReviewLevels(),
		"lease_ttl_seconds": cfg.LeaseTTLSeconds(),
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}

// ContributorRegisterOptions are parameters for registering a contributor.
type ContributorRegisterOptions struct {
	ID         string
	WorkflowID string
	Name       string
	Skills     []string
	ActorID    string
}

func (e Engine) RegisterContributor(ctx context.Context, opts ContributorRegisterOptions) (domain.Contributor, error) {
	if opts.WorkflowID == "" {
		return domain.Contributor{}, errors.New("workflow is required")
	}
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Contributor{}, errors.New("name is required")
	}
	if _, err := e.Ledger.GetWorkflow(ctx, opts.WorkflowID); err != nil {
		return domain.Contributor{}, err
	}
	skills := normalizeSkills(opts.Skills)
	if err := validateSkills(e.workflowConfig(ctx, opts.WorkflowID), skills); err != nil {
		return domain.Contributor{}, err
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.WorkflowID+"|contributor|"+opts.Name)).String()
	}
	if _, err := e.Ledger.GetContributor(ctx, id); err == nil {
		return domain.Contributor{}, fmt.Errorf("contributor %s already exists", id)
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return domain.Contributor{}, err
	}

	now := e.now().UTC().Format(time.RFC3339)
	c := domain.Contributor{
		ID:         id,
		WorkflowID: opts.WorkflowID,
		Name:       opts.Name,
		Skills:     skills,
		Status:     "active",
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Contributor{}, err
	}
	defer tx.Rollback()

	if err := e.Ledger.InsertContributor(ctx, tx, c); err != nil {
		return domain.Contributor{}, fmt.Errorf("insert contributor: %w", err)
	}
	err = e.Events.Append(ctx, tx, events.ContributorRegistered, opts.WorkflowID, "contributor", id, opts.ActorID, events.EventPayload{
		"name":   opts.Name,
		"skills": skills,
	})
	if err != nil {
		return domain.Contributor{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Contributor{}, err
	}
	return c, nil
}

func (e Engine) SuspendContributor(ctx context.Context, contributorID, actorID string) (domain.Contributor, error) {
	return e.setContributorStatus(ctx, contributorID, "suspended", events.ContributorSuspended, actorID)
}

func (e Engine) ReinstateContributor(ctx context.Context, contributorID, actorID string) (domain.Contributor, error) {
	return e.setContributorStatus(ctx, contributorID, "active", events.ContributorReinstated, actorID)
}

func (e Engine) setContributorStatus(ctx context.Context, contributorID, status, eventType, actorID string) (domain.Contributor, error) {
	c, err := e.Ledger.GetContributor(ctx, contributorID)
	if err != nil {
		return domain.Contributor{}, err
	}
	if c.Status == status {
		return c, nil
	}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Contributor{}, err
	}
	defer tx.Rollback()

	if err := e.Ledger.UpdateContributorStatus(ctx, tx, contributorID, status, now); err != nil {
		return domain.Contributor{}, err
	}
	if err := e.Events.Append(ctx, tx, eventType, c.WorkflowID, "contributor", contributorID, actorID, events.EventPayload{"status": status}); err != nil {
		return domain.Contributor{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Contributor{}, err
	}
	c.Status = status
	c.UpdatedAt = now
	return c, nil
}

func (e Engine) SetContributorSkills(ctx context.Context, contributorID string, skills []string, actorID string) (domain.Contributor, error) {
	c, err := e.Ledger.GetContributor(ctx, contributorID)
	if err != nil {
		return domain.Contributor{}, err
	}
	normalized := normalizeSkills(skills)
	if err := validateSkills(e.workflowConfig(ctx, c.WorkflowID), normalized); err != nil {
		return domain.Contributor{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Contributor{}, err
	}
	defer tx.Rollback()

	if err := e.Ledger.UpdateContributorSkills(ctx, tx, contributorID, normalized, now); err != nil {
		return domain.Contributor{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ContributorSkillsSet, c.WorkflowID, "contributor", contributorID, actorID, events.EventPayload{"skills": normalized}); err != nil {
		return domain.Contributor{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Contributor{}, err
	}
	c.Skills = normalized
	c.UpdatedAt = now
	return c, nil
}

// ItemCreateOptions are parameters for creating a work item.
type ItemCreateOptions struct {
	ID             string
	WorkflowID     string
	Title          string
	RequiredSkills []string
	Priority       int
	Deadline       string
	PayloadJSON    string
	ActorID        string
}

func (e Engine) CreateItem(ctx context.Context, opts ItemCreateOptions) (domain.WorkItem, error) {
	if opts.WorkflowID == "" {
		return domain.WorkItem{}, errors.New("workflow is required")
	}
	if strings.TrimSpace(opts.Title) == "" {
		return domain.WorkItem{}, errors.New("title is required")
	}
	if _, err := e.Ledger.GetWorkflow(ctx, opts.WorkflowID); err != nil {
		return domain.WorkItem{}, err
	}
	skills := normalizeSkills(opts.RequiredSkills)
	if err := validateSkills(e.workflowConfig(ctx, opts.WorkflowID), skills); err != nil {
		return domain.WorkItem{}, err
	}
	if opts.Deadline != "" {
		if _, err := time.Parse(time.RFC3339, opts.Deadline); err != nil {
			return domain.WorkItem{}, fmt.Errorf("deadline must be RFC3339: %w", err)
		}
	}
	if opts.PayloadJSON != "" {
		if err := validateJSON(opts.PayloadJSON); err != nil {
			return domain.WorkItem{}, fmt.Errorf("payload: %w", err)
		}
	}

	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.WorkflowID+"|"+opts.Title+"|"+now)).String()
	}
	if _, err := e.Ledger.GetItem(ctx, id); err == nil {
		return domain.WorkItem{}, fmt.Errorf("work item %s already exists", id)
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return domain.WorkItem{}, err
	}

	item := domain.WorkItem{
		ID:             id,
		WorkflowID:     opts.WorkflowID,
		Title:          opts.Title,
		RequiredSkills: skills,
		Priority:       opts.Priority,
		State:          "unassigned",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if opts.Deadline != "" {
		item.Deadline = &opts.Deadline
	}
	if opts.PayloadJSON != "" {
		item.PayloadJSON = &opts.PayloadJSON
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	if err := e.Ledger.InsertItem(ctx, tx, item); err != nil {
		return domain.WorkItem{}, fmt.Errorf("insert work item: %w", err)
	}
	err = e.Events.Append(ctx, tx, events.ItemCreated, opts.WorkflowID, "item", id, opts.ActorID, events.EventPayload{
		"title":           opts.Title,
		"required_skills": skills,
		"priority":        opts.Priority,
	})
	if err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return item, nil
}

// ensureItemTransition is the work item state machine. Every state change in
// the engine passes through here before the conditional update runs.
func ensureItemTransition(from, to string) error {
	switch from {
	case "unassigned":
		if to == "assigned" {
			return nil
		}
	case "assigned":
		if to == "locked" || to == "unassigned" {
			return nil
		}
	case "locked":
		if to == "submitted" || to == "assigned" || to == "approved" {
			return nil
		}
	case "submitted":
		if to == "in_review" || to == "approved" || to == "assigned" || to == "rejected" {
			return nil
		}
	case "in_review":
		if to == "approved" || to == "assigned" || to == "rejected" {
			return nil
		}
	case "rejected":
		if to == "assigned" {
			return nil
		}
	}
	return &InvalidTransitionError{Entity: "work item", From: from, To: to}
}

// moveItem validates and applies a state transition inside tx. The update is
// conditional on from, so a concurrent mover surfaces as StaleStateError.
func (e Engine) moveItem(ctx context.Context, tx *sql.Tx, itemID, from, to, now string) error {
	if err := ensureItemTransition(from, to); err != nil {
		return err
	}
	return e.Ledger.UpdateItemState(ctx, tx, itemID, from, to, now)
}

func validateJSON(s string) error {
	if !json.Valid([]byte(s)) {
		return errors.New("invalid JSON")
	}
	return nil
}

func normalizeSkills(skills []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(skills))
	for _, s := range skills {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// validateSkills rejects skills missing from the workflow catalog. An empty
// catalog disables the check.
func validateSkills(cfg *config.Config, skills []string) error {
	if cfg == nil || len(cfg.Skills.Catalog) == 0 {
		return nil
	}
	for _, s := range skills {
		if _, ok := cfg.Skills.Catalog[s]; !ok {
			return fmt.Errorf("unknown skill %q", s)
		}
	}
	return nil
}

func skillSuperset(have, need []string) bool {
	if len(need) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, s := range have {
		set[s] = true
	}
	for _, s := range need {
		if !set[s] {
			return false
		}
	}
	return true
}
