package engine_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"crowdline/internal/config"
	"crowdline/internal/db"
	"crowdline/internal/domain"
	"crowdline/internal/engine"
	"crowdline/internal/ledger"
	"crowdline/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{Ctx: context.Background(), Clock: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, config.Default("wf-1"))
	eng.Now = func() time.Time { return env.Clock }
	eng.Rand = rand.New(rand.NewSource(7))
	env.Engine = eng
	if _, err := eng.InitWorkflow(env.Ctx, engine.WorkflowInitOptions{ID: "wf-1", Name: "test", ActorID: "tester"}); err != nil {
		t.Fatalf("init workflow: %v", err)
	}
	return env
}

func (env *testEnv) advance(d time.Duration) { env.Clock = env.Clock.Add(d) }

func (env *testEnv) reviewLevels(t *testing.T, n int) {
	t.Helper()
	cfg := config.Default("wf-1")
	cfg.Review.Levels = &n
	if err := env.Engine.ImportWorkflowConfig(env.Ctx, "wf-1", cfg, "tester"); err != nil {
		t.Fatalf("import config: %v", err)
	}
}

func (env *testEnv) contributor(t *testing.T, id string, skills ...string) domain.Contributor {
	t.Helper()
	c, err := env.Engine.RegisterContributor(env.Ctx, engine.ContributorRegisterOptions{
		ID: id, WorkflowID: "wf-1", Name: id, Skills: skills, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	return c
}

func (env *testEnv) item(t *testing.T, id string, skills ...string) domain.WorkItem {
	t.Helper()
	item, err := env.Engine.CreateItem(env.Ctx, engine.ItemCreateOptions{
		ID: id, WorkflowID: "wf-1", Title: id, RequiredSkills: skills, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create item %s: %v", id, err)
	}
	return item
}

func (env *testEnv) assign(t *testing.T, itemID, contributorID string) {
	t.Helper()
	_, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{WorkItemID: itemID, ContributorID: contributorID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("assign %s to %s: %v", itemID, contributorID, err)
	}
}

func (env *testEnv) submit(t *testing.T, itemID, contributorID, payload string) engine.SubmitResult {
	t.Helper()
	_, err := env.Engine.AcquireLease(env.Ctx, engine.LeaseOptions{WorkItemID: itemID, ContributorID: contributorID, ActorID: contributorID})
	if err != nil {
		t.Fatalf("lease %s: %v", itemID, err)
	}
	res, err := env.Engine.SubmitVersion(env.Ctx, engine.SubmitOptions{
		WorkItemID: itemID, ContributorID: contributorID, PayloadJSON: payload, ActorID: contributorID,
	})
	if err != nil {
		t.Fatalf("submit %s: %v", itemID, err)
	}
	return res
}

func (env *testEnv) getItem(t *testing.T, id string) domain.WorkItem {
	t.Helper()
	item, err := env.Engine.Ledger.GetItem(env.Ctx, id)
	if err != nil {
		t.Fatalf("get item %s: %v", id, err)
	}
	return item
}

func TestAutoAssignPrefersLeastLoadedQualified(t *testing.T) {
	env := newTestEnv(t)
	env.contributor(t, "ann-a", "nlp.sentiment", "vision.bbox")
	env.contributor(t, "ann-b", "nlp.sentiment")

	// ann-a carries three items, ann-b one.
	for i := 0; i < 3; i++ {
		env.item(t, fmt.Sprintf("seed-a-%d", i))
		env.assign(t, fmt.Sprintf("seed-a-%d", i), "ann-a")
	}
	env.item(t, "seed-b-0")
	env.assign(t, "seed-b-0", "ann-b")

	env.item(t, "work-nlp", "nlp.sentiment")
	a, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{WorkItemID: "work-nlp", ActorID: "tester"})
	if err != nil {
		t.Fatalf("auto assign: %v", err)
	}
	if a.ContributorID != "ann-b" {
		t.Fatalf("expected least loaded ann-b, got %s", a.ContributorID)
	}
	if a.Mode != "auto" || !a.Active {
		t.Fatalf("unexpected assignment %+v", a)
	}
	if got := env.getItem(t, "work-nlp").State; got != "assigned" {
		t.Fatalf("expected assigned, got %s", got)
	}

	// Only ann-a can take vision work despite the heavier load.
	env.item(t, "work-vision", "vision.bbox")
	a, err = env.Engine.Assign(env.Ctx, engine.AssignOptions{WorkItemID: "work-vision", ActorID: "tester"})
	if err != nil {
		t.Fatalf("auto assign vision: %v", err)
	}
	if a.ContributorID != "ann-a" {
		t.Fatalf("expected skill match ann-a, got %s", a.ContributorID)
	}

	env.item(t, "work-audio", "audio.transcription")
	_, err = env.Engine.Assign(env.Ctx, engine.AssignOptions{WorkItemID: "work-audio", ActorID: "tester"})
	if !errors.Is(err, engine.ErrNoEligibleContributor) {
		t.Fatalf("expected ErrNoEligibleContributor, got %v", err)
	}
}

func TestAutoAssignSpreadsLoad(t *testing.T) {
	env := newTestEnv(t)
	ids := []string{"ann-a", "ann-b", "ann-c"}
	for _, id := range ids {
		env.contributor(t, id, "nlp.sentiment")
	}
	for i := 0; i < 30; i++ {
		itemID := fmt.Sprintf("batch-%02d", i)
		env.item(t, itemID, "nlp.sentiment")
		if _, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{WorkItemID: itemID, ActorID: "tester"}); err != nil {
			t.Fatalf("assign %s: %v", itemID, err)
		}
	}
	min, max := 30, 0
	for _, id := range ids {
		n, err := env.Engine.Ledger.Workload(env.Ctx, id)
		if err != nil {
			t.Fatalf("workload %s: %v", id, err)
		}
		if n < min {
			min = n
		}
		if n > max {
			max = n
		}
	}
	if max-min > 1 {
		t.Fatalf("uneven spread: min %d max %d", min, max)
	}
}

func TestManualAssignUnavailableContributor(t *testing.T) {
	env := newTestEnv(t)
	env.contributor(t, "ann-a", "nlp.sentiment")
	if _, err := env.Engine.SuspendContributor(env.Ctx, "ann-a", "tester"); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	env.item(t, "work-1")

	_, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{WorkItemID: "work-1", ContributorID: "ann-a", ActorID: "tester"})
	var unavailable *engine.ContributorUnavailableError
	if !errors.As(err, &unavailable) || unavailable.Status != "suspended" {
		t.Fatalf("expected suspended ContributorUnavailableError, got %v", err)
	}

	_, err = env.Engine.Assign(env.Ctx, engine.AssignOptions{WorkItemID: "work-1", ContributorID: "ghost", ActorID: "tester"})
	if !errors.As(err, &unavailable) || unavailable.Status != "missing" {
		t.Fatalf("expected missing ContributorUnavailableError, got %v", err)
	}

	// Reinstated contributors are assignable again.
	if _, err := env.Engine.ReinstateContributor(env.Ctx, "ann-a", "tester"); err != nil {
		t.Fatalf("reinstate: %v", err)
	}
	if _, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{WorkItemID: "work-1", ContributorID: "ann-a", ActorID: "tester"}); err != nil {
		t.Fatalf("assign after reinstate: %v", err)
	}
}

func TestAssignTransitionRules(t *testing.T) {
	env := newTestEnv(t)
	env.contributor(t, "ann-a")
	env.contributor(t, "ann-b")
	env.item(t, "work-1")
	env.assign(t, "work-1", "ann-a")

	// Assigned items cannot be assigned again without an unassign.
	_, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{WorkItemID: "work-1", ContributorID: "ann-b", ActorID: "tester"})
	var invalid *engine.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}

	if _, err := env.Engine.Unassign(env.Ctx, "work-1", "tester"); err != nil {
		t.Fatalf("unassign: %v", err)
	}
	if got := env.getItem(t, "work-1").State; got != "unassigned" {
		t.Fatalf("expected unassigned, got %s", got)
	}
	if _, err := env.Engine.Ledger.ActiveAssignment(env.Ctx, "work-1"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected assignment released, got %v", err)
	}
	env.assign(t, "work-1", "ann-b")
}

func TestLeaseExclusivityAndExpiry(t *testing.T) {
	env := newTestEnv(t)
	env.contributor(t, "ann-a")
	env.contributor(t, "ann-b")
	env.item(t, "work-1")
	env.assign(t, "work-1", "ann-a")

	lease, err := env.Engine.AcquireLease(env.Ctx, engine.LeaseOptions{WorkItemID: "work-1", ContributorID: "ann-a", TTLSeconds: 60, ActorID: "ann-a"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if lease.HolderID != "ann-a" {
		t.Fatalf("unexpected holder %s", lease.HolderID)
	}
	if got := env.getItem(t, "work-1").State; got != "locked" {
		t.Fatalf("expected locked, got %s", got)
	}

	// A live lease denies everyone else and names the holder.
	_, err = env.Engine.AcquireLease(env.Ctx, engine.LeaseOptions{WorkItemID: "work-1", ContributorID: "ann-b", TTLSeconds: 60, ActorID: "ann-b"})
	var denied *engine.LeaseDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected LeaseDeniedError, got %v", err)
	}
	if denied.HolderID != "ann-a" || denied.ExpiresAt != lease.ExpiresAt {
		t.Fatalf("unexpected denial %+v", denied)
	}

	// Expiry is lazy: once the TTL passes, the next caller takes over.
	env.advance(61 * time.Second)
	took, err := env.Engine.AcquireLease(env.Ctx, engine.LeaseOptions{WorkItemID: "work-1", ContributorID: "ann-b", TTLSeconds: 60, ActorID: "ann-b"})
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	if took.HolderID != "ann-b" {
		t.Fatalf("expected takeover by ann-b, got %s", took.HolderID)
	}
	_, err = env.Engine.AcquireLease(env.Ctx, engine.LeaseOptions{WorkItemID: "work-1", ContributorID: "ann-a", TTLSeconds: 60, ActorID: "ann-a"})
	if !errors.As(err, &denied) || denied.HolderID != "ann-b" {
		t.Fatalf("expected denial by ann-b, got %v", err)
	}
}

func TestLeaseRenewalByHolder(t *testing.T) {
	env := newTestEnv(t)
	env.contributor(t, "ann-a")
	env.item(t, "work-1")
	env.assign(t, "work-1", "ann-a")

	first, err := env.Engine.AcquireLease(env.Ctx, engine.LeaseOptions{WorkItemID: "work-1", ContributorID: "ann-a", TTLSeconds: 60, ActorID: "ann-a"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	env.advance(30 * time.Second)
	renewed, err := env.Engine.AcquireLease(env.Ctx, engine.LeaseOptions{WorkItemID: "work-1", ContributorID: "ann-a", TTLSeconds: 60, ActorID: "ann-a"})
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if renewed.ExpiresAt <= first.ExpiresAt {
		t.Fatalf("expected extended expiry, got %s then %s", first.ExpiresAt, renewed.ExpiresAt)
	}
}

func TestLeaseReleaseSemantics(t *testing.T) {
	env := newTestEnv(t)
	env.contributor(t, "ann-a")
	env.contributor(t, "ann-b")
	env.item(t, "work-1")
	env.assign(t, "work-1", "ann-a")

	if _, err := env.Engine.AcquireLease(env.Ctx, engine.LeaseOptions{WorkItemID: "work-1", ContributorID: "ann-a", TTLSeconds: 60, ActorID: "ann-a"}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// A non-holder cannot release a live lease.
	if err := env.Engine.ReleaseLease(env.Ctx, "work-1", "ann-b", "ann-b"); !errors.Is(err, engine.ErrLeaseNotHeld) {
		t.Fatalf("expected ErrLeaseNotHeld, got %v", err)
	}
	if err := env.Engine.ReleaseLease(env.Ctx, "work-1", "ann-a", "ann-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := env.getItem(t, "work-1").State; got != "assigned" {
		t.Fatalf("expected assigned after release, got %s", got)
	}
	// Releasing again, by anyone, is a no-op.
	if err := env.Engine.ReleaseLease(env.Ctx, "work-1", "ann-a", "ann-a"); err != nil {
		t.Fatalf("double release: %v", err)
	}
	if err := env.Engine.ReleaseLease(env.Ctx, "work-1", "ann-b", "ann-b"); err != nil {
		t.Fatalf("release absent lease: %v", err)
	}
	// Same for an expired lease.
	if _, err := env.Engine.AcquireLease(env.Ctx, engine.LeaseOptions{WorkItemID: "work-1", ContributorID: "ann-a", TTLSeconds: 60, ActorID: "ann-a"}); err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	env.advance(61 * time.Second)
	if err := env.Engine.ReleaseLease(env.Ctx, "work-1", "ann-b", "ann-b"); err != nil {
		t.Fatalf("release expired lease: %v", err)
	}
}

func TestSubmitRequiresLease(t *testing.T) {
	env := newTestEnv(t)
	env.contributor(t, "ann-a")
	env.contributor(t, "ann-b")
	env.item(t, "work-1")
	env.assign(t, "work-1", "ann-a")

	_, err := env.Engine.SubmitVersion(env.Ctx, engine.SubmitOptions{WorkItemID: "work-1", ContributorID: "ann-a", PayloadJSON: `{"label":"cat"}`, ActorID: "ann-a"})
	if !errors.Is(err, engine.ErrLeaseNotHeld) {
		t.Fatalf("expected ErrLeaseNotHeld without lease, got %v", err)
	}

	if _, err := env.Engine.AcquireLease(env.Ctx, engine.LeaseOptions{WorkItemID: "work-1", ContributorID: "ann-a", TTLSeconds: 60, ActorID: "ann-a"}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// Someone else holding their breath does not get to submit.
	_, err = env.Engine.SubmitVersion(env.Ctx, engine.SubmitOptions{WorkItemID: "work-1", ContributorID: "ann-b", PayloadJSON: `{"label":"dog"}`, ActorID: "ann-b"})
	if !errors.Is(err, engine.ErrLeaseNotHeld) {
		t.Fatalf("expected ErrLeaseNotHeld for non-holder, got %v", err)
	}
	// Neither does the holder after expiry.
	env.advance(61 * time.Second)
	_, err = env.Engine.SubmitVersion(env.Ctx, engine.SubmitOptions{WorkItemID: "work-1", ContributorID: "ann-a", PayloadJSON: `{"label":"cat"}`, ActorID: "ann-a"})
	if !errors.Is(err, engine.ErrLeaseNotHeld) {
		t.Fatalf("expected ErrLeaseNotHeld after expiry, got %v", err)
	}
}

func TestSubmitVersioningAndRework(t *testing.T) {
	env := newTestEnv(t)
	env.contributor(t, "ann-a")
	env.contributor(t, "rev-1")
	env.item(t, "work-1")
	env.assign(t, "work-1", "ann-a")

	res := env.submit(t, "work-1", "ann-a", `{"label":"cat"}`)
	if res.Version.Version != 1 {
		t.Fatalf("expected version 1, got %d", res.Version.Version)
	}
	if res.ReviewTask == nil || res.ReviewTask.Level != 1 || res.ReviewTask.MaxLevel != 2 {
		t.Fatalf("unexpected review task %+v", res.ReviewTask)
	}
	if got := env.getItem(t, "work-1").State; got != "submitted" {
		t.Fatalf("expected submitted, got %s", got)
	}
	if _, err := env.Engine.Ledger.GetLease(env.Ctx, "work-1"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected lease released on submit, got %v", err)
	}

	// Rejection sends the item back to its annotator for rework.
	if _, err := env.Engine.Reject(env.Ctx, engine.ReviewDecisionOptions{ReviewTaskID: res.ReviewTask.ID, ReviewerID: "rev-1", Reason: "missing spans"}); err != nil {
		t.Fatalf("reject: %v", err)
	}
	item := env.getItem(t, "work-1")
	if item.State != "assigned" {
		t.Fatalf("expected assigned after reject, got %s", item.State)
	}
	a, err := env.Engine.Ledger.ActiveAssignment(env.Ctx, "work-1")
	if err != nil || a.ContributorID != "ann-a" {
		t.Fatalf("expected rework assignment to ann-a, got %+v err %v", a, err)
	}

	res2 := env.submit(t, "work-1", "ann-a", `{"label":"cat","spans":[1,2]}`)
	if res2.Version.Version != 2 {
		t.Fatalf("expected version 2, got %d", res2.Version.Version)
	}
	versions, err := env.Engine.Versions(env.Ctx, "work-1")
	if err != nil || len(versions) != 2 {
		t.Fatalf("expected both versions retained, got %d err %v", len(versions), err)
	}
	if versions[0].PayloadJSON != `{"label":"cat"}` {
		t.Fatalf("version 1 payload mutated: %s", versions[0].PayloadJSON)
	}
}

func TestTwoLevelReviewApproval(t *testing.T) {
	env := newTestEnv(t)
	env.contributor(t, "ann-a")
	env.contributor(t, "rev-1")
	env.contributor(t, "rev-2")
	env.item(t, "work-1")
	env.assign(t, "work-1", "ann-a")
	res := env.submit(t, "work-1", "ann-a", `{"label":"cat"}`)

	rt, err := env.Engine.Approve(env.Ctx, engine.ReviewDecisionOptions{ReviewTaskID: res.ReviewTask.ID, ReviewerID: "rev-1"})
	if err != nil {
		t.Fatalf("approve level 1: %v", err)
	}
	if rt.Status != "pending" || rt.Level != 2 {
		t.Fatalf("expected pending level 2, got %s level %d", rt.Status, rt.Level)
	}
	if got := env.getItem(t, "work-1").State; got != "in_review" {
		t.Fatalf("expected in_review, got %s", got)
	}

	rt, err = env.Engine.Approve(env.Ctx, engine.ReviewDecisionOptions{ReviewTaskID: rt.ID, ReviewerID: "rev-2"})
	if err != nil {
		t.Fatalf("approve level 2: %v", err)
	}
	if rt.Status != "approved" {
		t.Fatalf("expected approved, got %s", rt.Status)
	}
	if got := env.getItem(t, "work-1").State; got != "approved" {
		t.Fatalf("expected approved item, got %s", got)
	}
	if _, err := env.Engine.Ledger.ActiveAssignment(env.Ctx, "work-1"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected assignment released, got %v", err)
	}

	// Terminal tasks take no further decisions.
	_, err = env.Engine.Approve(env.Ctx, engine.ReviewDecisionOptions{ReviewTaskID: rt.ID, ReviewerID: "rev-1"})
	var invalid *engine.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}

	history, err := env.Engine.ReviewHistory(env.Ctx, "work-1")
	if err != nil || len(history) != 2 {
		t.Fatalf("expected 2 review actions, got %d err %v", len(history), err)
	}
	if history[0].Level != 1 || history[1].Level != 2 {
		t.Fatalf("unexpected levels %d %d", history[0].Level, history[1].Level)
	}
}

func TestRejectRequiresReason(t *testing.T) {
	env := newTestEnv(t)
	env.contributor(t, "ann-a")
	env.contributor(t, "rev-1")
	env.item(t, "work-1")
	env.assign(t, "work-1", "ann-a")
	res := env.submit(t, "work-1", "ann-a", `{"label":"cat"}`)

	if _, err := env.Engine.Reject(env.Ctx, engine.ReviewDecisionOptions{ReviewTaskID: res.ReviewTask.ID, ReviewerID: "rev-1"}); err == nil {
		t.Fatalf("expected reason required error")
	}
	if rt, err := env.Engine.Ledger.GetReviewTask(env.Ctx, res.ReviewTask.ID); err != nil || rt.Status != "pending" {
		t.Fatalf("task should stay pending, got %+v err %v", rt, err)
	}
}

func TestRejectParksWhenAnnotatorUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.contributor(t, "ann-a")
	env.contributor(t, "ann-b")
	env.contributor(t, "rev-1")
	env.item(t, "work-1")
	env.assign(t, "work-1", "ann-a")
	res := env.submit(t, "work-1", "ann-a", `{"label":"cat"}`)

	if _, err := env.Engine.SuspendContributor(env.Ctx, "ann-a", "tester"); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if _, err := env.Engine.Reject(env.Ctx, engine.ReviewDecisionOptions{ReviewTaskID: res.ReviewTask.ID, ReviewerID: "rev-1", Reason: "bad labels"}); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if got := env.getItem(t, "work-1").State; got != "rejected" {
		t.Fatalf("expected parked rejected, got %s", got)
	}
	if _, err := env.Engine.Ledger.ActiveAssignment(env.Ctx, "work-1"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected assignment released, got %v", err)
	}

	// Parked items leave via manual assignment only.
	_, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{WorkItemID: "work-1", Mode: "auto", ActorID: "tester"})
	var invalid *engine.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError for auto rescue, got %v", err)
	}
	if _, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{WorkItemID: "work-1", ContributorID: "ann-b", ActorID: "tester"}); err != nil {
		t.Fatalf("manual rescue: %v", err)
	}
	if got := env.getItem(t, "work-1").State; got != "assigned" {
		t.Fatalf("expected assigned after rescue, got %s", got)
	}
}

func TestZeroReviewLevelsAutoApproves(t *testing.T) {
	env := newTestEnv(t)
	env.reviewLevels(t, 0)
	env.contributor(t, "ann-a")
	env.item(t, "work-1")
	env.assign(t, "work-1", "ann-a")

	res := env.submit(t, "work-1", "ann-a", `{"label":"cat"}`)
	if res.ReviewTask != nil {
		t.Fatalf("expected no review task, got %+v", res.ReviewTask)
	}
	if got := env.getItem(t, "work-1").State; got != "approved" {
		t.Fatalf("expected approved, got %s", got)
	}
	if _, err := env.Engine.Ledger.ActiveAssignment(env.Ctx, "work-1"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected assignment released, got %v", err)
	}
}

func TestPendingItemsOrdering(t *testing.T) {
	env := newTestEnv(t)
	env.reviewLevels(t, 1)
	env.contributor(t, "ann-a")
	env.contributor(t, "rev-1")

	for _, id := range []string{"work-low", "work-high", "work-soon", "work-late"} {
		env.item(t, id)
		env.assign(t, id, "ann-a")
	}
	if _, err := env.Engine.SetPriority(env.Ctx, "work-high", 5, "tester"); err != nil {
		t.Fatalf("set priority: %v", err)
	}
	if _, err := env.Engine.SetPriority(env.Ctx, "work-soon", 3, "tester"); err != nil {
		t.Fatalf("set priority: %v", err)
	}
	if _, err := env.Engine.SetPriority(env.Ctx, "work-late", 3, "tester"); err != nil {
		t.Fatalf("set priority: %v", err)
	}
	if _, err := env.Engine.SetDeadline(env.Ctx, "work-soon", "2026-03-03T09:00:00Z", "tester"); err != nil {
		t.Fatalf("set deadline: %v", err)
	}

	pending, err := env.Engine.PendingItems(env.Ctx, "ann-a")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	got := make([]string, 0, len(pending))
	for _, it := range pending {
		got = append(got, it.ID)
	}
	want := []string{"work-high", "work-soon", "work-late", "work-low"}
	if len(got) != len(want) {
		t.Fatalf("expected %d pending, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}

	// Approved items fall out of the queue and freeze their metadata.
	res := env.submit(t, "work-high", "ann-a", `{"ok":true}`)
	if _, err := env.Engine.Approve(env.Ctx, engine.ReviewDecisionOptions{ReviewTaskID: res.ReviewTask.ID, ReviewerID: "rev-1"}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	pending, err = env.Engine.PendingItems(env.Ctx, "ann-a")
	if err != nil || len(pending) != 3 {
		t.Fatalf("expected 3 pending after approval, got %d err %v", len(pending), err)
	}
	if _, err := env.Engine.SetPriority(env.Ctx, "work-high", 9, "tester"); !errors.Is(err, engine.ErrItemFrozen) {
		t.Fatalf("expected ErrItemFrozen, got %v", err)
	}
	if _, err := env.Engine.SetDeadline(env.Ctx, "work-high", "2026-03-04T09:00:00Z", "tester"); !errors.Is(err, engine.ErrItemFrozen) {
		t.Fatalf("expected ErrItemFrozen, got %v", err)
	}
}

func TestBatchApproveIndependentOutcomes(t *testing.T) {
	env := newTestEnv(t)
	env.reviewLevels(t, 1)
	env.contributor(t, "ann-a")
	env.contributor(t, "rev-1")

	var tasks []string
	for _, id := range []string{"work-1", "work-2"} {
		env.item(t, id)
		env.assign(t, id, "ann-a")
		res := env.submit(t, id, "ann-a", `{"ok":true}`)
		tasks = append(tasks, res.ReviewTask.ID)
	}

	// The duplicate hits a terminal task and fails alone.
	decisions := env.Engine.BatchApprove(env.Ctx, []string{tasks[0], tasks[1], tasks[0]}, "rev-1")
	if len(decisions) != 3 {
		t.Fatalf("expected 3 decisions, got %d", len(decisions))
	}
	if decisions[0].Err != nil || decisions[1].Err != nil {
		t.Fatalf("expected first two to succeed: %v %v", decisions[0].Err, decisions[1].Err)
	}
	if decisions[2].Err == nil {
		t.Fatalf("expected duplicate to fail")
	}
	for _, id := range []string{"work-1", "work-2"} {
		if got := env.getItem(t, id).State; got != "approved" {
			t.Fatalf("expected %s approved, got %s", id, got)
		}
	}
}

func TestEventsAppended(t *testing.T) {
	env := newTestEnv(t)
	env.reviewLevels(t, 1)
	env.contributor(t, "ann-a")
	env.contributor(t, "rev-1")
	env.item(t, "work-1")
	env.assign(t, "work-1", "ann-a")
	res := env.submit(t, "work-1", "ann-a", `{"ok":true}`)
	if _, err := env.Engine.Approve(env.Ctx, engine.ReviewDecisionOptions{ReviewTaskID: res.ReviewTask.ID, ReviewerID: "rev-1"}); err != nil {
		t.Fatalf("approve: %v", err)
	}

	evts, err := env.Engine.Ledger.LatestEvents(env.Ctx, 50, "wf-1", "", "", "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	seen := map[string]bool{}
	for _, evt := range evts {
		seen[evt.Type] = true
	}
	for _, want := range []string{"workflow.created", "contributor.registered", "item.created", "item.assigned", "lease.acquired", "annotation.submitted", "review.opened", "review.approved"} {
		if !seen[want] {
			t.Fatalf("missing event %s in %v", want, seen)
		}
	}
}
