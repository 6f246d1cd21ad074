package engine_test

import (
	"errors"
	"fmt"
	"testing"

	"crowdline/internal/engine"
)

// approveCycle drives one item from creation to final approval.
func (env *testEnv) approveCycle(t *testing.T, itemID, annotator, reviewer, payload string) {
	t.Helper()
	env.item(t, itemID)
	env.assign(t, itemID, annotator)
	res := env.submit(t, itemID, annotator, payload)
	rt := res.ReviewTask
	for {
		next, err := env.Engine.Approve(env.Ctx, engine.ReviewDecisionOptions{ReviewTaskID: rt.ID, ReviewerID: reviewer})
		if err != nil {
			t.Fatalf("approve %s: %v", itemID, err)
		}
		if next.Status == "approved" {
			return
		}
		rt = &next
	}
}

// rejectCycle drives one item to a rejected review outcome.
func (env *testEnv) rejectCycle(t *testing.T, itemID, annotator, reviewer, payload string) {
	t.Helper()
	env.item(t, itemID)
	env.assign(t, itemID, annotator)
	res := env.submit(t, itemID, annotator, payload)
	if _, err := env.Engine.Reject(env.Ctx, engine.ReviewDecisionOptions{ReviewTaskID: res.ReviewTask.ID, ReviewerID: reviewer, Reason: "quality"}); err != nil {
		t.Fatalf("reject %s: %v", itemID, err)
	}
}

func TestSubmitForReviewRecoveryAndAudit(t *testing.T) {
	env := newTestEnv(t)
	env.contributor(t, "ann-a")
	env.contributor(t, "rev-1")
	env.contributor(t, "rev-2")
	env.item(t, "work-1")

	// No annotation yet: nothing to review.
	_, err := env.Engine.SubmitForReview(env.Ctx, engine.ReviewOpenOptions{WorkItemID: "work-1", ActorID: "tester"})
	var invalid *engine.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError on unassigned item, got %v", err)
	}

	env.assign(t, "work-1", "ann-a")
	res := env.submit(t, "work-1", "ann-a", `{"label":"cat"}`)

	// The submission already opened a task; a second explicit open is refused.
	_, err = env.Engine.SubmitForReview(env.Ctx, engine.ReviewOpenOptions{WorkItemID: "work-1", ActorID: "tester"})
	if !errors.Is(err, engine.ErrReviewOpen) {
		t.Fatalf("expected ErrReviewOpen, got %v", err)
	}

	rt, err := env.Engine.Approve(env.Ctx, engine.ReviewDecisionOptions{ReviewTaskID: res.ReviewTask.ID, ReviewerID: "rev-1"})
	if err != nil {
		t.Fatalf("approve level 1: %v", err)
	}
	_, err = env.Engine.SubmitForReview(env.Ctx, engine.ReviewOpenOptions{WorkItemID: "work-1", ActorID: "tester"})
	if !errors.Is(err, engine.ErrReviewOpen) {
		t.Fatalf("expected ErrReviewOpen while in review, got %v", err)
	}
	if _, err := env.Engine.Approve(env.Ctx, engine.ReviewDecisionOptions{ReviewTaskID: rt.ID, ReviewerID: "rev-2"}); err != nil {
		t.Fatalf("approve level 2: %v", err)
	}

	// On an approved item an explicit request opens a single-level audit.
	audit, err := env.Engine.SubmitForReview(env.Ctx, engine.ReviewOpenOptions{WorkItemID: "work-1", ActorID: "tester"})
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	if audit.Kind != "audit" || audit.Level != 1 || audit.MaxLevel != 1 || audit.Version != 1 {
		t.Fatalf("unexpected audit task %+v", audit)
	}

	// Audit outcomes score the annotator but never reopen the item.
	if _, err := env.Engine.Reject(env.Ctx, engine.ReviewDecisionOptions{ReviewTaskID: audit.ID, ReviewerID: "rev-1", Reason: "spot check failed"}); err != nil {
		t.Fatalf("audit reject: %v", err)
	}
	if got := env.getItem(t, "work-1").State; got != "approved" {
		t.Fatalf("audit reject must not reopen the item, got %s", got)
	}
	report, err := env.Engine.Accuracy(env.Ctx, "ann-a")
	if err != nil {
		t.Fatalf("accuracy: %v", err)
	}
	if report.Approved != 1 || report.Rejected != 1 || report.Accuracy != 0.5 {
		t.Fatalf("unexpected accuracy %+v", report)
	}
}

func TestConflictLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.contributor(t, "ann-a")
	env.contributor(t, "ann-b")
	env.contributor(t, "ann-c")
	env.contributor(t, "rev-1")
	env.item(t, "work-1")

	// Three annotators produce three versions through the rework loop.
	env.assign(t, "work-1", "ann-a")
	res := env.submit(t, "work-1", "ann-a", `{"label":"cat","score":1}`)
	if _, err := env.Engine.Reject(env.Ctx, engine.ReviewDecisionOptions{ReviewTaskID: res.ReviewTask.ID, ReviewerID: "rev-1", Reason: "second opinion"}); err != nil {
		t.Fatalf("reject v1: %v", err)
	}
	if _, err := env.Engine.Unassign(env.Ctx, "work-1", "tester"); err != nil {
		t.Fatalf("unassign: %v", err)
	}
	env.assign(t, "work-1", "ann-b")
	res = env.submit(t, "work-1", "ann-b", `{"label":"dog","score":1}`)
	if _, err := env.Engine.Reject(env.Ctx, engine.ReviewDecisionOptions{ReviewTaskID: res.ReviewTask.ID, ReviewerID: "rev-1", Reason: "third opinion"}); err != nil {
		t.Fatalf("reject v2: %v", err)
	}
	if _, err := env.Engine.Unassign(env.Ctx, "work-1", "tester"); err != nil {
		t.Fatalf("unassign: %v", err)
	}
	env.assign(t, "work-1", "ann-c")
	env.submit(t, "work-1", "ann-c", `{"score":1,"label":"cat"}`)

	// v3 equals v1 up to key order, so only two pairs diverge.
	conflicts, err := env.Engine.DetectConflicts(env.Ctx, "work-1", "tester")
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(conflicts) != 2 {
		t.Fatalf("expected 2 conflicts, got %d", len(conflicts))
	}
	again, err := env.Engine.DetectConflicts(env.Ctx, "work-1", "tester")
	if err != nil || len(again) != 2 {
		t.Fatalf("detection should be idempotent, got %d err %v", len(again), err)
	}
	byPair := map[string]string{}
	for _, c := range conflicts {
		if c.Status != "unresolved" {
			t.Fatalf("expected unresolved, got %+v", c)
		}
		byPair[fmt.Sprintf("%d-%d", c.VersionA, c.VersionB)] = c.ID
	}
	first, ok := byPair["1-2"]
	second, ok2 := byPair["2-3"]
	if !ok || !ok2 {
		t.Fatalf("unexpected conflict pairs %v", byPair)
	}

	// A changed vote replaces the voter's earlier choice.
	if _, err := env.Engine.Vote(env.Ctx, engine.VoteOptions{ConflictID: first, VoterID: "rev-1", Choice: 1}); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if _, err := env.Engine.Vote(env.Ctx, engine.VoteOptions{ConflictID: first, VoterID: "ann-c", Choice: 2}); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if _, err := env.Engine.Vote(env.Ctx, engine.VoteOptions{ConflictID: first, VoterID: "ann-c", Choice: 1}); err != nil {
		t.Fatalf("revote: %v", err)
	}
	if _, err := env.Engine.Vote(env.Ctx, engine.VoteOptions{ConflictID: first, VoterID: "rev-1", Choice: 9}); err == nil {
		t.Fatalf("expected choice validation error")
	}
	resolved, err := env.Engine.ResolveByVote(env.Ctx, first, "tester")
	if err != nil {
		t.Fatalf("resolve by vote: %v", err)
	}
	if resolved.Status != "resolved" || resolved.Method == nil || *resolved.Method != "vote" || resolved.Outcome == nil || *resolved.Outcome != 1 {
		t.Fatalf("unexpected resolution %+v", resolved)
	}

	// No votes, then a tie: neither is a strict majority.
	if _, err := env.Engine.ResolveByVote(env.Ctx, second, "tester"); !errors.Is(err, engine.ErrConflictUnresolved) {
		t.Fatalf("expected ErrConflictUnresolved with no votes, got %v", err)
	}
	if _, err := env.Engine.Vote(env.Ctx, engine.VoteOptions{ConflictID: second, VoterID: "rev-1", Choice: 2}); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if _, err := env.Engine.Vote(env.Ctx, engine.VoteOptions{ConflictID: second, VoterID: "ann-a", Choice: 3}); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if _, err := env.Engine.ResolveByVote(env.Ctx, second, "tester"); !errors.Is(err, engine.ErrConflictUnresolved) {
		t.Fatalf("expected ErrConflictUnresolved on tie, got %v", err)
	}
	arb, err := env.Engine.ResolveByArbiter(env.Ctx, engine.ArbiterOptions{ConflictID: second, ArbiterID: "lead-1", Choice: 3})
	if err != nil {
		t.Fatalf("arbiter: %v", err)
	}
	if arb.Method == nil || *arb.Method != "arbiter" || arb.Outcome == nil || *arb.Outcome != 3 || arb.ResolvedBy == nil || *arb.ResolvedBy != "lead-1" {
		t.Fatalf("unexpected arbiter resolution %+v", arb)
	}

	// Resolved conflicts are settled for good.
	var invalid *engine.InvalidTransitionError
	if _, err := env.Engine.Vote(env.Ctx, engine.VoteOptions{ConflictID: first, VoterID: "rev-1", Choice: 1}); !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError voting on resolved, got %v", err)
	}
	if _, err := env.Engine.ResolveByArbiter(env.Ctx, engine.ArbiterOptions{ConflictID: second, ArbiterID: "lead-1", Choice: 2}); !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError re-resolving, got %v", err)
	}

	report, err := env.Engine.ConflictReport(env.Ctx, "wf-1")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.Total != 2 || report.Resolved != 2 || report.Unresolved != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.ByMethod["vote"] != 1 || report.ByMethod["arbiter"] != 1 {
		t.Fatalf("unexpected methods %v", report.ByMethod)
	}
}

func TestThresholdCheckAndQualityHold(t *testing.T) {
	env := newTestEnv(t)
	env.reviewLevels(t, 1)
	env.contributor(t, "ann-a", "nlp.ner")
	env.contributor(t, "rev-1")

	for i := 0; i < 8; i++ {
		env.approveCycle(t, fmt.Sprintf("good-%d", i), "ann-a", "rev-1", `{"ok":true}`)
	}
	for i := 0; i < 2; i++ {
		env.rejectCycle(t, fmt.Sprintf("bad-%d", i), "ann-a", "rev-1", `{"ok":false}`)
	}

	report, err := env.Engine.Accuracy(env.Ctx, "ann-a")
	if err != nil || report.Approved != 8 || report.Rejected != 2 || report.Accuracy != 0.8 {
		t.Fatalf("unexpected accuracy %+v err %v", report, err)
	}

	// Meeting the threshold exactly passes.
	check, err := env.Engine.CheckThreshold(env.Ctx, engine.ThresholdCheckOptions{ContributorID: "ann-a", Threshold: 0.8, ActorID: "tester"})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !check.Passed || check.QualityHold {
		t.Fatalf("expected pass without hold, got %+v", check)
	}

	// A breach reports, holds, and keeps the contributor out of auto assignment.
	check, err = env.Engine.CheckThreshold(env.Ctx, engine.ThresholdCheckOptions{ContributorID: "ann-a", Threshold: 0.85, ActorID: "tester"})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if check.Passed || !check.QualityHold {
		t.Fatalf("expected breach with hold, got %+v", check)
	}
	c, err := env.Engine.Ledger.GetContributor(env.Ctx, "ann-a")
	if err != nil || !c.QualityHold {
		t.Fatalf("expected persisted hold, got %+v err %v", c, err)
	}
	env.item(t, "probe-1", "nlp.ner")
	if _, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{WorkItemID: "probe-1", ActorID: "tester"}); !errors.Is(err, engine.ErrNoEligibleContributor) {
		t.Fatalf("expected held contributor excluded, got %v", err)
	}
	evts, err := env.Engine.Ledger.LatestEvents(env.Ctx, 10, "wf-1", "quality.warning", "", "")
	if err != nil || len(evts) == 0 {
		t.Fatalf("expected quality warning event, got %d err %v", len(evts), err)
	}

	// Passing a later check releases the hold.
	check, err = env.Engine.CheckThreshold(env.Ctx, engine.ThresholdCheckOptions{ContributorID: "ann-a", Threshold: 0.8, ActorID: "tester"})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !check.Passed || check.QualityHold {
		t.Fatalf("expected hold cleared, got %+v", check)
	}
	if _, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{WorkItemID: "probe-1", ActorID: "tester"}); err != nil {
		t.Fatalf("assign after clear: %v", err)
	}
}

func TestSampleForReviewBuildsAuditTasks(t *testing.T) {
	env := newTestEnv(t)
	env.reviewLevels(t, 1)
	env.contributor(t, "ann-a")
	env.contributor(t, "rev-1")
	for i := 0; i < 4; i++ {
		env.approveCycle(t, fmt.Sprintf("done-%d", i), "ann-a", "rev-1", `{"ok":true}`)
	}

	tasks, err := env.Engine.SampleForReview(env.Ctx, engine.SampleOptions{WorkflowID: "wf-1", Rate: 0.5, ActorID: "tester"})
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 audit tasks from a pool of 4, got %d", len(tasks))
	}
	for _, rt := range tasks {
		if rt.Kind != "audit" || rt.Status != "pending" || rt.MaxLevel != 1 {
			t.Fatalf("unexpected task %+v", rt)
		}
		if got := env.getItem(t, rt.WorkItemID).State; got != "approved" {
			t.Fatalf("sampling must not touch item state, got %s", got)
		}
	}

	// Sampled items leave the pool; the floor eventually reaches zero.
	tasks, err = env.Engine.SampleForReview(env.Ctx, engine.SampleOptions{WorkflowID: "wf-1", Rate: 0.5, ActorID: "tester"})
	if err != nil || len(tasks) != 1 {
		t.Fatalf("expected 1 audit task from a pool of 2, got %d err %v", len(tasks), err)
	}
	tasks, err = env.Engine.SampleForReview(env.Ctx, engine.SampleOptions{WorkflowID: "wf-1", Rate: 0.5, ActorID: "tester"})
	if err != nil || len(tasks) != 0 {
		t.Fatalf("expected empty sample from a pool of 1, got %d err %v", len(tasks), err)
	}
}

func TestRecomputeAccuracyAndRanking(t *testing.T) {
	env := newTestEnv(t)
	env.reviewLevels(t, 1)
	env.contributor(t, "ann-a")
	env.contributor(t, "ann-b")
	env.contributor(t, "ann-c")
	env.contributor(t, "rev-1")

	env.approveCycle(t, "a-1", "ann-a", "rev-1", `{"ok":true}`)
	env.approveCycle(t, "a-2", "ann-a", "rev-1", `{"ok":true}`)
	env.rejectCycle(t, "a-3", "ann-a", "rev-1", `{"ok":false}`)
	env.approveCycle(t, "b-1", "ann-b", "rev-1", `{"ok":true}`)

	ranking, err := env.Engine.QualityRanking(env.Ctx, "wf-1")
	if err != nil {
		t.Fatalf("ranking: %v", err)
	}
	if len(ranking) != 4 {
		t.Fatalf("expected all contributors ranked, got %d", len(ranking))
	}
	if ranking[0].ContributorID != "ann-b" || ranking[1].ContributorID != "ann-a" {
		t.Fatalf("unexpected leaders %s, %s", ranking[0].ContributorID, ranking[1].ContributorID)
	}
	if ranking[2].ContributorID != "ann-c" || ranking[3].ContributorID != "rev-1" {
		t.Fatalf("unexpected tail %s, %s", ranking[2].ContributorID, ranking[3].ContributorID)
	}

	n, err := env.Engine.RecomputeAccuracy(env.Ctx, "wf-1", "tester")
	if err != nil || n != 4 {
		t.Fatalf("expected 4 contributors recomputed, got %d err %v", n, err)
	}
	c, err := env.Engine.Ledger.GetContributor(env.Ctx, "ann-a")
	if err != nil {
		t.Fatalf("get contributor: %v", err)
	}
	if c.Accuracy != 2.0/3.0 {
		t.Fatalf("expected cached accuracy 2/3, got %v", c.Accuracy)
	}
}
