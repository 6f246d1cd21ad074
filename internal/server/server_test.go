package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"crowdline/internal/config"
	"crowdline/internal/db"
	"crowdline/internal/engine"
	"crowdline/internal/migrate"
)

const testWorkflow = "crowdline"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default(testWorkflow)
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitWorkflow(context.Background(), engine.WorkflowInitOptions{ID: testWorkflow, Name: "test", ActorID: "tester"}); err != nil {
		t.Fatalf("init workflow: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "test-secret", AllowActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "tester")
	for k, v := range headers {
		if v == "" {
			req.Header.Del(k)
			continue
		}
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asActor(actorID string) map[string]string {
	return map[string]string{"X-Actor-Id": actorID}
}

func registerContributor(t *testing.T, srv *testServer, id, name string, skills []string) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/workflows/"+testWorkflow+"/contributors", map[string]any{
		"id":     id,
		"name":   name,
		"skills": skills,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register contributor %s: %d %s", id, res.StatusCode, string(data))
	}
}

func createItem(t *testing.T, srv *testServer, id, title string, skills []string) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/workflows/"+testWorkflow+"/items", map[string]any{
		"id":              id,
		"title":           title,
		"required_skills": skills,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create item %s: %d %s", id, res.StatusCode, string(data))
	}
}

func itemState(t *testing.T, srv *testServer, id string) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/workflows/"+testWorkflow+"/items/"+id, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get item %s: %d %s", id, res.StatusCode, string(data))
	}
	var item ItemResponse
	if err := json.Unmarshal(data, &item); err != nil {
		t.Fatalf("unmarshal item: %v", err)
	}
	return item.State
}

func TestAnnotationLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	registerContributor(t, srv, "ann-1", "Annie", []string{"nlp.sentiment"})
	registerContributor(t, srv, "rev-1", "Reza", []string{"review.general"})
	createItem(t, srv, "work-1", "Label tweet sentiment", []string{"nlp.sentiment"})

	assignRes, assignBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows/"+testWorkflow+"/items/work-1/assign", map[string]any{}, nil)
	if assignRes.StatusCode != http.StatusOK {
		t.Fatalf("assign: %d %s", assignRes.StatusCode, string(assignBody))
	}
	var assignment AssignmentResponse
	if err := json.Unmarshal(assignBody, &assignment); err != nil {
		t.Fatalf("unmarshal assignment: %v", err)
	}
	if assignment.ContributorID != "ann-1" {
		t.Fatalf("expected auto-assignment to ann-1, got %s", assignment.ContributorID)
	}

	leaseRes, leaseBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows/"+testWorkflow+"/items/work-1/lease", map[string]any{}, asActor("ann-1"))
	if leaseRes.StatusCode != http.StatusOK {
		t.Fatalf("acquire lease: %d %s", leaseRes.StatusCode, string(leaseBody))
	}
	if got := itemState(t, srv, "work-1"); got != "locked" {
		t.Fatalf("expected locked after lease, got %s", got)
	}

	submitRes, submitBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows/"+testWorkflow+"/items/work-1/submit", map[string]any{
		"payload": map[string]any{"label": "positive"},
	}, asActor("ann-1"))
	if submitRes.StatusCode != http.StatusOK {
		t.Fatalf("submit: %d %s", submitRes.StatusCode, string(submitBody))
	}
	var submitted SubmitResponse
	if err := json.Unmarshal(submitBody, &submitted); err != nil {
		t.Fatalf("unmarshal submit: %v", err)
	}
	if submitted.Version.Version != 1 {
		t.Fatalf("expected version 1, got %d", submitted.Version.Version)
	}
	if submitted.ReviewTask == nil || submitted.ReviewTask.Level != 1 || submitted.ReviewTask.MaxLevel != 2 {
		t.Fatalf("expected a level-1 review task, got %+v", submitted.ReviewTask)
	}
	taskID := submitted.ReviewTask.ID

	firstRes, firstBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows/"+testWorkflow+"/reviews/"+taskID+"/approve", map[string]any{}, asActor("rev-1"))
	if firstRes.StatusCode != http.StatusOK {
		t.Fatalf("first approve: %d %s", firstRes.StatusCode, string(firstBody))
	}
	var afterFirst ReviewTaskResponse
	if err := json.Unmarshal(firstBody, &afterFirst); err != nil {
		t.Fatalf("unmarshal review task: %v", err)
	}
	if afterFirst.Status != "pending" || afterFirst.Level != 2 {
		t.Fatalf("expected pending at level 2, got %s at level %d", afterFirst.Status, afterFirst.Level)
	}
	if got := itemState(t, srv, "work-1"); got != "in_review" {
		t.Fatalf("expected in_review after first approval, got %s", got)
	}

	finalRes, finalBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows/"+testWorkflow+"/reviews/"+taskID+"/approve", map[string]any{}, asActor("rev-1"))
	if finalRes.StatusCode != http.StatusOK {
		t.Fatalf("final approve: %d %s", finalRes.StatusCode, string(finalBody))
	}
	var afterFinal ReviewTaskResponse
	if err := json.Unmarshal(finalBody, &afterFinal); err != nil {
		t.Fatalf("unmarshal review task: %v", err)
	}
	if afterFinal.Status != "approved" {
		t.Fatalf("expected approved task, got %s", afterFinal.Status)
	}
	if got := itemState(t, srv, "work-1"); got != "approved" {
		t.Fatalf("expected approved item, got %s", got)
	}
}

func TestLeaseDeniedAndIdempotentRelease(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	registerContributor(t, srv, "ann-1", "Annie", []string{"nlp.sentiment"})
	registerContributor(t, srv, "ann-2", "Bo", []string{"nlp.sentiment"})
	createItem(t, srv, "work-1", "Contested item", []string{"nlp.sentiment"})

	assignRes, assignBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows/"+testWorkflow+"/items/work-1/assign", map[string]any{
		"mode":           "manual",
		"contributor_id": "ann-1",
	}, nil)
	if assignRes.StatusCode != http.StatusOK {
		t.Fatalf("assign: %d %s", assignRes.StatusCode, string(assignBody))
	}

	first, firstBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows/"+testWorkflow+"/items/work-1/lease", map[string]any{}, asActor("ann-1"))
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first lease: %d %s", first.StatusCode, string(firstBody))
	}

	second, secondBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows/"+testWorkflow+"/items/work-1/lease", map[string]any{}, asActor("ann-2"))
	if second.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for the second holder, got %d %s", second.StatusCode, string(secondBody))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(secondBody, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "lease_denied" {
		t.Fatalf("expected lease_denied, got %s", envelope.Error.Code)
	}
	if holder, _ := envelope.Error.Details["holder_id"].(string); holder != "ann-1" {
		t.Fatalf("expected holder ann-1 in details, got %v", envelope.Error.Details)
	}

	// Releasing an absent lease is a no-op for the same holder.
	for i := 0; i < 2; i++ {
		res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows/"+testWorkflow+"/items/work-1/release", map[string]any{}, asActor("ann-1"))
		if res.StatusCode >= 300 {
			t.Fatalf("release attempt %d: %d %s", i+1, res.StatusCode, string(body))
		}
	}
}

func TestRejectReturnsItemToContributor(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	registerContributor(t, srv, "ann-1", "Annie", []string{"nlp.sentiment"})
	registerContributor(t, srv, "rev-1", "Reza", []string{"review.general"})
	createItem(t, srv, "work-1", "Tricky item", []string{"nlp.sentiment"})

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows/"+testWorkflow+"/items/work-1/assign", map[string]any{}, nil)
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows/"+testWorkflow+"/items/work-1/lease", map[string]any{}, asActor("ann-1"))
	_, submitBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows/"+testWorkflow+"/items/work-1/submit", map[string]any{
		"payload": map[string]any{"label": "negative"},
	}, asActor("ann-1"))
	var submitted SubmitResponse
	if err := json.Unmarshal(submitBody, &submitted); err != nil {
		t.Fatalf("unmarshal submit: %v", err)
	}
	if submitted.ReviewTask == nil {
		t.Fatalf("expected a review task from submit: %s", string(submitBody))
	}

	rejectRes, rejectBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflows/"+testWorkflow+"/reviews/"+submitted.ReviewTask.ID+"/reject", map[string]any{
		"reason": "label does not match the guidelines",
	}, asActor("rev-1"))
	if rejectRes.StatusCode != http.StatusOK {
		t.Fatalf("reject: %d %s", rejectRes.StatusCode, string(rejectBody))
	}
	var rejected ReviewTaskResponse
	if err := json.Unmarshal(rejectBody, &rejected); err != nil {
		t.Fatalf("unmarshal rejected task: %v", err)
	}
	if rejected.Status != "rejected" {
		t.Fatalf("expected rejected, got %s", rejected.Status)
	}
	if got := itemState(t, srv, "work-1"); got != "assigned" {
		t.Fatalf("expected item back to assigned, got %s", got)
	}

	histRes, histBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/workflows/"+testWorkflow+"/items/work-1/reviews", nil, nil)
	if histRes.StatusCode != http.StatusOK {
		t.Fatalf("review history: %d %s", histRes.StatusCode, string(histBody))
	}
	var history struct {
		Items []ReviewActionResponse `json:"items"`
	}
	if err := json.Unmarshal(histBody, &history); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(history.Items) != 1 || history.Items[0].Action != "reject" || history.Items[0].Reason == "" {
		t.Fatalf("expected one reject action with a reason, got %+v", history.Items)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/workflows", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}

	loginRes, loginBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "dev-actor",
	}, asActor(""))
	if loginRes.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", loginRes.StatusCode, string(loginBody))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(loginBody, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	if login.Token == "" {
		t.Fatalf("expected a token from dev login")
	}

	meRes, meBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
		"X-Actor-Id":    "",
	})
	if meRes.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", meRes.StatusCode, string(meBody))
	}
	var me MeResponse
	if err := json.Unmarshal(meBody, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != "dev-actor" || me.Source != "jwt" {
		t.Fatalf("expected a jwt principal for dev-actor, got %+v", me)
	}
}
