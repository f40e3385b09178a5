package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"searchsync/agent"
	"searchsync/auth"
	"searchsync/outbox"
	"searchsync/shard"
	"searchsync/test/infra"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	handler   http.Handler
	agents    *agent.Repository
	events    *outbox.Repository
	tokens    *auth.Service
	submitted int
	store     Store
}

func newTestServer(t *testing.T, withAuth bool) *testServer {
	t.Helper()
	handle, dialect, schema := infra.OpenSQLite(t)

	ts := &testServer{
		agents: agent.NewRepository(dialect, schema),
		events: outbox.NewRepository(dialect, schema),
		store:  handle,
	}
	if withAuth {
		tokens, err := auth.NewService("test-secret", time.Hour)
		if err != nil {
			t.Fatalf("new token service: %v", err)
		}
		ts.tokens = tokens
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "searchsync_test_total"}))

	server := NewServer(Options{
		Store:    handle,
		Dialect:  dialect,
		Schema:   schema,
		Tokens:   ts.tokens,
		Gatherer: reg,
		OnSubmit: func() { ts.submitted++ },
		Logger:   zerolog.Nop(),
	})
	ts.handler = server.Handler()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) token(t *testing.T, role auth.Role) string {
	t.Helper()
	token, err := ts.tokens.Issue("tester", role)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

type eventList struct {
	Items  []eventResponse `json:"items"`
	Total  int             `json:"total"`
	Counts map[string]int  `json:"counts"`
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t, false)

	if rec := ts.do(t, http.MethodGet, "/health", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("health: expected 200, got %d", rec.Code)
	}
	rec := ts.do(t, http.MethodGet, "/ready", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("ready: expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ready"`) {
		t.Fatalf("ready: unexpected body %s", rec.Body.String())
	}
}

func TestMetrics(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(t, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "searchsync_test_total") {
		t.Fatalf("metrics output missing registered counter:\n%s", rec.Body.String())
	}
}

func TestSubmitAndListEvents(t *testing.T) {
	ts := newTestServer(t, false)

	rec := ts.do(t, http.MethodPost, "/admin/events", `{"entityName":"Book","entityId":"42","payload":{"title":"Dune"}}`, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	if ts.submitted != 1 {
		t.Fatalf("expected submit hook to run once, ran %d times", ts.submitted)
	}

	rec = ts.do(t, http.MethodGet, "/admin/events?status=PENDING&entity=Book&limit=10", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	var list eventList
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if list.Total != 1 || list.Items[0].ID != created.ID {
		t.Fatalf("unexpected list payload: %+v", list)
	}
	got := list.Items[0]
	if got.EntityID != "42" || got.EntityIDHash != shard.Hash("42") || got.Status != "PENDING" {
		t.Fatalf("unexpected event: %+v", got)
	}
	if !strings.Contains(string(got.Payload), "Dune") {
		t.Fatalf("expected payload to round-trip, got %s", got.Payload)
	}
	if list.Counts["PENDING"] != 1 || list.Counts["ABORTED"] != 0 {
		t.Fatalf("unexpected counts: %v", list.Counts)
	}
}

func TestSubmit_Validation(t *testing.T) {
	ts := newTestServer(t, false)

	if rec := ts.do(t, http.MethodPost, "/admin/events", `{"entityName":"Book"}`, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing id: expected 400, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/admin/events", `not json`, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad body: expected 400, got %d", rec.Code)
	}
	if ts.submitted != 0 {
		t.Fatalf("submit hook ran for rejected requests")
	}
}

func TestListEvents_BadQuery(t *testing.T) {
	ts := newTestServer(t, false)

	for _, path := range []string{"/admin/events?status=DONE", "/admin/events?limit=-1", "/admin/events?limit=x"} {
		if rec := ts.do(t, http.MethodGet, path, "", ""); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, rec.Code)
		}
	}
}

func TestListAgents(t *testing.T) {
	ts := newTestServer(t, false)
	ctx := context.Background()

	id := uuid.Must(uuid.NewV7())
	err := ts.agents.Create(ctx, ts.store, agent.Agent{
		ID:             id,
		Type:           agent.TypeDynamicSharding,
		Name:           "node-a",
		State:          agent.StateRunning,
		Expiration:     time.Now().Add(-time.Minute),
		Shard:          &shard.Assignment{TotalShardCount: 2, AssignedShardIndex: 1},
		ClusterMembers: []string{"x", id.String()},
	})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}

	rec := ts.do(t, http.MethodGet, "/admin/agents", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Items []agentResponse `json:"items"`
		Total int             `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Total != 1 {
		t.Fatalf("expected 1 agent, got %+v", payload)
	}
	got := payload.Items[0]
	if got.ID != id.String() || got.Shard != "1/2" || got.State != "RUNNING" || !got.Expired {
		t.Fatalf("unexpected agent: %+v", got)
	}
}

func TestReviveEvent(t *testing.T) {
	ts := newTestServer(t, false)
	ctx := context.Background()

	rec := ts.do(t, http.MethodPost, "/admin/events", `{"entityName":"Book","entityId":"7"}`, "")
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	id := uuid.MustParse(created.ID)

	if rec := ts.do(t, http.MethodPost, "/admin/events/"+created.ID+"/revive", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("pending event: expected 404, got %d", rec.Code)
	}

	if err := ts.events.Abort(ctx, ts.store, id); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if rec := ts.do(t, http.MethodPost, "/admin/events/"+created.ID+"/revive", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("aborted event: expected 200, got %d", rec.Code)
	}
	events, err := ts.events.FindAny(ctx, ts.store, outbox.Filter{Status: outbox.StatusPending})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(events) != 1 || events[0].Retries != 0 {
		t.Fatalf("expected revived event with reset retries, got %+v", events)
	}

	if rec := ts.do(t, http.MethodPost, "/admin/events/nope/revive", "", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id: expected 400, got %d", rec.Code)
	}
}

func TestAdminAuth(t *testing.T) {
	ts := newTestServer(t, true)

	if rec := ts.do(t, http.MethodGet, "/admin/agents", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: expected 401, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/admin/agents", "", "garbage"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: expected 401, got %d", rec.Code)
	}

	viewer := ts.token(t, auth.RoleViewer)
	if rec := ts.do(t, http.MethodGet, "/admin/agents", "", viewer); rec.Code != http.StatusOK {
		t.Fatalf("viewer read: expected 200, got %d", rec.Code)
	}
	body := `{"entityName":"Book","entityId":"1"}`
	if rec := ts.do(t, http.MethodPost, "/admin/events", body, viewer); rec.Code != http.StatusForbidden {
		t.Fatalf("viewer write: expected 403, got %d", rec.Code)
	}

	operator := ts.token(t, auth.RoleOperator)
	if rec := ts.do(t, http.MethodPost, "/admin/events", body, operator); rec.Code != http.StatusCreated {
		t.Fatalf("operator write: expected 201, got %d", rec.Code)
	}

	if rec := ts.do(t, http.MethodGet, "/health", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("health stays public: expected 200, got %d", rec.Code)
	}
}
