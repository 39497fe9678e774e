package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/ph0rque/MakeDealCRM-sub004/internal/config"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/db"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/domain"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/engine"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/engine/auth"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/migrate"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{
		Engine:    e,
		BasePath:  "/v0",
		Workspace: workspace,
		Auth:      AuthConfig{JWTSecret: testSecret, DevLogin: true},
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
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
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
	for k, v := range headers {
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

func devToken(t *testing.T, srv *testServer, userID string, perms ...string) map[string]string {
	t.Helper()
	body := map[string]any{"user_id": userID}
	if len(perms) > 0 {
		body["permissions"] = perms
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", body, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, data)
	}
	var out DevLoginResponse
	if err := json.Unmarshal(data, &out); err != nil || out.Token == "" {
		t.Fatalf("decode token: %v %s", err, data)
	}
	return map[string]string{"Authorization": "Bearer " + out.Token}
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope: %v %s", err, data)
	}
	return env.Error
}

func TestHealthAndAuthRequired(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/stages", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, data)
	}
	if e := decodeError(t, data); e.Code != "unauthorized" {
		t.Fatalf("code %s", e.Code)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/stages", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token accepted: %d", res.StatusCode)
	}
}

func TestStagesListed(t *testing.T) {
	srv := newTestServer(t)
	hdr := devToken(t, srv, "u1")
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/stages", nil, hdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stages: %d %s", res.StatusCode, data)
	}
	var stages []StageResponse
	if err := json.Unmarshal(data, &stages); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(stages) != 11 || stages[0].Key != "sourcing" || stages[0].Label != "Sourcing" {
		t.Fatalf("unexpected stages %+v", stages)
	}
}

func TestCreateAndMoveDeal(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	hdr := devToken(t, srv, "u1", "*")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/deals", map[string]any{
		"name":   "Acme Holdings",
		"amount": "250000",
	}, hdr)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create deal: %d %s", res.StatusCode, data)
	}
	var bare DealResponse
	if err := json.Unmarshal(data, &bare); err != nil {
		t.Fatalf("decode deal: %v", err)
	}
	if bare.Stage != "sourcing" || bare.Amount != "250000.00" {
		t.Fatalf("unexpected deal %+v", bare)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/deals/"+bare.ID+"/validate", map[string]any{
		"to_stage": "screening",
	}, hdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validate: %d %s", res.StatusCode, data)
	}
	var check engine.ValidationResult
	_ = json.Unmarshal(data, &check)
	if check.Valid || len(check.Errors) != 1 {
		t.Fatalf("expected one validation error, got %+v", check)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/deals/"+bare.ID+"/transitions", map[string]any{
		"from_stage": "sourcing",
		"to_stage":   "screening",
	}, hdr)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, data)
	}
	rejected := decodeError(t, data)
	if rejected.Code != "transition_not_allowed" || rejected.Details["transition_id"] == nil {
		t.Fatalf("unexpected rejection %+v", rejected)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/deals", map[string]any{
		"name":       "Beta Manufacturing",
		"account_id": "acct-1",
	}, hdr)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create deal: %d %s", res.StatusCode, data)
	}
	var ready DealResponse
	_ = json.Unmarshal(data, &ready)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/deals/"+ready.ID+"/transitions", map[string]any{
		"to_stage": "screening",
		"reason":   "Qualified",
	}, hdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("move: %d %s", res.StatusCode, data)
	}
	var moved TransitionResponse
	if err := json.Unmarshal(data, &moved); err != nil {
		t.Fatalf("decode move: %v", err)
	}
	if moved.Status != domain.TransitionSuccess || moved.Deal == nil || moved.Deal.Stage != "screening" {
		t.Fatalf("unexpected move %+v", moved)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/deals/"+ready.ID+"/transitions", nil, hdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history: %d %s", res.StatusCode, data)
	}
	var history transitionHistory
	_ = json.Unmarshal(data, &history)
	if len(history.Items) != 1 || history.Items[0].ID != moved.TransitionID {
		t.Fatalf("unexpected history %+v", history)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/deals/"+ready.ID+"/events", nil, hdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, data)
	}
	var evts eventList
	_ = json.Unmarshal(data, &evts)
	seen := map[string]bool{}
	for _, ev := range evts.Items {
		seen[ev.Type] = true
	}
	if !seen["deal.create"] || !seen["deal.stage_changed"] {
		t.Fatalf("unexpected events %+v", evts)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/deals/missing/events", nil, hdr)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("events for missing deal: %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/deals?stage=screening", nil, hdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", res.StatusCode, data)
	}
	var listed paginatedDeals
	_ = json.Unmarshal(data, &listed)
	if len(listed.Items) != 1 || listed.Items[0].ID != ready.ID {
		t.Fatalf("unexpected list %+v", listed)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/deals/missing", nil, hdr)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, data)
	}
}

func TestCreateDealRejectsBadAmount(t *testing.T) {
	srv := newTestServer(t)
	hdr := devToken(t, srv, "u1", "*")
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/deals", map[string]any{
		"name":   "Acme",
		"amount": "lots",
	}, hdr)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, data)
	}
	noPerm := devToken(t, srv, "u2")
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/deals", map[string]any{"name": "Acme"}, noPerm)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, data)
	}
}

func TestTemplatesAndTaskGeneration(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	hdr := devToken(t, srv, "u1", "*")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/deals", map[string]any{"name": "Acme"}, hdr)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create deal: %d %s", res.StatusCode, data)
	}
	var deal DealResponse
	_ = json.Unmarshal(data, &deal)

	chain := domain.TaskTemplate{
		ID:   "dd",
		Name: "Due diligence",
		Tasks: []domain.TemplateTask{
			{ID: "a", Name: "Request financials", Due: domain.DueRule{OffsetDays: 1}},
			{ID: "b", Name: "Review {deal_name} financials", Due: domain.DueRule{OffsetDays: 1}, Dependencies: []domain.DependencySpec{
				{Type: domain.DependencyInternal, TaskID: "a", LagDays: 1},
			}},
		},
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/templates", chain, hdr)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("import template: %d %s", res.StatusCode, data)
	}
	loop := domain.TaskTemplate{
		ID:   "loop",
		Name: "Loop",
		Tasks: []domain.TemplateTask{
			{ID: "a", Name: "A", Dependencies: []domain.DependencySpec{{Type: domain.DependencyInternal, TaskID: "b"}}},
			{ID: "b", Name: "B", Dependencies: []domain.DependencySpec{{Type: domain.DependencyInternal, TaskID: "a"}}},
		},
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/templates", loop, hdr)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("import loop template: %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/templates", nil, hdr)
	var templates templateList
	_ = json.Unmarshal(data, &templates)
	if res.StatusCode != http.StatusOK || len(templates.Items) != 2 {
		t.Fatalf("list templates: %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/deals/"+deal.ID+"/tasks/generate", map[string]any{
		"template_id": "dd",
		"base_date":   "2024-01-15",
	}, hdr)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("generate: %d %s", res.StatusCode, data)
	}
	var gen engine.GenerationResult
	if err := json.Unmarshal(data, &gen); err != nil {
		t.Fatalf("decode generation: %v", err)
	}
	if len(gen.Tasks) != 2 || gen.Tasks[1].Name != "Review Acme financials" {
		t.Fatalf("unexpected generation %+v", gen)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/deals/"+deal.ID+"/tasks/generate", map[string]any{
		"template_id": "loop",
	}, hdr)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for cycle, got %d %s", res.StatusCode, data)
	}
	if e := decodeError(t, data); e.Code != "circular_dependency" {
		t.Fatalf("code %s", e.Code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/deals/"+deal.ID+"/tasks", nil, hdr)
	var tasks taskList
	_ = json.Unmarshal(data, &tasks)
	if res.StatusCode != http.StatusOK || len(tasks.Items) != 2 {
		t.Fatalf("cycle batch leaked tasks: %d %s", res.StatusCode, data)
	}
}

func TestSweepPermissions(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/alerts/sweep", nil, devToken(t, srv, "viewer"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/alerts/sweep", nil, devToken(t, srv, "ops", PermAlertSweep))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sweep: %d %s", res.StatusCode, data)
	}
	var sum engine.SweepSummary
	if err := json.Unmarshal(data, &sum); err != nil || sum.SweepID == "" {
		t.Fatalf("decode sweep: %v %s", err, data)
	}

	hdr := devToken(t, srv, "viewer")
	for _, p := range []string{"/v0/alerts/approaching?days=3", "/v0/stats", "/v0/me"} {
		res, data = doJSON(t, client, http.MethodGet, srv.URL+p, nil, hdr)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s: %d %s", p, res.StatusCode, data)
		}
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	r := srv.Engine.Repo
	if err := r.InsertUser(ctx, domain.User{ID: "svc", Name: "Sweeper", CreatedAt: repo.FormatTime(srv.Engine.Now())}); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	if err := r.AddRolePermission(ctx, "ops", PermAlertSweep); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := r.AssignRole(ctx, "svc", "ops"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := r.InsertAPIKey(ctx, domain.APIKey{ID: "k1", UserID: "svc", KeyHash: repo.HashAPIKey("sweep-key")}); err != nil {
		t.Fatalf("insert key: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/alerts/sweep", nil, map[string]string{"X-Api-Key": "sweep-key"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key sweep: %d %s", res.StatusCode, data)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key accepted: %d", res.StatusCode)
	}
}

func TestOpenAPIServed(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi: %d", res.StatusCode)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode openapi: %v", err)
	}
	paths, _ := doc["paths"].(map[string]any)
	if _, ok := paths["/v0/deals/{deal_id}/transitions"]; !ok {
		t.Fatalf("transition path missing from openapi")
	}
}

func TestHandleErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{&engine.TransitionNotAllowedError{From: "a", To: "b", Errors: []string{"x"}}, http.StatusUnprocessableEntity, "transition_not_allowed"},
		{&engine.WIPLimitExceededError{Stage: "a", Limit: 1, Count: 1}, http.StatusConflict, "wip_limit_exceeded"},
		{&engine.CircularDependencyError{Path: []string{"a", "b", "a"}}, http.StatusUnprocessableEntity, "circular_dependency"},
		{fmt.Errorf("deal x: %w", repo.ErrNotFound), http.StatusNotFound, "not_found"},
		{auth.ForbiddenError{Permission: "deal.edit"}, http.StatusForbidden, "forbidden"},
		{&engine.PersistenceError{Op: "save deal", Err: errors.New("disk full")}, http.StatusInternalServerError, "internal_error"},
		{errors.New("template id is required"), http.StatusBadRequest, "bad_request"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		se := handleError(tc.err)
		ae, ok := se.(*apiError)
		if !ok {
			t.Fatalf("%v: unexpected type %T", tc.err, se)
		}
		if ae.GetStatus() != tc.status || ae.Body.Code != tc.code {
			t.Fatalf("%v: got %d %s", tc.err, ae.GetStatus(), ae.Body.Code)
		}
	}
	if handleError(nil) != nil {
		t.Fatalf("nil error mapped")
	}
}
