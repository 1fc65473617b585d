package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"atsforge/internal/config"
	"atsforge/internal/db"
	"atsforge/internal/domain"
	"atsforge/internal/draft"
	"atsforge/internal/engine"
	"atsforge/internal/migrate"
	"atsforge/internal/repo"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

type serverOptions struct {
	auth    AuthConfig
	drafter draft.Drafter
	mutate  func(*config.Config)
}

func newTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	if opts.mutate != nil {
		opts.mutate(cfg)
	}
	e := engine.New(conn, cfg, opts.drafter)
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: opts.auth})
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
	data, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return res, data
}

func TestHealthIsOpen(t *testing.T) {
	ts := newTestServer(t, serverOptions{auth: AuthConfig{JWTSecret: "secret"}})
	res, body := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, body)
	}
}

func TestGenerateEndToEnd(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	req := map[string]any{
		"meta":        map[string]any{"title": "Scaffold build", "company": "Acme"},
		"environment": map[string]any{"wind": "strong gusts"},
		"task_flags":  map[string]any{"work_at_height": true},
	}
	res, body := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/ats/generate", req, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("generate: %d %s", res.StatusCode, body)
	}
	var doc domain.ATSDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatalf("decode document: %v", err)
	}
	if doc.ID == "" || doc.DraftSource != "offline" {
		t.Fatalf("unexpected identity: id=%q source=%q", doc.ID, doc.DraftSource)
	}
	if doc.StopWork.Decision == domain.DecisionContinue {
		t.Fatalf("wind trigger active, CONTINUE is forbidden: %+v", doc.StopWork)
	}
	if len(doc.StopWork.AutoTriggers) == 0 || len(doc.StopWork.Criteria) != 3 {
		t.Fatalf("stop-work section incomplete: %+v", doc.StopWork)
	}
	if len(doc.Hazards) < 3 || len(doc.Steps) < 5 {
		t.Fatalf("document below completeness floor: %d hazards, %d steps", len(doc.Hazards), len(doc.Steps))
	}

	// The request is audited.
	res, body = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/generations", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("generations: %d %s", res.StatusCode, body)
	}
	var gens struct {
		Items []domain.Generation `json:"items"`
	}
	if err := json.Unmarshal(body, &gens); err != nil {
		t.Fatal(err)
	}
	if len(gens.Items) != 1 || gens.Items[0].ID != doc.ID {
		t.Fatalf("generation record missing: %+v", gens)
	}
}

func TestGenerateAcceptsPartialSections(t *testing.T) {
	// Every request section is optional and partial: a lone task flag
	// and a procedure without its brief must coerce, never 400.
	ts := newTestServer(t, serverOptions{})
	req := map[string]any{
		"task_flags": map[string]any{"work_at_height": true},
		"procedures": []map[string]any{
			{"code": "PROC-7"},
		},
	}
	res, body := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/ats/generate", req, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("partial body rejected: %d %s", res.StatusCode, body)
	}
	var doc domain.ATSDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatal(err)
	}
	if !doc.TaskFlags.WorkAtHeight || doc.TaskFlags.Lifting || doc.TaskFlags.HotWork {
		t.Fatalf("absent flags should default to false: %+v", doc.TaskFlags)
	}
	if len(doc.ProcedureRefsUsed) != 1 || doc.ProcedureRefsUsed[0] != "PROC-7" {
		t.Fatalf("brief-less procedure should still apply: %v", doc.ProcedureRefsUsed)
	}
}

func TestSeedsPreview(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	req := map[string]any{
		"environment": map[string]any{"terrain": "slippery ramp"},
		"checklist":   map[string]any{"tools_ok": false},
	}
	res, body := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/ats/seeds", req, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("seeds: %d %s", res.StatusCode, body)
	}
	var seeds SeedsResponse
	if err := json.Unmarshal(body, &seeds); err != nil {
		t.Fatal(err)
	}
	if len(seeds.Triggers) != 1 {
		t.Fatalf("expected the terrain trigger, got %v", seeds.Triggers)
	}
	if seeds.ChecklistActions.DecisionHint != domain.DecisionStop {
		t.Fatalf("failed tools check should hint STOP: %+v", seeds.ChecklistActions)
	}
}

func TestGeneratePreconditionReturns422(t *testing.T) {
	ts := newTestServer(t, serverOptions{mutate: func(c *config.Config) {
		c.Policy.IncidentLessonMode = config.IncidentModeReject
	}})
	req := map[string]any{
		"checklist": map[string]any{"incidents_in_similar_work": true},
	}
	res, body := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/ats/generate", req, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, body)
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Code != "precondition_failed" {
		t.Fatalf("code: %s", envelope.Error.Code)
	}
	if envelope.Error.Details["field"] != "lessons_learned" {
		t.Fatalf("details: %v", envelope.Error.Details)
	}
}

type rateLimitedDrafter struct{}

func (rateLimitedDrafter) Draft(ctx context.Context, req draft.Request) (draft.Result, error) {
	return draft.Result{}, &draft.RateLimitError{RetryAfter: 30 * time.Second, Detail: "busy"}
}

func (rateLimitedDrafter) EnrichChecklist(ctx context.Context, seed domain.ChecklistActionsPayload, flags domain.TaskFlags) domain.ChecklistActionsPayload {
	return seed
}

func TestGenerateRateLimitReturns429(t *testing.T) {
	ts := newTestServer(t, serverOptions{drafter: rateLimitedDrafter{}, mutate: func(c *config.Config) {
		c.Drafting.EnrichChecklist = false
	}})
	res, body := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/ats/generate", map[string]any{}, nil)
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d %s", res.StatusCode, body)
	}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Code != "rate_limited" {
		t.Fatalf("code: %s", envelope.Error.Code)
	}
	if envelope.Error.Details["retry_after_seconds"] != float64(30) {
		t.Fatalf("details: %v", envelope.Error.Details)
	}
}

func TestEventsListing(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	req := map[string]any{
		"checklist": map[string]any{"tools_ok": false},
	}
	res, body := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/ats/generate", req, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("generate: %d %s", res.StatusCode, body)
	}
	res, body = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/events", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, body)
	}
	var page paginatedEvents
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatal(err)
	}
	types := map[string]bool{}
	for _, evt := range page.Items {
		types[evt.Type] = true
	}
	if !types["ats.generated"] || !types["ats.stop_work"] {
		t.Fatalf("expected generated and stop_work events, got %v", page.Items)
	}
}

func TestAuthRequiredWhenSecretConfigured(t *testing.T) {
	ts := newTestServer(t, serverOptions{auth: AuthConfig{JWTSecret: "secret"}})
	res, body := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/events", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, body)
	}

	// A stored API key authenticates via X-Api-Key.
	key := domain.APIKey{
		ID:        "key-1",
		ActorID:   "inspector",
		KeyHash:   repo.HashAPIKey("plain-key"),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := ts.Engine.Repo.InsertAPIKey(context.Background(), nil, key); err != nil {
		t.Fatalf("insert key: %v", err)
	}
	res, body = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/events", nil, map[string]string{"X-Api-Key": "plain-key"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key auth failed: %d %s", res.StatusCode, body)
	}
	res, body = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/events", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key accepted: %d %s", res.StatusCode, body)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	res, body := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/keys", map[string]any{"actor_id": "inspector", "name": "ci"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create key: %d %s", res.StatusCode, body)
	}
	var created APIKeyResponse
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatal(err)
	}
	if created.Key == "" {
		t.Fatal("plaintext key must be returned on creation")
	}

	res, body = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/keys", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list keys: %d %s", res.StatusCode, body)
	}
	var listed struct {
		Items []APIKeyResponse `json:"items"`
	}
	if err := json.Unmarshal(body, &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed.Items) != 1 || listed.Items[0].Key != "" {
		t.Fatalf("listing must not expose key material: %+v", listed)
	}

	res, body = doJSON(t, ts.Client(), http.MethodDelete, ts.URL+"/v0/keys/"+created.ID, nil, nil)
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete key: %d %s", res.StatusCode, body)
	}
	res, body = doJSON(t, ts.Client(), http.MethodDelete, ts.URL+"/v0/keys/"+created.ID, nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for a revoked key, got %d %s", res.StatusCode, body)
	}
}

func TestGenerateStopMergesChecklistTrigger(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	req := map[string]any{
		"checklist": map[string]any{"isolation_confirmed": false},
	}
	res, body := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/ats/generate", req, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("generate: %d %s", res.StatusCode, body)
	}
	var doc domain.ATSDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.StopWork.Decision != domain.DecisionStop {
		t.Fatalf("expected STOP, got %s", doc.StopWork.Decision)
	}
	var merged bool
	for _, tr := range doc.StopWork.AutoTriggers {
		if len(tr) > len("checklist: ") && tr[:len("checklist: ")] == "checklist: " {
			merged = true
		}
	}
	if !merged {
		t.Fatalf("checklist failure not in triggers: %v", doc.StopWork.AutoTriggers)
	}
}
