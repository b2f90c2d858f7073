package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/OFFIS-RIT/pivot/internal/queue"
	mid "github.com/OFFIS-RIT/pivot/internal/server/middleware"
	"github.com/OFFIS-RIT/pivot/pkg/adapter"
	"github.com/OFFIS-RIT/pivot/pkg/cascade"
	"github.com/OFFIS-RIT/pivot/pkg/common"
	"github.com/OFFIS-RIT/pivot/pkg/graph"
	"github.com/OFFIS-RIT/pivot/pkg/investigation"
	"github.com/OFFIS-RIT/pivot/pkg/metrics"
	"github.com/OFFIS-RIT/pivot/pkg/operator"
	"github.com/OFFIS-RIT/pivot/pkg/rules"
	"github.com/OFFIS-RIT/pivot/pkg/store"
	"github.com/OFFIS-RIT/pivot/pkg/store/memory"
)

const testKey = "secret"

type officerActions struct{}

func (officerActions) Execute(ctx context.Context, req adapter.Request) (common.CodedFacts, error) {
	if req.Handler == "uk_companies_house_officers" {
		return common.CodedFacts{Facts: []common.Fact{{Code: "officer", Value: "Jane Doe"}}}, nil
	}
	return common.CodedFacts{Handler: req.Handler}, nil
}

type published struct {
	mu    sync.Mutex
	queue string
	body  []byte
}

type testServer struct {
	handler http.Handler
	jobs    *memory.Investigations
	sent    *published
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerAs(t, "admin")
}

func newTestServerAs(t *testing.T, role string) *testServer {
	t.Helper()
	tables, err := rules.Default()
	if err != nil {
		t.Fatalf("rules.Default() error = %v", err)
	}
	router, err := operator.NewDefaultRouter()
	if err != nil {
		t.Fatalf("NewDefaultRouter() error = %v", err)
	}
	templates, err := cascade.DefaultTemplates()
	if err != nil {
		t.Fatalf("DefaultTemplates() error = %v", err)
	}
	m := metrics.NewCollector()
	svc := investigation.NewService(investigation.ServiceParams{
		Router:    router,
		Actions:   officerActions{},
		Persister: graph.NewPersister(graph.PersisterParams{Store: memory.New("test"), Rules: tables, Metrics: m}),
		Templates: templates,
		Metrics:   m,
		Config:    cascade.DefaultConfig(),
	})
	jobs := memory.NewInvestigations()
	sent := &published{}
	app := &mid.App{
		Service:   svc,
		Processor: queue.NewProcessor(queue.ProcessorParams{Service: svc, Jobs: jobs}),
		Jobs:      jobs,
		Publish: func(queueName string, body []byte) error {
			sent.mu.Lock()
			defer sent.mu.Unlock()
			sent.queue, sent.body = queueName, body
			return nil
		},
		Project:        "acme",
		MasterAPIKey:   testKey,
		MasterUserID:   1,
		MasterUserRole: role,
	}
	return &testServer{handler: New(app, m), jobs: jobs, sent: sent}
}

func (s *testServer) do(t *testing.T, method, path, body string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+testKey)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)
	if rec := s.do(t, http.MethodGet, "/health", "", false); rec.Code != http.StatusOK {
		t.Fatalf("/health = %d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/metrics", "", false); rec.Code != http.StatusOK {
		t.Fatalf("/metrics = %d", rec.Code)
	}
}

func TestAPIRequiresAuth(t *testing.T) {
	s := newTestServer(t)
	if rec := s.do(t, http.MethodGet, "/api/rules", "", false); rec.Code != http.StatusUnauthorized {
		t.Fatalf("/api/rules without token = %d, want 401", rec.Code)
	}
}

func TestQueryEndpoint(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name  string
		body  string
		code  int
		check func(t *testing.T, res investigation.QueryResult)
	}{
		{
			name: "intel",
			body: `{"query":"cuk:"}`,
			code: http.StatusOK,
			check: func(t *testing.T, res investigation.QueryResult) {
				if res.Decision.Mode != operator.ModeIntel || len(res.Operations) != 0 {
					t.Fatalf("result = %+v", res)
				}
			},
		},
		{
			name: "action",
			body: `{"query":"cukoff:Acme Corp Ltd"}`,
			code: http.StatusOK,
			check: func(t *testing.T, res investigation.QueryResult) {
				if res.Decision.Mode != operator.ModeAction || len(res.Operations) == 0 {
					t.Fatalf("result = %+v", res)
				}
			},
		},
		{name: "malformed", body: `{"query":"zz:Acme"}`, code: http.StatusBadRequest},
		{name: "missing query", body: `{}`, code: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/query", tt.body, true)
			if rec.Code != tt.code {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.code, rec.Body.String())
			}
			if tt.check == nil {
				return
			}
			var res investigation.QueryResult
			if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
				t.Fatalf("decode: %v", err)
			}
			tt.check(t, res)
		})
	}
}

func TestCreateAndGetInvestigation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/investigations", `{"template":"company","target":"Acme Corp Ltd","jurisdiction":"uk"}`, true)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create = %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil || created.ID == "" {
		t.Fatalf("create response = %s", rec.Body.String())
	}
	if s.sent.queue != queue.InvestigationQueue {
		t.Fatalf("published to %q", s.sent.queue)
	}
	var msg queue.InvestigationMsg
	if err := json.Unmarshal(s.sent.body, &msg); err != nil || msg.ID != created.ID || msg.Project != "acme" || msg.CreatedBy != "1" {
		t.Fatalf("message = %s", s.sent.body)
	}

	rec = s.do(t, http.MethodGet, "/api/investigations/"+created.ID, "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("get = %d", rec.Code)
	}
	var job store.Investigation
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil || job.Status != store.StatusQueued {
		t.Fatalf("job = %s", rec.Body.String())
	}

	if rec := s.do(t, http.MethodGet, "/api/investigations/nope", "", true); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown job = %d, want 404", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, "/api/investigations", `{"template":"vessel","target":"x"}`, true); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown template = %d, want 400", rec.Code)
	}
}

func TestNodeEndpoints(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/query", `{"query":"cukoff:Acme Corp Ltd"}`, true)
	var res investigation.QueryResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil || len(res.Operations) == 0 {
		t.Fatalf("query = %s", rec.Body.String())
	}
	id := res.Operations[0].NodeID

	for _, path := range []string{"/api/nodes/" + id, "/api/nodes/" + id + "/clusters", "/api/nodes/" + id + "/wedges"} {
		if rec := s.do(t, http.MethodGet, path, "", true); rec.Code != http.StatusOK {
			t.Fatalf("%s = %d: %s", path, rec.Code, rec.Body.String())
		}
	}
	if rec := s.do(t, http.MethodGet, "/api/nodes/missing", "", true); rec.Code != http.StatusNotFound {
		t.Fatalf("missing node = %d, want 404", rec.Code)
	}
}

func TestRulesEndpoints(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{"/api/rules", "/api/rules/schema", "/api/templates"} {
		if rec := s.do(t, http.MethodGet, path, "", true); rec.Code != http.StatusOK {
			t.Fatalf("%s = %d", path, rec.Code)
		}
	}
}

func TestInvestigationVisibility(t *testing.T) {
	tests := []struct {
		name      string
		role      string
		createdBy string
		want      int
	}{
		{"admin sees other users' investigations", "admin", "7", http.StatusOK},
		{"user sees own investigation", "user", "1", http.StatusOK},
		{"user cannot see other users' investigations", "user", "7", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServerAs(t, tt.role)
			job := store.Investigation{ID: "inv-1", Project: "acme", Template: "company", Target: "Acme Corp Ltd", CreatedBy: tt.createdBy}
			if err := s.jobs.CreateInvestigation(context.Background(), job); err != nil {
				t.Fatalf("CreateInvestigation() error = %v", err)
			}
			if rec := s.do(t, http.MethodGet, "/api/investigations/inv-1", "", true); rec.Code != tt.want {
				t.Fatalf("get = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
