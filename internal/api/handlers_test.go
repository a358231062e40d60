package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/mkoval/oppwatch/internal/audit"
	"github.com/mkoval/oppwatch/internal/lifecycle"
	"github.com/mkoval/oppwatch/internal/opportunity"
	"github.com/mkoval/oppwatch/internal/store"
)

const testToken = "test-token"

type mockCoordinator struct {
	actionErr   error
	generateErr error
	shipErr     error
	runResult   lifecycle.RunResult
	runErr      error

	lastAction opportunity.Action
	lastID     string
	lastImpact opportunity.ImpactRecord
	lastRating int
}

func (m *mockCoordinator) HandleAction(ctx context.Context, id string, action opportunity.Action, actor string) error {
	m.lastID, m.lastAction = id, action
	return m.actionErr
}

func (m *mockCoordinator) GenerateSpec(ctx context.Context, id string) error {
	m.lastID = id
	return m.generateErr
}

func (m *mockCoordinator) MarkShipped(ctx context.Context, id string, impact opportunity.ImpactRecord, rating int) error {
	m.lastID, m.lastImpact, m.lastRating = id, impact, rating
	return m.shipErr
}

func (m *mockCoordinator) RunDetection(ctx context.Context) (lifecycle.RunResult, error) {
	return m.runResult, m.runErr
}

type mockHistory struct {
	transitions []audit.Transition
	err         error
}

func (m *mockHistory) History(id string) ([]audit.Transition, error) {
	return m.transitions, m.err
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := store.Open(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	return s
}

func seedOpportunity(t *testing.T, s *store.Store, id string, status opportunity.Status) {
	t.Helper()
	now := time.Now().UTC()
	opp := opportunity.Opportunity{
		ID:        id,
		Kind:      opportunity.KindFunnelDrop,
		Status:    opportunity.StatusDetected,
		Score:     72,
		Title:     "Funnel drop-off at checkout",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Create(opp); err != nil {
		t.Fatalf("seeding: %v", err)
	}
	if status != opportunity.StatusDetected {
		if _, err := s.Update(id, func(o *opportunity.Opportunity) {
			o.Status = status
			if status == opportunity.StatusSpecGenerated {
				o.SpecRef = "SPEC-1"
			}
		}); err != nil {
			t.Fatalf("seeding status: %v", err)
		}
	}
}

func doRequest(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestHealthUnauthenticated(t *testing.T) {
	handler := NewHandler(Deps{Store: newTestStore(t), Coordinator: &mockCoordinator{}, Token: testToken})

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	handler := NewHandler(Deps{Store: newTestStore(t), Coordinator: &mockCoordinator{}, Token: testToken})

	paths := []struct{ method, path string }{
		{"GET", "/opportunities"},
		{"POST", "/detect"},
		{"POST", "/callbacks/action"},
	}
	for _, p := range paths {
		req := httptest.NewRequest(p.method, p.path, nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s without token: status = %d, want 401", p.method, p.path, w.Code)
		}

		req = httptest.NewRequest(p.method, p.path, nil)
		req.Header.Set("Authorization", "Bearer wrong")
		w = httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s with wrong token: status = %d, want 401", p.method, p.path, w.Code)
		}
	}
}

func TestActionCallback(t *testing.T) {
	coord := &mockCoordinator{}
	s := newTestStore(t)
	seedOpportunity(t, s, "opp-1", opportunity.StatusDetected)
	handler := NewHandler(Deps{Store: s, Coordinator: coord, Token: testToken})

	w := doRequest(t, handler, "POST", "/callbacks/action", `{"id":"opp-1","action":"promote","actor":"alice"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if coord.lastID != "opp-1" || coord.lastAction != opportunity.ActionPromote {
		t.Errorf("coordinator called with id=%q action=%q", coord.lastID, coord.lastAction)
	}
}

func TestActionCallbackErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", fmt.Errorf("wrap: %w", opportunity.ErrNotFound), http.StatusNotFound},
		{"illegal transition", fmt.Errorf("wrap: %w", opportunity.ErrIllegalTransition), http.StatusConflict},
		{"invalid record", fmt.Errorf("wrap: %w", opportunity.ErrInvalidRecord), http.StatusBadRequest},
		{"collaborator failure", fmt.Errorf("bridge down"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coord := &mockCoordinator{actionErr: tt.err}
			handler := NewHandler(Deps{Store: newTestStore(t), Coordinator: coord, Token: testToken})

			w := doRequest(t, handler, "POST", "/callbacks/action", `{"id":"opp-1","action":"promote"}`)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestActionCallbackBadBody(t *testing.T) {
	handler := NewHandler(Deps{Store: newTestStore(t), Coordinator: &mockCoordinator{}, Token: testToken})

	for _, body := range []string{`not json`, `{"id":"","action":""}`, `{"action":"promote"}`} {
		w := doRequest(t, handler, "POST", "/callbacks/action", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, w.Code)
		}
	}
}

func TestDetect(t *testing.T) {
	coord := &mockCoordinator{runResult: lifecycle.RunResult{Candidates: 5, Created: 3, Duplicates: 2}}
	handler := NewHandler(Deps{Store: newTestStore(t), Coordinator: coord, Token: testToken})

	w := doRequest(t, handler, "POST", "/detect", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var result map[string]int
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if result["created"] != 3 || result["duplicates"] != 2 {
		t.Errorf("result = %v", result)
	}
}

func TestDetectFailure(t *testing.T) {
	coord := &mockCoordinator{runErr: fmt.Errorf("analytics down")}
	handler := NewHandler(Deps{Store: newTestStore(t), Coordinator: coord, Token: testToken})

	w := doRequest(t, handler, "POST", "/detect", "")
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
}

func TestListOpportunities(t *testing.T) {
	s := newTestStore(t)
	seedOpportunity(t, s, "opp-1", opportunity.StatusDetected)
	seedOpportunity(t, s, "opp-2", opportunity.StatusPromoted)
	handler := NewHandler(Deps{Store: s, Coordinator: &mockCoordinator{}, Token: testToken})

	w := doRequest(t, handler, "GET", "/opportunities", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var opps []opportunity.Opportunity
	if err := json.Unmarshal(w.Body.Bytes(), &opps); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(opps) != 2 {
		t.Errorf("list length = %d, want 2", len(opps))
	}

	w = doRequest(t, handler, "GET", "/opportunities?status=promoted", "")
	opps = nil
	if err := json.Unmarshal(w.Body.Bytes(), &opps); err != nil {
		t.Fatalf("decoding filtered body: %v", err)
	}
	if len(opps) != 1 || opps[0].ID != "opp-2" {
		t.Errorf("filtered list = %+v", opps)
	}

	w = doRequest(t, handler, "GET", "/opportunities?limit=1", "")
	opps = nil
	if err := json.Unmarshal(w.Body.Bytes(), &opps); err != nil {
		t.Fatalf("decoding limited body: %v", err)
	}
	if len(opps) != 1 {
		t.Errorf("limited list length = %d, want 1", len(opps))
	}
}

func TestListOpportunitiesEmptyIsArray(t *testing.T) {
	handler := NewHandler(Deps{Store: newTestStore(t), Coordinator: &mockCoordinator{}, Token: testToken})

	w := doRequest(t, handler, "GET", "/opportunities", "")
	if got := strings.TrimSpace(w.Body.String()); got != "[]" {
		t.Errorf("empty list body = %q, want []", got)
	}
}

func TestGetOpportunity(t *testing.T) {
	s := newTestStore(t)
	seedOpportunity(t, s, "opp-1", opportunity.StatusDetected)
	handler := NewHandler(Deps{Store: s, Coordinator: &mockCoordinator{}, Token: testToken})

	w := doRequest(t, handler, "GET", "/opportunities/opp-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var opp opportunity.Opportunity
	if err := json.Unmarshal(w.Body.Bytes(), &opp); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if opp.ID != "opp-1" {
		t.Errorf("id = %q", opp.ID)
	}

	w = doRequest(t, handler, "GET", "/opportunities/missing", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", w.Code)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	s := newTestStore(t)
	seedOpportunity(t, s, "opp-1", opportunity.StatusDetected)
	history := &mockHistory{transitions: []audit.Transition{
		{OpportunityID: "opp-1", To: "detected", Action: "detect"},
	}}
	handler := NewHandler(Deps{Store: s, Coordinator: &mockCoordinator{}, History: history, Token: testToken})

	w := doRequest(t, handler, "GET", "/opportunities/opp-1/history", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var transitions []audit.Transition
	if err := json.Unmarshal(w.Body.Bytes(), &transitions); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(transitions) != 1 || transitions[0].Action != "detect" {
		t.Errorf("transitions = %+v", transitions)
	}

	w = doRequest(t, handler, "GET", "/opportunities/missing/history", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", w.Code)
	}
}

func TestGenerateSpecEndpoint(t *testing.T) {
	s := newTestStore(t)
	seedOpportunity(t, s, "opp-1", opportunity.StatusSpecGenerated)
	coord := &mockCoordinator{}
	handler := NewHandler(Deps{Store: s, Coordinator: coord, Token: testToken})

	w := doRequest(t, handler, "POST", "/opportunities/opp-1/generate-spec", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var result map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if result["spec_ref"] != "SPEC-1" {
		t.Errorf("result = %v", result)
	}
	if coord.lastID != "opp-1" {
		t.Errorf("coordinator called with %q", coord.lastID)
	}
}

func TestGenerateSpecConflict(t *testing.T) {
	coord := &mockCoordinator{generateErr: fmt.Errorf("wrap: %w", opportunity.ErrIllegalTransition)}
	handler := NewHandler(Deps{Store: newTestStore(t), Coordinator: coord, Token: testToken})

	w := doRequest(t, handler, "POST", "/opportunities/opp-1/generate-spec", "")
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestShipEndpoint(t *testing.T) {
	s := newTestStore(t)
	seedOpportunity(t, s, "opp-1", opportunity.StatusSpecGenerated)
	coord := &mockCoordinator{}
	handler := NewHandler(Deps{Store: s, Coordinator: coord, Token: testToken})

	w := doRequest(t, handler, "POST", "/opportunities/opp-1/ship",
		`{"metric":"conversion","before":0.55,"after":0.70,"rating":4}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if coord.lastImpact.Metric != "conversion" || coord.lastImpact.After != 0.70 {
		t.Errorf("impact = %+v", coord.lastImpact)
	}
	if coord.lastRating != 4 {
		t.Errorf("rating = %d", coord.lastRating)
	}
}

func TestShipRequiresMetric(t *testing.T) {
	handler := NewHandler(Deps{Store: newTestStore(t), Coordinator: &mockCoordinator{}, Token: testToken})

	w := doRequest(t, handler, "POST", "/opportunities/opp-1/ship", `{"before":1,"after":2}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}
