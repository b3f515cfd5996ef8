package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"incidentflow/internal/clock"
	"incidentflow/internal/domain"
	"incidentflow/internal/incident"
	"incidentflow/internal/logging"
	"incidentflow/internal/retryable"
	"incidentflow/internal/state"
)

var startTime = time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)

type fixture struct {
	handler *Handler
	manager *incident.Manager
	store   *state.MemoryStore
	clock   *clock.Manual
	nextID  int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clk := clock.NewManual(startTime)
	store := state.NewMemoryStore(clk.Now, 0)
	f := &fixture{store: store, clock: clk}
	f.manager = incident.NewManager(incident.DefaultConfig(), store, store, nil, clk, logging.Discard(),
		incident.WithIDGenerator(func() string {
			f.nextID++
			return fmt.Sprintf("inc-%d", f.nextID)
		}),
	)
	stats := func() any { return map[string]int{"incidents": f.nextID} }
	f.handler = NewHandler("/api/v1", f.manager, stats, nil, logging.Discard())
	return f
}

func (f *fixture) create(t *testing.T, correlationID string, severity domain.Severity) domain.Incident {
	t.Helper()

	ids := []string{correlationID + "-a0", correlationID + "-a1"}
	for _, id := range ids {
		alert := domain.Alert{
			ID:        id,
			Severity:  severity,
			Category:  domain.CategoryAvailability,
			Source:    "db-1",
			Title:     "db-1 down",
			CreatedAt: f.clock.Now(),
		}
		if err := f.store.PutAlert(context.Background(), alert); err != nil {
			t.Fatalf("put alert: %v", err)
		}
	}
	created, err := f.manager.CreateFromCorrelation(context.Background(), domain.CorrelationResult{
		CorrelationID: correlationID,
		AlertIDs:      ids,
		Strategy:      domain.StrategySpatial,
		Confidence:    domain.ConfidenceVeryHigh,
		Score:         1,
	})
	if err != nil {
		t.Fatalf("create incident: %v", err)
	}
	return created
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	request := httptest.NewRequest(method, path, strings.NewReader(body))
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func decode[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()

	var out T
	if err := json.Unmarshal(recorder.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
	return out
}

func TestGetAndTimeline(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	created := f.create(t, "corr-1", domain.SeverityCritical)

	resp := f.do(t, http.MethodGet, "/api/v1/incidents/"+created.ID, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("get status %d body=%s", resp.Code, resp.Body.String())
	}
	got := decode[domain.Incident](t, resp)
	if got.ID != created.ID || got.Priority != domain.PriorityP1 {
		t.Fatalf("unexpected incident %+v", got)
	}

	resp = f.do(t, http.MethodGet, "/api/v1/incidents/"+created.ID+"/timeline", "")
	events := decode[[]domain.TimelineEvent](t, resp)
	if len(events) != 1 || events[0].Action != domain.ActionCreated {
		t.Fatalf("unexpected timeline %+v", events)
	}

	resp = f.do(t, http.MethodGet, "/api/v1/incidents/missing", "")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("missing incident must be 404, got %d", resp.Code)
	}
}

func TestLifecycleActions(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	created := f.create(t, "corr-1", domain.SeverityHigh)
	base := "/api/v1/incidents/" + created.ID

	resp := f.do(t, http.MethodPost, base+"/acknowledge", `{"user":"alice","note":"on it"}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("ack status %d body=%s", resp.Code, resp.Body.String())
	}
	acked := decode[domain.Incident](t, resp)
	if acked.Status != domain.StatusInvestigating || acked.AssignedTo != "alice" {
		t.Fatalf("unexpected acknowledged incident %+v", acked)
	}

	resp = f.do(t, http.MethodPost, base+"/acknowledge", `{"user":"bob"}`)
	if resp.Code != http.StatusConflict {
		t.Fatalf("second ack must be 409, got %d", resp.Code)
	}

	resp = f.do(t, http.MethodPost, base+"/resolve", `{"user":"alice","note":"restarted"}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("resolve status %d body=%s", resp.Code, resp.Body.String())
	}

	resp = f.do(t, http.MethodPost, base+"/close", `{"user":"alice"}`)
	closed := decode[domain.Incident](t, resp)
	if closed.Status != domain.StatusClosed {
		t.Fatalf("expected closed incident, got %s", closed.Status)
	}

	resp = f.do(t, http.MethodPost, base+"/escalate", "")
	if resp.Code != http.StatusConflict {
		t.Fatalf("escalating closed incident must be 409, got %d", resp.Code)
	}
}

func TestActionRequiresUser(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	created := f.create(t, "corr-1", domain.SeverityHigh)

	resp := f.do(t, http.MethodPost, "/api/v1/incidents/"+created.ID+"/acknowledge", `{"note":"x"}`)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("missing user must be 400, got %d", resp.Code)
	}
	resp = f.do(t, http.MethodPost, "/api/v1/incidents/"+created.ID+"/acknowledge", `{"user":`)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("malformed body must be 400, got %d", resp.Code)
	}
}

func TestMergeEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	source := f.create(t, "corr-1", domain.SeverityHigh)
	target := f.create(t, "corr-2", domain.SeverityMedium)

	resp := f.do(t, http.MethodPost, "/api/v1/incidents/"+source.ID+"/merge", `{"user":"alice","target_id":"`+source.ID+`"}`)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("self merge must be 400, got %d", resp.Code)
	}

	resp = f.do(t, http.MethodPost, "/api/v1/incidents/"+source.ID+"/merge", `{"user":"alice","target_id":"`+target.ID+`"}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("merge status %d body=%s", resp.Code, resp.Body.String())
	}

	resp = f.do(t, http.MethodGet, "/api/v1/incidents/"+target.ID+"/children", "")
	children := decode[[]domain.Incident](t, resp)
	if len(children) != 1 || children[0].ID != source.ID || children[0].Status != domain.StatusMerged {
		t.Fatalf("unexpected children %+v", children)
	}

	resp = f.do(t, http.MethodPost, "/api/v1/incidents/"+target.ID+"/merge", `{"user":"alice"}`)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("missing target must be 400, got %d", resp.Code)
	}
}

func TestListFilters(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.create(t, "corr-1", domain.SeverityCritical)
	f.create(t, "corr-2", domain.SeverityMedium)

	resp := f.do(t, http.MethodGet, "/api/v1/incidents?priority=p1", "")
	items := decode[[]domain.Incident](t, resp)
	if len(items) != 1 || items[0].CorrelationID != "corr-1" {
		t.Fatalf("unexpected priority filter result %+v", items)
	}

	resp = f.do(t, http.MethodGet, "/api/v1/incidents?status=open,investigating", "")
	if items = decode[[]domain.Incident](t, resp); len(items) != 2 {
		t.Fatalf("expected 2 open incidents, got %d", len(items))
	}

	for _, query := range []string{"status=sleeping", "priority=P9", "limit=-1", "from=yesterday", "category=disk"} {
		resp = f.do(t, http.MethodGet, "/api/v1/incidents?"+query, "")
		if resp.Code != http.StatusBadRequest {
			t.Fatalf("query %q must be 400, got %d", query, resp.Code)
		}
	}
}

func TestBulkAcknowledgeReportsPartialFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	first := f.create(t, "corr-1", domain.SeverityHigh)

	resp := f.do(t, http.MethodPost, "/api/v1/incidents/bulk/acknowledge", `{"user":"alice","ids":["`+first.ID+`","missing"]}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("bulk status %d body=%s", resp.Code, resp.Body.String())
	}
	results := decode[[]incident.BulkResult](t, resp)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %+v", results)
	}
	if results[0].Error != "" || results[1].Error == "" {
		t.Fatalf("unexpected bulk results %+v", results)
	}

	resp = f.do(t, http.MethodPost, "/api/v1/incidents/bulk/resolve", `{"user":"alice"}`)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("empty ids must be 400, got %d", resp.Code)
	}
}

func TestStatsEndpoints(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.create(t, "corr-1", domain.SeverityHigh)

	resp := f.do(t, http.MethodGet, "/api/v1/stats", "")
	if resp.Code != http.StatusOK || decode[map[string]int](t, resp)["incidents"] != 1 {
		t.Fatalf("unexpected stats response %d %s", resp.Code, resp.Body.String())
	}
	resp = f.do(t, http.MethodGet, "/api/v1/correlation/stats", "")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("missing stats source must be 404, got %d", resp.Code)
	}
}

func TestMethodMismatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	resp := f.do(t, http.MethodDelete, "/api/v1/incidents", "")
	if resp.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.Code)
	}
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("get: %w", incident.ErrNotFound), http.StatusNotFound},
		{incident.ErrSelfMerge, http.StatusBadRequest},
		{&incident.InvalidTransitionError{IncidentID: "i", From: domain.StatusOpen, Action: domain.ActionResolved}, http.StatusConflict},
		{incident.ErrAlreadyTerminal, http.StatusConflict},
		{incident.ErrMergeCycle, http.StatusConflict},
		{incident.ErrDuplicateCorrelation, http.StatusConflict},
		{retryable.Mark(errors.New("kv timeout")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := StatusFor(tc.err); got != tc.want {
			t.Fatalf("StatusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
