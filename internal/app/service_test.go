package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"incidentflow/internal/clock"
	"incidentflow/internal/config"
	"incidentflow/internal/domain"
	"incidentflow/test/testutil"
)

func testConfig(t *testing.T, extra string) config.Config {
	t.Helper()

	logPath := filepath.Join(t.TempDir(), "incidentflow.log")
	body := fmt.Sprintf(`[log.console]
enabled = false

[log.file]
enabled = true
path = %q
level = "debug"

[notify]
log = true
`, logPath) + extra
	cfg, err := config.Parse([]byte(body))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	return cfg
}

func newTestService(t *testing.T, cfg config.Config, clk clock.Clock) *Service {
	t.Helper()

	svc, err := New(cfg, clk)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() { _ = svc.shutdown() })
	return svc
}

func request(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(method, path, strings.NewReader(body)))
	return recorder
}

func alertPayload(id, severity, title string, at time.Time) string {
	return fmt.Sprintf(`{"id":%q,"severity":%q,"category":"availability","source":"db-1","component":"postgres","title":%q,"created_at":%q}`,
		id, severity, title, at.Format(time.RFC3339))
}

func TestServiceSingleModeFlow(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(startTime)
	svc := newTestService(t, testConfig(t, ""), clk)
	handler := svc.Handler()

	batch := "[" + alertPayload("a1", "high", "db-1 replication lag", startTime) + "," +
		alertPayload("a2", "critical", "db-1 down", startTime.Add(20*time.Second)) + "]"
	if resp := request(t, handler, http.MethodPost, "/alerts", batch); resp.Code != http.StatusAccepted {
		t.Fatalf("ingest status %d body=%s", resp.Code, resp.Body.String())
	}

	resp := request(t, handler, http.MethodGet, "/api/v1/incidents", "")
	var items []domain.Incident
	if err := json.Unmarshal(resp.Body.Bytes(), &items); err != nil {
		t.Fatalf("decode incidents: %v", err)
	}
	if len(items) != 1 || items[0].Priority != domain.PriorityP1 {
		t.Fatalf("expected one P1 incident, got %+v", items)
	}
	id := items[0].ID

	resp = request(t, handler, http.MethodPost, "/api/v1/incidents/"+id+"/resolve", `{"user":"alice","note":"failover"}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("resolve status %d body=%s", resp.Code, resp.Body.String())
	}

	clk.Advance(8 * 24 * time.Hour)
	if err := svc.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	closed, err := svc.Incidents().Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	if closed.Status != domain.StatusClosed {
		t.Fatalf("idle resolved incident must be auto-closed, got %s", closed.Status)
	}

	resp = request(t, handler, http.MethodGet, "/api/v1/correlation/stats", "")
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), `"shards":1`) {
		t.Fatalf("unexpected window stats %d %s", resp.Code, resp.Body.String())
	}

	resp = request(t, handler, http.MethodGet, "/metrics", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("metrics status %d", resp.Code)
	}
	for _, name := range []string{"incidentflow_correlations_total", "incidentflow_incident_transitions_total", "go_goroutines"} {
		if !strings.Contains(resp.Body.String(), name) {
			t.Fatalf("metrics output misses %s", name)
		}
	}

	resp = request(t, handler, http.MethodGet, "/api/v1/stats", "")
	var snapshot map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if len(snapshot) == 0 {
		t.Fatalf("stats snapshot must not be empty")
	}
}

func TestServiceEscalationSweep(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(startTime)
	svc := newTestService(t, testConfig(t, ""), clk)
	handler := svc.Handler()

	batch := "[" + alertPayload("a1", "critical", "db-1 down", startTime) + "," +
		alertPayload("a2", "critical", "db-1 unreachable", startTime) + "]"
	if resp := request(t, handler, http.MethodPost, "/alerts", batch); resp.Code != http.StatusAccepted {
		t.Fatalf("ingest status %d body=%s", resp.Code, resp.Body.String())
	}

	clk.Advance(6 * time.Minute)
	if err := svc.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	items, err := svc.Incidents().List(context.Background(), domain.IncidentFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 || !items[0].Escalated || items[0].EscalationLevel != 1 {
		t.Fatalf("unacknowledged P1 must escalate once after 5m, got %+v", items)
	}
}

func TestServiceRateLimitedIngest(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, testConfig(t, "\n[ingest.http]\nrate_limit_per_minute = 10\n"), clock.NewManual(startTime))
	handler := svc.Handler()

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = request(t, handler, http.MethodPost, "/alerts", alertPayload(fmt.Sprintf("r%d", i), "low", "disk io slow", startTime))
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("alerts beyond burst must be rate limited, got %d", last.Code)
	}
}

func TestServiceRunServesHealthAndStops(t *testing.T) {
	port, err := testutil.FreePort()
	if err != nil {
		t.Fatalf("free port: %v", err)
	}
	cfg := testConfig(t, fmt.Sprintf("\n[ingest.http]\nlisten = \"127.0.0.1:%d\"\n", port))
	svc, err := New(cfg, clock.RealClock{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	testutil.Eventually(t, 5*time.Second, func() bool {
		resp, err := http.Get(base + "/readyz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})
	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("service did not stop")
	}
}

func TestNewServiceRejectsInvalidSource(t *testing.T) {
	t.Parallel()

	if _, err := NewService(config.ConfigSource{File: filepath.Join(t.TempDir(), "missing.toml")}, nil); err == nil {
		t.Fatalf("expected load error for missing file")
	}
}
