package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"incidentflow/internal/correlation"
	"incidentflow/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCorrelationTotals(t *testing.T) {
	t.Parallel()

	recorder := NewRecorder()
	recorder.ObserveCorrelation(correlation.OutcomeJoined, 2*time.Millisecond)
	recorder.ObserveCorrelation(correlation.OutcomeNewGroup, time.Millisecond)
	recorder.ObserveStrategy(domain.StrategySpatial, nil)
	recorder.ObserveStrategy(domain.StrategySemantic, errors.New("boom"))

	snapshot := recorder.Snapshot()
	if snapshot.Correlations != 2 || snapshot.CorrelationsJoined != 1 {
		t.Fatalf("unexpected correlation totals %+v", snapshot)
	}
	if snapshot.StrategyRuns[domain.StrategySemantic] != 1 || snapshot.StrategyErrors[domain.StrategySemantic] != 1 {
		t.Fatalf("unexpected strategy totals %+v", snapshot)
	}
	if snapshot.LatencyP50 != time.Millisecond || snapshot.LatencyP99 < snapshot.LatencyP50 {
		t.Fatalf("unexpected percentiles p50=%s p99=%s", snapshot.LatencyP50, snapshot.LatencyP99)
	}
	if got := testutil.ToFloat64(recorder.correlations.WithLabelValues(correlation.OutcomeJoined)); got != 1 {
		t.Fatalf("expected joined counter 1, got %v", got)
	}
}

func TestRecorderIncidentGaugesFollowTransitions(t *testing.T) {
	t.Parallel()

	recorder := NewRecorder()
	open := domain.Incident{ID: "i1", Status: domain.StatusOpen, Priority: domain.PriorityP2}
	investigating := open
	investigating.Status = domain.StatusInvestigating

	recorder.Transition(domain.Incident{}, open)
	recorder.Transition(open, investigating)

	snapshot := recorder.Snapshot()
	if snapshot.IncidentsByStatus[domain.StatusInvestigating] != 1 || snapshot.IncidentsByStatus[domain.StatusOpen] != 0 {
		t.Fatalf("unexpected status counts %+v", snapshot.IncidentsByStatus)
	}
	if snapshot.IncidentsByPrio[domain.PriorityP2] != 1 {
		t.Fatalf("unexpected priority counts %+v", snapshot.IncidentsByPrio)
	}
	if got := testutil.ToFloat64(recorder.incidents.WithLabelValues("investigating", "P2")); got != 1 {
		t.Fatalf("expected gauge 1, got %v", got)
	}

	recorder.Transition(investigating, domain.Incident{})
	if got := testutil.ToFloat64(recorder.incidents.WithLabelValues("investigating", "P2")); got != 0 {
		t.Fatalf("archive must drop gauge, got %v", got)
	}
}

func TestRecorderLifecycleMeansAndSLA(t *testing.T) {
	t.Parallel()

	recorder := NewRecorder()
	recorder.Acknowledged(domain.PriorityP1, 10*time.Minute, 15*time.Minute)
	recorder.Acknowledged(domain.PriorityP1, 20*time.Minute, 15*time.Minute)
	recorder.Acknowledged(domain.PriorityP5, time.Hour, 0)
	recorder.Resolved(domain.PriorityP1, time.Hour)
	recorder.Resolved(domain.PriorityP1, 3*time.Hour)
	recorder.Escalated(domain.PriorityP1, 1)
	recorder.NotificationFailed(domain.EventIncidentCreated)

	snapshot := recorder.Snapshot()
	if snapshot.SLAComplianceRate != 0.5 {
		t.Fatalf("expected 50%% SLA compliance, got %v", snapshot.SLAComplianceRate)
	}
	if snapshot.MeanTimeToAck != 30*time.Minute {
		t.Fatalf("unexpected mean ack %s", snapshot.MeanTimeToAck)
	}
	if snapshot.MeanTimeToResolve != 2*time.Hour {
		t.Fatalf("unexpected mean resolve %s", snapshot.MeanTimeToResolve)
	}
	if snapshot.Escalations != 1 || snapshot.NotifyFailures != 1 {
		t.Fatalf("unexpected counters %+v", snapshot)
	}
}

func TestRegisterAndHandler(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	recorder := NewRecorder()
	if err := recorder.Register(registry); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := recorder.Register(registry); err != nil {
		t.Fatalf("second register must be tolerated: %v", err)
	}
	recorder.ObserveCorrelation(correlation.OutcomeNewGroup, time.Millisecond)

	server := httptest.NewServer(Handler(registry))
	defer server.Close()
	response, err := server.Client().Get(server.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer response.Body.Close()
	body, _ := io.ReadAll(response.Body)
	if !strings.Contains(string(body), `incidentflow_correlations_total{outcome="new_group"} 1`) {
		t.Fatalf("expected correlation counter in scrape, got:\n%s", body)
	}
}

func TestLatencyTrackerRingBuffer(t *testing.T) {
	t.Parallel()

	tracker := NewLatencyTracker(3)
	if tracker.Percentile(50) != 0 {
		t.Fatalf("expected zero without samples")
	}
	for _, ms := range []int{5, 1, 3, 9} {
		tracker.Observe(time.Duration(ms) * time.Millisecond)
	}
	if tracker.Count() != 3 {
		t.Fatalf("expected bounded count, got %d", tracker.Count())
	}
	if tracker.Percentile(0) != time.Millisecond || tracker.Percentile(100) != 9*time.Millisecond {
		t.Fatalf("oldest sample must be evicted, min=%s max=%s", tracker.Percentile(0), tracker.Percentile(100))
	}
	if tracker.Percentile(50) != 3*time.Millisecond {
		t.Fatalf("unexpected median %s", tracker.Percentile(50))
	}
}
