package e2e

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"incidentflow/internal/domain"
	"incidentflow/test/testutil"
)

func TestServiceSmokeSingleModeLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("e2e test skipped in -short mode")
	}
	port, err := testutil.FreePort()
	if err != nil {
		t.Fatalf("free port: %v", err)
	}

	service := newServiceFromConfig(t, singleModeConfig(port))
	cancel, done := runService(t, service)
	defer cancel()
	waitReady(t, port)
	base := baseURL(port)

	if status := doJSON(t, http.MethodGet, base+"/healthz", "", nil); status != http.StatusOK {
		t.Fatalf("expected health 200, got %d", status)
	}

	now := time.Now()
	batch := "[" + alertJSON("smoke-1", "high", "db-1 replication lag", now) + "," +
		alertJSON("smoke-2", "critical", "db-1 down", now.Add(time.Second)) + "]"
	var ingest struct {
		Accepted int `json:"accepted"`
	}
	if status := doJSON(t, http.MethodPost, base+"/alerts", batch, &ingest); status != http.StatusAccepted || ingest.Accepted != 2 {
		t.Fatalf("expected 202 with 2 accepted, got %d %+v", status, ingest)
	}

	var incidents []domain.Incident
	doJSON(t, http.MethodGet, base+"/api/v1/incidents?status=open", "", &incidents)
	if len(incidents) != 1 {
		t.Fatalf("expected one open incident, got %d", len(incidents))
	}
	incident := incidents[0]
	if incident.Priority != domain.PriorityP1 || incident.Title != "db-1 down" {
		t.Fatalf("unexpected incident %+v", incident)
	}

	var acked domain.Incident
	url := fmt.Sprintf("%s/api/v1/incidents/%s/acknowledge", base, incident.ID)
	if status := doJSON(t, http.MethodPost, url, `{"user":"oncall","note":"looking"}`, &acked); status != http.StatusOK {
		t.Fatalf("ack status %d", status)
	}
	if acked.Status != domain.StatusInvestigating || acked.AssignedTo != "oncall" {
		t.Fatalf("unexpected acknowledged incident %+v", acked)
	}

	var timeline []domain.TimelineEvent
	doJSON(t, http.MethodGet, fmt.Sprintf("%s/api/v1/incidents/%s/timeline", base, incident.ID), "", &timeline)
	if len(timeline) != 2 || timeline[1].Action != domain.ActionAcknowledged {
		t.Fatalf("unexpected timeline %+v", timeline)
	}

	resp, err := http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("metrics request: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(string(body), `incidentflow_incident_ack_sla_total{priority="P1",result="met"} 1`) {
		t.Fatalf("ack sla metric missing from scrape:\n%s", body)
	}

	cancel()
	waitServiceStop(t, done)
}
