package incident

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"incidentflow/internal/domain"
	"incidentflow/internal/logging"
	"incidentflow/internal/state"
)

var errKVUnavailable = errors.New("kv unavailable")

// flakyStore fails incident writes while failPut matches and counts the failures.
type flakyStore struct {
	*state.MemoryStore

	mu           sync.Mutex
	failPut      func(domain.Incident) bool
	failAppend   bool
	failedWrites int
}

func (s *flakyStore) PutIncident(ctx context.Context, incident domain.Incident) (uint64, error) {
	s.mu.Lock()
	fail := s.failPut != nil && s.failPut(incident)
	if fail {
		s.failedWrites++
	}
	s.mu.Unlock()
	if fail {
		return 0, errKVUnavailable
	}
	return s.MemoryStore.PutIncident(ctx, incident)
}

func (s *flakyStore) AppendTimeline(ctx context.Context, incidentID string, event domain.TimelineEvent) error {
	s.mu.Lock()
	fail := s.failAppend
	s.mu.Unlock()
	if fail {
		return errKVUnavailable
	}
	return s.MemoryStore.AppendTimeline(ctx, incidentID, event)
}

func (s *flakyStore) setFailPut(match func(domain.Incident) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPut = match
}

func newFlakyHarness(t *testing.T) (*harness, *flakyStore) {
	t.Helper()

	h := newHarness(t)
	flaky := &flakyStore{MemoryStore: h.store}
	seq := 0
	h.manager = NewManager(DefaultConfig(), flaky, h.store, h.gateway, h.clock, logging.Discard(),
		WithObserver(h.observer),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("inc-%d", seq)
		}),
	)
	return h, flaky
}

func timelineActions(incident domain.Incident) []domain.Action {
	out := make([]domain.Action, len(incident.Timeline))
	for i, event := range incident.Timeline {
		out[i] = event.Action
	}
	return out
}

func TestFailedWriteLeavesStateAndTimelineTogether(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h, flaky := newFlakyHarness(t)
	incident := h.createIncident(t, "corr-1", domain.SeverityHigh, domain.SeverityHigh)

	flaky.setFailPut(func(domain.Incident) bool { return true })
	if _, err := h.manager.Acknowledge(ctx, incident.ID, "alice", ""); !errors.Is(err, errKVUnavailable) {
		t.Fatalf("expected store failure, got %v", err)
	}
	stored, _ := h.manager.Get(ctx, incident.ID)
	if stored.Status != domain.StatusOpen || len(stored.Timeline) != 1 {
		t.Fatalf("failed write must change nothing, got %s with %v", stored.Status, timelineActions(stored))
	}

	flaky.setFailPut(nil)
	acked, err := h.manager.Acknowledge(ctx, incident.ID, "alice", "")
	if err != nil {
		t.Fatalf("retried acknowledge: %v", err)
	}
	events, err := h.manager.Timeline(ctx, incident.ID)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if acked.Status != domain.StatusAcknowledged || len(events) != 2 ||
		events[0].Action != domain.ActionCreated || events[1].Action != domain.ActionAcknowledged || events[1].Seq != 2 {
		t.Fatalf("expected created then acknowledged, got %+v", events)
	}
}

func TestLifecycleDoesNotDependOnSeparateTimelineAppend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h, flaky := newFlakyHarness(t)
	incident := h.createIncident(t, "corr-1", domain.SeverityHigh, domain.SeverityHigh)

	flaky.mu.Lock()
	flaky.failAppend = true
	flaky.mu.Unlock()
	acked, err := h.manager.Acknowledge(ctx, incident.ID, "alice", "")
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	stored, _ := h.manager.Get(ctx, incident.ID)
	if stored.Status != domain.StatusAcknowledged || len(stored.Timeline) != 2 || acked.Version != stored.Version {
		t.Fatalf("acknowledge must land with its event, got %s %v", stored.Status, timelineActions(stored))
	}
}

func TestMergeRetryAfterSourceWriteFailureAddsOneMergeEvent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h, flaky := newFlakyHarness(t)
	target := h.createIncident(t, "corr-t", domain.SeverityHigh, domain.SeverityHigh)
	source := h.createIncident(t, "corr-s", domain.SeverityCritical)

	flaky.setFailPut(func(incident domain.Incident) bool {
		return incident.ID == source.ID && incident.Status == domain.StatusMerged
	})
	if _, err := h.manager.Merge(ctx, source.ID, target.ID, "alice"); !errors.Is(err, errKVUnavailable) {
		t.Fatalf("expected source write failure, got %v", err)
	}
	half, _ := h.manager.Get(ctx, source.ID)
	if half.Status != domain.StatusOpen {
		t.Fatalf("source must stay open after failed write, got %s", half.Status)
	}

	flaky.setFailPut(nil)
	merged, err := h.manager.Merge(ctx, source.ID, target.ID, "alice")
	if err != nil {
		t.Fatalf("retried merge: %v", err)
	}
	absorbed := 0
	for _, event := range merged.Timeline {
		if event.Action == domain.ActionMerged && strings.Contains(event.Note, source.ID) {
			absorbed++
		}
	}
	if absorbed != 1 || len(merged.Timeline) != 2 || len(merged.AlertIDs) != 3 {
		t.Fatalf("target must record the merge once, got %v alerts=%v", timelineActions(merged), merged.AlertIDs)
	}
	child, _ := h.manager.Get(ctx, source.ID)
	if child.Status != domain.StatusMerged || child.ParentIncidentID != target.ID {
		t.Fatalf("unexpected source after retried merge %+v", child)
	}
	if flaky.failedWrites != 1 {
		t.Fatalf("expected exactly one failed write, got %d", flaky.failedWrites)
	}
}

func TestHandleCorrelationFollowsMergedIncidentToRoot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	source := h.createIncident(t, "c1", domain.SeverityMedium)
	middle := h.createIncident(t, "c2", domain.SeverityMedium)
	root := h.createIncident(t, "c3", domain.SeverityMedium)
	if _, err := h.manager.Merge(ctx, source.ID, middle.ID, "alice"); err != nil {
		t.Fatalf("merge source: %v", err)
	}
	if _, err := h.manager.Merge(ctx, middle.ID, root.ID, "alice"); err != nil {
		t.Fatalf("merge middle: %v", err)
	}

	h.putAlerts(t, domain.Alert{ID: "c1-late", Severity: domain.SeverityHigh, Category: domain.CategoryAvailability, Source: "api-1", Title: "api unavailable", CreatedAt: startTime})
	updated, created, err := h.manager.HandleCorrelation(ctx, significant("c1", append(append([]string(nil), source.AlertIDs...), "c1-late")...))
	if err != nil || created {
		t.Fatalf("correlation of a merged incident must update its root, created=%v err=%v", created, err)
	}
	if updated.ID != root.ID || !updated.HasAlert("c1-late") {
		t.Fatalf("expected late alert on %s, got %s with %v", root.ID, updated.ID, updated.AlertIDs)
	}
	if last := updated.Timeline[len(updated.Timeline)-1]; last.Action != domain.ActionAlertAdded {
		t.Fatalf("expected alert_added event, got %+v", last)
	}
	all, err := h.manager.List(ctx, domain.IncidentFilter{Statuses: append(domain.ActiveStatuses(), domain.StatusMerged)})
	if err != nil || len(all) != 3 {
		t.Fatalf("no new incident may be created, got %d err=%v", len(all), err)
	}

	if _, err := h.manager.Resolve(ctx, root.ID, "ops", "fixed"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := h.manager.Close(ctx, root.ID, ""); err != nil {
		t.Fatalf("close: %v", err)
	}
	fresh, created, err := h.manager.HandleCorrelation(ctx, significant("c1", source.AlertIDs...))
	if err != nil || !created || fresh.ID == root.ID {
		t.Fatalf("closed root must not hold the correlation, created=%v err=%v", created, err)
	}
}
