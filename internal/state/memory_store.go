package state

import (
	"context"
	"sync"
	"time"

	"incidentflow/internal/domain"
)

// MemoryStore keeps alerts and incidents in process memory for single-instance mode.
// Params: injected clock and alert retention.
// Returns: Store implementation without external dependencies.
type MemoryStore struct {
	mu        sync.RWMutex
	now       func() time.Time
	alertTTL  time.Duration
	alerts    map[string]domain.Alert
	incidents map[string]memoryIncident
	archive   map[string]memoryIncident
}

type memoryIncident struct {
	incident domain.Incident
	version  uint64
}

// NewMemoryStore creates in-memory state store.
// Params: now function (defaults to time.Now when nil) and alert TTL (0 keeps alerts forever).
// Returns: initialized in-memory store.
func NewMemoryStore(now func() time.Time, alertTTL time.Duration) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:       now,
		alertTTL:  alertTTL,
		alerts:    make(map[string]domain.Alert),
		incidents: make(map[string]memoryIncident),
		archive:   make(map[string]memoryIncident),
	}
}

// PutAlert stores alert by id, replacing any previous version.
func (s *MemoryStore) PutAlert(ctx context.Context, alert domain.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[alert.ID] = alert
	return nil
}

// GetAlert returns alert by id; expired alerts read as absent.
func (s *MemoryStore) GetAlert(ctx context.Context, id string) (domain.Alert, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Alert{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	alert, ok := s.alerts[id]
	if !ok || s.expired(alert) {
		return domain.Alert{}, false, nil
	}
	return alert, true, nil
}

// QueryAlerts lists unexpired alerts created within [from, to], oldest first.
func (s *MemoryStore) QueryAlerts(ctx context.Context, from, to time.Time) ([]domain.Alert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Alert, 0)
	for id, alert := range s.alerts {
		if s.expired(alert) {
			delete(s.alerts, id)
			continue
		}
		if inRange(alert.CreatedAt, from, to) {
			out = append(out, alert)
		}
	}
	sortAlerts(out)
	return out, nil
}

func (s *MemoryStore) expired(alert domain.Alert) bool {
	return s.alertTTL > 0 && !alert.CreatedAt.Add(s.alertTTL).After(s.now())
}

// PutIncident writes incident when its Version matches stored version.
// Params: incident with Version 0 for create or last read version for update.
// Returns: new version or ErrConflict.
func (s *MemoryStore) PutIncident(ctx context.Context, incident domain.Incident) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.incidents[incident.ID]
	switch {
	case incident.Version == 0 && exists:
		return 0, ErrConflict
	case incident.Version != 0 && (!exists || current.version != incident.Version):
		return 0, ErrConflict
	}
	version := current.version + 1
	s.incidents[incident.ID] = memoryIncident{incident: storedIncident(incident), version: version}
	return version, nil
}

// GetIncident returns live or archived incident with its timeline.
func (s *MemoryStore) GetIncident(ctx context.Context, id string) (domain.Incident, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Incident{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.incidents[id]
	if !ok {
		entry, ok = s.archive[id]
	}
	if !ok {
		return domain.Incident{}, false, nil
	}
	return s.hydrate(entry), true, nil
}

// QueryIncidents returns live incidents matching filter, newest first.
func (s *MemoryStore) QueryIncidents(ctx context.Context, filter domain.IncidentFilter) ([]domain.Incident, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Incident, 0)
	for _, entry := range s.incidents {
		if filter.Matches(entry.incident) {
			out = append(out, s.hydrate(entry))
		}
	}
	return sortIncidents(out, filter.Limit), nil
}

func (s *MemoryStore) hydrate(entry memoryIncident) domain.Incident {
	out := entry.incident.Clone()
	out.Version = entry.version
	return out
}

// AppendTimeline adds event to a live incident and bumps its version.
func (s *MemoryStore) AppendTimeline(ctx context.Context, incidentID string, event domain.TimelineEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.incidents[incidentID]
	if !ok {
		return ErrNotFound
	}
	next, changed, err := appendEvent(entry.incident, event)
	if err != nil || !changed {
		return err
	}
	s.incidents[incidentID] = memoryIncident{incident: next, version: entry.version + 1}
	return nil
}

// Timeline returns events of a live or archived incident ordered by seq.
func (s *MemoryStore) Timeline(ctx context.Context, incidentID string) ([]domain.TimelineEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.incidents[incidentID]
	if !ok {
		entry, ok = s.archive[incidentID]
	}
	if !ok {
		return nil, ErrNotFound
	}
	return append([]domain.TimelineEvent(nil), entry.incident.Timeline...), nil
}

// ArchiveIncident moves incident out of live storage; timeline stays readable.
func (s *MemoryStore) ArchiveIncident(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.incidents[id]
	if !ok {
		return ErrNotFound
	}
	s.archive[id] = entry
	delete(s.incidents, id)
	return nil
}

// Close releases memory store resources.
func (s *MemoryStore) Close() error {
	return nil
}
