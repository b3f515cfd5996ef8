package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"incidentflow/internal/domain"
)

var (
	// ErrNotFound indicates absent key.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates version mismatch for optimistic write.
	ErrConflict = errors.New("version conflict")
)

// AlertStore persists alerts consumed by correlation.
// Params: keyed put/get and created_at range query.
// Returns: backend persistence behavior.
type AlertStore interface {
	PutAlert(ctx context.Context, alert domain.Alert) error
	GetAlert(ctx context.Context, id string) (domain.Alert, bool, error)
	QueryAlerts(ctx context.Context, from, to time.Time) ([]domain.Alert, error)
}

// IncidentStore persists incident aggregates and their timelines.
//
// PutIncident writes with an optimistic check: incident.Version must equal the stored
// version (0 creates a new record). The timeline is part of the aggregate record, so a
// state change and the events describing it commit or fail together.
// AppendTimeline adds one event under the same check; re-appending a recorded seq is a no-op.
type IncidentStore interface {
	PutIncident(ctx context.Context, incident domain.Incident) (uint64, error)
	GetIncident(ctx context.Context, id string) (domain.Incident, bool, error)
	QueryIncidents(ctx context.Context, filter domain.IncidentFilter) ([]domain.Incident, error)
	AppendTimeline(ctx context.Context, incidentID string, event domain.TimelineEvent) error
	Timeline(ctx context.Context, incidentID string) ([]domain.TimelineEvent, error)
	ArchiveIncident(ctx context.Context, id string) error
}

// Store is the full persistence surface used by the service.
type Store interface {
	AlertStore
	IncidentStore
	Close() error
}

// sortIncidents orders newest first with id tiebreak and applies limit.
func sortIncidents(items []domain.Incident, limit int) []domain.Incident {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// sortAlerts orders oldest first with id tiebreak.
func sortAlerts(items []domain.Alert) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}

// inRange reports whether ts is within [from, to]; zero bounds are open.
func inRange(ts, from, to time.Time) bool {
	if !from.IsZero() && ts.Before(from) {
		return false
	}
	if !to.IsZero() && ts.After(to) {
		return false
	}
	return true
}

// storedIncident returns copy of incident as persisted; version lives in the backend.
func storedIncident(incident domain.Incident) domain.Incident {
	out := incident.Clone()
	out.Version = 0
	return out
}

// appendEvent adds event as the next timeline entry of incident.
// Params: current aggregate and event to add.
// Returns: updated copy, whether it changed, or ErrConflict when seq is not the next one
// and does not repeat a recorded event.
func appendEvent(incident domain.Incident, event domain.TimelineEvent) (domain.Incident, bool, error) {
	last := incident.LastSeq()
	if event.Seq <= last {
		for _, recorded := range incident.Timeline {
			if recorded.Seq == event.Seq && recorded.Action == event.Action {
				return incident, false, nil
			}
		}
		return incident, false, fmt.Errorf("%w: timeline seq %d already used", ErrConflict, event.Seq)
	}
	if event.Seq != last+1 {
		return incident, false, fmt.Errorf("%w: timeline seq %d after %d", ErrConflict, event.Seq, last)
	}
	out := incident.Clone()
	out.Timeline = append(out.Timeline, event)
	return out, true, nil
}
