package incident

import (
	"context"
	"errors"
	"fmt"
	"time"

	"incidentflow/internal/domain"
)

// SweepReport counts work done by one sweep.
type SweepReport struct {
	Checked   int
	Processed int
	Failed    int
}

// EscalateOverdue escalates open incidents past their priority threshold.
// Candidates are snapshotted without locks; each is re-checked under its own lock.
// Params: context.
// Returns: sweep counters or snapshot query error.
func (m *Manager) EscalateOverdue(ctx context.Context) (SweepReport, error) {
	candidates, err := m.List(ctx, domain.IncidentFilter{Statuses: []domain.IncidentStatus{domain.StatusOpen}})
	if err != nil {
		return SweepReport{}, fmt.Errorf("snapshot escalation candidates: %w", err)
	}
	report := SweepReport{Checked: len(candidates)}
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !m.escalationDue(candidate, m.clock.Now()) {
			continue
		}
		reason := fmt.Sprintf("unacknowledged for %s", m.clock.Now().Sub(candidate.CreatedAt).Round(time.Second))
		_, err := m.escalate(ctx, candidate.ID, reason, m.escalationDue)
		switch {
		case err == nil:
			report.Processed++
		case errors.Is(err, errNoChange):
		default:
			report.Failed++
			m.logger.Error("auto escalation failed", "incident_id", candidate.ID, "error", err)
		}
	}
	return report, nil
}

// escalationDue reports whether rule for incident priority calls for another escalation now.
func (m *Manager) escalationDue(incident domain.Incident, now time.Time) bool {
	if incident.Status != domain.StatusOpen {
		return false
	}
	rule, ok := m.cfg.Escalation[incident.Priority]
	if !ok || rule.MaxEscalations <= 0 {
		return false
	}
	if incident.EscalationLevel >= rule.MaxEscalations {
		return false
	}
	if now.Sub(incident.CreatedAt) < rule.Threshold {
		return false
	}
	if incident.LastEscalatedAt != nil && now.Sub(*incident.LastEscalatedAt) < rule.Interval {
		return false
	}
	return true
}

// AutoClose closes resolved incidents idle longer than AutoCloseAfter with system actor.
func (m *Manager) AutoClose(ctx context.Context) (SweepReport, error) {
	if m.cfg.AutoCloseAfter <= 0 {
		return SweepReport{}, nil
	}
	candidates, err := m.List(ctx, domain.IncidentFilter{Statuses: []domain.IncidentStatus{domain.StatusResolved}})
	if err != nil {
		return SweepReport{}, fmt.Errorf("snapshot auto-close candidates: %w", err)
	}
	idle := func(incident domain.Incident, now time.Time) bool {
		return incident.Status == domain.StatusResolved && now.Sub(incident.LastActivityAt) >= m.cfg.AutoCloseAfter
	}
	report := SweepReport{Checked: len(candidates)}
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !idle(candidate, m.clock.Now()) {
			continue
		}
		_, err := m.close(ctx, candidate.ID, domain.SystemActor, "auto-closed after inactivity", idle)
		switch {
		case err == nil:
			report.Processed++
		case errors.Is(err, errNoChange):
		default:
			report.Failed++
			m.logger.Error("auto close failed", "incident_id", candidate.ID, "error", err)
		}
	}
	return report, nil
}

// ArchiveClosed removes incidents closed longer than ArchiveAfter from hot storage.
func (m *Manager) ArchiveClosed(ctx context.Context) (SweepReport, error) {
	if m.cfg.ArchiveAfter <= 0 {
		return SweepReport{}, nil
	}
	candidates, err := m.List(ctx, domain.IncidentFilter{Statuses: []domain.IncidentStatus{domain.StatusClosed}})
	if err != nil {
		return SweepReport{}, fmt.Errorf("snapshot archive candidates: %w", err)
	}
	report := SweepReport{Checked: len(candidates)}
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if candidate.ClosedAt == nil || m.clock.Now().Sub(*candidate.ClosedAt) < m.cfg.ArchiveAfter {
			continue
		}
		if err := m.archive(ctx, candidate); err != nil {
			report.Failed++
			m.logger.Error("incident archive failed", "incident_id", candidate.ID, "error", err)
			continue
		}
		report.Processed++
	}
	return report, nil
}

func (m *Manager) archive(ctx context.Context, incident domain.Incident) error {
	release := m.locks.lock(incident.ID)
	defer release()

	storeCtx, cancel := m.storeContext(ctx)
	defer cancel()
	if err := m.store.ArchiveIncident(storeCtx, incident.ID); err != nil {
		return err
	}
	m.observer.Transition(incident, domain.Incident{})
	m.logger.Info("incident archived", "incident_id", incident.ID)
	return nil
}
