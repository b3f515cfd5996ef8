package incident

import (
	"fmt"
	"slices"
	"time"

	"incidentflow/internal/domain"
)

// transition declares allowed source states and target state ("" keeps state).
type transition struct {
	from []domain.IncidentStatus
	to   domain.IncidentStatus
}

var nonTerminal = []domain.IncidentStatus{domain.StatusOpen, domain.StatusInvestigating, domain.StatusResolved}

var transitions = map[domain.Action]transition{
	domain.ActionCreated:              {from: []domain.IncidentStatus{""}, to: domain.StatusOpen},
	domain.ActionAcknowledged:         {from: []domain.IncidentStatus{domain.StatusOpen}, to: domain.StatusInvestigating},
	domain.ActionInvestigationStarted: {from: []domain.IncidentStatus{domain.StatusOpen}, to: domain.StatusInvestigating},
	domain.ActionResolved:             {from: []domain.IncidentStatus{domain.StatusOpen, domain.StatusInvestigating}, to: domain.StatusResolved},
	domain.ActionClosed:               {from: []domain.IncidentStatus{domain.StatusResolved}, to: domain.StatusClosed},
	domain.ActionMerged:               {from: nonTerminal, to: domain.StatusMerged},
	domain.ActionEscalated:            {from: nonTerminal},
	domain.ActionAlertAdded:           {from: nonTerminal},
}

// Apply validates action against current status, mutates incident, and appends one
// timeline event with the next sequence number.
// Params: incident to mutate, action, actor (empty means system), note, and timestamp.
// Returns: appended event or InvalidTransitionError (incident untouched on error).
func Apply(incident *domain.Incident, action domain.Action, actor, note string, now time.Time) (domain.TimelineEvent, error) {
	rule, ok := transitions[action]
	if !ok || !slices.Contains(rule.from, incident.Status) {
		return domain.TimelineEvent{}, &InvalidTransitionError{IncidentID: incident.ID, From: incident.Status, Action: action}
	}
	if actor == "" {
		actor = domain.SystemActor
	}

	previous := incident.Status
	next := previous
	if rule.to != "" {
		next = rule.to
	}

	switch action {
	case domain.ActionCreated:
		incident.CreatedAt = now
	case domain.ActionAcknowledged:
		incident.AcknowledgedAt = timePtr(now)
		incident.Escalated = false
	case domain.ActionInvestigationStarted:
		incident.InvestigationStartedAt = timePtr(now)
		if incident.AcknowledgedAt == nil {
			incident.AcknowledgedAt = timePtr(now)
		}
		incident.Escalated = false
	case domain.ActionResolved:
		incident.ResolvedAt = timePtr(now)
		incident.Escalated = false
	case domain.ActionClosed:
		incident.ClosedAt = timePtr(now)
	case domain.ActionEscalated:
		incident.Escalated = true
		incident.EscalationLevel++
		incident.LastEscalatedAt = timePtr(now)
	}

	incident.Status = next
	incident.LastActivityAt = now
	event := domain.TimelineEvent{
		Seq:           incident.LastSeq() + 1,
		Timestamp:     now,
		Actor:         actor,
		Action:        action,
		Note:          note,
		PreviousState: previous,
		NewState:      next,
	}
	incident.Timeline = append(incident.Timeline, event)
	return event, nil
}

// Absorb records that target took over another incident's alerts; target state is unchanged.
// Absorbing a source already listed as a child only adds alerts it gained since, so a
// repeated merge never duplicates the merge event.
// Params: target incident, merged source, actor, and timestamp.
// Returns: appended event and true when target changed, or InvalidTransitionError when
// target is terminal.
func Absorb(target *domain.Incident, source domain.Incident, actor string, now time.Time) (domain.TimelineEvent, bool, error) {
	if target.Status.Terminal() {
		return domain.TimelineEvent{}, false, &InvalidTransitionError{IncidentID: target.ID, From: target.Status, Action: domain.ActionMerged}
	}
	if actor == "" {
		actor = domain.SystemActor
	}
	added := 0
	for _, id := range source.AlertIDs {
		if !target.HasAlert(id) {
			target.AlertIDs = append(target.AlertIDs, id)
			added++
		}
	}
	if source.Priority.MoreUrgent(target.Priority) {
		target.Priority = source.Priority
	}

	action, note := domain.ActionMerged, "absorbed incident "+source.ID
	if slices.Contains(target.ChildIncidentIDs, source.ID) {
		if added == 0 {
			return domain.TimelineEvent{}, false, nil
		}
		action, note = domain.ActionAlertAdded, fmt.Sprintf("%d alert(s) added from incident %s", added, source.ID)
	} else {
		target.ChildIncidentIDs = append(target.ChildIncidentIDs, source.ID)
	}
	target.LastActivityAt = now
	event := domain.TimelineEvent{
		Seq:           target.LastSeq() + 1,
		Timestamp:     now,
		Actor:         actor,
		Action:        action,
		Note:          note,
		PreviousState: target.Status,
		NewState:      target.Status,
	}
	target.Timeline = append(target.Timeline, event)
	return event, true, nil
}

func timePtr(value time.Time) *time.Time {
	return &value
}
