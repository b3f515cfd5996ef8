package domain

import "time"

// Subject is an entity a notification is about (Alert or Incident).
type Subject interface {
	SubjectKind() string
	SubjectID() string
}

// EventKind identifies what happened to a notification subject.
type EventKind string

const (
	EventIncidentCreated       EventKind = "incident_created"
	EventIncidentAcknowledged  EventKind = "incident_acknowledged"
	EventIncidentInvestigating EventKind = "incident_investigating"
	EventIncidentEscalated     EventKind = "incident_escalated"
	EventIncidentResolved      EventKind = "incident_resolved"
	EventIncidentClosed        EventKind = "incident_closed"
	EventIncidentMerged        EventKind = "incident_merged"
	EventIncidentAlertAdded    EventKind = "incident_alert_added"
)

// Urgency is delivery urgency hint for downstream channels.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Event describes one notification trigger.
// Params: kind, urgency, acting user, and optional note.
// Returns: gateway input paired with a subject.
type Event struct {
	Kind      EventKind `json:"kind"`
	Urgency   Urgency   `json:"urgency"`
	Actor     string    `json:"actor,omitempty"`
	Note      string    `json:"note,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notification is the flattened outbound payload handed to senders and queue jobs.
// Params: subject identity, event metadata, and incident summary.
// Returns: transport-neutral delivery payload.
type Notification struct {
	Channel         string         `json:"channel,omitempty"`
	Kind            EventKind      `json:"kind"`
	Urgency         Urgency        `json:"urgency"`
	SubjectKind     string         `json:"subject_kind"`
	SubjectID       string         `json:"subject_id"`
	Title           string         `json:"title"`
	Priority        Priority       `json:"priority,omitempty"`
	Status          IncidentStatus `json:"status,omitempty"`
	Category        Category       `json:"category,omitempty"`
	EscalationLevel int            `json:"escalation_level,omitempty"`
	AlertCount      int            `json:"alert_count,omitempty"`
	AssignedTo      string         `json:"assigned_to,omitempty"`
	Actor           string         `json:"actor,omitempty"`
	Note            string         `json:"note,omitempty"`
	Message         string         `json:"message"`
	Age             time.Duration  `json:"age,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

// BuildNotification flattens subject and event into one payload.
// Params: alert or incident subject and trigger event.
// Returns: notification without rendered message.
func BuildNotification(subject Subject, event Event) Notification {
	out := Notification{
		Kind:        event.Kind,
		Urgency:     event.Urgency,
		SubjectKind: subject.SubjectKind(),
		SubjectID:   subject.SubjectID(),
		Actor:       event.Actor,
		Note:        event.Note,
		Timestamp:   event.Timestamp,
	}
	switch typed := subject.(type) {
	case Incident:
		out.Title = typed.Title
		out.Priority = typed.Priority
		out.Status = typed.Status
		out.Category = typed.Category
		out.EscalationLevel = typed.EscalationLevel
		out.AlertCount = len(typed.AlertIDs)
		out.AssignedTo = typed.AssignedTo
		if !typed.CreatedAt.IsZero() && !event.Timestamp.IsZero() {
			out.Age = event.Timestamp.Sub(typed.CreatedAt)
		}
	case Alert:
		out.Title = typed.Title
		out.Category = typed.Category
		out.Priority = PriorityFromSeverity(typed.Severity)
	}
	return out
}

// UrgencyForPriority maps incident priority and escalation level to delivery urgency.
// Params: priority and escalation level (each level bumps urgency one step).
// Returns: urgency capped at critical.
func UrgencyForPriority(priority Priority, escalationLevel int) Urgency {
	ladder := []Urgency{UrgencyLow, UrgencyNormal, UrgencyHigh, UrgencyCritical}
	base := 0
	switch priority {
	case PriorityP1:
		base = 3
	case PriorityP2:
		base = 2
	case PriorityP3:
		base = 1
	}
	idx := base + escalationLevel
	if idx >= len(ladder) {
		idx = len(ladder) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return ladder[idx]
}
