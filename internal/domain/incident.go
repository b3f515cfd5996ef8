package domain

import (
	"slices"
	"time"
)

// SystemActor is the actor recorded for automatic transitions.
const SystemActor = "system"

// IncidentStatus is incident lifecycle state.
// Params: open/investigating/resolved/closed plus merged terminal alias.
// Returns: state used by transition validation and filters.
type IncidentStatus string

const (
	// StatusOpen is a freshly created, unacknowledged incident.
	StatusOpen IncidentStatus = "open"
	// StatusInvestigating is an acknowledged incident under work.
	StatusInvestigating IncidentStatus = "investigating"
	// StatusResolved is a fixed incident awaiting close.
	StatusResolved IncidentStatus = "resolved"
	// StatusClosed is terminal.
	StatusClosed IncidentStatus = "closed"
	// StatusMerged is terminal; incident lives on as a child of its parent.
	StatusMerged IncidentStatus = "merged"
)

// Terminal reports whether no further lifecycle transitions are allowed.
func (s IncidentStatus) Terminal() bool {
	return s == StatusClosed || s == StatusMerged
}

// Priority is incident urgency derived from alert severity.
type Priority string

const (
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
	PriorityP4 Priority = "P4"
	PriorityP5 Priority = "P5"
)

// PriorityFromSeverity maps max alert severity to incident priority.
// Params: highest severity among incident alerts.
// Returns: P1 for critical down to P5 for info (unknown maps to P5).
func PriorityFromSeverity(severity Severity) Priority {
	switch severity {
	case SeverityCritical:
		return PriorityP1
	case SeverityHigh:
		return PriorityP2
	case SeverityMedium:
		return PriorityP3
	case SeverityLow:
		return PriorityP4
	default:
		return PriorityP5
	}
}

// AckSLA returns acknowledgement deadline for priority (zero when no SLA applies).
func (p Priority) AckSLA() time.Duration {
	switch p {
	case PriorityP1:
		return 15 * time.Minute
	case PriorityP2:
		return time.Hour
	case PriorityP3:
		return 4 * time.Hour
	default:
		return 0
	}
}

// MoreUrgent reports whether p outranks other (P1 is most urgent).
func (p Priority) MoreUrgent(other Priority) bool {
	if !p.Valid() {
		return false
	}
	if !other.Valid() {
		return true
	}
	return p < other
}

// Valid reports whether priority is one of P1..P5.
func (p Priority) Valid() bool {
	switch p {
	case PriorityP1, PriorityP2, PriorityP3, PriorityP4, PriorityP5:
		return true
	default:
		return false
	}
}

// Action is one timeline event kind.
type Action string

const (
	ActionCreated              Action = "created"
	ActionAcknowledged         Action = "acknowledged"
	ActionInvestigationStarted Action = "investigation_started"
	ActionEscalated            Action = "escalated"
	ActionResolved             Action = "resolved"
	ActionClosed               Action = "closed"
	ActionMerged               Action = "merged"
	ActionAlertAdded           Action = "alert_added"
)

// TimelineEvent is one append-only audit entry of an incident.
// Params: lock-serialized sequence, actor/action, and state delta.
// Returns: permanent history record.
type TimelineEvent struct {
	Seq           uint64         `json:"seq"`
	Timestamp     time.Time      `json:"timestamp"`
	Actor         string         `json:"actor"`
	Action        Action         `json:"action"`
	Note          string         `json:"note,omitempty"`
	PreviousState IncidentStatus `json:"previous_state,omitempty"`
	NewState      IncidentStatus `json:"new_state"`
}

// Incident is the lifecycle-managed unit of operational response.
// Params: identity, derived classification, lifecycle timestamps, membership and timeline.
// Returns: aggregate mutated exclusively by the incident manager.
type Incident struct {
	ID                     string          `json:"id"`
	Title                  string          `json:"title"`
	Description            string          `json:"description,omitempty"`
	Status                 IncidentStatus  `json:"status"`
	Priority               Priority        `json:"priority"`
	Category               Category        `json:"category"`
	CreatedAt              time.Time       `json:"created_at"`
	AcknowledgedAt         *time.Time      `json:"acknowledged_at,omitempty"`
	InvestigationStartedAt *time.Time      `json:"investigation_started_at,omitempty"`
	ResolvedAt             *time.Time      `json:"resolved_at,omitempty"`
	ClosedAt               *time.Time      `json:"closed_at,omitempty"`
	LastActivityAt         time.Time       `json:"last_activity_at"`
	AssignedTo             string          `json:"assigned_to,omitempty"`
	CorrelationID          string          `json:"correlation_id,omitempty"`
	AlertIDs               []string        `json:"alert_ids"`
	Escalated              bool            `json:"escalated"`
	EscalationLevel        int             `json:"escalation_level"`
	LastEscalatedAt        *time.Time      `json:"last_escalated_at,omitempty"`
	ParentIncidentID       string          `json:"parent_incident_id,omitempty"`
	ChildIncidentIDs       []string        `json:"child_incident_ids,omitempty"`
	ResolutionNote         string          `json:"resolution_note,omitempty"`
	Timeline               []TimelineEvent `json:"timeline"`
	Version                uint64          `json:"-"`
}

// SubjectKind implements Subject.
func (i Incident) SubjectKind() string { return "incident" }

// SubjectID implements Subject.
func (i Incident) SubjectID() string { return i.ID }

// Clone returns deep copy safe for independent mutation.
func (i Incident) Clone() Incident {
	out := i
	out.AlertIDs = slices.Clone(i.AlertIDs)
	out.ChildIncidentIDs = slices.Clone(i.ChildIncidentIDs)
	out.Timeline = slices.Clone(i.Timeline)
	out.AcknowledgedAt = cloneTime(i.AcknowledgedAt)
	out.InvestigationStartedAt = cloneTime(i.InvestigationStartedAt)
	out.ResolvedAt = cloneTime(i.ResolvedAt)
	out.ClosedAt = cloneTime(i.ClosedAt)
	out.LastEscalatedAt = cloneTime(i.LastEscalatedAt)
	return out
}

// LastSeq returns sequence of the newest timeline event (0 when empty).
func (i Incident) LastSeq() uint64 {
	if len(i.Timeline) == 0 {
		return 0
	}
	return i.Timeline[len(i.Timeline)-1].Seq
}

// HasAlert reports whether alert id is already a member.
func (i Incident) HasAlert(alertID string) bool {
	return slices.Contains(i.AlertIDs, alertID)
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}

// IncidentFilter selects incidents for list/query operations.
// Params: optional status/priority/category sets, created_at range, and identity filters.
// Returns: predicate consumed by stores.
type IncidentFilter struct {
	Statuses      []IncidentStatus `json:"statuses,omitempty"`
	Priorities    []Priority       `json:"priorities,omitempty"`
	Categories    []Category       `json:"categories,omitempty"`
	From          time.Time        `json:"from,omitempty"`
	To            time.Time        `json:"to,omitempty"`
	AssignedTo    string           `json:"assigned_to,omitempty"`
	CorrelationID string           `json:"correlation_id,omitempty"`
	ParentID      string           `json:"parent_id,omitempty"`
	Limit         int              `json:"limit,omitempty"`
}

// ActiveStatuses lists non-terminal statuses.
func ActiveStatuses() []IncidentStatus {
	return []IncidentStatus{StatusOpen, StatusInvestigating, StatusResolved}
}

// Matches evaluates filter against one incident.
// Params: incident snapshot.
// Returns: true when every set criterion matches. Merged incidents are hidden unless
// requested explicitly by status or by parent id.
func (f IncidentFilter) Matches(incident Incident) bool {
	if len(f.Statuses) > 0 {
		if !slices.Contains(f.Statuses, incident.Status) {
			return false
		}
	} else if incident.Status == StatusMerged && f.ParentID == "" {
		return false
	}
	if len(f.Priorities) > 0 && !slices.Contains(f.Priorities, incident.Priority) {
		return false
	}
	if len(f.Categories) > 0 && !slices.Contains(f.Categories, incident.Category) {
		return false
	}
	if !f.From.IsZero() && incident.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && incident.CreatedAt.After(f.To) {
		return false
	}
	if f.AssignedTo != "" && incident.AssignedTo != f.AssignedTo {
		return false
	}
	if f.CorrelationID != "" && incident.CorrelationID != f.CorrelationID {
		return false
	}
	if f.ParentID != "" && incident.ParentIncidentID != f.ParentID {
		return false
	}
	return true
}
