package incident

import (
	"errors"
	"fmt"

	"incidentflow/internal/domain"
)

var (
	// ErrNotFound reports unknown incident id.
	ErrNotFound = errors.New("incident not found")
	// ErrDuplicateCorrelation reports an active incident already bound to the correlation.
	ErrDuplicateCorrelation = errors.New("duplicate correlation")
	// ErrSelfMerge reports merge of an incident into itself.
	ErrSelfMerge = errors.New("incident cannot be merged into itself")
	// ErrAlreadyTerminal reports mutation of a closed or merged incident.
	ErrAlreadyTerminal = errors.New("incident already terminal")
	// ErrMergeCycle reports merge that would make an incident its own ancestor.
	ErrMergeCycle = errors.New("merge would create a parent cycle")
	// ErrNotSignificant reports correlation below incident threshold.
	ErrNotSignificant = errors.New("correlation is not significant")
	// ErrNoAlerts reports correlation whose alerts are missing from the store.
	ErrNoAlerts = errors.New("correlated alerts not found")
)

// InvalidTransitionError describes rejected lifecycle action.
type InvalidTransitionError struct {
	IncidentID string
	From       domain.IncidentStatus
	Action     domain.Action
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for incident %s: %s from %s", e.IncidentID, e.Action, e.From)
}

// IsInvalidTransition reports whether err is a rejected lifecycle action.
func IsInvalidTransition(err error) bool {
	var target *InvalidTransitionError
	return errors.As(err, &target)
}
