package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"incidentflow/internal/clock"
	"incidentflow/internal/domain"
	"incidentflow/internal/retryable"
	"incidentflow/internal/state"

	"github.com/google/uuid"
)

// Gateway accepts notifications about alerts and incidents.
type Gateway interface {
	Notify(ctx context.Context, subject domain.Subject, event domain.Event) error
}

// Observer receives incident lifecycle telemetry.
type Observer interface {
	// Transition reports state change; before is zero on create, after is zero on archive.
	Transition(before, after domain.Incident)
	Acknowledged(priority domain.Priority, elapsed, sla time.Duration)
	Resolved(priority domain.Priority, elapsed time.Duration)
	Escalated(priority domain.Priority, level int)
	NotificationFailed(kind domain.EventKind)
}

type nopObserver struct{}

func (nopObserver) Transition(domain.Incident, domain.Incident)                {}
func (nopObserver) Acknowledged(domain.Priority, time.Duration, time.Duration) {}
func (nopObserver) Resolved(domain.Priority, time.Duration)                    {}
func (nopObserver) Escalated(domain.Priority, int)                             {}
func (nopObserver) NotificationFailed(domain.EventKind)                        {}

// EscalationRule controls automatic escalation of unacknowledged incidents.
type EscalationRule struct {
	Threshold      time.Duration
	MaxEscalations int
	Interval       time.Duration
}

// Config tunes lifecycle policies and collaborator timeouts.
type Config struct {
	Escalation     map[domain.Priority]EscalationRule
	AutoCloseAfter time.Duration
	ArchiveAfter   time.Duration
	NotifyTimeout  time.Duration
	StoreTimeout   time.Duration
}

// DefaultConfig returns P1-P3 escalation, 7 day auto-close and 30 day archive policies.
func DefaultConfig() Config {
	return Config{
		Escalation: map[domain.Priority]EscalationRule{
			domain.PriorityP1: {Threshold: 5 * time.Minute, MaxEscalations: 3, Interval: 15 * time.Minute},
			domain.PriorityP2: {Threshold: 15 * time.Minute, MaxEscalations: 2, Interval: 30 * time.Minute},
			domain.PriorityP3: {Threshold: time.Hour, MaxEscalations: 1, Interval: time.Hour},
		},
		AutoCloseAfter: 7 * 24 * time.Hour,
		ArchiveAfter:   30 * 24 * time.Hour,
		NotifyTimeout:  5 * time.Second,
		StoreTimeout:   2 * time.Second,
	}
}

// Manager owns every incident mutation.
// Params: stores, notification gateway, clock, logger, and lifecycle config.
// Returns: lifecycle API safe for concurrent callers.
type Manager struct {
	cfg      Config
	store    state.IncidentStore
	alerts   state.AlertStore
	gateway  Gateway
	clock    clock.Clock
	logger   *slog.Logger
	observer Observer
	locks    *lockSet
	newID    func() string
}

// Option customizes Manager construction.
type Option func(*Manager)

// WithObserver sets lifecycle telemetry observer.
func WithObserver(observer Observer) Option {
	return func(m *Manager) {
		if observer != nil {
			m.observer = observer
		}
	}
}

// WithIDGenerator overrides incident id generation.
func WithIDGenerator(newID func() string) Option {
	return func(m *Manager) {
		if newID != nil {
			m.newID = newID
		}
	}
}

// NewManager wires incident manager.
// Params: config, incident/alert stores, gateway (nil disables notifications), clock, logger.
// Returns: ready manager.
func NewManager(cfg Config, store state.IncidentStore, alerts state.AlertStore, gateway Gateway, clk clock.Clock, logger *slog.Logger, opts ...Option) *Manager {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:      cfg,
		store:    store,
		alerts:   alerts,
		gateway:  gateway,
		clock:    clk,
		logger:   logger,
		observer: nopObserver{},
		locks:    newLockSet(),
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateFromCorrelation opens a new incident for a significant correlation.
// Params: correlation result.
// Returns: created incident, ErrNotSignificant, ErrDuplicateCorrelation, or store error.
func (m *Manager) CreateFromCorrelation(ctx context.Context, result domain.CorrelationResult) (domain.Incident, error) {
	if !result.Significant() {
		return domain.Incident{}, ErrNotSignificant
	}
	release := m.locks.lock(correlationKey(result.CorrelationID))
	defer release()

	active, found, err := m.activeForCorrelation(ctx, result.CorrelationID)
	if err != nil {
		return domain.Incident{}, err
	}
	if found {
		return domain.Incident{}, fmt.Errorf("%w: %s held by incident %s", ErrDuplicateCorrelation, result.CorrelationID, active.ID)
	}
	return m.create(ctx, result)
}

// HandleCorrelation creates the incident for a new significant correlation or adds new
// alerts to the active incident already bound to it.
// Params: significant correlation result from the pipeline.
// Returns: resulting incident and whether it was created.
func (m *Manager) HandleCorrelation(ctx context.Context, result domain.CorrelationResult) (domain.Incident, bool, error) {
	if !result.Significant() {
		return domain.Incident{}, false, ErrNotSignificant
	}
	release := m.locks.lock(correlationKey(result.CorrelationID))
	defer release()

	active, found, err := m.activeForCorrelation(ctx, result.CorrelationID)
	if err != nil {
		return domain.Incident{}, false, err
	}
	if !found {
		created, err := m.create(ctx, result)
		return created, err == nil, err
	}

	fresh := make([]string, 0)
	for _, id := range result.AlertIDs {
		if !active.HasAlert(id) {
			fresh = append(fresh, id)
		}
	}
	if len(fresh) == 0 {
		return active, false, nil
	}
	alerts, err := m.loadAlerts(ctx, fresh)
	if err != nil {
		return domain.Incident{}, false, err
	}

	updated, err := m.mutate(ctx, active.ID, func(incident *domain.Incident, now time.Time) error {
		added := 0
		for _, id := range fresh {
			if !incident.HasAlert(id) {
				incident.AlertIDs = append(incident.AlertIDs, id)
				added++
			}
		}
		if added == 0 {
			return errNoChange
		}
		for _, alert := range alerts {
			if priority := domain.PriorityFromSeverity(alert.Severity); priority.MoreUrgent(incident.Priority) {
				incident.Priority = priority
			}
		}
		_, err := Apply(incident, domain.ActionAlertAdded, domain.SystemActor, fmt.Sprintf("%d alert(s) added by correlation %s", added, result.CorrelationID), now)
		return err
	})
	if errors.Is(err, errNoChange) {
		return updated, false, nil
	}
	if err != nil {
		return domain.Incident{}, false, err
	}
	m.notify(ctx, updated, domain.EventIncidentAlertAdded, domain.SystemActor, "")
	return updated, false, nil
}

var errNoChange = errors.New("no change")

func (m *Manager) create(ctx context.Context, result domain.CorrelationResult) (domain.Incident, error) {
	alerts, err := m.loadAlerts(ctx, result.AlertIDs)
	if err != nil {
		return domain.Incident{}, err
	}
	if len(alerts) == 0 {
		return domain.Incident{}, fmt.Errorf("%w: correlation %s", ErrNoAlerts, result.CorrelationID)
	}

	now := m.clock.Now()
	lead := leadAlert(alerts)
	incident := domain.Incident{
		ID:            m.newID(),
		Title:         lead.Title,
		Description:   fmt.Sprintf("%d correlated alerts (%s, confidence %s)", len(result.AlertIDs), result.Strategy, result.Confidence),
		Priority:      domain.PriorityFromSeverity(lead.Severity),
		Category:      majorityCategory(alerts),
		CorrelationID: result.CorrelationID,
		AlertIDs:      append([]string(nil), result.AlertIDs...),
	}
	if _, err := Apply(&incident, domain.ActionCreated, domain.SystemActor, "", now); err != nil {
		return domain.Incident{}, err
	}
	if err := m.persist(ctx, &incident); err != nil {
		return domain.Incident{}, err
	}

	m.observer.Transition(domain.Incident{}, incident)
	m.logger.Info("incident created",
		"incident_id", incident.ID,
		"correlation_id", result.CorrelationID,
		"priority", string(incident.Priority),
		"alerts", len(incident.AlertIDs),
	)
	m.notify(ctx, incident, domain.EventIncidentCreated, domain.SystemActor, "")
	return incident, nil
}

// Acknowledge moves open incident to investigating and assigns user when unassigned.
func (m *Manager) Acknowledge(ctx context.Context, id, user, note string) (domain.Incident, error) {
	updated, err := m.mutate(ctx, id, func(incident *domain.Incident, now time.Time) error {
		if _, err := Apply(incident, domain.ActionAcknowledged, user, note, now); err != nil {
			return err
		}
		if incident.AssignedTo == "" {
			incident.AssignedTo = user
		}
		return nil
	})
	if err != nil {
		return domain.Incident{}, err
	}
	sla := updated.Priority.AckSLA()
	m.observer.Acknowledged(updated.Priority, updated.AcknowledgedAt.Sub(updated.CreatedAt), sla)
	m.notify(ctx, updated, domain.EventIncidentAcknowledged, user, note)
	return updated, nil
}

// StartInvestigation moves open incident to investigating with an investigation event.
func (m *Manager) StartInvestigation(ctx context.Context, id, user, note string) (domain.Incident, error) {
	updated, err := m.mutate(ctx, id, func(incident *domain.Incident, now time.Time) error {
		if _, err := Apply(incident, domain.ActionInvestigationStarted, user, note, now); err != nil {
			return err
		}
		if incident.AssignedTo == "" {
			incident.AssignedTo = user
		}
		return nil
	})
	if err != nil {
		return domain.Incident{}, err
	}
	m.notify(ctx, updated, domain.EventIncidentInvestigating, user, note)
	return updated, nil
}

// Resolve moves open or investigating incident to resolved.
func (m *Manager) Resolve(ctx context.Context, id, user, note string) (domain.Incident, error) {
	updated, err := m.mutate(ctx, id, func(incident *domain.Incident, now time.Time) error {
		if _, err := Apply(incident, domain.ActionResolved, user, note, now); err != nil {
			return err
		}
		incident.ResolutionNote = note
		return nil
	})
	if err != nil {
		return domain.Incident{}, err
	}
	m.observer.Resolved(updated.Priority, updated.ResolvedAt.Sub(updated.CreatedAt))
	m.notify(ctx, updated, domain.EventIncidentResolved, user, note)
	return updated, nil
}

// Close moves resolved incident to closed; empty user records system actor.
func (m *Manager) Close(ctx context.Context, id, user string) (domain.Incident, error) {
	return m.close(ctx, id, user, "", nil)
}

func (m *Manager) close(ctx context.Context, id, user, note string, guard func(domain.Incident, time.Time) bool) (domain.Incident, error) {
	if user == "" {
		user = domain.SystemActor
	}
	updated, err := m.mutate(ctx, id, func(incident *domain.Incident, now time.Time) error {
		if guard != nil && !guard(*incident, now) {
			return errNoChange
		}
		_, err := Apply(incident, domain.ActionClosed, user, note, now)
		return err
	})
	if err != nil {
		return updated, err
	}
	m.notify(ctx, updated, domain.EventIncidentClosed, user, note)
	return updated, nil
}

// Escalate raises escalation level and re-notifies with higher urgency.
func (m *Manager) Escalate(ctx context.Context, id, reason string) (domain.Incident, error) {
	return m.escalate(ctx, id, reason, nil)
}

func (m *Manager) escalate(ctx context.Context, id, reason string, guard func(domain.Incident, time.Time) bool) (domain.Incident, error) {
	updated, err := m.mutate(ctx, id, func(incident *domain.Incident, now time.Time) error {
		if guard != nil && !guard(*incident, now) {
			return errNoChange
		}
		_, err := Apply(incident, domain.ActionEscalated, domain.SystemActor, reason, now)
		return err
	})
	if err != nil {
		return updated, err
	}
	m.observer.Escalated(updated.Priority, updated.EscalationLevel)
	m.logger.Warn("incident escalated",
		"incident_id", updated.ID,
		"priority", string(updated.Priority),
		"level", updated.EscalationLevel,
		"reason", reason,
	)
	m.notify(ctx, updated, domain.EventIncidentEscalated, domain.SystemActor, reason)
	return updated, nil
}

// Merge folds source into target: alerts are unioned into target and source becomes a
// merged child of target.
// Params: source id, target id, acting user.
// Returns: updated target, or ErrSelfMerge/ErrAlreadyTerminal/ErrMergeCycle/ErrNotFound.
func (m *Manager) Merge(ctx context.Context, sourceID, targetID, user string) (domain.Incident, error) {
	if sourceID == targetID {
		return domain.Incident{}, ErrSelfMerge
	}
	release := m.locks.lockAll(sourceID, targetID)
	defer release()

	source, err := m.load(ctx, sourceID)
	if err != nil {
		return domain.Incident{}, err
	}
	target, err := m.load(ctx, targetID)
	if err != nil {
		return domain.Incident{}, err
	}
	if source.Status.Terminal() {
		return domain.Incident{}, fmt.Errorf("%w: source %s is %s", ErrAlreadyTerminal, source.ID, source.Status)
	}
	if target.Status.Terminal() {
		return domain.Incident{}, fmt.Errorf("%w: target %s is %s", ErrAlreadyTerminal, target.ID, target.Status)
	}
	if err := m.checkMergeCycle(ctx, source.ID, target); err != nil {
		return domain.Incident{}, err
	}

	now := m.clock.Now()
	nextTarget := target.Clone()
	_, targetChanged, err := Absorb(&nextTarget, source, user, now)
	if err != nil {
		return domain.Incident{}, err
	}
	nextSource := source.Clone()
	if _, err := Apply(&nextSource, domain.ActionMerged, user, "merged into incident "+target.ID, now); err != nil {
		return domain.Incident{}, err
	}
	nextSource.ParentIncidentID = target.ID

	// A retry after a failed source write finds the source already listed as a child.
	if targetChanged {
		if err := m.persist(ctx, &nextTarget); err != nil {
			return domain.Incident{}, err
		}
	}
	if err := m.persist(ctx, &nextSource); err != nil {
		m.logger.Error("merge source update failed after target update",
			"incident_id", source.ID,
			"target_id", target.ID,
			"error", err,
		)
		return domain.Incident{}, err
	}

	if targetChanged {
		m.observer.Transition(target, nextTarget)
	}
	m.observer.Transition(source, nextSource)
	m.logger.Info("incident merged", "incident_id", source.ID, "target_id", target.ID, "alerts", len(nextTarget.AlertIDs))
	m.notify(ctx, nextSource, domain.EventIncidentMerged, user, "merged into incident "+target.ID)
	return nextTarget, nil
}

// checkMergeCycle walks target's parent chain and rejects reaching source.
func (m *Manager) checkMergeCycle(ctx context.Context, sourceID string, target domain.Incident) error {
	seen := map[string]struct{}{target.ID: {}}
	current := target
	for current.ParentIncidentID != "" {
		if current.ParentIncidentID == sourceID {
			return ErrMergeCycle
		}
		if _, ok := seen[current.ParentIncidentID]; ok {
			return ErrMergeCycle
		}
		seen[current.ParentIncidentID] = struct{}{}
		parent, err := m.load(ctx, current.ParentIncidentID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		current = parent
	}
	return nil
}

// BulkResult is per-incident outcome of a bulk operation.
type BulkResult struct {
	ID       string          `json:"id"`
	Incident domain.Incident `json:"incident,omitempty"`
	Err      error           `json:"-"`
	Error    string          `json:"error,omitempty"`
}

// BulkAcknowledge acknowledges each id independently; failures do not roll back successes.
func (m *Manager) BulkAcknowledge(ctx context.Context, ids []string, user, note string) []BulkResult {
	return m.bulk(ids, func(id string) (domain.Incident, error) { return m.Acknowledge(ctx, id, user, note) })
}

// BulkResolve resolves each id independently; failures do not roll back successes.
func (m *Manager) BulkResolve(ctx context.Context, ids []string, user, note string) []BulkResult {
	return m.bulk(ids, func(id string) (domain.Incident, error) { return m.Resolve(ctx, id, user, note) })
}

func (m *Manager) bulk(ids []string, op func(string) (domain.Incident, error)) []BulkResult {
	out := make([]BulkResult, 0, len(ids))
	for _, id := range ids {
		incident, err := op(id)
		result := BulkResult{ID: id, Incident: incident, Err: err}
		if err != nil {
			result.Error = err.Error()
		}
		out = append(out, result)
	}
	return out
}

// Get returns incident with its timeline.
func (m *Manager) Get(ctx context.Context, id string) (domain.Incident, error) {
	return m.load(ctx, id)
}

// List returns incidents matching filter, newest first.
func (m *Manager) List(ctx context.Context, filter domain.IncidentFilter) ([]domain.Incident, error) {
	storeCtx, cancel := m.storeContext(ctx)
	defer cancel()
	return m.store.QueryIncidents(storeCtx, filter)
}

// Timeline returns incident events ordered by seq.
func (m *Manager) Timeline(ctx context.Context, id string) ([]domain.TimelineEvent, error) {
	incident, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return incident.Timeline, nil
}

// Children returns incidents merged into id.
func (m *Manager) Children(ctx context.Context, id string) ([]domain.Incident, error) {
	if _, err := m.load(ctx, id); err != nil {
		return nil, err
	}
	return m.List(ctx, domain.IncidentFilter{ParentID: id})
}

// mutate loads incident under its lock, applies change to a copy, and persists it.
// The caller notifies after the lock is released.
func (m *Manager) mutate(ctx context.Context, id string, change func(*domain.Incident, time.Time) error) (domain.Incident, error) {
	release := m.locks.lock(id)
	defer release()

	current, err := m.load(ctx, id)
	if err != nil {
		return domain.Incident{}, err
	}
	next := current.Clone()
	if err := change(&next, m.clock.Now()); err != nil {
		return current, err
	}
	if err := m.persist(ctx, &next); err != nil {
		return domain.Incident{}, err
	}
	if current.Status != next.Status || current.Priority != next.Priority {
		m.observer.Transition(current, next)
	}
	return next, nil
}

// persist writes the aggregate, new timeline events included, with its optimistic version.
func (m *Manager) persist(ctx context.Context, incident *domain.Incident) error {
	storeCtx, cancel := m.storeContext(ctx)
	defer cancel()

	version, err := m.store.PutIncident(storeCtx, *incident)
	if err != nil {
		if errors.Is(err, state.ErrConflict) {
			return retryable.Mark(fmt.Errorf("incident %s changed concurrently: %w", incident.ID, err))
		}
		return fmt.Errorf("persist incident %s: %w", incident.ID, err)
	}
	incident.Version = version
	return nil
}

func (m *Manager) load(ctx context.Context, id string) (domain.Incident, error) {
	storeCtx, cancel := m.storeContext(ctx)
	defer cancel()
	incident, ok, err := m.store.GetIncident(storeCtx, id)
	if err != nil {
		return domain.Incident{}, err
	}
	if !ok {
		return domain.Incident{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return incident, nil
}

func (m *Manager) activeForCorrelation(ctx context.Context, correlationID string) (domain.Incident, bool, error) {
	storeCtx, cancel := m.storeContext(ctx)
	defer cancel()
	items, err := m.store.QueryIncidents(storeCtx, domain.IncidentFilter{
		CorrelationID: correlationID,
		Statuses:      domain.ActiveStatuses(),
		Limit:         1,
	})
	if err != nil {
		return domain.Incident{}, false, err
	}
	if len(items) > 0 {
		return items[0], true, nil
	}

	merged, err := m.store.QueryIncidents(storeCtx, domain.IncidentFilter{
		CorrelationID: correlationID,
		Statuses:      []domain.IncidentStatus{domain.StatusMerged},
		Limit:         1,
	})
	if err != nil || len(merged) == 0 {
		return domain.Incident{}, false, err
	}
	return m.mergeRoot(ctx, merged[0])
}

// mergeRoot follows ParentIncidentID from a merged incident to the incident that
// finally absorbed it; found is false when that root is no longer active.
func (m *Manager) mergeRoot(ctx context.Context, incident domain.Incident) (domain.Incident, bool, error) {
	seen := map[string]bool{incident.ID: true}
	for incident.Status == domain.StatusMerged {
		parentID := incident.ParentIncidentID
		if parentID == "" || seen[parentID] {
			return domain.Incident{}, false, nil
		}
		seen[parentID] = true
		parent, err := m.load(ctx, parentID)
		if errors.Is(err, ErrNotFound) {
			return domain.Incident{}, false, nil
		}
		if err != nil {
			return domain.Incident{}, false, err
		}
		incident = parent
	}
	return incident, slices.Contains(domain.ActiveStatuses(), incident.Status), nil
}

func (m *Manager) loadAlerts(ctx context.Context, ids []string) ([]domain.Alert, error) {
	if m.alerts == nil {
		return nil, nil
	}
	storeCtx, cancel := m.storeContext(ctx)
	defer cancel()
	out := make([]domain.Alert, 0, len(ids))
	for _, id := range ids {
		alert, ok, err := m.alerts.GetAlert(storeCtx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			m.logger.Warn("correlated alert missing from store", "alert_id", id)
			continue
		}
		out = append(out, alert)
	}
	return out, nil
}

func (m *Manager) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.cfg.StoreTimeout)
}

// notify hands event to gateway with its own timeout; failures are logged and counted only.
func (m *Manager) notify(ctx context.Context, incident domain.Incident, kind domain.EventKind, actor, note string) {
	if m.gateway == nil {
		return
	}
	notifyCtx := context.WithoutCancel(ctx)
	cancel := func() {}
	if m.cfg.NotifyTimeout > 0 {
		notifyCtx, cancel = context.WithTimeout(notifyCtx, m.cfg.NotifyTimeout)
	}
	defer cancel()

	event := domain.Event{
		Kind:      kind,
		Urgency:   domain.UrgencyForPriority(incident.Priority, incident.EscalationLevel),
		Actor:     actor,
		Note:      note,
		Timestamp: m.clock.Now(),
	}
	if err := m.gateway.Notify(notifyCtx, incident, event); err != nil {
		m.observer.NotificationFailed(kind)
		m.logger.Error("incident notification failed",
			"incident_id", incident.ID,
			"kind", string(kind),
			"error", err,
		)
	}
}

func correlationKey(correlationID string) string {
	return "correlation/" + correlationID
}

// leadAlert picks the most severe alert, earliest first on ties.
func leadAlert(alerts []domain.Alert) domain.Alert {
	lead := alerts[0]
	for _, alert := range alerts[1:] {
		rank, leadRank := alert.Severity.Rank(), lead.Severity.Rank()
		if rank > leadRank || (rank == leadRank && alert.CreatedAt.Before(lead.CreatedAt)) {
			lead = alert
		}
	}
	return lead
}

// majorityCategory picks the most frequent category; ties go to the higher summed
// severity, then to the lexically smallest name.
func majorityCategory(alerts []domain.Alert) domain.Category {
	type tally struct {
		count  int
		weight int
	}
	tallies := make(map[domain.Category]*tally)
	for _, alert := range alerts {
		entry, ok := tallies[alert.Category]
		if !ok {
			entry = &tally{}
			tallies[alert.Category] = entry
		}
		entry.count++
		entry.weight += alert.Severity.Rank()
	}
	categories := make([]domain.Category, 0, len(tallies))
	for category := range tallies {
		categories = append(categories, category)
	}
	sort.Slice(categories, func(i, j int) bool {
		a, b := tallies[categories[i]], tallies[categories[j]]
		if a.count != b.count {
			return a.count > b.count
		}
		if a.weight != b.weight {
			return a.weight > b.weight
		}
		return categories[i] < categories[j]
	})
	return categories[0]
}
