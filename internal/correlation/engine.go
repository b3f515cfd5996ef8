package correlation

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"incidentflow/internal/clock"
	"incidentflow/internal/domain"
	"incidentflow/internal/retryable"
	"incidentflow/internal/state"

	"github.com/google/uuid"
)

const (
	// ShardByNone keeps one window for all alerts.
	ShardByNone = "none"
	// ShardByCategory partitions the window by alert category.
	ShardByCategory = "category"
	// ShardBySource partitions the window by alert source.
	ShardBySource = "source"

	// OutcomeJoined means the alert joined an existing group.
	OutcomeJoined = "joined"
	// OutcomeNewGroup means the alert started a singleton group.
	OutcomeNewGroup = "new_group"
	// OutcomeDuplicate means the alert id was already in the window.
	OutcomeDuplicate = "duplicate"
	// OutcomeError means correlation failed.
	OutcomeError = "error"

	defaultExemplars = 16
)

// Config tunes the sliding window and grouping thresholds.
type Config struct {
	Window        time.Duration
	MaxAlerts     int
	JoinThreshold float64
	ShortCircuit  float64
	ShardBy       string
	Shards        int
	// Exemplars bounds how many of a group's newest members are scored per alert.
	Exemplars  int
	Thresholds domain.ConfidenceThresholds
}

// DefaultConfig returns 30m/1000 window with 0.5 join and 0.9 short-circuit scores.
func DefaultConfig() Config {
	return Config{
		Window:        30 * time.Minute,
		MaxAlerts:     1000,
		JoinThreshold: 0.5,
		ShortCircuit:  0.9,
		ShardBy:       ShardByNone,
		Shards:        1,
		Exemplars:     defaultExemplars,
		Thresholds:    domain.DefaultConfidenceThresholds(),
	}
}

// Observer receives correlation telemetry.
type Observer interface {
	ObserveCorrelation(outcome string, elapsed time.Duration)
	ObserveStrategy(strategy domain.Strategy, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveCorrelation(string, time.Duration) {}
func (nopObserver) ObserveStrategy(domain.Strategy, error)   {}

// Stats summarizes current window occupancy.
type Stats struct {
	Shards int `json:"shards"`
	Groups int `json:"groups"`
	Alerts int `json:"alerts"`
}

// Engine groups incoming alerts into correlation groups inside a sliding window.
// Params: ordered strategies, window config, clock, and alert store for warm-up.
// Returns: concurrency-safe correlation engine.
type Engine struct {
	cfg        Config
	strategies []Strategy
	shards     []*shard
	alerts     state.AlertStore
	clock      clock.Clock
	logger     *slog.Logger
	observer   Observer
	newID      func() string
}

type shard struct {
	mu     sync.RWMutex
	groups []*group // most recently updated first
	index  map[string]*group
	count  int
}

type group struct {
	id       string
	members  []domain.Alert
	profiles []*textProfile
	// latest indexes the member with the newest created_at.
	latest    int
	alertIDs  []string
	scores    map[domain.Strategy]float64
	evidence  map[domain.Strategy]map[string]any
	createdAt time.Time
	updatedAt time.Time
}

// Option customizes Engine construction.
type Option func(*Engine)

// WithObserver sets telemetry observer.
func WithObserver(observer Observer) Option {
	return func(e *Engine) {
		if observer != nil {
			e.observer = observer
		}
	}
}

// WithIDGenerator overrides correlation id generation.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) {
		if newID != nil {
			e.newID = newID
		}
	}
}

// NewEngine builds correlation engine.
// Params: config, strategies in evaluation order, alert store (may be nil when Warm is unused),
// clock, logger, and options.
// Returns: engine ready for concurrent Correlate calls.
func NewEngine(cfg Config, strategies []Strategy, alerts state.AlertStore, clk clock.Clock, logger *slog.Logger, opts ...Option) *Engine {
	if cfg.Shards <= 0 || cfg.ShardBy == "" || cfg.ShardBy == ShardByNone {
		cfg.Shards = 1
	}
	if cfg.Exemplars <= 0 {
		cfg.Exemplars = defaultExemplars
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	engine := &Engine{
		cfg:        cfg,
		strategies: strategies,
		alerts:     alerts,
		clock:      clk,
		logger:     logger,
		observer:   nopObserver{},
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(engine)
	}
	engine.shards = newShards(cfg.Shards)
	return engine
}

func newShards(n int) []*shard {
	out := make([]*shard, n)
	for i := range out {
		out[i] = &shard{index: make(map[string]*group)}
	}
	return out
}

// Correlate scores alert against window groups and joins the best group above threshold.
// Params: context and validated alert.
// Returns: updated group result on join (or duplicate delivery), nil when a new singleton
// group was started, or retryable error.
func (e *Engine) Correlate(ctx context.Context, alert domain.Alert) (*domain.CorrelationResult, error) {
	started := time.Now()
	if err := ctx.Err(); err != nil {
		e.observer.ObserveCorrelation(OutcomeError, time.Since(started))
		return nil, retryable.Mark(fmt.Errorf("correlate %s: %w", alert.ID, err))
	}

	sh := e.shardFor(alert)
	now := e.clock.Now()
	profile := newTextProfile(alert.ID, alert.Title, alert.Description)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e.evictExpiredLocked(sh, now)

	if existing, ok := sh.index[alert.ID]; ok {
		e.observer.ObserveCorrelation(OutcomeDuplicate, time.Since(started))
		if len(existing.alertIDs) < 2 {
			return nil, nil
		}
		result := e.resultLocked(existing)
		return &result, nil
	}

	best, bestScores, bestEvidence, bestScore := e.bestGroupLocked(sh, alert, profile)
	if best == nil || bestScore < e.cfg.JoinThreshold {
		e.startGroupLocked(sh, alert, profile, now)
		e.enforceCapLocked(sh, nil)
		e.observer.ObserveCorrelation(OutcomeNewGroup, time.Since(started))
		return nil, nil
	}

	best.addMember(alert, profile)
	best.alertIDs = append(best.alertIDs, alert.ID)
	for strategy, score := range bestScores {
		if score > best.scores[strategy] || !hasScore(best.scores, strategy) {
			best.scores[strategy] = score
			if ev := bestEvidence[strategy]; ev != nil {
				best.evidence[strategy] = ev
			}
		}
	}
	best.updatedAt = now
	sh.index[alert.ID] = best
	sh.count++
	moveToFront(sh, best)
	e.enforceCapLocked(sh, best)

	result := e.resultLocked(best)
	e.observer.ObserveCorrelation(OutcomeJoined, time.Since(started))
	e.logger.Debug("alert joined correlation group",
		"alert_id", alert.ID,
		"correlation_id", best.id,
		"score", bestScore,
		"confidence", result.Confidence.String(),
		"size", len(best.alertIDs),
	)
	return &result, nil
}

func hasScore(scores map[domain.Strategy]float64, strategy domain.Strategy) bool {
	_, ok := scores[strategy]
	return ok
}

// bestGroupLocked scans groups newest first; scan stops at the first group reaching short-circuit.
func (e *Engine) bestGroupLocked(sh *shard, alert domain.Alert, profile *textProfile) (*group, map[domain.Strategy]float64, map[domain.Strategy]map[string]any, float64) {
	var (
		best         *group
		bestScore    = -1.0
		bestScores   map[domain.Strategy]float64
		bestEvidence map[domain.Strategy]map[string]any
		bestPending  []Strategy
	)
	for _, candidate := range sh.groups {
		floor := max(e.cfg.JoinThreshold, bestScore)
		scores, evidence, score, pending := e.scoreGroup(alert, profile, candidate, floor)
		if score > bestScore {
			best, bestScore, bestScores, bestEvidence, bestPending = candidate, score, scores, evidence, pending
		}
		if score >= e.cfg.ShortCircuit {
			break
		}
	}
	if best != nil && bestScore >= e.cfg.JoinThreshold {
		members, profiles := best.exemplars(e.cfg.Exemplars)
		for _, strategy := range bestPending {
			score, ev, err := e.runStrategy(strategy, alert, profile, members, profiles, -1)
			if err != nil {
				continue
			}
			bestScores[strategy.Name()] = score
			if ev != nil {
				bestEvidence[strategy.Name()] = ev
			}
		}
	}
	return best, bestScores, bestEvidence, bestScore
}

// scoreGroup evaluates strategies in fixed order against the group's exemplars, stopping
// once one reaches short-circuit. Strategies that proved they cannot reach floor are
// returned as pending and carry a lower bound in scores.
func (e *Engine) scoreGroup(alert domain.Alert, profile *textProfile, g *group, floor float64) (map[domain.Strategy]float64, map[domain.Strategy]map[string]any, float64, []Strategy) {
	members, profiles := g.exemplars(e.cfg.Exemplars)
	scores := make(map[domain.Strategy]float64, len(e.strategies))
	evidence := make(map[domain.Strategy]map[string]any, len(e.strategies))
	var pending []Strategy
	maxScore := 0.0
	for _, strategy := range e.strategies {
		score, ev, err := e.runStrategy(strategy, alert, profile, members, profiles, max(floor, maxScore))
		if errors.Is(err, errBelowFloor) {
			pending = append(pending, strategy)
			err = nil
		}
		e.observer.ObserveStrategy(strategy.Name(), err)
		if err != nil {
			e.logger.Warn("correlation strategy failed", "strategy", string(strategy.Name()), "alert_id", alert.ID, "error", err)
			score, ev = 0, nil
		}
		scores[strategy.Name()] = score
		if ev != nil {
			evidence[strategy.Name()] = ev
		}
		if score > maxScore {
			maxScore = score
		}
		if score >= e.cfg.ShortCircuit {
			break
		}
	}
	return scores, evidence, maxScore, pending
}

// errBelowFloor marks a score that is only a lower bound of a value below floor.
var errBelowFloor = errors.New("score below floor")

func (e *Engine) runStrategy(strategy Strategy, alert domain.Alert, profile *textProfile, members []domain.Alert, profiles []*textProfile, floor float64) (float64, Evidence, error) {
	if semantic, ok := strategy.(Semantic); ok {
		score, ev, exact := semantic.scoreProfiled(profile, profiles, floor)
		if !exact {
			return score, ev, errBelowFloor
		}
		return score, ev, nil
	}
	score, ev, err := strategy.Score(alert, members)
	return clampUnit(score), ev, err
}

func (e *Engine) startGroupLocked(sh *shard, alert domain.Alert, profile *textProfile, now time.Time) {
	fresh := &group{
		id:        e.newID(),
		members:   []domain.Alert{alert},
		profiles:  []*textProfile{profile},
		alertIDs:  []string{alert.ID},
		scores:    make(map[domain.Strategy]float64),
		evidence:  make(map[domain.Strategy]map[string]any),
		createdAt: now,
		updatedAt: now,
	}
	sh.groups = append([]*group{fresh}, sh.groups...)
	sh.index[alert.ID] = fresh
	sh.count++
}

func (g *group) addMember(alert domain.Alert, profile *textProfile) {
	g.members = append(g.members, alert)
	g.profiles = append(g.profiles, profile)
	if alert.CreatedAt.After(g.members[g.latest].CreatedAt) {
		g.latest = len(g.members) - 1
	}
}

// dropOldest removes the n earliest joined scoring members.
func (g *group) dropOldest(n int) {
	g.members = slices.Clone(g.members[n:])
	g.profiles = slices.Clone(g.profiles[n:])
	if g.latest -= n; g.latest >= 0 {
		return
	}
	g.latest = 0
	for i, member := range g.members {
		if member.CreatedAt.After(g.members[g.latest].CreatedAt) {
			g.latest = i
		}
	}
}

// exemplars returns the newest k members plus the member with the newest created_at,
// so temporal scoring stays exact.
func (g *group) exemplars(k int) ([]domain.Alert, []*textProfile) {
	start := max(0, len(g.members)-k)
	if g.latest >= start {
		return g.members[start:], g.profiles[start:]
	}
	members := make([]domain.Alert, 0, k+1)
	profiles := make([]*textProfile, 0, k+1)
	members = append(append(members, g.members[g.latest]), g.members[start:]...)
	profiles = append(append(profiles, g.profiles[g.latest]), g.profiles[start:]...)
	return members, profiles
}

func moveToFront(sh *shard, target *group) {
	idx := slices.Index(sh.groups, target)
	if idx <= 0 {
		return
	}
	copy(sh.groups[1:idx+1], sh.groups[:idx])
	sh.groups[0] = target
}

// evictExpiredLocked drops groups without a new member for longer than the window.
func (e *Engine) evictExpiredLocked(sh *shard, now time.Time) int {
	if e.cfg.Window <= 0 {
		return 0
	}
	cutoff := now.Add(-e.cfg.Window)
	kept := sh.groups[:0]
	evicted := 0
	for _, g := range sh.groups {
		if g.updatedAt.Before(cutoff) {
			e.dropGroupLocked(sh, g)
			evicted++
			continue
		}
		kept = append(kept, g)
	}
	clear(sh.groups[len(kept):])
	sh.groups = kept
	return evicted
}

// enforceCapLocked keeps shard member count within its share of MaxAlerts.
// Least recently updated groups go first; the active group only loses its oldest
// scoring members while keeping its membership ids.
func (e *Engine) enforceCapLocked(sh *shard, active *group) {
	limit := e.shardCap()
	if limit <= 0 {
		return
	}
	for sh.count > limit && len(sh.groups) > 0 {
		last := sh.groups[len(sh.groups)-1]
		if last == active {
			break
		}
		e.dropGroupLocked(sh, last)
		sh.groups[len(sh.groups)-1] = nil
		sh.groups = sh.groups[:len(sh.groups)-1]
	}
	if active != nil && sh.count > limit {
		trim := sh.count - limit
		if trim >= len(active.members) {
			trim = len(active.members) - 1
		}
		active.dropOldest(trim)
		sh.count -= trim
	}
}

func (e *Engine) shardCap() int {
	if e.cfg.MaxAlerts <= 0 {
		return 0
	}
	n := len(e.shards)
	return (e.cfg.MaxAlerts + n - 1) / n
}

func (e *Engine) dropGroupLocked(sh *shard, g *group) {
	for _, id := range g.alertIDs {
		if sh.index[id] == g {
			delete(sh.index, id)
		}
	}
	sh.count -= len(g.members)
}

func (e *Engine) resultLocked(g *group) domain.CorrelationResult {
	strategy, score := winningStrategy(e.strategies, g.scores)
	evidence := make(map[domain.Strategy]map[string]any, len(g.evidence))
	for name, ev := range g.evidence {
		evidence[name] = maps.Clone(ev)
	}
	return domain.CorrelationResult{
		CorrelationID:    g.id,
		AlertIDs:         slices.Clone(g.alertIDs),
		Strategy:         strategy,
		Confidence:       e.cfg.Thresholds.Tier(score),
		Score:            score,
		Scores:           maps.Clone(g.scores),
		Evidence:         evidence,
		CommonAttributes: commonAttributes(g.members),
		CreatedAt:        g.createdAt,
		UpdatedAt:        g.updatedAt,
	}
}

// winningStrategy picks the max score; ties resolve to evaluation order.
func winningStrategy(strategies []Strategy, scores map[domain.Strategy]float64) (domain.Strategy, float64) {
	var (
		winner domain.Strategy
		best   = -1.0
	)
	for _, strategy := range strategies {
		score, ok := scores[strategy.Name()]
		if ok && score > best {
			winner, best = strategy.Name(), score
		}
	}
	if best < 0 {
		return winner, 0
	}
	return winner, best
}

func commonAttributes(members []domain.Alert) map[string]string {
	if len(members) == 0 {
		return nil
	}
	first := members[0]
	candidates := map[string]func(domain.Alert) string{
		"source":      func(a domain.Alert) string { return a.Source },
		"component":   func(a domain.Alert) string { return a.Component },
		"category":    func(a domain.Alert) string { return string(a.Category) },
		"metric_name": func(a domain.Alert) string { return a.MetricName },
	}
	out := make(map[string]string)
	for key, get := range candidates {
		value := get(first)
		if value == "" {
			continue
		}
		shared := true
		for _, member := range members[1:] {
			if get(member) != value {
				shared = false
				break
			}
		}
		if shared {
			out[key] = value
		}
	}
	return out
}

func (e *Engine) shardFor(alert domain.Alert) *shard {
	if len(e.shards) == 1 {
		return e.shards[0]
	}
	var key string
	switch e.cfg.ShardBy {
	case ShardByCategory:
		key = string(alert.Category)
	case ShardBySource:
		key = alert.Source
	}
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(key))
	return e.shards[hasher.Sum32()%uint32(len(e.shards))]
}

// Compact evicts expired groups from all shards.
// Params: none (uses engine clock).
// Returns: number of evicted groups.
func (e *Engine) Compact() int {
	now := e.clock.Now()
	total := 0
	for _, sh := range e.shards {
		sh.mu.Lock()
		total += e.evictExpiredLocked(sh, now)
		sh.mu.Unlock()
	}
	return total
}

// Stats returns current window occupancy.
func (e *Engine) Stats() Stats {
	stats := Stats{Shards: len(e.shards)}
	for _, sh := range e.shards {
		sh.mu.RLock()
		stats.Groups += len(sh.groups)
		stats.Alerts += sh.count
		sh.mu.RUnlock()
	}
	return stats
}

// Warm rebuilds the window from unresolved stored alerts created within the window.
// Params: context for store access.
// Returns: number of replayed alerts or store error.
func (e *Engine) Warm(ctx context.Context) (int, error) {
	if e.alerts == nil {
		return 0, nil
	}
	now := e.clock.Now()
	alerts, err := e.alerts.QueryAlerts(ctx, now.Add(-e.cfg.Window), now)
	if err != nil {
		return 0, retryable.Mark(fmt.Errorf("warm window: %w", err))
	}

	for _, sh := range e.shards {
		sh.mu.Lock()
		sh.groups = nil
		sh.index = make(map[string]*group)
		sh.count = 0
		sh.mu.Unlock()
	}

	replayed := 0
	for _, alert := range alerts {
		if alert.Resolved {
			continue
		}
		if _, err := e.Correlate(ctx, alert); err != nil {
			return replayed, err
		}
		replayed++
	}
	e.logger.Info("correlation window warmed", "alerts", replayed)
	return replayed, nil
}
