package metrics

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"incidentflow/internal/correlation"
	"incidentflow/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "incidentflow"

// Recorder collects correlation and incident telemetry.
// Params: none; collectors are attached to a registry with Register.
// Returns: observer for the correlation engine and incident manager.
type Recorder struct {
	correlations        *prometheus.CounterVec
	correlationDuration prometheus.Histogram
	strategyRuns        *prometheus.CounterVec
	strategyErrors      *prometheus.CounterVec
	incidents           *prometheus.GaugeVec
	transitions         *prometheus.CounterVec
	ackSeconds          *prometheus.HistogramVec
	resolveSeconds      *prometheus.HistogramVec
	slaChecks           *prometheus.CounterVec
	escalations         *prometheus.CounterVec
	notifyFailures      *prometheus.CounterVec

	latency *LatencyTracker

	mu     sync.Mutex
	totals totals
}

type totals struct {
	correlations   uint64
	joined         uint64
	strategyRuns   map[domain.Strategy]uint64
	strategyErrors map[domain.Strategy]uint64
	byStatus       map[domain.IncidentStatus]int
	byPriority     map[domain.Priority]int
	ackCount       uint64
	ackSum         time.Duration
	ackWithinSLA   uint64
	ackWithSLA     uint64
	resolveCount   uint64
	resolveSum     time.Duration
	escalations    uint64
	notifyFailures uint64
}

// NewRecorder builds recorder with unregistered collectors.
func NewRecorder() *Recorder {
	lifecycleBuckets := []float64{30, 60, 300, 900, 1800, 3600, 4 * 3600, 12 * 3600, 24 * 3600, 7 * 24 * 3600}
	return &Recorder{
		correlations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "correlations_total",
			Help:      "Alerts correlated, partitioned by outcome.",
		}, []string{"outcome"}),
		correlationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "correlation_seconds",
			Help:      "Per-alert correlation latency in seconds.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		strategyRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "strategy_evaluations_total",
			Help:      "Strategy score evaluations.",
		}, []string{"strategy"}),
		strategyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "strategy_errors_total",
			Help:      "Strategy evaluations that failed and scored zero.",
		}, []string{"strategy"}),
		incidents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "incidents",
			Help:      "Live incidents by status and priority.",
		}, []string{"status", "priority"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incident_transitions_total",
			Help:      "Incident lifecycle transitions by target status.",
		}, []string{"status"}),
		ackSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "incident_time_to_acknowledge_seconds",
			Help:      "Time from incident creation to acknowledgement.",
			Buckets:   lifecycleBuckets,
		}, []string{"priority"}),
		resolveSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "incident_time_to_resolve_seconds",
			Help:      "Time from incident creation to resolution.",
			Buckets:   lifecycleBuckets,
		}, []string{"priority"}),
		slaChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incident_ack_sla_total",
			Help:      "Acknowledgements of SLA-bound incidents by result.",
		}, []string{"priority", "result"}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incident_escalations_total",
			Help:      "Incident escalations by priority.",
		}, []string{"priority"}),
		notifyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_failures_total",
			Help:      "Notifications that failed after retries.",
		}, []string{"kind"}),
		latency: NewLatencyTracker(1024),
		totals: totals{
			strategyRuns:   make(map[domain.Strategy]uint64),
			strategyErrors: make(map[domain.Strategy]uint64),
			byStatus:       make(map[domain.IncidentStatus]int),
			byPriority:     make(map[domain.Priority]int),
		},
	}
}

// Register attaches collectors; collectors already registered are skipped.
func (r *Recorder) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		r.correlations,
		r.correlationDuration,
		r.strategyRuns,
		r.strategyErrors,
		r.incidents,
		r.transitions,
		r.ackSeconds,
		r.resolveSeconds,
		r.slaChecks,
		r.escalations,
		r.notifyFailures,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}

// Handler serves registry in Prometheus exposition format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveCorrelation implements correlation.Observer.
func (r *Recorder) ObserveCorrelation(outcome string, elapsed time.Duration) {
	if elapsed < 0 {
		elapsed = 0
	}
	r.correlations.WithLabelValues(outcome).Inc()
	r.correlationDuration.Observe(elapsed.Seconds())
	r.latency.Observe(elapsed)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.totals.correlations++
	if outcome == correlation.OutcomeJoined {
		r.totals.joined++
	}
}

// ObserveStrategy implements correlation.Observer.
func (r *Recorder) ObserveStrategy(strategy domain.Strategy, err error) {
	r.strategyRuns.WithLabelValues(string(strategy)).Inc()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totals.strategyRuns[strategy]++
	if err != nil {
		r.strategyErrors.WithLabelValues(string(strategy)).Inc()
		r.totals.strategyErrors[strategy]++
	}
}

// Seed loads gauge state from incidents that existed before process start.
func (r *Recorder) Seed(incidents []domain.Incident) {
	for _, incident := range incidents {
		r.track(incident, 1)
	}
}

// Transition implements incident.Observer.
func (r *Recorder) Transition(before, after domain.Incident) {
	if before.ID != "" {
		r.track(before, -1)
	}
	if after.ID != "" {
		r.track(after, 1)
		if before.Status != after.Status {
			r.transitions.WithLabelValues(string(after.Status)).Inc()
		}
	}
}

func (r *Recorder) track(incident domain.Incident, delta int) {
	r.incidents.WithLabelValues(string(incident.Status), string(incident.Priority)).Add(float64(delta))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totals.byStatus[incident.Status] += delta
	r.totals.byPriority[incident.Priority] += delta
}

// Acknowledged implements incident.Observer; SLA is counted only when priority has one.
func (r *Recorder) Acknowledged(priority domain.Priority, elapsed, sla time.Duration) {
	r.ackSeconds.WithLabelValues(string(priority)).Observe(elapsed.Seconds())
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totals.ackCount++
	r.totals.ackSum += elapsed
	if sla <= 0 {
		return
	}
	r.totals.ackWithSLA++
	result := "breached"
	if elapsed <= sla {
		result = "met"
		r.totals.ackWithinSLA++
	}
	r.slaChecks.WithLabelValues(string(priority), result).Inc()
}

// Resolved implements incident.Observer.
func (r *Recorder) Resolved(priority domain.Priority, elapsed time.Duration) {
	r.resolveSeconds.WithLabelValues(string(priority)).Observe(elapsed.Seconds())
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totals.resolveCount++
	r.totals.resolveSum += elapsed
}

// Escalated implements incident.Observer.
func (r *Recorder) Escalated(priority domain.Priority, _ int) {
	r.escalations.WithLabelValues(string(priority)).Inc()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totals.escalations++
}

// NotificationFailed implements incident.Observer.
func (r *Recorder) NotificationFailed(kind domain.EventKind) {
	r.notifyFailures.WithLabelValues(string(kind)).Inc()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totals.notifyFailures++
}

// Snapshot is a JSON-friendly summary of recorded telemetry.
type Snapshot struct {
	Correlations       uint64                        `json:"correlations"`
	CorrelationsJoined uint64                        `json:"correlations_joined"`
	StrategyRuns       map[domain.Strategy]uint64    `json:"strategy_runs"`
	StrategyErrors     map[domain.Strategy]uint64    `json:"strategy_errors"`
	LatencyP50         time.Duration                 `json:"latency_p50_ns"`
	LatencyP95         time.Duration                 `json:"latency_p95_ns"`
	LatencyP99         time.Duration                 `json:"latency_p99_ns"`
	IncidentsByStatus  map[domain.IncidentStatus]int `json:"incidents_by_status"`
	IncidentsByPrio    map[domain.Priority]int       `json:"incidents_by_priority"`
	MeanTimeToAck      time.Duration                 `json:"mean_time_to_ack_ns"`
	MeanTimeToResolve  time.Duration                 `json:"mean_time_to_resolve_ns"`
	SLAComplianceRate  float64                       `json:"sla_compliance_rate"`
	Escalations        uint64                        `json:"escalations"`
	NotifyFailures     uint64                        `json:"notification_failures"`
}

// Snapshot returns current totals; SLA compliance is 1 when no SLA-bound ack happened.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	out := Snapshot{
		Correlations:       r.totals.correlations,
		CorrelationsJoined: r.totals.joined,
		StrategyRuns:       make(map[domain.Strategy]uint64, len(r.totals.strategyRuns)),
		StrategyErrors:     make(map[domain.Strategy]uint64, len(r.totals.strategyErrors)),
		IncidentsByStatus:  make(map[domain.IncidentStatus]int),
		IncidentsByPrio:    make(map[domain.Priority]int),
		SLAComplianceRate:  1,
		Escalations:        r.totals.escalations,
		NotifyFailures:     r.totals.notifyFailures,
	}
	for strategy, count := range r.totals.strategyRuns {
		out.StrategyRuns[strategy] = count
	}
	for strategy, count := range r.totals.strategyErrors {
		out.StrategyErrors[strategy] = count
	}
	for status, count := range r.totals.byStatus {
		if count > 0 {
			out.IncidentsByStatus[status] = count
		}
	}
	for priority, count := range r.totals.byPriority {
		if count > 0 {
			out.IncidentsByPrio[priority] = count
		}
	}
	if r.totals.ackCount > 0 {
		out.MeanTimeToAck = r.totals.ackSum / time.Duration(r.totals.ackCount)
	}
	if r.totals.resolveCount > 0 {
		out.MeanTimeToResolve = r.totals.resolveSum / time.Duration(r.totals.resolveCount)
	}
	if r.totals.ackWithSLA > 0 {
		out.SLAComplianceRate = float64(r.totals.ackWithinSLA) / float64(r.totals.ackWithSLA)
	}
	r.mu.Unlock()

	out.LatencyP50 = r.latency.Percentile(50)
	out.LatencyP95 = r.latency.Percentile(95)
	out.LatencyP99 = r.latency.Percentile(99)
	return out
}
