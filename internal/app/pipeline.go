package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"incidentflow/internal/domain"
	"incidentflow/internal/retryable"
	"incidentflow/internal/state"
)

const slowIngestThreshold = 100 * time.Millisecond

// Correlator groups one alert into the correlation window.
type Correlator interface {
	Correlate(ctx context.Context, alert domain.Alert) (*domain.CorrelationResult, error)
}

// IncidentHandler turns significant correlations into incidents.
type IncidentHandler interface {
	HandleCorrelation(ctx context.Context, result domain.CorrelationResult) (domain.Incident, bool, error)
}

// Pipeline is the alert sink shared by HTTP and NATS ingest.
// Params: alert store, correlation engine, incident manager, logger, store timeout.
// Returns: ingest.AlertSink implementation.
type Pipeline struct {
	alerts       state.AlertStore
	correlator   Correlator
	incidents    IncidentHandler
	logger       *slog.Logger
	storeTimeout time.Duration
}

// NewPipeline wires ingest pipeline stages.
func NewPipeline(alerts state.AlertStore, correlator Correlator, incidents IncidentHandler, logger *slog.Logger, storeTimeout time.Duration) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		alerts:       alerts,
		correlator:   correlator,
		incidents:    incidents,
		logger:       logger,
		storeTimeout: storeTimeout,
	}
}

// Ingest stores alert, correlates it, and opens or updates an incident for significant groups.
// Params: context and decoded alert.
// Returns: validation error, or retryable error when the alert must be redelivered.
func (p *Pipeline) Ingest(ctx context.Context, alert domain.Alert) error {
	started := time.Now()
	alert = alert.Normalize()
	if err := alert.Validate(); err != nil {
		return fmt.Errorf("alert %q: %w", alert.ID, err)
	}

	if err := p.putAlert(ctx, alert); err != nil {
		return err
	}

	result, err := p.correlator.Correlate(ctx, alert)
	if err != nil {
		return retryable.Mark(err)
	}
	if result == nil || !result.Significant() {
		p.logSlow(alert, started)
		return nil
	}

	incident, created, err := p.incidents.HandleCorrelation(ctx, *result)
	if err != nil {
		err = fmt.Errorf("handle correlation %s: %w", result.CorrelationID, err)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return retryable.Mark(err)
		}
		return err
	}
	if created {
		p.logger.Info("incident opened from correlation",
			"incident_id", incident.ID,
			"correlation_id", result.CorrelationID,
			"priority", string(incident.Priority),
			"alerts", len(incident.AlertIDs),
		)
	} else {
		p.logger.Debug("correlation applied to incident",
			"incident_id", incident.ID,
			"correlation_id", result.CorrelationID,
			"alerts", len(incident.AlertIDs),
		)
	}
	p.logSlow(alert, started)
	return nil
}

func (p *Pipeline) putAlert(ctx context.Context, alert domain.Alert) error {
	storeCtx := ctx
	if p.storeTimeout > 0 {
		var cancel context.CancelFunc
		storeCtx, cancel = context.WithTimeout(ctx, p.storeTimeout)
		defer cancel()
	}
	if err := p.alerts.PutAlert(storeCtx, alert); err != nil {
		return retryable.Mark(fmt.Errorf("store alert %s: %w", alert.ID, err))
	}
	return nil
}

func (p *Pipeline) logSlow(alert domain.Alert, started time.Time) {
	if elapsed := time.Since(started); elapsed > slowIngestThreshold {
		p.logger.Warn("slow alert processing", "alert_id", alert.ID, "elapsed", elapsed.String())
	}
}
