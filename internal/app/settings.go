package app

import (
	"time"

	"incidentflow/internal/config"
	"incidentflow/internal/correlation"
	"incidentflow/internal/domain"
	"incidentflow/internal/incident"
)

func correlationSettings(cfg config.CorrelationConfig) correlation.Config {
	return correlation.Config{
		Window:        cfg.Window(),
		MaxAlerts:     cfg.MaxAlerts,
		JoinThreshold: cfg.JoinThreshold,
		ShortCircuit:  cfg.ShortCircuitScore,
		ShardBy:       cfg.ShardBy,
		Shards:        cfg.Shards,
		Thresholds: domain.ConfidenceThresholds{
			VeryHigh: cfg.Confidence.VeryHigh,
			High:     cfg.Confidence.High,
			Medium:   cfg.Confidence.Medium,
			Low:      cfg.Confidence.Low,
		},
	}
}

// strategies returns the fixed evaluation order: temporal, spatial, semantic, metric pattern.
func strategies(cfg config.CorrelationConfig) []correlation.Strategy {
	return []correlation.Strategy{
		correlation.Temporal{
			Window: seconds(cfg.Temporal.WindowSec),
			Decay:  seconds(cfg.Temporal.DecaySec),
		},
		correlation.Spatial{Weights: correlation.SpatialWeights{
			Host:      cfg.Spatial.HostWeight,
			Component: cfg.Spatial.ComponentWeight,
			Category:  cfg.Spatial.CategoryWeight,
			Tags:      cfg.Spatial.TagsWeight,
		}},
		correlation.Semantic{
			TitleWeight:       cfg.Semantic.TitleWeight,
			DescriptionWeight: cfg.Semantic.DescriptionWeight,
		},
		correlation.MetricPattern{NameWeight: cfg.Metric.NameWeight},
	}
}

func incidentSettings(cfg config.Config) incident.Config {
	rules := map[domain.Priority]incident.EscalationRule{}
	for priority, rule := range map[domain.Priority]config.EscalationRule{
		domain.PriorityP1: cfg.Incident.Escalation.P1,
		domain.PriorityP2: cfg.Incident.Escalation.P2,
		domain.PriorityP3: cfg.Incident.Escalation.P3,
	} {
		if rule.MaxEscalations <= 0 {
			continue
		}
		rules[priority] = incident.EscalationRule{
			Threshold:      seconds(rule.ThresholdSec),
			MaxEscalations: rule.MaxEscalations,
			Interval:       seconds(rule.IntervalSec),
		}
	}
	return incident.Config{
		Escalation:     rules,
		AutoCloseAfter: time.Duration(cfg.Incident.AutoCloseAfterHours) * time.Hour,
		ArchiveAfter:   time.Duration(cfg.Incident.ArchiveAfterHours) * time.Hour,
		NotifyTimeout:  time.Duration(cfg.Incident.NotifyTimeoutMS) * time.Millisecond,
		StoreTimeout:   cfg.Store.OperationTimeout(),
	}
}

func seconds(value int) time.Duration {
	return time.Duration(value) * time.Second
}
