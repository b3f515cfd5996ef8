package domain

import "time"

// Strategy names one correlation signal.
type Strategy string

const (
	// StrategyTemporal scores time proximity.
	StrategyTemporal Strategy = "temporal"
	// StrategySpatial scores host/component/category/tag overlap.
	StrategySpatial Strategy = "spatial"
	// StrategySemantic scores title/description text similarity.
	StrategySemantic Strategy = "semantic"
	// StrategyMetricPattern scores numeric metric proximity.
	StrategyMetricPattern Strategy = "metric_pattern"
)

// Confidence is ordinal correlation strength.
// Params: very_low..very_high ordered constants.
// Returns: comparable tier (higher value means stronger correlation).
type Confidence int

const (
	ConfidenceVeryLow Confidence = iota
	ConfidenceLow
	ConfidenceMedium
	ConfidenceHigh
	ConfidenceVeryHigh
)

// String returns wire name of confidence tier.
func (c Confidence) String() string {
	switch c {
	case ConfidenceVeryHigh:
		return "very_high"
	case ConfidenceHigh:
		return "high"
	case ConfidenceMedium:
		return "medium"
	case ConfidenceLow:
		return "low"
	default:
		return "very_low"
	}
}

// MarshalText encodes tier by wire name.
func (c Confidence) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText decodes tier from wire name; unknown names map to very_low.
func (c *Confidence) UnmarshalText(text []byte) error {
	switch string(text) {
	case "very_high":
		*c = ConfidenceVeryHigh
	case "high":
		*c = ConfidenceHigh
	case "medium":
		*c = ConfidenceMedium
	case "low":
		*c = ConfidenceLow
	default:
		*c = ConfidenceVeryLow
	}
	return nil
}

// ConfidenceThresholds holds minimum scores for each tier above very_low.
type ConfidenceThresholds struct {
	VeryHigh float64
	High     float64
	Medium   float64
	Low      float64
}

// DefaultConfidenceThresholds returns 0.9/0.75/0.5/0.25 tier boundaries.
func DefaultConfidenceThresholds() ConfidenceThresholds {
	return ConfidenceThresholds{VeryHigh: 0.9, High: 0.75, Medium: 0.5, Low: 0.25}
}

// Tier maps one max strategy score to confidence.
// Params: score in [0,1].
// Returns: confidence tier; monotonic in score for ordered thresholds.
func (t ConfidenceThresholds) Tier(score float64) Confidence {
	switch {
	case score >= t.VeryHigh:
		return ConfidenceVeryHigh
	case score >= t.High:
		return ConfidenceHigh
	case score >= t.Medium:
		return ConfidenceMedium
	case score >= t.Low:
		return ConfidenceLow
	default:
		return ConfidenceVeryLow
	}
}

// CorrelationResult describes one correlated alert group after a mutation.
// Params: group identity, members, winning strategy, and aggregated scores.
// Returns: input for incident creation when significant.
type CorrelationResult struct {
	CorrelationID    string                      `json:"correlation_id"`
	AlertIDs         []string                    `json:"alert_ids"`
	Strategy         Strategy                    `json:"strategy"`
	Confidence       Confidence                  `json:"confidence"`
	Score            float64                     `json:"score"`
	Scores           map[Strategy]float64        `json:"scores"`
	Evidence         map[Strategy]map[string]any `json:"evidence,omitempty"`
	CommonAttributes map[string]string           `json:"common_attributes,omitempty"`
	CreatedAt        time.Time                   `json:"created_at"`
	UpdatedAt        time.Time                   `json:"updated_at"`
}

// Significant reports whether result warrants an incident.
// Params: none.
// Returns: true when confidence >= high and group has at least two alerts.
func (r CorrelationResult) Significant() bool {
	return r.Confidence >= ConfidenceHigh && len(r.AlertIDs) >= 2
}
