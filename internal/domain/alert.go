package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Severity is upstream alert severity.
// Params: critical/high/medium/low/info constants.
// Returns: ordered severity used for priority derivation.
type Severity string

const (
	// SeverityCritical marks service-down class alerts.
	SeverityCritical Severity = "critical"
	// SeverityHigh marks major degradation.
	SeverityHigh Severity = "high"
	// SeverityMedium marks partial degradation.
	SeverityMedium Severity = "medium"
	// SeverityLow marks minor issues.
	SeverityLow Severity = "low"
	// SeverityInfo marks informational alerts.
	SeverityInfo Severity = "info"
)

// Rank returns numeric weight of severity (critical=5 .. info=1, unknown=0).
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// Valid reports whether severity is one of the supported constants.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// Category is functional alert category.
type Category string

const (
	CategoryPerformance   Category = "performance"
	CategoryAvailability  Category = "availability"
	CategoryCapacity      Category = "capacity"
	CategoryNetwork       Category = "network"
	CategorySecurity      Category = "security"
	CategoryConfiguration Category = "configuration"
)

// Valid reports whether category is one of the supported constants.
func (c Category) Valid() bool {
	switch c {
	case CategoryPerformance, CategoryAvailability, CategoryCapacity,
		CategoryNetwork, CategorySecurity, CategoryConfiguration:
		return true
	default:
		return false
	}
}

// Alert is one condition breach reported by an upstream evaluator.
// Params: identity, classification, origin, text and optional numeric metric.
// Returns: immutable correlation input (only Resolved is owned upstream).
type Alert struct {
	ID          string    `json:"id"`
	Severity    Severity  `json:"severity"`
	Category    Category  `json:"category"`
	Source      string    `json:"source"`
	Component   string    `json:"component,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	MetricName  string    `json:"metric_name,omitempty"`
	MetricValue *float64  `json:"metric_value,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Resolved    bool      `json:"resolved"`
}

// SubjectKind implements Subject.
func (a Alert) SubjectKind() string { return "alert" }

// SubjectID implements Subject.
func (a Alert) SubjectID() string { return a.ID }

// HasMetric reports whether alert carries a numeric metric sample.
func (a Alert) HasMetric() bool {
	return a.MetricValue != nil && strings.TrimSpace(a.MetricName) != ""
}

// TagSet returns normalized tag set (lower-case, trimmed, empty dropped).
func (a Alert) TagSet() map[string]struct{} {
	out := make(map[string]struct{}, len(a.Tags))
	for _, tag := range a.Tags {
		normalized := strings.ToLower(strings.TrimSpace(tag))
		if normalized == "" {
			continue
		}
		out[normalized] = struct{}{}
	}
	return out
}

// Normalize canonicalizes enum casing, trims identity fields, and sorts tags.
// Params: none.
// Returns: normalized copy of alert.
func (a Alert) Normalize() Alert {
	a.ID = strings.TrimSpace(a.ID)
	a.Severity = Severity(strings.ToLower(strings.TrimSpace(string(a.Severity))))
	a.Category = Category(strings.ToLower(strings.TrimSpace(string(a.Category))))
	a.Source = strings.TrimSpace(a.Source)
	a.Component = strings.TrimSpace(a.Component)
	a.MetricName = strings.TrimSpace(a.MetricName)
	if len(a.Tags) > 0 {
		set := a.TagSet()
		tags := make([]string, 0, len(set))
		for tag := range set {
			tags = append(tags, tag)
		}
		sort.Strings(tags)
		a.Tags = tags
	}
	if !a.CreatedAt.IsZero() {
		a.CreatedAt = a.CreatedAt.UTC()
	}
	return a
}

// Validate checks alert against ingest contract.
// Params: alert fields decoded from transport.
// Returns: validation error when schema is violated.
func (a Alert) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return errors.New("id is required")
	}
	if !a.Severity.Valid() {
		return fmt.Errorf("unsupported severity %q", a.Severity)
	}
	if !a.Category.Valid() {
		return fmt.Errorf("unsupported category %q", a.Category)
	}
	if strings.TrimSpace(a.Source) == "" {
		return errors.New("source is required")
	}
	if strings.TrimSpace(a.Title) == "" {
		return errors.New("title is required")
	}
	if a.CreatedAt.IsZero() {
		return errors.New("created_at is required")
	}
	if a.MetricValue != nil && strings.TrimSpace(a.MetricName) == "" {
		return errors.New("metric_name is required when metric_value is set")
	}
	return nil
}

// DecodeAlert decodes, normalizes and validates one alert payload.
// Params: JSON document bytes.
// Returns: validated alert or decode/validation error.
func DecodeAlert(raw []byte) (Alert, error) {
	var alert Alert
	if err := json.Unmarshal(raw, &alert); err != nil {
		return Alert{}, fmt.Errorf("decode alert: %w", err)
	}
	alert = alert.Normalize()
	if err := alert.Validate(); err != nil {
		return Alert{}, err
	}
	return alert, nil
}

// DecodeAlerts decodes one alert object or a non-empty array of alerts.
// Params: JSON document bytes.
// Returns: validated alerts or the first decode/validation error.
func DecodeAlerts(raw []byte) ([]Alert, error) {
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, "[") {
		alert, err := DecodeAlert(raw)
		if err != nil {
			return nil, err
		}
		return []Alert{alert}, nil
	}

	var alerts []Alert
	if err := json.Unmarshal(raw, &alerts); err != nil {
		return nil, fmt.Errorf("decode alert batch: %w", err)
	}
	if len(alerts) == 0 {
		return nil, errors.New("alert batch must contain at least one alert")
	}
	for i := range alerts {
		alerts[i] = alerts[i].Normalize()
		if err := alerts[i].Validate(); err != nil {
			return nil, fmt.Errorf("alert[%d]: %w", i, err)
		}
	}
	return alerts, nil
}
