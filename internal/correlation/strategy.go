package correlation

import (
	"math"
	"time"

	"incidentflow/internal/domain"
)

// Evidence carries strategy-specific justification for a score.
type Evidence map[string]any

// Strategy scores a candidate alert against the members of one group.
// Implementations are pure: no I/O and no mutation of inputs.
type Strategy interface {
	Name() domain.Strategy
	Score(candidate domain.Alert, group []domain.Alert) (float64, Evidence, error)
}

// Temporal scores time proximity to the most recent group member.
type Temporal struct {
	Window time.Duration
	Decay  time.Duration
}

func (Temporal) Name() domain.Strategy { return domain.StrategyTemporal }

// Score returns exp(-Δt/decay) inside the window and 0 outside.
func (s Temporal) Score(candidate domain.Alert, group []domain.Alert) (float64, Evidence, error) {
	if len(group) == 0 {
		return 0, nil, nil
	}
	latest := group[0].CreatedAt
	for _, member := range group[1:] {
		if member.CreatedAt.After(latest) {
			latest = member.CreatedAt
		}
	}
	delta := candidate.CreatedAt.Sub(latest)
	if delta < 0 {
		delta = -delta
	}
	evidence := Evidence{"delta_sec": delta.Seconds(), "window_sec": s.Window.Seconds()}
	if delta > s.Window || s.Decay <= 0 {
		return 0, evidence, nil
	}
	return math.Exp(-delta.Seconds() / s.Decay.Seconds()), evidence, nil
}

// SpatialWeights weights each matched dimension.
type SpatialWeights struct {
	Host      float64
	Component float64
	Category  float64
	Tags      float64
}

// Spatial scores host, component, category and tag overlap against the best member.
type Spatial struct {
	Weights SpatialWeights
}

func (Spatial) Name() domain.Strategy { return domain.StrategySpatial }

func (s Spatial) Score(candidate domain.Alert, group []domain.Alert) (float64, Evidence, error) {
	total := s.Weights.Host + s.Weights.Component + s.Weights.Category + s.Weights.Tags
	if total <= 0 || len(group) == 0 {
		return 0, nil, nil
	}
	candidateTags := candidate.TagSet()

	best := -1.0
	var bestMatched []string
	var bestMember string
	for _, member := range group {
		score := 0.0
		matched := make([]string, 0, 4)
		if candidate.Source == member.Source {
			score += s.Weights.Host
			matched = append(matched, "host")
		}
		if candidate.Component == member.Component {
			score += s.Weights.Component
			matched = append(matched, "component")
		}
		if candidate.Category == member.Category {
			score += s.Weights.Category
			matched = append(matched, "category")
		}
		if tagsMatch(candidateTags, member.TagSet()) {
			score += s.Weights.Tags
			matched = append(matched, "tags")
		}
		if score > best {
			best = score
			bestMatched = matched
			bestMember = member.ID
		}
	}
	return best / total, Evidence{"matched": bestMatched, "member_id": bestMember}, nil
}

func tagsMatch(a, b map[string]struct{}) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	for tag := range a {
		if _, ok := b[tag]; ok {
			return true
		}
	}
	return false
}

// Semantic scores title/description text similarity against the best member.
type Semantic struct {
	TitleWeight       float64
	DescriptionWeight float64
}

func (Semantic) Name() domain.Strategy { return domain.StrategySemantic }

func (s Semantic) Score(candidate domain.Alert, group []domain.Alert) (float64, Evidence, error) {
	if len(group) == 0 {
		return 0, nil, nil
	}
	members := make([]*textProfile, len(group))
	for i, member := range group {
		members[i] = newTextProfile(member.ID, member.Title, member.Description)
	}
	score, evidence, _ := s.scoreProfiled(newTextProfile(candidate.ID, candidate.Title, candidate.Description), members, -1)
	return score, evidence, nil
}

// scoreProfiled scores cached profiles. Members whose upper bound stays below floor
// are not scored exactly; when one of them could still beat the returned score,
// exact is false and the true score is known only to be below floor.
func (s Semantic) scoreProfiled(candidate *textProfile, members []*textProfile, floor float64) (float64, Evidence, bool) {
	best := -1.0
	skipped := -1.0
	var evidence Evidence
	for _, member := range members {
		bound := s.combine(candidate, member, fieldUpperBound)
		if bound <= best {
			continue
		}
		if bound < floor {
			skipped = max(skipped, bound)
			continue
		}
		titleSim := fieldSimilarity(candidate.title, member.title)
		score := titleSim
		descSim := -1.0
		if !candidate.description.empty() || !member.description.empty() {
			descSim = fieldSimilarity(candidate.description, member.description)
			score = s.weigh(titleSim, descSim)
		}
		if score > best {
			best = score
			evidence = Evidence{"title_similarity": titleSim, "member_id": member.alertID}
			if descSim >= 0 {
				evidence["description_similarity"] = descSim
			}
		}
	}
	return clampUnit(best), evidence, skipped <= best
}

func (s Semantic) combine(a, b *textProfile, field func(fieldProfile, fieldProfile) float64) float64 {
	title := field(a.title, b.title)
	if a.description.empty() && b.description.empty() {
		return title
	}
	return s.weigh(title, field(a.description, b.description))
}

func (s Semantic) weigh(title, description float64) float64 {
	weights := s.TitleWeight + s.DescriptionWeight
	if weights <= 0 {
		return title
	}
	return (s.TitleWeight*title + s.DescriptionWeight*description) / weights
}

// MetricPattern scores closeness of samples of the same metric.
type MetricPattern struct {
	NameWeight float64
}

func (MetricPattern) Name() domain.Strategy { return domain.StrategyMetricPattern }

func (s MetricPattern) Score(candidate domain.Alert, group []domain.Alert) (float64, Evidence, error) {
	if !candidate.HasMetric() {
		return 0, nil, nil
	}
	best := 0.0
	var evidence Evidence
	for _, member := range group {
		if !member.HasMetric() || member.MetricName != candidate.MetricName {
			continue
		}
		proximity := metricProximity(*candidate.MetricValue, *member.MetricValue)
		score := s.NameWeight + (1-s.NameWeight)*proximity
		if evidence == nil || score > best {
			best = score
			evidence = Evidence{"metric_name": candidate.MetricName, "proximity": proximity, "member_id": member.ID}
		}
	}
	return clampUnit(best), evidence, nil
}

func metricProximity(a, b float64) float64 {
	scale := math.Max(math.Abs(a), math.Abs(b))
	if scale == 0 {
		return 1
	}
	return clampUnit(1 - math.Abs(a-b)/scale)
}

func clampUnit(value float64) float64 {
	switch {
	case value < 0 || math.IsNaN(value):
		return 0
	case value > 1:
		return 1
	default:
		return value
	}
}

// DefaultStrategies returns the fixed evaluation order with default parameters.
func DefaultStrategies() []Strategy {
	return []Strategy{
		Temporal{Window: 10 * time.Minute, Decay: 5 * time.Minute},
		Spatial{Weights: SpatialWeights{Host: 0.4, Component: 0.3, Category: 0.2, Tags: 0.1}},
		Semantic{TitleWeight: 0.6, DescriptionWeight: 0.4},
		MetricPattern{NameWeight: 0.4},
	}
}
