package correlation

import (
	"math"
	"testing"
	"time"

	"incidentflow/internal/domain"
)

var baseTime = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func TestSpatialIdentityScoresOne(t *testing.T) {
	t.Parallel()

	alert := testAlert("a1", baseTime)
	alert.Tags = []string{"prod", "web"}
	score, evidence, err := DefaultStrategies()[1].Score(alert, []domain.Alert{alert})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if score != 1.0 {
		t.Fatalf("identical alerts must score 1.0, got %v", score)
	}
	if matched, _ := evidence["matched"].([]string); len(matched) != 4 {
		t.Fatalf("expected four matched dimensions, got %v", evidence["matched"])
	}
}

func TestSpatialPartialMatchUsesBestMember(t *testing.T) {
	t.Parallel()

	candidate := testAlert("c", baseTime)
	farMember := testAlert("m1", baseTime)
	farMember.Source = "db-9"
	farMember.Component = "postgres"
	farMember.Category = domain.CategoryCapacity
	farMember.Tags = []string{"other"}
	nearMember := testAlert("m2", baseTime)
	nearMember.Component = "nginx"

	score, evidence, _ := Spatial{Weights: SpatialWeights{Host: 0.4, Component: 0.3, Category: 0.2, Tags: 0.1}}.
		Score(candidate, []domain.Alert{farMember, nearMember})
	if math.Abs(score-0.7) > 1e-9 {
		t.Fatalf("expected host+category+tags = 0.7, got %v", score)
	}
	if evidence["member_id"] != "m2" {
		t.Fatalf("expected best member m2, got %v", evidence["member_id"])
	}
}

func TestTemporalWindowAndDecay(t *testing.T) {
	t.Parallel()

	strategy := Temporal{Window: 10 * time.Minute, Decay: 5 * time.Minute}
	member := testAlert("m", baseTime)

	same, _, _ := strategy.Score(testAlert("c", baseTime), []domain.Alert{member})
	if same != 1 {
		t.Fatalf("zero delta must score 1, got %v", same)
	}
	decayed, _, _ := strategy.Score(testAlert("c", baseTime.Add(5*time.Minute)), []domain.Alert{member})
	if math.Abs(decayed-math.Exp(-1)) > 1e-9 {
		t.Fatalf("expected exp(-1), got %v", decayed)
	}
	before, _, _ := strategy.Score(testAlert("c", baseTime.Add(-5*time.Minute)), []domain.Alert{member})
	if before != decayed {
		t.Fatalf("delta must be absolute, got %v vs %v", before, decayed)
	}
	outside, _, _ := strategy.Score(testAlert("c", baseTime.Add(11*time.Minute)), []domain.Alert{member})
	if outside != 0 {
		t.Fatalf("outside window must score 0, got %v", outside)
	}
}

func TestTemporalUsesMostRecentMember(t *testing.T) {
	t.Parallel()

	strategy := Temporal{Window: 10 * time.Minute, Decay: 5 * time.Minute}
	group := []domain.Alert{testAlert("old", baseTime.Add(-20*time.Minute)), testAlert("recent", baseTime)}
	score, _, _ := strategy.Score(testAlert("c", baseTime.Add(time.Minute)), group)
	if score <= 0.8 {
		t.Fatalf("expected proximity to the most recent member, got %v", score)
	}
}

func TestSemanticSimilarity(t *testing.T) {
	t.Parallel()

	strategy := Semantic{TitleWeight: 0.6, DescriptionWeight: 0.4}
	a := testAlert("a", baseTime)
	a.Title = "High  CPU usage on web-1"
	b := testAlert("b", baseTime)
	b.Title = "high cpu usage on WEB-1"

	score, _, _ := strategy.Score(a, []domain.Alert{b})
	if score != 1 {
		t.Fatalf("case and whitespace must be normalized, got %v", score)
	}

	b.Description = "load average above 20"
	withDesc, evidence, _ := strategy.Score(a, []domain.Alert{b})
	if math.Abs(withDesc-0.6) > 1e-9 {
		t.Fatalf("one-sided description must weigh in as 0, got %v", withDesc)
	}
	if _, ok := evidence["description_similarity"]; !ok {
		t.Fatalf("expected description evidence")
	}

	c := testAlert("c", baseTime)
	c.Title = "certificate expired for billing api"
	unrelated, _, _ := strategy.Score(a, []domain.Alert{c})
	if unrelated >= 0.5 {
		t.Fatalf("unrelated titles must score low, got %v", unrelated)
	}
}

func TestSequenceRatio(t *testing.T) {
	t.Parallel()

	if got := sequenceRatio("abcd", "bcde"); math.Abs(got-0.75) > 1e-9 {
		t.Fatalf("expected 0.75, got %v", got)
	}
	if got := sequenceRatio("", ""); got != 1 {
		t.Fatalf("empty strings must be equal, got %v", got)
	}
	if got := sequenceRatio("abc", "xyz"); got != 0 {
		t.Fatalf("disjoint strings must score 0, got %v", got)
	}
	if got := tokenJaccard("disk full", "disk almost full"); math.Abs(got-2.0/3.0) > 1e-9 {
		t.Fatalf("unexpected jaccard %v", got)
	}
}

func TestMetricPattern(t *testing.T) {
	t.Parallel()

	strategy := MetricPattern{NameWeight: 0.4}
	a := withMetric(testAlert("a", baseTime), "cpu_usage", 90)
	b := withMetric(testAlert("b", baseTime), "cpu_usage", 90)
	if score, _, _ := strategy.Score(a, []domain.Alert{b}); score != 1 {
		t.Fatalf("equal samples must score 1, got %v", score)
	}

	c := withMetric(testAlert("c", baseTime), "cpu_usage", 45)
	if score, _, _ := strategy.Score(a, []domain.Alert{c}); math.Abs(score-0.7) > 1e-9 {
		t.Fatalf("expected 0.4+0.6*0.5, got %v", score)
	}

	zeroA := withMetric(testAlert("z1", baseTime), "errors", 0)
	zeroB := withMetric(testAlert("z2", baseTime), "errors", 0)
	if score, _, _ := strategy.Score(zeroA, []domain.Alert{zeroB}); score != 1 {
		t.Fatalf("two zero samples must score 1, got %v", score)
	}

	other := withMetric(testAlert("d", baseTime), "mem_usage", 90)
	if score, _, _ := strategy.Score(a, []domain.Alert{other}); score != 0 {
		t.Fatalf("different metric names must score 0, got %v", score)
	}
	if score, _, _ := strategy.Score(testAlert("e", baseTime), []domain.Alert{b}); score != 0 {
		t.Fatalf("candidate without metric must score 0, got %v", score)
	}
}

func testAlert(id string, createdAt time.Time) domain.Alert {
	return domain.Alert{
		ID:        id,
		Severity:  domain.SeverityHigh,
		Category:  domain.CategoryPerformance,
		Source:    "web-1",
		Title:     "high cpu usage on web-1",
		CreatedAt: createdAt,
	}
}

func withMetric(alert domain.Alert, name string, value float64) domain.Alert {
	alert.MetricName = name
	alert.MetricValue = &value
	return alert
}
