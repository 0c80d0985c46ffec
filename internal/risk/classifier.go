package risk

import (
	"math"
	"strings"
)

// Tier is the discrete triage level. It doubles as the severity label of a
// single factor.
type Tier string

const (
	TierHigh   Tier = "HIGH"
	TierMedium Tier = "MEDIUM"
	TierLow    Tier = "LOW"
)

const (
	MaxScore = 10.0
	MinScore = 0.0

	highThreshold   = 4.0
	mediumThreshold = 2.0

	healthBoost        = 1.25
	highSeverityFactor = 0.15

	UnknownCategory = "Unknown"
	GeneralCategory = "General Emergency"
)

// Factor is one matched keyword.
type Factor struct {
	Keyword  string  `json:"word"`
	Category string  `json:"category"`
	Severity Tier    `json:"risk_level"`
	Weight   float64 `json:"weight"`
}

// Verdict is the outcome of classifying one transcript.
type Verdict struct {
	Tier              Tier     `json:"risk_level"`
	Score             float64  `json:"risk_score"`
	Factors           []Factor `json:"risk_factors"`
	Recommendations   []string `json:"recommendations"`
	Sentiment         float64  `json:"sentiment_score"`
	UrgencyIndicators []string `json:"urgency_indicators"`
	WordCount         int      `json:"word_count"`
	EmergencyCategory string   `json:"emergency_type"`
	OriginalText      string   `json:"original_text"`
}

// Classifier scores transcripts against a taxonomy. It keeps no per-call
// state and may be shared between goroutines.
type Classifier struct {
	tax *Taxonomy
}

// New returns a classifier over the built-in taxonomy.
func New() *Classifier { return &Classifier{tax: DefaultTaxonomy()} }

// NewWithTaxonomy returns a classifier over a custom validated taxonomy.
func NewWithTaxonomy(t *Taxonomy) *Classifier {
	if t == nil {
		t = DefaultTaxonomy()
	}
	return &Classifier{tax: t}
}

// Classify produces a verdict for text.
func (c *Classifier) Classify(text string) Verdict {
	if strings.TrimSpace(text) == "" {
		return emptyVerdict(text)
	}

	normalized := Normalize(text)
	factors := c.tax.match(normalized)
	score := c.tax.score(factors)
	tier := TierForScore(score)

	return Verdict{
		Tier:              tier,
		Score:             score,
		Factors:           factors,
		Recommendations:   c.tax.recommend(tier, factors),
		Sentiment:         Sentiment(normalized),
		UrgencyIndicators: UrgencyIndicators(normalized),
		WordCount:         len(strings.Fields(normalized)),
		EmergencyCategory: c.tax.emergencyCategory(normalized),
		OriginalText:      text,
	}
}

func emptyVerdict(text string) Verdict {
	return Verdict{
		Tier:              TierLow,
		Score:             0,
		Factors:           []Factor{},
		Recommendations:   []string{recNoText},
		Sentiment:         0,
		UrgencyIndicators: []string{},
		WordCount:         0,
		EmergencyCategory: UnknownCategory,
		OriginalText:      text,
	}
}

// TierForScore maps a score onto the fixed thresholds.
func TierForScore(score float64) Tier {
	switch {
	case score >= highThreshold:
		return TierHigh
	case score >= mediumThreshold:
		return TierMedium
	default:
		return TierLow
	}
}

// match records one factor per (category, keyword) contained in text.
// Containment is substring based, so "fired" also matches "fire".
func (t *Taxonomy) match(normalized string) []Factor {
	factors := []Factor{}
	for _, cat := range t.categories {
		for _, kw := range cat.keywords {
			if strings.Contains(normalized, kw.match) {
				factors = append(factors, Factor{
					Keyword:  kw.text,
					Category: cat.name,
					Severity: cat.severity,
					Weight:   cat.weight,
				})
			}
		}
	}
	return factors
}

func (t *Taxonomy) hasCriticalEmergency(factors []Factor) bool {
	for _, f := range factors {
		if f.Category == CategoryEmergency && t.isCritical(f.Keyword) {
			return true
		}
	}
	return false
}

func (t *Taxonomy) score(factors []Factor) float64 {
	if len(factors) == 0 {
		return 0
	}
	if t.hasCriticalEmergency(factors) {
		return MaxScore
	}

	var total float64
	distinct := make(map[string]struct{}, len(factors))
	var health bool
	var high int
	for _, f := range factors {
		total += f.Weight
		distinct[f.Keyword] = struct{}{}
		if f.Category == CategoryHealth {
			health = true
		}
		if f.Severity == TierHigh {
			high++
		}
	}

	score := total / float64(len(distinct))
	if health {
		score *= healthBoost
	}
	if high > 0 {
		score *= 1 + highSeverityFactor*float64(high)
	}
	score = math.Max(MinScore, math.Min(MaxScore, score))
	return math.Round(score*100) / 100
}

func (t *Taxonomy) emergencyCategory(normalized string) string {
	for _, r := range t.rules {
		for _, kw := range r.keywords {
			if strings.Contains(normalized, kw.match) {
				return r.label
			}
		}
	}
	return GeneralCategory
}
