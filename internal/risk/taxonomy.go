package risk

import (
	"errors"
	"fmt"
	"strings"
)

// Band groups categories for documentation only; severity is always derived
// from the category weight.
type Band string

const (
	BandHigh   Band = "high"
	BandMedium Band = "medium"
	BandLow    Band = "low"
)

// Category names referenced by scoring and recommendation rules.
const (
	CategoryViolence     = "violence"
	CategoryEmergency    = "emergency"
	CategoryIllegal      = "illegal"
	CategoryMentalHealth = "mental_health"
	CategoryFinancial    = "financial"
	CategoryHealth       = "health"
	CategoryRelationship = "relationship"
	CategoryLegal        = "legal"
	CategoryWork         = "work"
	CategoryDailyLife    = "daily_life"
	CategoryPositive     = "positive"
)

// requiredCategories must be present in every taxonomy because the scorer
// and the recommendation rules refer to them by name.
var requiredCategories = []string{
	CategoryEmergency,
	CategoryHealth,
	CategoryMentalHealth,
	CategoryFinancial,
	CategoryLegal,
}

// Category is one weighted keyword list.
type Category struct {
	Name     string   `yaml:"name"`
	Band     Band     `yaml:"band"`
	Weight   float64  `yaml:"weight"`
	Keywords []string `yaml:"keywords"`
}

// EmergencyRule maps keywords to a dispatch label. Rules are evaluated in
// declaration order and the first hit wins.
type EmergencyRule struct {
	Label    string   `yaml:"label"`
	Keywords []string `yaml:"keywords"`
}

// Definition is the raw, unvalidated form of a taxonomy.
type Definition struct {
	Categories       []Category      `yaml:"categories"`
	CriticalKeywords []string        `yaml:"critical_keywords"`
	EmergencyRules   []EmergencyRule `yaml:"emergency_rules"`
}

type keyword struct {
	text  string // as declared, reported in factors
	match string // normalised form used for containment
}

type compiledCategory struct {
	name     string
	band     Band
	weight   float64
	severity Tier
	keywords []keyword
}

type compiledRule struct {
	label    string
	keywords []keyword
}

// Taxonomy is a validated, read-only keyword table. It is safe to share
// between goroutines.
type Taxonomy struct {
	categories []compiledCategory
	weights    map[string]float64
	critical   map[string]struct{}
	rules      []compiledRule
}

var (
	ErrEmptyTaxonomy     = errors.New("taxonomy has no categories")
	ErrDuplicateCategory = errors.New("duplicate category")
	ErrMissingCategory   = errors.New("category required by scoring rules is missing")
	ErrEmptyKeyword      = errors.New("empty keyword")
	ErrNegativeWeights   = errors.New("taxonomy must have exactly one risk-reducing category")
)

// NewTaxonomy validates def and compiles it for matching.
func NewTaxonomy(def Definition) (*Taxonomy, error) {
	if len(def.Categories) == 0 {
		return nil, ErrEmptyTaxonomy
	}
	t := &Taxonomy{
		weights:  make(map[string]float64, len(def.Categories)),
		critical: make(map[string]struct{}, len(def.CriticalKeywords)),
	}

	negatives := 0
	for _, c := range def.Categories {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return nil, errors.New("category name must not be empty")
		}
		if _, dup := t.weights[name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateCategory, name)
		}
		switch c.Band {
		case BandHigh, BandMedium, BandLow:
		default:
			return nil, fmt.Errorf("category %s: band must be one of high|medium|low", name)
		}
		if len(c.Keywords) == 0 {
			return nil, fmt.Errorf("category %s: keywords must not be empty", name)
		}
		kws, err := compileKeywords(c.Keywords)
		if err != nil {
			return nil, fmt.Errorf("category %s: %w", name, err)
		}
		if c.Weight < 0 {
			negatives++
		}
		t.weights[name] = c.Weight
		t.categories = append(t.categories, compiledCategory{
			name:     name,
			band:     c.Band,
			weight:   c.Weight,
			severity: severityFor(c.Weight),
			keywords: kws,
		})
	}
	if negatives != 1 {
		return nil, fmt.Errorf("%w: found %d", ErrNegativeWeights, negatives)
	}
	for _, name := range requiredCategories {
		if _, ok := t.weights[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingCategory, name)
		}
	}

	for _, kw := range def.CriticalKeywords {
		m := Normalize(kw)
		if m == "" {
			return nil, fmt.Errorf("critical keywords: %w", ErrEmptyKeyword)
		}
		t.critical[m] = struct{}{}
	}

	for _, r := range def.EmergencyRules {
		if strings.TrimSpace(r.Label) == "" {
			return nil, errors.New("emergency rule label must not be empty")
		}
		kws, err := compileKeywords(r.Keywords)
		if err != nil {
			return nil, fmt.Errorf("emergency rule %s: %w", r.Label, err)
		}
		t.rules = append(t.rules, compiledRule{label: r.Label, keywords: kws})
	}
	return t, nil
}

func compileKeywords(in []string) ([]keyword, error) {
	out := make([]keyword, 0, len(in))
	for _, k := range in {
		m := Normalize(k)
		if m == "" {
			return nil, ErrEmptyKeyword
		}
		out = append(out, keyword{text: k, match: m})
	}
	return out, nil
}

// Weight returns the weight of a category.
func (t *Taxonomy) Weight(category string) (float64, bool) {
	w, ok := t.weights[category]
	return w, ok
}

// Categories returns the category names in evaluation order.
func (t *Taxonomy) Categories() []string {
	names := make([]string, len(t.categories))
	for i, c := range t.categories {
		names[i] = c.name
	}
	return names
}

func (t *Taxonomy) isCritical(kw string) bool {
	_, ok := t.critical[Normalize(kw)]
	return ok
}

func severityFor(weight float64) Tier {
	switch {
	case weight >= 2.5:
		return TierHigh
	case weight >= 1.0:
		return TierMedium
	default:
		return TierLow
	}
}

// DefaultDefinition returns the built-in call triage table.
func DefaultDefinition() Definition {
	return Definition{
		Categories: []Category{
			{Name: CategoryViolence, Band: BandHigh, Weight: 3.0, Keywords: []string{
				"kill", "murder", "attack", "assault", "fight", "violence", "weapon",
				"gun", "knife", "bomb", "explosive", "hurt", "harm", "destroy", "threat", "threaten",
			}},
			{Name: CategoryEmergency, Band: BandHigh, Weight: 3.0, Keywords: []string{
				"emergency", "help", "urgent", "crisis", "danger", "panic",
				"accident", "injury", "bleeding", "unconscious", "overdose", "fire", "medical",
			}},
			{Name: CategoryIllegal, Band: BandHigh, Weight: 2.5, Keywords: []string{
				"drugs", "cocaine", "heroin", "marijuana", "steal", "theft", "robbery",
				"fraud", "illegal", "criminal", "crime", "smuggle", "trafficking",
			}},
			{Name: CategoryMentalHealth, Band: BandHigh, Weight: 3.0, Keywords: []string{
				"suicide", "suicidal", "depression", "hopeless", "worthless", "end it all",
				"give up", "can't go on", "self-harm",
			}},
			{Name: CategoryFinancial, Band: BandMedium, Weight: 1.5, Keywords: []string{
				"debt", "bankruptcy", "foreclosure", "eviction", "unemployed", "fired",
				"laid off", "financial trouble", "money problems",
			}},
			{Name: CategoryHealth, Band: BandMedium, Weight: 3.0, Keywords: []string{
				"sick", "illness", "hospital", "doctor", "medication", "pain",
				"chronic", "disease", "treatment", "surgery", "infection",
			}},
			{Name: CategoryRelationship, Band: BandMedium, Weight: 2.0, Keywords: []string{
				"divorce", "breakup", "argument", "conflict", "abuse", "domestic",
				"harassment", "stalking", "restraining order",
			}},
			{Name: CategoryLegal, Band: BandMedium, Weight: 2.0, Keywords: []string{
				"court", "lawsuit", "lawyer", "attorney", "legal action", "investigation",
				"charges", "warrant", "arrest",
			}},
			{Name: CategoryWork, Band: BandLow, Weight: 0.5, Keywords: []string{
				"job", "work", "career", "office", "meeting", "project", "deadline",
				"colleague", "boss", "promotion",
			}},
			{Name: CategoryDailyLife, Band: BandLow, Weight: 0.3, Keywords: []string{
				"family", "friends", "home", "school", "education", "hobby", "vacation",
				"shopping", "cooking", "exercise",
			}},
			{Name: CategoryPositive, Band: BandLow, Weight: -0.5, Keywords: []string{
				"happy", "excited", "good", "great", "wonderful", "amazing", "love",
				"joy", "celebration", "success",
			}},
		},
		CriticalKeywords: []string{
			"accident", "injury", "bleeding", "unconscious", "overdose", "collapse", "fire",
		},
		EmergencyRules: []EmergencyRule{
			{Label: "Accident", Keywords: []string{"accident", "crash", "collision"}},
			{Label: "Cardiac Arrest", Keywords: []string{"cardiac", "heart attack", "chest pain", "pulse", "fainted"}},
			{Label: "Fire", Keywords: []string{"fire", "burning", "smoke", "flames"}},
			{Label: "Overdose", Keywords: []string{"overdose", "drug", "pills", "poison"}},
			{Label: "Violence", Keywords: []string{"attack", "fight", "assault", "gun", "knife", "shooting"}},
			{Label: "Mental Health Crisis", Keywords: []string{
				"suicide", "suicidal", "depressed", "self-harm", "give up", "hopeless", "can't go on", "end it all",
			}},
			{Label: "Unconscious", Keywords: []string{"unconscious", "not breathing", "passed out"}},
			{Label: "Medical Emergency", Keywords: []string{"emergency", "bleeding", "pain", "injury", "sick"}},
		},
	}
}

var defaultTaxonomy = mustTaxonomy(NewTaxonomy(DefaultDefinition()))

// DefaultTaxonomy returns the shared built-in taxonomy.
func DefaultTaxonomy() *Taxonomy { return defaultTaxonomy }

func mustTaxonomy(t *Taxonomy, err error) *Taxonomy {
	if err != nil {
		panic("risk: invalid built-in taxonomy: " + err.Error())
	}
	return t
}
