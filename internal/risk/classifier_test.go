package risk

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func keywords(v Verdict) []string {
	out := make([]string, len(v.Factors))
	for i, f := range v.Factors {
		out[i] = f.Keyword
	}
	return out
}

func TestClassifyEmptyText(t *testing.T) {
	c := New()
	for _, text := range []string{"", "   ", "\n\t  "} {
		v := c.Classify(text)
		assert.Equal(t, TierLow, v.Tier)
		assert.Equal(t, 0.0, v.Score)
		assert.Empty(t, v.Factors)
		assert.NotNil(t, v.Factors)
		assert.Equal(t, []string{recNoText}, v.Recommendations)
		assert.Equal(t, UnknownCategory, v.EmergencyCategory)
		assert.Equal(t, 0, v.WordCount)
		assert.Equal(t, text, v.OriginalText)
	}
}

func TestClassifyCriticalHealthOverride(t *testing.T) {
	c := New()
	for _, text := range []string{
		"there is bleeding",
		"There is BLEEDING, but we are happy and good friends at home",
		"a car accident on the highway",
		"he is unconscious",
	} {
		v := c.Classify(text)
		assert.Equal(t, MaxScore, v.Score, text)
		assert.Equal(t, TierHigh, v.Tier, text)
		assert.Contains(t, v.Recommendations, recAmbulance, text)
	}
}

func TestClassifySubstringMatching(t *testing.T) {
	v := New().Classify("I got fired today")
	assert.Contains(t, keywords(v), "fire")
	assert.Contains(t, keywords(v), "fired")
	assert.Equal(t, MaxScore, v.Score)
}

func TestClassifyDeduplicatesRepeatedKeywords(t *testing.T) {
	c := New()
	once := c.Classify("help")
	many := c.Classify("help help help")

	assert.Equal(t, once.Score, many.Score)
	assert.Equal(t, 3.45, once.Score)
	assert.Equal(t, TierMedium, once.Tier)
	assert.Len(t, many.Factors, 1)
	assert.Equal(t, 3, many.WordCount)
}

func TestClassifyMentalHealthCrisis(t *testing.T) {
	v := New().Classify("I can't go on, I feel hopeless and suicidal")

	assert.Equal(t, []string{"suicidal", "hopeless", "can't go on"}, keywords(v))
	for _, f := range v.Factors {
		assert.Equal(t, CategoryMentalHealth, f.Category)
		assert.Equal(t, TierHigh, f.Severity)
		assert.Equal(t, 3.0, f.Weight)
	}
	assert.Equal(t, 4.35, v.Score)
	assert.Equal(t, TierHigh, v.Tier)
	assert.Equal(t, "Mental Health Crisis", v.EmergencyCategory)
	assert.Contains(t, v.Recommendations, recCrisisLine)
	assert.NotContains(t, v.Recommendations, recAmbulance)
	assert.Equal(t, 9, v.WordCount)
}

func TestClassifyRoutineText(t *testing.T) {
	v := New().Classify("Great day at work, finished my project")

	assert.Equal(t, []string{"work", "project", "great"}, keywords(v))
	assert.Equal(t, 0.17, v.Score)
	assert.Equal(t, TierLow, v.Tier)
	assert.Equal(t, GeneralCategory, v.EmergencyCategory)
	assert.Equal(t, 1.0, v.Sentiment)
	assert.Equal(t, tierRecommendations[TierLow], v.Recommendations)
}

func TestClassifyHealthBoost(t *testing.T) {
	v := New().Classify("I feel sick")
	assert.Equal(t, 4.31, v.Score)
	assert.Equal(t, TierHigh, v.Tier)
	assert.Equal(t, "Medical Emergency", v.EmergencyCategory)
}

func TestClassifySupplementaryRecommendationOrder(t *testing.T) {
	v := New().Classify("I have debt and a lawsuit")

	assert.Equal(t, 1.75, v.Score)
	assert.Equal(t, TierLow, v.Tier)
	want := append(append([]string{}, tierRecommendations[TierLow]...), recFinancial, recLegal)
	assert.Equal(t, want, v.Recommendations)
}

func TestEmergencyCategoryTieBreak(t *testing.T) {
	c := New()
	assert.Equal(t, "Fire", c.Classify("pills and smoke everywhere").EmergencyCategory)
	assert.Equal(t, "Fire", c.Classify("an overdose and then a fire").EmergencyCategory)
	assert.Equal(t, "Accident", c.Classify("crash, then chest pain").EmergencyCategory)
}

func TestScoreBoundsAndTierMapping(t *testing.T) {
	c := New()
	texts := []string{
		"kill murder attack assault fight violence weapon gun knife bomb",
		"happy excited good great wonderful amazing love joy",
		"cocaine heroin theft robbery fraud",
		"the court issued a warrant for arrest",
		"my divorce and the restraining order",
		"just a normal meeting at the office",
		"!!!???",
	}
	for _, text := range texts {
		v := c.Classify(text)
		assert.GreaterOrEqual(t, v.Score, MinScore, text)
		assert.LessOrEqual(t, v.Score, MaxScore, text)
		assert.Equal(t, TierForScore(v.Score), v.Tier, text)
	}
}

func TestTierForScore(t *testing.T) {
	assert.Equal(t, TierHigh, TierForScore(4.0))
	assert.Equal(t, TierMedium, TierForScore(3.99))
	assert.Equal(t, TierMedium, TierForScore(2.0))
	assert.Equal(t, TierLow, TierForScore(1.99))
	assert.Equal(t, TierLow, TierForScore(0))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "hello world can't stop", Normalize("  Hello,   WORLD!! can't\tstop  "))
	assert.Equal(t, "a b", Normalize("a , b"))
	assert.Equal(t, "selfharm", Normalize("self-harm"))

	for _, s := range []string{"already normal text", "i can't go on", "a , b", "Mixed   CASE?!"} {
		once := Normalize(s)
		assert.Equal(t, once, Normalize(once))
	}
}

func TestSentiment(t *testing.T) {
	assert.Equal(t, 0.0, Sentiment("nothing to see"))
	assert.Equal(t, 1.0, Sentiment("good great"))
	assert.Equal(t, -1.0, Sentiment("sad and angry"))
	assert.Equal(t, 0.0, Sentiment("good but bad"))
	assert.InDelta(t, 1.0/3.0, Sentiment("good great bad"), 1e-12)
	// word level, not substring
	assert.Equal(t, 0.0, Sentiment("goodness badly"))
}

func TestUrgencyIndicators(t *testing.T) {
	assert.Equal(t, []string{"help", "now"}, New().Classify("Please help me now, now!").UrgencyIndicators)
	assert.Equal(t, []string{"!!", "Please"}, UrgencyIndicators("Please hurry!!"))
	assert.Equal(t, []string{"critical", "emergency", "help", "need help"}, UrgencyIndicators("emergency, need help, critical"))
	assert.Empty(t, UrgencyIndicators("a quiet afternoon"))
}

func TestClassifyConcurrentUse(t *testing.T) {
	c := New()
	want := c.Classify("there is a fire and someone is hurt")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got := c.Classify("there is a fire and someone is hurt")
			assert.Equal(t, want, got)
		}()
	}
	wg.Wait()
}

func TestNewTaxonomyValidation(t *testing.T) {
	base := DefaultDefinition()

	missing := DefaultDefinition()
	missing.Categories = missing.Categories[:len(missing.Categories)-1]
	_, err := NewTaxonomy(missing)
	assert.ErrorIs(t, err, ErrNegativeWeights)

	noHealth := DefaultDefinition()
	var kept []Category
	for _, c := range noHealth.Categories {
		if c.Name != CategoryHealth {
			kept = append(kept, c)
		}
	}
	noHealth.Categories = kept
	_, err = NewTaxonomy(noHealth)
	assert.ErrorIs(t, err, ErrMissingCategory)

	dup := DefaultDefinition()
	dup.Categories = append(dup.Categories, base.Categories[0])
	_, err = NewTaxonomy(dup)
	assert.ErrorIs(t, err, ErrDuplicateCategory)

	empty := DefaultDefinition()
	empty.Categories[0].Keywords = []string{"ok", "?!"}
	_, err = NewTaxonomy(empty)
	assert.ErrorIs(t, err, ErrEmptyKeyword)

	_, err = NewTaxonomy(Definition{})
	assert.ErrorIs(t, err, ErrEmptyTaxonomy)

	tax, err := NewTaxonomy(base)
	require.NoError(t, err)
	w, ok := tax.Weight(CategoryPositive)
	assert.True(t, ok)
	assert.Equal(t, -0.5, w)
	assert.Len(t, tax.Categories(), 11)
}

func TestSelfHarmKeywordMatchesAfterNormalization(t *testing.T) {
	v := New().Classify("thoughts of self-harm")
	assert.Contains(t, keywords(v), "self-harm")
	assert.Equal(t, "Mental Health Crisis", v.EmergencyCategory)
}

func TestLoadTaxonomy(t *testing.T) {
	tax, err := LoadTaxonomy("")
	require.NoError(t, err)
	assert.Same(t, DefaultTaxonomy(), tax)

	data, err := yaml.Marshal(DefaultDefinition())
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "taxonomy.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	loaded, err := LoadTaxonomy(path)
	require.NoError(t, err)
	text := "someone has a knife and there is smoke"
	assert.Equal(t, New().Classify(text), NewWithTaxonomy(loaded).Classify(text))

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("categories: []\n"), 0o644))
	_, err = LoadTaxonomy(bad)
	assert.ErrorIs(t, err, ErrEmptyTaxonomy)

	_, err = LoadTaxonomy(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
