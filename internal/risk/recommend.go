package risk

const recNoText = "No text provided for analysis"

var tierRecommendations = map[Tier][]string{
	TierHigh: {
		"Immediate attention required - contact emergency services or support",
		"If threat/violence: call 911 or emergency helpline",
		"If medical emergency: go to hospital or call ambulance",
		"Mental health: contact 988 or local crisis support",
	},
	TierMedium: {
		"Monitor closely, possible intervention may be required",
		"Consider seeking professional/legal/financial support",
		"Document any escalations or concerning signs",
	},
	TierLow: {
		"Situation appears safe or routine",
		"Continue monitoring, no immediate action required",
	},
}

const (
	recCrisisLine = "Mental health support: Call 988 (24/7 crisis line)"
	recAmbulance  = "Critical medical emergency detected - Call ambulance or go to ER immediately."
	recFinancial  = "Contact financial counselors or assistance programs"
	recLegal      = "Legal advice recommended from certified professionals"
)

// recommend returns the tier block followed by category supplements in a
// fixed order.
func (t *Taxonomy) recommend(tier Tier, factors []Factor) []string {
	base := tierRecommendations[tier]
	out := make([]string, 0, len(base)+4)
	out = append(out, base...)

	present := make(map[string]bool, len(factors))
	for _, f := range factors {
		present[f.Category] = true
	}
	if present[CategoryMentalHealth] {
		out = append(out, recCrisisLine)
	}
	if t.hasCriticalEmergency(factors) {
		out = append(out, recAmbulance)
	}
	if present[CategoryFinancial] {
		out = append(out, recFinancial)
	}
	if present[CategoryLegal] {
		out = append(out, recLegal)
	}
	return out
}
