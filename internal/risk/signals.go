package risk

import (
	"regexp"
	"sort"
	"strings"
)

var (
	positiveWords = wordSet("good", "great", "happy", "love", "excellent", "wonderful", "amazing", "fantastic", "positive", "success")
	negativeWords = wordSet("bad", "terrible", "awful", "hate", "horrible", "disgusting", "negative", "failure", "sad", "angry")

	urgencyPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(now|immediately|urgent|emergency|asap|right now|help)\b`),
		regexp.MustCompile(`(?i)\b(can't wait|need help|critical|emergency)\b`),
		regexp.MustCompile(`!{2,}`),
		regexp.MustCompile(`(?i)\b(please|help|urgent|emergency)\b.*!`),
	}
)

func wordSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// Sentiment returns (pos-neg)/(pos+neg) over whole-word matches, or 0 when
// neither list occurs.
func Sentiment(normalized string) float64 {
	var pos, neg int
	for _, w := range strings.Fields(normalized) {
		if _, ok := positiveWords[w]; ok {
			pos++
		}
		if _, ok := negativeWords[w]; ok {
			neg++
		}
	}
	if pos+neg == 0 {
		return 0
	}
	return float64(pos-neg) / float64(pos+neg)
}

// UrgencyIndicators returns the distinct urgency fragments found in text,
// sorted. For patterns with a capture group the group is reported, else the
// whole match.
func UrgencyIndicators(text string) []string {
	seen := make(map[string]struct{})
	for _, re := range urgencyPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			frag := m[0]
			if len(m) > 1 {
				frag = m[1]
			}
			seen[frag] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
