package guardian

import "strings"

// negativeLexicon and positiveLexicon are the deterministic word lists the
// compound sentiment score sums over. This is intentionally a simple
// lexical scorer, not a model call: Guardian risk scoring must be
// deterministic and auditable.
var negativeLexicon = map[string]float64{
	"angry": -0.6, "furious": -0.8, "frustrated": -0.5, "upset": -0.5,
	"hate": -0.7, "terrible": -0.6, "awful": -0.6, "worst": -0.7,
	"unacceptable": -0.6, "disgusted": -0.7, "ridiculous": -0.5,
	"lawsuit": -0.6, "sue": -0.6, "cancel": -0.3, "refund": -0.2,
	"scam": -0.8, "fraud": -0.8, "threat": -0.7, "kill": -0.9,
	"hurt": -0.6, "suicide": -0.9, "die": -0.7, "worthless": -0.7,
}

var positiveLexicon = map[string]float64{
	"thanks": 0.4, "thank": 0.4, "great": 0.5, "good": 0.3,
	"appreciate": 0.5, "happy": 0.5, "excellent": 0.6, "love": 0.6,
	"perfect": 0.6, "wonderful": 0.6,
}

// CompoundScore returns a sentiment score in [-1, 1] for text: the mean of
// every lexicon word's weight found in the lowercased token stream. Text
// with no lexicon hits scores 0 (neutral).
func CompoundScore(text string) float64 {
	words := strings.Fields(strings.ToLower(text))
	var sum float64
	var hits int
	for _, w := range words {
		w = strings.Trim(w, ".,!?;:\"'")
		if score, ok := negativeLexicon[w]; ok {
			sum += score
			hits++
			continue
		}
		if score, ok := positiveLexicon[w]; ok {
			sum += score
			hits++
		}
	}
	if hits == 0 {
		return 0
	}
	avg := sum / float64(hits)
	if avg > 1 {
		avg = 1
	}
	if avg < -1 {
		avg = -1
	}
	return avg
}
