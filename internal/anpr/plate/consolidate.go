package plate

import (
	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"
	"gonum.org/v1/gonum/stat"
)

// DefaultRatioThreshold is the 0-100 fuzzy similarity ratio a normalized
// reading must exceed against a cluster representative to join that cluster.
const DefaultRatioThreshold = 88

// Reading is one (text, confidence) pair fed to Consolidate.
type Reading struct {
	Text       string
	Confidence float64
}

// Consolidate reduces an ordered buffer of noisy readings to the single best
// (text, confidence) pair.
//
// Readings are normalized, then greedily clustered: each string joins the
// first cluster whose representative (first member) it resembles above
// ratioThreshold, otherwise it opens a new cluster. Clusters are scored as
// sum(confidence) + 0.2*size, which favours strings seen often over a single
// high-confidence outlier. Within the winning cluster the most frequent
// exact string wins, and its confidence is the mean over its occurrences.
//
// The result is returned regardless of frequency; the caller applies its own
// acceptance threshold. Empty input (after normalization and the MinLen
// filter) yields ("", 0). The function is deterministic for a fixed buffer.
func Consolidate(readings []Reading, ratioThreshold int) (string, float64) {
	if ratioThreshold <= 0 {
		ratioThreshold = DefaultRatioThreshold
	}

	normalized := make([]Reading, 0, len(readings))
	for _, r := range readings {
		text := Normalize(r.Text)
		if len(text) < MinLen {
			continue
		}
		normalized = append(normalized, Reading{Text: text, Confidence: r.Confidence})
	}
	if len(normalized) == 0 {
		return "", 0
	}

	var clusters [][]Reading
	for _, r := range normalized {
		joined := false
		for i := range clusters {
			rep := clusters[i][0].Text
			if fuzzy.Ratio(r.Text, rep) > ratioThreshold {
				clusters[i] = append(clusters[i], r)
				joined = true
				break
			}
		}
		if !joined {
			clusters = append(clusters, []Reading{r})
		}
	}

	best := clusters[0]
	bestScore := clusterScore(best)
	for _, c := range clusters[1:] {
		if s := clusterScore(c); s > bestScore {
			best, bestScore = c, s
		}
	}

	// Majority vote within the winning cluster; frequency ties go to the
	// lexicographically greater string so the result stays deterministic.
	freq := make(map[string]int, len(best))
	for _, r := range best {
		freq[r.Text]++
	}
	var bestText string
	bestCount := -1
	for text, count := range freq {
		if count > bestCount || (count == bestCount && text > bestText) {
			bestText, bestCount = text, count
		}
	}

	confs := make([]float64, 0, bestCount)
	for _, r := range best {
		if r.Text == bestText {
			confs = append(confs, r.Confidence)
		}
	}
	return bestText, stat.Mean(confs, nil)
}

func clusterScore(c []Reading) float64 {
	sum := 0.0
	for _, r := range c {
		sum += r.Confidence
	}
	return sum + 0.2*float64(len(c))
}
