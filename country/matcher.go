/*
matcher.go - Pluggable fuzzy-matching strategy

PURPOSE:
  The last resolution stage matches a raw country string against every known
  candidate (canonical names + aliases). The strategy is an interface so the
  edit-distance matcher can be swapped for phonetic or embedding-based
  matching without touching the precedence order in normalizer.go.

DUAL THRESHOLD:
  Similarity alone over-accepts long strings with proportionally large edits;
  an absolute distance cap bounds false positives on short country names
  (3-5 characters). Both must pass.
*/
package country

import (
	"github.com/texttheater/golang-levenshtein/levenshtein"
)

// Matcher finds the best candidate for an input string, or reports no
// acceptable match.
type Matcher interface {
	// Best returns the closest candidate and a confidence in [0, 1].
	// ok is false when no candidate clears the acceptance thresholds.
	Best(input string, candidates []string) (match string, confidence float64, ok bool)
}

// LevenshteinMatcher accepts the nearest candidate by edit distance when
// normalized similarity >= MinConfidence AND raw distance <= MaxDistance.
type LevenshteinMatcher struct {
	MinConfidence float64
	MaxDistance   int
}

// DefaultMatcher returns the production thresholds.
func DefaultMatcher() *LevenshteinMatcher {
	return &LevenshteinMatcher{MinConfidence: 0.8, MaxDistance: 5}
}

func (m *LevenshteinMatcher) Best(input string, candidates []string) (string, float64, bool) {
	if len(candidates) == 0 {
		return "", 0, false
	}

	best := ""
	bestDist := -1
	for _, c := range candidates {
		d := levenshtein.DistanceForStrings([]rune(input), []rune(c), levenshtein.DefaultOptionsWithSub)
		if bestDist < 0 || d < bestDist {
			best = c
			bestDist = d
		}
	}

	maxLen := len([]rune(input))
	if l := len([]rune(best)); l > maxLen {
		maxLen = l
	}
	if maxLen == 0 {
		return "", 0, false
	}

	confidence := 1 - float64(bestDist)/float64(maxLen)
	if confidence < m.MinConfidence || bestDist > m.MaxDistance {
		return "", 0, false
	}
	return best, confidence, true
}
