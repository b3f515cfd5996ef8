package correlation

import "strings"

// maxCompareRunes caps the normalized text fed to sequence matching.
const maxCompareRunes = 256

// fieldProfile is one normalized text field prepared for similarity scoring.
type fieldProfile struct {
	runes  []rune
	tokens map[string]struct{}
	counts map[rune]int
}

func newFieldProfile(value string) fieldProfile {
	normalized := normalizeText(value)
	runes := []rune(normalized)
	if len(runes) > maxCompareRunes {
		runes = runes[:maxCompareRunes]
	}
	counts := make(map[rune]int, 32)
	for _, r := range runes {
		counts[r]++
	}
	return fieldProfile{runes: runes, tokens: tokenSet(normalized), counts: counts}
}

func (f fieldProfile) empty() bool {
	return len(f.runes) == 0
}

// textProfile caches the normalized title and description of one alert.
type textProfile struct {
	alertID     string
	title       fieldProfile
	description fieldProfile
}

func newTextProfile(alertID, title, description string) *textProfile {
	return &textProfile{
		alertID:     alertID,
		title:       newFieldProfile(title),
		description: newFieldProfile(description),
	}
}

// fieldSimilarity averages sequence ratio and token Jaccard of two profiled fields.
func fieldSimilarity(a, b fieldProfile) float64 {
	return (runeSequenceRatio(a.runes, b.runes) + jaccard(a.tokens, b.tokens)) / 2
}

// fieldUpperBound never undershoots fieldSimilarity; it replaces the sequence
// ratio with the shared character count, which costs O(distinct runes).
func fieldUpperBound(a, b fieldProfile) float64 {
	return (quickRatio(a, b) + jaccard(a.tokens, b.tokens)) / 2
}

func quickRatio(a, b fieldProfile) float64 {
	total := len(a.runes) + len(b.runes)
	if total == 0 {
		return 1
	}
	small, large := a.counts, b.counts
	if len(small) > len(large) {
		small, large = large, small
	}
	shared := 0
	for r, n := range small {
		shared += min(n, large[r])
	}
	return 2 * float64(shared) / float64(total)
}

// sequenceRatio returns 2*M/T where M counts characters in recursively found
// longest matching blocks and T is the combined length. Equal inputs score 1.
func sequenceRatio(a, b string) float64 {
	return runeSequenceRatio([]rune(a), []rune(b))
}

func runeSequenceRatio(a, b []rune) float64 {
	total := len(a) + len(b)
	if total == 0 {
		return 1
	}
	return 2 * float64(matchingChars(a, b)) / float64(total)
}

func matchingChars(a, b []rune) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	i, j, size := longestMatch(a, b)
	if size == 0 {
		return 0
	}
	return size + matchingChars(a[:i], b[:j]) + matchingChars(a[i+size:], b[j+size:])
}

// longestMatch finds the earliest longest common substring of a and b.
func longestMatch(a, b []rune) (int, int, int) {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	bestI, bestJ, bestSize := 0, 0, 0
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] != b[j-1] {
				curr[j] = 0
				continue
			}
			curr[j] = prev[j-1] + 1
			if curr[j] > bestSize {
				bestSize = curr[j]
				bestI = i - curr[j]
				bestJ = j - curr[j]
			}
		}
		prev, curr = curr, prev
	}
	return bestI, bestJ, bestSize
}

// tokenJaccard is |A∩B| / |A∪B| over whitespace tokens; two empty sets score 1.
func tokenJaccard(a, b string) float64 {
	return jaccard(tokenSet(a), tokenSet(b))
}

func jaccard(setA, setB map[string]struct{}) float64 {
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	if len(setA) > len(setB) {
		setA, setB = setB, setA
	}
	shared := 0
	for token := range setA {
		if _, ok := setB[token]; ok {
			shared++
		}
	}
	union := len(setA) + len(setB) - shared
	return float64(shared) / float64(union)
}

func tokenSet(value string) map[string]struct{} {
	fields := strings.Fields(value)
	out := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		out[field] = struct{}{}
	}
	return out
}

func normalizeText(value string) string {
	return strings.Join(strings.Fields(strings.ToLower(value)), " ")
}
