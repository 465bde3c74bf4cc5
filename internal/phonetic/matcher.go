package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Matcher ranks candidates by Double Metaphone overlap and Jaro-Winkler
// similarity. It is read-only after construction.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// NewMatcher returns a [Matcher] with thresholds of 0.70 for phonetic
// candidates and 0.85 for plain fuzzy candidates.
func NewMatcher(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match returns the candidate closest to word. word may be a phrase. When
// nothing clears a threshold, matched is false and corrected equals word.
//
// A candidate sharing a Double Metaphone code with word needs the phonetic
// threshold; any other candidate needs the higher fuzzy threshold and only
// wins while no phonetic candidate has been found. Scripts without a
// metaphone encoding (kana, kanji) therefore only ever match fuzzily.
func (m *Matcher) Match(word string, candidates []string) (corrected string, confidence float64, matched bool) {
	wordLower := strings.ToLower(strings.TrimSpace(word))
	if len(candidates) == 0 || wordLower == "" {
		return word, 0, false
	}
	wordTokens := strings.Fields(wordLower)
	wordCodes := codes(wordTokens)

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)
	for _, c := range candidates {
		cLower := strings.ToLower(strings.TrimSpace(c))
		if cLower == "" {
			continue
		}
		cTokens := strings.Fields(cLower)
		score := similarity(wordTokens, cTokens, wordLower, cLower)

		if overlaps(wordCodes, codes(cTokens)) {
			if score >= m.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				best, bestScore, bestPhonetic = c, score, true
			}
			continue
		}
		if !bestPhonetic && score >= m.fuzzyThreshold && score > bestScore {
			best, bestScore = c, score
		}
	}
	if best == "" {
		return word, 0, false
	}
	return best, bestScore, true
}

// codes is the union of both Double Metaphone encodings of every token.
func codes(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			set[p] = struct{}{}
		}
		if s != "" {
			set[s] = struct{}{}
		}
	}
	return set
}

func overlaps(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// similarity is the best Jaro-Winkler score over the full strings, the
// strings with spaces removed, and every token pair.
func similarity(aTokens, bTokens []string, a, b string) float64 {
	score := matchr.JaroWinkler(a, b, false)
	if len(aTokens) > 1 || len(bTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(aTokens, ""), strings.Join(bTokens, ""), false); s > score {
			score = s
		}
	}
	for _, at := range aTokens {
		for _, bt := range bTokens {
			if s := matchr.JaroWinkler(at, bt, false); s > score {
				score = s
			}
		}
	}
	return score
}
