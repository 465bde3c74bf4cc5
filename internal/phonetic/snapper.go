// Package phonetic snaps free-form model replies onto a closed set of answer
// choices.
//
// Small models asked to "answer with one word" still wrap the word in
// politeness, punctuation or a reading in kana. A [Snapper] maps such a reply
// back onto the configured choice: first by containment (of the choice or one
// of its aliases), then by phonetic and fuzzy similarity via [Matcher].
// Replies that match nothing pass through unchanged.
package phonetic

import (
	"strings"
	"unicode"
)

// Option configures a [Matcher] or [Snapper].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a candidate
// that shares a Double Metaphone code with the input. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) { m.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a candidate
// without phonetic overlap. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) { m.fuzzyThreshold = threshold }
}

// DirectionAliases are kana and English readings of the built-in direction
// choices.
var DirectionAliases = map[string][]string{
	"上":  {"うえ", "ウエ", "up"},
	"下":  {"した", "シタ", "down"},
	"右":  {"みぎ", "ミギ", "right"},
	"左":  {"ひだり", "ヒダリ", "left"},
	"奥":  {"おく", "オク", "back"},
	"手前": {"てまえ", "テマエ", "front"},
}

// Snapper is safe for concurrent use.
type Snapper struct {
	choices []string
	// forms maps every surface form (choice or alias) to its choice.
	forms   map[string]string
	order   []string
	matcher *Matcher
}

// NewSnapper returns a [Snapper] for choices. aliases maps a choice to extra
// surface forms; entries for unknown choices are ignored.
func NewSnapper(choices []string, aliases map[string][]string, opts ...Option) *Snapper {
	s := &Snapper{
		forms:   make(map[string]string),
		matcher: NewMatcher(opts...),
	}
	add := func(form, choice string) {
		key := strings.ToLower(form)
		if key == "" {
			return
		}
		if _, dup := s.forms[key]; dup {
			return
		}
		s.forms[key] = choice
		s.order = append(s.order, form)
	}
	for _, c := range choices {
		if c == "" {
			continue
		}
		s.choices = append(s.choices, c)
		add(c, c)
	}
	for _, c := range s.choices {
		for _, a := range aliases[c] {
			add(a, c)
		}
	}
	return s
}

// Choices returns the configured choices.
func (s *Snapper) Choices() []string { return append([]string(nil), s.choices...) }

// Snap returns the choice reply refers to, or reply unchanged.
//
// When several forms occur in the reply the one starting earliest wins, the
// longer one on a tie.
func (s *Snapper) Snap(reply string) string {
	trimmed := strings.TrimFunc(reply, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
	if trimmed == "" || len(s.choices) == 0 {
		return reply
	}
	lower := strings.ToLower(trimmed)
	if c, ok := s.forms[lower]; ok {
		return c
	}

	bestAt, bestLen, best := -1, 0, ""
	for key, choice := range s.forms {
		at := strings.Index(lower, key)
		if at < 0 {
			continue
		}
		if bestAt < 0 || at < bestAt || (at == bestAt && len(key) > bestLen) {
			bestAt, bestLen, best = at, len(key), choice
		}
	}
	if best != "" {
		return best
	}

	if form, _, ok := s.matcher.Match(trimmed, s.order); ok {
		return s.forms[strings.ToLower(form)]
	}
	return reply
}
