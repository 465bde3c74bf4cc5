package phonetic_test

import (
	"testing"

	"github.com/MrWong99/hoa/internal/phonetic"
)

func TestMatcher_PhoneticMatch(t *testing.T) {
	t.Parallel()

	m := phonetic.NewMatcher()
	corrected, conf, matched := m.Match("elder nacks", []string{"Eldrinax", "Grimjaw"})
	if !matched {
		t.Fatal("want match")
	}
	if corrected != "Eldrinax" {
		t.Errorf("want Eldrinax, got %q", corrected)
	}
	if conf < 0.7 {
		t.Errorf("want confidence >= 0.7, got %f", conf)
	}
}

func TestMatcher_NoMatch(t *testing.T) {
	t.Parallel()

	m := phonetic.NewMatcher()
	corrected, conf, matched := m.Match("hello", []string{"Eldrinax", "Grimjaw"})
	if matched {
		t.Fatalf("want no match, got %q", corrected)
	}
	if corrected != "hello" || conf != 0 {
		t.Errorf("want input unchanged with zero confidence, got %q %f", corrected, conf)
	}
}

func TestMatcher_EmptyInputs(t *testing.T) {
	t.Parallel()

	m := phonetic.NewMatcher()
	if _, _, ok := m.Match("", []string{"up"}); ok {
		t.Error("empty word: want no match")
	}
	if _, _, ok := m.Match("up", nil); ok {
		t.Error("no candidates: want no match")
	}
}

func TestMatcher_Thresholds(t *testing.T) {
	t.Parallel()

	strict := phonetic.NewMatcher(phonetic.WithPhoneticThreshold(0.99), phonetic.WithFuzzyThreshold(0.99))
	if _, _, ok := strict.Match("rite", []string{"right"}); ok {
		t.Error("want strict thresholds to reject rite/right")
	}
	loose := phonetic.NewMatcher(phonetic.WithPhoneticThreshold(0.5))
	if got, _, ok := loose.Match("rite", []string{"left", "right"}); !ok || got != "right" {
		t.Errorf("want right, got %q (matched %v)", got, ok)
	}
}
