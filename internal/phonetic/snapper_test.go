package phonetic_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/hoa/internal/phonetic"
)

var directions = []string{"上", "下", "右", "左", "奥", "手前"}

func TestSnapper_Snap(t *testing.T) {
	t.Parallel()

	s := phonetic.NewSnapper(directions, phonetic.DirectionAliases)

	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{"exact", "下", "下"},
		{"padded", "  下。\n", "下"},
		{"contained", "答えは右です", "右"},
		{"kana reading", "ひだり", "左"},
		{"kana inside sentence", "たぶんみぎだと思う", "右"},
		{"english alias", "Down.", "下"},
		{"two-rune choice", "手前!", "手前"},
		{"earliest wins", "上、いや下", "上"},
		{"no match passes through", "わかりません", "わかりません"},
		{"empty", "", ""},
		{"punctuation only", "。。", "。。"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := s.Snap(tt.reply); got != tt.want {
				t.Errorf("Snap(%q): want %q, got %q", tt.reply, tt.want, got)
			}
		})
	}
}

func TestSnapper_PhoneticFallback(t *testing.T) {
	t.Parallel()

	s := phonetic.NewSnapper([]string{"up", "down", "left", "right"}, nil)
	if got := s.Snap("rite"); got != "right" {
		t.Errorf("want right, got %q", got)
	}
	if got := s.Snap("banana"); got != "banana" {
		t.Errorf("want unchanged, got %q", got)
	}
}

func TestSnapper_NoChoices(t *testing.T) {
	t.Parallel()

	s := phonetic.NewSnapper(nil, phonetic.DirectionAliases)
	if got := s.Snap("下"); got != "下" {
		t.Errorf("want unchanged, got %q", got)
	}
	if got := s.Choices(); len(got) != 0 {
		t.Errorf("want no choices, got %v", got)
	}
}

func TestSnapper_IgnoresAliasesOfUnknownChoices(t *testing.T) {
	t.Parallel()

	s := phonetic.NewSnapper([]string{"上", ""}, phonetic.DirectionAliases)
	if got := s.Snap("した"); got != "した" {
		t.Errorf("want alias of unconfigured choice ignored, got %q", got)
	}
	if got := s.Choices(); !slices.Equal(got, []string{"上"}) {
		t.Errorf("want [上], got %v", got)
	}
}
