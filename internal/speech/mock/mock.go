// Package mock provides a recording [speech.Speaker].
package mock

import (
	"sync"

	"github.com/MrWong99/hoa/internal/speech"
)

// Speaker records every call. Safe for concurrent use.
type Speaker struct {
	mu       sync.Mutex
	texts    []string
	silences int
}

var (
	_ speech.Speaker  = (*Speaker)(nil)
	_ speech.Silencer = (*Speaker)(nil)
)

// Speak records text.
func (s *Speaker) Speak(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
}

// Silence records the call.
func (s *Speaker) Silence() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silences++
}

// Spoken returns every spoken text in order.
func (s *Speaker) Spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

// SilenceCount returns the number of Silence calls.
func (s *Speaker) SilenceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.silences
}
