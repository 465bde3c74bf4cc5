// Package endpoint decides when a user has finished speaking.
//
// There is no audio-energy signal involved. A [Detector] is sampled on a fixed
// cadence with the latest whole-segment transcript and finalizes an utterance
// once the text has not changed between two consecutive samples. A pause of
// one poll interval mid-sentence therefore ends the utterance early; that
// behaviour is part of the contract.
package endpoint

import (
	"errors"
	"fmt"
	"time"
)

// Defaults for [DefaultPolicy].
const (
	DefaultPollInterval = 2 * time.Second
	DefaultSentinel     = "---"
)

var (
	// ErrEmptyFinalize classifies an utterance that finalized to the empty
	// string. Such utterances are never submitted.
	ErrEmptyFinalize = errors.New("endpoint: empty finalize")

	// ErrDuplicateFinalize classifies an utterance whose stable text was
	// already submitted.
	ErrDuplicateFinalize = errors.New("endpoint: duplicate finalize")
)

// Policy configures the debounce.
type Policy struct {
	// PollInterval is the time between two samples. Must be > 0.
	PollInterval time.Duration

	// Sentinel is stored as the previous sample right after a finalize so the
	// same unchanged text cannot finalize again. It must never be a plausible
	// transcript.
	Sentinel string
}

// DefaultPolicy returns a 2s poll with the "---" sentinel.
func DefaultPolicy() Policy {
	return Policy{PollInterval: DefaultPollInterval, Sentinel: DefaultSentinel}
}

// Validate reports every problem with p.
func (p Policy) Validate() error {
	var errs []error
	if p.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("endpoint: poll interval must be > 0, got %s", p.PollInterval))
	}
	if p.Sentinel == "" {
		errs = append(errs, errors.New("endpoint: sentinel must not be empty"))
	}
	return errors.Join(errs...)
}

// Detector is the fixed-interval debounce state machine. It is not safe for
// concurrent use; the owner serialises calls to [Detector.Observe].
type Detector struct {
	policy   Policy
	previous string
}

// NewDetector returns a detector for policy p.
func NewDetector(p Policy) (*Detector, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Detector{policy: p}, nil
}

// Policy returns the detector's configuration.
func (d *Detector) Policy() Policy { return d.policy }

// Observe feeds one sample and reports whether it finalizes an utterance.
//
//   - empty current: nothing changes, nothing is emitted
//   - current equals the previous sample and is not the sentinel: finalize,
//     previous becomes the sentinel
//   - otherwise: previous becomes current
func (d *Detector) Observe(current string) (utterance string, finalized bool) {
	if current == "" {
		return "", false
	}
	if current == d.previous && current != d.policy.Sentinel {
		d.previous = d.policy.Sentinel
		return current, true
	}
	d.previous = current
	return "", false
}

// Previous returns the remembered sample.
func (d *Detector) Previous() string { return d.previous }

// Reset forgets the previous sample.
func (d *Detector) Reset() { d.previous = "" }
