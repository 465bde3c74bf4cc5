package endpoint_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/hoa/internal/endpoint"
)

func observeAll(t *testing.T, samples []string) []string {
	t.Helper()
	d, err := endpoint.NewDetector(endpoint.DefaultPolicy())
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	var got []string
	for _, s := range samples {
		if u, ok := d.Observe(s); ok {
			got = append(got, u)
		}
	}
	return got
}

func TestObserve(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		samples []string
		want    []string
	}{
		{
			name:    "two stable utterances",
			samples: []string{"a", "a", "b", "b", "b"},
			want:    []string{"a", "b"},
		},
		{
			name:    "empty never finalizes",
			samples: []string{"", "", ""},
			want:    nil,
		},
		{
			name:    "still changing",
			samples: []string{"あ", "あげ", "あげて"},
			want:    nil,
		},
		{
			name:    "same text after finalize needs two more stable samples",
			samples: []string{"a", "a", "a", "a"},
			want:    []string{"a", "a"},
		},
		{
			name:    "empty sample does not reset previous",
			samples: []string{"a", "", "a"},
			want:    []string{"a"},
		},
		{
			name:    "sentinel text never finalizes",
			samples: []string{"---", "---", "---"},
			want:    nil,
		},
		{
			name:    "growing then stable",
			samples: []string{"さ", "さげ", "さげて", "さげて"},
			want:    []string{"さげて"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := observeAll(t, tt.samples)
			if !slices.Equal(got, tt.want) {
				t.Errorf("want %q, got %q", tt.want, got)
			}
		})
	}
}

func TestObserve_SentinelAfterFinalize(t *testing.T) {
	t.Parallel()

	d, _ := endpoint.NewDetector(endpoint.Policy{PollInterval: time.Second, Sentinel: "#"})
	d.Observe("x")
	if _, ok := d.Observe("x"); !ok {
		t.Fatal("want finalize on second stable sample")
	}
	if got := d.Previous(); got != "#" {
		t.Errorf("want previous %q, got %q", "#", got)
	}

	d.Reset()
	if got := d.Previous(); got != "" {
		t.Errorf("want empty previous after Reset, got %q", got)
	}
}

func TestPolicyValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		policy  endpoint.Policy
		wantErr bool
	}{
		{"default", endpoint.DefaultPolicy(), false},
		{"zero interval", endpoint.Policy{Sentinel: "---"}, true},
		{"negative interval", endpoint.Policy{PollInterval: -time.Second, Sentinel: "---"}, true},
		{"empty sentinel", endpoint.Policy{PollInterval: time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("want error=%v, got %v", tt.wantErr, err)
			}
			if _, nerr := endpoint.NewDetector(tt.policy); (nerr != nil) != tt.wantErr {
				t.Errorf("NewDetector: want error=%v, got %v", tt.wantErr, nerr)
			}
		})
	}
}

func TestDefaultPolicy(t *testing.T) {
	t.Parallel()

	p := endpoint.DefaultPolicy()
	if p.PollInterval != 2*time.Second {
		t.Errorf("want 2s, got %s", p.PollInterval)
	}
	if p.Sentinel != "---" {
		t.Errorf("want ---, got %q", p.Sentinel)
	}
}
