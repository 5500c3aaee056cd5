package stt

import (
	"testing"
	"time"
)

func TestBackoffPolicy_Delay(t *testing.T) {
	p := BackoffPolicy{Base: time.Second, Max: 30 * time.Second, MaxAttempts: 10}

	tests := []struct {
		attempt int
		want    time.Duration
		ok      bool
	}{
		{1, 1 * time.Second, true},
		{2, 2 * time.Second, true},
		{3, 4 * time.Second, true},
		{4, 8 * time.Second, true},
		{5, 16 * time.Second, true},
		{6, 30 * time.Second, true}, // capped
		{10, 30 * time.Second, true},
		{11, 0, false}, // attempts exhausted
		{0, 0, false},
	}

	for _, tt := range tests {
		got, ok := p.Delay(tt.attempt)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Delay(%d) = (%v, %v), want (%v, %v)", tt.attempt, got, ok, tt.want, tt.ok)
		}
	}
}

func TestBackoffPolicy_Defaults(t *testing.T) {
	var p BackoffPolicy

	d, ok := p.Delay(1)
	if !ok || d != DefaultBackoffBase {
		t.Errorf("Delay(1) = (%v, %v), want (%v, true)", d, ok, DefaultBackoffBase)
	}
	if _, ok := p.Delay(DefaultMaxAttempts + 1); ok {
		t.Error("expected exhaustion beyond the default attempt bound")
	}
}
