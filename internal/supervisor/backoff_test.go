package supervisor

import (
	"testing"
	"time"
)

func intPtr(v int) *int { return &v }

func TestDefaultBackoffConfig(t *testing.T) {
	cfg := DefaultBackoffConfig()

	if cfg.Initial != 5*time.Second {
		t.Errorf("Initial = %v, want 5s", cfg.Initial)
	}
	if cfg.Max != time.Minute {
		t.Errorf("Max = %v, want 1m", cfg.Max)
	}
	if cfg.Multiplier != 1.7 {
		t.Errorf("Multiplier = %v, want 1.7", cfg.Multiplier)
	}
	if cfg.JitterPct != 0.2 {
		t.Errorf("JitterPct = %v, want 0.2", cfg.JitterPct)
	}
}

func TestNewBackoff_Normalizes(t *testing.T) {
	b := NewBackoff(1, BackoffConfig{Initial: time.Second, Max: 0, Multiplier: 0.5})
	if b.config.Multiplier != 1 {
		t.Errorf("Multiplier = %v, want 1", b.config.Multiplier)
	}
	if b.config.Max != time.Second {
		t.Errorf("Max = %v, want 1s", b.config.Max)
	}
}

func TestBackoff_Exponential(t *testing.T) {
	b := NewBackoff(0, BackoffConfig{
		Initial:    100 * time.Millisecond,
		Max:        time.Second,
		Multiplier: 2,
	})

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second, // capped
		time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("attempt %d: delay = %v, want %v", i, got, w)
		}
	}
	if b.Attempts() != len(want) {
		t.Errorf("Attempts() = %d, want %d", b.Attempts(), len(want))
	}

	b.Reset()
	if got := b.Calculate(); got != 100*time.Millisecond {
		t.Errorf("after Reset delay = %v, want 100ms", got)
	}
}

func TestBackoff_JitterBounds(t *testing.T) {
	cfg := BackoffConfig{
		Initial:    time.Second,
		Max:        time.Second,
		Multiplier: 1,
		JitterPct:  0.4,
	}
	b := NewBackoff(42, cfg)

	for i := 0; i < 1000; i++ {
		d := b.Next()
		if d < 800*time.Millisecond || d > 1200*time.Millisecond {
			t.Fatalf("delay %v outside ±20%% of 1s", d)
		}
	}
}

func TestBackoff_DeterministicForSeed(t *testing.T) {
	a := NewBackoff(7, DefaultBackoffConfig())
	b := NewBackoff(7, DefaultBackoffConfig())

	for i := 0; i < 10; i++ {
		if x, y := a.Next(), b.Next(); x != y {
			t.Fatalf("attempt %d: %v != %v", i, x, y)
		}
	}
}

func TestBackoff_CalculateDoesNotAdvance(t *testing.T) {
	b := NewBackoff(0, BackoffConfig{Initial: time.Second, Max: time.Minute, Multiplier: 2})
	b.Calculate()
	b.Calculate()
	if b.Attempts() != 0 {
		t.Errorf("Attempts() = %d, want 0", b.Attempts())
	}
}

func TestShouldReset(t *testing.T) {
	tests := []struct {
		name       string
		uptime     time.Duration
		exitStatus *int
		want       bool
	}{
		{"clean exit", time.Second, intPtr(0), true},
		{"quick failure", time.Second, intPtr(1), false},
		{"signaled quickly", time.Second, nil, false},
		{"long failure", BackoffResetThreshold, intPtr(1), true},
		{"long signaled", time.Hour, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldReset(tt.uptime, tt.exitStatus); got != tt.want {
				t.Errorf("ShouldReset() = %v, want %v", got, tt.want)
			}
		})
	}
}
