package connwatch

import (
	"testing"
	"time"
)

func TestDefaultBackoff_Schedule(t *testing.T) {
	s := newSchedule(DefaultBackoff())
	want := []time.Duration{2, 4, 8, 16, 32, 60, 60}
	for i, w := range want {
		if got := s.next(); got != w*time.Second {
			t.Errorf("delay %d = %v, want %v", i, got, w*time.Second)
		}
	}
}

func TestSchedule_ResetAfterLongSession(t *testing.T) {
	s := newSchedule(Backoff{Initial: time.Second, Max: time.Minute, Factor: 2, ResetAfter: time.Minute})
	s.next()
	s.next()

	s.observe(30 * time.Second)
	if got := s.next(); got != 4*time.Second {
		t.Errorf("after short session = %v, want 4s", got)
	}

	s.observe(2 * time.Minute)
	if got := s.next(); got != time.Second {
		t.Errorf("after long session = %v, want 1s", got)
	}
}

func TestSchedule_Jitter(t *testing.T) {
	tests := []struct {
		name string
		r    float64
		want time.Duration
	}{
		{"low", 0, 8 * time.Second},
		{"middle", 0.5, 10 * time.Second},
		{"high", 0.75, 11 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSchedule(Backoff{Initial: 10 * time.Second, Jitter: 0.2})
			s.rand = func() float64 { return tt.r }
			if got := s.next(); got != tt.want {
				t.Errorf("next() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBackoff_WithDefaults(t *testing.T) {
	b := Backoff{Initial: 5 * time.Second, Max: time.Second, Factor: 0.5, Jitter: 3}.withDefaults()
	if b.Max != 5*time.Second {
		t.Errorf("Max = %v, want raised to Initial", b.Max)
	}
	if b.Factor != 2 {
		t.Errorf("Factor = %v, want 2", b.Factor)
	}
	if b.Jitter != 0 {
		t.Errorf("Jitter = %v, want 0", b.Jitter)
	}
	if b.ResetAfter != 5*time.Minute {
		t.Errorf("ResetAfter = %v, want 5m", b.ResetAfter)
	}
}
