package connwatch

import (
	"math/rand/v2"
	"time"
)

// Backoff is the restart schedule of a session watcher.
type Backoff struct {
	Initial time.Duration // first delay, default 2s
	Max     time.Duration // ceiling, default 60s
	Factor  float64       // growth per failed session, default 2

	// Jitter spreads each delay uniformly by up to this fraction in
	// either direction. Zero disables it.
	Jitter float64

	// ResetAfter is the uptime after which the next restart uses
	// Initial again, default 5m.
	ResetAfter time.Duration
}

// DefaultBackoff returns 2s, 4s, 8s, 16s, 32s, 60s, 60s ... with a reset
// after five minutes of uptime.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    2 * time.Second,
		Max:        60 * time.Second,
		Factor:     2,
		ResetAfter: 5 * time.Minute,
	}
}

// withDefaults fills zero fields from [DefaultBackoff].
func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Factor < 1 {
		b.Factor = d.Factor
	}
	if b.ResetAfter <= 0 {
		b.ResetAfter = d.ResetAfter
	}
	if b.Jitter < 0 || b.Jitter >= 1 {
		b.Jitter = 0
	}
	return b
}

// schedule walks a Backoff. It is not safe for concurrent use.
type schedule struct {
	b    Backoff
	cur  time.Duration
	rand func() float64 // in [0, 1)
}

func newSchedule(b Backoff) *schedule {
	b = b.withDefaults()
	return &schedule{b: b, cur: b.Initial, rand: rand.Float64}
}

// next returns the delay to wait now and grows the following one.
func (s *schedule) next() time.Duration {
	d := s.cur
	grown := time.Duration(float64(s.cur) * s.b.Factor)
	s.cur = min(grown, s.b.Max)

	if s.b.Jitter > 0 {
		spread := (s.rand()*2 - 1) * s.b.Jitter
		d = time.Duration(float64(d) * (1 + spread))
	}
	return d
}

// observe resets the schedule when a session lasted long enough.
func (s *schedule) observe(uptime time.Duration) {
	if uptime >= s.b.ResetAfter {
		s.cur = s.b.Initial
	}
}
