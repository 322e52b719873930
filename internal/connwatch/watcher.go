package connwatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tjaehnel/vlxmqttha/internal/metrics"
)

// ErrSessionEnded is recorded when a session returns nil while the
// watcher is still running.
var ErrSessionEnded = errors.New("connwatch: session ended")

// SessionFunc runs one session. It calls ready once the service is
// usable and returns when the session ends. It must return promptly
// when ctx is cancelled.
type SessionFunc func(ctx context.Context, ready func()) error

// ProbeFunc reports whether a service is reachable.
type ProbeFunc func(ctx context.Context) error

// State is the health of a watched service.
type State int

const (
	StateStarting State = iota // not yet up since the watcher started
	StateUp
	StateDown
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateUp:
		return "up"
	case StateDown:
		return "down"
	}
	return "unknown"
}

// WatcherConfig configures a watcher. Exactly one of Session and Probe
// must be set.
type WatcherConfig struct {
	Name string

	Session SessionFunc
	Probe   ProbeFunc

	Backoff Backoff

	// Probe mode timing. Defaults: 15s interval, 10s timeout.
	PollInterval time.Duration
	ProbeTimeout time.Duration

	// OnChange is called in its own goroutine after every transition
	// between up and not up. err is nil when the service came up.
	OnChange func(state State, err error)

	Logger *slog.Logger
}

// ServiceStatus is the health of one service as served by /healthz.
type ServiceStatus struct {
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Ready     bool      `json:"ready"`
	Since     time.Time `json:"since"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	Restarts  int64     `json:"restarts"`
}

// Watcher supervises a single service.
type Watcher struct {
	cfg    WatcherConfig
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	state     State
	since     time.Time
	lastCheck time.Time
	lastErr   error
	restarts  int64
}

func newWatcher(cfg WatcherConfig, cancel context.CancelFunc) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	cfg.Backoff = cfg.Backoff.withDefaults()
	return &Watcher{
		cfg:    cfg,
		logger: cfg.Logger.With("service", cfg.Name),
		cancel: cancel,
		done:   make(chan struct{}),
		state:  StateStarting,
		since:  time.Now(),
	}
}

// IsReady reports whether the service is up.
func (w *Watcher) IsReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == StateUp
}

// Status returns a snapshot of the service health.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := ServiceStatus{
		Name:      w.cfg.Name,
		State:     w.state.String(),
		Ready:     w.state == StateUp,
		Since:     w.since,
		LastCheck: w.lastCheck,
		Restarts:  w.restarts,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher, including a running session, and waits
// for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	if w.cfg.Session != nil {
		w.superviseSessions(ctx)
	} else {
		w.poll(ctx)
	}
}

// transition records the outcome of a check and moves to up when err
// is nil or down otherwise. It reports whether the state changed.
func (w *Watcher) transition(err error) bool {
	next := StateUp
	if err != nil {
		next = StateDown
	}

	w.mu.Lock()
	w.lastCheck = time.Now()
	w.lastErr = err
	prev := w.state
	changed := prev != next && (next == StateUp || prev == StateUp)
	if prev != next {
		w.state = next
		w.since = w.lastCheck
	}
	w.mu.Unlock()

	if changed && w.cfg.OnChange != nil {
		go w.cfg.OnChange(next, err)
	}
	return changed
}

// superviseSessions restarts the session with backoff until ctx ends.
func (w *Watcher) superviseSessions(ctx context.Context) {
	sched := newSchedule(w.cfg.Backoff)

	for attempt := 1; ; attempt++ {
		started := time.Now()
		err := w.cfg.Session(ctx, func() {
			if w.transition(nil) {
				w.logger.Info("service connected", "attempt", attempt)
			}
		})
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = ErrSessionEnded
		}
		if w.transition(err) {
			attempt = 0
		}
		sched.observe(time.Since(started))
		delay := sched.next()

		w.mu.Lock()
		w.restarts++
		w.mu.Unlock()
		metrics.SessionRestarts.WithLabelValues(w.cfg.Name).Inc()
		w.logger.Warn("session ended, restarting",
			"uptime", time.Since(started).Round(time.Millisecond).String(),
			"retry_in", delay.Round(time.Millisecond).String(),
			"error", err,
		)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// poll runs the probe every PollInterval and logs transitions.
func (w *Watcher) poll(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		pctx, cancel := context.WithTimeout(ctx, w.cfg.ProbeTimeout)
		err := w.cfg.Probe(pctx)
		cancel()
		if ctx.Err() != nil {
			return
		}

		switch changed := w.transition(err); {
		case changed && err == nil:
			w.logger.Info("service ready")
		case changed:
			w.logger.Info("service became unreachable", "error", err)
		case err != nil:
			w.logger.Debug("service still unreachable", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
