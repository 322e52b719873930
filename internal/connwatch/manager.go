package connwatch

import (
	"context"
	"log/slog"
	"sync"
)

// Manager owns a set of named watchers.
type Manager struct {
	logger *slog.Logger

	mu       sync.RWMutex
	watchers map[string]*Watcher
}

// NewManager returns an empty Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger, watchers: make(map[string]*Watcher)}
}

// Watch starts a watcher that runs until ctx is cancelled or
// [Manager.Stop] is called. A watcher with the same name is stopped and
// replaced. It panics when Name is empty or not exactly one of Session
// and Probe is set.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if (cfg.Session == nil) == (cfg.Probe == nil) {
		panic("connwatch: exactly one of WatcherConfig.Session and WatcherConfig.Probe must be set")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}

	wctx, cancel := context.WithCancel(ctx)
	w := newWatcher(cfg, cancel)

	m.mu.Lock()
	old := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(wctx)
	return w
}

// Ready reports whether at least one watcher exists and all are up.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.watchers) == 0 {
		return false
	}
	for _, w := range m.watchers {
		if !w.IsReady() {
			return false
		}
	}
	return true
}

// Status returns the health of every watched service by name.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.Status()
	}
	return out
}

// Stop stops every watcher and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	ws := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.mu.RUnlock()
	for _, w := range ws {
		w.Stop()
	}
}
