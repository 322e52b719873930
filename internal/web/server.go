// Package web serves the bridge's status endpoints: health, a cover
// snapshot, a WebSocket stream of bridge events and Prometheus metrics.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tjaehnel/vlxmqttha/internal/bridge"
	"github.com/tjaehnel/vlxmqttha/internal/buildinfo"
	"github.com/tjaehnel/vlxmqttha/internal/connwatch"
	"github.com/tjaehnel/vlxmqttha/internal/events"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Config wires the server to the rest of the bridge. Nil providers
// disable their endpoint's content but not the route.
type Config struct {
	Address string
	Port    int

	// Health returns the status of each watched connection.
	Health func() map[string]connwatch.ServiceStatus
	// Covers returns the current cover snapshot.
	Covers func() []bridge.CoverStatus
	// Bus feeds /api/events.
	Bus *events.Bus
	// Metrics overrides the Prometheus handler.
	Metrics http.Handler

	Logger *slog.Logger
}

// Server is the status HTTP server.
type Server struct {
	cfg    Config
	logger *slog.Logger
	router chi.Router

	mu     sync.Mutex
	server *http.Server
	done   chan struct{}
}

// NewServer builds the router. Call [Server.Start] to listen.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = promhttp.Handler()
	}
	s := &Server{cfg: cfg, logger: cfg.Logger, done: make(chan struct{})}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.withLogging)

	r.Get("/", s.handleRoot)
	r.Get("/healthz", s.handleHealth)
	r.Get("/api/covers", s.handleCovers)
	r.Get("/api/events", s.handleEvents)
	r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	s.router = r
	return s
}

// Handler returns the server's router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr is the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Address, strconv.Itoa(s.cfg.Port))
}

// Start listens and serves until ctx is cancelled, then shuts down
// gracefully. It returns nil after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve is [Server.Start] on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.logger.Info("status server listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown status server: %w", err)
	}
	return nil
}

// Shutdown stops the server and closes event streams.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	info := buildinfo.Info()
	info["name"] = "vlxmqttha"
	info["uptime"] = buildinfo.Uptime().Round(time.Second).String()
	writeJSON(w, http.StatusOK, info, s.logger)
}

// HealthResponse is the body of /healthz.
type HealthResponse struct {
	Status   string                             `json:"status"`
	Version  string                             `json:"version"`
	Uptime   string                             `json:"uptime"`
	Services map[string]connwatch.ServiceStatus `json:"services"`
}

// handleHealth answers 200 when every watched connection is ready and
// 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:   "ok",
		Version:  buildinfo.Version,
		Uptime:   buildinfo.Uptime().Round(time.Second).String(),
		Services: map[string]connwatch.ServiceStatus{},
	}
	if s.cfg.Health != nil {
		resp.Services = s.cfg.Health()
	}

	code := http.StatusOK
	if len(resp.Services) == 0 {
		resp.Status = "starting"
		code = http.StatusServiceUnavailable
	}
	for _, st := range resp.Services {
		if !st.Ready {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, code, resp, s.logger)
}

func (s *Server) handleCovers(w http.ResponseWriter, _ *http.Request) {
	covers := []bridge.CoverStatus{}
	if s.cfg.Covers != nil {
		covers = s.cfg.Covers()
	}
	writeJSON(w, http.StatusOK, covers, s.logger)
}
