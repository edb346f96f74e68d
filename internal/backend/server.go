// Package backend is the reference receiving end of the reporting port. It
// records started attempts, reported violations and submitted scores in
// SQLite and lists them back for review.
//
// The three report routes accept exactly the shapes the exam client sends.
// A violation or submission whose start report never arrived still gets an
// attempt row: the client treats every report as best-effort, so the
// backend does not insist on ordering.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"proctord/internal/health"
	"proctord/internal/logging"
	"proctord/internal/metrics"
	"proctord/internal/report"
	"proctord/internal/security"
	"proctord/internal/store"
)

// Server defaults.
const (
	DefaultRatePerSec   = 20
	DefaultBurst        = 40
	DefaultMaxBodyBytes = 64 << 10
	RetryAfterSeconds   = 1
)

// Config tunes the HTTP surface.
type Config struct {
	RatePerSec   float64
	Burst        int
	MaxBodyBytes int64
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		RatePerSec:   DefaultRatePerSec,
		Burst:        DefaultBurst,
		MaxBodyBytes: DefaultMaxBodyBytes,
	}
}

// Deps are the collaborators of a Server. Store is required.
type Deps struct {
	Store     *store.Store
	Validator *report.Validator
	Registry  *metrics.Registry
	Health    *health.Checker
	Logger    *slog.Logger

	// NewID returns attempt identifiers for reports without one.
	NewID func() string
	Now   func() time.Time
}

// Server handles the backend routes.
type Server struct {
	cfg       Config
	store     *store.Store
	validator *report.Validator
	registry  *metrics.Registry
	metrics   *metrics.BackendMetrics
	health    *health.Checker
	limiter   *security.ClientLimiter
	logger    *slog.Logger
	newID     func() string
	now       func() time.Time

	handler http.Handler
}

// New wires a Server around deps.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Store == nil {
		return nil, errors.New("backend: store is required")
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = DefaultRatePerSec
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if deps.Validator == nil {
		v, err := report.NewValidator()
		if err != nil {
			return nil, fmt.Errorf("backend: %w", err)
		}
		deps.Validator = v
	}
	if deps.Registry == nil {
		deps.Registry = metrics.NewRegistry("proctord")
	}
	if deps.Health == nil {
		deps.Health = health.NewChecker()
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	s := &Server{
		cfg:       cfg,
		store:     deps.Store,
		validator: deps.Validator,
		registry:  deps.Registry,
		metrics:   metrics.NewBackendMetrics(deps.Registry),
		health:    deps.Health,
		limiter:   security.NewClientLimiter(cfg.RatePerSec, cfg.Burst),
		logger:    logging.OrDefault(deps.Logger).With("component", "backend"),
		newID:     deps.NewID,
		now:       deps.Now,
	}

	s.health.RegisterFunc("database", true, health.PingCheck("database", s.store.Ping))
	s.health.RegisterFunc("records", false, health.StatsCheck(func(ctx context.Context) (map[string]interface{}, error) {
		st, err := s.store.Stats(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"attempts":   st.Attempts,
			"violations": st.Violations,
			"results":    st.Results,
		}, nil
	}))

	s.handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	reports := http.NewServeMux()
	reports.HandleFunc("POST "+report.PathStart, s.handleStart)
	reports.HandleFunc("POST "+report.PathViolation, s.handleViolation)
	reports.HandleFunc("POST "+report.PathSubmit, s.handleSubmit)
	reports.HandleFunc("GET /attempts", s.handleListAttempts)
	reports.HandleFunc("GET /attempts/{id}", s.handleGetAttempt)

	mux := http.NewServeMux()
	mux.Handle("GET /healthz", s.health.Handler())
	mux.Handle("GET /livez", s.health.LivenessHandler())
	mux.Handle("GET /metrics", s.registry.HTTPHandler())
	mux.Handle("/", s.limiter.Middleware(reports, s.rateLimited))

	return s.withRequestID(s.instrument(mux))
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Metrics returns the backend counters.
func (s *Server) Metrics() *metrics.BackendMetrics {
	return s.metrics
}

// SetRate changes the per-client request limit.
func (s *Server) SetRate(perSecond float64, burst int) {
	s.limiter.SetRate(perSecond, burst)
	s.logger.Info("rate limit updated", "per_second", perSecond, "burst", burst)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go s.limiter.Run(security.DefaultCleanupInterval)
	defer s.limiter.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.health.SetReady(true)
	s.logger.Info("backend listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		s.health.SetReady(false)
		return err
	case <-ctx.Done():
	}

	s.health.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) rateLimited(w http.ResponseWriter, r *http.Request) {
	s.metrics.RateLimited.Inc()
	w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds))
	writeProblem(w, r, http.StatusTooManyRequests, "Rate limit exceeded.")
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(report.HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(report.HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(logging.ContextWithRequestID(r.Context(), id)))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		s.metrics.RequestsTotal.Inc()
		s.metrics.RequestDuration.ObserveDuration(time.Since(start))
		if sw.status >= 400 && sw.status < 500 && sw.status != http.StatusTooManyRequests {
			s.metrics.RejectedTotal.Inc()
		}
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", time.Since(start),
			"request_id", logging.RequestIDFromContext(r.Context()),
		)
	})
}

// readBody reads and schema-checks a report body.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request, path string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeProblem(w, r, http.StatusRequestEntityTooLarge, "Request body too large.")
			return nil, false
		}
		writeBadRequest(w, r, "Unreadable request body.")
		return nil, false
	}
	if err := s.validator.Validate(path, data); err != nil {
		writeBadRequest(w, r, err.Error())
		return nil, false
	}
	return data, true
}
