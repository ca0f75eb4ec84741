// Package httpapi exposes the booking workflows and read queries over HTTP.
//
// Mutating requests carry a TransactionID (in the JSON body, or as a query
// parameter for DELETE). When it is absent the server assigns a UUID. The
// id used is echoed back in every mutating response.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/photobook/core/booking"
	"github.com/sushant-115/photobook/core/coordinator"
	internaltelemetry "github.com/sushant-115/photobook/internal/telemetry"
)

const (
	DefaultAddr         = ":5000"
	DefaultReadTimeout  = 10 * time.Second
	DefaultWriteTimeout = 30 * time.Second
)

// Config controls the listener and the admission limiter. A zero RateLimit
// disables limiting.
type Config struct {
	Addr      string  `yaml:"addr"`
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// Inspector exposes coordinator state for the debug endpoint.
type Inspector interface {
	Stats() coordinator.Stats
}

type Option func(*Server)

func WithMetrics(m *internaltelemetry.APIMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithIDGenerator replaces the UUID generator used for requests without a
// TransactionID.
func WithIDGenerator(gen func() string) Option {
	return func(s *Server) { s.newID = gen }
}

type Server struct {
	cfg            Config
	svc            *booking.Service
	inspector      Inspector
	logger         *zap.Logger
	metrics        *internaltelemetry.APIMetrics
	metricsHandler http.Handler
	limiter        *rate.Limiter
	newID          func() string
	httpServer     *http.Server
}

// NewServer builds the HTTP front end. inspector may be nil, in which case
// /debug/transactions is not served.
func NewServer(cfg Config, svc *booking.Service, inspector Inspector, logger *zap.Logger, opts ...Option) (*Server, error) {
	if svc == nil {
		return nil, errors.New("httpapi: booking service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	s := &Server{
		cfg:       cfg,
		svc:       svc,
		inspector: inspector,
		logger:    logger.Named("http_api"),
		newID:     uuid.NewString,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RateLimit) + 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		m, err := internaltelemetry.NewAPIMetrics(noop.NewMeterProvider().Meter(""))
		if err != nil {
			return nil, err
		}
		s.metrics = m
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	}
	return s, nil
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "GET /health", s.handleHealth)
	s.route(mux, "POST /bookings", s.handleScheduleBooking)
	s.route(mux, "DELETE /bookings/{id}", s.handleCancelBooking)
	s.route(mux, "PUT /bookings/{id}", s.handleUpdateBooking)
	s.route(mux, "POST /availability", s.handleCreateAvailability)
	s.route(mux, "GET /photographers/availability", s.handleAvailablePhotographers)
	s.route(mux, "GET /clients/{id}/bookings", s.handleClientBookings)
	s.route(mux, "GET /clients", s.handleListClients)
	s.route(mux, "GET /photographers", s.handleListPhotographers)
	s.route(mux, "GET /photographers/{id}/available-timeslots", s.handleAvailableTimeslots)
	s.route(mux, "GET /timeslots/{id}", s.handleTimeslotDetails)
	if s.inspector != nil {
		s.route(mux, "GET /debug/transactions", s.handleDebugTransactions)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}
	return mux
}

// route registers h behind the limiter and the request instruments.
func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	attrs := metric.WithAttributes(attribute.String("route", pattern))
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if s.limiter != nil && !s.limiter.Allow() {
			s.metrics.RejectedCounter.Add(ctx, 1, attrs)
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "too many requests"})
			return
		}

		start := time.Now()
		s.metrics.RequestsStartedCounter.Add(ctx, 1, attrs)
		s.metrics.ActiveRequestsUpDownCounter.Add(ctx, 1, attrs)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			s.metrics.ActiveRequestsUpDownCounter.Add(ctx, -1, attrs)
			s.metrics.RequestLatencyHistogram.Record(ctx, time.Since(start).Milliseconds(), attrs)
			s.metrics.RequestsHandledCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("route", pattern),
				attribute.Int("code", rec.status),
			))
		}()
		h(rec, r)
	})
}

// ListenAndServe blocks until the server stops. It returns nil after Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("HTTP API listening", zap.String("addr", s.cfg.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
