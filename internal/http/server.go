// Package http serves the remedyd intake endpoints and the read-only
// remediation status API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/dispatch"
	"github.com/fyrsmithlabs/remedyd/internal/fingerprint"
	"github.com/fyrsmithlabs/remedyd/internal/intake"
	"github.com/fyrsmithlabs/remedyd/internal/ledger"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/pipeline"
)

// minPrefix is the shortest signature prefix the status lookup accepts.
const minPrefix = 8

// Intake classifies inbound deliveries.
type Intake interface {
	Handle(r *http.Request) (intake.Decision, error)
	HandleGeneric(r *http.Request) (intake.Decision, error)
}

// StatusSource reads ledger entries.
type StatusSource interface {
	Get(ctx context.Context, sig fingerprint.Signature) (ledger.Entry, error)
	List(ctx context.Context) ([]ledger.Entry, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Host         string
	Port         int
	MaxBodyBytes int64
	RateLimit    float64
	RateBurst    int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Gatherer backs /metrics. Default: prometheus.DefaultGatherer
	Gatherer prometheus.Gatherer
}

// Server provides HTTP endpoints for remedyd.
type Server struct {
	echo       *echo.Echo
	intake     Intake
	dispatcher dispatch.Dispatcher
	status     StatusSource
	limiter    *intake.Limiter
	metrics    *HTTPMetrics
	logger     *logging.Logger
	config     *Config
}

// NewServer creates a new HTTP server.
func NewServer(in Intake, d dispatch.Dispatcher, status StatusSource, logger *logging.Logger, cfg *Config) (*Server, error) {
	if in == nil {
		return nil, fmt.Errorf("intake cannot be nil")
	}
	if d == nil {
		return nil, fmt.Errorf("dispatcher cannot be nil")
	}
	if status == nil {
		return nil, fmt.Errorf("status source cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = cfg.ReadTimeout
	e.Server.WriteTimeout = cfg.WriteTimeout

	s := &Server{
		echo:       e,
		intake:     in,
		dispatcher: d,
		status:     status,
		limiter:    intake.NewLimiter(cfg.RateLimit, cfg.RateBurst),
		metrics:    NewHTTPMetrics(logger.Underlying()),
		logger:     logger.Named("http"),
		config:     cfg,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.metrics.MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			s.logger.Debug(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s.registerRoutes()
	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{})))

	s.echo.POST("/webhook", s.handleWebhook, s.admit)

	v1 := s.echo.Group("/api/v1")
	v1.POST("/failures", s.handleFailure, s.admit)
	v1.GET("/remediations", s.handleList)
	v1.GET("/remediations/:signature", s.handleStatus)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// admit applies the per-IP rate limit and the body cap to intake routes.
func (s *Server) admit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ip := intake.ClientIP(c.Request())
		if !s.limiter.Allow(ip) {
			s.logger.Warn(c.Request().Context(), "rate limit exceeded", zap.String("ip", ip))
			s.metrics.reject(c, "rate_limited")
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		}
		req := c.Request()
		req.Body = http.MaxBytesReader(c.Response(), req.Body, s.config.MaxBodyBytes)
		return next(c)
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleWebhook(c echo.Context) error {
	d, err := s.intake.Handle(c.Request())
	return s.accept(c, d, err)
}

func (s *Server) handleFailure(c echo.Context) error {
	d, err := s.intake.HandleGeneric(c.Request())
	return s.accept(c, d, err)
}

func (s *Server) accept(c echo.Context, d intake.Decision, err error) error {
	ctx := c.Request().Context()
	switch {
	case errors.Is(err, pipeline.ErrAuthentication):
		s.metrics.reject(c, "auth")
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
	case errors.Is(err, intake.ErrInvalidEvent):
		s.metrics.reject(c, "invalid")
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case err != nil:
		s.logger.Error(ctx, "intake failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}

	if !d.Accepted {
		return c.JSON(http.StatusAccepted, IntakeResponse{Status: "skipped", Reason: d.Skipped})
	}

	// The run must outlive the request.
	if err := s.dispatcher.Submit(context.WithoutCancel(ctx), d.Event); err != nil {
		switch {
		case errors.Is(err, dispatch.ErrQueueFull), errors.Is(err, dispatch.ErrClosed):
			s.logger.Warn(ctx, "dispatch refused event", zap.String("key", d.Event.Key()), zap.Error(err))
			s.metrics.reject(c, "queue_full")
			c.Response().Header().Set("Retry-After", "30")
			return echo.NewHTTPError(http.StatusServiceUnavailable, "remediation queue is full")
		default:
			s.logger.Error(ctx, "dispatch failed", zap.String("key", d.Event.Key()), zap.Error(err))
			return echo.NewHTTPError(http.StatusBadGateway, "could not schedule remediation")
		}
	}
	return c.JSON(http.StatusAccepted, IntakeResponse{Status: "accepted", Key: d.Event.Key()})
}

func (s *Server) handleList(c echo.Context) error {
	ctx := c.Request().Context()
	entries, err := s.status.List(ctx)
	if err != nil {
		s.logger.Error(ctx, "listing remediations", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "ledger unavailable")
	}

	state := strings.ToUpper(c.QueryParam("state"))
	repo := c.QueryParam("repository")
	out := RemediationList{Remediations: []RemediationStatus{}}
	for _, e := range entries {
		if state != "" && string(e.State) != state {
			continue
		}
		if repo != "" && e.Repository != repo {
			continue
		}
		out.Remediations = append(out.Remediations, StatusFromEntry(e))
	}
	sort.Slice(out.Remediations, func(i, j int) bool {
		return out.Remediations[i].UpdatedAt.After(out.Remediations[j].UpdatedAt)
	})
	out.Count = len(out.Remediations)
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleStatus(c echo.Context) error {
	ctx := c.Request().Context()
	raw := strings.ToLower(c.Param("signature"))

	if fingerprint.Valid(raw) {
		e, err := s.status.Get(ctx, fingerprint.Signature(raw))
		if errors.Is(err, ledger.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "remediation not found")
		}
		if err != nil {
			s.logger.Error(ctx, "reading remediation", zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "ledger unavailable")
		}
		return c.JSON(http.StatusOK, StatusFromEntry(e))
	}

	if len(raw) < minPrefix || !isHex(raw) {
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("signature must be hex with at least %d characters", minPrefix))
	}
	entries, err := s.status.List(ctx)
	if err != nil {
		s.logger.Error(ctx, "listing remediations", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "ledger unavailable")
	}
	var match []ledger.Entry
	for _, e := range entries {
		if strings.HasPrefix(string(e.Signature), raw) {
			match = append(match, e)
		}
	}
	switch len(match) {
	case 0:
		return echo.NewHTTPError(http.StatusNotFound, "remediation not found")
	case 1:
		return c.JSON(http.StatusOK, StatusFromEntry(match[0]))
	default:
		return echo.NewHTTPError(http.StatusConflict, fmt.Sprintf("prefix %s matches %d remediations", raw, len(match)))
	}
}

func isHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
