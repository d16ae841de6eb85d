// Package http provides the HTTP API for visiond.
package http

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/visiond/internal/approval"
	"github.com/fyrsmithlabs/visiond/internal/logging"
	"github.com/fyrsmithlabs/visiond/internal/pipeline"
	"github.com/fyrsmithlabs/visiond/internal/registry"
	"github.com/fyrsmithlabs/visiond/internal/telemetry"
	"github.com/fyrsmithlabs/visiond/internal/workflow"
)

// maxBodySize allows a base64 reference image of a few megabytes.
const maxBodySize = "16M"

// Service is the task API the server exposes.
type Service interface {
	Submit(ctx context.Context, req pipeline.Request) (string, error)
	GetSnapshot(taskID string) (workflow.Snapshot, error)
	Watch(ctx context.Context, taskID string) (<-chan workflow.Snapshot, error)
	SubmitFeedback(ctx context.Context, taskID string, rating float64, comment string) error
	Cancel(taskID string) error
	Approve(taskID string, approved bool) error
	DeleteTask(taskID string) error
	Count() int
	ActiveCount() int
}

// HealthReporter reports the health of a dependency.
type HealthReporter interface {
	Health() telemetry.HealthStatus
}

// Server provides HTTP endpoints for visiond.
type Server struct {
	echo    *echo.Echo
	svc     Service
	logger  *logging.Logger
	config  *Config
	health  HealthReporter
	version string

	mu       sync.Mutex
	listener net.Listener
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Option configures a Server.
type Option func(*Server)

// WithMeterProvider records request metrics on mp.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Server) {
		s.echo.Use(NewHTTPMetrics(mp, s.logger).MetricsMiddleware())
	}
}

// WithHealth includes h in health responses.
func WithHealth(h HealthReporter) Option {
	return func(s *Server) { s.health = h }
}

// WithVersion sets the version reported by GET /.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// NewServer creates a new HTTP server.
func NewServer(svc Service, logger *logging.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8000,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		svc:     svc,
		logger:  logger.Named("http"),
		config:  cfg,
		version: "dev",
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(maxBodySize))
	e.Use(s.requestLogger)

	for _, opt := range opts {
		opt(s)
	}

	s.registerRoutes()
	return s, nil
}

// requestLogger attaches the request id to the context and logs the
// request once it completes.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		reqID := c.Response().Header().Get(echo.HeaderXRequestID)
		ctx := logging.WithRequestID(c.Request().Context(), reqID)
		c.SetRequest(c.Request().WithContext(ctx))

		err := next(c)
		if err != nil {
			c.Error(err)
		}

		s.logger.Info(ctx, "http request",
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		return nil
	}
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/", s.handleInfo)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/health", s.handleHealth)
	v1.POST("/generate", s.handleGenerate)
	v1.GET("/status/:task_id", s.handleStatus)
	v1.POST("/feedback", s.handleFeedback)
	v1.DELETE("/task/:task_id", s.handleDelete)
	v1.POST("/task/:task_id/cancel", s.handleCancel)
	v1.POST("/task/:task_id/approve", s.handleApprove)
	v1.GET("/tasks/:task_id/stream", s.handleStream)
}

func (s *Server) handleInfo(c echo.Context) error {
	return c.JSON(http.StatusOK, InfoResponse{
		Name:    "visiond",
		Version: s.version,
		Endpoints: map[string]string{
			"generate": "POST /api/v1/generate",
			"status":   "GET /api/v1/status/:task_id",
			"stream":   "GET /api/v1/tasks/:task_id/stream",
			"feedback": "POST /api/v1/feedback",
			"cancel":   "POST /api/v1/task/:task_id/cancel",
			"approve":  "POST /api/v1/task/:task_id/approve",
			"delete":   "DELETE /api/v1/task/:task_id",
			"health":   "GET /api/v1/health",
			"metrics":  "GET /metrics",
		},
	})
}

func (s *Server) handleHealth(c echo.Context) error {
	counts := CountTasks(s.svc)
	resp := HealthResponse{
		Status:      "healthy",
		Timestamp:   time.Now().UTC(),
		ActiveTasks: counts.Total,
		Counts:      counts,
	}
	if s.health != nil {
		h := s.health.Health()
		resp.Telemetry = &HealthInfo{Healthy: h.Healthy, Degraded: h.Degraded, Reason: h.Reason}
		if h.Degraded {
			resp.Status = "degraded"
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGenerate(c echo.Context) error {
	ctx := c.Request().Context()

	var req GenerateRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(ctx, "invalid generate request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	reference, err := decodeImage(req.ReferenceImage)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "reference_image must be base64 encoded")
	}

	monitoring := true
	if req.EnableMonitoring != nil {
		monitoring = *req.EnableMonitoring
	}

	taskID, err := s.svc.Submit(ctx, pipeline.Request{
		Prompt:         req.Prompt,
		ReferenceImage: reference,
		MaxIterations:  req.MaxIterations,
		Monitoring:     monitoring,
	})
	if err != nil {
		return s.toHTTPError(ctx, err)
	}

	return c.JSON(http.StatusOK, GenerateResponse{
		TaskID:  taskID,
		Status:  "accepted",
		Message: "Image generation started. Use /api/v1/status/" + taskID + " to check progress.",
	})
}

func (s *Server) handleStatus(c echo.Context) error {
	snap, err := s.svc.GetSnapshot(c.Param("task_id"))
	if err != nil {
		return s.toHTTPError(c.Request().Context(), err)
	}
	return c.JSON(http.StatusOK, StatusResponse(snap))
}

func (s *Server) handleFeedback(c echo.Context) error {
	ctx := c.Request().Context()

	var req FeedbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.TaskID == "" || req.Rating == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "task_id and rating are required")
	}

	if err := s.svc.SubmitFeedback(ctx, req.TaskID, *req.Rating, req.Comment); err != nil {
		return s.toHTTPError(ctx, err)
	}
	return c.JSON(http.StatusOK, MessageResponse{Message: "Feedback received", TaskID: req.TaskID})
}

func (s *Server) handleDelete(c echo.Context) error {
	taskID := c.Param("task_id")
	if err := s.svc.DeleteTask(taskID); err != nil {
		return s.toHTTPError(c.Request().Context(), err)
	}
	return c.JSON(http.StatusOK, MessageResponse{Message: "Task deleted successfully", TaskID: taskID})
}

func (s *Server) handleCancel(c echo.Context) error {
	taskID := c.Param("task_id")
	if err := s.svc.Cancel(taskID); err != nil {
		return s.toHTTPError(c.Request().Context(), err)
	}
	return c.JSON(http.StatusAccepted, MessageResponse{Message: "Cancellation requested", TaskID: taskID})
}

func (s *Server) handleApprove(c echo.Context) error {
	taskID := c.Param("task_id")

	var req ApproveRequest
	if err := c.Bind(&req); err != nil || req.Approved == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "approved is required")
	}
	if err := s.svc.Approve(taskID, *req.Approved); err != nil {
		return s.toHTTPError(c.Request().Context(), err)
	}

	msg := "Prompt rejected"
	if *req.Approved {
		msg = "Prompt approved"
	}
	return c.JSON(http.StatusOK, MessageResponse{Message: msg, TaskID: taskID})
}

// toHTTPError maps service errors to status codes.
func (s *Server) toHTTPError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, pipeline.ErrInvalidRequest), errors.Is(err, registry.ErrInvalidID):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, registry.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "Task not found")
	case errors.Is(err, pipeline.ErrNotRunning),
		errors.Is(err, approval.ErrNoPendingApproval),
		errors.Is(err, pipeline.ErrApprovalUnavailable),
		errors.Is(err, registry.ErrExists):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, pipeline.ErrShuttingDown):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error(ctx, "request failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

// decodeImage accepts raw base64 or a data URL.
func decodeImage(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	return base64.StdEncoding.DecodeString(s)
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info(context.Background(), "starting http server", zap.String("addr", ln.Addr().String()))
	s.echo.Listener = ln
	if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the listening address once Start has bound it.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
