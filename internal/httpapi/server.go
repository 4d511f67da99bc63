// Package httpapi provides the HTTP front door for circuitd.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/circuitd/internal/artifacts"
	"github.com/fyrsmithlabs/circuitd/internal/logging"
	"github.com/fyrsmithlabs/circuitd/internal/pipeline"
	"github.com/fyrsmithlabs/circuitd/internal/task"
)

// Server exposes task submission, status polling, and artifact retrieval.
type Server struct {
	echo       *echo.Echo
	controller *pipeline.Controller
	registry   *task.Registry
	store      *artifacts.Store
	logger     *logging.Logger
	config     *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// contentTypes maps artifact kinds to response content types.
var contentTypes = map[string]string{
	"hex":       "text/plain; charset=utf-8",
	"source":    "text/plain; charset=utf-8",
	"schematic": "application/json",
	"netlist":   "application/json",
}

// NewServer creates the front door. The gatherer backs /metrics; pass nil
// to use the default Prometheus gatherer.
func NewServer(controller *pipeline.Controller, registry *task.Registry, store *artifacts.Store, gatherer prometheus.Gatherer, logger *logging.Logger, cfg *Config) (*Server, error) {
	if controller == nil {
		return nil, fmt.Errorf("controller cannot be nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("artifact store cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 9210}
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			req := c.Request()
			rid := c.Response().Header().Get(echo.HeaderXRequestID)
			c.SetRequest(req.WithContext(logging.ContextWithRequestID(req.Context(), rid)))

			err := next(c)

			logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return err
		}
	})

	s := &Server{
		echo:       e,
		controller: controller,
		registry:   registry,
		store:      store,
		logger:     logger,
		config:     cfg,
	}
	s.registerRoutes(gatherer)
	return s, nil
}

func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(
		promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/designs", s.handleSubmit)
	v1.GET("/designs/:id", s.handleStatus)
	v1.GET("/designs/:id/artifacts/:kind", s.handleArtifact)
	v1.DELETE("/designs/:id", s.handleCancel)
}

// SubmitRequest is the body for POST /api/v1/designs.
type SubmitRequest struct {
	SpecText     string   `json:"spec_text"`
	Expectations []string `json:"expectations,omitempty"`
}

// SubmitResponse acknowledges an accepted design request.
type SubmitResponse struct {
	TaskID string `json:"task_id"`
	State  string `json:"state"`
}

// StatusResponse is the body for GET /api/v1/designs/:id.
type StatusResponse struct {
	TaskID             string            `json:"task_id"`
	State              string            `json:"state"`
	LatestResponseText string            `json:"latest_response_text,omitempty"`
	Artifacts          map[string]string `json:"artifacts,omitempty"`
	Error              string            `json:"error,omitempty"`
	ReviseAttempts     int               `json:"revise_attempts"`
	CompileAttempts    int               `json:"compile_attempts"`
	SimulateAttempts   int               `json:"simulate_attempts"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// HealthResponse is the body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleSubmit accepts a design request and returns immediately; the
// pipeline runs in the background.
func (s *Server) handleSubmit(c echo.Context) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid design request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.SpecText == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "spec_text field is required")
	}

	rec, err := s.controller.Submit(req.SpecText, req.Expectations)
	if err != nil {
		s.logger.Warn(c.Request().Context(), "design submission rejected", zap.Error(err))
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	return c.JSON(http.StatusAccepted, SubmitResponse{
		TaskID: rec.ID,
		State:  string(rec.State),
	})
}

// handleStatus returns a consistent snapshot of the task, safely callable
// while the controller is mid-transition.
func (s *Server) handleStatus(c echo.Context) error {
	rec, err := s.registry.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "unknown task")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "reading task")
	}

	resp := StatusResponse{
		TaskID:           rec.ID,
		State:            string(rec.State),
		Artifacts:        rec.Artifacts,
		Error:            rec.Error,
		ReviseAttempts:   rec.ReviseAttempts,
		CompileAttempts:  rec.CompileAttempts,
		SimulateAttempts: rec.SimulateAttempts,
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
	}
	if v, ok := rec.LatestVersion(); ok {
		resp.LatestResponseText = v.Source
	}
	return c.JSON(http.StatusOK, resp)
}

// handleArtifact serves a stored artifact. Artifacts exist only for tasks
// that reached DONE; anything else is a 404.
func (s *Server) handleArtifact(c echo.Context) error {
	rec, err := s.registry.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "unknown task")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "reading task")
	}
	if rec.State != task.StateDone {
		return echo.NewHTTPError(http.StatusNotFound, "task has no artifacts")
	}

	kind := c.Param("kind")
	ref, ok := rec.Artifacts[kind]
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no such artifact kind")
	}

	data, err := s.store.Open(ref)
	if err != nil {
		if errors.Is(err, artifacts.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "artifact missing from store")
		}
		s.logger.Error(c.Request().Context(), "reading artifact",
			zap.String("task.id", rec.ID),
			zap.String("ref", ref),
			zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "reading artifact")
	}

	contentType := contentTypes[kind]
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return c.Blob(http.StatusOK, contentType, data)
}

// handleCancel requests cancellation; the pipeline records the task as
// failed at its next suspension point.
func (s *Server) handleCancel(c echo.Context) error {
	if err := s.controller.Cancel(c.Param("id")); err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "unknown task")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "cancelling task")
	}
	return c.NoContent(http.StatusAccepted)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
