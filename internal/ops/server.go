// Package ops exposes the operational HTTP surface: health, Prometheus
// metrics, study control, and pool statistics.
package ops

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

	"github.com/fyrsmithlabs/bentham/internal/bentham"
	"github.com/fyrsmithlabs/bentham/internal/config"
	"github.com/fyrsmithlabs/bentham/internal/credential"
	"github.com/fyrsmithlabs/bentham/internal/orchestrator"
	"github.com/fyrsmithlabs/bentham/internal/session"
)

// StudyService is the orchestrator surface the ops API drives.
type StudyService interface {
	SubmitStudy(ctx context.Context, study *bentham.Study) (*orchestrator.SubmitReceipt, error)
	GetStudyStatus(studyID string) (*orchestrator.StudyReport, error)
	CancelStudy(ctx context.Context, studyID string) bool
	PauseStudy(studyID string) error
	ResumeStudy(studyID string) error
}

// Server serves the ops API.
type Server struct {
	echo    *echo.Echo
	logger  *zap.Logger
	cfg     config.ServerConfig
	studies StudyService
	creds   *credential.Manager
	// sessions may be nil when the deployment runs API-only surfaces.
	sessions *session.Pool
	gatherer prometheus.Gatherer
}

// NewServer wires routes and middleware. studies is required; creds,
// sessions, and gatherer degrade their endpoints gracefully when nil.
func NewServer(cfg config.ServerConfig, studies StudyService, creds *credential.Manager, sessions *session.Pool, gatherer prometheus.Gatherer, logger *zap.Logger) (*Server, error) {
	if studies == nil {
		return nil, errors.New("study service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger).Middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:     e,
		logger:   logger,
		cfg:      cfg,
		studies:  studies,
		creds:    creds,
		sessions: sessions,
		gatherer: gatherer,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	v1 := s.echo.Group("/api/v1")
	v1.POST("/studies", s.handleSubmitStudy)
	v1.GET("/studies/:id", s.handleStudyStatus)
	v1.DELETE("/studies/:id", s.handleCancelStudy)
	v1.POST("/studies/:id/pause", s.handlePauseStudy)
	v1.POST("/studies/:id/resume", s.handleResumeStudy)
	v1.GET("/credentials", s.handleCredentialStats)
	v1.GET("/sessions", s.handleSessionStats)
	v1.GET("/sessions/forecast", s.handleSessionForecast)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleSubmitStudy(c echo.Context) error {
	var study bentham.Study
	if err := c.Bind(&study); err != nil {
		s.logger.Warn("invalid study submission", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	receipt, err := s.studies.SubmitStudy(c.Request().Context(), &study)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return c.JSON(http.StatusAccepted, receipt)
}

func (s *Server) handleStudyStatus(c echo.Context) error {
	report, err := s.studies.GetStudyStatus(c.Param("id"))
	if err != nil {
		if errors.Is(err, orchestrator.ErrStudyNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) handleCancelStudy(c echo.Context) error {
	if !s.studies.CancelStudy(c.Request().Context(), c.Param("id")) {
		return echo.NewHTTPError(http.StatusNotFound, "study not found or already terminal")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handlePauseStudy(c echo.Context) error {
	if err := s.studies.PauseStudy(c.Param("id")); err != nil {
		if errors.Is(err, orchestrator.ErrStudyNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleResumeStudy(c echo.Context) error {
	if err := s.studies.ResumeStudy(c.Param("id")); err != nil {
		if errors.Is(err, orchestrator.ErrStudyNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleCredentialStats(c echo.Context) error {
	if s.creds == nil {
		return c.JSON(http.StatusOK, []credential.Stats{})
	}
	return c.JSON(http.StatusOK, s.creds.Stats())
}

func (s *Server) handleSessionStats(c echo.Context) error {
	if s.sessions == nil {
		return c.JSON(http.StatusOK, session.Stats{})
	}
	return c.JSON(http.StatusOK, s.sessions.Stats())
}

func (s *Server) handleSessionForecast(c echo.Context) error {
	if s.sessions == nil {
		return c.JSON(http.StatusOK, map[string]session.Forecast{})
	}
	return c.JSON(http.StatusOK, s.sessions.GetExpiryForecast())
}

// Start serves until Shutdown. Blocks.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.logger.Info("starting ops server", zap.String("addr", addr))
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down ops server")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
