package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"

	"github.com/estensen/nft-sales-pipeline/internal/ingest"
	"github.com/estensen/nft-sales-pipeline/internal/models"
)

// Ingester runs one ingestion pass for a project.
type Ingester interface {
	Run(ctx context.Context, projectID string) (ingest.Result, error)
}

// SaleReader serves stored sales.
type SaleReader interface {
	QueryByProjectAndRange(ctx context.Context, projectID string, start, end time.Time) ([]models.Sale, error)
	QueryMostRecent(ctx context.Context, n int) ([]models.Sale, error)
}

// ProjectCatalog lists tracked projects and resolves asset addresses.
type ProjectCatalog interface {
	Projects() []models.Project
	AssetAddress(projectID string) string
}

// VolumeReader serves daily volumes. It is optional.
type VolumeReader interface {
	FetchMetrics(ctx context.Context, date time.Time) ([]models.DailyVolume, error)
}

// Deps are the components behind the API.
type Deps struct {
	Projects ProjectCatalog
	Ingester Ingester
	Sales    SaleReader
	Volumes  VolumeReader
	Gatherer prometheus.Gatherer
}

// Server holds the Echo instance.
type Server struct {
	e    *echo.Echo
	deps Deps
	log  *slog.Logger
	now  func() time.Time
}

// New creates a new server with all routes registered.
func New(log *slog.Logger, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = goccySerializer{}

	e.Use(slogecho.New(log))
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{e: e, deps: deps, log: log, now: time.Now}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	if s.deps.Gatherer != nil {
		s.e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	api := s.e.Group("/api/v1")
	api.GET("/projects", s.handleListProjects)
	api.POST("/projects/:id/ingest", s.handleIngest)
	api.GET("/projects/:id/sales", s.handleProjectSales)
	api.GET("/sales/recent", s.handleRecentSales)
	api.GET("/analytics", s.handleAnalytics)
}

// ServeHTTP lets the server be mounted or tested as a plain handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.e.ServeHTTP(w, r)
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.log.Info("API server is running", slog.String("addr", addr))
	if err := s.e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}
