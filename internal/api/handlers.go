package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/estensen/nft-sales-pipeline/internal/analytics"
	"github.com/estensen/nft-sales-pipeline/internal/catalog"
	"github.com/estensen/nft-sales-pipeline/internal/database"
	"github.com/estensen/nft-sales-pipeline/internal/ingest"
	"github.com/estensen/nft-sales-pipeline/internal/models"
	"github.com/estensen/nft-sales-pipeline/internal/opensea"
)

const (
	defaultRecent   = 10
	maxRecent       = 1000
	defaultWindow   = 24 * time.Hour
	defaultSalesAge = 7 * 24 * time.Hour
)

type projectView struct {
	models.Project
	CollectionURL string `json:"collectionUrl"`
}

type saleView struct {
	models.Sale
	AssetURL string `json:"assetUrl"`
}

type ingestResponse struct {
	Count  int           `json:"count"`
	Recent []saleView    `json:"recent"`
	Run    ingest.Result `json:"run"`
}

type projectSalesResponse struct {
	ProjectID string                   `json:"projectId"`
	Start     time.Time                `json:"start"`
	End       time.Time                `json:"end"`
	Window    string                   `json:"window"`
	Sales     []saleView               `json:"sales"`
	Stats     []analytics.RollingPoint `json:"stats"`
}

func (s *Server) handleListProjects(c echo.Context) error {
	projects := s.deps.Projects.Projects()
	views := make([]projectView, 0, len(projects))
	for _, p := range projects {
		views = append(views, projectView{Project: p, CollectionURL: opensea.CollectionURL(p.Collection)})
	}
	return c.JSON(http.StatusOK, views)
}

func (s *Server) handleIngest(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	res, err := s.deps.Ingester.Run(ctx, id)
	if err != nil {
		return ingestError(err)
	}

	recent, err := s.deps.Sales.QueryMostRecent(ctx, res.Inserted)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, ingestResponse{
		Count:  res.Inserted,
		Recent: s.views(recent),
		Run:    res,
	})
}

func ingestError(err error) error {
	switch {
	case errors.Is(err, catalog.ErrUnknownProject):
		return echo.NewHTTPError(http.StatusNotFound, err.Error()).SetInternal(err)
	case errors.Is(err, database.ErrWatermarkConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error()).SetInternal(err)
	case errors.Is(err, opensea.ErrOffsetExhausted), errors.Is(err, opensea.ErrRetriesExhausted):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error()).SetInternal(err)
	default:
		return err
	}
}

func (s *Server) handleRecentSales(c echo.Context) error {
	n := defaultRecent
	if raw := c.QueryParam("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "n must be a non-negative integer")
		}
		n = min(v, maxRecent)
	}

	sales, err := s.deps.Sales.QueryMostRecent(c.Request().Context(), n)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.views(sales))
}

func (s *Server) handleProjectSales(c echo.Context) error {
	end := s.now().UTC()
	if raw := c.QueryParam("end"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid end: "+err.Error())
		}
		end = t
	}

	start := end.Add(-defaultSalesAge)
	if raw := c.QueryParam("start"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid start: "+err.Error())
		}
		start = t
	}
	if !start.Before(end) {
		return echo.NewHTTPError(http.StatusBadRequest, "start must be before end")
	}

	window := defaultWindow
	if raw := c.QueryParam("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "window must be a positive duration")
		}
		window = d
	}

	id := c.Param("id")
	sales, err := s.deps.Sales.QueryByProjectAndRange(c.Request().Context(), id, start, end)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, projectSalesResponse{
		ProjectID: id,
		Start:     start,
		End:       end,
		Window:    window.String(),
		Sales:     s.views(sales),
		Stats:     analytics.RollingStats(sales, window),
	})
}

func (s *Server) handleAnalytics(c echo.Context) error {
	if s.deps.Volumes == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "analytics warehouse is not configured")
	}

	dateStr := c.QueryParam("date")
	if dateStr == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing 'date' query parameter")
	}
	date, err := time.Parse(time.DateOnly, dateStr)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid date format, use YYYY-MM-DD")
	}

	metrics, err := s.deps.Volumes.FetchMetrics(c.Request().Context(), date)
	if err != nil {
		return err
	}
	if metrics == nil {
		metrics = []models.DailyVolume{}
	}
	return c.JSON(http.StatusOK, metrics)
}

func (s *Server) views(sales []models.Sale) []saleView {
	views := make([]saleView, 0, len(sales))
	for _, sale := range sales {
		views = append(views, saleView{
			Sale:     sale,
			AssetURL: opensea.AssetURL(s.deps.Projects.AssetAddress(sale.ProjectID), sale.TokenID),
		})
	}
	return views
}

// parseTime accepts RFC 3339, a plain date or unix seconds.
func parseTime(raw string) (time.Time, error) {
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
