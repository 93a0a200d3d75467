package ingest

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/estensen/nft-sales-pipeline/internal/catalog"
	"github.com/estensen/nft-sales-pipeline/internal/database"
	"github.com/estensen/nft-sales-pipeline/internal/metrics"
	"github.com/estensen/nft-sales-pipeline/internal/models"
	"github.com/estensen/nft-sales-pipeline/internal/normalizer"
)

const (
	DefaultChunkSize   = 3 * 24 * time.Hour
	DefaultLookback    = 10 * 24 * time.Hour
	DefaultConcurrency = 4

	skipOutOfWindow = "out_of_window"
	skipMalformed   = "malformed"
)

var ErrUnknownProject = catalog.ErrUnknownProject

// ProjectCatalog resolves tracked projects by id.
type ProjectCatalog interface {
	Get(id string) (models.Project, error)
}

// EventFetcher yields the raw events of a project within [start, end).
type EventFetcher interface {
	Events(ctx context.Context, project models.Project, start, end time.Time) iter.Seq2[models.AssetEvent, error]
}

// SaleStore is the write side of sale persistence used during ingestion.
type SaleStore interface {
	InsertIfAbsent(ctx context.Context, sale models.Sale) (bool, error)
}

// CheckpointStore tracks per-project watermarks.
type CheckpointStore interface {
	Get(ctx context.Context, key string) (models.Checkpoint, error)
	Create(ctx context.Context, key string, watermark time.Time) error
	Advance(ctx context.Context, key string, expected, next time.Time) error
}

// Config tunes the coordinator.
type Config struct {
	// ChunkSize bounds each upstream query window. It must be small enough
	// that no chunk holds more events than the upstream can page through.
	ChunkSize time.Duration
	// Lookback seeds the first watermark of projects without a launch time.
	Lookback time.Duration
	// Concurrency bounds how many distinct projects IngestAll runs at once.
	Concurrency int
}

// Result summarizes one ingestion run.
type Result struct {
	RunID      string         `json:"runId"`
	ProjectID  string         `json:"projectId"`
	From       time.Time      `json:"from"`
	To         time.Time      `json:"to"`
	Chunks     int            `json:"chunks"`
	Fetched    int            `json:"fetched"`
	Inserted   int            `json:"inserted"`
	Duplicates int            `json:"duplicates"`
	Skipped    map[string]int `json:"skipped"`
}

// Coordinator drives incremental ingestion for projects of the catalog.
// Runs for one project must not overlap; distinct projects may run concurrently.
type Coordinator struct {
	projects    ProjectCatalog
	fetcher     EventFetcher
	sales       SaleStore
	checkpoints CheckpointStore
	cfg         Config
	log         *slog.Logger
	now         func() time.Time
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator wires the ingestion components together.
func NewCoordinator(projects ProjectCatalog, fetcher EventFetcher, sales SaleStore, checkpoints CheckpointStore, cfg Config, log *slog.Logger, opts ...Option) *Coordinator {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if log == nil {
		log = slog.Default()
	}

	c := &Coordinator{
		projects:    projects,
		fetcher:     fetcher,
		sales:       sales,
		checkpoints: checkpoints,
		cfg:         cfg,
		log:         log,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ingest fetches and persists the project's new sales and returns how many
// were newly stored.
func (c *Coordinator) Ingest(ctx context.Context, projectID string) (int, error) {
	res, err := c.Run(ctx, projectID)
	return res.Inserted, err
}

// Run ingests [watermark, now) for the project. The watermark advances to the
// run's start time only when every chunk succeeded; sales stored by earlier
// chunks of a failed run are kept and the next run retries the whole window.
func (c *Coordinator) Run(ctx context.Context, projectID string) (Result, error) {
	res := Result{
		RunID:     uuid.NewString(),
		ProjectID: projectID,
		Skipped:   map[string]int{},
	}

	project, err := c.projects.Get(projectID)
	if err != nil {
		return res, err
	}

	log := c.log.With(slog.String("run_id", res.RunID), slog.String("project", project.ID))
	started := time.Now()
	runStart := c.now().UTC().Truncate(time.Second)

	watermark, err := c.loadWatermark(ctx, project, runStart)
	if err != nil {
		c.finish(log, &res, started, err)
		return res, err
	}
	res.From, res.To = watermark, runStart

	if !runStart.After(watermark) {
		log.InfoContext(ctx, "watermark is current, nothing to ingest", slog.Time("watermark", watermark))
		c.finish(log, &res, started, nil)
		return res, nil
	}

	log.InfoContext(ctx, "persisting sales data",
		slog.Int64("from", watermark.Unix()),
		slog.Int64("to", runStart.Unix()))

	chunks := SplitWindow(watermark, runStart, c.cfg.ChunkSize)
	for _, chunk := range chunks {
		if err := c.ingestChunk(ctx, log, project, chunk, runStart, &res); err != nil {
			err = fmt.Errorf("project %s window [%d, %d): %w", project.ID, chunk.Start.Unix(), chunk.End.Unix(), err)
			c.finish(log, &res, started, err)
			return res, err
		}
		res.Chunks++
	}

	if err := c.checkpoints.Advance(ctx, project.ID, watermark, runStart); err != nil {
		err = fmt.Errorf("project %s: %w", project.ID, err)
		c.finish(log, &res, started, err)
		return res, err
	}

	c.finish(log, &res, started, nil)
	return res, nil
}

// loadWatermark returns the stored watermark, creating the checkpoint from the
// launch time or the lookback window on first use.
func (c *Coordinator) loadWatermark(ctx context.Context, project models.Project, now time.Time) (time.Time, error) {
	cp, err := c.checkpoints.Get(ctx, project.ID)
	if err == nil {
		return cp.Watermark, nil
	}
	if !errors.Is(err, database.ErrCheckpointNotFound) {
		return time.Time{}, err
	}

	seed := project.LaunchTime()
	if seed.IsZero() {
		seed = now.Add(-c.cfg.Lookback)
	}

	err = c.checkpoints.Create(ctx, project.ID, seed)
	if errors.Is(err, database.ErrCheckpointExists) {
		cp, err := c.checkpoints.Get(ctx, project.ID)
		if err != nil {
			return time.Time{}, err
		}
		return cp.Watermark, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return seed, nil
}

func (c *Coordinator) ingestChunk(ctx context.Context, log *slog.Logger, project models.Project, chunk Chunk, runStart time.Time, res *Result) error {
	log.DebugContext(ctx, "getting sales data for window",
		slog.Int64("occurred_after", chunk.Start.Unix()),
		slog.Int64("occurred_before", chunk.End.Unix()))

	inserted := 0
	for event, err := range c.fetcher.Events(ctx, project, chunk.Start, chunk.End) {
		if err != nil {
			return err
		}
		res.Fetched++
		metrics.EventsFetchedTotal.WithLabelValues(project.ID).Inc()

		sale, err := normalizer.Normalize(project, event)
		if err != nil {
			reason := skipMalformed
			var skip *normalizer.SkipError
			if errors.As(err, &skip) {
				reason = string(skip.Reason)
			} else {
				log.WarnContext(ctx, "dropping malformed event", slog.Any("error", err))
			}
			c.skip(res, reason)
			continue
		}

		if !sale.Timestamp.Before(runStart) {
			log.WarnContext(ctx, "dropping event after run start",
				slog.Int64("event_id", sale.EventID),
				slog.Time("timestamp", sale.Timestamp))
			c.skip(res, skipOutOfWindow)
			continue
		}

		ok, err := c.sales.InsertIfAbsent(ctx, sale)
		if err != nil {
			return err
		}
		if !ok {
			res.Duplicates++
			metrics.SalesDuplicateTotal.WithLabelValues(project.ID).Inc()
			log.DebugContext(ctx, "duplicate in database", slog.Int64("event_id", sale.EventID))
			continue
		}
		inserted++
		res.Inserted++
		metrics.SalesInsertedTotal.WithLabelValues(project.ID).Inc()
	}

	log.InfoContext(ctx, "persisted events for window",
		slog.Int("inserted", inserted),
		slog.Int64("occurred_after", chunk.Start.Unix()),
		slog.Int64("occurred_before", chunk.End.Unix()))
	return nil
}

func (c *Coordinator) skip(res *Result, reason string) {
	res.Skipped[reason]++
	metrics.EventsSkippedTotal.WithLabelValues(reason).Inc()
}

func (c *Coordinator) finish(log *slog.Logger, res *Result, started time.Time, err error) {
	status := "success"
	if err != nil {
		status = "failed"
	}
	metrics.RunsTotal.WithLabelValues(res.ProjectID, status).Inc()
	metrics.RunDuration.WithLabelValues(res.ProjectID).Observe(time.Since(started).Seconds())

	attrs := []any{
		slog.Int("chunks", res.Chunks),
		slog.Int("fetched", res.Fetched),
		slog.Int("inserted", res.Inserted),
		slog.Int("duplicates", res.Duplicates),
		slog.Any("skipped", res.Skipped),
		slog.Duration("elapsed", time.Since(started)),
	}
	if err != nil {
		log.Error("ingestion run failed, checkpoint not advanced", append(attrs, slog.Any("error", err))...)
		return
	}
	log.Info("ingestion run complete", append(attrs, slog.Time("watermark", res.To))...)
}

// IngestAll runs the given projects concurrently, bounded by Config.Concurrency.
// A failing project does not stop its siblings; all failures are joined into
// the returned error.
func (c *Coordinator) IngestAll(ctx context.Context, projectIDs []string) (map[string]Result, error) {
	var (
		mu      sync.Mutex
		results = make(map[string]Result, len(projectIDs))
		errs    []error
		seen    = make(map[string]struct{}, len(projectIDs))
	)

	var g errgroup.Group
	g.SetLimit(c.cfg.Concurrency)
	for _, id := range projectIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		g.Go(func() error {
			res, err := c.Run(ctx, id)

			mu.Lock()
			defer mu.Unlock()
			results[id] = res
			if err != nil {
				errs = append(errs, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return results, errors.Join(errs...)
}
