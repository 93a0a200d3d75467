package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/estensen/nft-sales-pipeline/internal/analytics"
	"github.com/estensen/nft-sales-pipeline/internal/catalog"
	"github.com/estensen/nft-sales-pipeline/internal/config"
	"github.com/estensen/nft-sales-pipeline/internal/database"
	"github.com/estensen/nft-sales-pipeline/internal/ingest"
	"github.com/estensen/nft-sales-pipeline/internal/logging"
	"github.com/estensen/nft-sales-pipeline/internal/opensea"
	"github.com/estensen/nft-sales-pipeline/internal/price"
	"github.com/estensen/nft-sales-pipeline/internal/storage"
)

// app holds the components shared by all commands.
type app struct {
	cfg      config.Config
	log      *slog.Logger
	db       *database.Database
	projects *catalog.Catalog
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logging.New(os.Stderr, cfg.Environment, cfg.LogLevel)

	projects, err := catalog.Load(cfg.Database.ProjectsFile)
	if err != nil {
		return nil, fmt.Errorf("load projects: %w", err)
	}

	if dir := filepath.Dir(cfg.Database.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := database.Open(ctx, cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	log.Debug("application initialized",
		slog.Int("projects", projects.Len()),
		slog.String("db", cfg.Database.Path))
	return &app{cfg: cfg, log: log, db: db, projects: projects}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

func (a *app) coordinator() *ingest.Coordinator {
	upstream := a.cfg.OpenSea
	client := opensea.NewClient(opensea.Config{
		BaseURL:           upstream.BaseURL,
		PageSize:          upstream.PageSize,
		RequestsPerSecond: upstream.RequestsPerSecond,
		Retry: opensea.RetryPolicy{
			RateLimitCooldown: upstream.RateLimitCooldown,
			ErrorPause:        upstream.ErrorPause,
			MaxErrorPause:     upstream.MaxErrorPause,
			MaxAttempts:       upstream.MaxAttempts,
		},
	},
		opensea.WithKeySource(opensea.NewKeyRing(upstream.APIKeys...)),
		opensea.WithLogger(a.log.With(slog.String("component", "opensea"))),
	)

	return ingest.NewCoordinator(
		a.projects,
		client,
		a.db.Sales(),
		a.db.Checkpoints(),
		ingest.Config{
			ChunkSize:   a.cfg.Ingest.ChunkSize,
			Lookback:    a.cfg.Ingest.Lookback,
			Concurrency: a.cfg.Ingest.Concurrency,
		},
		a.log.With(slog.String("component", "ingest")),
	)
}

// warehouse connects to ClickHouse. It returns analytics.ErrDisabled when no
// address is configured.
func (a *app) warehouse(ctx context.Context) (*analytics.ClickHouseWarehouse, func(), error) {
	ch := a.cfg.ClickHouse
	conn, err := analytics.NewClickHouseConnection(ctx, analytics.ClickHouseConfig{
		Addr:     ch.Addr,
		Database: ch.Database,
		Username: ch.Username,
		Password: ch.Password,
	}, a.log)
	if err != nil {
		return nil, func() {}, err
	}

	w := analytics.NewClickHouseWarehouse(conn)
	if err := w.EnsureSchema(ctx); err != nil {
		conn.Close()
		return nil, func() {}, err
	}
	return w, func() { conn.Close() }, nil
}

// archive connects to MinIO, or returns nil when it is not configured.
func (a *app) archive(ctx context.Context) (storage.Storage, error) {
	m := a.cfg.MinIO
	store, err := storage.NewMinIOStorage(ctx, storage.MinIOConfig{
		Endpoint:  m.Endpoint,
		AccessKey: m.AccessKey,
		SecretKey: m.SecretKey,
		Bucket:    m.Bucket,
		UseSSL:    m.UseSSL,
	}, a.log.With(slog.String("component", "storage")))
	if errors.Is(err, storage.ErrDisabled) {
		a.log.Info("object storage not configured, skipping CSV archive")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return store, nil
}

func (a *app) batchJob(warehouse analytics.Warehouse, archive storage.Storage) *analytics.BatchJob {
	coins := price.NewCoinGeckoAPI(a.cfg.CoinGecko.BaseURL, a.log.With(slog.String("component", "price")))
	return analytics.NewBatchJob(a.db.Sales(), coins, warehouse, archive, a.log.With(slog.String("component", "analytics")))
}
