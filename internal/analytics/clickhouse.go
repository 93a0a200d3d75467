package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/estensen/nft-sales-pipeline/internal/models"
)

const volumeTable = "sales_daily_volume"

var ErrDisabled = errors.New("clickhouse is not configured")

// ClickHouseConfig addresses the analytics warehouse. An empty Addr disables it.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
}

// NewClickHouseConnection opens and pings a ClickHouse connection.
func NewClickHouseConnection(ctx context.Context, cfg ClickHouseConfig, log *slog.Logger) (driver.Conn, error) {
	if cfg.Addr == "" {
		return nil, ErrDisabled
	}
	if cfg.Database == "" {
		cfg.Database = "default"
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("error connecting to ClickHouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ClickHouse ping failed: %w", err)
	}

	log.InfoContext(ctx, "connected to ClickHouse", slog.String("addr", cfg.Addr), slog.String("database", cfg.Database))
	return conn, nil
}

// Warehouse stores and serves daily volumes.
type Warehouse interface {
	CountForDate(ctx context.Context, date time.Time) (uint64, error)
	Load(ctx context.Context, data []models.DailyVolume) error
	FetchMetrics(ctx context.Context, date time.Time) ([]models.DailyVolume, error)
}

// ClickHouseWarehouse keeps daily volumes in a MergeTree table.
type ClickHouseWarehouse struct {
	Conn driver.Conn
}

func NewClickHouseWarehouse(conn driver.Conn) *ClickHouseWarehouse {
	return &ClickHouseWarehouse{Conn: conn}
}

// EnsureSchema creates the volume table when missing.
func (w *ClickHouseWarehouse) EnsureSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS ` + volumeTable + ` (
		date Date,
		project_id String,
		sales_count UInt64,
		total_volume_eth Float64,
		total_volume_usd Float64
	) ENGINE = MergeTree
	ORDER BY (date, project_id)
	`
	if err := w.Conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("error creating %s: %w", volumeTable, err)
	}
	return nil
}

// CountForDate returns how many rows are already loaded for the date.
func (w *ClickHouseWarehouse) CountForDate(ctx context.Context, date time.Time) (uint64, error) {
	var count uint64
	query := "SELECT count() FROM " + volumeTable + " WHERE date = ?"
	if err := w.Conn.QueryRow(ctx, query, date).Scan(&count); err != nil {
		return 0, fmt.Errorf("error querying ClickHouse: %w", err)
	}
	return count, nil
}

// Load inserts daily volumes in one batch.
func (w *ClickHouseWarehouse) Load(ctx context.Context, data []models.DailyVolume) error {
	batch, err := w.Conn.PrepareBatch(ctx, "INSERT INTO "+volumeTable+" (date, project_id, sales_count, total_volume_eth, total_volume_usd)")
	if err != nil {
		return fmt.Errorf("error preparing ClickHouse batch: %w", err)
	}

	for _, record := range data {
		if err := batch.Append(record.Date, record.ProjectID, record.SalesCount, record.TotalVolumeEth, record.TotalVolumeUSD); err != nil {
			return fmt.Errorf("error appending to ClickHouse batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("error sending batch to ClickHouse: %w", err)
	}
	return nil
}

// FetchMetrics retrieves the per-project volumes of a date.
func (w *ClickHouseWarehouse) FetchMetrics(ctx context.Context, date time.Time) ([]models.DailyVolume, error) {
	var metrics []models.DailyVolume
	query := `
	SELECT
		date,
		project_id,
		sum(sales_count) AS sales_count,
		sum(total_volume_eth) AS total_volume_eth,
		sum(total_volume_usd) AS total_volume_usd
	FROM ` + volumeTable + `
	WHERE date = ?
	GROUP BY date, project_id
	ORDER BY project_id
	`

	if err := w.Conn.Select(ctx, &metrics, query, date); err != nil {
		return nil, fmt.Errorf("error fetching daily volume: %w", err)
	}
	return metrics, nil
}
