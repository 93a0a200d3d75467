package analytics

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/estensen/nft-sales-pipeline/internal/models"
	"github.com/estensen/nft-sales-pipeline/internal/price"
	"github.com/estensen/nft-sales-pipeline/internal/storage"
)

var ErrAlreadyLoaded = errors.New("daily volume already loaded")

// SaleReader reads stored sales by time range.
type SaleReader interface {
	QueryByRange(ctx context.Context, start, end time.Time) ([]models.Sale, error)
}

// BatchJob aggregates a day of stored sales into the warehouse and archives
// the result as CSV.
type BatchJob struct {
	Sales     SaleReader
	CoinAPI   price.CoinAPI
	Warehouse Warehouse
	// Storage is optional; a nil Storage skips the CSV archive.
	Storage storage.Storage
	log     *slog.Logger
}

// NewBatchJob creates a new BatchJob.
func NewBatchJob(sales SaleReader, coinAPI price.CoinAPI, warehouse Warehouse, store storage.Storage, log *slog.Logger) *BatchJob {
	if log == nil {
		log = slog.Default()
	}
	return &BatchJob{
		Sales:     sales,
		CoinAPI:   coinAPI,
		Warehouse: warehouse,
		Storage:   store,
		log:       log,
	}
}

// Run loads the daily volumes of the UTC day containing date. A day that is
// already in the warehouse returns ErrAlreadyLoaded.
func (b *BatchJob) Run(ctx context.Context, date time.Time) ([]models.DailyVolume, error) {
	start := date.UTC().Truncate(day)
	log := b.log.With(slog.String("date", start.Format(time.DateOnly)))

	count, err := b.Warehouse.CountForDate(ctx, start)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, fmt.Errorf("%w for %s", ErrAlreadyLoaded, start.Format(time.DateOnly))
	}

	sales, err := b.Sales.QueryByRange(ctx, start, start.Add(day))
	if err != nil {
		return nil, fmt.Errorf("error reading sales: %w", err)
	}

	ethUSD, err := b.CoinAPI.GetHistoricalPrice(ctx, price.EthereumCoinID, start)
	if err != nil {
		return nil, fmt.Errorf("error fetching ETH price: %w", err)
	}

	volumes := Aggregate(sales, ethUSD)
	if len(volumes) == 0 {
		log.InfoContext(ctx, "no sales for date, nothing to load")
		return volumes, nil
	}

	if err := b.Warehouse.Load(ctx, volumes); err != nil {
		return nil, err
	}
	log.InfoContext(ctx, "daily volume loaded",
		slog.Int("projects", len(volumes)),
		slog.Int("sales", len(sales)),
		slog.Float64("eth_usd", ethUSD))

	if b.Storage != nil {
		if err := b.StoreVolumes(ctx, volumes, start); err != nil {
			return volumes, fmt.Errorf("error archiving daily volume: %w", err)
		}
	}
	return volumes, nil
}

// StoreVolumes saves the daily volumes to object storage in CSV format.
func (b *BatchJob) StoreVolumes(ctx context.Context, volumes []models.DailyVolume, date time.Time) error {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	if err := writer.Write([]string{"date", "project_id", "sales_count", "total_volume_eth", "total_volume_usd"}); err != nil {
		return fmt.Errorf("error writing CSV header: %w", err)
	}

	for _, v := range volumes {
		record := []string{
			v.Date.Format(time.DateOnly),
			v.ProjectID,
			strconv.FormatUint(v.SalesCount, 10),
			strconv.FormatFloat(v.TotalVolumeEth, 'f', 8, 64),
			strconv.FormatFloat(v.TotalVolumeUSD, 'f', 2, 64),
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("error writing CSV record: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("error flushing CSV writer: %w", err)
	}

	return b.Storage.UploadFile(ctx, ObjectName(date), bytes.NewReader(buf.Bytes()), int64(buf.Len()))
}

// ObjectName is the archive key of a day's volumes.
func ObjectName(date time.Time) string {
	return fmt.Sprintf("daily-volume-%s.csv", date.UTC().Format(time.DateOnly))
}
