package analytics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/estensen/nft-sales-pipeline/internal/models"
	"github.com/estensen/nft-sales-pipeline/internal/price"
)

type mockSales struct{ mock.Mock }

func (m *mockSales) QueryByRange(ctx context.Context, start, end time.Time) ([]models.Sale, error) {
	args := m.Called(ctx, start, end)
	return args.Get(0).([]models.Sale), args.Error(1)
}

type mockCoinAPI struct{ mock.Mock }

func (m *mockCoinAPI) GetHistoricalPrice(ctx context.Context, coinID string, date time.Time) (float64, error) {
	args := m.Called(ctx, coinID, date)
	return args.Get(0).(float64), args.Error(1)
}

type mockWarehouse struct{ mock.Mock }

func (m *mockWarehouse) CountForDate(ctx context.Context, date time.Time) (uint64, error) {
	args := m.Called(ctx, date)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *mockWarehouse) Load(ctx context.Context, data []models.DailyVolume) error {
	return m.Called(ctx, data).Error(0)
}

func (m *mockWarehouse) FetchMetrics(ctx context.Context, date time.Time) ([]models.DailyVolume, error) {
	args := m.Called(ctx, date)
	return args.Get(0).([]models.DailyVolume), args.Error(1)
}

type mockStorage struct {
	mock.Mock
	body string
}

func (m *mockStorage) UploadFile(ctx context.Context, objectName string, reader io.Reader, size int64) error {
	data, _ := io.ReadAll(reader)
	m.body = string(data)
	return m.Called(ctx, objectName, size).Error(0)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBatchJobRun(t *testing.T) {
	ctx := context.Background()
	sales := &mockSales{}
	coins := &mockCoinAPI{}
	warehouse := &mockWarehouse{}
	store := &mockStorage{}

	stored := []models.Sale{
		sale("mfers", 0.25, day0.Add(time.Hour)),
		sale("mfers", 0.75, day0.Add(2*time.Hour)),
	}
	expected := []models.DailyVolume{
		{Date: day0, ProjectID: "mfers", SalesCount: 2, TotalVolumeEth: 1, TotalVolumeUSD: 3000},
	}

	warehouse.On("CountForDate", ctx, day0).Return(uint64(0), nil)
	sales.On("QueryByRange", ctx, day0, day0.Add(24*time.Hour)).Return(stored, nil)
	coins.On("GetHistoricalPrice", ctx, price.EthereumCoinID, day0).Return(3000.0, nil)
	warehouse.On("Load", ctx, expected).Return(nil)
	store.On("UploadFile", ctx, "daily-volume-2022-04-15.csv", mock.AnythingOfType("int64")).Return(nil)

	job := NewBatchJob(sales, coins, warehouse, store, quietLogger())
	volumes, err := job.Run(ctx, day0.Add(15*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, expected, volumes)

	assert.Equal(t,
		"date,project_id,sales_count,total_volume_eth,total_volume_usd\n2022-04-15,mfers,2,1.00000000,3000.00\n",
		store.body)

	mock.AssertExpectationsForObjects(t, sales, coins, warehouse, store)
}

func TestBatchJobSkipsLoadedDate(t *testing.T) {
	ctx := context.Background()
	warehouse := &mockWarehouse{}
	warehouse.On("CountForDate", ctx, day0).Return(uint64(3), nil)

	job := NewBatchJob(&mockSales{}, &mockCoinAPI{}, warehouse, nil, quietLogger())
	_, err := job.Run(ctx, day0)
	require.ErrorIs(t, err, ErrAlreadyLoaded)
	warehouse.AssertNotCalled(t, "Load", mock.Anything, mock.Anything)
}

func TestBatchJobWithoutSales(t *testing.T) {
	ctx := context.Background()
	sales := &mockSales{}
	coins := &mockCoinAPI{}
	warehouse := &mockWarehouse{}

	warehouse.On("CountForDate", ctx, day0).Return(uint64(0), nil)
	sales.On("QueryByRange", ctx, day0, day0.Add(24*time.Hour)).Return([]models.Sale{}, nil)
	coins.On("GetHistoricalPrice", ctx, price.EthereumCoinID, day0).Return(3000.0, nil)

	job := NewBatchJob(sales, coins, warehouse, nil, quietLogger())
	volumes, err := job.Run(ctx, day0)
	require.NoError(t, err)
	assert.Empty(t, volumes)
	warehouse.AssertNotCalled(t, "Load", mock.Anything, mock.Anything)
}

func TestBatchJobPriceFailure(t *testing.T) {
	ctx := context.Background()
	sales := &mockSales{}
	coins := &mockCoinAPI{}
	warehouse := &mockWarehouse{}
	boom := errors.New("coingecko down")

	warehouse.On("CountForDate", ctx, day0).Return(uint64(0), nil)
	sales.On("QueryByRange", ctx, day0, day0.Add(24*time.Hour)).Return([]models.Sale{sale("p", 1, day0)}, nil)
	coins.On("GetHistoricalPrice", ctx, price.EthereumCoinID, day0).Return(0.0, boom)

	job := NewBatchJob(sales, coins, warehouse, nil, quietLogger())
	_, err := job.Run(ctx, day0)
	require.ErrorIs(t, err, boom)
	warehouse.AssertNotCalled(t, "Load", mock.Anything, mock.Anything)
}

func TestObjectName(t *testing.T) {
	assert.Equal(t, "daily-volume-2022-04-15.csv", ObjectName(day0.Add(23*time.Hour)))
}
