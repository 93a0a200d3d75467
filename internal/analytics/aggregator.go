package analytics

import (
	"cmp"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/estensen/nft-sales-pipeline/internal/models"
)

const day = 24 * time.Hour

// Aggregate groups sales by UTC day and project. ethUSD converts the native
// volume; a zero rate leaves the USD volume at zero. Rows are ordered by date
// then project.
func Aggregate(sales []models.Sale, ethUSD float64) []models.DailyVolume {
	type key struct {
		date    time.Time
		project string
	}
	type totals struct {
		count uint64
		eth   decimal.Decimal
	}

	dataMap := make(map[key]*totals)
	for _, sale := range sales {
		k := key{date: sale.Timestamp.UTC().Truncate(day), project: sale.ProjectID}
		agg, exists := dataMap[k]
		if !exists {
			agg = &totals{}
			dataMap[k] = agg
		}
		agg.count++
		agg.eth = agg.eth.Add(decimal.NewFromFloat(sale.Price))
	}

	rate := decimal.NewFromFloat(ethUSD)
	aggregated := make([]models.DailyVolume, 0, len(dataMap))
	for k, agg := range dataMap {
		aggregated = append(aggregated, models.DailyVolume{
			Date:           k.date,
			ProjectID:      k.project,
			SalesCount:     agg.count,
			TotalVolumeEth: agg.eth.InexactFloat64(),
			TotalVolumeUSD: agg.eth.Mul(rate).InexactFloat64(),
		})
	}

	slices.SortFunc(aggregated, func(a, b models.DailyVolume) int {
		if c := a.Date.Compare(b.Date); c != 0 {
			return c
		}
		return cmp.Compare(a.ProjectID, b.ProjectID)
	})
	return aggregated
}

// RollingPoint is one sale with the trailing-window statistics ending at it.
type RollingPoint struct {
	Timestamp     time.Time `json:"timestamp"`
	Price         float64   `json:"price"`
	MovingAverage float64   `json:"movingAverage"`
	Floor         float64   `json:"floor"`
}

// RollingStats computes, for each sale, the mean and minimum price of the
// sales in (timestamp-window, timestamp]. Input order does not matter; the
// points are returned in ascending time.
func RollingStats(sales []models.Sale, window time.Duration) []RollingPoint {
	if len(sales) == 0 {
		return []RollingPoint{}
	}

	sorted := slices.Clone(sales)
	slices.SortStableFunc(sorted, func(a, b models.Sale) int {
		return a.Timestamp.Compare(b.Timestamp)
	})

	points := make([]RollingPoint, len(sorted))
	var (
		sum  float64
		left int
		mins []int // indexes with increasing prices
	)
	for i, sale := range sorted {
		sum += sale.Price
		for len(mins) > 0 && sorted[mins[len(mins)-1]].Price >= sale.Price {
			mins = mins[:len(mins)-1]
		}
		mins = append(mins, i)

		cutoff := sale.Timestamp.Add(-window)
		for left < i && !sorted[left].Timestamp.After(cutoff) {
			sum -= sorted[left].Price
			left++
		}
		for mins[0] < left {
			mins = mins[1:]
		}

		points[i] = RollingPoint{
			Timestamp:     sale.Timestamp,
			Price:         sale.Price,
			MovingAverage: sum / float64(i-left+1),
			Floor:         sorted[mins[0]].Price,
		}
	}
	return points
}
