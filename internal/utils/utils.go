package utils

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/estensen/nft-sales-pipeline/internal/ingest"
	"github.com/estensen/nft-sales-pipeline/internal/models"
	"github.com/estensen/nft-sales-pipeline/internal/opensea"
)

// AddressResolver maps a stored sale's project id to its contract address.
type AddressResolver interface {
	AssetAddress(projectID string) string
}

// DisplaySales prints sales with their asset links in a table format.
func DisplaySales(w io.Writer, sales []models.Sale, addresses AddressResolver) {
	if len(sales) == 0 {
		fmt.Fprintln(w, "No sales to display.")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Time", "Project", "Token", "Price (ETH)", "From", "To", "Link"})

	for _, sale := range sales {
		t.AppendRow(table.Row{
			sale.Timestamp.UTC().Format(time.DateTime),
			sale.ProjectID,
			sale.TokenName,
			fmt.Sprintf("%.4f", sale.Price),
			ShortAddress(sale.FromAddress),
			ShortAddress(sale.ToAddress),
			opensea.AssetURL(addresses.AssetAddress(sale.ProjectID), sale.TokenID),
		})
	}

	t.Render()
}

// DisplayResults prints one row per ingestion run, ordered by project.
func DisplayResults(w io.Writer, results map[string]ingest.Result) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Project", "From", "To", "Chunks", "Fetched", "Inserted", "Duplicates", "Skipped"})

	var inserted int
	for _, id := range slices.Sorted(maps.Keys(results)) {
		res := results[id]
		inserted += res.Inserted
		t.AppendRow(table.Row{
			id,
			formatTime(res.From),
			formatTime(res.To),
			res.Chunks,
			res.Fetched,
			res.Inserted,
			res.Duplicates,
			FormatSkipped(res.Skipped),
		})
	}
	t.AppendFooter(table.Row{"Total", "", "", "", "", inserted})

	t.Render()
}

// DisplayMetrics prints daily volumes in a table format.
func DisplayMetrics(w io.Writer, metrics []models.DailyVolume) {
	if len(metrics) == 0 {
		fmt.Fprintln(w, "No metrics to display.")
		return
	}

	fmt.Fprintf(w, "Sales volume for %s:\n", metrics[0].Date.Format(time.DateOnly))
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Date", "Project ID", "Sales", "Volume ETH", "Volume USD"})

	for _, data := range metrics {
		t.AppendRow(table.Row{
			data.Date.Format(time.DateOnly),
			data.ProjectID,
			data.SalesCount,
			fmt.Sprintf("%.4f", data.TotalVolumeEth),
			fmt.Sprintf("%.2f", data.TotalVolumeUSD),
		})
	}

	t.Render()
}

// FormatSkipped renders skip counts as "reason=n" pairs sorted by reason.
func FormatSkipped(skipped map[string]int) string {
	if len(skipped) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(skipped))
	for _, reason := range slices.Sorted(maps.Keys(skipped)) {
		parts = append(parts, fmt.Sprintf("%s=%d", reason, skipped[reason]))
	}
	return strings.Join(parts, " ")
}

// ShortAddress abbreviates a hex address to its first and last four digits.
func ShortAddress(address string) string {
	if len(address) <= 12 {
		return address
	}
	return address[:6] + "…" + address[len(address)-4:]
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.DateTime)
}
