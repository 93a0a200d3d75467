package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/estensen/nft-sales-pipeline/internal/models"
)

const saleColumns = `event_id, project_id, collection, token_id, token_name, price, timestamp, from_address, to_address`

// SaleStore persists sales keyed by their upstream event id.
type SaleStore struct {
	db *sql.DB
}

// InsertIfAbsent stores the sale unless one with the same event id exists.
// It reports whether a row was written; duplicates are not errors.
func (s *SaleStore) InsertIfAbsent(ctx context.Context, sale models.Sale) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sales (`+saleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`,
		sale.EventID,
		sale.ProjectID,
		sale.Collection,
		sale.TokenID,
		sale.TokenName,
		sale.Price,
		sale.Timestamp.Unix(),
		sale.FromAddress,
		sale.ToAddress,
	)
	if err != nil {
		return false, fmt.Errorf("error inserting sale %d: %w", sale.EventID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("error reading insert result for sale %d: %w", sale.EventID, err)
	}
	return n == 1, nil
}

// QueryByProjectAndRange returns the project's sales with start <= timestamp < end,
// oldest first.
func (s *SaleStore) QueryByProjectAndRange(ctx context.Context, projectID string, start, end time.Time) ([]models.Sale, error) {
	return s.query(ctx, `
		SELECT `+saleColumns+` FROM sales
		WHERE project_id = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp ASC, seq ASC`,
		projectID, ceilUnix(start), ceilUnix(end))
}

// QueryByRange returns all sales with start <= timestamp < end, oldest first.
func (s *SaleStore) QueryByRange(ctx context.Context, start, end time.Time) ([]models.Sale, error) {
	return s.query(ctx, `
		SELECT `+saleColumns+` FROM sales
		WHERE timestamp >= ? AND timestamp < ?
		ORDER BY timestamp ASC, seq ASC`,
		ceilUnix(start), ceilUnix(end))
}

// QueryMostRecent returns the n most recently inserted sales, newest first.
// Order follows insertion, not sale timestamp.
func (s *SaleStore) QueryMostRecent(ctx context.Context, n int) ([]models.Sale, error) {
	if n <= 0 {
		return []models.Sale{}, nil
	}
	return s.query(ctx, `
		SELECT `+saleColumns+` FROM sales
		ORDER BY seq DESC
		LIMIT ?`,
		n)
}

// ceilUnix converts a range bound to stored whole seconds. For whole-second
// timestamps, ts >= t and ts < t both hold exactly when they hold against
// the bound rounded up.
func ceilUnix(t time.Time) int64 {
	secs := t.Unix()
	if t.Nanosecond() > 0 {
		secs++
	}
	return secs
}

// Count returns the number of stored sales.
func (s *SaleStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sales`).Scan(&count); err != nil {
		return 0, fmt.Errorf("error counting sales: %w", err)
	}
	return count, nil
}

func (s *SaleStore) query(ctx context.Context, query string, args ...any) ([]models.Sale, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error executing sales query: %w", err)
	}
	defer rows.Close()

	sales := []models.Sale{}
	for rows.Next() {
		var (
			sale      models.Sale
			timestamp int64
		)
		if err := rows.Scan(
			&sale.EventID,
			&sale.ProjectID,
			&sale.Collection,
			&sale.TokenID,
			&sale.TokenName,
			&sale.Price,
			&timestamp,
			&sale.FromAddress,
			&sale.ToAddress,
		); err != nil {
			return nil, fmt.Errorf("error scanning sale row: %w", err)
		}
		sale.Timestamp = time.Unix(timestamp, 0).UTC()
		sales = append(sales, sale)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sale rows: %w", err)
	}
	return sales, nil
}
