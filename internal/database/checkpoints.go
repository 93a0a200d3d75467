package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/estensen/nft-sales-pipeline/internal/models"
)

var (
	ErrCheckpointNotFound  = errors.New("checkpoint not found")
	ErrCheckpointExists    = errors.New("checkpoint already exists")
	ErrWatermarkConflict   = errors.New("watermark changed concurrently")
	ErrWatermarkRegression = errors.New("watermark cannot move backwards")
)

// WatermarkConflictError is returned by Advance when the stored watermark no
// longer matches the expected one, i.e. another run advanced it first.
type WatermarkConflictError struct {
	ProjectKey string
	Expected   time.Time
}

func (e *WatermarkConflictError) Error() string {
	return fmt.Sprintf("checkpoint %s: stored watermark is no longer %d", e.ProjectKey, e.Expected.Unix())
}

func (e *WatermarkConflictError) Is(target error) bool {
	return target == ErrWatermarkConflict
}

// CheckpointStore tracks the per-project ingestion watermark.
type CheckpointStore struct {
	db  *sql.DB
	now func() time.Time
}

func newCheckpointStore(db *sql.DB) *CheckpointStore {
	return &CheckpointStore{db: db, now: time.Now}
}

// Get returns the checkpoint for key or ErrCheckpointNotFound.
func (s *CheckpointStore) Get(ctx context.Context, key string) (models.Checkpoint, error) {
	var watermark, updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT watermark, updated_at FROM checkpoints WHERE project_key = ?`, key,
	).Scan(&watermark, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Checkpoint{}, fmt.Errorf("%w: %s", ErrCheckpointNotFound, key)
	}
	if err != nil {
		return models.Checkpoint{}, fmt.Errorf("error reading checkpoint %s: %w", key, err)
	}

	return models.Checkpoint{
		ProjectKey: key,
		Watermark:  time.Unix(watermark, 0).UTC(),
		UpdatedAt:  time.Unix(updatedAt, 0).UTC(),
	}, nil
}

// Create inserts the first checkpoint for key.
func (s *CheckpointStore) Create(ctx context.Context, key string, watermark time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (project_key, watermark, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (project_key) DO NOTHING`,
		key, watermark.Unix(), s.now().Unix())
	if err != nil {
		return fmt.Errorf("error creating checkpoint %s: %w", key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error reading checkpoint insert result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrCheckpointExists, key)
	}
	return nil
}

// Advance replaces the watermark with next only if it still equals expected.
func (s *CheckpointStore) Advance(ctx context.Context, key string, expected, next time.Time) error {
	if next.Unix() < expected.Unix() {
		return fmt.Errorf("%w: %s from %d to %d", ErrWatermarkRegression, key, expected.Unix(), next.Unix())
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE checkpoints
		SET watermark = ?, updated_at = ?
		WHERE project_key = ? AND watermark = ?`,
		next.Unix(), s.now().Unix(), key, expected.Unix())
	if err != nil {
		return fmt.Errorf("error advancing checkpoint %s: %w", key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error reading checkpoint update result: %w", err)
	}
	if n == 0 {
		return &WatermarkConflictError{ProjectKey: key, Expected: expected}
	}
	return nil
}
