package database

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/estensen/nft-sales-pipeline/internal/models"
)

func newTestDatabase(t *testing.T) *Database {
	t.Helper()

	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "sales.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

var base = time.Date(2022, 4, 1, 0, 0, 0, 0, time.UTC)

func sale(eventID int64, projectID string, at time.Time) models.Sale {
	return models.Sale{
		EventID:     eventID,
		ProjectID:   projectID,
		Collection:  "collection-" + projectID,
		TokenID:     "1234",
		TokenName:   "Token #1234",
		Price:       0.5,
		Timestamp:   at,
		FromAddress: "0xfrom",
		ToAddress:   "0xto",
	}
}

func TestInsertIfAbsentIgnoresDuplicates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestDatabase(t).Sales()

	inserted, err := store.InsertIfAbsent(ctx, sale(555, "mfers", base))
	require.NoError(t, err)
	assert.True(t, inserted)

	duplicate := sale(555, "other", base.Add(time.Hour))
	inserted, err = store.InsertIfAbsent(ctx, duplicate)
	require.NoError(t, err)
	assert.False(t, inserted)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	stored, err := store.QueryMostRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, sale(555, "mfers", base), stored[0])
}

func TestInsertIfAbsentConcurrentSameEvent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestDatabase(t).Sales()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.InsertIfAbsent(ctx, sale(42, "p", base))
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, inserted)
	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestQueryByProjectAndRange(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestDatabase(t).Sales()

	for _, s := range []models.Sale{
		sale(3, "a", base.Add(3*time.Hour)),
		sale(1, "a", base.Add(1*time.Hour)),
		sale(2, "b", base.Add(2*time.Hour)),
		sale(4, "a", base.Add(5*time.Hour)),
		sale(5, "a", base),
	} {
		_, err := store.InsertIfAbsent(ctx, s)
		require.NoError(t, err)
	}

	got, err := store.QueryByProjectAndRange(ctx, "a", base, base.Add(5*time.Hour))
	require.NoError(t, err)

	ids := make([]int64, 0, len(got))
	for _, s := range got {
		ids = append(ids, s.EventID)
	}
	assert.Equal(t, []int64{5, 1, 3}, ids, "start inclusive, end exclusive, ascending timestamp")

	all, err := store.QueryByRange(ctx, base, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, all, 5)

	empty, err := store.QueryByProjectAndRange(ctx, "missing", base, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestQueryRangeWithFractionalBounds(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestDatabase(t).Sales()

	for _, s := range []models.Sale{
		sale(1, "a", base),
		sale(2, "a", base.Add(time.Second)),
		sale(3, "a", base.Add(2*time.Second)),
	} {
		_, err := store.InsertIfAbsent(ctx, s)
		require.NoError(t, err)
	}

	half := 500 * time.Millisecond
	got, err := store.QueryByProjectAndRange(ctx, "a", base.Add(half), base.Add(time.Second+half))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].EventID)

	got, err = store.QueryByRange(ctx, base, base.Add(2*time.Second+half))
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestQueryMostRecentUsesInsertionOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestDatabase(t).Sales()

	// Backfilled sale inserted last but oldest by timestamp.
	for _, s := range []models.Sale{
		sale(10, "a", base.Add(2*time.Hour)),
		sale(11, "a", base.Add(3*time.Hour)),
		sale(12, "a", base.Add(-48*time.Hour)),
	} {
		_, err := store.InsertIfAbsent(ctx, s)
		require.NoError(t, err)
	}

	recent, err := store.QueryMostRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, int64(12), recent[0].EventID)
	assert.Equal(t, int64(11), recent[1].EventID)

	none, err := store.QueryMostRecent(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCheckpointLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestDatabase(t).Checkpoints()

	_, err := store.Get(ctx, "mfers")
	require.ErrorIs(t, err, ErrCheckpointNotFound)

	require.NoError(t, store.Create(ctx, "mfers", base))
	require.ErrorIs(t, store.Create(ctx, "mfers", base.Add(time.Hour)), ErrCheckpointExists)

	cp, err := store.Get(ctx, "mfers")
	require.NoError(t, err)
	assert.Equal(t, "mfers", cp.ProjectKey)
	assert.True(t, base.Equal(cp.Watermark))

	next := base.Add(72 * time.Hour)
	require.NoError(t, store.Advance(ctx, "mfers", base, next))

	cp, err = store.Get(ctx, "mfers")
	require.NoError(t, err)
	assert.True(t, next.Equal(cp.Watermark))

	// Same-value advance is allowed and keeps the watermark.
	require.NoError(t, store.Advance(ctx, "mfers", next, next))
}

func TestCheckpointAdvanceConflict(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestDatabase(t).Checkpoints()
	require.NoError(t, store.Create(ctx, "p", base))

	// A concurrent run already moved the watermark.
	require.NoError(t, store.Advance(ctx, "p", base, base.Add(time.Hour)))

	err := store.Advance(ctx, "p", base, base.Add(2*time.Hour))
	require.ErrorIs(t, err, ErrWatermarkConflict)

	var conflict *WatermarkConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "p", conflict.ProjectKey)

	cp, err := store.Get(ctx, "p")
	require.NoError(t, err)
	assert.True(t, base.Add(time.Hour).Equal(cp.Watermark), "conflicting advance must not overwrite")

	require.ErrorIs(t, store.Advance(ctx, "unknown", base, base.Add(time.Hour)), ErrWatermarkConflict)
}

func TestCheckpointAdvanceRejectsRegression(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := newTestDatabase(t).Checkpoints()
	require.NoError(t, store.Create(ctx, "p", base))

	err := store.Advance(ctx, "p", base, base.Add(-time.Second))
	require.ErrorIs(t, err, ErrWatermarkRegression)

	cp, err := store.Get(ctx, "p")
	require.NoError(t, err)
	assert.True(t, base.Equal(cp.Watermark))
}

func TestOpenIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sales.sqlite")

	db, err := Open(ctx, path)
	require.NoError(t, err)
	_, err = db.Sales().InsertIfAbsent(ctx, sale(1, "a", base))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	reopened, err := Open(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()
	require.NoError(t, reopened.Ping(ctx))

	count, err := reopened.Sales().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
