package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"net/url"

	"github.com/pressly/goose/v3"
	// SQLite driver.
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const driver = "sqlite"

// Database owns the SQLite connection pool shared by the sale and checkpoint stores.
type Database struct {
	db          *sql.DB
	sales       *SaleStore
	checkpoints *CheckpointStore
}

// Open opens (creating if needed) the database file at path and applies migrations.
func Open(ctx context.Context, path string) (*Database, error) {
	if path == "" {
		path = "data/sales.sqlite"
	}

	db, err := sql.Open(driver, sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{
		db:          db,
		sales:       &SaleStore{db: db},
		checkpoints: newCheckpointStore(db),
	}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	migrations, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, migrations)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

func sqliteDSN(path string) string {
	values := url.Values{}
	values.Add("_pragma", "journal_mode(WAL)")
	values.Add("_pragma", "synchronous(NORMAL)")
	values.Add("_pragma", "busy_timeout(5000)")
	values.Add("_pragma", "temp_store(MEMORY)")

	return fmt.Sprintf("file:%s?%s", path, values.Encode())
}

// Sales returns the sale store.
func (d *Database) Sales() *SaleStore {
	return d.sales
}

// Checkpoints returns the checkpoint store.
func (d *Database) Checkpoints() *CheckpointStore {
	return d.checkpoints
}

// Ping checks the connection.
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (d *Database) Close() error {
	return d.db.Close()
}
