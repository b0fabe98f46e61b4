package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"dmarcwatch/logging"
)

// DB pairs a connection pool with the dialect it speaks.
type DB struct {
	*sql.DB
	Dialect Dialect
}

var conn *DB

// Wrap adopts an existing pool, e.g. a sqlmock connection in tests.
func Wrap(sqlDB *sql.DB, dialect Dialect) *DB {
	return &DB{DB: sqlDB, Dialect: dialect}
}

// Open connects to the database behind driver and verifies it answers.
func Open(ctx context.Context, driver, url string) (*DB, error) {
	if url == "" {
		return nil, fmt.Errorf("database URL is required")
	}
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	sqlDB, err := sql.Open(dialect.DriverName(), url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == SQLite {
		// One writer; also keeps :memory: databases on a single connection.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(5 * time.Minute)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return Wrap(sqlDB, dialect), nil
}

// InitDB opens the process-wide connection.
func InitDB(ctx context.Context, driver, url string, logger logging.Logger) error {
	d, err := Open(ctx, driver, url)
	if err != nil {
		return err
	}
	conn = d
	logger.WithField("dialect", d.Dialect).Info("Database connected")
	return nil
}

func GetDB() *DB {
	return conn
}

// WithTx runs fn inside a transaction, committing when it returns nil.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
