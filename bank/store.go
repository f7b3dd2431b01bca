package bank

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrDSNRequired is returned when no database connection string is configured.
var ErrDSNRequired = errors.New("database connection string must be configured")

// serializableAttempts bounds the retry loop on serialization conflicts.
const serializableAttempts = 10

// Open connects to the configured database. Postgres-style DSNs go through
// the postgres driver, everything else is treated as a SQLite DSN.
func Open(dsn string) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrDSNRequired
	}
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	var (
		db  *gorm.DB
		err error
	)
	if isPostgresDSN(trimmed) {
		db, err = gorm.Open(postgres.Open(trimmed), cfg)
	} else {
		db, err = gorm.Open(sqlite.Open(trimmed), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

func isPostgresDSN(dsn string) bool {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return true
	}
	// Key/value form, e.g. "host=... user=... dbname=...".
	return strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=")
}

// IsPostgres reports whether db runs on the postgres driver.
func IsPostgres(db *gorm.DB) bool {
	return db != nil && db.Dialector.Name() == "postgres"
}

// RunSerializable executes fn inside one serializable transaction and retries
// it when the database reports a serialization conflict, up to ten attempts.
// fn must be safe to re-run from scratch. SQLite transactions are
// serializable by construction, so the explicit level is only requested on
// postgres.
func RunSerializable(db *gorm.DB, fn func(tx *gorm.DB) error) error {
	var opts []*sql.TxOptions
	if IsPostgres(db) {
		opts = append(opts, &sql.TxOptions{Isolation: sql.LevelSerializable})
	}
	var err error
	for attempt := 0; attempt < serializableAttempts; attempt++ {
		err = db.Transaction(fn, opts...)
		if err == nil || !isSerializationConflict(err) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 5 * time.Millisecond)
	}
	return fmt.Errorf("serialization conflict persisted after %d attempts: %w", serializableAttempts, err)
}

// isSerializationConflict matches postgres SQLSTATE 40001/40P01 and the
// SQLite busy/locked conditions that play the same role under concurrency.
func isSerializationConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}
