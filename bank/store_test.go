package bank

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open("  "); !errors.Is(err, ErrDSNRequired) {
		t.Fatalf("blank DSN: %v", err)
	}
}

func TestOpenSqlite(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := Open(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if IsPostgres(db) {
		t.Fatalf("sqlite DSN classified as postgres")
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}

func TestIsPostgresDSN(t *testing.T) {
	cases := map[string]bool{
		"postgres://u:p@host/db":            true,
		"postgresql://u:p@host/db":          true,
		"host=localhost dbname=sandbox":     true,
		"dbname=sandbox":                    true,
		"file:x.sqlite3":                    false,
		"/var/lib/sandbox/db.sqlite3":       false,
		"file:mem?mode=memory&cache=shared": false,
	}
	for dsn, want := range cases {
		if got := isPostgresDSN(dsn); got != want {
			t.Fatalf("isPostgresDSN(%q) = %v, want %v", dsn, got, want)
		}
	}
}

func TestRunSerializableCommitsAndRollsBack(t *testing.T) {
	db := setupBankTestDB(t)

	err := RunSerializable(db, func(tx *gorm.DB) error {
		return tx.Create(&Customer{ID: uuid.New(), Username: "kept"}).Error
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	boom := errors.New("boom")
	err = RunSerializable(db, func(tx *gorm.DB) error {
		if err := tx.Create(&Customer{ID: uuid.New(), Username: "dropped"}).Error; err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the callback error, got %v", err)
	}

	var count int64
	if err := db.Model(&Customer{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected only the committed row, got %d", count)
	}
}

func TestRunSerializableDoesNotRetryOrdinaryErrors(t *testing.T) {
	db := setupBankTestDB(t)

	calls := 0
	err := RunSerializable(db, func(tx *gorm.DB) error {
		calls++
		return errors.New("not a conflict")
	})
	if err == nil {
		t.Fatalf("error swallowed")
	}
	if calls != 1 {
		t.Fatalf("ordinary error retried %d times", calls)
	}
}

func TestIsSerializationConflict(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("plain"), false},
		{&pgconn.PgError{Code: "40001"}, true},
		{&pgconn.PgError{Code: "40P01"}, true},
		{&pgconn.PgError{Code: "23505"}, false},
		{fmt.Errorf("wrap: %w", &pgconn.PgError{Code: "40001"}), true},
		{errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{errors.New("database table is locked"), true},
	}
	for _, tc := range cases {
		if got := isSerializationConflict(tc.err); got != tc.want {
			t.Fatalf("isSerializationConflict(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
