package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/tusk/domain"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// DB is the sqlite backed document store used by the federation core.
type DB struct {
	db *sql.DB
}

const maxBusyRetries = 5

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Open opens (or creates) the database at path and applies connection pragmas.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)", path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	var journalMode string
	if err := sqlDB.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err == nil {
		log.Info().Str("path", path).Str("journal_mode", journalMode).Msg("Database: opened")
	}

	return &DB{db: sqlDB}, nil
}

// Close releases the underlying connection pool.
func (db *DB) Close() error {
	return db.db.Close()
}

// wrapTransaction runs f in a transaction, retrying from scratch when sqlite
// reports the database as busy.
func (db *DB) wrapTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var err error
	for attempt := 0; attempt < maxBusyRetries; attempt++ {
		var tx *sql.Tx
		tx, err = db.db.BeginTx(ctx, nil)
		if err != nil {
			if isBusy(err) {
				continue
			}
			log.Error().Err(err).Msg("Database: error starting transaction")
			return err
		}

		err = f(tx)
		if err != nil {
			tx.Rollback()
			if isBusy(err) {
				continue
			}
			return err
		}

		err = tx.Commit()
		if err != nil {
			if isBusy(err) {
				continue
			}
			log.Error().Err(err).Msg("Database: error committing transaction")
			return err
		}
		return nil
	}
	return fmt.Errorf("database busy after %d attempts: %w", maxBusyRetries, err)
}

func isBusy(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		code := serr.Code() & 0xff
		return code == sqlitelib.SQLITE_BUSY || code == sqlitelib.SQLITE_LOCKED
	}
	return false
}

// notFound maps sql.ErrNoRows onto the domain sentinel.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
