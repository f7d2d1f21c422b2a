package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mediguard-intake/internal/domain"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
}

// NewSQLiteStore creates a new SQLite history store.
// It creates the database file and schema if they don't exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	store, err := NewSQLiteStoreFromDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	store.dbPath = dbPath
	return store, nil
}

// NewSQLiteStoreFromDB wraps an open database and ensures the schema exists
func NewSQLiteStoreFromDB(db *sql.DB) (*SQLiteStore, error) {
	if err := createSchema(db); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS prediction_history (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		source TEXT NOT NULL,
		recorded_at TEXT NOT NULL,
		input_features TEXT NOT NULL,
		prediction_result TEXT NOT NULL,
		previous_hash TEXT NOT NULL DEFAULT '',
		current_hash TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_user_id ON prediction_history(user_id);
	`

	_, err := db.Exec(schema)
	return err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

const selectColumns = `seq, id, user_id, source, recorded_at, input_features, prediction_result, previous_hash, current_hash`

func scanSQLiteRecord(s scanner) (*Record, error) {
	rec := &Record{}
	var source, recordedAt, features, result string

	err := s.Scan(&rec.Seq, &rec.ID, &rec.UserID, &source, &recordedAt, &features, &result, &rec.PreviousHash, &rec.CurrentHash)
	if err != nil {
		return nil, err
	}

	rec.Source = domain.Source(source)
	if rec.Timestamp, err = time.Parse(time.RFC3339Nano, recordedAt); err != nil {
		return nil, fmt.Errorf("record %s has bad timestamp: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(features), &rec.InputFeatures); err != nil {
		return nil, fmt.Errorf("record %s has bad input features: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(result), &rec.PredictionResult); err != nil {
		return nil, fmt.Errorf("record %s has bad prediction result: %w", rec.ID, err)
	}
	return rec, nil
}

// Append chains rec to the latest record and stores it.
func (s *SQLiteStore) Append(ctx context.Context, rec *Record) error {
	features, err := json.Marshal(rec.InputFeatures)
	if err != nil {
		return fmt.Errorf("failed to encode input features: %w", err)
	}
	result, err := json.Marshal(rec.PredictionResult)
	if err != nil {
		return fmt.Errorf("failed to encode prediction result: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WrapIntakeError(domain.ErrDatabaseError, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	var previous string
	err = tx.QueryRowContext(ctx, "SELECT current_hash FROM prediction_history ORDER BY seq DESC LIMIT 1").Scan(&previous)
	if err != nil && err != sql.ErrNoRows {
		return domain.WrapIntakeError(domain.ErrDatabaseError, "failed to read latest hash", err)
	}

	if err := Chain(rec, previous); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO prediction_history (
			id, user_id, source, recorded_at,
			input_features, prediction_result, previous_hash, current_hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.UserID,
		string(rec.Source),
		FormatTimestamp(rec.Timestamp),
		string(features),
		string(result),
		rec.PreviousHash,
		rec.CurrentHash,
	)
	if err != nil {
		return domain.WrapIntakeError(domain.ErrDatabaseError, "failed to insert record", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return domain.WrapIntakeError(domain.ErrDatabaseError, "failed to get insert ID", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.WrapIntakeError(domain.ErrDatabaseError, "failed to commit record", err)
	}
	rec.Seq = seq
	return nil
}

// List returns records newest first with pagination.
func (s *SQLiteStore) List(ctx context.Context, userID string, limit, offset int) ([]*Record, error) {
	where, args := sqliteUserFilter(userID)
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+selectColumns+" FROM prediction_history"+where+" ORDER BY seq DESC LIMIT ? OFFSET ?",
		append(args, limit, offset)...)
	if err != nil {
		return nil, domain.WrapIntakeError(domain.ErrDatabaseError, "failed to query history", err)
	}
	defer rows.Close()
	return collectSQLite(rows)
}

func (s *SQLiteStore) ascending(ctx context.Context, userID string) ([]*Record, error) {
	where, args := sqliteUserFilter(userID)
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+selectColumns+" FROM prediction_history"+where+" ORDER BY seq ASC LIMIT ?",
		append(args, maxExportLimit)...)
	if err != nil {
		return nil, domain.WrapIntakeError(domain.ErrDatabaseError, "failed to query history", err)
	}
	defer rows.Close()
	return collectSQLite(rows)
}

func sqliteUserFilter(userID string) (string, []interface{}) {
	if userID == "" {
		return "", nil
	}
	return " WHERE user_id = ?", []interface{}{userID}
}

func collectSQLite(rows *sql.Rows) ([]*Record, error) {
	result := []*Record{}
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// Count returns the number of records.
func (s *SQLiteStore) Count(ctx context.Context, userID string) (int64, error) {
	where, args := sqliteUserFilter(userID)
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM prediction_history"+where, args...).Scan(&count)
	if err != nil {
		return 0, domain.WrapIntakeError(domain.ErrDatabaseError, "failed to count history", err)
	}
	return count, nil
}

// Stats aggregates the stored records.
func (s *SQLiteStore) Stats(ctx context.Context, userID string) (*Stats, error) {
	records, err := s.ascending(ctx, userID)
	if err != nil {
		return nil, err
	}
	return ComputeStats(records), nil
}

// Verify recomputes the chain from the stored records.
func (s *SQLiteStore) Verify(ctx context.Context) (*VerifyResult, error) {
	records, err := s.ascending(ctx, "")
	if err != nil {
		return nil, err
	}
	return VerifyChain(records), nil
}

// ExportJSON exports the ledger to a JSON writer.
func (s *SQLiteStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	records, err := s.ascending(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to list history: %w", err)
	}
	return writeExport(writer, records)
}

// Close closes the store and releases resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
