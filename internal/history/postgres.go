package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5"

	"github.com/mediguard-intake/internal/domain"
)

// appendLockKey serializes appends across processes sharing the database
const appendLockKey int64 = 0x4d47484953540001

// PgxPool is the subset of *pgxpool.Pool the store uses
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore implements the Store interface using PostgreSQL.
// The schema is created by the migrations in migrations/.
type PostgresStore struct {
	pool PgxPool
}

// NewPostgresStore creates a new PostgreSQL history store
func NewPostgresStore(pool PgxPool) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &PostgresStore{pool: pool}, nil
}

// Append chains rec to the latest record and stores it.
func (s *PostgresStore) Append(ctx context.Context, rec *Record) error {
	features, err := json.Marshal(rec.InputFeatures)
	if err != nil {
		return fmt.Errorf("failed to encode input features: %w", err)
	}
	result, err := json.Marshal(rec.PredictionResult)
	if err != nil {
		return fmt.Errorf("failed to encode prediction result: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.WrapIntakeError(domain.ErrDatabaseError, "failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", appendLockKey); err != nil {
		return domain.WrapIntakeError(domain.ErrDatabaseError, "failed to lock history", err)
	}

	var previous string
	err = tx.QueryRow(ctx, "SELECT current_hash FROM prediction_history ORDER BY seq DESC LIMIT 1").Scan(&previous)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return domain.WrapIntakeError(domain.ErrDatabaseError, "failed to read latest hash", err)
	}

	if err := Chain(rec, previous); err != nil {
		return err
	}

	var seq int64
	err = tx.QueryRow(ctx, `
		INSERT INTO prediction_history (
			id, user_id, source, recorded_at,
			input_features, prediction_result, previous_hash, current_hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING seq
	`,
		rec.ID,
		rec.UserID,
		string(rec.Source),
		rec.Timestamp,
		string(features),
		string(result),
		rec.PreviousHash,
		rec.CurrentHash,
	).Scan(&seq)
	if err != nil {
		return domain.WrapIntakeError(domain.ErrDatabaseError, "failed to insert record", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.WrapIntakeError(domain.ErrDatabaseError, "failed to commit record", err)
	}
	rec.Seq = seq
	return nil
}

// List returns records newest first with pagination.
func (s *PostgresStore) List(ctx context.Context, userID string, limit, offset int) ([]*Record, error) {
	where, args := postgresUserFilter(userID)
	n := len(args)
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf("SELECT %s FROM prediction_history%s ORDER BY seq DESC LIMIT $%d OFFSET $%d", selectColumns, where, n+1, n+2),
		append(args, limit, offset)...)
	if err != nil {
		return nil, domain.WrapIntakeError(domain.ErrDatabaseError, "failed to query history", err)
	}
	return collectPostgres(rows)
}

func (s *PostgresStore) ascending(ctx context.Context, userID string) ([]*Record, error) {
	where, args := postgresUserFilter(userID)
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf("SELECT %s FROM prediction_history%s ORDER BY seq ASC LIMIT $%d", selectColumns, where, len(args)+1),
		append(args, maxExportLimit)...)
	if err != nil {
		return nil, domain.WrapIntakeError(domain.ErrDatabaseError, "failed to query history", err)
	}
	return collectPostgres(rows)
}

func postgresUserFilter(userID string) (string, []any) {
	if userID == "" {
		return "", nil
	}
	return " WHERE user_id = $1", []any{userID}
}

func collectPostgres(rows pgx.Rows) ([]*Record, error) {
	defer rows.Close()

	result := []*Record{}
	for rows.Next() {
		rec := &Record{}
		var source string
		var features, prediction []byte

		err := rows.Scan(&rec.Seq, &rec.ID, &rec.UserID, &source, &rec.Timestamp,
			&features, &prediction, &rec.PreviousHash, &rec.CurrentHash)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		rec.Source = domain.Source(source)
		rec.Timestamp = rec.Timestamp.UTC()
		if err := json.Unmarshal(features, &rec.InputFeatures); err != nil {
			return nil, fmt.Errorf("record %s has bad input features: %w", rec.ID, err)
		}
		if err := json.Unmarshal(prediction, &rec.PredictionResult); err != nil {
			return nil, fmt.Errorf("record %s has bad prediction result: %w", rec.ID, err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.WrapIntakeError(domain.ErrDatabaseError, "failed to read history", err)
	}
	return result, nil
}

// Count returns the number of records.
func (s *PostgresStore) Count(ctx context.Context, userID string) (int64, error) {
	where, args := postgresUserFilter(userID)
	var count int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM prediction_history"+where, args...).Scan(&count); err != nil {
		return 0, domain.WrapIntakeError(domain.ErrDatabaseError, "failed to count history", err)
	}
	return count, nil
}

// Stats aggregates the stored records.
func (s *PostgresStore) Stats(ctx context.Context, userID string) (*Stats, error) {
	records, err := s.ascending(ctx, userID)
	if err != nil {
		return nil, err
	}
	return ComputeStats(records), nil
}

// Verify recomputes the chain from the stored records.
func (s *PostgresStore) Verify(ctx context.Context) (*VerifyResult, error) {
	records, err := s.ascending(ctx, "")
	if err != nil {
		return nil, err
	}
	return VerifyChain(records), nil
}

// ExportJSON exports the ledger to a JSON writer.
func (s *PostgresStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	records, err := s.ascending(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to list history: %w", err)
	}
	return writeExport(writer, records)
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
