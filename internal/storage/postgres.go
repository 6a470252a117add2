package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"devforge/internal/config"
)

// DB wraps a PostgreSQL connection pool for the audit trail.
type DB struct {
	pool *pgxpool.Pool
}

// New creates the connection pool. The audit trail is optional: callers pass
// an empty DSN to run without one.
func New(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	pc.MaxConns = int32(cfg.MaxOpenConns)
	pc.MinConns = int32(cfg.MaxIdleConns)
	pc.MaxConnLifetime = cfg.ConnMaxLifetime
	pc.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	db := &DB{pool: pool}
	if err := db.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().Msg("connected to PostgreSQL")
	return db, nil
}

func (db *DB) ensureSchema(ctx context.Context) error {
	_, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS executions (
			id          TEXT PRIMARY KEY,
			job_id      TEXT NOT NULL DEFAULT '',
			language    TEXT NOT NULL,
			code_hash   TEXT NOT NULL,
			exit_code   INT NOT NULL,
			output      TEXT NOT NULL DEFAULT '',
			stderr      TEXT NOT NULL DEFAULT '',
			duration_ms BIGINT NOT NULL,
			restricted  BOOLEAN NOT NULL,
			timed_out   BOOLEAN NOT NULL,
			status      TEXT NOT NULL,
			reason      TEXT NOT NULL DEFAULT '',
			request_ip  TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS executions_created_at_idx ON executions (created_at DESC);
		CREATE INDEX IF NOT EXISTS executions_job_id_idx ON executions (job_id) WHERE job_id <> ''`)
	if err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}
	return nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// InsertExecution writes one execution record.
func (db *DB) InsertExecution(ctx context.Context, exec *Execution) error {
	query := `
		INSERT INTO executions (id, job_id, language, code_hash, exit_code,
			output, stderr, duration_ms, restricted, timed_out, status,
			reason, request_ip, created_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := db.pool.Exec(ctx, query,
		exec.ID, exec.JobID, exec.Language, exec.CodeHash, exec.ExitCode,
		truncateForDB(exec.Output, 65535),
		truncateForDB(exec.Stderr, 65535),
		exec.DurationMS, exec.Restricted, exec.TimedOut, exec.Status,
		exec.Reason, exec.RequestIP,
		exec.CreatedAt, exec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// GetExecution retrieves a single execution by ID.
func (db *DB) GetExecution(ctx context.Context, id string) (*Execution, error) {
	query := `
		SELECT id, job_id, language, code_hash, exit_code, output, stderr,
			duration_ms, restricted, timed_out, status, reason, request_ip,
			created_at, finished_at
		FROM executions WHERE id = $1`

	var exec Execution
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&exec.ID, &exec.JobID, &exec.Language, &exec.CodeHash, &exec.ExitCode,
		&exec.Output, &exec.Stderr,
		&exec.DurationMS, &exec.Restricted, &exec.TimedOut, &exec.Status,
		&exec.Reason, &exec.RequestIP,
		&exec.CreatedAt, &exec.FinishedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("querying execution %s: %w", id, err)
	}
	return &exec, nil
}

// ListExecutions queries executions with optional filters, newest first.
func (db *DB) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error) {
	query := `
		SELECT id, job_id, language, code_hash, exit_code, duration_ms,
			restricted, timed_out, status, reason, created_at, finished_at
		FROM executions
		WHERE ($1 = '' OR job_id = $1)
		  AND ($2 = '' OR language = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, query,
		filter.JobID, filter.Language, filter.Status, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var results []Execution
	for rows.Next() {
		var exec Execution
		if err := rows.Scan(
			&exec.ID, &exec.JobID, &exec.Language, &exec.CodeHash, &exec.ExitCode,
			&exec.DurationMS, &exec.Restricted, &exec.TimedOut, &exec.Status,
			&exec.Reason, &exec.CreatedAt, &exec.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		results = append(results, exec)
	}

	return results, rows.Err()
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
