// Package storage archives assessment outcomes in PostgreSQL so past
// runs stay queryable across restarts.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"cyber-agent-runner/internal/config"
)

const schema = `
CREATE TABLE IF NOT EXISTS assessments (
	id             TEXT PRIMARY KEY,
	mode           TEXT NOT NULL,
	module         TEXT NOT NULL,
	objective      TEXT NOT NULL,
	target         TEXT NOT NULL,
	provider       TEXT NOT NULL DEFAULT '',
	model          TEXT NOT NULL DEFAULT '',
	success        BOOLEAN NOT NULL,
	stopped        BOOLEAN NOT NULL DEFAULT FALSE,
	exit_code      INTEGER NOT NULL DEFAULT 0,
	duration_ms    BIGINT NOT NULL,
	steps_executed INTEGER NOT NULL DEFAULT 0,
	findings_count INTEGER NOT NULL DEFAULT 0,
	error          TEXT NOT NULL DEFAULT '',
	started_at     TIMESTAMPTZ NOT NULL,
	completed_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS assessments_started_at_idx ON assessments (started_at DESC);
CREATE INDEX IF NOT EXISTS assessments_target_idx ON assessments (target);
`

// DB wraps a PostgreSQL connection pool for assessment history.
type DB struct {
	pool *pgxpool.Pool
}

// New connects, pings, and bootstraps the schema.
func New(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		pc.MaxConns = int32(cfg.MaxOpenConns) // #nosec G115 -- bounded by config validation
	}
	if cfg.MaxIdleConns > 0 {
		pc.MinConns = int32(cfg.MaxIdleConns) // #nosec G115
	}
	if cfg.ConnMaxLifetime > 0 {
		pc.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	pc.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrapping schema: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// RecordAssessment inserts one finished assessment.
func (db *DB) RecordAssessment(ctx context.Context, a *Assessment) error {
	query := `
		INSERT INTO assessments (id, mode, module, objective, target, provider,
			model, success, stopped, exit_code, duration_ms, steps_executed,
			findings_count, error, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err := db.pool.Exec(ctx, query,
		a.ID, a.Mode, a.Module,
		truncateForDB(a.Objective, 65535),
		a.Target, a.Provider, a.Model,
		a.Success, a.Stopped, a.ExitCode,
		a.DurationMS, a.StepsExecuted, a.FindingsCount,
		truncateForDB(a.Error, 65535),
		a.StartedAt, a.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting assessment: %w", err)
	}
	return nil
}

// GetAssessment retrieves a single record by ID.
func (db *DB) GetAssessment(ctx context.Context, id string) (*Assessment, error) {
	query := `
		SELECT id, mode, module, objective, target, provider, model,
			success, stopped, exit_code, duration_ms, steps_executed,
			findings_count, error, started_at, completed_at
		FROM assessments WHERE id = $1`

	var a Assessment
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&a.ID, &a.Mode, &a.Module, &a.Objective, &a.Target,
		&a.Provider, &a.Model,
		&a.Success, &a.Stopped, &a.ExitCode,
		&a.DurationMS, &a.StepsExecuted, &a.FindingsCount,
		&a.Error, &a.StartedAt, &a.CompletedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("querying assessment %s: %w", id, err)
	}
	return &a, nil
}

// ListAssessments queries the history with optional filters, newest first.
func (db *DB) ListAssessments(ctx context.Context, filter AssessmentFilter) ([]Assessment, error) {
	query := `
		SELECT id, mode, module, target, success, stopped, exit_code,
			duration_ms, steps_executed, findings_count, started_at, completed_at
		FROM assessments
		WHERE ($1 = '' OR mode = $1)
		  AND ($2 = '' OR module = $2)
		  AND ($3 = '' OR target = $3)
		ORDER BY started_at DESC
		LIMIT $4 OFFSET $5`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, query,
		filter.Mode, filter.Module, filter.Target, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying assessments: %w", err)
	}
	defer rows.Close()

	var results []Assessment
	for rows.Next() {
		var a Assessment
		if err := rows.Scan(
			&a.ID, &a.Mode, &a.Module, &a.Target,
			&a.Success, &a.Stopped, &a.ExitCode,
			&a.DurationMS, &a.StepsExecuted, &a.FindingsCount,
			&a.StartedAt, &a.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning assessment row: %w", err)
		}
		results = append(results, a)
	}

	return results, rows.Err()
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
