package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS dead_letters (
	id             TEXT PRIMARY KEY,
	job_id         TEXT NOT NULL,
	kind           TEXT NOT NULL,
	correlation_id TEXT NOT NULL DEFAULT '',
	error_class    TEXT NOT NULL,
	final_error    TEXT NOT NULL,
	record         JSONB NOT NULL,
	failed_at      TIMESTAMPTZ NOT NULL
)`

const createIndexSQL = `CREATE INDEX IF NOT EXISTS dead_letters_failed_at_idx ON dead_letters (failed_at)`

// PostgresStore keeps records in the dead_letters table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres creates a connection pool, verifies connectivity and creates
// the dead_letters table when missing.
func OpenPostgres(ctx context.Context, databaseURL string, connectTimeout time.Duration) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("deadletter: parse database URL: %w", err)
	}

	cfg.MinConns = 1
	cfg.MaxConns = 4
	cfg.MaxConnLifetime = 1 * time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = 1 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("deadletter: create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("deadletter: ping database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	for _, stmt := range []string{createTableSQL, createIndexSQL} {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("deadletter: migrate: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Name() string { return "postgres" }

func (s *PostgresStore) Put(ctx context.Context, rec *Record) error {
	data, err := rec.marshal()
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO dead_letters (id, job_id, kind, correlation_id, error_class, final_error, record, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.JobID, rec.Kind, rec.CorrelationID,
		string(rec.ErrorClass), rec.FinalError, json.RawMessage(data), rec.FailedAt,
	)
	if err != nil {
		return fmt.Errorf("deadletter: insert %s: %w", rec.ID, err)
	}
	return nil
}

// List returns up to limit records ordered by failure time.
func (s *PostgresStore) List(ctx context.Context, limit int) ([]Entry, error) {
	var rows pgx.Rows
	var err error
	if limit > 0 {
		rows, err = s.pool.Query(ctx,
			`SELECT id, record FROM dead_letters ORDER BY failed_at, id LIMIT $1`, limit)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, record FROM dead_letters ORDER BY failed_at, id`)
	}
	if err != nil {
		return nil, fmt.Errorf("deadletter: query: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("deadletter: scan: %w", err)
		}
		rec, err := unmarshalRecord(data)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{ID: id, Record: rec})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deadletter: rows: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) Remove(ctx context.Context, entryID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM dead_letters WHERE id = $1`, entryID)
	if err != nil {
		return fmt.Errorf("deadletter: delete %s: %w", entryID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns the record stored under id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT record FROM dead_letters WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("deadletter: get %s: %w", id, err)
	}
	return unmarshalRecord(data)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
