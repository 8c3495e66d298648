package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"Dynaopt/internal/optimize"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/lib/pq"
)

const Schema = `
CREATE TABLE IF NOT EXISTS runs (
	id               TEXT PRIMARY KEY,
	config           JSONB NOT NULL,
	source_mesh      TEXT NOT NULL DEFAULT '',
	state            TEXT NOT NULL,
	iterations       INTEGER NOT NULL DEFAULT 0,
	final_mesh       TEXT NOT NULL DEFAULT '',
	message          TEXT NOT NULL DEFAULT '',
	cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS iterations (
	run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	idx        INTEGER NOT NULL,
	mesh       TEXT NOT NULL,
	marked     INTEGER NOT NULL,
	samples    INTEGER NOT NULL,
	min_stress DOUBLE PRECISION NOT NULL,
	max_stress DOUBLE PRECISION NOT NULL,
	backup     TEXT NOT NULL DEFAULT '',
	next       TEXT NOT NULL DEFAULT '',
	kept       INTEGER NOT NULL,
	removed    INTEGER NOT NULL,
	duration_ms BIGINT NOT NULL,
	PRIMARY KEY (run_id, idx)
);
ALTER TABLE runs ADD COLUMN IF NOT EXISTS source_mesh TEXT NOT NULL DEFAULT '';`

const connectMaxElapsed = 30 * time.Second

// InitDB opens DATABASE_URL-style connection strings, forcing sslmode when the
// caller did not pick one, and waits for the server to answer.
func InitDB(ctx context.Context, connStr string) (*sql.DB, error) {
	if connStr == "" {
		connStr = "user=postgres dbname=postgres password=password sslmode=disable"
	}
	if !strings.Contains(connStr, "sslmode=") {
		if strings.HasPrefix(connStr, "postgres://") || strings.HasPrefix(connStr, "postgresql://") {
			connStr = connStr + "?sslmode=require"
		} else {
			connStr = connStr + " sslmode=require"
		}
	}
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("configure db: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = connectMaxElapsed
	if err := backoff.Retry(func() error { return db.PingContext(ctx) }, backoff.WithContext(bo, ctx)); err != nil {
		db.Close()
		return nil, fmt.Errorf("db not responding: %w", err)
	}
	return db, nil
}

type PostgresRunRepository struct {
	db *sql.DB
}

func NewPostgresRunDB(db *sql.DB) *PostgresRunRepository {
	return &PostgresRunRepository{db: db}
}

func (r *PostgresRunRepository) Migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, Schema)
	return err
}

func (r *PostgresRunRepository) CreateRun(ctx context.Context, run Run) error {
	cfg, err := json.Marshal(run.Config)
	if err != nil {
		return err
	}
	query := `INSERT INTO runs (id, config, source_mesh, state, final_mesh, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)`
	_, err = r.db.ExecContext(ctx, query, run.ID, cfg, run.SourceMesh, string(run.State), run.FinalMesh, run.CreatedAt)
	return err
}

func (r *PostgresRunRepository) UpdateRun(ctx context.Context, id string, out optimize.Outcome) error {
	query := `UPDATE runs SET state=$2, iterations=$3, final_mesh=$4, message=$5, updated_at=$6 WHERE id=$1`
	res, err := r.db.ExecContext(ctx, query, id, string(out.State), out.Iterations, out.FinalMesh, out.Message, time.Now().UTC())
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (r *PostgresRunRepository) AddIteration(ctx context.Context, id string, it optimize.Iteration) error {
	query := `INSERT INTO iterations
		(run_id, idx, mesh, marked, samples, min_stress, max_stress, backup, next, kept, removed, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := r.db.ExecContext(ctx, query, id, it.Index, it.Mesh, it.Marked, it.Samples,
		it.MinStress, it.MaxStress, it.Backup, it.Next, it.Kept, it.Removed, it.Duration.Milliseconds())
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `UPDATE runs SET iterations=$2, final_mesh=$3, updated_at=$4 WHERE id=$1`,
		id, it.Index, nextMesh(it), time.Now().UTC())
	return err
}

func (r *PostgresRunRepository) GetRun(ctx context.Context, id string) (Run, error) {
	query := `SELECT id, config, source_mesh, state, iterations, final_mesh, message, cancel_requested, created_at, updated_at
		FROM runs WHERE id=$1`
	run, err := scanRun(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, ErrNotFound
		}
		return Run{}, err
	}

	rows, err := r.db.QueryContext(ctx, `SELECT idx, mesh, marked, samples, min_stress, max_stress,
		backup, next, kept, removed, duration_ms FROM iterations WHERE run_id=$1 ORDER BY idx`, id)
	if err != nil {
		return Run{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var it optimize.Iteration
		var ms int64
		if err := rows.Scan(&it.Index, &it.Mesh, &it.Marked, &it.Samples, &it.MinStress, &it.MaxStress,
			&it.Backup, &it.Next, &it.Kept, &it.Removed, &ms); err != nil {
			return Run{}, err
		}
		it.Duration = time.Duration(ms) * time.Millisecond
		run.History = append(run.History, it)
	}
	return run, rows.Err()
}

func (r *PostgresRunRepository) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, config, source_mesh, state, iterations, final_mesh, message, cancel_requested, created_at, updated_at
		FROM runs ORDER BY created_at DESC LIMIT $1`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (r *PostgresRunRepository) RequestCancel(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE runs SET cancel_requested=TRUE, updated_at=$2 WHERE id=$1`, id, time.Now().UTC())
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (r *PostgresRunRepository) CancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := r.db.QueryRowContext(ctx, `SELECT cancel_requested FROM runs WHERE id=$1`, id).Scan(&requested)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	return requested, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var run Run
	var cfg []byte
	var state string
	if err := s.Scan(&run.ID, &cfg, &run.SourceMesh, &state, &run.Iterations, &run.FinalMesh, &run.Message,
		&run.CancelRequested, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return Run{}, err
	}
	run.State = optimize.State(state)
	if err := json.Unmarshal(cfg, &run.Config); err != nil {
		return Run{}, fmt.Errorf("decode run config: %w", err)
	}
	return run, nil
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nextMesh(it optimize.Iteration) string {
	if it.Next != "" {
		return it.Next
	}
	return it.Mesh
}
