package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/moosh3/mindloom/pkg/types"
)

const runsSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id              TEXT PRIMARY KEY,
	runnable_kind   TEXT NOT NULL,
	runnable_id     TEXT NOT NULL,
	status          TEXT NOT NULL,
	input_variables JSONB,
	output_data     JSONB,
	error_message   TEXT NOT NULL DEFAULT '',
	submitted_at    TIMESTAMPTZ NOT NULL,
	started_at      TIMESTAMPTZ,
	ended_at        TIMESTAMPTZ,
	worker_handle   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs (status);
CREATE INDEX IF NOT EXISTS idx_runs_runnable_id ON runs (runnable_id);
`

const runColumns = `id, runnable_kind, runnable_id, status, input_variables, output_data, error_message, submitted_at, started_at, ended_at, worker_handle`

// PostgresStore persists runs in PostgreSQL through a pgx connection pool.
// It is the production driver: control plane and cluster workers share the
// same database, and the CAS runs as a single conditional UPDATE.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to databaseURL and ensures the runs schema.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, runsSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure runs schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) InsertPending(ctx context.Context, kind types.RunnableKind, runnableID string, inputVars map[string]any) (*types.Run, error) {
	inputJSON, err := marshalJSONB(inputVars)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal input variables: %w", err)
	}

	run := &types.Run{
		RunnableKind:   kind,
		RunnableID:     runnableID,
		Status:         types.StatusPending,
		InputVariables: inputVars,
		SubmittedAt:    time.Now().UTC(),
	}

	for attempt := 0; attempt < 5; attempt++ {
		run.ID = uuid.NewString()
		_, err := s.pool.Exec(ctx,
			`INSERT INTO runs (id, runnable_kind, runnable_id, status, input_variables, submitted_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			run.ID, string(kind), runnableID, string(types.StatusPending), inputJSON, run.SubmittedAt)
		if err == nil {
			return run, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			continue
		}
		return nil, fmt.Errorf("failed to insert run: %w", err)
	}
	return nil, fmt.Errorf("failed to allocate a unique run id")
}

func (s *PostgresStore) Transition(ctx context.Context, id string, expected, next types.Status, patch Patch) (bool, error) {
	if !expected.CanTransitionTo(next) {
		return false, fmt.Errorf("%s -> %s: %w", expected, next, types.ErrInvalidTransition)
	}

	outputJSON, err := marshalJSONB(patch.OutputData)
	if err != nil {
		return false, fmt.Errorf("failed to marshal output data: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET
			status = $3,
			started_at = COALESCE($4, started_at),
			ended_at = COALESCE($5, ended_at),
			worker_handle = CASE WHEN $6 = '' THEN worker_handle ELSE $6 END,
			output_data = COALESCE($7, output_data),
			error_message = CASE WHEN $8 = '' THEN error_message ELSE $8 END
		 WHERE id = $1 AND status = $2`,
		id, string(expected), string(next),
		patch.StartedAt, patch.EndedAt, patch.WorkerHandle, outputJSON, patch.ErrorMessage)
	if err != nil {
		return false, fmt.Errorf("failed to update run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a lost CAS from a missing run.
		if _, err := s.Fetch(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *PostgresStore) Fetch(ctx context.Context, id string) (*types.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch run %s: %w", id, err)
	}
	return run, nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*types.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var (
		clauses []string
		args    []any
	)
	if f.RunnableID != "" {
		args = append(args, f.RunnableID)
		clauses = append(clauses, fmt.Sprintf("runnable_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	for i, c := range clauses {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY submitted_at DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*types.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

func (s *PostgresStore) ForEachActive(ctx context.Context, fn func(*types.Run) error) error {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status = $1 OR status = $2 ORDER BY submitted_at`,
		string(types.StatusPending), string(types.StatusRunning))
	if err != nil {
		return fmt.Errorf("failed to query active runs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return fmt.Errorf("failed to scan run: %w", err)
		}
		if err := fn(run); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate active runs: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[types.Status]int, error) {
	counts := map[types.Status]int{
		types.StatusPending:   0,
		types.StatusRunning:   0,
		types.StatusCompleted: 0,
		types.StatusFailed:    0,
		types.StatusCancelled: 0,
	}
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[types.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}
	return counts, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// scanRun reads one run from a row produced by a runColumns select.
func scanRun(row pgx.Row) (*types.Run, error) {
	var (
		run        types.Run
		kind       string
		status     string
		inputJSON  []byte
		outputJSON []byte
	)
	err := row.Scan(&run.ID, &kind, &run.RunnableID, &status, &inputJSON, &outputJSON,
		&run.ErrorMessage, &run.SubmittedAt, &run.StartedAt, &run.EndedAt, &run.WorkerHandle)
	if err != nil {
		return nil, err
	}
	run.RunnableKind = types.RunnableKind(kind)
	run.Status = types.Status(status)
	if len(inputJSON) > 0 {
		if err := json.Unmarshal(inputJSON, &run.InputVariables); err != nil {
			return nil, fmt.Errorf("failed to unmarshal input variables: %w", err)
		}
	}
	if len(outputJSON) > 0 {
		if err := json.Unmarshal(outputJSON, &run.OutputData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal output data: %w", err)
		}
	}
	return &run, nil
}

// marshalJSONB encodes v for a JSONB column, mapping nil to SQL NULL.
func marshalJSONB(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
