package store

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
	"github.com/reelsmith/reelsmith/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Jobs ---

const jobColumns = `id, status, version, product, style, prompt, output_ref, previous_output_ref, error_message, edit_history, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.Status, &j.Version, &j.Product, &j.Style, &j.Prompt,
		&j.OutputRef, &j.PreviousOutputRef, &j.ErrorMessage, &j.EditHistory,
		&j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, status, version, product, style, prompt, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.Status, job.Version, job.Product, job.Style, job.Prompt,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, err
}

// Legal edges only: pending→processing→{completed,failed}, plus
// processing→pending for shutdown re-queueing.
var validTransitions = map[string][]string{
	models.JobStatusPending:    {models.JobStatusProcessing},
	models.JobStatusProcessing: {models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusPending},
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	var currentStatus string
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&currentStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}

	// Re-asserting the current status is an idempotent upsert, not a
	// transition; a retry attempt re-marks a processing job as processing.
	valid := status == currentStatus
	for _, a := range validTransitions[currentStatus] {
		if a == status {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, currentStatus, status)
	}

	now := time.Now().UTC()
	query := `UPDATE jobs SET status = $2, updated_at = $3`
	args := []any{id, status, now}
	argIdx := 4

	if params.ErrorMessage != nil {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *params.ErrorMessage)
		argIdx++
	}
	if params.OutputRef != nil {
		entry, err := json.Marshal([]models.EditEntry{{
			Op:        models.EditOpGenerated,
			Detail:    *params.OutputRef,
			Timestamp: now,
		}})
		if err != nil {
			return fmt.Errorf("marshal edit entry: %w", err)
		}
		query += fmt.Sprintf(
			", previous_output_ref = output_ref, output_ref = $%d, version = version + 1, edit_history = edit_history || $%d::jsonb",
			argIdx, argIdx+1)
		args = append(args, *params.OutputRef, entry)
		argIdx += 2
	}

	query += " WHERE id = $1"

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return nil
}

// RollbackJob swaps output_ref with previous_output_ref, bumps the version
// and appends a rollback entry to the edit history. Only completed jobs with
// a prior output can be rolled back.
func (s *PostgresStore) RollbackJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	entry, err := json.Marshal([]models.EditEntry{{
		Op:        models.EditOpRollback,
		Timestamp: time.Now().UTC(),
	}})
	if err != nil {
		return nil, fmt.Errorf("marshal edit entry: %w", err)
	}

	j, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE jobs SET
		   output_ref = previous_output_ref,
		   previous_output_ref = output_ref,
		   version = version + 1,
		   edit_history = edit_history || $2::jsonb,
		   updated_at = now()
		 WHERE id = $1 AND status = $3 AND previous_output_ref IS NOT NULL
		 RETURNING `+jobColumns, id, entry, models.JobStatusCompleted))
	if errors.Is(err, ErrNotFound) {
		// Distinguish a missing job from one that cannot be rolled back.
		if _, getErr := s.GetJob(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrNoPriorOutput
	}
	if err != nil {
		return nil, fmt.Errorf("rollback job: %w", err)
	}
	return j, nil
}

// --- Stages ---

const stageColumns = `job_id, name, status, progress, error_message, started_at, completed_at, created_at, updated_at`

func scanStage(row pgx.Row) (*models.Stage, error) {
	var st models.Stage
	err := row.Scan(&st.JobID, &st.Name, &st.Status, &st.Progress, &st.ErrorMessage,
		&st.StartedAt, &st.CompletedAt, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// UpsertStage creates the (job_id, name) row if absent, else updates it.
// started_at is set the first time the status reaches processing and
// completed_at the first time a terminal status is reached; concurrent
// writers converge because every field is an idempotent assignment.
func (s *PostgresStore) UpsertStage(ctx context.Context, jobID uuid.UUID, name string, upd StageUpdate) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO stages (job_id, name, status, progress, error_message, started_at, completed_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5,
		   CASE WHEN $3 = 'processing' THEN now() END,
		   CASE WHEN $3 IN ('completed', 'failed') THEN now() END,
		   now(), now())
		 ON CONFLICT (job_id, name) DO UPDATE SET
		   status = EXCLUDED.status,
		   progress = EXCLUDED.progress,
		   error_message = EXCLUDED.error_message,
		   started_at = COALESCE(stages.started_at, CASE WHEN EXCLUDED.status = 'processing' THEN now() END),
		   completed_at = COALESCE(stages.completed_at, CASE WHEN EXCLUDED.status IN ('completed', 'failed') THEN now() END),
		   updated_at = now()`,
		jobID, name, upd.Status, upd.Progress, upd.ErrorMessage)
	if err != nil {
		return fmt.Errorf("upsert stage %s: %w", name, err)
	}
	return nil
}

func (s *PostgresStore) GetStage(ctx context.Context, jobID uuid.UUID, name string) (*models.Stage, error) {
	st, err := scanStage(s.pool.QueryRow(ctx,
		`SELECT `+stageColumns+` FROM stages WHERE job_id = $1 AND name = $2`, jobID, name))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get stage: %w", err)
	}
	return st, err
}

func (s *PostgresStore) ListStages(ctx context.Context, jobID uuid.UUID) ([]*models.Stage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stageColumns+` FROM stages WHERE job_id = $1 ORDER BY created_at, name`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	defer rows.Close()

	var stages []*models.Stage
	for rows.Next() {
		var st models.Stage
		if err := rows.Scan(&st.JobID, &st.Name, &st.Status, &st.Progress, &st.ErrorMessage,
			&st.StartedAt, &st.CompletedAt, &st.CreatedAt, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		stages = append(stages, &st)
	}
	return stages, rows.Err()
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
