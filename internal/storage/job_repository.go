package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/korenhskoh/SocyBase-sub000/internal/models"
)

// ErrJobNotFound is returned when a job id does not exist.
var ErrJobNotFound = errors.New("job not found")

const jobColumns = `
	id, tenant_id, kind, status, input, settings,
	total_items, processed_items, failed_items, progress_pct,
	credits_estimated, credits_used, pipeline_state, error,
	created_at, updated_at, started_at, completed_at
`

// JobRepository handles job persistence.
type JobRepository struct {
	db *PostgresDB
}

// NewJobRepository creates a new job repository.
func NewJobRepository(db *PostgresDB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a new job record.
func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	settings, state, jobErr, err := marshalJobBlobs(job)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`

	_, err = r.db.Pool().Exec(ctx, query,
		job.ID, job.TenantID, job.Kind, job.Status, job.Input, settings,
		job.TotalItems, job.ProcessedItems, job.FailedItems, job.ProgressPct,
		job.CreditsEstimated, job.CreditsUsed, state, jobErr,
		job.CreatedAt, job.UpdatedAt, job.StartedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetByID retrieves a job by its identifier.
func (r *JobRepository) GetByID(ctx context.Context, jobID string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	row := r.db.Pool().QueryRow(ctx, query, jobID)
	return scanJob(row)
}

// GetStatus re-reads only the persisted status of a job. The pipeline
// calls this at stage boundaries and inside fetch loops to observe
// externally-requested pause/cancel.
func (r *JobRepository) GetStatus(ctx context.Context, jobID string) (models.JobStatus, error) {
	var status models.JobStatus
	err := r.db.Pool().QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrJobNotFound
		}
		return "", fmt.Errorf("failed to read job status: %w", err)
	}
	return status, nil
}

// Update persists the full mutable portion of a job.
func (r *JobRepository) Update(ctx context.Context, job *models.Job) error {
	settings, state, jobErr, err := marshalJobBlobs(job)
	if err != nil {
		return err
	}

	job.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE jobs
		SET status = $2, settings = $3,
			total_items = $4, processed_items = $5, failed_items = $6, progress_pct = $7,
			credits_estimated = $8, credits_used = $9, pipeline_state = $10, error = $11,
			updated_at = $12, started_at = $13, completed_at = $14
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query,
		job.ID, job.Status, settings,
		job.TotalItems, job.ProcessedItems, job.FailedItems, job.ProgressPct,
		job.CreditsEstimated, job.CreditsUsed, state, jobErr,
		job.UpdatedAt, job.StartedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrJobNotFound
	}

	return nil
}

// UpdateStatus sets the status of a job. Used by external callers to
// request pause/cancel and by the dispatcher on terminal bookkeeping.
func (r *JobRepository) UpdateStatus(ctx context.Context, jobID string, status models.JobStatus) error {
	query := `UPDATE jobs SET status = $2, updated_at = now() WHERE id = $1`
	result, err := r.db.Pool().Exec(ctx, query, jobID, status)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// CompareAndSetStatus transitions status only when the current value
// matches. Returns false when another writer got there first.
func (r *JobRepository) CompareAndSetStatus(ctx context.Context, jobID string, from, to models.JobStatus) (bool, error) {
	query := `UPDATE jobs SET status = $3, updated_at = now() WHERE id = $1 AND status = $2`
	result, err := r.db.Pool().Exec(ctx, query, jobID, from, to)
	if err != nil {
		return false, fmt.Errorf("failed to transition job status: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// SaveCheckpoint persists the pipeline state blob together with the
// progress counters. Called after every fetched page and every few
// enriched profiles so observers always see a recent snapshot.
func (r *JobRepository) SaveCheckpoint(ctx context.Context, job *models.Job) error {
	state, err := json.Marshal(job.PipelineState)
	if err != nil {
		return fmt.Errorf("failed to marshal pipeline state: %w", err)
	}

	query := `
		UPDATE jobs
		SET pipeline_state = $2,
			total_items = $3, processed_items = $4, failed_items = $5, progress_pct = $6,
			updated_at = now()
		WHERE id = $1
	`
	result, err := r.db.Pool().Exec(ctx, query,
		job.ID, state,
		job.TotalItems, job.ProcessedItems, job.FailedItems, job.ProgressPct,
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// ListByStatus retrieves jobs in a given status, oldest first.
func (r *JobRepository) ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = $1 ORDER BY created_at ASC LIMIT $2`

	rows, err := r.db.Pool().Query(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var settings, state, jobErr []byte

	err := row.Scan(
		&job.ID, &job.TenantID, &job.Kind, &job.Status, &job.Input, &settings,
		&job.TotalItems, &job.ProcessedItems, &job.FailedItems, &job.ProgressPct,
		&job.CreditsEstimated, &job.CreditsUsed, &state, &jobErr,
		&job.CreatedAt, &job.UpdatedAt, &job.StartedAt, &job.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &job.Settings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job settings: %w", err)
		}
	}
	if len(state) > 0 {
		if err := json.Unmarshal(state, &job.PipelineState); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pipeline state: %w", err)
		}
	}
	if len(jobErr) > 0 {
		var je models.JobError
		if err := json.Unmarshal(jobErr, &je); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job error: %w", err)
		}
		job.Error = &je
	}

	return &job, nil
}

func marshalJobBlobs(job *models.Job) (settings, state, jobErr []byte, err error) {
	settings, err = json.Marshal(job.Settings)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal job settings: %w", err)
	}
	state, err = json.Marshal(job.PipelineState)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal pipeline state: %w", err)
	}
	if job.Error != nil {
		jobErr, err = json.Marshal(job.Error)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal job error: %w", err)
		}
	}
	return settings, state, jobErr, nil
}
