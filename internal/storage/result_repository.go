package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/korenhskoh/SocyBase-sub000/internal/models"
)

// ResultRepository handles harvested result rows.
type ResultRepository struct {
	db *PostgresDB
}

// NewResultRepository creates a new result repository.
func NewResultRepository(db *PostgresDB) *ResultRepository {
	return &ResultRepository{db: db}
}

// BatchInsert stores a batch of result rows. Rows whose (job, kind,
// external id) already exist are skipped, which keeps page re-fetches
// after a crash idempotent.
func (r *ResultRepository) BatchInsert(ctx context.Context, records []*models.ResultRecord) error {
	if len(records) == 0 {
		return nil
	}

	query := `
		INSERT INTO results (
			id, job_id, tenant_id, kind, external_id, name, payload,
			status, error_message, source_input, copied_from_job_id, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (job_id, kind, external_id) DO NOTHING
	`

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin result insert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, rec := range records {
		payload, err := json.Marshal(rec.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal result payload: %w", err)
		}
		var copiedFrom *string
		if rec.CopiedFromJobID != "" {
			copiedFrom = &rec.CopiedFromJobID
		}
		_, err = tx.Exec(ctx, query,
			rec.ID, rec.JobID, rec.TenantID, rec.Kind, rec.ExternalID, rec.Name, payload,
			rec.Status, rec.ErrorMessage, rec.SourceInput, copiedFrom, rec.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert result %s: %w", rec.ExternalID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit result insert: %w", err)
	}
	return nil
}

// MarkProfile updates the enrichment status of a single profile row.
// This is the only mutation allowed on a written result.
func (r *ResultRepository) MarkProfile(ctx context.Context, jobID, externalID string, status models.ResultStatus, errorMessage string, payload map[string]interface{}) error {
	var blob []byte
	if payload != nil {
		var err error
		blob, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal profile payload: %w", err)
		}
	}

	query := `
		UPDATE results
		SET status = $3, error_message = $4, payload = COALESCE($5, payload)
		WHERE job_id = $1 AND kind = 'profile' AND external_id = $2
	`
	result, err := r.db.Pool().Exec(ctx, query, jobID, externalID, status, errorMessage, blob)
	if err != nil {
		return fmt.Errorf("failed to mark profile %s: %w", externalID, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("profile row not found: %s", externalID)
	}
	return nil
}

// CopyToJob copies every result row of a source job into the target
// job without touching the upstream. Copied rows keep their payloads
// and statuses and record the job they came from. Returns the number
// of rows copied.
func (r *ResultRepository) CopyToJob(ctx context.Context, fromJobID, toJobID string) (int, error) {
	query := `
		INSERT INTO results (
			id, job_id, tenant_id, kind, external_id, name, payload,
			status, error_message, source_input, copied_from_job_id, created_at
		)
		SELECT gen_random_uuid(), $2, tenant_id, kind, external_id, name, payload,
			   status, error_message, source_input, $1, now()
		FROM results
		WHERE job_id = $1
		ON CONFLICT (job_id, kind, external_id) DO NOTHING
	`
	result, err := r.db.Pool().Exec(ctx, query, fromJobID, toJobID)
	if err != nil {
		return 0, fmt.Errorf("failed to copy results from job %s: %w", fromJobID, err)
	}
	return int(result.RowsAffected()), nil
}

// CopyProfilesForInput copies the latest successful profile rows other
// jobs of the tenant produced for the same input into the target job.
// Used by cross-job deduplication so excluded commenters still appear
// in the job's results, at zero upstream cost. Returns the number of
// rows copied.
func (r *ResultRepository) CopyProfilesForInput(ctx context.Context, tenantID, sourceInput, toJobID string) (int, error) {
	query := `
		INSERT INTO results (
			id, job_id, tenant_id, kind, external_id, name, payload,
			status, error_message, source_input, copied_from_job_id, created_at
		)
		SELECT DISTINCT ON (external_id)
			   gen_random_uuid(), $3, tenant_id, kind, external_id, name, payload,
			   status, error_message, source_input, job_id, now()
		FROM results
		WHERE tenant_id = $1 AND source_input = $2 AND kind = 'profile'
		  AND status = 'success' AND job_id <> $3
		ORDER BY external_id, created_at DESC
		ON CONFLICT (job_id, kind, external_id) DO NOTHING
	`
	result, err := r.db.Pool().Exec(ctx, query, tenantID, sourceInput, toJobID)
	if err != nil {
		return 0, fmt.Errorf("failed to copy profiles for input %s: %w", sourceInput, err)
	}
	return int(result.RowsAffected()), nil
}

// ListSuccessfulProfileIDs returns the external ids of profiles
// already scraped successfully for the same input by other jobs of the
// tenant. Used for cross-job deduplication.
func (r *ResultRepository) ListSuccessfulProfileIDs(ctx context.Context, tenantID, sourceInput, excludeJobID string) (map[string]bool, error) {
	query := `
		SELECT DISTINCT external_id
		FROM results
		WHERE tenant_id = $1 AND source_input = $2 AND kind = 'profile'
		  AND status = 'success' AND job_id <> $3
	`
	rows, err := r.db.Pool().Query(ctx, query, tenantID, sourceInput, excludeJobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scraped profiles: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan profile id: %w", err)
		}
		seen[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating profile ids: %w", err)
	}
	return seen, nil
}

// GetByJob returns result rows of one kind for a job.
func (r *ResultRepository) GetByJob(ctx context.Context, jobID string, kind models.ResultKind) ([]*models.ResultRecord, error) {
	query := `
		SELECT id, job_id, tenant_id, kind, external_id, name, payload,
			   status, error_message, source_input, copied_from_job_id, created_at
		FROM results
		WHERE job_id = $1 AND kind = $2
		ORDER BY created_at ASC
	`
	rows, err := r.db.Pool().Query(ctx, query, jobID, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	var records []*models.ResultRecord
	for rows.Next() {
		var rec models.ResultRecord
		var payload []byte
		var copiedFrom *string
		err := rows.Scan(
			&rec.ID, &rec.JobID, &rec.TenantID, &rec.Kind, &rec.ExternalID, &rec.Name, &payload,
			&rec.Status, &rec.ErrorMessage, &rec.SourceInput, &copiedFrom, &rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &rec.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal result payload: %w", err)
			}
		}
		if copiedFrom != nil {
			rec.CopiedFromJobID = *copiedFrom
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating results: %w", err)
	}
	return records, nil
}

// CountByJob returns the number of result rows owned by a job.
func (r *ResultRepository) CountByJob(ctx context.Context, jobID string) (int, error) {
	var count int
	err := r.db.Pool().QueryRow(ctx, `SELECT count(*) FROM results WHERE job_id = $1`, jobID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count results: %w", err)
	}
	return count, nil
}
