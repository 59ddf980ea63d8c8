// Package pipeline is the job orchestrator: the resumable state
// machine that sequences harvest stages, applies rate limiting and
// retries against the upstream graph API, persists checkpoints, and
// settles credits exactly once per run.
package pipeline

import (
	"context"

	"github.com/korenhskoh/SocyBase-sub000/internal/config"
	"github.com/korenhskoh/SocyBase-sub000/internal/logging"
	"github.com/korenhskoh/SocyBase-sub000/internal/models"
	"github.com/korenhskoh/SocyBase-sub000/internal/progress"
	"github.com/korenhskoh/SocyBase-sub000/internal/ratelimit"
	"github.com/korenhskoh/SocyBase-sub000/internal/source"
)

// JobStore is the job persistence collaborator.
type JobStore interface {
	GetByID(ctx context.Context, jobID string) (*models.Job, error)
	// GetStatus is the cheap status re-read used for cooperative
	// pause/cancel polling.
	GetStatus(ctx context.Context, jobID string) (models.JobStatus, error)
	Update(ctx context.Context, job *models.Job) error
	CompareAndSetStatus(ctx context.Context, jobID string, from, to models.JobStatus) (bool, error)
	SaveCheckpoint(ctx context.Context, job *models.Job) error
}

// ResultStore is the harvested-row persistence collaborator.
type ResultStore interface {
	BatchInsert(ctx context.Context, records []*models.ResultRecord) error
	MarkProfile(ctx context.Context, jobID, externalID string, status models.ResultStatus, errorMessage string, payload map[string]interface{}) error
	CopyToJob(ctx context.Context, fromJobID, toJobID string) (int, error)
	CopyProfilesForInput(ctx context.Context, tenantID, sourceInput, toJobID string) (int, error)
	ListSuccessfulProfileIDs(ctx context.Context, tenantID, sourceInput, excludeJobID string) (map[string]bool, error)
	GetByJob(ctx context.Context, jobID string, kind models.ResultKind) ([]*models.ResultRecord, error)
	CountByJob(ctx context.Context, jobID string) (int, error)
}

// Ledger is the credit billing collaborator.
type Ledger interface {
	GetBalance(ctx context.Context, tenantID string) (int64, error)
	Debit(ctx context.Context, tenantID string, amount int64, jobID, description string) (int64, error)
}

// Limiter admits upstream calls through the shared sliding windows.
type Limiter interface {
	WaitForDualSlot(ctx context.Context, tenantScope string, tenantLimit ratelimit.Limit, globalScope string, globalLimit ratelimit.Limit) (bool, error)
}

// Publisher broadcasts progress snapshots, best effort.
type Publisher interface {
	Publish(ctx context.Context, snap progress.Snapshot)
}

// Runner executes one job at a time as a sequential state machine.
// Safe for concurrent use across distinct jobs.
type Runner struct {
	jobs      JobStore
	results   ResultStore
	ledger    Ledger
	limiter   Limiter
	publisher Publisher
	source    source.Client

	cfg    config.PipelineConfig
	limits config.RateLimitConfig
	logger *logging.Logger
}

// RunnerOptions wires a Runner's collaborators.
type RunnerOptions struct {
	Jobs      JobStore
	Results   ResultStore
	Ledger    Ledger
	Limiter   Limiter
	Publisher Publisher
	Source    source.Client
	Pipeline  config.PipelineConfig
	RateLimit config.RateLimitConfig
	Logger    *logging.Logger
}

// NewRunner creates a runner.
func NewRunner(opts RunnerOptions) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Runner{
		jobs:      opts.Jobs,
		results:   opts.Results,
		ledger:    opts.Ledger,
		limiter:   opts.Limiter,
		publisher: opts.Publisher,
		source:    opts.Source,
		cfg:       opts.Pipeline,
		limits:    opts.RateLimit,
		logger:    logger,
	}
}

func (r *Runner) tenantLimit() ratelimit.Limit {
	return ratelimit.Limit{MaxRequests: r.limits.TenantMaxRequests, Window: r.limits.TenantWindow}
}

func (r *Runner) globalLimit() ratelimit.Limit {
	return ratelimit.Limit{MaxRequests: r.limits.GlobalMaxRequests, Window: r.limits.GlobalWindow}
}
