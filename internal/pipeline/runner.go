package pipeline

import (
	"context"
	"fmt"
	"time"

	harvesterrors "github.com/korenhskoh/SocyBase-sub000/internal/errors"
	"github.com/korenhskoh/SocyBase-sub000/internal/logging"
	"github.com/korenhskoh/SocyBase-sub000/internal/models"
	"github.com/korenhskoh/SocyBase-sub000/internal/progress"
	"github.com/korenhskoh/SocyBase-sub000/internal/source"
)

// haltError signals that a pause/cancel request was observed at a
// cooperative polling point. It carries the requested status so the
// terminal path can settle the run accordingly.
type haltError struct {
	status models.JobStatus
}

func (e *haltError) Error() string {
	return fmt.Sprintf("halt requested: %s", e.status)
}

// runState is the in-memory state of one run.
type runState struct {
	job    *models.Job
	logger *logging.Logger

	parsed *source.ParsedInput
	// pinned is the token variant that last succeeded for this job.
	pinned source.TokenVariant

	// seen maps external ids already stored this run, per result kind.
	seen map[models.ResultKind]map[string]bool
	// toEnrich is the first-seen ordered list of commenter ids left
	// for enrichment, with the first-seen display names.
	toEnrich []string
	names    map[string]string

	bill billable
	// resultRows mirrors the persisted row count for progress.
	resultRows int
}

func newRunState(job *models.Job, logger *logging.Logger) *runState {
	return &runState{
		job:    job,
		logger: logger,
		seen: map[models.ResultKind]map[string]bool{
			models.ResultComment: {},
			models.ResultProfile: {},
			models.ResultPost:    {},
		},
		names: map[string]string{},
	}
}

// markSeen records an external id, reporting whether it was new.
func (rs *runState) markSeen(kind models.ResultKind, externalID string) bool {
	if rs.seen[kind][externalID] {
		return false
	}
	rs.seen[kind][externalID] = true
	return true
}

// Run executes one job to a terminal state. It never returns an error
// for job-level failures: those are recorded on the job itself. The
// returned error covers only infrastructure faults that prevented the
// job record from being settled.
func (r *Runner) Run(ctx context.Context, jobID string) error {
	job, err := r.jobs.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load job %s: %w", jobID, err)
	}

	logger := r.logger.WithJob(job.ID, job.TenantID)

	if err := r.claim(ctx, job); err != nil {
		logger.WithError(err).Warn("job not claimable, skipping")
		return nil
	}
	logger.WithField("kind", job.Kind).Info("job run started")

	deadline := r.cfg.RunDeadline
	if deadline <= 0 {
		deadline = 32 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	rs := newRunState(job, logger)
	runErr := r.execute(runCtx, rs)

	// The wall-clock limit is a distinguished, resumable outcome, not
	// a generic failure.
	if runErr != nil && runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		runErr = harvesterrors.NewRunTimeout(deadline.String())
	}

	// Terminal settlement must survive the expired run context.
	return r.finish(context.WithoutCancel(ctx), rs, runErr)
}

// claim transitions the job into running. Jobs arrive either directly
// queued or already claimed by a dispatcher as scheduled.
func (r *Runner) claim(ctx context.Context, job *models.Job) error {
	for _, from := range []models.JobStatus{models.StatusScheduled, models.StatusQueued} {
		ok, err := r.jobs.CompareAndSetStatus(ctx, job.ID, from, models.StatusRunning)
		if err != nil {
			return err
		}
		if ok {
			now := time.Now().UTC()
			job.Status = models.StatusRunning
			job.StartedAt = &now
			return nil
		}
	}
	return fmt.Errorf("job %s is not in a claimable status", job.ID)
}

// execute runs the stage sequence for the job's kind, wrapping any
// panic into an internal error so no failure escapes the run boundary.
func (r *Runner) execute(ctx context.Context, rs *runState) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			rs.logger.WithField("panic", rec).Error("stage panicked")
			err = harvesterrors.NewInternal(fmt.Sprintf("panic: %v", rec), nil)
		}
	}()

	if err := r.prepareResume(ctx, rs); err != nil {
		return err
	}
	if err := r.preflight(ctx, rs); err != nil {
		return err
	}

	switch rs.job.Kind {
	case models.KindPostDiscovery:
		return r.runPostDiscovery(ctx, rs)
	default:
		return r.runCommentHarvest(ctx, rs)
	}
}

// preflight verifies the tenant can pay for at least one page before
// any upstream call is issued.
func (r *Runner) preflight(ctx context.Context, rs *runState) error {
	balance, err := r.ledger.GetBalance(ctx, rs.job.TenantID)
	if err != nil {
		return harvesterrors.NewInternal("failed to check credit balance", err)
	}
	if balance < 1 {
		return harvesterrors.NewInsufficientCredits(rs.job.TenantID, 1, balance)
	}
	rs.job.CreditsEstimated = int64(rs.job.PageCap(r.cfg.DefaultMaxPages))
	return nil
}

// prepareResume copies the prior job's rows and seeds pagination state
// when this job resumes an earlier one. Copied rows are free.
func (r *Runner) prepareResume(ctx context.Context, rs *runState) error {
	if !rs.job.IsResume() {
		return nil
	}
	fromID := rs.job.Settings.ResumeFromJobID

	copied, err := r.results.CopyToJob(ctx, fromID, rs.job.ID)
	if err != nil {
		return harvesterrors.NewInternal(fmt.Sprintf("failed to copy results from job %s", fromID), err)
	}
	rs.resultRows += copied
	rs.logger.WithFields(map[string]interface{}{
		"resume_from": fromID,
		"rows_copied": copied,
	}).Info("resumed job seeded from prior results")

	// Pre-seed the dedup sets so copied rows are not fetched again.
	for _, kind := range []models.ResultKind{models.ResultComment, models.ResultPost} {
		rows, err := r.results.GetByJob(ctx, rs.job.ID, kind)
		if err != nil {
			return harvesterrors.NewInternal("failed to load copied results", err)
		}
		for _, row := range rows {
			rs.seen[kind][row.ExternalID] = true
		}
	}

	// Copied profiles split by status: settled rows count as done,
	// rows the prior run never enriched go back on the worklist.
	profiles, err := r.results.GetByJob(ctx, rs.job.ID, models.ResultProfile)
	if err != nil {
		return harvesterrors.NewInternal("failed to load copied profiles", err)
	}
	for _, row := range profiles {
		rs.names[row.ExternalID] = row.Name
		switch row.Status {
		case models.ResultPending:
			rs.toEnrich = append(rs.toEnrich, row.ExternalID)
		case models.ResultFailed:
			rs.seen[models.ResultProfile][row.ExternalID] = true
			rs.job.FailedItems++
		default:
			rs.seen[models.ResultProfile][row.ExternalID] = true
			rs.job.ProcessedItems++
		}
	}

	prior, err := r.jobs.GetByID(ctx, fromID)
	if err != nil {
		return harvesterrors.NewInternal(fmt.Sprintf("failed to load prior job %s", fromID), err)
	}
	// Carry the prior checkpoint forward so a mid-pagination stage
	// re-enters at its saved descriptor.
	rs.job.PipelineState = prior.PipelineState.Clone()
	rs.job.PipelineState = rs.job.PipelineState.AppendEvent("info", models.StageParseInput,
		fmt.Sprintf("resumed from job %s, %d rows copied", fromID, copied))
	return nil
}

// checkHalt is the cooperative pause/cancel polling point. It re-reads
// the persisted status and returns a haltError when an external
// pause/cancel request is pending.
func (r *Runner) checkHalt(ctx context.Context, rs *runState) error {
	status, err := r.jobs.GetStatus(ctx, rs.job.ID)
	if err != nil {
		return harvesterrors.NewInternal("failed to poll job status", err)
	}
	if status == models.StatusPaused || status == models.StatusCancelled {
		rs.logger.WithField("requested", status).Info("halt request observed")
		return &haltError{status: status}
	}
	return nil
}

// finish is the single terminal exit: it settles credits for the work
// actually performed, persists the final job record, and publishes the
// closing snapshot. Charging happens exactly once regardless of which
// path ended the run.
func (r *Runner) finish(ctx context.Context, rs *runState, runErr error) error {
	job := rs.job
	now := time.Now().UTC()

	var status models.JobStatus
	switch e := runErr.(type) {
	case nil:
		status = models.StatusCompleted
	case *haltError:
		status = e.status
	default:
		status = models.StatusFailed
		he := harvesterrors.Categorize(runErr)
		job.Error = &models.JobError{
			Stage:   job.PipelineState.CurrentStage,
			Kind:    string(he.Category),
			Message: he.Message,
			At:      now,
		}
		job.PipelineState = job.PipelineState.AppendEvent("error", job.PipelineState.CurrentStage, he.Message)
	}

	credits := rs.bill.credits(job.Kind)
	if credits > 0 {
		description := fmt.Sprintf("%s: %d pages, %d profiles", job.Kind, rs.bill.pagesFetched, rs.bill.profilesEnriched)
		if _, err := r.ledger.Debit(ctx, job.TenantID, credits, job.ID, description); err != nil {
			// The balance row is the serialization point; a failed
			// debit is recorded but must not lose the job's terminal
			// state.
			rs.logger.WithError(err).Error("failed to settle credits")
			job.PipelineState = job.PipelineState.AppendEvent("error", models.StageFinalize,
				fmt.Sprintf("credit settlement failed: %v", err))
		} else {
			job.CreditsUsed = credits
		}
	}

	job.Status = status
	job.CompletedAt = &now
	if job.TotalItems > 0 {
		job.ProgressPct = float64(job.ProcessedItems) / float64(job.TotalItems) * 100
	} else if status == models.StatusCompleted {
		job.ProgressPct = 100
	}
	job.PipelineState = job.PipelineState.AppendEvent("info", models.StageFinalize,
		fmt.Sprintf("run ended: status=%s credits=%d", status, credits))

	if err := r.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("failed to persist terminal state for job %s: %w", job.ID, err)
	}
	r.publisher.Publish(ctx, progress.FromJob(job, rs.resultRows))

	rs.logger.WithFields(map[string]interface{}{
		"status":  status,
		"credits": credits,
		"pages":   rs.bill.pagesFetched,
	}).Info("job run finished")
	return nil
}

// checkpoint merges the stage patch into the pipeline state, persists
// it, and publishes a progress snapshot. Called after every page and
// every few enrichment items so a resume always has a recent snapshot.
func (r *Runner) checkpoint(ctx context.Context, rs *runState, stage string, patch models.StageState) error {
	job := rs.job
	job.PipelineState = job.PipelineState.MergeStage(stage, patch)
	if job.TotalItems > 0 {
		job.ProgressPct = float64(job.ProcessedItems) / float64(job.TotalItems) * 100
	}
	if err := r.jobs.SaveCheckpoint(ctx, job); err != nil {
		return harvesterrors.NewInternal("failed to save checkpoint", err)
	}
	r.publisher.Publish(ctx, progress.FromJob(job, rs.resultRows))
	return nil
}

// appendLog appends one structured event and persists it with the
// current checkpoint.
func (r *Runner) appendLog(ctx context.Context, rs *runState, level, stage, message string) {
	rs.job.PipelineState = rs.job.PipelineState.AppendEvent(level, stage, message)
	if err := r.jobs.SaveCheckpoint(ctx, rs.job); err != nil {
		rs.logger.WithError(err).Warn("failed to persist stage event")
	}
}
