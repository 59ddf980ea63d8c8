// Package worker dispatches queued jobs to the pipeline runner. Each
// job runs as one sequential goroutine; the dispatcher only bounds how
// many run at once.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/korenhskoh/SocyBase-sub000/internal/config"
	"github.com/korenhskoh/SocyBase-sub000/internal/logging"
	"github.com/korenhskoh/SocyBase-sub000/internal/models"
)

// JobSource lists and claims dispatchable jobs.
type JobSource interface {
	ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error)
	// CompareAndSetStatus claims a job so one process never dispatches
	// it twice. There is no cross-process lease; see the design notes.
	CompareAndSetStatus(ctx context.Context, jobID string, from, to models.JobStatus) (bool, error)
}

// JobRunner executes one claimed job to a terminal state.
type JobRunner interface {
	Run(ctx context.Context, jobID string) error
}

// Dispatcher polls for queued jobs and hands them to the runner.
type Dispatcher struct {
	jobs   JobSource
	runner JobRunner
	logger *logging.Logger

	pollInterval time.Duration
	slots        chan struct{}
	wg           sync.WaitGroup
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(jobs JobSource, runner JobRunner, cfg config.WorkerConfig, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	concurrency := cfg.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Dispatcher{
		jobs:         jobs,
		runner:       runner,
		logger:       logger,
		pollInterval: pollInterval,
		slots:        make(chan struct{}, concurrency),
	}
}

// Start polls until the context is cancelled, then waits for in-flight
// jobs to finish.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.WithField("poll_interval", d.pollInterval).Info("dispatcher started")
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping, waiting for running jobs")
			d.wg.Wait()
			d.logger.Info("dispatcher stopped")
			return
		case <-ticker.C:
			d.dispatchBatch(ctx)
		}
	}
}

// dispatchBatch claims as many queued jobs as there are free slots and
// starts them.
func (d *Dispatcher) dispatchBatch(ctx context.Context) {
	free := cap(d.slots) - len(d.slots)
	if free == 0 {
		return
	}

	jobs, err := d.jobs.ListByStatus(ctx, models.StatusQueued, free)
	if err != nil {
		d.logger.WithError(err).Error("failed to list queued jobs")
		return
	}

	for _, job := range jobs {
		claimed, err := d.jobs.CompareAndSetStatus(ctx, job.ID, models.StatusQueued, models.StatusScheduled)
		if err != nil {
			d.logger.WithError(err).WithField("job_id", job.ID).Error("failed to claim job")
			continue
		}
		if !claimed {
			continue
		}

		select {
		case d.slots <- struct{}{}:
		case <-ctx.Done():
			return
		}

		d.wg.Add(1)
		go func(jobID string) {
			defer d.wg.Done()
			defer func() { <-d.slots }()
			if err := d.runner.Run(ctx, jobID); err != nil {
				d.logger.WithError(err).WithField("job_id", jobID).Error("job run failed")
			}
		}(job.ID)
	}
}
