// Package progress broadcasts job progress snapshots over Redis
// pub/sub so API consumers can stream live updates without polling
// Postgres.
package progress

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/korenhskoh/SocyBase-sub000/internal/logging"
	"github.com/korenhskoh/SocyBase-sub000/internal/models"
)

// ChannelPrefix is the pub/sub channel namespace for job progress.
const ChannelPrefix = "job_progress:"

// Snapshot is one progress update. Counters are cumulative for the
// whole job, including rows copied from a prior run on resume.
type Snapshot struct {
	JobID          string  `json:"job_id"`
	Status         string  `json:"status"`
	ProgressPct    float64 `json:"progress_pct"`
	ProcessedItems int     `json:"processed_items"`
	TotalItems     int     `json:"total_items"`
	FailedItems    int     `json:"failed_items"`
	ResultRowCount int     `json:"result_row_count"`
	CurrentStage   string  `json:"current_stage,omitempty"`
	Message        string  `json:"message,omitempty"`
}

// Publisher emits snapshots. Publishing is best effort: a pub/sub
// failure never fails the job.
type Publisher struct {
	redis  redis.Cmdable
	logger *logging.Logger
}

// NewPublisher creates a publisher on the given Redis client.
func NewPublisher(client redis.Cmdable, logger *logging.Logger) *Publisher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{redis: client, logger: logger}
}

// Channel returns the pub/sub channel name for a job.
func Channel(jobID string) string {
	return ChannelPrefix + jobID
}

// Publish emits one snapshot for the job. Errors are logged and
// swallowed.
func (p *Publisher) Publish(ctx context.Context, snap Snapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		p.logger.WithError(err).WithField("job_id", snap.JobID).Warn("failed to marshal progress snapshot")
		return
	}
	if err := p.redis.Publish(ctx, Channel(snap.JobID), payload).Err(); err != nil {
		p.logger.WithError(err).WithField("job_id", snap.JobID).Warn("failed to publish progress snapshot")
	}
}

// FromJob builds a snapshot out of the job's persisted counters.
// resultRows is the current count of persisted result rows.
func FromJob(job *models.Job, resultRows int) Snapshot {
	snap := Snapshot{
		JobID:          job.ID,
		Status:         string(job.Status),
		ProcessedItems: job.ProcessedItems,
		TotalItems:     job.TotalItems,
		FailedItems:    job.FailedItems,
		ResultRowCount: resultRows,
		CurrentStage:   job.PipelineState.CurrentStage,
	}
	if job.TotalItems > 0 {
		snap.ProgressPct = float64(job.ProcessedItems) / float64(job.TotalItems) * 100
	}
	return snap
}

// Subscribe opens a subscription for one job's channel. The caller
// owns the returned PubSub and must Close it. Only concrete
// *redis.Client values support pub/sub.
func (p *Publisher) Subscribe(ctx context.Context, jobID string) (*redis.PubSub, error) {
	client, ok := p.redis.(*redis.Client)
	if !ok {
		return nil, fmt.Errorf("redis client does not support pub/sub")
	}
	return client.Subscribe(ctx, Channel(jobID)), nil
}
