package models

import (
	"time"
)

// JobKind identifies the pipeline variant a job runs.
type JobKind string

const (
	KindCommentHarvest JobKind = "comment_harvest"
	KindPostDiscovery  JobKind = "post_discovery"
)

// JobStatus is the persisted lifecycle state of a job.
type JobStatus string

const (
	StatusScheduled JobStatus = "scheduled"
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusPaused    JobStatus = "paused"
	StatusCancelled JobStatus = "cancelled"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status ends a run. Paused jobs end the
// run but stay resumable.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusPaused, StatusCancelled, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// JobSettings holds the recognized free-form settings of a job.
// Unrecognized keys are preserved in storage but ignored here.
type JobSettings struct {
	// ProfileRetryCount overrides per-profile enrichment retries (0-3).
	ProfileRetryCount *int `json:"profile_retry_count,omitempty"`
	// ResumeFromJobID marks this job as a resume of a prior job.
	ResumeFromJobID string `json:"resume_from_job_id,omitempty"`
	// StartFromCursor resumes comment pagination from a single saved
	// cursor, a lighter-weight continuation than a full job resume.
	StartFromCursor string `json:"start_from_cursor,omitempty"`
	// StartFromPageParams resumes pagination from a full saved
	// pagination descriptor.
	StartFromPageParams map[string]string `json:"start_from_page_params,omitempty"`
	// MaxPages caps feed/comment pagination.
	MaxPages *int `json:"max_pages,omitempty"`
	// IgnoreDuplicateUsers excludes commenters already scraped for the
	// same input by earlier jobs of the tenant.
	IgnoreDuplicateUsers bool `json:"ignore_duplicate_users,omitempty"`
}

// JobError records the terminal failure of a job.
type JobError struct {
	Stage   string    `json:"stage"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Job is one tenant-initiated unit of harvesting work.
type Job struct {
	ID       string
	TenantID string
	Kind     JobKind
	Status   JobStatus
	// Input is the upstream target: a post URL, page handle or group URL.
	Input    string
	Settings JobSettings

	TotalItems     int
	ProcessedItems int
	FailedItems    int
	ProgressPct    float64

	CreditsEstimated int64
	CreditsUsed      int64

	PipelineState PipelineState
	Error         *JobError

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// ProfileRetry returns the per-profile retry count, clamped to 0-3.
func (j *Job) ProfileRetry(defaultRetries int) int {
	retries := defaultRetries
	if j.Settings.ProfileRetryCount != nil {
		retries = *j.Settings.ProfileRetryCount
	}
	if retries < 0 {
		retries = 0
	}
	if retries > 3 {
		retries = 3
	}
	return retries
}

// PageCap returns the pagination cap for this job.
func (j *Job) PageCap(defaultCap int) int {
	if j.Settings.MaxPages != nil && *j.Settings.MaxPages > 0 {
		return *j.Settings.MaxPages
	}
	return defaultCap
}

// IsResume reports whether the job continues an earlier job.
func (j *Job) IsResume() bool {
	return j.Settings.ResumeFromJobID != ""
}
