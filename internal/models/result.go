package models

import "time"

// ResultKind identifies the type of a harvested row.
type ResultKind string

const (
	ResultComment ResultKind = "comment"
	ResultProfile ResultKind = "profile"
	ResultPost    ResultKind = "post"
)

// ResultStatus is the per-row enrichment status. Only profile rows
// transition after insert; comments and posts stay success.
type ResultStatus string

const (
	ResultPending ResultStatus = "pending"
	ResultSuccess ResultStatus = "success"
	ResultFailed  ResultStatus = "failed"
)

// ResultRecord is one harvested unit owned by a job. Rows are
// immutable once written except for the status/error fields updated
// during profile enrichment.
type ResultRecord struct {
	ID       string
	JobID    string
	TenantID string
	Kind     ResultKind
	// ExternalID is the upstream identifier: comment id, user id or
	// post id, unique per (job, kind).
	ExternalID string
	// Name is the display name first seen for the record.
	Name string
	// Payload is the normalized upstream payload.
	Payload map[string]interface{}
	Status  ResultStatus
	// ErrorMessage carries the cause when enrichment exhausted retries.
	ErrorMessage string
	// SourceInput is the normalized input identity, used for
	// cross-job deduplication within a tenant.
	SourceInput string
	// CopiedFromJobID is set when the row was copied by a resume job
	// instead of being fetched again.
	CopiedFromJobID string
	CreatedAt       time.Time
}
