package types

import (
	"fmt"
	"time"
)

// Batch limits
const (
	MaxBatchItems    = 50
	MaxBatchParallel = 10
	MinItemTimeout   = 1  // seconds
	MaxItemTimeout   = 60 // seconds
)

// JobStatus represents the lifecycle state of a batch job
type JobStatus string

// Job status constants
const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusPartial    JobStatus = "partial"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusPartial || s == JobStatusFailed
}

// ItemStatus represents the lifecycle state of a single batch item
type ItemStatus string

// Item status constants
const (
	ItemStatusPending    ItemStatus = "pending"
	ItemStatusProcessing ItemStatus = "processing"
	ItemStatusCompleted  ItemStatus = "completed"
	ItemStatusFailed     ItemStatus = "failed"
	ItemStatusCancelled  ItemStatus = "cancelled"
)

// ReasonRestartInterrupted marks jobs found mid-flight after a process restart.
const ReasonRestartInterrupted = "restart_interrupted"

// BatchItemSpec is one entry of a batch submission
type BatchItemSpec struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Format string `json:"format,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// BatchOptions tunes batch execution
type BatchOptions struct {
	Parallel          int    `json:"parallel,omitempty"`            // concurrent items, 1-10 (default 3)
	FailFast          bool   `json:"fail_fast,omitempty"`           // cancel remaining items on first failure
	ItemTimeout       int    `json:"timeout,omitempty"`             // per-item timeout in seconds, 1-60
	CacheEnabled      *bool  `json:"cache,omitempty"`               // nil = service default
	WebhookURL        string `json:"webhook_url,omitempty"`         // POST target on terminal status
	WebhookAuthHeader string `json:"webhook_auth_header,omitempty"` // sent as Authorization
}

// BatchRequest is the request body for POST /batch/screenshots
type BatchRequest struct {
	Items   []BatchItemSpec `json:"items"`
	Options BatchOptions    `json:"options,omitempty"`
}

// Validate checks batch-level and per-item constraints.
func (r *BatchRequest) Validate() error {
	if len(r.Items) == 0 {
		return fmt.Errorf("items must be non-empty")
	}
	if len(r.Items) > MaxBatchItems {
		return fmt.Errorf("items must contain at most %d entries, got %d", MaxBatchItems, len(r.Items))
	}
	seen := make(map[string]struct{}, len(r.Items))
	for i, item := range r.Items {
		if item.ID == "" {
			return fmt.Errorf("items[%d]: id is required", i)
		}
		if _, dup := seen[item.ID]; dup {
			return fmt.Errorf("items[%d]: duplicate id %q", i, item.ID)
		}
		seen[item.ID] = struct{}{}

		req := ScreenshotRequest{URL: item.URL, Format: item.Format, Width: item.Width, Height: item.Height}
		req.ApplyDefaults()
		if err := req.Validate(); err != nil {
			return fmt.Errorf("items[%d]: %w", i, err)
		}
	}
	if r.Options.Parallel < 0 || r.Options.Parallel > MaxBatchParallel {
		return fmt.Errorf("parallel must be between 1 and %d, got %d", MaxBatchParallel, r.Options.Parallel)
	}
	if r.Options.ItemTimeout != 0 && (r.Options.ItemTimeout < MinItemTimeout || r.Options.ItemTimeout > MaxItemTimeout) {
		return fmt.Errorf("timeout must be between %d and %d seconds, got %d", MinItemTimeout, MaxItemTimeout, r.Options.ItemTimeout)
	}
	return nil
}

// JobItem is the persisted per-item record of a batch job
type JobItem struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Format string `json:"format"`
	Width  int    `json:"width"`
	Height int    `json:"height"`

	Status      ItemStatus `json:"status"`
	ResultURL   string     `json:"result_url,omitempty"`
	ErrorKind   string     `json:"error_kind,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  int64      `json:"duration_ms,omitempty"`
}

// Job is the persisted batch job record. The full struct round-trips through
// jobs/{job_id}.json on every status transition.
type Job struct {
	JobID string `json:"job_id"`
	UID   string `json:"uid"` // full UUID backing the short job_id

	Status        JobStatus `json:"status"`
	FailureReason string    `json:"failure_reason,omitempty"`

	Items   []JobItem    `json:"items"`
	Options BatchOptions `json:"options"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// EstimatedCompletion is a best-effort projection from recent capture
	// durations, recomputed on status reads while the job is active.
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
}

// Counts tallies item outcomes for status responses.
func (j *Job) Counts() (completed, failed, cancelled, pending int) {
	for _, item := range j.Items {
		switch item.Status {
		case ItemStatusCompleted:
			completed++
		case ItemStatusFailed:
			failed++
		case ItemStatusCancelled:
			cancelled++
		default:
			pending++
		}
	}
	return completed, failed, cancelled, pending
}

// BatchStatusResponse is the body for POST /batch/screenshots (202) and
// GET /batch/screenshots/{job_id}
type BatchStatusResponse struct {
	JobID               string     `json:"job_id"`
	Status              JobStatus  `json:"status"`
	FailureReason       string     `json:"failure_reason,omitempty"`
	Total               int        `json:"total"`
	Completed           int        `json:"completed"`
	Failed              int        `json:"failed"`
	Cancelled           int        `json:"cancelled,omitempty"`
	Pending             int        `json:"pending"`
	CreatedAt           time.Time  `json:"created_at"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
}

// BatchResultsResponse is the body for GET /batch/screenshots/{job_id}/results
type BatchResultsResponse struct {
	JobID         string    `json:"job_id"`
	Status        JobStatus `json:"status"`
	FailureReason string    `json:"failure_reason,omitempty"`
	Items         []JobItem `json:"items"`
}

// WebhookPayload is POSTed to the configured webhook when a job reaches a
// terminal status. Delivery is at-least-once.
type WebhookPayload struct {
	JobID       string    `json:"job_id"`
	Status      JobStatus `json:"status"`
	Total       int       `json:"total"`
	Completed   int       `json:"completed"`
	Failed      int       `json:"failed"`
	Items       []JobItem `json:"items"`
	CompletedAt time.Time `json:"completed_at"`
}

// StatusResponse builds the wire status view of the job.
func (j *Job) StatusResponse() BatchStatusResponse {
	completed, failed, cancelled, pending := j.Counts()
	return BatchStatusResponse{
		JobID:               j.JobID,
		Status:              j.Status,
		FailureReason:       j.FailureReason,
		Total:               len(j.Items),
		Completed:           completed,
		Failed:              failed,
		Cancelled:           cancelled,
		Pending:             pending,
		CreatedAt:           j.CreatedAt,
		EstimatedCompletion: j.EstimatedCompletion,
	}
}
