package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusQueued            = "queued"
	JobStatusWaitingDomainLock = "waiting_domain_lock"
	JobStatusRunning           = "running"
	JobStatusSucceeded         = "succeeded"
	JobStatusFailed            = "failed"
)

const (
	RenderModePrintToPDF      = "print_to_pdf"
	RenderModeScreenshotToPDF = "screenshot_to_pdf"
)

// Error codes stored on failed jobs and surfaced at the HTTP edge.
const (
	ErrCodeInvalidURL        = "INVALID_URL"
	ErrCodeSSRFBlocked       = "SSRF_BLOCKED"
	ErrCodeDomainWaitTimeout = "DOMAIN_WAIT_TIMEOUT"
	ErrCodeRenderFailed      = "RENDER_FAILED"
)

// SubmissionDateLayout is the calendar-day component of the dedup key.
const SubmissionDateLayout = "2006-01-02"

// Job is one unit of URL-to-PDF conversion work. Rows are created on submit,
// mutated only by the queue service, and never deleted.
type Job struct {
	ID            uuid.UUID `db:"id"             json:"job_id"`
	URL           string    `db:"url"            json:"url"`
	NormalizedURL string    `db:"normalized_url" json:"normalized_url"`
	DomainKey     string    `db:"domain_key"     json:"domain_key"`
	RenderMode    string    `db:"render_mode"    json:"render_mode"`
	Status        string    `db:"status"         json:"status"`
	Attempts      int       `db:"attempts"       json:"attempts"`
	MaxRetries    int       `db:"max_retries"    json:"max_retries"`

	NavigationTimeoutSeconds int `db:"navigation_timeout_seconds" json:"navigation_timeout_seconds"`
	JobTimeoutSeconds        int `db:"job_timeout_seconds"        json:"job_timeout_seconds"`
	MaxDomainWaitSeconds     int `db:"max_domain_wait_seconds"    json:"max_domain_wait_seconds"`

	// Metadata is an opaque JSON blob supplied by the caller; stored and
	// returned verbatim, never interpreted.
	Metadata []byte `db:"metadata" json:"metadata,omitempty"`

	ErrorCode    *string `db:"error_code"    json:"error_code,omitempty"`
	ErrorMessage *string `db:"error_message" json:"error_message,omitempty"`

	Deduplicated   bool   `db:"deduplicated"    json:"deduplicated"`
	SubmissionDate string `db:"submission_date" json:"submission_date"`

	CreatedAt  time.Time  `db:"created_at"  json:"created_at"`
	StartedAt  *time.Time `db:"started_at"  json:"started_at,omitempty"`
	FinishedAt *time.Time `db:"finished_at" json:"finished_at,omitempty"`

	ArtifactPath *string `db:"artifact_path" json:"artifact_path,omitempty"`
}

// Terminal reports whether the job has reached a final state.
func (j *Job) Terminal() bool {
	return j.Status == JobStatusSucceeded || j.Status == JobStatusFailed
}
