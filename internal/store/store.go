package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/pressroom/pressroom/pkg/models"
)

var (
	ErrNotFound = errors.New("resource not found")
	// ErrDuplicate is returned when an insert collides with the same-day
	// dedup index.
	ErrDuplicate = errors.New("duplicate job for normalized URL and day")
	// ErrInvalidTransition is returned when a mutation targets a job that
	// already reached a terminal state.
	ErrInvalidTransition = errors.New("job is in a terminal state")
)

// FinishResult carries the terminal outcome applied by FinishJob.
type FinishResult struct {
	Succeeded    bool
	ArtifactPath string
	ErrorCode    string
	ErrorMessage string
}

// StaleArtifact is a succeeded job whose artifact is older than the cleanup
// threshold.
type StaleArtifact struct {
	JobID        uuid.UUID
	ArtifactPath string
}

// Store is the data access interface. All persistence goes through here;
// ClaimNext and FinishJob are serializable with respect to each other.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	FindDedup(ctx context.Context, normalizedURL, submissionDate string) (*models.Job, error)
	InsertJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)

	// ClaimNext atomically picks the oldest ready job whose domain is
	// unlocked, acquires the lock, and marks it running. Queued jobs whose
	// domain is busy are demoted to waiting_domain_lock on the way past.
	// Returns (nil, nil) when no job is eligible.
	ClaimNext(ctx context.Context, now time.Time) (*models.Job, error)

	// BumpAttempt increments the attempt counter and returns the new value.
	BumpAttempt(ctx context.Context, id uuid.UUID) (int, error)

	// FinishJob applies a terminal state, stamps finished_at, and releases
	// the domain lock in the same transaction.
	FinishJob(ctx context.Context, id uuid.UUID, now time.Time, result FinishResult) error

	// RequeueJob returns a running job to queued for retry, clearing
	// started_at and releasing the domain lock.
	RequeueJob(ctx context.Context, id uuid.UUID) error

	// SweepWaitTimeouts fails every waiting job that has outlived its
	// max_domain_wait bound. Returns the number of jobs failed.
	SweepWaitTimeouts(ctx context.Context, now time.Time) (int, error)

	// RecoverStartup releases locks held by non-running jobs and requeues
	// jobs left running by a crashed worker. Returns the number requeued.
	RecoverStartup(ctx context.Context) (int, error)

	GetDomainLock(ctx context.Context, domainKey string) (*models.DomainLock, error)

	ListStaleArtifacts(ctx context.Context, cutoff time.Time) ([]StaleArtifact, error)
	ForgetArtifact(ctx context.Context, id uuid.UUID) error

	UpsertHeartbeat(ctx context.Context, hb models.WorkerHeartbeat) error
	GetHeartbeat(ctx context.Context, workerID string) (*models.WorkerHeartbeat, error)
}
