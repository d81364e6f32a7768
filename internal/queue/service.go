// Package queue owns the job state machine. It is the sole writer of job
// state; the API and worker go through it rather than the store directly.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pressroom/pressroom/internal/config"
	"github.com/pressroom/pressroom/internal/safety"
	"github.com/pressroom/pressroom/internal/store"
	"github.com/pressroom/pressroom/pkg/models"
)

// Service implements submit with same-day dedup, claim with per-domain
// locking, retry requeueing, and the waiting-job sweep.
type Service struct {
	store    store.Store
	defaults config.JobDefaults
	now      func() time.Time
}

// NewService creates a Service. defaults fill in whatever the caller omits
// on submit.
func NewService(s store.Store, defaults config.JobDefaults) *Service {
	return &Service{store: s, defaults: defaults, now: time.Now}
}

// WithClock overrides the service clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// SubmitParams are the caller-supplied fields of a submission. Zero values
// fall back to configured defaults; out-of-range values are clamped.
type SubmitParams struct {
	URL                      string
	RenderMode               string
	NavigationTimeoutSeconds int
	JobTimeoutSeconds        int
	MaxDomainWaitSeconds     int
	MaxRetries               *int
	Metadata                 json.RawMessage
}

// Submit validates and enqueues a conversion job. If a job for the same
// normalized URL already exists today — whatever its status, terminal
// included — the existing job is returned with deduplicated true.
func (s *Service) Submit(ctx context.Context, p SubmitParams) (*models.Job, bool, error) {
	result, err := safety.Validate(p.URL)
	if err != nil {
		return nil, false, err
	}

	now := s.now().UTC()
	submissionDate := now.Format(models.SubmissionDateLayout)

	existing, err := s.store.FindDedup(ctx, result.NormalizedURL, submissionDate)
	if err == nil {
		slog.Info("deduplicated submission", "job_id", existing.ID, "normalized_url", result.NormalizedURL)
		return existing, true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("dedup lookup: %w", err)
	}

	job := &models.Job{
		ID:                       uuid.New(),
		URL:                      p.URL,
		NormalizedURL:            result.NormalizedURL,
		DomainKey:                result.DomainKey,
		RenderMode:               s.renderMode(p.RenderMode),
		Status:                   models.JobStatusQueued,
		MaxRetries:               s.maxRetries(p.MaxRetries),
		NavigationTimeoutSeconds: orDefault(p.NavigationTimeoutSeconds, s.defaults.NavigationTimeoutSeconds, config.ClampNavigationTimeout),
		JobTimeoutSeconds:        orDefault(p.JobTimeoutSeconds, s.defaults.JobTimeoutSeconds, config.ClampJobTimeout),
		MaxDomainWaitSeconds:     orDefault(p.MaxDomainWaitSeconds, s.defaults.MaxDomainWaitSeconds, config.ClampDomainWait),
		Metadata:                 p.Metadata,
		SubmissionDate:           submissionDate,
		CreatedAt:                now,
	}

	err = s.store.InsertJob(ctx, job)
	if errors.Is(err, store.ErrDuplicate) {
		// Lost an insert race for the same dedup pair; the winner's row is
		// the job.
		existing, ferr := s.store.FindDedup(ctx, result.NormalizedURL, submissionDate)
		if ferr != nil {
			return nil, false, fmt.Errorf("dedup race lookup: %w", ferr)
		}
		slog.Info("deduplicated submission after insert race", "job_id", existing.ID)
		return existing, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("insert job: %w", err)
	}

	slog.Info("job created", "job_id", job.ID, "normalized_url", job.NormalizedURL, "domain_key", job.DomainKey)
	return job, false, nil
}

// Job returns the full job row.
func (s *Service) Job(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return s.store.GetJob(ctx, id)
}

// Claim atomically claims the oldest ready job whose domain is unlocked.
// Returns (nil, nil) when nothing is eligible.
func (s *Service) Claim(ctx context.Context) (*models.Job, error) {
	return s.store.ClaimNext(ctx, s.now().UTC())
}

// SweepWaitTimeouts fails every waiting job that outlived its
// max_domain_wait bound, returning how many were failed. The worker runs
// this alongside each claim poll.
func (s *Service) SweepWaitTimeouts(ctx context.Context) (int, error) {
	swept, err := s.store.SweepWaitTimeouts(ctx, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep wait timeouts: %w", err)
	}
	if swept > 0 {
		slog.Warn("failed jobs waiting past their domain-wait bound", "count", swept)
	}
	return swept, nil
}

// RecordAttempt increments the attempt counter and returns the new value.
// Called once per render attempt, before the renderer is invoked.
func (s *Service) RecordAttempt(ctx context.Context, id uuid.UUID) (int, error) {
	return s.store.BumpAttempt(ctx, id)
}

// Succeed finishes a job as succeeded with its artifact path, releasing the
// domain lock.
func (s *Service) Succeed(ctx context.Context, id uuid.UUID, artifactPath string) error {
	err := s.store.FinishJob(ctx, id, s.now().UTC(), store.FinishResult{
		Succeeded:    true,
		ArtifactPath: artifactPath,
	})
	if err != nil {
		return err
	}
	slog.Info("job succeeded", "job_id", id, "artifact_path", artifactPath)
	return nil
}

// Fail finishes a job as failed with the given error code, releasing the
// domain lock.
func (s *Service) Fail(ctx context.Context, id uuid.UUID, code, message string) error {
	err := s.store.FinishJob(ctx, id, s.now().UTC(), store.FinishResult{
		ErrorCode:    code,
		ErrorMessage: message,
	})
	if err != nil {
		return err
	}
	slog.Warn("job failed", "job_id", id, "error_code", code, "error_message", message)
	return nil
}

// Requeue returns a running job to the queue for a later retry, releasing
// the domain lock so other jobs on the same domain may progress.
func (s *Service) Requeue(ctx context.Context, id uuid.UUID) error {
	if err := s.store.RequeueJob(ctx, id); err != nil {
		return err
	}
	slog.Info("job requeued for retry", "job_id", id)
	return nil
}

// RecoverStartup clears dangling locks and requeues jobs a crashed worker
// left running.
func (s *Service) RecoverStartup(ctx context.Context) error {
	requeued, err := s.store.RecoverStartup(ctx)
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	if requeued > 0 {
		slog.Warn("requeued jobs left running by previous worker", "count", requeued)
	}
	return nil
}

// StaleArtifacts lists succeeded jobs whose artifact is older than age and
// still recorded on the job row.
func (s *Service) StaleArtifacts(ctx context.Context, age time.Duration) ([]store.StaleArtifact, error) {
	cutoff := s.now().UTC().Add(-age)
	return s.store.ListStaleArtifacts(ctx, cutoff)
}

// ForgetArtifact clears a job's artifact path after its file was deleted.
func (s *Service) ForgetArtifact(ctx context.Context, id uuid.UUID) error {
	return s.store.ForgetArtifact(ctx, id)
}

func (s *Service) renderMode(mode string) string {
	if mode == "" {
		return s.defaults.RenderMode
	}
	return mode
}

func (s *Service) maxRetries(v *int) int {
	if v == nil {
		return s.defaults.MaxRetries
	}
	return config.ClampRetries(*v)
}

// orDefault clamps a caller-supplied value, or substitutes the configured
// default when the caller sent nothing.
func orDefault(v, def int, clampFn func(int) int) int {
	if v == 0 {
		return def
	}
	return clampFn(v)
}
