package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pressroom/pressroom/internal/store"
	"github.com/pressroom/pressroom/pkg/models"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, store.RunMigrations(db))
	return store.NewSQLiteStore(db)
}

var baseTime = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

// newJob returns a queued job; createdOffset keeps FIFO ordering
// deterministic across inserts.
func newJob(url, normalized, domain string, createdOffset time.Duration) *models.Job {
	return &models.Job{
		ID:                       uuid.New(),
		URL:                      url,
		NormalizedURL:            normalized,
		DomainKey:                domain,
		RenderMode:               models.RenderModePrintToPDF,
		Status:                   models.JobStatusQueued,
		MaxRetries:               2,
		NavigationTimeoutSeconds: 45,
		JobTimeoutSeconds:        120,
		MaxDomainWaitSeconds:     600,
		SubmissionDate:           baseTime.Format(models.SubmissionDateLayout),
		CreatedAt:                baseTime.Add(createdOffset),
	}
}

func mustInsert(t *testing.T, s *store.SQLiteStore, job *models.Job) *models.Job {
	t.Helper()
	require.NoError(t, s.InsertJob(context.Background(), job))
	return job
}

func TestInsertAndGetJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := newJob("https://Example.com/a", "https://example.com/a", "example.com", 0)
	job.Metadata = []byte(`{"source":"feed"}`)
	mustInsert(t, s, job)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)

	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, "https://Example.com/a", got.URL)
	assert.Equal(t, "https://example.com/a", got.NormalizedURL)
	assert.Equal(t, "example.com", got.DomainKey)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, 2, got.MaxRetries)
	assert.JSONEq(t, `{"source":"feed"}`, string(got.Metadata))
	assert.Equal(t, job.CreatedAt, got.CreatedAt)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.FinishedAt)
	assert.Nil(t, got.ArtifactPath)
}

func TestGetJob_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetJob(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFindDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := mustInsert(t, s, newJob("https://example.com/a", "https://example.com/a", "example.com", 0))

	got, err := s.FindDedup(ctx, "https://example.com/a", job.SubmissionDate)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)

	_, err = s.FindDedup(ctx, "https://example.com/a", "2026-03-15")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.FindDedup(ctx, "https://example.com/b", job.SubmissionDate)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestInsertJob_DuplicateSameDay(t *testing.T) {
	s := newTestStore(t)

	mustInsert(t, s, newJob("https://example.com/a", "https://example.com/a", "example.com", 0))

	dup := newJob("https://EXAMPLE.com/a", "https://example.com/a", "example.com", time.Second)
	err := s.InsertJob(context.Background(), dup)
	assert.ErrorIs(t, err, store.ErrDuplicate)
}

func TestInsertJob_SameURLDifferentDayAllowed(t *testing.T) {
	s := newTestStore(t)

	mustInsert(t, s, newJob("https://example.com/a", "https://example.com/a", "example.com", 0))

	next := newJob("https://example.com/a", "https://example.com/a", "example.com", 24*time.Hour)
	next.SubmissionDate = "2026-03-15"
	require.NoError(t, s.InsertJob(context.Background(), next))
}

func TestClaimNext_EmptyQueue(t *testing.T) {
	s := newTestStore(t)

	job, err := s.ClaimNext(context.Background(), baseTime)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestClaimNext_FIFOAndLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := mustInsert(t, s, newJob("https://a.com/1", "https://a.com/1", "a.com", 0))
	mustInsert(t, s, newJob("https://b.com/1", "https://b.com/1", "b.com", time.Second))

	now := baseTime.Add(time.Minute)
	claimed, err := s.ClaimNext(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	assert.Equal(t, first.ID, claimed.ID)
	assert.Equal(t, models.JobStatusRunning, claimed.Status)
	require.NotNil(t, claimed.StartedAt)
	assert.Equal(t, now, *claimed.StartedAt)

	lock, err := s.GetDomainLock(ctx, "a.com")
	require.NoError(t, err)
	assert.Equal(t, first.ID, lock.HeldByJob)
	assert.Equal(t, now, lock.AcquiredAt)
}

func TestClaimNext_SameDomainSecondJobWaits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := mustInsert(t, s, newJob("https://a.com/1", "https://a.com/1", "a.com", 0))
	second := mustInsert(t, s, newJob("https://a.com/2", "https://a.com/2", "a.com", time.Second))

	claimed, err := s.ClaimNext(ctx, baseTime.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID)

	// Second claim finds the domain locked: nothing claimable, and the
	// blocked job is demoted to waiting.
	next, err := s.ClaimNext(ctx, baseTime.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Nil(t, next)

	got, err := s.GetJob(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusWaitingDomainLock, got.Status)
}

func TestClaimNext_DifferentDomainsClaimIndependently(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustInsert(t, s, newJob("https://a.com/1", "https://a.com/1", "a.com", 0))
	second := mustInsert(t, s, newJob("https://b.com/1", "https://b.com/1", "b.com", time.Second))

	_, err := s.ClaimNext(ctx, baseTime.Add(time.Minute))
	require.NoError(t, err)

	claimed, err := s.ClaimNext(ctx, baseTime.Add(2*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, second.ID, claimed.ID)
	assert.Equal(t, models.JobStatusRunning, claimed.Status)
}

func TestClaimNext_WaitingJobClaimedAfterRelease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := mustInsert(t, s, newJob("https://a.com/1", "https://a.com/1", "a.com", 0))
	second := mustInsert(t, s, newJob("https://a.com/2", "https://a.com/2", "a.com", time.Second))

	_, err := s.ClaimNext(ctx, baseTime.Add(time.Minute))
	require.NoError(t, err)
	_, err = s.ClaimNext(ctx, baseTime.Add(2*time.Minute))
	require.NoError(t, err)

	require.NoError(t, s.FinishJob(ctx, first.ID, baseTime.Add(3*time.Minute), store.FinishResult{
		Succeeded:    true,
		ArtifactPath: "/pdfs/" + first.ID.String() + ".pdf",
	}))

	claimed, err := s.ClaimNext(ctx, baseTime.Add(4*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, second.ID, claimed.ID)
}

func TestBumpAttempt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := mustInsert(t, s, newJob("https://a.com/1", "https://a.com/1", "a.com", 0))

	n, err := s.BumpAttempt(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.BumpAttempt(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.BumpAttempt(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFinishJob_Succeeded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := mustInsert(t, s, newJob("https://a.com/1", "https://a.com/1", "a.com", 0))
	_, err := s.ClaimNext(ctx, baseTime.Add(time.Minute))
	require.NoError(t, err)

	finished := baseTime.Add(2 * time.Minute)
	path := "/pdfs/" + job.ID.String() + ".pdf"
	require.NoError(t, s.FinishJob(ctx, job.ID, finished, store.FinishResult{
		Succeeded:    true,
		ArtifactPath: path,
	}))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, got.Status)
	require.NotNil(t, got.FinishedAt)
	assert.Equal(t, finished, *got.FinishedAt)
	require.NotNil(t, got.ArtifactPath)
	assert.Equal(t, path, *got.ArtifactPath)
	assert.Nil(t, got.ErrorCode)

	_, err = s.GetDomainLock(ctx, "a.com")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFinishJob_Failed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := mustInsert(t, s, newJob("https://a.com/1", "https://a.com/1", "a.com", 0))
	_, err := s.ClaimNext(ctx, baseTime.Add(time.Minute))
	require.NoError(t, err)

	require.NoError(t, s.FinishJob(ctx, job.ID, baseTime.Add(2*time.Minute), store.FinishResult{
		ErrorCode:    models.ErrCodeRenderFailed,
		ErrorMessage: "net::ERR_NAME_NOT_RESOLVED",
	}))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorCode)
	assert.Equal(t, models.ErrCodeRenderFailed, *got.ErrorCode)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "net::ERR_NAME_NOT_RESOLVED", *got.ErrorMessage)
	assert.Nil(t, got.ArtifactPath)

	_, err = s.GetDomainLock(ctx, "a.com")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFinishJob_TerminalJobRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := mustInsert(t, s, newJob("https://a.com/1", "https://a.com/1", "a.com", 0))
	require.NoError(t, s.FinishJob(ctx, job.ID, baseTime, store.FinishResult{
		ErrorCode:    models.ErrCodeRenderFailed,
		ErrorMessage: "boom",
	}))

	err := s.FinishJob(ctx, job.ID, baseTime.Add(time.Minute), store.FinishResult{Succeeded: true})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	err = s.FinishJob(ctx, uuid.New(), baseTime, store.FinishResult{Succeeded: true})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRequeueJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := mustInsert(t, s, newJob("https://a.com/1", "https://a.com/1", "a.com", 0))
	_, err := s.ClaimNext(ctx, baseTime.Add(time.Minute))
	require.NoError(t, err)

	require.NoError(t, s.RequeueJob(ctx, job.ID))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Nil(t, got.StartedAt)

	_, err = s.GetDomainLock(ctx, "a.com")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Only running jobs can be requeued.
	assert.ErrorIs(t, s.RequeueJob(ctx, job.ID), store.ErrNotFound)
}

func TestSweepWaitTimeouts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	blocker := mustInsert(t, s, newJob("https://a.com/1", "https://a.com/1", "a.com", 0))

	expired := newJob("https://a.com/2", "https://a.com/2", "a.com", time.Second)
	expired.MaxDomainWaitSeconds = 60
	mustInsert(t, s, expired)

	patient := newJob("https://a.com/3", "https://a.com/3", "a.com", 2*time.Second)
	patient.MaxDomainWaitSeconds = 3600
	mustInsert(t, s, patient)

	// First claim locks a.com and demotes the other two to waiting.
	claimed, err := s.ClaimNext(ctx, baseTime.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, blocker.ID, claimed.ID)
	_, err = s.ClaimNext(ctx, baseTime.Add(time.Minute))
	require.NoError(t, err)

	swept, err := s.SweepWaitTimeouts(ctx, baseTime.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	got, err := s.GetJob(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorCode)
	assert.Equal(t, models.ErrCodeDomainWaitTimeout, *got.ErrorCode)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "exceeded max domain wait time: 60s", *got.ErrorMessage)
	require.NotNil(t, got.FinishedAt)

	still, err := s.GetJob(ctx, patient.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusWaitingDomainLock, still.Status)
}

func TestRecoverStartup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	running := mustInsert(t, s, newJob("https://a.com/1", "https://a.com/1", "a.com", 0))
	queued := mustInsert(t, s, newJob("https://b.com/1", "https://b.com/1", "b.com", time.Second))

	_, err := s.ClaimNext(ctx, baseTime.Add(time.Minute))
	require.NoError(t, err)

	requeued, err := s.RecoverStartup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	got, err := s.GetJob(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Nil(t, got.StartedAt)

	_, err = s.GetDomainLock(ctx, "a.com")
	assert.ErrorIs(t, err, store.ErrNotFound)

	untouched, err := s.GetJob(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, untouched.Status)
}

func TestStaleArtifacts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := mustInsert(t, s, newJob("https://a.com/1", "https://a.com/1", "a.com", 0))
	fresh := mustInsert(t, s, newJob("https://b.com/1", "https://b.com/1", "b.com", time.Second))

	require.NoError(t, s.FinishJob(ctx, old.ID, baseTime.Add(time.Minute), store.FinishResult{
		Succeeded: true, ArtifactPath: "/pdfs/old.pdf",
	}))
	require.NoError(t, s.FinishJob(ctx, fresh.ID, baseTime.Add(time.Hour), store.FinishResult{
		Succeeded: true, ArtifactPath: "/pdfs/fresh.pdf",
	}))

	stale, err := s.ListStaleArtifacts(ctx, baseTime.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].JobID)
	assert.Equal(t, "/pdfs/old.pdf", stale[0].ArtifactPath)

	require.NoError(t, s.ForgetArtifact(ctx, old.ID))

	stale, err = s.ListStaleArtifacts(ctx, baseTime.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stale)

	got, err := s.GetJob(ctx, old.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ArtifactPath)
	assert.Equal(t, models.JobStatusSucceeded, got.Status)
}

func TestHeartbeats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetHeartbeat(ctx, "worker-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.UpsertHeartbeat(ctx, models.WorkerHeartbeat{
		WorkerID:      "worker-1",
		LastHeartbeat: baseTime,
		State:         models.WorkerStateIdle,
	}))

	hb, err := s.GetHeartbeat(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, baseTime, hb.LastHeartbeat)
	assert.Equal(t, models.WorkerStateIdle, hb.State)
	assert.Nil(t, hb.CurrentJobID)

	jobID := uuid.New().String()
	require.NoError(t, s.UpsertHeartbeat(ctx, models.WorkerHeartbeat{
		WorkerID:      "worker-1",
		LastHeartbeat: baseTime.Add(10 * time.Second),
		State:         models.WorkerStateWorking,
		CurrentJobID:  &jobID,
	}))

	hb, err = s.GetHeartbeat(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, baseTime.Add(10*time.Second), hb.LastHeartbeat)
	assert.Equal(t, models.WorkerStateWorking, hb.State)
	require.NotNil(t, hb.CurrentJobID)
	assert.Equal(t, jobID, *hb.CurrentJobID)
}
