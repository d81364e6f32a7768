// Package worker runs the single render loop, the artifact cleanup sweep,
// and the liveness heartbeat. Exactly one worker process operates against
// the store.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pressroom/pressroom/internal/config"
	"github.com/pressroom/pressroom/internal/metrics"
	"github.com/pressroom/pressroom/internal/queue"
	"github.com/pressroom/pressroom/internal/render"
	"github.com/pressroom/pressroom/internal/safety"
	"github.com/pressroom/pressroom/internal/store"
	"github.com/pressroom/pressroom/pkg/models"
)

// Worker claims one job at a time, renders it, and drives the retry policy.
type Worker struct {
	queue     *queue.Service
	store     store.Store
	renderer  render.Renderer
	redirects *safety.RedirectChecker

	storageRoot       string
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	id                string

	mu      sync.Mutex
	current *uuid.UUID

	now func() time.Time
}

// New builds a Worker from the shared configuration.
func New(q *queue.Service, s store.Store, r render.Renderer, cfg *config.Config) *Worker {
	return &Worker{
		queue:             q,
		store:             s,
		renderer:          r,
		redirects:         safety.NewRedirectChecker(10 * time.Second),
		storageRoot:       cfg.Storage.PDFDir,
		pollInterval:      cfg.Worker.PollInterval,
		heartbeatInterval: cfg.Worker.HeartbeatInterval,
		id:                cfg.Worker.ID,
		now:               time.Now,
	}
}

// WithClock overrides the worker clock, for tests.
func (w *Worker) WithClock(now func() time.Time) *Worker {
	w.now = now
	return w
}

// Run recovers state left by a previous process and then runs the render
// loop and heartbeat loop until the context is cancelled. The cleanup sweep
// is run separately via Cleaner.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.queue.RecoverStartup(ctx); err != nil {
		return err
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.renderLoop(gCtx) })
	g.Go(func() error { return w.heartbeatLoop(gCtx) })
	return g.Wait()
}

func (w *Worker) renderLoop(ctx context.Context) error {
	slog.Info("render loop started", "poll_interval", w.pollInterval)
	for ctx.Err() == nil {
		swept, err := w.queue.SweepWaitTimeouts(ctx)
		if err != nil {
			// Store faults must not kill the loop; the job state is durable
			// and recoverable.
			slog.Error("wait-timeout sweep failed", "error", err)
		}
		if swept > 0 {
			metrics.WaitTimeouts.Add(float64(swept))
			metrics.JobsFinished.WithLabelValues(models.JobStatusFailed).Add(float64(swept))
		}

		job, err := w.queue.Claim(ctx)
		if err != nil {
			slog.Error("claim failed", "error", err)
			sleepCtx(ctx, w.pollInterval)
			continue
		}
		if job == nil {
			sleepCtx(ctx, w.pollInterval)
			continue
		}

		w.process(ctx, job)
	}
	return nil
}

// process runs one render attempt for a claimed job and applies the outcome.
func (w *Worker) process(ctx context.Context, job *models.Job) {
	w.setCurrent(job.ID)
	defer w.clearCurrent()

	slog.Info("processing job",
		"job_id", job.ID,
		"url", job.NormalizedURL,
		"render_mode", job.RenderMode,
		"attempts", job.Attempts,
		"max_retries", job.MaxRetries,
	)

	// The URL was vetted at submit time, but jobs can sit queued across
	// deploys; revalidate before touching the network.
	if _, err := safety.Validate(job.URL); err != nil {
		w.failValidation(ctx, job.ID, err)
		return
	}

	finalURL, err := w.redirects.Resolve(ctx, job.NormalizedURL)
	if err != nil {
		w.failValidation(ctx, job.ID, err)
		return
	}

	attempts, err := w.queue.RecordAttempt(ctx, job.ID)
	if err != nil {
		// Leave the job running; startup recovery requeues it.
		slog.Error("record attempt failed", "job_id", job.ID, "error", err)
		return
	}

	deadline := job.StartedAt.Add(time.Duration(job.JobTimeoutSeconds) * time.Second)
	renderCtx, cancel := context.WithDeadline(ctx, deadline)
	start := w.now()
	pdf, renderErr := w.renderer.Render(renderCtx, finalURL, job.RenderMode,
		time.Duration(job.NavigationTimeoutSeconds)*time.Second)
	cancel()
	metrics.RenderDuration.Observe(w.now().Sub(start).Seconds())

	if renderErr == nil {
		path, werr := w.writeArtifact(job.ID, pdf)
		if werr == nil {
			if err := w.queue.Succeed(ctx, job.ID, path); err != nil {
				slog.Error("mark succeeded failed", "job_id", job.ID, "error", err)
				return
			}
			metrics.JobsFinished.WithLabelValues(models.JobStatusSucceeded).Inc()
			return
		}
		// A failed artifact write is a transient local fault, not a render
		// verdict.
		renderErr = render.TransientError("write artifact", werr)
	}

	if render.IsPermanent(renderErr) {
		w.fail(ctx, job.ID, models.ErrCodeRenderFailed, renderErr.Error())
		return
	}

	if attempts <= job.MaxRetries {
		metrics.RenderRetries.Inc()
		slog.Info("requeueing after transient failure",
			"job_id", job.ID, "attempts", attempts, "max_retries", job.MaxRetries, "error", renderErr)
		if err := w.queue.Requeue(ctx, job.ID); err != nil {
			slog.Error("requeue failed", "job_id", job.ID, "error", err)
		}
		return
	}

	w.fail(ctx, job.ID, models.ErrCodeRenderFailed, renderErr.Error())
}

// failValidation maps a safety rejection onto the job's terminal state.
func (w *Worker) failValidation(ctx context.Context, id uuid.UUID, err error) {
	code := models.ErrCodeInvalidURL
	message := err.Error()
	if verr, ok := err.(*safety.ValidationError); ok {
		code = verr.Code
		message = verr.Reason
	}
	w.fail(ctx, id, code, message)
}

func (w *Worker) fail(ctx context.Context, id uuid.UUID, code, message string) {
	if err := w.queue.Fail(ctx, id, code, message); err != nil {
		slog.Error("mark failed failed", "job_id", id, "error", err)
		return
	}
	metrics.JobsFinished.WithLabelValues(models.JobStatusFailed).Inc()
}

// writeArtifact writes the PDF to a temp file and renames it into place so a
// crash never leaves a partial artifact at the final path.
func (w *Worker) writeArtifact(id uuid.UUID, pdf []byte) (string, error) {
	final := filepath.Join(w.storageRoot, id.String()+".pdf")

	tmp, err := os.CreateTemp(w.storageRoot, id.String()+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp artifact: %w", err)
	}
	if _, err := tmp.Write(pdf); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write temp artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close temp artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("rename artifact: %w", err)
	}
	return final, nil
}

func (w *Worker) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	w.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.beat(ctx)
		}
	}
}

func (w *Worker) beat(ctx context.Context) {
	hb := models.WorkerHeartbeat{
		WorkerID:      w.id,
		LastHeartbeat: w.now().UTC(),
		State:         models.WorkerStateIdle,
	}
	if id := w.currentJob(); id != nil {
		s := id.String()
		hb.State = models.WorkerStateWorking
		hb.CurrentJobID = &s
	}
	if err := w.store.UpsertHeartbeat(ctx, hb); err != nil {
		slog.Error("heartbeat failed", "error", err)
	}
}

func (w *Worker) setCurrent(id uuid.UUID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.current = &id
}

func (w *Worker) clearCurrent() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.current = nil
}

func (w *Worker) currentJob() *uuid.UUID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
