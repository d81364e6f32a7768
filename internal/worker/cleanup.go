package worker

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/pressroom/pressroom/internal/metrics"
	"github.com/pressroom/pressroom/internal/queue"
)

// Cleaner deletes PDF artifacts older than the configured age and clears the
// artifact path on their jobs. Job rows themselves are never deleted.
type Cleaner struct {
	queue    *queue.Service
	interval time.Duration
	fileAge  time.Duration
}

// NewCleaner creates a Cleaner.
func NewCleaner(q *queue.Service, interval, fileAge time.Duration) *Cleaner {
	return &Cleaner{queue: q, interval: interval, fileAge: fileAge}
}

// Run sweeps on every interval until the context is cancelled.
func (c *Cleaner) Run(ctx context.Context) error {
	slog.Info("cleanup loop started", "interval", c.interval, "file_age", c.fileAge)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.RunOnce(ctx); err != nil {
				slog.Error("cleanup sweep failed", "error", err)
			}
		}
	}
}

// RunOnce performs one sweep and returns how many artifacts were deleted.
// Missing files are tolerated; their jobs still get the artifact path
// cleared, so a re-run converges.
func (c *Cleaner) RunOnce(ctx context.Context) (int, error) {
	stale, err := c.queue.StaleArtifacts(ctx, c.fileAge)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, artifact := range stale {
		if err := os.Remove(artifact.ArtifactPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Error("delete artifact failed", "job_id", artifact.JobID, "path", artifact.ArtifactPath, "error", err)
			continue
		}
		if err := c.queue.ForgetArtifact(ctx, artifact.JobID); err != nil {
			slog.Error("forget artifact failed", "job_id", artifact.JobID, "error", err)
			continue
		}
		deleted++
		slog.Debug("deleted stale artifact", "job_id", artifact.JobID, "path", artifact.ArtifactPath)
	}

	if deleted > 0 {
		metrics.ArtifactsDeleted.Add(float64(deleted))
		slog.Info("cleanup sweep completed", "deleted", deleted)
	}
	return deleted, nil
}
