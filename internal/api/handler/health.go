package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/pressroom/pressroom/internal/api/response"
	"github.com/pressroom/pressroom/internal/store"
	"github.com/pressroom/pressroom/pkg/models"
)

// workerStaleAfter is how long without a heartbeat before the worker is
// reported dead.
const workerStaleAfter = 30 * time.Second

// HealthStore is the slice of the store the health check needs.
type HealthStore interface {
	Ping(ctx context.Context) error
	GetHeartbeat(ctx context.Context, workerID string) (*models.WorkerHeartbeat, error)
}

// Health serves /healthz.
type Health struct {
	store    HealthStore
	workerID string
	now      func() time.Time
}

// NewHealth creates the health handler.
func NewHealth(s HealthStore, workerID string) *Health {
	return &Health{store: s, workerID: workerID, now: time.Now}
}

type workerHealth struct {
	Alive         bool       `json:"alive"`
	State         string     `json:"state,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	CurrentJobID  *string    `json:"current_job_id,omitempty"`
}

type healthResponse struct {
	Status   string       `json:"status"`
	Database string       `json:"database"`
	Worker   workerHealth `json:"worker"`
}

// Check reports database connectivity and worker liveness. A dead or absent
// worker degrades the status but keeps the API serving.
func (h *Health) Check(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		response.JSON(w, http.StatusServiceUnavailable, healthResponse{
			Status:   "unhealthy",
			Database: "disconnected",
		})
		return
	}

	resp := healthResponse{Status: "healthy", Database: "connected"}

	hb, err := h.store.GetHeartbeat(r.Context(), h.workerID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		resp.Status = "degraded"
	case err != nil:
		resp.Status = "degraded"
	case h.now().UTC().Sub(hb.LastHeartbeat) > workerStaleAfter:
		resp.Status = "degraded"
		resp.Worker = workerHealth{
			State:         hb.State,
			LastHeartbeat: &hb.LastHeartbeat,
			CurrentJobID:  hb.CurrentJobID,
		}
	default:
		resp.Worker = workerHealth{
			Alive:         true,
			State:         hb.State,
			LastHeartbeat: &hb.LastHeartbeat,
			CurrentJobID:  hb.CurrentJobID,
		}
	}

	response.JSON(w, http.StatusOK, resp)
}
