package models

import "time"

const (
	WorkerStateIdle    = "idle"
	WorkerStateWorking = "working"
)

// WorkerHeartbeat records worker liveness for the health endpoint.
type WorkerHeartbeat struct {
	WorkerID      string    `db:"worker_id"      json:"worker_id"`
	LastHeartbeat time.Time `db:"last_heartbeat" json:"last_heartbeat"`
	State         string    `db:"state"          json:"state"`
	CurrentJobID  *string   `db:"current_job_id" json:"current_job_id,omitempty"`
}
