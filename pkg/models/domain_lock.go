package models

import (
	"time"

	"github.com/google/uuid"
)

// DomainLock is the per-registrable-domain mutex. At most one running job
// per domain key, and that job must be the holder.
type DomainLock struct {
	DomainKey  string    `db:"domain_key"     json:"domain_key"`
	HeldByJob  uuid.UUID `db:"held_by_job_id" json:"held_by_job_id"`
	AcquiredAt time.Time `db:"acquired_at"    json:"acquired_at"`
}
