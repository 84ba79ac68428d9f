package model

import "time"

// ProgressState is the state of the current sync operation for an owner.
type ProgressState string

const (
	ProgressIdle        ProgressState = "idle"
	ProgressRunning     ProgressState = "running"
	ProgressCompleted   ProgressState = "completed"
	ProgressErrored     ProgressState = "errored"
	ProgressInterrupted ProgressState = "interrupted"
)

// ProgressRecord is the single, overwritten-in-place progress row of an owner.
type ProgressRecord struct {
	OwnerID   string        `json:"owner_id,omitempty" yaml:"owner_id,omitempty"`
	RunID     string        `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Value     float64       `json:"value" yaml:"value"` // 0..100
	State     ProgressState `json:"state" yaml:"state"`
	Error     string        `json:"error,omitempty" yaml:"error,omitempty"`

	// LeaseUntil (unix ms) is how long a running run's claim on the owner
	// holds without a renewal. 0 means no claim.
	LeaseUntil int64 `json:"lease_until,omitempty" yaml:"lease_until,omitempty"`

	CreatedAt time.Time     `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time     `json:"updated_at" yaml:"updated_at"`
}

// IsClaimed reports whether a run still holds the owner at now: it is
// running and its lease has not expired.
func (p *ProgressRecord) IsClaimed(now time.Time) bool {
	return p != nil && p.State == ProgressRunning && p.LeaseUntil > now.UnixMilli()
}
