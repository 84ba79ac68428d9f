package model

import "time"

// QueueState is the lifecycle state of a sync queue entry.
type QueueState string

const (
	QueueStateQueued      QueueState = "queued"
	QueueStateRunning     QueueState = "running"
	QueueStateCompleted   QueueState = "completed"
	QueueStateErrored     QueueState = "errored"
	QueueStateInterrupted QueueState = "interrupted"
)

// IsTerminal reports whether no further transitions are allowed.
func (s QueueState) IsTerminal() bool {
	switch s {
	case QueueStateCompleted, QueueStateErrored, QueueStateInterrupted:
		return true
	}
	return false
}

// SchedulerOwner is the owner identifier of the scheduler partition.
const SchedulerOwner = ""

// SyncQueueEntry is one queued sync job for a single collection.
type SyncQueueEntry struct {
	ID               int64      `json:"id" yaml:"id"`
	Collection       string     `json:"collection" yaml:"collection"`
	State            QueueState `json:"state" yaml:"state"`
	OwnerID          string     `json:"owner_id,omitempty" yaml:"owner_id,omitempty"`
	IsOwnerScheduler bool       `json:"is_owner_scheduler" yaml:"is_owner_scheduler"`
	Error            string     `json:"error,omitempty" yaml:"error,omitempty"`
	CreatedAt        time.Time  `json:"created_at" yaml:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" yaml:"updated_at"`
}
