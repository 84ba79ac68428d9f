package model

import "time"

// SyncUserStep is the resumable step-window state of one collection for one
// (owner, sub-owner) pair. All window bounds are unix milliseconds, 0 = unset.
//
// Pages are walked newest-first, so the End fields act as the descending
// cursor: they hold the "end" bound of the next request until the window is
// exhausted.
type SyncUserStep struct {
	ID         int64  `json:"id" yaml:"id"`
	Collection string `json:"collection" yaml:"collection"`
	OwnerID    string `json:"owner_id,omitempty" yaml:"owner_id,omitempty"`
	SubOwnerID string `json:"sub_owner_id,omitempty" yaml:"sub_owner_id,omitempty"`

	BaseStart       int64 `json:"base_start" yaml:"base_start"`
	BaseEnd         int64 `json:"base_end" yaml:"base_end"`
	IsBaseStepReady bool  `json:"is_base_step_ready" yaml:"is_base_step_ready"`

	CurrStart       int64 `json:"curr_start" yaml:"curr_start"`
	CurrEnd         int64 `json:"curr_end" yaml:"curr_end"`
	IsCurrStepReady bool  `json:"is_curr_step_ready" yaml:"is_curr_step_ready"`

	// SyncedAt is the upper target ("now") of the latest curr segment.
	SyncedAt    int64 `json:"synced_at" yaml:"synced_at"`
	SyncQueueID int64 `json:"sync_queue_id,omitempty" yaml:"sync_queue_id,omitempty"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// HasBackfill reports whether a historical window has been requested.
func (s *SyncUserStep) HasBackfill() bool {
	return s.BaseStart > 0 || s.BaseEnd > 0
}

// NeedsBackfill reports whether the base window still has unsynced history.
func (s *SyncUserStep) NeedsBackfill() bool {
	return s.HasBackfill() && !s.IsBaseStepReady
}

// IsReady reports whether every requested window has reached its boundary.
func (s *SyncUserStep) IsReady() bool {
	return s.IsCurrStepReady && !s.NeedsBackfill()
}
