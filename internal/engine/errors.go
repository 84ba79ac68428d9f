package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/ledgersync/internal/model"
)

// ErrInterrupted is returned by operations that observed an interrupt.
var ErrInterrupted = errors.New("sync interrupted")

// DuplicateEntryError rejects an enqueue while a non-terminal entry exists
// for the same (owner, collection). The queue is left unchanged.
type DuplicateEntryError struct {
	// OwnerID is empty for the scheduler partition.
	OwnerID string

	Collection string

	// ExistingID is the active entry, 0 if the conflict came from the
	// unique index rather than the lookup.
	ExistingID int64
}

// Error implements the error interface.
func (e *DuplicateEntryError) Error() string {
	return fmt.Sprintf("sync queue: %s already has an active entry for owner %q (id=%d)",
		e.Collection, e.OwnerID, e.ExistingID)
}

// InvalidTransitionError rejects a queue state change the state machine
// does not allow, e.g. leaving a terminal state.
type InvalidTransitionError struct {
	EntryID int64
	From    model.QueueState
	To      model.QueueState
}

// Error implements the error interface.
func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("sync queue: entry %d: invalid transition %s -> %s", e.EntryID, e.From, e.To)
}

// CollectionSyncError aborts the sync of one collection. Other queued
// collections are unaffected.
type CollectionSyncError struct {
	Collection string
	OwnerID    string
	SubOwnerID string

	// Stage is where it failed: "load", "fetch", "hook", "persist".
	Stage string

	Err error
}

// Error implements the error interface.
func (e *CollectionSyncError) Error() string {
	who := e.OwnerID
	if e.SubOwnerID != "" {
		who += "/" + e.SubOwnerID
	}
	return fmt.Sprintf("sync %s (owner=%q) %s: %v", e.Collection, who, e.Stage, e.Err)
}

// Unwrap returns the underlying cause.
func (e *CollectionSyncError) Unwrap() error {
	return e.Err
}

// AlreadyRunningError rejects a run while another run for the same owner is
// active, in this process or another one sharing the store.
type AlreadyRunningError struct {
	OwnerID string

	// RunID is the run holding the claim, empty if it is held in this
	// process and has not claimed the store yet.
	RunID string
}

// Error implements the error interface.
func (e *AlreadyRunningError) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("sync already running for owner %q (run %s)", e.OwnerID, e.RunID)
	}
	return fmt.Sprintf("sync already running for owner %q", e.OwnerID)
}

// ClaimLostError is returned by progress writes of a run whose claim on
// the owner was taken over after its lease expired.
type ClaimLostError struct {
	OwnerID string
	RunID   string
	Holder  string
}

// Error implements the error interface.
func (e *ClaimLostError) Error() string {
	return fmt.Sprintf("progress: run %s lost its claim on owner %q to %q", e.RunID, e.OwnerID, e.Holder)
}

// ValidationError describes one skipped record. It is collected into the
// run result, never returned as a failure.
type ValidationError struct {
	Collection string `json:"collection" yaml:"collection"`
	Key        string `json:"key,omitempty" yaml:"key,omitempty"`
	Index      int    `json:"index" yaml:"index"` // position in the page
	Field      string `json:"field" yaml:"field"`
	Reason     string `json:"reason" yaml:"reason"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s[%d] key=%s: %s: %s", e.Collection, e.Index, e.Key, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s[%d]: %s: %s", e.Collection, e.Index, e.Field, e.Reason)
}

// IsDuplicateEntry returns true if err is a DuplicateEntryError.
// Uses errors.As to handle wrapped errors.
func IsDuplicateEntry(err error) bool {
	var de *DuplicateEntryError
	return errors.As(err, &de)
}

// IsInvalidTransition returns true if err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var ie *InvalidTransitionError
	return errors.As(err, &ie)
}

// IsCollectionSyncError returns true if err is a CollectionSyncError.
func IsCollectionSyncError(err error) bool {
	var ce *CollectionSyncError
	return errors.As(err, &ce)
}

// IsClaimLost returns true if err is a ClaimLostError.
func IsClaimLost(err error) bool {
	var ce *ClaimLostError
	return errors.As(err, &ce)
}

// IsAlreadyRunning returns true if err is an AlreadyRunningError.
func IsAlreadyRunning(err error) bool {
	var ae *AlreadyRunningError
	return errors.As(err, &ae)
}
