package store

import "fmt"

// StateTransition represents a coarse status transition.
type StateTransition struct {
	From Status
	To   Status
}

// validTransitions defines the allowed coarse transitions of an upload
// record. Operator actions (restart, ignore) are handled separately in
// Restart and Ignore; this table covers the pipeline itself, including the
// skip shortcuts from New/Preparing straight to OK.
var validTransitions = map[StateTransition]bool{
	{StatusNew, StatusNew}:       true,
	{StatusNew, StatusPreparing}: true,
	{StatusNew, StatusUploading}: true, // already-prepared record after a restart
	{StatusNew, StatusOK}:        true, // skip substatuses
	{StatusNew, StatusError}:     true,

	{StatusPreparing, StatusPreparing}: true,
	{StatusPreparing, StatusUploading}: true,
	{StatusPreparing, StatusOK}:        true, // skip substatuses
	{StatusPreparing, StatusError}:     true,

	{StatusUploading, StatusUploading}: true,
	{StatusUploading, StatusOK}:        true,
	{StatusUploading, StatusError}:     true,

	// A fresh observer pass retries errored records from the top.
	{StatusError, StatusPreparing}: true,
	{StatusError, StatusUploading}: true,
	{StatusError, StatusNew}:       true,
	{StatusError, StatusOK}:        true, // retried file now matches a skip rule
}

// uploadingOrder ranks the substatuses inside StatusUploading. Within one
// attempt a record may only move forward through these phases.
var uploadingOrder = map[Substatus]int{
	SubstatusRestart:       0,
	SubstatusReady:         1,
	SubstatusChecking:      2,
	SubstatusStarting:      3,
	SubstatusUploading:     4,
	SubstatusFinishing:     5,
	SubstatusDone:          6,
	SubstatusAlreadySynced: 6,
	SubstatusError:         6,
}

// ValidateTransition checks whether an upload record may move from one
// (status, substatus) pair to another within the same attempt.
func ValidateTransition(fromStatus Status, fromSub Substatus, toStatus Status, toSub Substatus) error {
	if !validTransitions[StateTransition{fromStatus, toStatus}] {
		return fmt.Errorf("invalid status transition from %s to %s", fromStatus, toStatus)
	}
	if fromStatus == StatusUploading && toStatus == StatusUploading {
		from, okFrom := uploadingOrder[fromSub]
		to, okTo := uploadingOrder[toSub]
		if okFrom && okTo && to < from {
			return fmt.Errorf("substatus regression from %q to %q", fromSub, toSub)
		}
	}
	return nil
}

// CanRetry reports whether a record is eligible for the automatic retry
// performed by the next observer pass.
func CanRetry(u *Upload) bool {
	return u.Status == StatusError || u.Substatus == SubstatusRestart
}
