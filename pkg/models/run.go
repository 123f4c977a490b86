package models

import "time"

// RunState tracks a backup run through its stages.
type RunState string

const (
	RunStatePrepared RunState = "prepared"
	RunStateArchived RunState = "archived"
	RunStateUploaded RunState = "uploaded"
	RunStateCleaned  RunState = "cleaned"
	RunStateFailed   RunState = "failed"
)

// RunRecord is one row of backup history. Timestamp doubles as the run
// identifier: the archive filename and the object key both derive from it.
type RunRecord struct {
	Timestamp   string
	State       RunState
	ObjectKey   string
	ArchiveSize int64
	StartedAt   time.Time
	Duration    time.Duration
	Error       string
	KeptArchive string
}
