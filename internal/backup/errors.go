package backup

import (
	"context"
	"errors"
	"fmt"
)

// Stage names the workflow step an error belongs to.
type Stage string

const (
	StagePrepare Stage = "prepare"
	StageArchive Stage = "archive"
	StageUpload  Stage = "upload"
	StageCleanup Stage = "cleanup"
	StageRestore Stage = "restore"
)

// Exit codes, one per failure class, so the scheduler can tell stages apart.
const (
	ExitConfig  = 1
	ExitLock    = 2
	ExitIO      = 3
	ExitArchive = 4
	ExitUpload  = 5
	ExitTimeout = 6
)

// ConfigError reports invalid or missing configuration, detected before any
// stage runs.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return "invalid configuration: " + e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

// LockError reports that another run holds the scratch-directory lock.
type LockError struct {
	Path string
	Err  error
}

func (e *LockError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to acquire run lock %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("another backup run holds the lock %s", e.Path)
}
func (e *LockError) Unwrap() error { return e.Err }

// IOError reports a local filesystem failure in the prepare or cleanup stage.
type IOError struct {
	Stage Stage
	Err   error
}

func (e *IOError) Error() string { return fmt.Sprintf("%s stage: %v", e.Stage, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

// ArchiveError reports a failure creating or extracting the archive.
type ArchiveError struct {
	Err error
}

func (e *ArchiveError) Error() string { return "archive stage: " + e.Err.Error() }
func (e *ArchiveError) Unwrap() error { return e.Err }

// UploadError reports a network, authentication or store-side transfer
// failure.
type UploadError struct {
	Key string
	Err error
}

func (e *UploadError) Error() string { return fmt.Sprintf("upload stage (%s): %v", e.Key, e.Err) }
func (e *UploadError) Unwrap() error { return e.Err }

// TimeoutError reports that a stage exceeded the configured run timeout.
type TimeoutError struct {
	Stage Stage
	Err   error
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("%s stage timed out: %v", e.Stage, e.Err) }
func (e *TimeoutError) Unwrap() error { return e.Err }

// timedOut reports whether err comes from an expired deadline. Cancellation
// is deliberately excluded: an interrupted run is not a timeout and keeps its
// stage's own error class.
func timedOut(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// ExitCode maps an error from Run or Restore to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var (
		configErr  *ConfigError
		lockErr    *LockError
		ioErr      *IOError
		archiveErr *ArchiveError
		uploadErr  *UploadError
		timeoutErr *TimeoutError
	)
	switch {
	case errors.As(err, &timeoutErr):
		return ExitTimeout
	case errors.As(err, &configErr):
		return ExitConfig
	case errors.As(err, &lockErr):
		return ExitLock
	case errors.As(err, &uploadErr):
		return ExitUpload
	case errors.As(err, &archiveErr):
		return ExitArchive
	case errors.As(err, &ioErr):
		return ExitIO
	}
	return 1
}
