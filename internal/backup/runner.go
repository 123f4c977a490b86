package backup

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/mbakio/mbak/internal/archive"
	"github.com/mbakio/mbak/internal/storage"
	"github.com/mbakio/mbak/pkg/models"
	"github.com/mbakio/mbak/pkg/utils"
)

// TimestampLayout is the run identifier format. One timestamp is computed at
// run start and derives both the archive filename and the object key.
const TimestampLayout = "20060102_150405"

// ArchiveName returns the archive filename for a run.
func ArchiveName(prefix, timestamp string) string {
	return fmt.Sprintf("%s_%s.tar.gz", prefix, timestamp)
}

// ObjectKey returns the object-store key for a run. It equals the archive
// filename so a run maps 1:1 to a remote object.
func ObjectKey(prefix, timestamp string) string {
	return ArchiveName(prefix, timestamp)
}

// RunStore persists run records. *db.DB satisfies it.
type RunStore interface {
	SaveRun(projectName string, record *models.RunRecord) error
}

// Runner executes one backup run: prepare scratch, archive the source tree,
// upload the archive, clean up. Stages run strictly in order and the first
// failure aborts the rest, except that an upload failure still triggers
// cleanup when the project's CleanupOnFailure policy says so.
type Runner struct {
	store   RunStore
	storage storage.Storage
	project *models.Project

	// now is the run clock, swappable in tests.
	now func() time.Time
}

// NewRunner validates the project and builds a runner.
func NewRunner(store RunStore, stg storage.Storage, project *models.Project) (*Runner, error) {
	if err := ValidateProject(project); err != nil {
		return nil, err
	}
	return &Runner{
		store:   store,
		storage: stg,
		project: project,
		now:     time.Now,
	}, nil
}

// Run executes one backup run and returns its record. The record is persisted
// whatever the outcome, and on failure the returned error carries the failing
// stage's type (see errors.go) for exit-code mapping.
func (r *Runner) Run(ctx context.Context) (*models.RunRecord, error) {
	start := r.now()
	timestamp := start.Format(TimestampLayout)

	record := &models.RunRecord{
		Timestamp: timestamp,
		ObjectKey: ObjectKey(r.project.Destination.Prefix, timestamp),
		StartedAt: start,
	}

	lock, err := acquireRunLock(r.project.ScratchDir)
	if err != nil {
		return record, err
	}
	defer lock.Unlock()

	runErr := r.runStages(ctx, record)
	record.Duration = r.now().Sub(start)
	if runErr != nil {
		record.State = models.RunStateFailed
		record.Error = runErr.Error()
	}

	if r.store != nil {
		if err := r.store.SaveRun(r.project.Name, record); err != nil {
			log.Printf("failed to record run %s: %v", timestamp, err)
		}
	}
	return record, runErr
}

// acquireRunLock takes the exclusive lock that serializes all work on a
// scratch directory, backups and restores alike. The caller unlocks it.
func acquireRunLock(scratchDir string) (*flock.Flock, error) {
	lockPath := scratchDir + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, &IOError{Stage: StagePrepare, Err: err}
	}
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, &LockError{Path: lockPath, Err: err}
	}
	if !locked {
		return nil, &LockError{Path: lockPath}
	}
	return lock, nil
}

func (r *Runner) runStages(ctx context.Context, record *models.RunRecord) error {
	scratch := r.project.ScratchDir

	// Stage 1: prepare. Idempotent, tolerates leftovers from a crashed run.
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return &IOError{Stage: StagePrepare, Err: err}
	}
	record.State = models.RunStatePrepared

	if r.project.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.project.Timeout)
		defer cancel()
	}

	// Stage 2: archive. On failure the scratch dir is left in place; the
	// archiver already removed its own partial file and the next run's
	// prepare/cleanup reconciles the rest.
	archivePath := filepath.Join(scratch, ArchiveName(r.project.Destination.Prefix, record.Timestamp))
	fmt.Printf("Archiving %s (excluding %d patterns)...\n", r.project.SourcePath, len(r.project.Exclusions))
	size, err := archive.Create(ctx, r.project.SourcePath, r.project.Exclusions, archivePath)
	if err != nil {
		if timedOut(err) {
			return &TimeoutError{Stage: StageArchive, Err: err}
		}
		return &ArchiveError{Err: err}
	}
	record.ArchiveSize = size
	record.State = models.RunStateArchived
	fmt.Printf("Archive created: %s (%s)\n", archivePath, utils.FormatSize(size))

	// Stage 3: upload.
	fmt.Printf("Uploading %s to bucket %s...\n", record.ObjectKey, r.project.Destination.Bucket)
	if _, err := r.storage.Upload(ctx, record.ObjectKey, archivePath); err != nil {
		var uploadErr error
		if timedOut(err) {
			uploadErr = &TimeoutError{Stage: StageUpload, Err: err}
		} else {
			uploadErr = &UploadError{Key: record.ObjectKey, Err: err}
		}
		if r.project.CleanupOnFailure {
			if cleanErr := os.RemoveAll(scratch); cleanErr != nil {
				log.Printf("cleanup after failed upload: %v", cleanErr)
			}
		} else {
			record.KeptArchive = archivePath
			fmt.Printf("Upload failed; keeping archive at %s for manual retry\n", archivePath)
		}
		return uploadErr
	}
	record.State = models.RunStateUploaded

	// Stage 4: cleanup. Idempotent remove of the whole scratch dir.
	if err := os.RemoveAll(scratch); err != nil {
		return &IOError{Stage: StageCleanup, Err: err}
	}
	record.State = models.RunStateCleaned
	return nil
}
