package backup

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/mbakio/mbak/internal/archive"
	"github.com/mbakio/mbak/internal/storage"
	"github.com/mbakio/mbak/pkg/models"
)

// Restorer downloads a backup object and unpacks it: the manual three-step
// recovery path (fetch, extract, clean up scratch).
type Restorer struct {
	storage storage.Storage
	project *models.Project
}

// NewRestorer validates the project and builds a restorer.
func NewRestorer(stg storage.Storage, project *models.Project) (*Restorer, error) {
	if err := ValidateProject(project); err != nil {
		return nil, err
	}
	return &Restorer{storage: stg, project: project}, nil
}

// Restore fetches key into the scratch directory, extracts it into destRoot
// and removes the scratch directory again.
func (r *Restorer) Restore(ctx context.Context, key, destRoot string) error {
	if destRoot == "" {
		return &ConfigError{Err: fmt.Errorf("destination directory is required")}
	}

	// The restore stages through the same scratch directory as backups, so
	// it must hold the same lock: a scheduled backup arriving mid-restore
	// would otherwise see its archive swept away.
	lock, err := acquireRunLock(r.project.ScratchDir)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	if r.project.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.project.Timeout)
		defer cancel()
	}

	if _, err := r.storage.Stat(ctx, key); err != nil {
		if timedOut(err) {
			return &TimeoutError{Stage: StageRestore, Err: err}
		}
		return &UploadError{Key: key, Err: fmt.Errorf("backup object not available: %w", err)}
	}

	scratch := r.project.ScratchDir
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return &IOError{Stage: StagePrepare, Err: err}
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			log.Printf("failed to remove scratch dir %s: %v", scratch, err)
		}
	}()

	localPath := filepath.Join(scratch, filepath.Base(key))
	fmt.Printf("Downloading %s from bucket %s...\n", key, r.project.Destination.Bucket)
	if _, err := r.storage.Download(ctx, key, localPath); err != nil {
		if timedOut(err) {
			return &TimeoutError{Stage: StageRestore, Err: err}
		}
		return &UploadError{Key: key, Err: err}
	}

	fmt.Printf("Extracting into %s...\n", destRoot)
	if err := archive.Extract(ctx, localPath, destRoot); err != nil {
		if timedOut(err) {
			return &TimeoutError{Stage: StageRestore, Err: err}
		}
		return &ArchiveError{Err: err}
	}
	return nil
}
