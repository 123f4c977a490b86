package backup

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{
			name:     "nil",
			err:      nil,
			expected: 0,
		},
		{
			name:     "config",
			err:      &ConfigError{Err: errors.New("bucket missing")},
			expected: ExitConfig,
		},
		{
			name:     "lock",
			err:      &LockError{Path: "/tmp/scratch.lock"},
			expected: ExitLock,
		},
		{
			name:     "io",
			err:      &IOError{Stage: StagePrepare, Err: errors.New("permission denied")},
			expected: ExitIO,
		},
		{
			name:     "archive",
			err:      &ArchiveError{Err: errors.New("read error")},
			expected: ExitArchive,
		},
		{
			name:     "upload",
			err:      &UploadError{Key: "ci_x.tar.gz", Err: errors.New("connection reset")},
			expected: ExitUpload,
		},
		{
			name:     "timeout",
			err:      &TimeoutError{Stage: StageUpload, Err: context.DeadlineExceeded},
			expected: ExitTimeout,
		},
		{
			name:     "wrapped upload",
			err:      fmt.Errorf("run failed: %w", &UploadError{Key: "k", Err: errors.New("x")}),
			expected: ExitUpload,
		},
		{
			name:     "unclassified",
			err:      errors.New("something else"),
			expected: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ExitCode(tt.err))
		})
	}
}

func TestObjectKeyLayout(t *testing.T) {
	assert.Equal(t, "ci_20260825_061500.tar.gz", ObjectKey("ci", "20260825_061500"))
	assert.Equal(t, ArchiveName("ci", "20260825_061500"), ObjectKey("ci", "20260825_061500"))
}
