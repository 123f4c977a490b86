package backup

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/mbakio/mbak/pkg/models"
)

// ValidateProject checks a project configuration once, before any stage runs.
// All failures come back as ConfigError.
func ValidateProject(p *models.Project) error {
	fail := func(format string, args ...any) error {
		return &ConfigError{Err: fmt.Errorf(format, args...)}
	}

	if p.Name == "" {
		return fail("project name is required")
	}
	if p.SourcePath == "" {
		return fail("source path is required")
	}
	if p.ScratchDir == "" {
		return fail("scratch directory is required")
	}
	if p.Destination.Endpoint == "" {
		return fail("endpoint is required")
	}
	if p.Destination.Bucket == "" {
		return fail("bucket is required")
	}
	if p.Destination.Prefix == "" {
		return fail("key prefix is required")
	}
	if p.Timeout < 0 {
		return fail("timeout must not be negative")
	}

	// A scratch dir inside the source tree would end up archiving its own
	// half-written tarball.
	src := filepath.Clean(p.SourcePath)
	scratch := filepath.Clean(p.ScratchDir)
	if scratch == src || strings.HasPrefix(scratch+string(filepath.Separator), src+string(filepath.Separator)) {
		return fail("scratch directory %s must not be inside source path %s", p.ScratchDir, p.SourcePath)
	}

	for _, pattern := range p.Exclusions {
		if _, err := path.Match(strings.Trim(pattern, "/"), "probe"); err != nil {
			return fail("bad exclusion pattern %q: %v", pattern, err)
		}
	}
	return nil
}

// ValidateCredentials checks that both halves of the key pair are present.
func ValidateCredentials(creds models.Credentials) error {
	if creds.AccessKey == "" || creds.SecretKey == "" {
		return &ConfigError{Err: fmt.Errorf("access key and secret key are required (set MBAK_ACCESS_KEY and MBAK_SECRET_KEY)")}
	}
	return nil
}
