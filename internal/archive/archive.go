package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// partialSuffix marks an archive that is still being written. Create renames
// the file to its final name only after the tar and gzip streams are closed,
// so a crashed run can never leave a truncated file with an archive name.
const partialSuffix = ".partial"

// Excluded reports whether relPath (slash-separated, relative to the source
// root) matches any of the patterns. A pattern matches the path itself or any
// of its ancestor directories, so excluding "logs" drops everything under
// logs/ and "jobs/*/workspace" drops each per-job workspace tree.
func Excluded(relPath string, patterns []string) bool {
	for _, pattern := range patterns {
		pattern = strings.Trim(pattern, "/")
		if pattern == "" {
			continue
		}
		for sub := relPath; sub != "." && sub != "/"; sub = path.Dir(sub) {
			if ok, err := path.Match(pattern, sub); err == nil && ok {
				return true
			}
		}
	}
	return false
}

// Create walks sourceRoot and writes a gzip-compressed tarball of every file
// not matched by an exclusion pattern to outPath. Entry names are relative to
// sourceRoot. Symlinks are stored as links, permissions are preserved, and an
// empty result is a valid empty archive. The write goes through a .partial
// temp name and is renamed on success.
func Create(ctx context.Context, sourceRoot string, patterns []string, outPath string) (int64, error) {
	if _, err := os.Stat(sourceRoot); err != nil {
		return 0, fmt.Errorf("source root %s: %w", sourceRoot, err)
	}

	tmpPath := outPath + partialSuffix
	out, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create archive file: %w", err)
	}

	gzw := gzip.NewWriter(out)
	tw := tar.NewWriter(gzw)

	walkErr := filepath.Walk(sourceRoot, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(sourceRoot, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if Excluded(rel, patterns) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		return writeEntry(tw, p, rel, info)
	})

	// Close order matters: tar flushes its trailer into gzip, gzip flushes
	// into the file. Only then is the archive complete.
	if err := tw.Close(); walkErr == nil {
		walkErr = err
	}
	if err := gzw.Close(); walkErr == nil {
		walkErr = err
	}
	if err := out.Close(); walkErr == nil {
		walkErr = err
	}

	if walkErr != nil {
		os.Remove(tmpPath)
		return 0, walkErr
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to publish archive: %w", err)
	}

	fi, err := os.Stat(outPath)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func writeEntry(tw *tar.Writer, fullPath, rel string, info os.FileInfo) error {
	var link string
	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(fullPath)
		if err != nil {
			return fmt.Errorf("failed to read symlink %s: %w", rel, err)
		}
		link = target
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return fmt.Errorf("failed to build header for %s: %w", rel, err)
	}
	hdr.Name = rel
	if info.IsDir() {
		hdr.Name += "/"
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write header for %s: %w", rel, err)
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(fullPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", rel, err)
	}
	defer f.Close()

	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("failed to archive %s: %w", rel, err)
	}
	return nil
}
