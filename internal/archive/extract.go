package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Extract unpacks a gzip-compressed tarball into destRoot, recreating files,
// directories and symlinks with their recorded permissions. Entry names or
// symlink targets that would escape destRoot are rejected, and writes never
// follow a symlinked parent out of destRoot.
func Extract(ctx context.Context, archivePath, destRoot string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	gzr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("not a gzip archive: %w", err)
	}
	defer gzr.Close()

	if err := os.MkdirAll(destRoot, 0o755); err != nil {
		return err
	}
	resolvedRoot, err := filepath.EvalSymlinks(destRoot)
	if err != nil {
		return err
	}

	tr := tar.NewReader(gzr)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("corrupt archive: %w", err)
		}

		target, err := securePath(destRoot, hdr.Name)
		if err != nil {
			return err
		}
		if err := confined(resolvedRoot, target); err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := secureLinkTarget(hdr.Name, hdr.Linkname); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil && !os.IsExist(err) {
				return err
			}
		case tar.TypeReg:
			if err := extractFile(tr, target, hdr.FileInfo().Mode().Perm()); err != nil {
				return fmt.Errorf("failed to extract %s: %w", hdr.Name, err)
			}
		default:
			// Other entry types (devices, fifos) are not produced by Create.
		}
	}
}

func extractFile(r io.Reader, target string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func securePath(destRoot, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes destination", name)
	}
	return filepath.Join(destRoot, cleaned), nil
}

// secureLinkTarget rejects symlink entries whose target points outside the
// destination: absolute targets, and relative targets that climb above the
// extraction root once joined with the link's own directory.
func secureLinkTarget(entryName, linkname string) error {
	if linkname == "" || filepath.IsAbs(linkname) {
		return fmt.Errorf("symlink entry %q target %q escapes destination", entryName, linkname)
	}
	joined := filepath.Join(filepath.Dir(filepath.FromSlash(entryName)), filepath.FromSlash(linkname))
	if joined == ".." || strings.HasPrefix(joined, ".."+string(filepath.Separator)) {
		return fmt.Errorf("symlink entry %q target %q escapes destination", entryName, linkname)
	}
	return nil
}

// confined verifies that the nearest existing ancestor of target resolves to
// a directory inside the extraction root, so a symlink already placed under
// destRoot cannot redirect a later write outside it.
func confined(resolvedRoot, target string) error {
	dir := filepath.Dir(target)
	for {
		resolved, err := filepath.EvalSymlinks(dir)
		if err == nil {
			if resolved != resolvedRoot && !strings.HasPrefix(resolved, resolvedRoot+string(filepath.Separator)) {
				return fmt.Errorf("archive entry parent %s escapes destination", dir)
			}
			return nil
		}
		if !os.IsNotExist(err) {
			return err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil
		}
		dir = parent
	}
}
