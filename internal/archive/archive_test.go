package archive

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExcluded(t *testing.T) {
	tests := []struct {
		name     string
		relPath  string
		patterns []string
		expected bool
	}{
		{
			name:     "no patterns",
			relPath:  "a.txt",
			patterns: nil,
			expected: false,
		},
		{
			name:     "exact match",
			relPath:  "logs",
			patterns: []string{"logs"},
			expected: true,
		},
		{
			name:     "file under excluded dir",
			relPath:  "logs/out.log",
			patterns: []string{"logs"},
			expected: true,
		},
		{
			name:     "glob over middle segment",
			relPath:  "jobs/x/workspace/tmp.log",
			patterns: []string{"jobs/*/workspace"},
			expected: true,
		},
		{
			name:     "sibling of excluded dir",
			relPath:  "jobs/x/config.xml",
			patterns: []string{"jobs/*/workspace"},
			expected: false,
		},
		{
			name:     "prefix is not a path boundary",
			relPath:  "logs2/out.log",
			patterns: []string{"logs"},
			expected: false,
		},
		{
			name:     "pattern with surrounding slashes",
			relPath:  "cache/item",
			patterns: []string{"/cache/"},
			expected: true,
		},
		{
			name:     "empty pattern ignored",
			relPath:  "a.txt",
			patterns: []string{""},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Excluded(tt.relPath, tt.patterns))
		})
	}
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

// listFiles returns the regular-file entry names of a tar.gz archive.
func listFiles(t *testing.T, archivePath string) []string {
	t.Helper()
	f, err := os.Open(archivePath)
	require.NoError(t, err)
	defer f.Close()

	gzr, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gzr.Close()

	var names []string
	tr := tar.NewReader(gzr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if hdr.Typeflag == tar.TypeReg {
			names = append(names, hdr.Name)
		}
	}
	return names
}

func TestCreateAppliesExclusions(t *testing.T) {
	source := t.TempDir()
	writeFile(t, source, "a.txt", "hello")
	writeFile(t, source, "jobs/x/workspace/tmp.log", "scratch")
	writeFile(t, source, "logs/out.log", "log line")

	out := filepath.Join(t.TempDir(), "backup.tar.gz")
	size, err := Create(context.Background(), source, []string{"jobs/*/workspace", "logs"}, out)
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))

	assert.Equal(t, []string{"a.txt"}, listFiles(t, out))
}

func TestCreateExtractRoundTrip(t *testing.T) {
	source := t.TempDir()
	writeFile(t, source, "a.txt", "hello")
	writeFile(t, source, "nested/deep/b.txt", "world")
	require.NoError(t, os.Chmod(filepath.Join(source, "nested/deep/b.txt"), 0o600))
	require.NoError(t, os.Symlink("a.txt", filepath.Join(source, "link-to-a")))

	out := filepath.Join(t.TempDir(), "backup.tar.gz")
	_, err := Create(context.Background(), source, nil, out)
	require.NoError(t, err)

	dest := t.TempDir()
	require.NoError(t, Extract(context.Background(), out, dest))

	content, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))

	content, err = os.ReadFile(filepath.Join(dest, "nested/deep/b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "world", string(content))

	fi, err := os.Stat(filepath.Join(dest, "nested/deep/b.txt"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	target, err := os.Readlink(filepath.Join(dest, "link-to-a"))
	require.NoError(t, err)
	assert.Equal(t, "a.txt", target)
}

func TestCreateEmptyResultIsValidArchive(t *testing.T) {
	source := t.TempDir()
	writeFile(t, source, "logs/out.log", "log line")

	out := filepath.Join(t.TempDir(), "backup.tar.gz")
	size, err := Create(context.Background(), source, []string{"logs"}, out)
	require.NoError(t, err)
	assert.Greater(t, size, int64(0)) // gzip+tar framing, zero entries

	assert.Empty(t, listFiles(t, out))

	dest := t.TempDir()
	require.NoError(t, Extract(context.Background(), out, dest))
	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCreateMissingSource(t *testing.T) {
	out := filepath.Join(t.TempDir(), "backup.tar.gz")
	_, err := Create(context.Background(), filepath.Join(t.TempDir(), "nope"), nil, out)
	require.Error(t, err)
	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr))
}

func TestCreateLeavesNoPartialOnFailure(t *testing.T) {
	source := t.TempDir()
	writeFile(t, source, "a.txt", "hello")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outDir := t.TempDir()
	out := filepath.Join(outDir, "backup.tar.gz")
	_, err := Create(ctx, source, nil, out)
	require.Error(t, err)

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "neither the archive nor a .partial file may survive a failed run")
}

type tarEntry struct {
	hdr  tar.Header
	body string
}

// buildArchive hand-assembles a tar.gz with arbitrary entries, including ones
// Create itself would never produce.
func buildArchive(t *testing.T, entries []tarEntry) string {
	t.Helper()
	archivePath := filepath.Join(t.TempDir(), "crafted.tar.gz")
	f, err := os.Create(archivePath)
	require.NoError(t, err)
	gzw := gzip.NewWriter(f)
	tw := tar.NewWriter(gzw)
	for i := range entries {
		hdr := entries[i].hdr
		hdr.Size = int64(len(entries[i].body))
		require.NoError(t, tw.WriteHeader(&hdr))
		_, err = tw.Write([]byte(entries[i].body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gzw.Close())
	require.NoError(t, f.Close())
	return archivePath
}

func TestExtractRejectsEscapingEntries(t *testing.T) {
	archivePath := buildArchive(t, []tarEntry{
		{hdr: tar.Header{Name: "../evil.txt", Typeflag: tar.TypeReg, Mode: 0o644}, body: "evil"},
	})

	dest := filepath.Join(t.TempDir(), "dest")
	err := Extract(context.Background(), archivePath, dest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes destination")
}

func TestExtractRejectsSymlinkEscape(t *testing.T) {
	outside := t.TempDir()

	tests := []struct {
		name    string
		entries []tarEntry
	}{
		{
			name: "absolute symlink target",
			entries: []tarEntry{
				{hdr: tar.Header{Name: "escape", Typeflag: tar.TypeSymlink, Linkname: outside, Mode: 0o777}},
				{hdr: tar.Header{Name: "escape/pwned.txt", Typeflag: tar.TypeReg, Mode: 0o644}, body: "pwned"},
			},
		},
		{
			name: "relative symlink climbing out",
			entries: []tarEntry{
				{hdr: tar.Header{Name: "escape", Typeflag: tar.TypeSymlink, Linkname: "../../outside", Mode: 0o777}},
				{hdr: tar.Header{Name: "escape/pwned.txt", Typeflag: tar.TypeReg, Mode: 0o644}, body: "pwned"},
			},
		},
		{
			name: "nested symlink climbing out",
			entries: []tarEntry{
				{hdr: tar.Header{Name: "sub/", Typeflag: tar.TypeDir, Mode: 0o755}},
				{hdr: tar.Header{Name: "sub/escape", Typeflag: tar.TypeSymlink, Linkname: "../../sibling", Mode: 0o777}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			archivePath := buildArchive(t, tt.entries)
			dest := filepath.Join(t.TempDir(), "dest")
			err := Extract(context.Background(), archivePath, dest)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "escapes destination")

			_, statErr := os.Stat(filepath.Join(outside, "pwned.txt"))
			assert.True(t, os.IsNotExist(statErr), "no file may be written outside the destination")
		})
	}
}

func TestExtractRejectsWriteThroughExistingSymlink(t *testing.T) {
	// The destination may be non-empty; a symlink already there must not
	// redirect an extracted file outside it.
	outside := t.TempDir()
	dest := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(dest, "pre")))

	archivePath := buildArchive(t, []tarEntry{
		{hdr: tar.Header{Name: "pre/pwned.txt", Typeflag: tar.TypeReg, Mode: 0o644}, body: "pwned"},
	})

	err := Extract(context.Background(), archivePath, dest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes destination")

	_, statErr := os.Stat(filepath.Join(outside, "pwned.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestExtractAllowsInternalSymlinkDir(t *testing.T) {
	archivePath := buildArchive(t, []tarEntry{
		{hdr: tar.Header{Name: "data/", Typeflag: tar.TypeDir, Mode: 0o755}},
		{hdr: tar.Header{Name: "data/a.txt", Typeflag: tar.TypeReg, Mode: 0o644}, body: "hello"},
		{hdr: tar.Header{Name: "current", Typeflag: tar.TypeSymlink, Linkname: "data", Mode: 0o777}},
	})

	dest := filepath.Join(t.TempDir(), "dest")
	require.NoError(t, Extract(context.Background(), archivePath, dest))

	content, err := os.ReadFile(filepath.Join(dest, "current", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))
}

func TestExtractRejectsNonGzip(t *testing.T) {
	bogus := filepath.Join(t.TempDir(), "bogus.tar.gz")
	require.NoError(t, os.WriteFile(bogus, []byte("not a gzip stream"), 0o644))
	err := Extract(context.Background(), bogus, t.TempDir())
	require.Error(t, err)
}
