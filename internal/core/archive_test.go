package core

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func makeZip(t *testing.T, path string, entries ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for _, e := range entries {
		w, err := zw.Create(e)
		require.NoError(t, err)
		_, err = w.Write([]byte("content of " + e))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func zipEntries(t *testing.T, path string) []string {
	t.Helper()
	r, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer r.Close()
	var names []string
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

func canon(t *testing.T, path string) string {
	t.Helper()
	resolved, err := filepath.EvalSymlinks(path)
	require.NoError(t, err)
	return resolved
}

func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	ws, err := NewWorkspace(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func TestPrepareDirectoryWithLooseFilesAndArchive(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.pdf"), "%PDF-1.4 a")
	writeFile(t, filepath.Join(src, "b.pdf"), "%PDF-1.4 b")
	writeFile(t, filepath.Join(src, "nested", "c.pdf"), "%PDF-1.4 c")
	makeZip(t, filepath.Join(src, "nested", "existing.zip"), "x.pdf")

	ws := newTestWorkspace(t)
	bundles, err := NewPreparer(10, 2).Prepare(context.Background(), src, ws)
	require.NoError(t, err)
	require.Len(t, bundles, 2)

	assert.Equal(t, canon(t, filepath.Join(src, "nested", "existing.zip")), bundles[0])
	assert.Equal(t, canon(t, filepath.Join(ws.StagingDir(), "batch-0000.zip")), bundles[1])
	assert.Equal(t, []string{"a.pdf", "b.pdf", "nested/c.pdf"}, zipEntries(t, bundles[1]))
}

func TestPrepareSplitsLooseFilesByBundleSize(t *testing.T) {
	src := t.TempDir()
	for _, name := range []string{"1.pdf", "2.pdf", "3.pdf", "4.pdf", "5.pdf"} {
		writeFile(t, filepath.Join(src, name), name)
	}

	ws := newTestWorkspace(t)
	bundles, err := NewPreparer(2, 3).Prepare(context.Background(), src, ws)
	require.NoError(t, err)
	require.Len(t, bundles, 3)

	var all []string
	for _, b := range bundles {
		all = append(all, zipEntries(t, b)...)
	}
	sort.Strings(all)
	assert.Equal(t, []string{"1.pdf", "2.pdf", "3.pdf", "4.pdf", "5.pdf"}, all)
	assert.Equal(t, []string{"3.pdf", "4.pdf"}, zipEntries(t, bundles[1]))
}

func TestPrepareSingleArchiveIsUsedDirectly(t *testing.T) {
	src := filepath.Join(t.TempDir(), "docs.zip")
	makeZip(t, src, "a.pdf")

	ws := newTestWorkspace(t)
	bundles, err := NewPreparer(10, 1).Prepare(context.Background(), src, ws)
	require.NoError(t, err)
	assert.Equal(t, []string{canon(t, src)}, bundles)

	_, err = os.Stat(ws.StagingDir())
	assert.True(t, os.IsNotExist(err), "no bundle should be staged for an archive input")
}

func TestPrepareSniffsArchiveWithoutSuffix(t *testing.T) {
	src := filepath.Join(t.TempDir(), "upload.bin")
	makeZip(t, src, "a.pdf")

	ws := newTestWorkspace(t)
	bundles, err := NewPreparer(10, 1).Prepare(context.Background(), src, ws)
	require.NoError(t, err)
	assert.Equal(t, []string{canon(t, src)}, bundles)
}

func TestPrepareSingleLooseFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "report.pdf")
	writeFile(t, src, "%PDF-1.4 report")

	ws := newTestWorkspace(t)
	bundles, err := NewPreparer(10, 1).Prepare(context.Background(), src, ws)
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	assert.Equal(t, []string{"report.pdf"}, zipEntries(t, bundles[0]))
}

func TestPrepareDeduplicatesOverlappingScans(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.pdf"), "a")
	writeFile(t, filepath.Join(src, "b.pdf"), "b")
	writeFile(t, filepath.Join(src, "c.pdf"), "c")
	makeZip(t, filepath.Join(src, "existing.zip"), "x.pdf")

	// A workspace inside the input directory makes the input scan see the staged bundle too.
	ws, err := NewWorkspace(filepath.Join(src, "work"))
	require.NoError(t, err)
	defer ws.Close()

	bundles, err := NewPreparer(10, 1).Prepare(context.Background(), src, ws)
	require.NoError(t, err)
	require.Len(t, bundles, 2)
	assert.Equal(t, canon(t, filepath.Join(src, "existing.zip")), bundles[0])
	assert.Equal(t, canon(t, filepath.Join(ws.StagingDir(), "batch-0000.zip")), bundles[1])
	assert.Equal(t, []string{"a.pdf", "b.pdf", "c.pdf"}, zipEntries(t, bundles[1]))
}

func TestPrepareSkipsHiddenFiles(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.pdf"), "a")
	writeFile(t, filepath.Join(src, ".DS_Store"), "junk")
	writeFile(t, filepath.Join(src, ".git", "HEAD"), "ref")

	ws := newTestWorkspace(t)
	bundles, err := NewPreparer(10, 1).Prepare(context.Background(), src, ws)
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	assert.Equal(t, []string{"a.pdf"}, zipEntries(t, bundles[0]))
}

func TestPrepareEmptyDirectory(t *testing.T) {
	ws := newTestWorkspace(t)
	bundles, err := NewPreparer(10, 1).Prepare(context.Background(), t.TempDir(), ws)
	require.NoError(t, err)
	assert.Empty(t, bundles)
}

func TestPrepareMissingInput(t *testing.T) {
	ws := newTestWorkspace(t)
	_, err := NewPreparer(10, 1).Prepare(context.Background(), filepath.Join(t.TempDir(), "nope"), ws)
	assert.Error(t, err)
}

func TestPrepareCancelled(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.pdf"), "a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ws := newTestWorkspace(t)
	_, err := NewPreparer(10, 1).Prepare(ctx, src, ws)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDedupePaths(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.zip")
	writeFile(t, a, "a")
	dotted := filepath.Join(dir, "sub", "..", "a.zip")

	out := dedupePaths([]string{a}, []string{dotted, a})
	assert.Equal(t, []string{canon(t, a)}, out)
}
