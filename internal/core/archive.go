package core

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gabriel-vasile/mimetype"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"
)

const archivePattern = "**/*.{zip,ZIP}"

// Preparer turns a local file or directory into archive bundles ready to be staged.
type Preparer struct {
	bundleSize int
	workers    int
}

// NewPreparer returns a Preparer that packs at most bundleSize loose files per bundle
// and writes up to workers bundles at once.
func NewPreparer(bundleSize, workers int) *Preparer {
	if bundleSize < 1 {
		bundleSize = 1
	}
	if workers < 1 {
		workers = 1
	}
	return &Preparer{bundleSize: bundleSize, workers: workers}
}

// Prepare returns the bundles to upload for path. Loose files are packed into new
// bundles under the workspace staging directory; existing archives are used as is.
// Every bundle appears once, identified by its canonical absolute path.
func (p *Preparer) Prepare(ctx context.Context, path string, ws *Workspace) ([]string, error) {
	src, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	info, err := os.Stat(src)
	if err != nil {
		return nil, fmt.Errorf("stat input: %w", err)
	}

	var (
		baseDir  string
		loose    []string
		existing []string
	)
	switch {
	case info.IsDir():
		baseDir = src
		loose, err = collectLooseFiles(src, ws.Root())
		if err != nil {
			return nil, err
		}
	case info.Mode().IsRegular():
		baseDir = filepath.Dir(src)
		archive, err := isArchive(src)
		if err != nil {
			return nil, err
		}
		if archive {
			existing = []string{src}
		} else {
			loose = []string{src}
		}
	default:
		return nil, fmt.Errorf("unsupported input %s: not a regular file or directory", src)
	}

	// All bundle writes finish before the staging directory is scanned.
	if err := p.writeBundles(ctx, baseDir, loose, ws.StagingDir()); err != nil {
		return nil, err
	}

	if info.IsDir() {
		existing, err = findArchives(src)
		if err != nil {
			return nil, fmt.Errorf("scan input directory: %w", err)
		}
	}
	staged, err := findArchives(ws.StagingDir())
	if err != nil {
		return nil, fmt.Errorf("scan staging directory: %w", err)
	}

	bundles := dedupePaths(existing, staged)
	log.Debug().
		Str("input", src).
		Int("loose_files", len(loose)).
		Int("existing", len(existing)).
		Int("staged", len(staged)).
		Int("bundles", len(bundles)).
		Msg("prepared bundles")
	return bundles, nil
}

func (p *Preparer) writeBundles(ctx context.Context, baseDir string, files []string, stagingDir string) error {
	if len(files) == 0 {
		return nil
	}
	if err := os.MkdirAll(stagingDir, 0o700); err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}

	var batches [][]string
	for i := 0; i < len(files); i += p.bundleSize {
		end := min(i+p.bundleSize, len(files))
		batches = append(batches, files[i:end])
	}

	pool, err := ants.NewPool(min(p.workers, len(batches)))
	if err != nil {
		return fmt.Errorf("create bundle pool: %w", err)
	}
	defer pool.Release()

	var wg sync.WaitGroup
	errs := make([]error, len(batches))
	for i, batch := range batches {
		target := filepath.Join(stagingDir, fmt.Sprintf("batch-%04d.zip", i))
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return
			}
			errs[i] = writeZip(target, baseDir, batch)
		})
		if submitErr != nil {
			wg.Done()
			errs[i] = fmt.Errorf("schedule bundle %d: %w", i, submitErr)
		}
	}
	wg.Wait()

	return errors.Join(errs...)
}

func writeZip(target, baseDir string, files []string) (err error) {
	out, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create bundle: %w", err)
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close bundle: %w", cerr)
		}
		if err != nil {
			_ = os.Remove(target)
		}
	}()

	zw := zip.NewWriter(out)
	for _, f := range files {
		if err := addToZip(zw, baseDir, f); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish bundle: %w", err)
	}
	return nil
}

func addToZip(zw *zip.Writer, baseDir, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer src.Close()

	stat, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	hdr, err := zip.FileInfoHeader(stat)
	if err != nil {
		return fmt.Errorf("zip header %s: %w", path, err)
	}
	rel, err := filepath.Rel(baseDir, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	hdr.Name = filepath.ToSlash(rel)
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("add %s: %w", path, err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("copy %s: %w", path, err)
	}
	return nil
}

// collectLooseFiles walks root for regular, non-hidden, non-archive files. The subtree
// at skip (the run workspace) is never visited.
func collectLooseFiles(root, skip string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if skip != "" && path == skip {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || hasArchiveSuffix(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	sort.Strings(files)
	return files, nil
}

// findArchives returns the sorted absolute paths of every archive below root.
func findArchives(root string) ([]string, error) {
	if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	matches, err := doublestar.Glob(os.DirFS(root), archivePattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, filepath.Join(root, filepath.FromSlash(m)))
	}
	sort.Strings(out)
	return out, nil
}

func hasArchiveSuffix(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".zip" || ext == ".ZIP"
}

// isArchive reports whether a single input file should be uploaded without repacking.
func isArchive(path string) (bool, error) {
	if hasArchiveSuffix(path) {
		return true, nil
	}
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return false, fmt.Errorf("detect type of %s: %w", path, err)
	}
	return mt.Is("application/zip"), nil
}

// canonicalPath resolves symlinks where possible so two scans agree on identity.
func canonicalPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

func dedupePaths(groups ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, group := range groups {
		for _, p := range group {
			key := canonicalPath(p)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, key)
		}
	}
	return out
}
