package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/3cpo-dev/dsup/pkg/api"
)

func BenchmarkSubmitURLChunks(b *testing.B) {
	units := make([]SubmissionUnit, 64)
	for i := range units {
		units[i] = SubmissionUnit{Kind: UnitURLChunk, URLs: []string{fmt.Sprintf("https://h/%d.pdf", i)}}
	}
	s := &submitter{tasks: newMockTaskService(), concurrency: 8, progress: NopProgress{}, logger: zerolog.Nop()}
	ctx := context.Background()

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := s.submit(ctx, testCoords, units, SubmitOptions{}); err != nil {
			b.Fatalf("submit failed: %v", err)
		}
	}
}

func BenchmarkAwaitAll(b *testing.B) {
	ids := make([]api.TaskID, 256)
	for i := range ids {
		ids[i] = api.TaskID(fmt.Sprintf("task-%d", i))
	}
	p := NewPoller(newMockTaskService(), fastPoll())
	ctx := context.Background()

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := p.AwaitAll(ctx, "proj", ids); err != nil {
			b.Fatalf("AwaitAll failed: %v", err)
		}
	}
}

// Memory allocation benchmarks
func BenchmarkDedupePaths(b *testing.B) {
	dir := b.TempDir()
	paths := make([]string, 100)
	for i := range paths {
		paths[i] = filepath.Join(dir, fmt.Sprintf("b-%d.zip", i))
	}
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_ = dedupePaths(paths, paths)
	}
}

func BenchmarkPrepareDirectory(b *testing.B) {
	src := b.TempDir()
	for i := 0; i < 20; i++ {
		path := filepath.Join(src, fmt.Sprintf("doc-%d.pdf", i))
		if err := writeBenchFile(path); err != nil {
			b.Fatal(err)
		}
	}
	p := NewPreparer(5, 4)
	ctx := context.Background()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		ws, err := NewWorkspace(b.TempDir())
		if err != nil {
			b.Fatal(err)
		}
		if _, err := p.Prepare(ctx, src, ws); err != nil {
			b.Fatalf("Prepare failed: %v", err)
		}
		_ = ws.Close()
	}
}

func writeBenchFile(path string) error {
	return os.WriteFile(path, []byte("%PDF-1.4 "+filepath.Base(path)), 0o600)
}
