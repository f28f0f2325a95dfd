package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestFullWorkflow builds both binaries and drives dsup against a running dsup-devserver.
func TestFullWorkflow(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	tmpDir := t.TempDir()
	bin := filepath.Join(tmpDir, "bin")
	if err := buildBinaries(bin); err != nil {
		t.Fatalf("Failed to build binaries: %v", err)
	}

	addr := freeAddr(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	server := exec.CommandContext(ctx, filepath.Join(bin, "dsup-devserver"), "--addr", addr, "--steps", "2", "--fail", "**/broken.pdf")
	server.Env = append(os.Environ(), "DSUP_DEVSERVER_TOKEN=integration")
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start devserver: %v", err)
	}
	defer func() {
		if server.Process != nil {
			_ = server.Process.Kill()
		}
	}()
	waitHealthy(t, "http://"+addr+"/healthz")

	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(createTestConfig(tmpDir, addr)), 0600); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	dsup := func(args ...string) (string, error) {
		cmd := exec.CommandContext(ctx, filepath.Join(bin, "dsup"), append([]string{"--config", configPath, "--log", "warn"}, args...)...)
		cmd.Env = append(os.Environ(), "XDG_CONFIG_HOME="+tmpDir, "XDG_DATA_HOME="+tmpDir, "DSUP_API_TOKEN=integration")
		out, err := cmd.Output()
		return string(out), err
	}

	t.Run("Version", func(t *testing.T) {
		out, err := dsup("version")
		if err != nil || !strings.HasPrefix(out, "dsup ") {
			t.Fatalf("version: %v: %s", err, out)
		}
	})

	var runID string
	t.Run("Upload_URLs", func(t *testing.T) {
		out, err := dsup("upload", "--proj-key", "p", "--index-key", "i",
			"--url", "https://example.com/a.pdf,https://example.com/broken.pdf", "--poll-interval", "50ms", "--json")
		if err != nil {
			t.Fatalf("upload: %v\n%s", err, out)
		}
		var report struct {
			RunID string `json:"run_id"`
			Tasks []struct {
				State string `json:"state"`
			} `json:"tasks"`
		}
		if err := json.Unmarshal([]byte(out), &report); err != nil {
			t.Fatalf("decode report: %v\n%s", err, out)
		}
		if len(report.Tasks) != 2 || report.Tasks[0].State != "succeeded" || report.Tasks[1].State != "failed" {
			t.Fatalf("unexpected report: %s", out)
		}
		runID = report.RunID
	})

	t.Run("Upload_Local", func(t *testing.T) {
		docs := filepath.Join(tmpDir, "docs")
		if err := os.MkdirAll(docs, 0755); err != nil {
			t.Fatal(err)
		}
		for i := range 3 {
			if err := os.WriteFile(filepath.Join(docs, fmt.Sprintf("doc%d.pdf", i)), []byte("%PDF-1.4"), 0644); err != nil {
				t.Fatal(err)
			}
		}
		out, err := dsup("upload", "--proj-key", "p", "--index-key", "i", "--local-path", docs, "--poll-interval", "50ms")
		if err != nil {
			t.Fatalf("upload: %v\n%s", err, out)
		}
		if !strings.Contains(out, "1 task(s): 1 succeeded, 0 failed") {
			t.Fatalf("unexpected output: %s", out)
		}
	})

	t.Run("Runs", func(t *testing.T) {
		out, err := dsup("runs")
		if err != nil {
			t.Fatalf("runs: %v", err)
		}
		if runID == "" || !strings.Contains(out, runID) {
			t.Fatalf("run %q not listed:\n%s", runID, out)
		}
	})
}

func buildBinaries(dir string) error {
	for _, name := range []string{"dsup", "dsup-devserver"} {
		cmd := exec.Command("go", "build", "-o", filepath.Join(dir, name), "./cmd/"+name)
		if output, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("build %s failed: %v\nOutput: %s", name, err, output)
		}
	}
	return nil
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().String()
}

func waitHealthy(t *testing.T, url string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("devserver at %s did not become healthy", url)
}

func createTestConfig(tmpDir, addr string) string {
	return fmt.Sprintf(`api:
  endpoint: http://%s/api/v2
  timeout_seconds: 10
  retries: 1
upload:
  concurrency: 4
  url_chunk_size: 1
  bundle_size: 50
  bundle_workers: 2
  poll_interval_seconds: 1
  poll_retries: 2
  workspace_dir: %s
staging:
  backend: api
ledger:
  enabled: true
  path: %s
telemetry:
  enabled: false
`, addr, filepath.Join(tmpDir, "work"), filepath.Join(tmpDir, "ledger.db"))
}
