package deepsearch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// Stager uploads bundles through the service's own upload slots. It is the "api" backend.
type Stager struct {
	client *Client
}

// NewStager returns the stager backed by c.
func NewStager(c *Client) *Stager { return &Stager{client: c} }

func (s *Stager) Name() string { return "api" }

// Stage requests an upload slot, PUTs the bundle there and returns the internal URL.
func (s *Stager) Stage(ctx context.Context, projKey, bundlePath string) (string, error) {
	var slot UploadResponse
	req := UploadRequest{Filename: filepath.Base(bundlePath)}
	if err := s.client.doJSON(ctx, http.MethodPost, s.client.base+UploadPath(projKey), req, &slot); err != nil {
		return "", fmt.Errorf("request upload slot: %w", err)
	}
	if slot.UploadURL == "" || slot.InternalURL == "" {
		return "", fmt.Errorf("upload slot for %s is incomplete", req.Filename)
	}
	if err := s.put(ctx, slot.UploadURL, bundlePath); err != nil {
		return "", err
	}
	return slot.InternalURL, nil
}

func (s *Stager) put(ctx context.Context, uploadURL, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open bundle: %w", err)
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat bundle: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, f)
	if err != nil {
		return err
	}
	req.ContentLength = stat.Size()
	req.Header.Set("Content-Type", "application/zip")
	// Retries reopen the file instead of replaying a consumed reader.
	req.GetBody = func() (io.ReadCloser, error) { return os.Open(path) }
	// Presigned slots on the service itself still want the bearer token.
	if strings.HasPrefix(uploadURL, s.client.base) {
		s.client.authorize(req)
	}

	resp, err := s.client.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload bundle: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Method: http.MethodPut, URL: uploadURL, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return nil
}
