// Package deepsearch talks JSON over HTTP to the document conversion service.
package deepsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/dsup/internal/remote"
	"github.com/3cpo-dev/dsup/pkg/api"
)

// statusFanOut bounds concurrent status requests per poll cycle.
const statusFanOut = 8

// APIError is a non-2xx answer from the service.
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: api status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// Client implements remote.TaskService.
type Client struct {
	base  string
	token string
	http  *remote.RetryableHTTPClient
}

// New returns a client for the service rooted at endpoint, e.g. https://host/api/cps/public/v2.
func New(endpoint, token string, httpClient *remote.RetryableHTTPClient) *Client {
	return &Client{base: strings.TrimRight(endpoint, "/"), token: token, http: httpClient}
}

// SubmitTask starts one conversion task for payload. Every accepted POST creates a task,
// so the request is not replayed after it may have reached the service.
func (c *Client) SubmitTask(ctx context.Context, coords api.ProjectCoordinates, payload api.TaskPayload) (api.TaskID, error) {
	var out SubmitResponse
	if err := c.doJSON(remote.NonIdempotent(ctx), http.MethodPost, c.base+SubmitPath(coords), payload, &out); err != nil {
		return "", err
	}
	if out.TaskID == "" {
		return "", remote.ValidationError{Field: "task_id", Value: "", Message: "missing from submit response"}
	}
	return api.TaskID(out.TaskID), nil
}

// TaskStatuses fetches the status of each id concurrently. Any failure fails the batch.
func (c *Client) TaskStatuses(ctx context.Context, projKey string, ids []api.TaskID) (map[api.TaskID]api.TaskStatus, error) {
	results := make([]api.TaskStatus, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statusFanOut)
	for i, id := range ids {
		g.Go(func() error {
			st, err := c.taskStatus(gctx, projKey, id)
			if err != nil {
				return err
			}
			results[i] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[api.TaskID]api.TaskStatus, len(ids))
	for _, st := range results {
		out[st.ID] = st
	}
	return out, nil
}

func (c *Client) taskStatus(ctx context.Context, projKey string, id api.TaskID) (api.TaskStatus, error) {
	var resp TaskResponse
	if err := c.doJSON(ctx, http.MethodGet, c.base+TaskPath(projKey, id), nil, &resp); err != nil {
		return api.TaskStatus{}, err
	}
	state, err := MapState(resp.TaskStatus)
	if err != nil {
		return api.TaskStatus{}, err
	}
	if resp.TaskID != "" && resp.TaskID != string(id) {
		return api.TaskStatus{}, remote.ValidationError{Field: "task_id", Value: resp.TaskID, Message: "does not match requested task " + string(id)}
	}
	return api.TaskStatus{ID: id, State: state, Result: resp.Result, Error: resp.Error}, nil
}

func (c *Client) doJSON(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Method: method, URL: url, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(errorBody))}
	}
	log.Trace().Str("method", method).Str("url", url).Int("status", resp.StatusCode).Msg("api call")
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", url, err)
		}
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
