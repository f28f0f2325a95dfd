// Package devserver is an in-memory stand-in for the conversion service. It speaks the
// same wire format as the real API so the CLI can be exercised end to end offline.
package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/dsup/internal/remote/deepsearch"
	"github.com/3cpo-dev/dsup/internal/telemetry"
	"github.com/3cpo-dev/dsup/pkg/api"
)

// BasePath is where the API is mounted, matching the default client endpoint.
const BasePath = "/api/v2"

// internalScheme prefixes references to bundles uploaded through upload slots.
const internalScheme = "internal://blobs/"

// maxBlobSize caps a single uploaded bundle.
const maxBlobSize = 512 << 20

type Options struct {
	Version string
	// Token, when set, is required as a bearer token on every API call.
	Token string
	// Steps is how many status reads a task stays running before it finishes. Minimum 1.
	Steps int
	// FailPattern is a glob; a task whose first input matches it ends in FAILURE.
	FailPattern string
}

type task struct {
	id      string
	proj    string
	inputs  []string
	polls   int
	failed  bool
	reason  string
	created time.Time
}

type Server struct {
	opts    Options
	metrics *telemetry.Collector

	mu    sync.Mutex
	tasks map[string]*task
	blobs map[string][]byte
	srv   *http.Server
}

// New returns a server with its own metrics collector.
func New(opts Options) *Server {
	if opts.Steps < 1 {
		opts.Steps = 1
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Server{
		opts:    opts,
		metrics: telemetry.NewCollector(true, nil),
		tasks:   map[string]*task{},
		blobs:   map[string][]byte{},
	}
}

// Handler returns the HTTP handler serving the API, /healthz and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return mux
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": s.opts.Version, "time": time.Now().UTC()})
	})
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.metrics.Snapshot())
	})
	mux.Handle("POST "+BasePath+"/projects/{proj}/data_indices/{index}/actions/ccs_convert_upload", s.api("submit", s.handleSubmit))
	mux.Handle("GET "+BasePath+"/projects/{proj}/celery_tasks/{id}", s.api("task_status", s.handleStatus))
	mux.Handle("POST "+BasePath+"/projects/{proj}/uploads", s.api("upload_slot", s.handleUploadSlot))
	mux.Handle("PUT "+BasePath+"/blobs/{name}", s.api("blob_put", s.handleBlobPut))
}

// api wraps an endpoint with bearer auth and request metrics.
func (s *Server) api(endpoint string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if s.opts.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.opts.Token {
			s.metrics.Counter("devserver_unauthorized", 1, map[string]string{"endpoint": endpoint})
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		labels := map[string]string{"endpoint": endpoint, "status": fmt.Sprint(rec.status)}
		s.metrics.Counter("devserver_requests", 1, labels)
		s.metrics.Timer("devserver_request_duration", time.Since(start), labels)
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var payload api.TaskPayload
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&payload); err != nil {
		http.Error(w, "decode payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	inputs, err := s.inputs(payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	t := &task{id: uuid.NewString(), proj: r.PathValue("proj"), inputs: inputs, created: time.Now()}
	if s.opts.FailPattern != "" {
		if ok, _ := doublestar.Match(s.opts.FailPattern, inputs[0]); ok {
			t.failed, t.reason = true, "conversion failed for "+inputs[0]
		}
	}
	s.mu.Lock()
	for _, in := range inputs {
		if strings.HasPrefix(in, internalScheme) {
			if _, ok := s.blobs[strings.TrimPrefix(in, internalScheme)]; !ok {
				t.failed, t.reason = true, "unknown upload "+in
			}
		}
	}
	s.tasks[t.id] = t
	s.mu.Unlock()
	log.Debug().Str("task_id", t.id).Str("proj", t.proj).Strs("inputs", inputs).Msg("task accepted")
	writeJSON(w, http.StatusOK, deepsearch.SubmitResponse{TaskID: t.id})
}

// inputs returns what a payload asks to convert; exactly one source must be set.
func (s *Server) inputs(p api.TaskPayload) ([]string, error) {
	switch {
	case len(p.FileURL) > 0 && p.S3Source != nil:
		return nil, fmt.Errorf("file_url and s3_source are mutually exclusive")
	case len(p.FileURL) > 0:
		return p.FileURL, nil
	case p.S3Source != nil:
		c := p.S3Source.Coordinates
		if c.Bucket == "" {
			return nil, fmt.Errorf("s3_source without bucket")
		}
		return []string{"s3://" + path.Join(c.Bucket, c.KeyPrefix)}, nil
	}
	return nil, fmt.Errorf("payload has no input")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	t, ok := s.tasks[r.PathValue("id")]
	if !ok || t.proj != r.PathValue("proj") {
		s.mu.Unlock()
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	t.polls++
	resp := deepsearch.TaskResponse{TaskID: t.id}
	switch {
	case t.polls < s.opts.Steps:
		resp.TaskStatus = deepsearch.StateStarted
	case t.failed:
		resp.TaskStatus = deepsearch.StateFailure
		resp.Error = t.reason
	default:
		resp.TaskStatus = deepsearch.StateSuccess
		resp.Result, _ = json.Marshal(map[string]any{"documents": len(t.inputs)})
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUploadSlot(w http.ResponseWriter, r *http.Request) {
	var req deepsearch.UploadRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil || req.Filename == "" {
		http.Error(w, "filename is required", http.StatusBadRequest)
		return
	}
	name := uuid.NewString()[:8] + "-" + path.Base(req.Filename)
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	writeJSON(w, http.StatusOK, deepsearch.UploadResponse{
		UploadURL:   fmt.Sprintf("%s://%s%s/blobs/%s", scheme, r.Host, BasePath, name),
		InternalURL: internalScheme + name,
	})
}

func (s *Server) handleBlobPut(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBlobSize+1))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(body) > maxBlobSize {
		http.Error(w, "blob too large", http.StatusRequestEntityTooLarge)
		return
	}
	name := r.PathValue("name")
	s.mu.Lock()
	s.blobs[name] = body
	s.mu.Unlock()
	s.metrics.Counter("devserver_blob_bytes", float64(len(body)), nil)
	w.WriteHeader(http.StatusCreated)
}

// Blob returns an uploaded bundle by the name embedded in its internal URL.
func (s *Server) Blob(internalURL string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[strings.TrimPrefix(internalURL, internalScheme)]
	return b, ok
}

// TaskCount reports how many tasks were accepted.
func (s *Server) TaskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// ListenAndServe serves on addr until Shutdown. A non-nil tlsCfg switches to HTTPS.
func (s *Server) ListenAndServe(addr string, tlsCfg *TLSConfig) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	if tlsCfg != nil {
		cfg, err := tlsCfg.ServerConfig()
		if err != nil {
			return err
		}
		srv.TLSConfig = cfg
		srv.Handler = requireClientCert(tlsCfg.ClientCAFile != "")(srv.Handler)
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	if tlsCfg == nil {
		return srv.ListenAndServe()
	}
	log.Info().Str("addr", addr).Bool("mtls", tlsCfg.ClientCAFile != "").Msg("serving with TLS")
	return srv.ListenAndServeTLS("", "")
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return fmt.Errorf("server not running")
	}
	return srv.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
