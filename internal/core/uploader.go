package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/dsup/internal/remote"
	"github.com/3cpo-dev/dsup/internal/telemetry"
	"github.com/3cpo-dev/dsup/pkg/api"
)

// PreflightFunc checks that an object-storage source is reachable before a task is
// submitted for it.
type PreflightFunc func(ctx context.Context, coords api.S3Coordinates) error

// Request is one call to Upload.
type Request struct {
	Coords  api.ProjectCoordinates
	Input   api.InputSpec
	Options SubmitOptions
	// URLChunkSize is how many URLs go into one task. Zero means 1.
	URLChunkSize int
}

// Uploader dispatches an InputSpec to the matching strategy, submits the resulting
// units and waits for every task to finish.
type Uploader struct {
	tasks        remote.TaskService
	stager       remote.Stager
	preparer     *Preparer
	pollCfg      PollConfig
	concurrency  int
	workspaceDir string
	progress     Progress
	ledger       *Store
	preflight    PreflightFunc
	logger       zerolog.Logger
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithStager sets the backend local bundles are staged through.
func WithStager(s remote.Stager) Option { return func(u *Uploader) { u.stager = s } }

// WithPreparer replaces the default local archive preparer.
func WithPreparer(p *Preparer) Option { return func(u *Uploader) { u.preparer = p } }

func WithPollConfig(cfg PollConfig) Option { return func(u *Uploader) { u.pollCfg = cfg } }

// WithConcurrency bounds how many units are submitted at once. 1 submits sequentially.
func WithConcurrency(n int) Option { return func(u *Uploader) { u.concurrency = n } }

// WithWorkspaceDir sets the parent directory of per-run workspaces.
func WithWorkspaceDir(dir string) Option { return func(u *Uploader) { u.workspaceDir = dir } }

func WithProgress(p Progress) Option { return func(u *Uploader) { u.progress = p } }

// WithLedger records runs and tasks in s.
func WithLedger(s *Store) Option { return func(u *Uploader) { u.ledger = s } }

func WithPreflight(fn PreflightFunc) Option { return func(u *Uploader) { u.preflight = fn } }

func WithLogger(l zerolog.Logger) Option { return func(u *Uploader) { u.logger = l } }

// NewUploader creates an Uploader over the given task service.
func NewUploader(tasks remote.TaskService, opts ...Option) *Uploader {
	u := &Uploader{
		tasks:       tasks,
		preparer:    NewPreparer(50, 2),
		pollCfg:     DefaultPollConfig(),
		concurrency: 4,
		progress:    NopProgress{},
		logger:      log.Logger,
	}
	for _, opt := range opts {
		opt(u)
	}
	if u.concurrency < 1 {
		u.concurrency = 1
	}
	if u.progress == nil {
		u.progress = NopProgress{}
	}
	return u
}

// Upload runs req to completion. It fails with ErrInvalidInput before any remote call
// when the input does not carry exactly one modality, with a *SubmissionError when a
// unit could not be staged or submitted, and with a *PollError when waiting failed.
// A local run's workspace is removed on every path; if only that removal fails the
// completed report is returned together with the error.
func (u *Uploader) Upload(ctx context.Context, req Request) (report *api.UploadReport, err error) {
	modality, err := validateRequest(req)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	logger := u.logger.With().Str("run_id", runID).Str("modality", string(modality)).Logger()
	started := time.Now()
	runTimer := telemetry.NewTimerScope("dsup_run_duration", map[string]string{"modality": string(modality)})
	logger.Info().Str("proj_key", req.Coords.ProjKey).Str("index_key", req.Coords.IndexKey).Msg("upload started")

	u.recordRun(ctx, logger, Run{ID: runID, Modality: modality, Coords: req.Coords, StartedAt: started})
	defer func() {
		u.finishRun(logger, runID, err)
		elapsed := runTimer.End()
		if err != nil {
			logger.Error().Err(err).Msg("upload failed")
			return
		}
		counts := report.Counts()
		logger.Info().
			Int("tasks", report.Len()).
			Int("succeeded", counts[api.TaskSucceeded]).
			Int("failed", counts[api.TaskFailed]).
			Dur("elapsed", elapsed).
			Msg("upload finished")
	}()

	var units []SubmissionUnit
	switch modality {
	case api.ModalityURL:
		units, err = urlUnits(req.Input.URLs, req.URLChunkSize)
		if err != nil {
			return nil, err
		}
	case api.ModalityS3:
		if u.preflight != nil {
			if err := u.preflight(ctx, *req.Input.S3); err != nil {
				return nil, &SubmissionError{UnitIndex: 0, Err: fmt.Errorf("object storage preflight: %w", err)}
			}
		}
		units = []SubmissionUnit{{Kind: UnitS3, S3: req.Input.S3}}
	case api.ModalityLocal:
		var ws *Workspace
		ws, err = NewWorkspace(u.workspaceDir)
		if err != nil {
			return nil, err
		}
		defer func() {
			if cerr := ws.Close(); cerr != nil {
				err = errors.Join(err, cerr)
			}
		}()
		logger.Debug().Str("workspace", ws.Root()).Msg("workspace allocated")

		var bundles []string
		bundles, err = u.preparer.Prepare(ctx, req.Input.LocalPath, ws)
		if err != nil {
			return nil, fmt.Errorf("prepare bundles: %w", err)
		}
		for _, b := range bundles {
			units = append(units, SubmissionUnit{Kind: UnitBundle, Bundle: b})
		}
	}

	return u.run(ctx, logger, runID, req, units)
}

func (u *Uploader) run(ctx context.Context, logger zerolog.Logger, runID string, req Request, units []SubmissionUnit) (*api.UploadReport, error) {
	logger.Info().Int("units", len(units)).Int("concurrency", u.concurrency).Msg("submitting units")

	s := &submitter{
		tasks:       u.tasks,
		stager:      u.stager,
		concurrency: u.concurrency,
		progress:    u.progress,
		logger:      logger,
		onSubmitted: func(index int, unit SubmissionUnit, id api.TaskID, bundle *BundleInfo) {
			rec := TaskRecord{RunID: runID, UnitIndex: index, TaskID: id, Kind: unit.Kind, Input: unit.Describe()}
			if bundle != nil {
				rec.BundleSHA256 = bundle.Checksum
			}
			u.recordTask(ctx, logger, rec)
		},
	}
	ids, err := s.submit(ctx, req.Coords, units, req.Options)
	if err != nil {
		return nil, err
	}

	report, err := u.await(ctx, logger, runID, req.Coords.ProjKey, ids)
	if err != nil {
		return nil, err
	}
	return report, nil
}

func (u *Uploader) await(ctx context.Context, logger zerolog.Logger, runID, projKey string, ids []api.TaskID) (*api.UploadReport, error) {
	p := NewPoller(u.tasks, u.pollCfg)
	p.logger = logger
	p.onUpdate = func(changed []api.TaskStatus) {
		for _, st := range changed {
			logger.Debug().Str("task_id", string(st.ID)).Str("state", string(st.State)).Msg("task state changed")
		}
		if u.ledger == nil {
			return
		}
		if err := u.ledger.UpdateTaskStates(context.WithoutCancel(ctx), runID, changed); err != nil {
			logger.Warn().Err(err).Msg("failed to record task states")
		}
	}
	report, err := p.AwaitAll(ctx, projKey, ids)
	if err != nil {
		return nil, err
	}
	report.RunID = runID
	return report, nil
}

// Resume waits for the unfinished tasks of a run recorded in the ledger and returns a
// report covering every task of that run.
func (u *Uploader) Resume(ctx context.Context, runID string) (report *api.UploadReport, err error) {
	if u.ledger == nil {
		return nil, errors.New("resume requires a ledger")
	}
	run, err := u.ledger.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	records, err := u.ledger.RunTasks(ctx, runID)
	if err != nil {
		return nil, err
	}
	logger := u.logger.With().Str("run_id", runID).Str("modality", string(run.Modality)).Logger()
	defer func() { u.finishRun(logger, runID, err) }()

	var outstanding []api.TaskID
	for _, r := range records {
		if !r.State.Terminal() {
			outstanding = append(outstanding, r.TaskID)
		}
	}
	logger.Info().Int("tasks", len(records)).Int("outstanding", len(outstanding)).Msg("resuming run")

	polled := &api.UploadReport{}
	if len(outstanding) > 0 {
		polled, err = u.await(ctx, logger, runID, run.Coords.ProjKey, outstanding)
		if err != nil {
			return nil, err
		}
	}

	report = &api.UploadReport{RunID: runID, Tasks: make([]api.TaskStatus, 0, len(records))}
	for _, r := range records {
		if st, ok := polled.Status(r.TaskID); ok {
			report.Tasks = append(report.Tasks, st)
			continue
		}
		report.Tasks = append(report.Tasks, api.TaskStatus{ID: r.TaskID, State: r.State, Error: r.Error})
	}
	return report, nil
}

func (u *Uploader) recordRun(ctx context.Context, logger zerolog.Logger, r Run) {
	if u.ledger == nil {
		return
	}
	if err := u.ledger.CreateRun(ctx, r); err != nil {
		logger.Warn().Err(err).Msg("failed to record run")
	}
}

func (u *Uploader) recordTask(ctx context.Context, logger zerolog.Logger, rec TaskRecord) {
	if u.ledger == nil {
		return
	}
	// Tasks exist remotely once submitted, so they are recorded even if the run is being cancelled.
	if err := u.ledger.RecordTask(context.WithoutCancel(ctx), rec); err != nil {
		logger.Warn().Err(err).Str("task_id", string(rec.TaskID)).Msg("failed to record task")
	}
}

func (u *Uploader) finishRun(logger zerolog.Logger, runID string, runErr error) {
	if u.ledger == nil {
		return
	}
	status := RunCompleted
	if runErr != nil {
		status = RunFailed
	}
	if err := u.ledger.FinishRun(context.Background(), runID, status, runErr); err != nil {
		logger.Warn().Err(err).Msg("failed to record run outcome")
	}
}

func validateRequest(req Request) (api.Modality, error) {
	populated := req.Input.Populated()
	switch len(populated) {
	case 0:
		return api.ModalityNone, fmt.Errorf("%w: one of urls, local path or object storage coordinates is required", ErrInvalidInput)
	case 1:
	default:
		return api.ModalityNone, fmt.Errorf("%w: only one input may be given, got %v", ErrInvalidInput, populated)
	}
	if err := remote.ValidateProjectCoordinates(req.Coords); err != nil {
		return api.ModalityNone, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if req.URLChunkSize < 0 {
		return api.ModalityNone, fmt.Errorf("%w: %w", ErrInvalidInput, ErrInvalidChunkSize)
	}
	if populated[0] == api.ModalityS3 {
		if err := remote.ValidateS3Coordinates(*req.Input.S3); err != nil {
			return api.ModalityNone, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
	}
	return populated[0], nil
}

func urlUnits(urls []string, size int) ([]SubmissionUnit, error) {
	if size == 0 {
		size = 1
	}
	chunks, err := ChunkURLs(urls, size)
	if err != nil {
		return nil, err
	}
	units := make([]SubmissionUnit, len(chunks))
	for i, c := range chunks {
		units[i] = SubmissionUnit{Kind: UnitURLChunk, URLs: c}
	}
	return units, nil
}
