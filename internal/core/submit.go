package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/dsup/internal/remote"
	"github.com/3cpo-dev/dsup/internal/telemetry"
	"github.com/3cpo-dev/dsup/pkg/api"
)

// UnitKind tells which payload shape a SubmissionUnit produces.
type UnitKind string

const (
	UnitURLChunk UnitKind = "url_chunk"
	UnitBundle   UnitKind = "bundle"
	UnitS3       UnitKind = "s3"
)

// SubmissionUnit is one piece of work that becomes exactly one remote task.
type SubmissionUnit struct {
	Kind   UnitKind
	URLs   []string
	Bundle string
	S3     *api.S3Coordinates
}

// Describe returns a short human readable label, used in logs and the ledger.
func (u SubmissionUnit) Describe() string {
	switch u.Kind {
	case UnitURLChunk:
		if len(u.URLs) == 1 {
			return u.URLs[0]
		}
		return fmt.Sprintf("%d urls starting at %s", len(u.URLs), u.URLs[0])
	case UnitBundle:
		return u.Bundle
	case UnitS3:
		return fmt.Sprintf("s3://%s/%s", u.S3.Bucket, u.S3.KeyPrefix)
	}
	return string(u.Kind)
}

// SubmitOptions are merged into every payload when set.
type SubmitOptions struct {
	Conversion api.ConversionSettings
	Target     *api.TargetSettings
}

// submittedFunc is invoked once per task as soon as its id is known.
type submittedFunc func(index int, unit SubmissionUnit, id api.TaskID, bundle *BundleInfo)

type submitter struct {
	tasks       remote.TaskService
	stager      remote.Stager
	concurrency int
	progress    Progress
	onSubmitted submittedFunc
	logger      zerolog.Logger
}

// submit sends every unit and returns task ids indexed like units. The first failure
// cancels the remaining work and is reported as a *SubmissionError listing every task
// that was created anyway.
func (s *submitter) submit(ctx context.Context, coords api.ProjectCoordinates, units []SubmissionUnit, opts SubmitOptions) ([]api.TaskID, error) {
	ids := make([]api.TaskID, len(units))
	failed := -1

	s.progress.Start(len(units))
	defer s.progress.Finish()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, s.concurrency))
	for i, unit := range units {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// A slot may free up only after another unit failed.
			if err := gctx.Err(); err != nil {
				return err
			}
			id, err := s.submitOne(gctx, coords, i, unit, opts)
			if err != nil {
				return &unitError{index: i, err: err}
			}
			ids[i] = id
			s.progress.Increment()
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
	}
	if err == nil {
		return ids, nil
	}

	var ue *unitError
	if errors.As(err, &ue) {
		failed = ue.index
		err = ue.err
	}
	var submitted []api.TaskID
	for _, id := range ids {
		if id != "" {
			submitted = append(submitted, id)
		}
	}
	return nil, &SubmissionError{UnitIndex: failed, Submitted: submitted, Err: err}
}

func (s *submitter) submitOne(ctx context.Context, coords api.ProjectCoordinates, index int, unit SubmissionUnit, opts SubmitOptions) (api.TaskID, error) {
	payload, bundle, err := s.buildPayload(ctx, coords, unit, opts)
	if err != nil {
		return "", err
	}

	start := time.Now()
	id, err := s.tasks.SubmitTask(ctx, coords, payload)
	telemetry.TimerGlobal("dsup_submit_duration", time.Since(start), map[string]string{"kind": string(unit.Kind)})
	if err != nil {
		telemetry.CounterGlobal("dsup_submit_errors", 1, map[string]string{"kind": string(unit.Kind)})
		return "", fmt.Errorf("submit task: %w", err)
	}
	if id == "" {
		return "", remote.ValidationError{Field: "task_id", Value: "", Message: "service returned an empty task id"}
	}
	telemetry.CounterGlobal("dsup_units_submitted", 1, map[string]string{"kind": string(unit.Kind)})

	s.logger.Debug().
		Int("unit", index).
		Str("kind", string(unit.Kind)).
		Str("task_id", string(id)).
		Str("input", unit.Describe()).
		Msg("task submitted")
	if s.onSubmitted != nil {
		s.onSubmitted(index, unit, id, bundle)
	}
	return id, nil
}

func (s *submitter) buildPayload(ctx context.Context, coords api.ProjectCoordinates, unit SubmissionUnit, opts SubmitOptions) (api.TaskPayload, *BundleInfo, error) {
	var (
		payload api.TaskPayload
		bundle  *BundleInfo
	)
	switch unit.Kind {
	case UnitURLChunk:
		payload.FileURL = append([]string(nil), unit.URLs...)
	case UnitBundle:
		if s.stager == nil {
			return payload, nil, errors.New("no stager configured for local bundles")
		}
		info, err := GetBundleInfo(unit.Bundle)
		if err != nil {
			return payload, nil, err
		}
		bundle = &info

		start := time.Now()
		ref, err := s.stager.Stage(ctx, coords.ProjKey, unit.Bundle)
		telemetry.RecordTransfer(s.stager.Name(), info.Size, time.Since(start), err)
		if err != nil {
			return payload, nil, fmt.Errorf("stage bundle %s via %s: %w", unit.Bundle, s.stager.Name(), err)
		}
		s.logger.Debug().
			Str("bundle", unit.Bundle).
			Int64("size", info.Size).
			Str("sha256", info.Checksum).
			Str("ref", ref).
			Msg("bundle staged")
		payload.FileURL = []string{ref}
	case UnitS3:
		if unit.S3 == nil {
			return payload, nil, errors.New("object storage unit without coordinates")
		}
		payload.S3Source = &api.S3Source{Coordinates: *unit.S3}
	default:
		return payload, nil, fmt.Errorf("unknown unit kind %q", unit.Kind)
	}

	if len(opts.Conversion) > 0 {
		payload.ConversionSettings = opts.Conversion
	}
	if opts.Target != nil && !opts.Target.IsZero() {
		t := *opts.Target
		payload.TargetSettings = &t
	}
	return payload, bundle, nil
}

type unitError struct {
	index int
	err   error
}

func (e *unitError) Error() string { return e.err.Error() }
func (e *unitError) Unwrap() error { return e.err }
