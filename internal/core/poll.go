package core

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/dsup/internal/remote"
	"github.com/3cpo-dev/dsup/internal/telemetry"
	"github.com/3cpo-dev/dsup/pkg/api"
)

// PollConfig controls how the Poller waits for tasks.
type PollConfig struct {
	Interval time.Duration
	// Timeout bounds the whole wait; zero waits until the caller cancels.
	Timeout time.Duration
	// Retries is how many consecutive failed status queries are tolerated per cycle.
	Retries    int
	RetryDelay time.Duration
}

// DefaultPollConfig returns sensible polling defaults
func DefaultPollConfig() PollConfig {
	return PollConfig{
		Interval:   5 * time.Second,
		Retries:    5,
		RetryDelay: time.Second,
	}
}

// Poller waits for a set of remote tasks to reach a terminal state.
type Poller struct {
	tasks    remote.TaskService
	cfg      PollConfig
	logger   zerolog.Logger
	onUpdate func([]api.TaskStatus)
}

// NewPoller creates a poller over the given task service.
func NewPoller(tasks remote.TaskService, cfg PollConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollConfig().Interval
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultPollConfig().RetryDelay
	}
	return &Poller{tasks: tasks, cfg: cfg, logger: log.Logger}
}

// AwaitAll blocks until every id is terminal and returns their statuses in input order.
// Persistent status failures, the configured timeout and cancellation all end in a
// *PollError holding the last status seen for each id.
func (p *Poller) AwaitAll(ctx context.Context, projKey string, ids []api.TaskID) (*api.UploadReport, error) {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	last := make(map[api.TaskID]api.TaskStatus, len(ids))
	for _, id := range ids {
		last[id] = api.TaskStatus{ID: id, State: api.TaskPending}
	}
	snapshot := func() []api.TaskStatus {
		out := make([]api.TaskStatus, len(ids))
		for i, id := range ids {
			out[i] = last[id]
		}
		return out
	}

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for cycle := 1; ; cycle++ {
		outstanding := make([]api.TaskID, 0, len(ids))
		for _, id := range ids {
			if !last[id].State.Terminal() {
				outstanding = append(outstanding, id)
			}
		}
		if len(outstanding) == 0 {
			return &api.UploadReport{Tasks: snapshot()}, nil
		}

		statuses, err := p.queryWithRetry(ctx, projKey, outstanding)
		if err != nil {
			telemetry.CounterGlobal("dsup_poll_failures", 1, nil)
			return nil, &PollError{Last: snapshot(), Err: err}
		}
		telemetry.CounterGlobal("dsup_poll_cycles", 1, nil)

		changed := make([]api.TaskStatus, 0, len(outstanding))
		for _, id := range outstanding {
			st := statuses[id]
			st.ID = id
			if last[id].State != st.State {
				changed = append(changed, st)
			}
			last[id] = st
		}
		if len(changed) > 0 && p.onUpdate != nil {
			p.onUpdate(changed)
		}
		p.logger.Debug().
			Int("cycle", cycle).
			Int("outstanding", len(outstanding)).
			Int("changed", len(changed)).
			Msg("polled task status")

		done := true
		for _, st := range last {
			if !st.State.Terminal() {
				done = false
				break
			}
		}
		if done {
			return &api.UploadReport{Tasks: snapshot()}, nil
		}

		select {
		case <-ctx.Done():
			return nil, &PollError{Last: snapshot(), Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// queryWithRetry asks for the status of ids, retrying transport failures and malformed
// answers with exponential backoff.
func (p *Poller) queryWithRetry(ctx context.Context, projKey string, ids []api.TaskID) (map[api.TaskID]api.TaskStatus, error) {
	var result map[api.TaskID]api.TaskStatus

	operation := func() error {
		statuses, err := p.tasks.TaskStatuses(ctx, projKey, ids)
		if err != nil {
			return err
		}
		if err := validateStatuses(ids, statuses); err != nil {
			return err
		}
		result = statuses
		return nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = p.cfg.RetryDelay
	expBackoff.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expBackoff, uint64(p.cfg.Retries)), ctx)

	err := backoff.RetryNotify(operation, policy, func(err error, next time.Duration) {
		p.logger.Warn().Err(err).Dur("delay", next).Msg("task status query failed, retrying")
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("query task status: %w", err)
	}
	return result, nil
}

func validateStatuses(ids []api.TaskID, statuses map[api.TaskID]api.TaskStatus) error {
	for _, id := range ids {
		st, ok := statuses[id]
		if !ok {
			return remote.ValidationError{Field: "task_id", Value: string(id), Message: "missing from status response"}
		}
		if !st.State.Valid() {
			return remote.ValidationError{Field: "state", Value: string(st.State), Message: "unknown task state"}
		}
	}
	return nil
}
