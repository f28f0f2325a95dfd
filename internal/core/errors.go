package core

import (
	"errors"
	"fmt"

	"github.com/3cpo-dev/dsup/pkg/api"
)

var (
	// ErrInvalidInput is returned when zero or several input modalities are supplied.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidChunkSize is returned for a non-positive URL chunk size.
	ErrInvalidChunkSize = errors.New("chunk size must be greater than 0")

	// ErrSubmissionFailure marks errors raised while staging or submitting units.
	ErrSubmissionFailure = errors.New("submission failure")

	// ErrPollFailure marks errors raised while waiting for tasks to finish.
	ErrPollFailure = errors.New("poll failure")
)

// SubmissionError aborts a run. Submitted lists the tasks that were created before the
// failing unit, in submission order; they are live on the service.
type SubmissionError struct {
	UnitIndex int
	Submitted []api.TaskID
	Err       error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit unit %d (%d tasks already submitted): %v", e.UnitIndex, len(e.Submitted), e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

func (e *SubmissionError) Is(target error) bool { return target == ErrSubmissionFailure }

// PollError carries the last status observed for every task when polling gave up.
type PollError struct {
	Last []api.TaskStatus
	Err  error
}

func (e *PollError) Error() string {
	pending := 0
	for _, s := range e.Last {
		if !s.State.Terminal() {
			pending++
		}
	}
	return fmt.Sprintf("poll tasks (%d of %d not terminal): %v", pending, len(e.Last), e.Err)
}

func (e *PollError) Unwrap() error { return e.Err }

func (e *PollError) Is(target error) bool { return target == ErrPollFailure }
