// Package remote defines the collaborators the upload engine talks to: the conversion
// service task API and the stagers that make local bundles reachable by it.
package remote

import (
	"context"

	"github.com/3cpo-dev/dsup/pkg/api"
)

// TaskService submits conversion tasks and reports their status.
type TaskService interface {
	SubmitTask(ctx context.Context, coords api.ProjectCoordinates, payload api.TaskPayload) (api.TaskID, error)
	// TaskStatuses returns the current status of every id in ids.
	TaskStatuses(ctx context.Context, projKey string, ids []api.TaskID) (map[api.TaskID]api.TaskStatus, error)
}

// Stager makes a local bundle available to the service and returns the reference to
// embed in the task payload.
type Stager interface {
	Name() string
	Stage(ctx context.Context, projKey, bundlePath string) (string, error)
}
