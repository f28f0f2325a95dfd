package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// stagingDirName is the workspace subdirectory new bundles are written to.
const stagingDirName = "tmpzip"

// Workspace is a scratch directory owned by a single run.
type Workspace struct {
	root   string
	once   sync.Once
	closed error
}

// NewWorkspace creates a fresh workspace under base, or under the system temp dir when
// base is empty.
func NewWorkspace(base string) (*Workspace, error) {
	if base != "" {
		if err := os.MkdirAll(base, 0o700); err != nil {
			return nil, fmt.Errorf("create workspace base: %w", err)
		}
	}
	root, err := os.MkdirTemp(base, "dsup-"+uuid.NewString()+"-")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{root: root}, nil
}

func (w *Workspace) Root() string { return w.root }

// StagingDir is where the Preparer writes new bundles.
func (w *Workspace) StagingDir() string { return filepath.Join(w.root, stagingDirName) }

// Close removes the workspace and everything in it. Safe to call more than once.
func (w *Workspace) Close() error {
	w.once.Do(func() {
		if err := os.RemoveAll(w.root); err != nil {
			w.closed = fmt.Errorf("remove workspace %s: %w", w.root, err)
		}
	})
	return w.closed
}
