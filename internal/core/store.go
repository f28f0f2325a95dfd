package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/3cpo-dev/dsup/pkg/api"
	_ "modernc.org/sqlite"
)

// ErrRunNotFound is returned when the ledger has no run with the requested id.
var ErrRunNotFound = errors.New("run not found")

// RunStatus is the outcome of a run as recorded in the ledger.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run is one invocation of the upload engine.
type Run struct {
	ID         string
	Modality   api.Modality
	Coords     api.ProjectCoordinates
	Status     RunStatus
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// TaskRecord is one submitted unit and the last state seen for its task.
type TaskRecord struct {
	RunID        string
	UnitIndex    int
	TaskID       api.TaskID
	Kind         UnitKind
	Input        string
	BundleSHA256 string
	State        api.TaskState
	Error        string
	UpdatedAt    time.Time
}

// RunSummary is a run with its tasks tallied by state.
type RunSummary struct {
	Run
	Counts map[api.TaskState]int
}

// Store is a SQLite-backed ledger of runs and the tasks they created.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// NewStore opens (creating if needed) the ledger at path. ":memory:" is accepted.
func NewStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps ":memory:" coherent and serialises writers.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

// CreateRun records the start of a run.
func (s *Store) CreateRun(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, modality, proj_key, index_key, status, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.Modality), r.Coords.ProjKey, r.Coords.IndexKey, string(RunRunning), formatTime(r.StartedAt))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun stores the outcome of a run.
func (s *Store) FinishRun(ctx context.Context, id string, status RunStatus, runErr error) error {
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(status), msg, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

// RecordTask stores a freshly submitted task.
func (s *Store) RecordTask(ctx context.Context, t TaskRecord) error {
	state := t.State
	if state == "" {
		state = api.TaskPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (run_id, unit_index, task_id, unit_kind, input, bundle_sha256, state, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.RunID, t.UnitIndex, string(t.TaskID), string(t.Kind), t.Input, t.BundleSHA256, string(state), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// UpdateTaskStates stores the latest observed status of tasks belonging to a run.
func (s *Store) UpdateTaskStates(ctx context.Context, runID string, statuses []api.TaskStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now())
	for _, st := range statuses {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET state = ?, error = ?, updated_at = ? WHERE run_id = ? AND task_id = ?`,
			string(st.State), st.Error, now, runID, string(st.ID)); err != nil {
			return fmt.Errorf("update task %s: %w", st.ID, err)
		}
	}
	return tx.Commit()
}

// GetRun loads a single run.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, modality, proj_key, index_key, status, error, started_at, finished_at FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, err
}

// RunTasks returns the tasks of a run in submission order.
func (s *Store) RunTasks(ctx context.Context, runID string) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, unit_index, task_id, unit_kind, input, bundle_sha256, state, error, updated_at
		 FROM tasks WHERE run_id = ? ORDER BY unit_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var (
			t                      TaskRecord
			taskID, kind, state, u string
		)
		if err := rows.Scan(&t.RunID, &t.UnitIndex, &taskID, &kind, &t.Input, &t.BundleSHA256, &state, &t.Error, &u); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.TaskID = api.TaskID(taskID)
		t.Kind = UnitKind(kind)
		t.State = api.TaskState(state)
		t.UpdatedAt = parseTime(u)
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListRuns returns the most recent runs first with per-state task counts.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, modality, proj_key, index_key, status, error, started_at, finished_at
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	var out []RunSummary
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, RunSummary{Run: r, Counts: map[api.TaskState]int{}})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		counts, err := s.db.QueryContext(ctx,
			`SELECT state, COUNT(*) FROM tasks WHERE run_id = ? GROUP BY state`, out[i].ID)
		if err != nil {
			return nil, fmt.Errorf("count tasks: %w", err)
		}
		for counts.Next() {
			var (
				state string
				n     int
			)
			if err := counts.Scan(&state, &n); err != nil {
				counts.Close()
				return nil, fmt.Errorf("scan count: %w", err)
			}
			out[i].Counts[api.TaskState(state)] = n
		}
		counts.Close()
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		r                     Run
		modality, status      string
		startedAt, finishedAt string
	)
	if err := row.Scan(&r.ID, &modality, &r.Coords.ProjKey, &r.Coords.IndexKey, &status, &r.Error, &startedAt, &finishedAt); err != nil {
		return Run{}, err
	}
	r.Modality = api.Modality(modality)
	r.Status = RunStatus(status)
	r.StartedAt = parseTime(startedAt)
	r.FinishedAt = parseTime(finishedAt)
	return r, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
