package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/openfroyo/kokki/pkg/engine"
	"github.com/openfroyo/kokki/pkg/telemetry"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrRunNotFound is returned for unknown run IDs.
var ErrRunNotFound = errors.New("run not found")

// Config holds journal configuration.
type Config struct {
	// Path is the database file. Parent directories are created.
	Path string

	// BusyTimeout bounds waits on a locked database.
	BusyTimeout time.Duration
}

// Journal records runs and their actions in SQLite.
type Journal struct {
	db     *sql.DB
	path   string
	logger *telemetry.Logger
}

// Open opens the journal at cfg.Path and applies pending migrations.
func Open(ctx context.Context, cfg Config, logger *telemetry.Logger) (*Journal, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("journal path is required")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
	q.Add("_pragma", "synchronous(NORMAL)")
	dsn := "file:" + cfg.Path + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// A single writer keeps SQLite free of lock contention.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open journal %s: %w", cfg.Path, err)
	}

	j := &Journal{db: db, path: cfg.Path, logger: logger.NewComponentLogger("journal")}
	if err := j.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite.WithInstance(j.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate journal: %w", err)
	}
	return nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Path returns the database file.
func (j *Journal) Path() string { return j.path }

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms) }

func errString(err error) *string {
	if err == nil {
		return nil
	}
	s := err.Error()
	return &s
}

// StartRun inserts run with status running.
func (j *Journal) StartRun(ctx context.Context, run *Run) error {
	roles, err := json.Marshal(run.Roles)
	if err != nil {
		return fmt.Errorf("failed to encode roles: %w", err)
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	run.Status = RunStatusRunning

	_, err = j.db.ExecContext(ctx, `
		INSERT INTO runs (id, roles, hostname, version, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.ID, string(roles), run.Hostname, run.Version, run.Status, millis(run.StartedAt))
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// FinishRun marks a run converged, or failed when runErr is non-nil.
func (j *Journal) FinishRun(ctx context.Context, id string, runErr error) error {
	status := RunStatusConverged
	if runErr != nil {
		status = RunStatusFailed
	}
	res, err := j.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, completed_at = ?, error = ?
		WHERE id = ?
	`, status, millis(time.Now()), errString(runErr), id)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

// RecordAction appends rec to run id with sequence number seq.
func (j *Journal) RecordAction(ctx context.Context, id string, seq int, rec engine.ActionRecord) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO actions (
			run_id, seq, resource, resource_type, action, provider,
			outcome, trigger_kind, detail, started_at, duration_us, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, seq, rec.Resource, rec.ResourceType, rec.Action, rec.Provider,
		rec.Outcome, rec.Trigger, rec.Detail, millis(rec.Started), rec.Duration.Microseconds(), errString(rec.Err))
	if err != nil {
		return fmt.Errorf("failed to record action: %w", err)
	}
	return nil
}

const runColumns = `id, roles, hostname, version, status, started_at, completed_at, error`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var (
		run       Run
		roles     string
		started   int64
		completed sql.NullInt64
		errMsg    sql.NullString
	)
	if err := s.Scan(&run.ID, &roles, &run.Hostname, &run.Version, &run.Status, &started, &completed, &errMsg); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(roles), &run.Roles); err != nil {
		return nil, fmt.Errorf("run %s has invalid roles: %w", run.ID, err)
	}
	run.StartedAt = fromMillis(started)
	if completed.Valid {
		t := fromMillis(completed.Int64)
		run.CompletedAt = &t
	}
	if errMsg.Valid {
		run.Error = &errMsg.String
	}
	return &run, nil
}

// GetRun returns one run.
func (j *Journal) GetRun(ctx context.Context, id string) (*Run, error) {
	row := j.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs, newest first.
func (j *Journal) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// ListActions returns the actions of run id in execution order.
func (j *Journal) ListActions(ctx context.Context, id string) ([]*Action, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT run_id, seq, resource, resource_type, action, provider,
		       outcome, trigger_kind, detail, started_at, duration_us, error
		FROM actions
		WHERE run_id = ?
		ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	actions := []*Action{}
	for rows.Next() {
		var (
			a        Action
			started  int64
			duration int64
			errMsg   sql.NullString
		)
		if err := rows.Scan(&a.RunID, &a.Seq, &a.Resource, &a.ResourceType, &a.Action, &a.Provider,
			&a.Outcome, &a.Trigger, &a.Detail, &started, &duration, &errMsg); err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		a.StartedAt = fromMillis(started)
		a.Duration = time.Duration(duration) * time.Microsecond
		if errMsg.Valid {
			a.Error = &errMsg.String
		}
		actions = append(actions, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating actions: %w", err)
	}
	return actions, nil
}

// Summarize counts the outcomes of run id.
func (j *Journal) Summarize(ctx context.Context, id string) (*RunSummary, error) {
	run, err := j.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	rows, err := j.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM actions WHERE run_id = ? GROUP BY outcome`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize run: %w", err)
	}
	defer rows.Close()

	sum := &RunSummary{Run: run}
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		switch outcome {
		case engine.OutcomeUpdated:
			sum.Updated = n
		case engine.OutcomeUnchanged:
			sum.Unchanged = n
		case engine.OutcomeSkipped:
			sum.Skipped = n
		case engine.OutcomeFailed:
			sum.Failed = n
		}
	}
	return sum, rows.Err()
}

// Recorder journals the actions of one run at a time. It implements
// engine.Observer; write failures are logged and the first is kept for Err.
type Recorder struct {
	j *Journal

	mu    sync.Mutex
	runID string
	seq   int
	err   error
}

var _ engine.Observer = (*Recorder)(nil)

// Recorder returns an observer bound to j.
func (j *Journal) Recorder() *Recorder { return &Recorder{j: j} }

// Begin starts journaling run.
func (r *Recorder) Begin(ctx context.Context, run *Run) error {
	if err := r.j.StartRun(ctx, run); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runID, r.seq, r.err = run.ID, 0, nil
	return nil
}

// ObserveAction implements engine.Observer. Records outside a run are
// dropped.
func (r *Recorder) ObserveAction(ctx context.Context, rec engine.ActionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runID == "" {
		return
	}
	r.seq++
	if err := r.j.RecordAction(context.WithoutCancel(ctx), r.runID, r.seq, rec); err != nil {
		r.j.logger.Warnf("journal: %v", err)
		if r.err == nil {
			r.err = err
		}
	}
}

// Finish closes the current run with runErr as its outcome.
func (r *Recorder) Finish(ctx context.Context, runErr error) error {
	r.mu.Lock()
	id := r.runID
	r.runID = ""
	r.mu.Unlock()
	if id == "" {
		return nil
	}
	return r.j.FinishRun(ctx, id, runErr)
}

// Err returns the first write failure of the current or last run.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
