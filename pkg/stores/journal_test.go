package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/kokki/pkg/engine"
)

func openJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "state", "journal.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), Config{}, nil)
	require.Error(t, err)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(context.Background(), Config{Path: path}, nil)
	require.NoError(t, err)
	require.NoError(t, j.StartRun(context.Background(), &Run{ID: "r1", Roles: []string{"web"}}))
	require.NoError(t, j.Close())

	j, err = Open(context.Background(), Config{Path: path}, nil)
	require.NoError(t, err)
	defer j.Close()
	run, err := j.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"web"}, run.Roles)
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t)

	start := time.Now().Add(-time.Second).Truncate(time.Millisecond)
	require.NoError(t, j.StartRun(ctx, &Run{ID: "ok", Roles: []string{"base", "web"}, Hostname: "h1", Version: "1.0", StartedAt: start}))

	run, err := j.GetRun(ctx, "ok")
	require.NoError(t, err)
	assert.Equal(t, RunStatusRunning, run.Status)
	assert.True(t, start.Equal(run.StartedAt))
	assert.Nil(t, run.CompletedAt)
	assert.Zero(t, run.Duration())

	require.NoError(t, j.FinishRun(ctx, "ok", nil))
	run, err = j.GetRun(ctx, "ok")
	require.NoError(t, err)
	assert.Equal(t, RunStatusConverged, run.Status)
	require.NotNil(t, run.CompletedAt)
	assert.Nil(t, run.Error)
	assert.Positive(t, run.Duration())

	require.NoError(t, j.StartRun(ctx, &Run{ID: "bad", Roles: []string{}}))
	require.NoError(t, j.FinishRun(ctx, "bad", errors.New("boom")))
	run, err = j.GetRun(ctx, "bad")
	require.NoError(t, err)
	assert.Equal(t, RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, "boom", *run.Error)
}

func TestUnknownRun(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t)

	_, err := j.GetRun(ctx, "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, j.FinishRun(ctx, "nope", nil), ErrRunNotFound)
}

func TestListRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t)

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, j.StartRun(ctx, &Run{ID: id, StartedAt: base.Add(time.Duration(i) * time.Minute)}))
	}

	runs, err := j.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "c", runs[0].ID)
	assert.Equal(t, "b", runs[1].ID)

	runs, err = j.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 3)
}

func TestRecorderJournalsActions(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t)
	rec := j.Recorder()

	// Records outside a run are dropped.
	rec.ObserveAction(ctx, engine.ActionRecord{Resource: "File[/x]", Outcome: engine.OutcomeUpdated})

	require.NoError(t, rec.Begin(ctx, &Run{ID: "run-1", Roles: []string{"web"}}))
	now := time.Now()
	records := []engine.ActionRecord{
		{Resource: "Package[nginx]", ResourceType: "Package", Action: "install", Provider: "apt", Outcome: engine.OutcomeUpdated, Started: now, Duration: 1500 * time.Microsecond},
		{Resource: "File[/etc/motd]", ResourceType: "File", Action: "create", Provider: "file", Outcome: engine.OutcomeSkipped, Detail: "not_if", Started: now},
		{Resource: "Service[nginx]", ResourceType: "Service", Action: "restart", Provider: "systemd", Outcome: engine.OutcomeFailed, Trigger: "delayed", Started: now, Err: errors.New("exit status 1")},
		{Resource: "File[/etc/issue]", ResourceType: "File", Action: "create", Provider: "file", Outcome: engine.OutcomeUnchanged, Started: now},
	}
	for _, r := range records {
		rec.ObserveAction(ctx, r)
	}
	require.NoError(t, rec.Finish(ctx, errors.New("Service[nginx] failed")))
	require.NoError(t, rec.Err())

	actions, err := j.ListActions(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, actions, 4)
	for i, a := range actions {
		assert.Equal(t, i+1, a.Seq)
		assert.Equal(t, records[i].Resource, a.Resource)
		assert.Equal(t, records[i].Outcome, a.Outcome)
	}
	assert.Equal(t, 1500*time.Microsecond, actions[0].Duration)
	assert.Equal(t, "apt", actions[0].Provider)
	assert.Equal(t, "not_if", actions[1].Detail)
	assert.Equal(t, "delayed", actions[2].Trigger)
	require.NotNil(t, actions[2].Error)
	assert.Equal(t, "exit status 1", *actions[2].Error)
	assert.Nil(t, actions[3].Error)

	sum, err := j.Summarize(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusFailed, sum.Run.Status)
	assert.Equal(t, 1, sum.Updated)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Unchanged)

	// Finishing twice is a no-op.
	require.NoError(t, rec.Finish(ctx, nil))
}

func TestRecorderWithEnvironment(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t)
	rec := j.Recorder()

	reg := engine.NewRegistry()
	reg.Register("Test", "noop", func(_ *engine.Environment, r *engine.Resource) (engine.Provider, error) {
		return &engine.ActionSet{ProviderName: "noop", Handlers: map[string]engine.ActionFunc{
			"run": func(context.Context) error {
				r.Updated = true
				return nil
			},
		}}, nil
	})
	env := engine.New(
		engine.WithRegistry(reg),
		engine.WithSystem(engine.System{OS: "linux"}),
		engine.WithObserver(rec),
	)
	require.NoError(t, env.AddResource(&engine.Resource{Type: "Test", Name: "a", Actions: []string{"run"}}))

	require.NoError(t, rec.Begin(ctx, &Run{ID: "env-run"}))
	runErr := env.Converge(ctx)
	require.NoError(t, rec.Finish(ctx, runErr))
	require.NoError(t, runErr)

	actions, err := j.ListActions(ctx, "env-run")
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "Test[a]", actions[0].Resource)
	assert.Equal(t, "noop", actions[0].Provider)
	assert.Equal(t, engine.OutcomeUpdated, actions[0].Outcome)

	run, err := j.GetRun(ctx, "env-run")
	require.NoError(t, err)
	assert.Equal(t, RunStatusConverged, run.Status)
}
