package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	l := New(mustOpenDB(t))

	started := time.Now().Add(-3 * time.Second)
	id, err := l.StartRun(ctx, started, "manual", "lite")
	require.NoError(t, err)

	require.NoError(t, l.UpdateRunProgress(ctx, id, RunCounters{FilesDiscovered: 5, FilesScanned: 2}))
	require.NoError(t, l.RecordError(ctx, id, "/backup/x.docx", "extract", 9, "zip: not a valid zip file"))

	final := RunCounters{FilesDiscovered: 5, FilesScanned: 4, PIIFiles: 1, Errors: 1}
	require.NoError(t, l.FinishRun(ctx, id, RunCompleted, 1, started, time.Now(), final))

	run, errs, err := l.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, run.Status)
	assert.Equal(t, "lite", run.ScanType)
	assert.Equal(t, final, run.RunCounters)
	require.NotNil(t, run.ExitCode)
	assert.Equal(t, 1, *run.ExitCode)
	require.NotNil(t, run.DurationSeconds)
	assert.GreaterOrEqual(t, *run.DurationSeconds, int64(2))
	require.Len(t, errs, 1)
	assert.Equal(t, 9, errs[0].Code)
	assert.Equal(t, "extract", errs[0].Stage)

	last, err := l.LastFinishedRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, id, last.ID)
}

func TestGetRun_NotFound(t *testing.T) {
	l := New(mustOpenDB(t))
	_, _, err := l.GetRun(context.Background(), 404)
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestListRuns_NewestFirst(t *testing.T) {
	ctx := context.Background()
	l := New(mustOpenDB(t))

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		_, err := l.StartRun(ctx, base.Add(time.Duration(i)*time.Minute), "schedule", "full")
		require.NoError(t, err)
	}

	runs, total, err := l.ListRuns(ctx, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, runs, 2)
	assert.True(t, runs[0].StartedAt.After(runs[1].StartedAt))
}

func TestMarkStaleRunsFailed(t *testing.T) {
	ctx := context.Background()
	l := New(mustOpenDB(t))

	id, err := l.StartRun(ctx, time.Now(), "manual", "full")
	require.NoError(t, err)
	require.NoError(t, l.MarkStaleRunsFailed(ctx))

	run, _, err := l.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, run.Status)
	assert.NotNil(t, run.FinishedAt)

	last, err := l.LastFinishedRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, id, last.ID)
}
