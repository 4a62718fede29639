package scan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eargollo/piiscan/internal/config"
	"github.com/eargollo/piiscan/internal/ledger"
)

func TestManager_StartRunsToCompletion(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	writeTestFile(t, dir, "pii.txt", piiBody)
	m := NewManager(f.orch, f.ledger, []string{dir})

	active, err := m.Start(context.Background(), "manual", config.ScanTypeLite)
	require.NoError(t, err)
	assert.Positive(t, active.ID)
	m.Wait()

	assert.Nil(t, m.ActiveScan())
	sum := m.LastSummary()
	require.NotNil(t, sum)
	assert.Equal(t, active.ID, sum.RunID)
	assert.Equal(t, CodePII, sum.ExitCode)

	run, _, err := f.ledger.GetRun(context.Background(), active.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.RunCompleted, run.Status)
	assert.Equal(t, "manual", run.TriggeredBy)
	assert.EqualValues(t, 1, run.PIIFiles)
}

func TestManager_CancelWhenIdle(t *testing.T) {
	f := newFixture(t)
	m := NewManager(f.orch, f.ledger, []string{t.TempDir()})
	_, err := m.Cancel()
	assert.ErrorIs(t, err, ErrNoActiveScan)
}

func TestManager_RejectsBadInput(t *testing.T) {
	f := newFixture(t)

	_, err := NewManager(f.orch, f.ledger, nil).Start(context.Background(), "manual", config.ScanTypeFull)
	assert.ErrorIs(t, err, ErrNoScanPaths)

	_, err = NewManager(f.orch, f.ledger, []string{t.TempDir()}).Start(context.Background(), "manual", "deep")
	assert.ErrorIs(t, err, ErrInvalidScanType)
}

func TestManager_CancelMarksRunCancelled(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	for i := 0; i < 50; i++ {
		writeTestFile(t, dir, "f"+string(rune('a'+i%26))+string(rune('a'+i/26))+".txt", cleanBody)
	}
	m := NewManager(f.orch, f.ledger, []string{dir})

	active, err := m.Start(context.Background(), "manual", config.ScanTypeFull)
	require.NoError(t, err)
	_, cerr := m.Cancel()
	m.Wait()

	run, _, err := f.ledger.GetRun(context.Background(), active.ID)
	require.NoError(t, err)
	if cerr == nil {
		// The scan may already have finished before Cancel ran.
		assert.Contains(t, []string{ledger.RunCancelled, ledger.RunCompleted}, run.Status)
	}
	assert.NotNil(t, run.FinishedAt)
}
