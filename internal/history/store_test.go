package history_test

import (
	"path/filepath"
	"testing"

	"github.com/stackprove/stackprove/internal/history"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestRunRoundTrip(t *testing.T) {
	t.Parallel()

	db, err := history.Open(t.Context(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	runID := uuid.NewString()
	require.NoError(t, history.Begin(t.Context(), db, runID))

	require.NoError(t, history.RecordStep(t.Context(), db, runID, "resolve", "ok"))
	require.NoError(t, history.RecordStep(t.Context(), db, runID, "harden", "2 failures"))

	require.NoError(t, history.Finish(t.Context(), db, runID, 2))

	run, err := history.Get(t.Context(), db, runID)
	require.NoError(t, err)
	require.Equal(t, runID, run.UUID)
	require.NotNil(t, run.Finished)
	require.NotNil(t, run.Failures)
	require.Equal(t, 2, *run.Failures)

	steps, err := history.Steps(t.Context(), db, runID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	require.Equal(t, "resolve", steps[0].Step)
	require.Equal(t, "harden", steps[1].Step)
	require.Equal(t, "2 failures", steps[1].Outcome)
}

func TestFinishTwice(t *testing.T) {
	t.Parallel()

	db, err := history.Open(t.Context(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	runID := uuid.NewString()
	require.NoError(t, history.Begin(t.Context(), db, runID))
	require.NoError(t, history.Finish(t.Context(), db, runID, 0))
	require.ErrorIs(t, history.Finish(t.Context(), db, runID, 0), history.ErrAlreadyFinished)
}

func TestUnknownRun(t *testing.T) {
	t.Parallel()

	db, err := history.Open(t.Context(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	_, err = history.Get(t.Context(), db, uuid.NewString())
	require.ErrorIs(t, err, history.ErrNotFound)
	require.ErrorIs(t, history.Finish(t.Context(), db, uuid.NewString(), 0), history.ErrNotFound)
}

func TestUnfinishedRun(t *testing.T) {
	t.Parallel()

	db, err := history.Open(t.Context(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	runID := uuid.NewString()
	require.NoError(t, history.Begin(t.Context(), db, runID))

	run, err := history.Get(t.Context(), db, runID)
	require.NoError(t, err)
	require.Nil(t, run.Finished)
	require.Nil(t, run.Failures)
}
