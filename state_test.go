package scribeq

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransitionTableRejectsInvalidMoves(t *testing.T) {
	cases := []struct {
		from, to JobState
	}{
		{StateNotQueued, StateRunnerAssigned},
		{StateNotQueued, StateSuccess},
		{StatePendingRunner, StateRunnerInProgress},
		{StatePendingRunner, StateSuccess},
		{StateRunnerAssigned, StateNotQueued},
		{StateAborting, StateSuccess},
		{StateAborting, StatePendingRunner},
		{StateSuccess, StateFailed},
		{StateSuccess, StatePendingRunner},
		{StateFailed, StatePendingRunner},
		{StateFailed, StateSuccess},
		{StateDownloaded, StateSuccess},
		{StateDownloaded, StatePendingRunner},
	}
	for _, tc := range cases {
		job := &Job{ID: 1, State: tc.from}
		err := transition(job, tc.to)
		require.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s should be invalid", tc.from, tc.to)
		require.Equal(t, tc.from, job.State, "job must not move on a rejected transition")
	}
}

func TestTransitionClearsRunnerOutsideHeldStates(t *testing.T) {
	runner := "runner-a"
	job := &Job{ID: 1, State: StateRunnerInProgress, AssignedRunner: &runner, Progress: 0.7}
	require.NoError(t, transition(job, StatePendingRunner))
	require.Nil(t, job.AssignedRunner)
	require.Nil(t, job.AssignedAt)
	require.Equal(t, ProgressUnknown, job.Progress)

	// ABORTING keeps the runner reference so the acknowledgment can be
	// matched, terminal states do not.
	job = &Job{ID: 2, State: StateRunnerInProgress, AssignedRunner: &runner}
	require.NoError(t, transition(job, StateAborting))
	require.NotNil(t, job.AssignedRunner)
	require.NoError(t, transition(job, StateFailed))
	require.Nil(t, job.AssignedRunner)
}

// Terminal states accept no transition at all, only deletion.
func TestMonotonicTerminality(t *testing.T) {
	all := []JobState{
		StateNotQueued, StatePendingRunner, StateRunnerAssigned,
		StateRunnerInProgress, StateAborting, StateSuccess, StateFailed,
		StateDownloaded,
	}
	for _, terminal := range []JobState{StateFailed, StateDownloaded} {
		for _, next := range all {
			job := &Job{ID: 1, State: terminal}
			require.Error(t, transition(job, next), "%s must accept no transition", terminal)
		}
	}
	// SUCCESS admits exactly one move: the download.
	for _, next := range all {
		job := &Job{ID: 1, State: StateSuccess}
		err := transition(job, next)
		if next == StateDownloaded {
			require.NoError(t, err)
		} else {
			require.Error(t, err)
		}
	}
}

func TestHeldStateInvariant(t *testing.T) {
	// Every state that requires a holding runner is reachable only via
	// the dispatcher's claim, which sets AssignedRunner; every exit from
	// those states clears it (except ABORTING, which defers to the
	// acknowledgment). Walk the full lifecycle once to confirm.
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	job := submitReady(t, svc, "alice")

	check := func() {
		cur, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		held := cur.State == StateRunnerAssigned || cur.State == StateRunnerInProgress
		if held {
			require.NotNil(t, cur.AssignedRunner, "state %s requires a runner", cur.State)
		}
		if cur.Terminal() {
			require.Nil(t, cur.AssignedRunner, "state %s must not hold a runner", cur.State)
		}
	}

	check()
	heartbeatIdle(t, svc, "runner-a")
	check()
	_, err := svc.FetchArtifact(ctx, job.ID, "runner-a")
	require.NoError(t, err)
	check()
	ref := TranscriptKey(job.ID)
	require.NoError(t, svc.cfg.Blobs.Put(ctx, ref, []byte("text")))
	_, err = svc.ReportResult(ctx, job.ID, "runner-a", ResultSuccess, ref, "")
	require.NoError(t, err)
	check()
	_, _, err = svc.DownloadTranscript(ctx, job.ID, "alice")
	require.NoError(t, err)
	check()
}
