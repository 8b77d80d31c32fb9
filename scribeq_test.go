package scribeq

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTestService wires a Service against the in-memory stores. Background
// loops are not started; tests drive Sweep and Heartbeat directly.
func newTestService(t *testing.T) (*Service, *MemoryStore, *MemoryCoord) {
	t.Helper()
	store := NewMemoryStore()
	coord := NewMemoryCoord()
	svc := New(Config{
		Jobs:              store,
		Coord:             coord,
		Blobs:             NewMemoryBlobStore(),
		HeartbeatInterval: 15 * time.Second,
		InfoLog:           func(LogEvent) {},
		ErrorLog:          func(ev LogEvent) { t.Logf("error log: %s %v", ev.Message, ev.Err) },
	})
	return svc, store, coord
}

func submitReady(t *testing.T, svc *Service, owner string) *Job {
	t.Helper()
	ctx := context.Background()
	set, err := svc.CreateSettings(ctx, Settings{Model: "large-v3", Complete: true})
	require.NoError(t, err)
	job, err := svc.SubmitJob(ctx, owner, set.ID, []byte("riff-bytes"))
	require.NoError(t, err)
	return job
}

func heartbeatIdle(t *testing.T, svc *Service, runnerID string) HeartbeatResponse {
	t.Helper()
	resp, err := svc.Heartbeat(context.Background(), runnerID, HeartbeatRequest{
		Name: runnerID, Version: "1.0",
	})
	require.NoError(t, err)
	return resp
}

func TestSubmitQueuesWhenSettingsComplete(t *testing.T) {
	svc, _, _ := newTestService(t)
	job := submitReady(t, svc, "alice")
	require.Equal(t, StatePendingRunner, job.State)
	require.Nil(t, job.AssignedRunner)
	require.Equal(t, ProgressUnknown, job.Progress)
}

func TestSubmitHoldsIncompleteSettings(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	set, err := svc.CreateSettings(ctx, Settings{Model: "large-v3"})
	require.NoError(t, err)
	job, err := svc.SubmitJob(ctx, "alice", set.ID, []byte("audio"))
	require.NoError(t, err)
	require.Equal(t, StateNotQueued, job.State)

	// Not eligible for dispatch while NOT_QUEUED.
	resp := heartbeatIdle(t, svc, "runner-a")
	require.Equal(t, OutcomeNone, resp.Outcome)

	job, err = svc.FinalizeJob(ctx, job.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, StatePendingRunner, job.State)

	// Finalizing twice is a no-op.
	again, err := svc.FinalizeJob(ctx, job.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, StatePendingRunner, again.State)
}

// Scenario: submit, assign on heartbeat, acknowledge via artifact fetch.
func TestAssignmentLifecycle(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	job := submitReady(t, svc, "alice")

	resp := heartbeatIdle(t, svc, "runner-a")
	require.Equal(t, OutcomeAssignment, resp.Outcome)
	require.Equal(t, job.ID, resp.Assignment.ID)

	assigned, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StateRunnerAssigned, assigned.State)
	require.NotNil(t, assigned.AssignedRunner)
	require.Equal(t, "runner-a", *assigned.AssignedRunner)
	require.NotNil(t, assigned.AssignedAt)

	audio, err := svc.FetchArtifact(ctx, job.ID, "runner-a")
	require.NoError(t, err)
	require.Equal(t, []byte("riff-bytes"), audio)

	fetched, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StateRunnerInProgress, fetched.State)
}

func TestProgressHeartbeatAcknowledgesAndUpdates(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	job := submitReady(t, svc, "alice")
	heartbeatIdle(t, svc, "runner-a")

	// First heartbeat naming the job moves it to RUNNER_IN_PROGRESS even
	// without an artifact fetch.
	p := 0.25
	resp, err := svc.Heartbeat(ctx, "runner-a", HeartbeatRequest{JobID: &job.ID, Progress: &p})
	require.NoError(t, err)
	require.Equal(t, OutcomeNone, resp.Outcome)

	cur, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StateRunnerInProgress, cur.State)
	require.Equal(t, 0.25, cur.Progress)
}

// Scenario: success report, transcript download, idempotent re-download.
func TestSuccessAndDownload(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	job := submitReady(t, svc, "alice")
	heartbeatIdle(t, svc, "runner-a")
	_, err := svc.FetchArtifact(ctx, job.ID, "runner-a")
	require.NoError(t, err)

	ref := TranscriptKey(job.ID)
	require.NoError(t, svc.cfg.Blobs.Put(ctx, ref, []byte("the transcript")))
	done, err := svc.ReportResult(ctx, job.ID, "runner-a", ResultSuccess, ref, "")
	require.NoError(t, err)
	require.Equal(t, StateSuccess, done.State)
	require.Nil(t, done.AssignedRunner)
	require.NotNil(t, done.FinishedAt)

	data, downloaded, err := svc.DownloadTranscript(ctx, job.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, []byte("the transcript"), data)
	require.Equal(t, StateDownloaded, downloaded.State)

	// Second download leaves it at DOWNLOADED.
	data, downloaded, err = svc.DownloadTranscript(ctx, job.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, []byte("the transcript"), data)
	require.Equal(t, StateDownloaded, downloaded.State)

	cur, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StateDownloaded, cur.State)
}

func TestFailureReport(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	job := submitReady(t, svc, "alice")
	heartbeatIdle(t, svc, "runner-a")

	failed, err := svc.ReportResult(ctx, job.ID, "runner-a", ResultFailure, "", "unsupported codec")
	require.NoError(t, err)
	require.Equal(t, StateFailed, failed.State)
	require.NotNil(t, failed.ErrorMessage)
	require.Equal(t, "unsupported codec", *failed.ErrorMessage)
}

func TestResultFromStaleRunnerIgnored(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	job := submitReady(t, svc, "alice")
	heartbeatIdle(t, svc, "runner-a")

	// The job is reclaimed and handed to runner-b.
	cur, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, svc.requeue(ctx, cur, "runner_lost"))
	resp := heartbeatIdle(t, svc, "runner-b")
	require.Equal(t, OutcomeAssignment, resp.Outcome)

	// runner-a's late success report must not clobber runner-b's claim.
	_, err = svc.ReportResult(ctx, job.ID, "runner-a", ResultSuccess, "transcript/1", "")
	require.ErrorIs(t, err, ErrStaleRunner)

	cur, err = store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StateRunnerAssigned, cur.State)
	require.Equal(t, "runner-b", *cur.AssignedRunner)
}

func TestOwnershipEnforced(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	job := submitReady(t, svc, "alice")

	_, err := svc.GetJob(ctx, job.ID, "mallory")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = svc.AbortJob(ctx, job.ID, "mallory")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteJobRemovesArtifacts(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	job := submitReady(t, svc, "alice")

	// Still running: refuse deletion.
	require.Error(t, svc.DeleteJob(ctx, job.ID, "alice"))

	_, err := svc.AbortJob(ctx, job.ID, "alice")
	require.NoError(t, err)
	require.NoError(t, svc.DeleteJob(ctx, job.ID, "alice"))

	_, err = store.GetJob(ctx, job.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = svc.cfg.Blobs.Get(ctx, AudioKey(job.ID))
	require.ErrorIs(t, err, ErrNotFound)
}

// Start and Shutdown may be called from different goroutines (signal
// handlers, test cleanup); the lifecycle must tolerate that.
func TestLifecycleConcurrentStartShutdown(t *testing.T) {
	svc, _, _ := newTestService(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, svc.Start(context.Background()))
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.Shutdown(time.Second)
		}()
	}
	wg.Wait()
	svc.Shutdown(time.Second)

	// The service still works after the churn.
	require.NoError(t, svc.Start(context.Background()))
	svc.Shutdown(time.Second)
}
