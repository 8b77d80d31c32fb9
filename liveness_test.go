package scribeq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Scenario: the holding runner goes silent past the timeout; the sweep
// requeues the job and another runner picks it up.
func TestSweepReclaimsJobFromLostRunner(t *testing.T) {
	svc, store, coord := newTestService(t)
	ctx := context.Background()
	job := submitReady(t, svc, "alice")

	resp := heartbeatIdle(t, svc, "runner-a")
	require.Equal(t, OutcomeAssignment, resp.Outcome)

	// The runner crashes: its liveness record expires.
	require.NoError(t, coord.DeleteRunner(ctx, "runner-a"))
	require.NoError(t, svc.Sweep(ctx))

	cur, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StatePendingRunner, cur.State)
	require.Nil(t, cur.AssignedRunner)
	require.Equal(t, ProgressUnknown, cur.Progress)

	// A different runner is eligible immediately.
	resp = heartbeatIdle(t, svc, "runner-b")
	require.Equal(t, OutcomeAssignment, resp.Outcome)
	require.Equal(t, job.ID, resp.Assignment.ID)
}

func TestSweepIgnoresHealthyRunner(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	job := submitReady(t, svc, "alice")
	heartbeatIdle(t, svc, "runner-a")
	_, err := svc.FetchArtifact(ctx, job.ID, "runner-a")
	require.NoError(t, err)

	require.NoError(t, svc.Sweep(ctx))

	cur, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StateRunnerInProgress, cur.State)
	require.Equal(t, "runner-a", *cur.AssignedRunner)
}

// A runner that heartbeats but never fetches its artifact is treated like
// a crashed runner for that job.
func TestSweepRequeuesAfterArtifactTimeout(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	job := submitReady(t, svc, "alice")
	heartbeatIdle(t, svc, "runner-a")

	// Age the assignment past the artifact timeout while the runner's
	// liveness stays fresh.
	cur, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	old := time.Now().UTC().Add(-2 * svc.cfg.ArtifactTimeout)
	cur.AssignedAt = &old
	require.NoError(t, store.UpdateJob(ctx, cur))

	require.NoError(t, svc.Sweep(ctx))

	cur, err = store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StatePendingRunner, cur.State)
	require.Nil(t, cur.AssignedRunner)
}

func TestConcurrentSweepsSingleRequeue(t *testing.T) {
	svc, store, coord := newTestService(t)
	ctx := context.Background()
	job := submitReady(t, svc, "alice")
	heartbeatIdle(t, svc, "runner-a")
	require.NoError(t, coord.DeleteRunner(ctx, "runner-a"))

	// Two replicas race past the sweep lock onto the same stale job. The
	// second requeue finds the job already reclaimed and does nothing.
	cur, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, svc.reclaimFromLostRunner(ctx, cur, "runner-a"))
	require.NoError(t, svc.reclaimFromLostRunner(ctx, cur, "runner-a"))

	after, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StatePendingRunner, after.State)
}

func TestStaleJobReportGetsDrop(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	job := submitReady(t, svc, "alice")
	heartbeatIdle(t, svc, "runner-a")

	// runner-b reports a job it never held.
	resp, err := svc.Heartbeat(ctx, "runner-b", HeartbeatRequest{JobID: &job.ID})
	require.NoError(t, err)
	require.Equal(t, OutcomeDrop, resp.Outcome)
	require.Equal(t, job.ID, *resp.DropJobID)

	// Reporting a job that does not exist at all.
	missing := uint64(9999)
	resp, err = svc.Heartbeat(ctx, "runner-b", HeartbeatRequest{JobID: &missing})
	require.NoError(t, err)
	require.Equal(t, OutcomeDrop, resp.Outcome)
}

// An idle heartbeat from a runner the durable store still credits with a
// running job means the runner restarted; the job goes back to the queue.
func TestIdleHeartbeatRequeuesForgottenJob(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	job := submitReady(t, svc, "alice")
	heartbeatIdle(t, svc, "runner-a")

	resp := heartbeatIdle(t, svc, "runner-a")
	// The forgotten job was requeued, and since this runner is idle and
	// capable it is immediately reassigned the same job.
	require.Equal(t, OutcomeAssignment, resp.Outcome)
	require.Equal(t, job.ID, resp.Assignment.ID)

	cur, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StateRunnerAssigned, cur.State)
}

func TestEvictRunnerReleasesJob(t *testing.T) {
	svc, store, coord := newTestService(t)
	ctx := context.Background()
	job := submitReady(t, svc, "alice")
	heartbeatIdle(t, svc, "runner-a")

	require.NoError(t, svc.EvictRunner(ctx, "runner-a"))

	_, err := coord.GetRunner(ctx, "runner-a")
	require.ErrorIs(t, err, ErrNotFound)

	cur, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StatePendingRunner, cur.State)
}

func TestListRunners(t *testing.T) {
	svc, _, _ := newTestService(t)
	heartbeatIdle(t, svc, "runner-a")
	heartbeatIdle(t, svc, "runner-b")

	runners, err := svc.ListRunners(context.Background())
	require.NoError(t, err)
	require.Len(t, runners, 2)

	require.NoError(t, svc.EvictRunner(context.Background(), "runner-a"))
	runners, err = svc.ListRunners(context.Background())
	require.NoError(t, err)
	require.Len(t, runners, 1)
	require.Equal(t, "runner-b", runners[0].ID)
}

func TestHeartbeatRefreshesLiveness(t *testing.T) {
	svc, _, coord := newTestService(t)
	p := 0.5
	job := submitReady(t, svc, "alice")
	heartbeatIdle(t, svc, "runner-a")
	_, err := svc.Heartbeat(context.Background(), "runner-a", HeartbeatRequest{
		Name: "gpu-box", Version: "2.1", JobID: &job.ID, Progress: &p,
	})
	require.NoError(t, err)

	info, err := coord.GetRunner(context.Background(), "runner-a")
	require.NoError(t, err)
	require.Equal(t, "gpu-box", info.Name)
	require.NotNil(t, info.JobID)
	require.Equal(t, job.ID, *info.JobID)
}

// unreachableCoord refuses liveness writes while down, simulating a
// coordination store outage.
type unreachableCoord struct {
	*MemoryCoord
	down bool
}

func (c *unreachableCoord) PutRunner(ctx context.Context, info RunnerInfo, ttl time.Duration) error {
	if c.down {
		return errors.New("coordination store unreachable")
	}
	return c.MemoryCoord.PutRunner(ctx, info, ttl)
}

// A runner the coordination store cannot record must not claim work: a
// claim without a liveness record would be swept as orphaned right away.
func TestHeartbeatFailsClosedWithoutLiveness(t *testing.T) {
	store := NewMemoryStore()
	coord := &unreachableCoord{MemoryCoord: NewMemoryCoord(), down: true}
	svc := New(Config{
		Jobs:     store,
		Coord:    coord,
		Blobs:    NewMemoryBlobStore(),
		InfoLog:  func(LogEvent) {},
		ErrorLog: func(LogEvent) {},
	})
	ctx := context.Background()
	job := submitReady(t, svc, "alice")

	_, err := svc.Heartbeat(ctx, "runner-a", HeartbeatRequest{})
	require.Error(t, err)

	cur, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StatePendingRunner, cur.State, "no assignment may survive a failed liveness write")
	require.Nil(t, cur.AssignedRunner)

	// Once the store is back the same runner gets the job.
	coord.down = false
	resp, err := svc.Heartbeat(ctx, "runner-a", HeartbeatRequest{})
	require.NoError(t, err)
	require.Equal(t, OutcomeAssignment, resp.Outcome)
	require.Equal(t, job.ID, resp.Assignment.ID)
}
