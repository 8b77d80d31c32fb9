package scribeq

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDispatchFIFO(t *testing.T) {
	svc, _, _ := newTestService(t)
	first := submitReady(t, svc, "alice")
	second := submitReady(t, svc, "bob")

	resp := heartbeatIdle(t, svc, "runner-a")
	require.Equal(t, OutcomeAssignment, resp.Outcome)
	require.Equal(t, first.ID, resp.Assignment.ID)

	resp = heartbeatIdle(t, svc, "runner-b")
	require.Equal(t, OutcomeAssignment, resp.Outcome)
	require.Equal(t, second.ID, resp.Assignment.ID)
}

func TestDispatchNothingEligible(t *testing.T) {
	svc, _, _ := newTestService(t)
	resp := heartbeatIdle(t, svc, "runner-a")
	require.Equal(t, OutcomeNone, resp.Outcome)
	require.Nil(t, resp.Assignment)
}

func TestDispatchCapabilityFilter(t *testing.T) {
	store := NewMemoryStore()
	var blocked uint64
	svc := New(Config{
		Jobs:  store,
		Coord: NewMemoryCoord(),
		Blobs: NewMemoryBlobStore(),
		Capable: func(job *Job) bool {
			return job.ID != blocked
		},
		InfoLog:  func(LogEvent) {},
		ErrorLog: func(LogEvent) {},
	})

	first := submitReady(t, svc, "alice")
	second := submitReady(t, svc, "alice")
	blocked = first.ID

	resp := heartbeatIdle(t, svc, "runner-a")
	require.Equal(t, OutcomeAssignment, resp.Outcome)
	require.Equal(t, second.ID, resp.Assignment.ID)

	// The incapable job stays queued for some other runner.
	cur, err := store.GetJob(context.Background(), first.ID)
	require.NoError(t, err)
	require.Equal(t, StatePendingRunner, cur.State)
}

// A runner whose capability rejects every job on the first page must
// still reach an eligible job queued behind it.
func TestDispatchPagesPastIncapableJobs(t *testing.T) {
	store := NewMemoryStore()
	var eligible uint64
	svc := New(Config{
		Jobs:  store,
		Coord: NewMemoryCoord(),
		Blobs: NewMemoryBlobStore(),
		Capable: func(job *Job) bool {
			return job.ID == eligible
		},
		DispatchBatch: 2,
		InfoLog:       func(LogEvent) {},
		ErrorLog:      func(LogEvent) {},
	})

	submitReady(t, svc, "alice")
	submitReady(t, svc, "alice")
	third := submitReady(t, svc, "alice")
	eligible = third.ID

	resp := heartbeatIdle(t, svc, "runner-a")
	require.Equal(t, OutcomeAssignment, resp.Outcome)
	require.Equal(t, third.ID, resp.Assignment.ID)
}

// Two runners race for a single queued job: exactly one wins.
func TestDispatchSingleClaimUnderRace(t *testing.T) {
	svc, store, _ := newTestService(t)
	job := submitReady(t, svc, "alice")

	const racers = 8
	results := make([]HeartbeatResponse, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := svc.Heartbeat(context.Background(), runnerName(i), HeartbeatRequest{})
			require.NoError(t, err)
			results[i] = resp
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, resp := range results {
		switch resp.Outcome {
		case OutcomeAssignment:
			winners++
			require.Equal(t, job.ID, resp.Assignment.ID)
		case OutcomeNone:
		default:
			t.Fatalf("unexpected outcome %s", resp.Outcome)
		}
	}
	require.Equal(t, 1, winners)

	cur, err := store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, StateRunnerAssigned, cur.State)
	require.NotNil(t, cur.AssignedRunner)
}

// Every job is claimed exactly once even when many runners drain a deep
// queue concurrently.
func TestDispatchManyJobsManyRunners(t *testing.T) {
	svc, store, _ := newTestService(t)
	const jobs = 20
	for i := 0; i < jobs; i++ {
		submitReady(t, svc, "alice")
	}

	const runners = 6
	claims := make(map[uint64]int)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < runners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := runnerName(i)
			for {
				resp, err := svc.Heartbeat(context.Background(), id, HeartbeatRequest{})
				require.NoError(t, err)
				if resp.Outcome != OutcomeAssignment {
					return
				}
				mu.Lock()
				claims[resp.Assignment.ID]++
				mu.Unlock()
				// Finish immediately so this runner can take another job.
				_, err = svc.ReportResult(context.Background(), resp.Assignment.ID, id, ResultFailure, "", "drained")
				require.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, claims, jobs)
	for id, n := range claims {
		require.Equal(t, 1, n, "job %d claimed %d times", id, n)
	}

	held, err := store.ListHeld(context.Background())
	require.NoError(t, err)
	require.Empty(t, held)
}

func runnerName(i int) string {
	return string(rune('a'+i)) + "-runner"
}
