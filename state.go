package scribeq

import "fmt"

// The job lifecycle is a closed graph. Transitions not listed here are
// invalid and rejected before any write reaches the store, so a bad caller
// can never push a row into a state the rest of the system does not expect.
var validTransitions = map[JobState]map[JobState]bool{
	StateNotQueued: {
		StatePendingRunner: true, // settings finalized
		StateFailed:        true, // aborted before queueing
	},
	StatePendingRunner: {
		StateRunnerAssigned: true, // dispatcher claim
		StateFailed:         true, // aborted before assignment
	},
	StateRunnerAssigned: {
		StateRunnerInProgress: true, // runner acknowledged the job
		StateSuccess:          true,
		StateFailed:           true,
		StateAborting:         true,
		StatePendingRunner:    true, // runner lost or never fetched, requeued
	},
	StateRunnerInProgress: {
		StateSuccess:       true,
		StateFailed:        true,
		StateAborting:      true,
		StatePendingRunner: true, // runner lost, requeued
	},
	StateAborting: {
		StateFailed: true, // runner acknowledged the drop, or was reclaimed
	},
	StateSuccess: {
		StateDownloaded: true,
	},
	// StateFailed and StateDownloaded accept nothing; deletion is not a
	// transition.
}

var terminalStates = map[JobState]bool{
	StateSuccess:    true,
	StateFailed:     true,
	StateDownloaded: true,
}

// runnerHeldStates are the states in which AssignedRunner must be non-nil.
var runnerHeldStates = map[JobState]bool{
	StateRunnerAssigned:   true,
	StateRunnerInProgress: true,
}

// transition moves a job to the next state, enforcing the transition table
// and the assigned-runner invariant. It mutates the job in memory only; the
// caller persists it with a compare-and-set write.
func transition(job *Job, next JobState) error {
	if !validTransitions[job.State][next] {
		return fmt.Errorf("%w: %s -> %s (job %d)", ErrInvalidTransition, job.State, next, job.ID)
	}
	job.State = next
	if !runnerHeldStates[next] && next != StateAborting {
		job.AssignedRunner = nil
		job.AssignedAt = nil
	}
	if next == StatePendingRunner {
		job.Progress = ProgressUnknown
	}
	if terminalStates[next] {
		// ABORTING keeps the runner reference so a late acknowledgment can
		// still be matched; terminal states must not.
		job.AssignedRunner = nil
		job.AssignedAt = nil
	}
	return nil
}
