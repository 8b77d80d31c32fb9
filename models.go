package scribeq

import (
	"time"
)

// JobState enumerates the possible states of a transcription job.
type JobState string

const (
	StateNotQueued        JobState = "NOT_QUEUED"
	StatePendingRunner    JobState = "PENDING_RUNNER"
	StateRunnerAssigned   JobState = "RUNNER_ASSIGNED"
	StateRunnerInProgress JobState = "RUNNER_IN_PROGRESS"
	StateAborting         JobState = "ABORTING"
	StateSuccess          JobState = "SUCCESS"
	StateFailed           JobState = "FAILED"
	StateDownloaded       JobState = "DOWNLOADED"
)

// ProgressUnknown is the sentinel stored while no runner has reported progress.
const ProgressUnknown = -1.0

// Job corresponds to one row in the jobs table. Version is the optimistic
// concurrency token: every update must carry the version it read, and the
// store rejects the write with ErrConflict if the row has moved on.
type Job struct {
	ID             uint64
	OwnerID        string
	SettingsID     uint64
	State          JobState
	Progress       float64
	AssignedRunner *string
	AssignedAt     *time.Time
	ErrorMessage   *string
	TranscriptRef  *string
	Version        uint64
	CreatedAt      time.Time
	FinishedAt     *time.Time
}

// Terminal reports whether the job accepts no further transitions.
func (j *Job) Terminal() bool {
	return terminalStates[j.State]
}

// HeldBy reports whether runnerID currently holds this job.
func (j *Job) HeldBy(runnerID string) bool {
	return j.AssignedRunner != nil && *j.AssignedRunner == runnerID
}

// Settings is the immutable parameter snapshot a job is transcribed with.
// Rows are shared between jobs and never mutated after creation; Complete
// gates whether a referencing job may leave NOT_QUEUED.
type Settings struct {
	ID         uint64
	Model      string
	Language   string
	Align      bool
	Diarize    bool
	ASROptions string
	Complete   bool
	CreatedAt  time.Time
}

// RunnerInfo is the ephemeral liveness record a runner refreshes on every
// heartbeat. It lives only in the coordination store, under a TTL.
type RunnerInfo struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Version    string    `json:"version"`
	SourceHash string    `json:"source_hash"`
	JobID      *uint64   `json:"job_id,omitempty"`
	LastSeen   time.Time `json:"last_seen"`
}

// EventKind is the change category carried by a job event.
type EventKind string

const (
	EventJobCreated EventKind = "job_created"
	EventJobUpdated EventKind = "job_updated"
	EventJobDeleted EventKind = "job_deleted"
)

// Event is the lightweight notification fanned out to subscribed clients.
// It deliberately carries no job payload; subscribers re-fetch authoritative
// state from the job store. OwnerID is routing metadata and is not exposed
// to clients.
type Event struct {
	JobID   uint64    `json:"job_id"`
	Kind    EventKind `json:"kind"`
	OwnerID string    `json:"-"`
}

// CapabilityFn decides whether a runner can execute a given job. Capability
// matching is an external concern (e.g. dummy vs. full transcription mode);
// a nil predicate accepts everything.
type CapabilityFn func(job *Job) bool

// HeartbeatRequest is the single multiplexed call a runner makes: it refreshes
// liveness, optionally reports progress on the job it holds, and may receive a
// new assignment in return.
type HeartbeatRequest struct {
	Name       string
	Version    string
	SourceHash string
	JobID      *uint64
	Progress   *float64
}

// HeartbeatOutcome tags the runner's next instruction.
type HeartbeatOutcome string

const (
	// OutcomeNone: keep going, nothing new.
	OutcomeNone HeartbeatOutcome = "none"
	// OutcomeAssignment: a job was assigned; fetch its artifact and start.
	OutcomeAssignment HeartbeatOutcome = "assignment"
	// OutcomeDrop: stop working on the reported job immediately.
	OutcomeDrop HeartbeatOutcome = "drop"
)

// HeartbeatResponse is the tagged-union reply to a heartbeat.
type HeartbeatResponse struct {
	Outcome    HeartbeatOutcome
	Assignment *Job
	DropJobID  *uint64
}

// ResultOutcome tags a runner's terminal report for a job.
type ResultOutcome string

const (
	ResultSuccess ResultOutcome = "success"
	ResultFailure ResultOutcome = "failure"
	ResultAborted ResultOutcome = "aborted"
)
