package scribeq

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a job, settings row or runner record
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned by a compare-and-set write whose expected
	// version no longer matches the row. Callers re-read and retry; the
	// conflict is never surfaced to clients.
	ErrConflict = errors.New("version conflict")

	// ErrInvalidTransition is returned when a caller asks for a state
	// change the lifecycle graph does not allow.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrTerminal is returned when an operation targets a job that has
	// already reached a terminal state.
	ErrTerminal = errors.New("job already finished")

	// ErrStaleRunner is returned when a runner reports on a job it does
	// not currently hold.
	ErrStaleRunner = errors.New("runner does not hold this job")
)

// JobStore is the durable source of truth for jobs and their settings
// snapshots. Implementations must provide compare-and-set semantics on
// UpdateJob: the write succeeds only if the stored version equals
// job.Version, and increments it atomically.
type JobStore interface {
	// CreateSettings inserts an immutable settings snapshot.
	CreateSettings(ctx context.Context, s *Settings) (*Settings, error)

	// GetSettings fetches a settings snapshot by id.
	GetSettings(ctx context.Context, id uint64) (*Settings, error)

	// FinalizeSettings marks a settings row complete. The row's parameters
	// are already frozen; this flips the one mutable bit.
	FinalizeSettings(ctx context.Context, id uint64) error

	// CreateJob inserts a new job and returns it with its assigned id and
	// initial version.
	CreateJob(ctx context.Context, job *Job) (*Job, error)

	// GetJob fetches a job by id.
	GetJob(ctx context.Context, id uint64) (*Job, error)

	// ListOwnerJobs returns all jobs belonging to an owner, newest first.
	ListOwnerJobs(ctx context.Context, ownerID string) ([]*Job, error)

	// ListPending returns up to limit PENDING_RUNNER jobs with id greater
	// than afterID, oldest first. The cursor lets the dispatcher page past
	// jobs a runner cannot take.
	ListPending(ctx context.Context, afterID uint64, limit int) ([]*Job, error)

	// ListHeld returns every job whose state requires a holding runner
	// (RUNNER_ASSIGNED, RUNNER_IN_PROGRESS) plus jobs awaiting an abort
	// acknowledgment (ABORTING).
	ListHeld(ctx context.Context) ([]*Job, error)

	// JobsHeldBy returns the non-terminal jobs assigned to a runner.
	JobsHeldBy(ctx context.Context, runnerID string) ([]*Job, error)

	// UpdateJob writes the job back if and only if the stored version
	// equals job.Version, then increments both. Returns ErrConflict when
	// another replica got there first.
	UpdateJob(ctx context.Context, job *Job) error

	// DeleteJob removes a job row.
	DeleteJob(ctx context.Context, id uint64) error
}

// BlobStore is the opaque artifact store the core reads audio from and
// writes transcripts to. Encryption at rest and key handling live behind
// this interface; the core only sees plaintext bytes.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}
