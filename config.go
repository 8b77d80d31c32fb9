package scribeq

import (
	"time"
)

// LogEvent captures information about a logging event.
type LogEvent struct {
	// A human-readable message about the event.
	Message string

	// The runner involved, if any.
	RunnerID string

	// The Job ID, if available.
	JobID *uint64

	// Any error associated with the event.
	Err error

	// How long the operation took, if relevant.
	Duration *time.Duration
}

// Config holds the settings and resources needed by the dispatch core.
type Config struct {
	// Jobs is the durable store of record.
	Jobs JobStore

	// Coord is the shared ephemeral store for liveness, locking and
	// event fan-out.
	Coord CoordStore

	// Blobs holds audio artifacts and transcripts, keyed opaquely.
	Blobs BlobStore

	// HeartbeatInterval is how often runners are expected to report in.
	// If zero, 15s.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is how long a runner may stay silent before it is
	// considered gone and its job requeued. If zero, 3x the interval.
	HeartbeatTimeout time.Duration

	// ArtifactTimeout is how long a job may sit in RUNNER_ASSIGNED
	// without the runner fetching its artifact before it is requeued.
	// If zero, same as HeartbeatTimeout.
	ArtifactTimeout time.Duration

	// SweepInterval is how often each replica attempts the liveness
	// sweep. If zero, same as HeartbeatInterval.
	SweepInterval time.Duration

	// DispatchBatch is how many queued candidates a single assignment
	// attempt scans before giving up. If zero, 16.
	DispatchBatch int

	// Capable decides whether a runner may take a job. Nil accepts all.
	Capable CapabilityFn

	// InfoLog is called for informational or success logs.
	// If nil, defaults to printing to stdout.
	InfoLog func(ev LogEvent)

	// ErrorLog is called for error logs.
	// If nil, defaults to printing to stderr.
	ErrorLog func(ev LogEvent)
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = 15 * time.Second
	}
	if out.HeartbeatTimeout <= 0 {
		out.HeartbeatTimeout = 3 * out.HeartbeatInterval
	}
	if out.ArtifactTimeout <= 0 {
		out.ArtifactTimeout = out.HeartbeatTimeout
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = out.HeartbeatInterval
	}
	if out.DispatchBatch <= 0 {
		out.DispatchBatch = 16
	}
	if out.InfoLog == nil {
		out.InfoLog = defaultInfoLog
	}
	if out.ErrorLog == nil {
		out.ErrorLog = defaultErrorLog
	}
	return &out
}
