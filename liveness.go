package scribeq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const sweepLockName = "sweep"

// Heartbeat is the single multiplexed runner call: it refreshes the
// liveness record, forwards a progress report for the job the runner
// holds, and may hand back a new assignment or a drop instruction.
//
// A coordination- or job-store failure fails the whole call; the runner
// simply retries on its next interval. The liveness record is refreshed
// BEFORE any assignment is attempted: a runner the coordination store
// cannot see must not claim work, or the sweep would immediately treat
// the claim as orphaned.
func (s *Service) Heartbeat(ctx context.Context, runnerID string, req HeartbeatRequest) (HeartbeatResponse, error) {
	info := RunnerInfo{
		ID:         runnerID,
		Name:       req.Name,
		Version:    req.Version,
		SourceHash: req.SourceHash,
		JobID:      req.JobID,
		LastSeen:   time.Now().UTC(),
	}
	if err := s.cfg.Coord.PutRunner(ctx, info, s.cfg.HeartbeatTimeout); err != nil {
		return HeartbeatResponse{}, fmt.Errorf("refresh liveness: %w", err)
	}

	resp, held, err := s.heartbeatOutcome(ctx, runnerID, req)
	if err != nil {
		return HeartbeatResponse{}, err
	}

	if !sameJobID(held, req.JobID) {
		// The outcome changed what the runner holds (new assignment,
		// drop, requeue); the record must say so before sweep looks.
		info.JobID = held
		info.LastSeen = time.Now().UTC()
		if err := s.cfg.Coord.PutRunner(ctx, info, s.cfg.HeartbeatTimeout); err != nil {
			return HeartbeatResponse{}, fmt.Errorf("refresh liveness: %w", err)
		}
	}

	s.m.recordHeartbeat(ctx, resp.Outcome)
	return resp, nil
}

func sameJobID(a, b *uint64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// heartbeatOutcome computes the runner's next instruction and the job id
// the liveness record should carry afterwards.
func (s *Service) heartbeatOutcome(ctx context.Context, runnerID string, req HeartbeatRequest) (HeartbeatResponse, *uint64, error) {
	if req.JobID != nil {
		return s.progressReport(ctx, runnerID, *req.JobID, req.Progress)
	}

	// The runner is idle. Reconcile anything the durable store still
	// thinks it holds, then try to hand it new work.
	if err := s.reconcileIdleRunner(ctx, runnerID); err != nil {
		return HeartbeatResponse{}, nil, err
	}

	job, err := s.assignNext(ctx, runnerID)
	if err != nil {
		return HeartbeatResponse{}, nil, err
	}
	if job == nil {
		return HeartbeatResponse{Outcome: OutcomeNone}, nil, nil
	}
	return HeartbeatResponse{Outcome: OutcomeAssignment, Assignment: job}, &job.ID, nil
}

func (s *Service) progressReport(ctx context.Context, runnerID string, jobID uint64, progress *float64) (HeartbeatResponse, *uint64, error) {
	drop := HeartbeatResponse{Outcome: OutcomeDrop, DropJobID: &jobID}

	job, err := s.cfg.Jobs.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return drop, nil, nil
		}
		return HeartbeatResponse{}, nil, err
	}
	if !job.HeldBy(runnerID) {
		// Stale report: the job was requeued, reassigned or finished
		// while this runner was out of contact.
		s.cfg.logInfo(LogEvent{
			Message:  fmt.Sprintf("Runner reported job %d it does not hold; instructing drop", jobID),
			RunnerID: runnerID,
			JobID:    &jobID,
		})
		return drop, nil, nil
	}

	if job.State == StateAborting {
		return drop, &jobID, nil
	}

	job, err = s.mutateJob(ctx, jobID, func(j *Job) error {
		if !j.HeldBy(runnerID) || j.State == StateAborting || j.Terminal() {
			return ErrStaleRunner
		}
		if j.State == StateRunnerAssigned {
			// First heartbeat naming the job acknowledges the fetch.
			if err := transition(j, StateRunnerInProgress); err != nil {
				return err
			}
		}
		if progress != nil {
			j.Progress = clampProgress(*progress)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrStaleRunner) {
			return drop, nil, nil
		}
		return HeartbeatResponse{}, nil, err
	}
	s.publish(ctx, job, EventJobUpdated)
	return HeartbeatResponse{Outcome: OutcomeNone}, &jobID, nil
}

// reconcileIdleRunner handles a runner heartbeating with empty hands while
// the durable store says otherwise. An ABORTING job is finalized (silence
// about the job is the drop acknowledgment); an assigned or in-progress
// job means the runner restarted and lost its work, so the job goes back
// to the queue.
func (s *Service) reconcileIdleRunner(ctx context.Context, runnerID string) error {
	held, err := s.cfg.Jobs.JobsHeldBy(ctx, runnerID)
	if err != nil {
		return err
	}
	for _, job := range held {
		var reason string
		updated, err := s.mutateJob(ctx, job.ID, func(j *Job) error {
			if !j.HeldBy(runnerID) {
				return errNoChange
			}
			switch j.State {
			case StateAborting:
				reason = "abort acknowledged"
				msg := "aborted by user"
				j.ErrorMessage = &msg
				return transitionToFailed(j)
			case StateRunnerAssigned, StateRunnerInProgress:
				reason = "runner_reset"
				return transition(j, StatePendingRunner)
			default:
				return errNoChange
			}
		})
		if err != nil {
			return err
		}
		if reason != "" {
			if reason == "runner_reset" {
				s.m.recordRequeue(ctx, reason)
			}
			s.cfg.logInfo(LogEvent{
				Message:  fmt.Sprintf("Reconciled job %d held by idle runner (%s)", job.ID, reason),
				RunnerID: runnerID,
				JobID:    &job.ID,
			})
			s.publish(ctx, updated, EventJobUpdated)
		}
	}
	return nil
}

// Sweep is the periodic liveness pass. Any replica may run it; a
// short-lived coordination-store lock keeps concurrent sweeps rare, and
// compare-and-set requeues keep the overlap harmless when two replicas do
// race past the lock.
func (s *Service) Sweep(ctx context.Context) error {
	token := uuid.NewString()
	got, err := s.cfg.Coord.AcquireLock(ctx, sweepLockName, token, s.cfg.SweepInterval)
	if err != nil {
		return fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !got {
		return nil
	}
	defer func() {
		if err := s.cfg.Coord.ReleaseLock(context.WithoutCancel(ctx), sweepLockName, token); err != nil {
			s.cfg.logError(LogEvent{Message: "Failed to release sweep lock", Err: err})
		}
	}()

	held, err := s.cfg.Jobs.ListHeld(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	for _, job := range held {
		if job.AssignedRunner == nil {
			// Should not happen; the transition layer maintains the
			// invariant. Log and skip rather than guess.
			s.cfg.logError(LogEvent{
				Message: fmt.Sprintf("Job %d in %s with no assigned runner", job.ID, job.State),
				JobID:   &job.ID,
			})
			continue
		}
		runnerID := *job.AssignedRunner

		alive, err := s.runnerAlive(ctx, runnerID, now)
		if err != nil {
			return err
		}
		switch {
		case !alive:
			if err := s.reclaimFromLostRunner(ctx, job, runnerID); err != nil {
				return err
			}
		case job.State == StateRunnerAssigned && job.AssignedAt != nil &&
			now.Sub(*job.AssignedAt) > s.cfg.ArtifactTimeout:
			// The runner is heartbeating but never fetched the artifact.
			// Treat it like a crashed runner for this job; its next report
			// naming the job gets a drop.
			if err := s.requeue(ctx, job, "artifact_timeout"); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) runnerAlive(ctx context.Context, runnerID string, now time.Time) (bool, error) {
	info, err := s.cfg.Coord.GetRunner(ctx, runnerID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return now.Sub(info.LastSeen) <= s.cfg.HeartbeatTimeout, nil
}

// reclaimFromLostRunner evicts the liveness record and releases the job: a
// job mid-abort is finalized, anything else goes back to the queue. The
// crashed runner never strands a job.
func (s *Service) reclaimFromLostRunner(ctx context.Context, job *Job, runnerID string) error {
	if err := s.cfg.Coord.DeleteRunner(ctx, runnerID); err != nil {
		return err
	}
	s.m.evictions.Add(ctx, 1)

	if job.State == StateAborting {
		updated, err := s.mutateJob(ctx, job.ID, func(j *Job) error {
			if j.State != StateAborting {
				return errNoChange
			}
			msg := "aborted by user"
			j.ErrorMessage = &msg
			return transitionToFailed(j)
		})
		if err != nil {
			return err
		}
		s.publish(ctx, updated, EventJobUpdated)
		return nil
	}
	return s.requeue(ctx, job, "runner_lost")
}

// requeue returns a held job to PENDING_RUNNER. A conflicting write from
// another replica (a racing sweep, or a last-gasp result report) wins
// silently; by the time we re-read, the job is no longer ours to requeue.
func (s *Service) requeue(ctx context.Context, job *Job, reason string) error {
	updated, err := s.mutateJob(ctx, job.ID, func(j *Job) error {
		if j.State != StateRunnerAssigned && j.State != StateRunnerInProgress {
			return errNoChange
		}
		return transition(j, StatePendingRunner)
	})
	if err != nil {
		return err
	}
	if updated.State == StatePendingRunner {
		s.m.recordRequeue(ctx, reason)
		s.cfg.logInfo(LogEvent{
			Message: fmt.Sprintf("Requeued job %d (%s)", job.ID, reason),
			JobID:   &job.ID,
		})
		s.publish(ctx, updated, EventJobUpdated)
	}
	return nil
}

// EvictRunner synchronously removes a runner and releases anything it
// holds. Token revocation calls this so a revoked runner is gone before
// the revocation returns.
func (s *Service) EvictRunner(ctx context.Context, runnerID string) error {
	if err := s.cfg.Coord.DeleteRunner(ctx, runnerID); err != nil {
		return err
	}
	s.m.evictions.Add(ctx, 1)

	held, err := s.cfg.Jobs.JobsHeldBy(ctx, runnerID)
	if err != nil {
		return err
	}
	for _, job := range held {
		if job.State == StateAborting {
			updated, err := s.mutateJob(ctx, job.ID, func(j *Job) error {
				if j.State != StateAborting {
					return errNoChange
				}
				msg := "aborted by user"
				j.ErrorMessage = &msg
				return transitionToFailed(j)
			})
			if err != nil {
				return err
			}
			s.publish(ctx, updated, EventJobUpdated)
			continue
		}
		if err := s.requeue(ctx, job, "runner_revoked"); err != nil {
			return err
		}
	}
	return nil
}

// ListRunners returns the currently-live runners.
func (s *Service) ListRunners(ctx context.Context) ([]RunnerInfo, error) {
	infos, err := s.cfg.Coord.ListRunners(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out := infos[:0]
	for _, info := range infos {
		if now.Sub(info.LastSeen) <= s.cfg.HeartbeatTimeout {
			out = append(out, info)
		}
	}
	return out, nil
}

func clampProgress(p float64) float64 {
	if p < 0 {
		return ProgressUnknown
	}
	if p > 1 {
		return 1
	}
	return p
}
