package scribeq

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// assignNext claims the oldest queued job this runner can take. The claim
// is a compare-and-set write of PENDING_RUNNER -> RUNNER_ASSIGNED: no
// matter how many replicas evaluate the same candidate, exactly one write
// matches the version and wins. A nil job means nothing is eligible.
//
// Candidates are walked in FIFO order through an id cursor, so a runner
// that cannot take the jobs at the head of the queue still reaches an
// eligible job further back. The walk ends on a short page: the queue has
// been seen end to end.
func (s *Service) assignNext(ctx context.Context, runnerID string) (*Job, error) {
	var after uint64
	for {
		candidates, err := s.cfg.Jobs.ListPending(ctx, after, s.cfg.DispatchBatch)
		if err != nil {
			return nil, err
		}

		for _, job := range candidates {
			after = job.ID
			if s.cfg.Capable != nil && !s.cfg.Capable(job) {
				continue
			}
			claimed, err := s.claim(ctx, job, runnerID)
			if err != nil {
				if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
					// Another replica moved the job first; next candidate.
					continue
				}
				return nil, err
			}

			s.m.assignments.Add(ctx, 1)
			s.cfg.logInfo(LogEvent{
				Message:  fmt.Sprintf("Assigned job %d", claimed.ID),
				RunnerID: runnerID,
				JobID:    &claimed.ID,
			})
			s.publish(ctx, claimed, EventJobUpdated)
			return claimed, nil
		}

		if len(candidates) < s.cfg.DispatchBatch {
			return nil, nil
		}
	}
}

// claim performs the atomic handoff on a single candidate. Unlike
// mutateJob it does not retry on conflict: a conflict here means the
// candidate is gone, not that the same write should be repeated.
func (s *Service) claim(ctx context.Context, job *Job, runnerID string) (*Job, error) {
	if job.State != StatePendingRunner {
		return nil, ErrConflict
	}
	now := time.Now().UTC()
	claimed := *job
	if err := transition(&claimed, StateRunnerAssigned); err != nil {
		return nil, err
	}
	claimed.AssignedRunner = &runnerID
	claimed.AssignedAt = &now
	if err := s.cfg.Jobs.UpdateJob(ctx, &claimed); err != nil {
		return nil, err
	}
	return &claimed, nil
}
