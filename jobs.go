package scribeq

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotReady is returned when a transcript download is requested before
// the job has succeeded.
var ErrNotReady = errors.New("transcript not ready")

// AudioKey is the blob key a job's input audio lives under.
func AudioKey(jobID uint64) string {
	return fmt.Sprintf("audio/%d", jobID)
}

// TranscriptKey is the blob key a job's transcript is written to.
func TranscriptKey(jobID uint64) string {
	return fmt.Sprintf("transcript/%d", jobID)
}

// CreateSettings stores an immutable transcription parameter snapshot.
func (s *Service) CreateSettings(ctx context.Context, set Settings) (*Settings, error) {
	return s.cfg.Jobs.CreateSettings(ctx, &set)
}

// SubmitJob creates a job for the given owner. The job enters
// PENDING_RUNNER if its settings snapshot is complete, otherwise
// NOT_QUEUED until FinalizeJob is called.
func (s *Service) SubmitJob(ctx context.Context, ownerID string, settingsID uint64, audio []byte) (*Job, error) {
	set, err := s.cfg.Jobs.GetSettings(ctx, settingsID)
	if err != nil {
		return nil, fmt.Errorf("settings %d: %w", settingsID, err)
	}

	state := StateNotQueued
	if set.Complete {
		state = StatePendingRunner
	}
	job, err := s.cfg.Jobs.CreateJob(ctx, &Job{
		OwnerID:    ownerID,
		SettingsID: settingsID,
		State:      state,
	})
	if err != nil {
		return nil, err
	}

	if len(audio) > 0 {
		if err := s.cfg.Blobs.Put(ctx, AudioKey(job.ID), audio); err != nil {
			// The row exists but the artifact does not; fail the job so it
			// is never dispatched without input.
			_, _ = s.mutateJob(ctx, job.ID, func(j *Job) error {
				msg := "audio upload failed"
				j.ErrorMessage = &msg
				return transitionToFailed(j)
			})
			return nil, fmt.Errorf("store audio: %w", err)
		}
	}

	s.publish(ctx, job, EventJobCreated)
	return job, nil
}

// FinalizeJob marks the job's settings snapshot complete and moves the job
// from NOT_QUEUED into the dispatch queue. Calling it on a job already
// queued is a no-op.
func (s *Service) FinalizeJob(ctx context.Context, jobID uint64, ownerID string) (*Job, error) {
	job, err := s.ownedJob(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}
	if err := s.cfg.Jobs.FinalizeSettings(ctx, job.SettingsID); err != nil {
		return nil, err
	}

	job, err = s.mutateJob(ctx, jobID, func(j *Job) error {
		if j.State != StateNotQueued {
			return errNoChange
		}
		return transition(j, StatePendingRunner)
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, job, EventJobUpdated)
	return job, nil
}

// AbortJob requests cancellation. If a runner holds the job the state
// moves to ABORTING and the runner is told to drop it on its next contact;
// if nothing is in progress the job fails immediately. Aborting a job that
// already finished, or aborting twice, is a harmless no-op.
func (s *Service) AbortJob(ctx context.Context, jobID uint64, ownerID string) (*Job, error) {
	if _, err := s.ownedJob(ctx, jobID, ownerID); err != nil {
		return nil, err
	}

	job, err := s.mutateJob(ctx, jobID, func(j *Job) error {
		switch {
		case j.Terminal():
			return errNoChange
		case j.State == StateAborting:
			return errNoChange
		case j.State == StateRunnerAssigned || j.State == StateRunnerInProgress:
			return transition(j, StateAborting)
		default:
			// NOT_QUEUED or PENDING_RUNNER: nobody is working on it.
			msg := "aborted before assignment"
			j.ErrorMessage = &msg
			return transitionToFailed(j)
		}
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, job, EventJobUpdated)
	return job, nil
}

// ReportResult records a runner's terminal report. Reports from a runner
// that no longer holds the job (it was requeued or reassigned while the
// runner was out of contact) return ErrStaleRunner and change nothing.
func (s *Service) ReportResult(ctx context.Context, jobID uint64, runnerID string, outcome ResultOutcome, transcriptRef, errMsg string) (*Job, error) {
	job, err := s.mutateJob(ctx, jobID, func(j *Job) error {
		if j.Terminal() {
			return ErrTerminal
		}
		if !j.HeldBy(runnerID) {
			return ErrStaleRunner
		}
		now := time.Now().UTC()
		switch {
		case j.State == StateAborting:
			// Whatever the runner reports, the user already asked for an
			// abort; the report is the acknowledgment.
			msg := "aborted by user"
			j.ErrorMessage = &msg
			j.FinishedAt = &now
			return transition(j, StateFailed)
		case outcome == ResultSuccess:
			if transcriptRef == "" {
				return fmt.Errorf("success report for job %d carries no transcript", j.ID)
			}
			j.TranscriptRef = &transcriptRef
			j.Progress = 1
			j.FinishedAt = &now
			return transition(j, StateSuccess)
		case outcome == ResultFailure:
			if errMsg == "" {
				errMsg = "runner reported failure"
			}
			j.ErrorMessage = &errMsg
			j.FinishedAt = &now
			return transition(j, StateFailed)
		case outcome == ResultAborted:
			msg := "aborted by runner"
			if errMsg != "" {
				msg = errMsg
			}
			j.ErrorMessage = &msg
			j.FinishedAt = &now
			return transition(j, StateFailed)
		default:
			return fmt.Errorf("unknown result outcome %q", outcome)
		}
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, job, EventJobUpdated)
	return job, nil
}

// FetchArtifact hands the input audio to the runner holding the job. The
// first fetch acknowledges the assignment and moves the job to
// RUNNER_IN_PROGRESS.
func (s *Service) FetchArtifact(ctx context.Context, jobID uint64, runnerID string) ([]byte, error) {
	job, err := s.mutateJob(ctx, jobID, func(j *Job) error {
		if !j.HeldBy(runnerID) || j.State == StateAborting {
			return ErrStaleRunner
		}
		if j.State == StateRunnerAssigned {
			return transition(j, StateRunnerInProgress)
		}
		return errNoChange
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, job, EventJobUpdated)
	return s.cfg.Blobs.Get(ctx, AudioKey(jobID))
}

// DownloadTranscript returns the transcript of a succeeded job and marks
// it DOWNLOADED. Downloading again is idempotent.
func (s *Service) DownloadTranscript(ctx context.Context, jobID uint64, ownerID string) ([]byte, *Job, error) {
	job, err := s.ownedJob(ctx, jobID, ownerID)
	if err != nil {
		return nil, nil, err
	}
	if job.State != StateSuccess && job.State != StateDownloaded {
		return nil, nil, ErrNotReady
	}
	if job.TranscriptRef == nil {
		return nil, nil, fmt.Errorf("job %d succeeded without a transcript reference", jobID)
	}
	data, err := s.cfg.Blobs.Get(ctx, *job.TranscriptRef)
	if err != nil {
		return nil, nil, err
	}

	job, err = s.mutateJob(ctx, jobID, func(j *Job) error {
		if j.State != StateSuccess {
			return errNoChange
		}
		return transition(j, StateDownloaded)
	})
	if err != nil {
		return nil, nil, err
	}
	s.publish(ctx, job, EventJobUpdated)
	return data, job, nil
}

// DeleteJob removes a job and its artifacts. Retention-policy cleanup goes
// through the same path.
func (s *Service) DeleteJob(ctx context.Context, jobID uint64, ownerID string) error {
	job, err := s.ownedJob(ctx, jobID, ownerID)
	if err != nil {
		return err
	}
	if !job.Terminal() {
		return fmt.Errorf("job %d is still %s", jobID, job.State)
	}
	_ = s.cfg.Blobs.Delete(ctx, AudioKey(jobID))
	if job.TranscriptRef != nil {
		_ = s.cfg.Blobs.Delete(ctx, *job.TranscriptRef)
	}
	if err := s.cfg.Jobs.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	s.publish(ctx, job, EventJobDeleted)
	return nil
}

// GetJob fetches a job, enforcing ownership.
func (s *Service) GetJob(ctx context.Context, jobID uint64, ownerID string) (*Job, error) {
	return s.ownedJob(ctx, jobID, ownerID)
}

// ListJobs returns the owner's jobs, newest first.
func (s *Service) ListJobs(ctx context.Context, ownerID string) ([]*Job, error) {
	return s.cfg.Jobs.ListOwnerJobs(ctx, ownerID)
}

func (s *Service) ownedJob(ctx context.Context, jobID uint64, ownerID string) (*Job, error) {
	job, err := s.cfg.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != ownerID {
		// Do not leak whether the job exists.
		return nil, ErrNotFound
	}
	return job, nil
}

// transitionToFailed moves a job to FAILED and stamps the finish time.
func transitionToFailed(j *Job) error {
	now := time.Now().UTC()
	j.FinishedAt = &now
	return transition(j, StateFailed)
}
