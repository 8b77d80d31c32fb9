package scribeq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Service is the dispatch core one replica runs. Every replica is
// stateless: all coordination happens through the durable job store
// (compare-and-set writes) and the coordination store (liveness, locks,
// pub/sub), so any number of Services can run side by side.
type Service struct {
	cfg *Config
	m   *metrics
	bus *bus

	mu       sync.Mutex // guards cancel, loopDone and started
	cancel   context.CancelFunc
	loopDone chan struct{}
	started  bool
}

func New(cfg Config) *Service {
	c := cfg.withDefaults()
	return &Service{
		cfg: c,
		m:   newMetrics(),
		bus: newBus(c),
	}
}

// Start launches the background loops: the cross-replica event receiver
// and the periodic liveness sweep. It returns immediately; call Shutdown
// to stop them.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.cfg.logError(LogEvent{Message: "Service already started."})
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)

	if err := s.bus.run(runCtx); err != nil {
		cancel()
		return fmt.Errorf("event subscription: %w", err)
	}

	done := make(chan struct{})
	s.cancel = cancel
	s.loopDone = done
	s.started = true

	go func() {
		defer close(done)
		s.sweepLoop(runCtx)
	}()

	s.cfg.logInfo(LogEvent{Message: "Dispatch core started."})
	return nil
}

// Shutdown gracefully stops the background loops, waiting up to `timeout`
// for them to exit.
func (s *Service) Shutdown(timeout time.Duration) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		s.cfg.logInfo(LogEvent{Message: "Nothing to shut down (did you call Start?)."})
		return
	}
	s.cancel()
	s.started = false
	doneCh := s.loopDone
	s.mu.Unlock()
	s.bus.stop()

	select {
	case <-doneCh:
		s.cfg.logInfo(LogEvent{Message: "Dispatch core shut down cleanly."})
	case <-time.After(timeout):
		s.cfg.logError(LogEvent{
			Message: fmt.Sprintf("Shutdown timed out after %v.", timeout),
		})
	}
}

func (s *Service) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.cfg.logError(LogEvent{Message: "Liveness sweep failed", Err: err})
			}
		}
	}
}

// errNoChange aborts a mutateJob round trip without writing. The job as
// read is returned to the caller with a nil error.
var errNoChange = errors.New("no change")

const casRetries = 5

// mutateJob re-reads the job, applies fn and writes it back under
// compare-and-set, retrying on version conflicts. Transient contention is
// absorbed here and never surfaced to callers.
func (s *Service) mutateJob(ctx context.Context, id uint64, fn func(*Job) error) (*Job, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		job, err := s.cfg.Jobs.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(job); err != nil {
			if errors.Is(err, errNoChange) {
				return job, nil
			}
			return nil, err
		}
		err = s.cfg.Jobs.UpdateJob(ctx, job)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("job %d: %w after %d attempts", id, ErrConflict, casRetries)
}

// publish broadcasts a job change. Notification is best-effort: a publish
// failure is logged, never propagated, because the durable store already
// holds the truth and clients reconcile by re-fetching.
func (s *Service) publish(ctx context.Context, job *Job, kind EventKind) {
	ev := Event{JobID: job.ID, Kind: kind, OwnerID: job.OwnerID}
	if err := s.cfg.Coord.Publish(ctx, ev); err != nil {
		s.cfg.logError(LogEvent{Message: "Failed to publish event", JobID: &job.ID, Err: err})
		return
	}
	s.m.recordEvent(ctx, kind)
}
