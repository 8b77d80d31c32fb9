package scribeq

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory JobStore with the same compare-and-set
// semantics as the MySQL implementation. It backs the tests and is handy
// for single-process development against no database.
type MemoryStore struct {
	mu           sync.Mutex
	jobs         map[uint64]*Job
	settings     map[uint64]*Settings
	nextJob      uint64
	nextSettings uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[uint64]*Job),
		settings: make(map[uint64]*Settings),
	}
}

func (s *MemoryStore) CreateSettings(ctx context.Context, set *Settings) (*Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSettings++
	out := *set
	out.ID = s.nextSettings
	out.CreatedAt = time.Now().UTC()
	s.settings[out.ID] = &out
	cp := out
	return &cp, nil
}

func (s *MemoryStore) GetSettings(ctx context.Context, id uint64) (*Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.settings[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *set
	return &cp, nil
}

func (s *MemoryStore) FinalizeSettings(ctx context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.settings[id]
	if !ok {
		return ErrNotFound
	}
	set.Complete = true
	return nil
}

func (s *MemoryStore) CreateJob(ctx context.Context, job *Job) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextJob++
	out := *job
	out.ID = s.nextJob
	out.Progress = ProgressUnknown
	out.Version = 1
	out.CreatedAt = time.Now().UTC()
	s.jobs[out.ID] = &out
	cp := out
	return &cp, nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id uint64) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *MemoryStore) ListOwnerJobs(ctx context.Context, ownerID string) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Job
	for _, job := range s.jobs {
		if job.OwnerID == ownerID {
			cp := *job
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListPending(ctx context.Context, afterID uint64, limit int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Job
	for _, job := range s.jobs {
		if job.State == StatePendingRunner && job.ID > afterID {
			cp := *job
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListHeld(ctx context.Context) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Job
	for _, job := range s.jobs {
		switch job.State {
		case StateRunnerAssigned, StateRunnerInProgress, StateAborting:
			cp := *job
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) JobsHeldBy(ctx context.Context, runnerID string) ([]*Job, error) {
	held, err := s.ListHeld(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Job
	for _, job := range held {
		if job.HeldBy(runnerID) {
			out = append(out, job)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateJob(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != job.Version {
		return ErrConflict
	}
	cp := *job
	cp.Version++
	s.jobs[job.ID] = &cp
	job.Version++
	return nil
}

func (s *MemoryStore) DeleteJob(ctx context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(s.jobs, id)
	return nil
}

// MemoryBlobStore is the in-memory BlobStore used by tests and development.
type MemoryBlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (b *MemoryBlobStore) Put(ctx context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	b.blobs[key] = cp
	return nil
}

func (b *MemoryBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (b *MemoryBlobStore) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blobs, key)
	return nil
}
