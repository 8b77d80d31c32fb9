package scribeq

import (
	"context"
	"sync"
	"time"
)

// MemoryCoord is an in-process CoordStore for tests and single-replica
// development. TTLs are checked lazily on read, mirroring how Redis expiry
// looks to a caller.
type MemoryCoord struct {
	mu      sync.Mutex
	runners map[string]memRunner
	locks   map[string]memLock
	subs    map[uint64]chan Event
	nextSub uint64
	now     func() time.Time
}

type memRunner struct {
	info    RunnerInfo
	expires time.Time
}

type memLock struct {
	token   string
	expires time.Time
}

func NewMemoryCoord() *MemoryCoord {
	return &MemoryCoord{
		runners: make(map[string]memRunner),
		locks:   make(map[string]memLock),
		subs:    make(map[uint64]chan Event),
		now:     time.Now,
	}
}

// SetClock overrides the time source. Tests use it to age out liveness
// records without sleeping.
func (c *MemoryCoord) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *MemoryCoord) PutRunner(ctx context.Context, info RunnerInfo, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runners[info.ID] = memRunner{info: info, expires: c.now().Add(ttl)}
	return nil
}

func (c *MemoryCoord) GetRunner(ctx context.Context, runnerID string) (*RunnerInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.runners[runnerID]
	if !ok || c.now().After(rec.expires) {
		delete(c.runners, runnerID)
		return nil, ErrNotFound
	}
	cp := rec.info
	return &cp, nil
}

func (c *MemoryCoord) ListRunners(ctx context.Context) ([]RunnerInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []RunnerInfo
	now := c.now()
	for id, rec := range c.runners {
		if now.After(rec.expires) {
			delete(c.runners, id)
			continue
		}
		out = append(out, rec.info)
	}
	return out, nil
}

func (c *MemoryCoord) DeleteRunner(ctx context.Context, runnerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.runners, runnerID)
	return nil
}

func (c *MemoryCoord) AcquireLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if cur, ok := c.locks[name]; ok && now.Before(cur.expires) {
		return false, nil
	}
	c.locks[name] = memLock{token: token, expires: now.Add(ttl)}
	return true, nil
}

func (c *MemoryCoord) ReleaseLock(ctx context.Context, name, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.locks[name]; ok && cur.token == token {
		delete(c.locks, name)
	}
	return nil
}

func (c *MemoryCoord) Publish(ctx context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			// best-effort, same as the Redis path
		}
	}
	return nil
}

func (c *MemoryCoord) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	ch := make(chan Event, 64)
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			close(ch)
		})
	}
	go func() {
		<-ctx.Done()
		stop()
	}()
	return ch, stop, nil
}
