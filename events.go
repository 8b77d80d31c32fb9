package scribeq

import (
	"context"
	"sync"
)

// subscriptionBuffer is per-client. A client that stops draining loses
// events rather than blocking the fan-out; it reconciles by re-fetching
// its job list, which it must do on reconnect anyway.
const subscriptionBuffer = 16

// Subscription is one client's live feed of job change events. Close it
// when the client disconnects.
type Subscription struct {
	C <-chan Event

	ch   chan Event
	stop func()
	once sync.Once
}

// Close tears the subscription down. Safe to call more than once.
func (sub *Subscription) Close() {
	sub.once.Do(sub.stop)
}

// bus fans cross-replica events out to this replica's local subscribers.
// Exactly one coordination-store subscription is held per replica no
// matter how many clients are connected; routing by owner happens here,
// in process.
type bus struct {
	cfg *Config

	mu      sync.Mutex
	subs    map[string]map[uint64]*Subscription
	nextID  uint64
	stopped bool
	cancel  func()
}

func newBus(cfg *Config) *bus {
	return &bus{
		cfg:  cfg,
		subs: make(map[string]map[uint64]*Subscription),
	}
}

// run opens the replica's single coordination-store subscription and
// starts routing. It fails fast if the subscription cannot be
// established: a replica that cannot receive events should not accept
// event-stream clients at all.
func (b *bus) run(ctx context.Context) error {
	events, stop, err := b.cfg.Coord.Subscribe(ctx)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.stopped = false
	b.cancel = stop
	b.mu.Unlock()

	go func() {
		for ev := range events {
			b.fanout(ev)
		}
	}()
	return nil
}

func (b *bus) fanout(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs[ev.OwnerID] {
		select {
		case sub.ch <- ev:
		default:
			// slow client; dropped, best-effort only
		}
	}
}

// subscribe registers a client feed for one owner's jobs.
func (b *bus) subscribe(ownerID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	ch := make(chan Event, subscriptionBuffer)
	sub := &Subscription{C: ch, ch: ch}
	sub.stop = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if owner, ok := b.subs[ownerID]; ok {
			delete(owner, id)
			if len(owner) == 0 {
				delete(b.subs, ownerID)
			}
		}
		close(ch)
	}

	if b.subs[ownerID] == nil {
		b.subs[ownerID] = make(map[uint64]*Subscription)
	}
	b.subs[ownerID][id] = sub
	return sub
}

// stop closes the replica-wide subscription and every client feed.
func (b *bus) stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	var all []*Subscription
	for _, owner := range b.subs {
		for _, sub := range owner {
			all = append(all, sub)
		}
	}
	cancel := b.cancel
	b.mu.Unlock()

	for _, sub := range all {
		sub.Close()
	}
	if cancel != nil {
		cancel()
	}
}

// SubscribeEvents opens a live feed of change events for the owner's
// jobs. Events carry only the job id and change kind; the caller fetches
// current state from the job store. Delivery is best-effort: on reconnect
// a client must re-fetch its job list rather than expect replay.
func (s *Service) SubscribeEvents(ownerID string) *Subscription {
	return s.bus.subscribe(ownerID)
}
