package scribeq

import (
	"context"
	"time"
)

// CoordStore is the shared ephemeral store every service replica talks to.
// It owns no durable truth: runner liveness records expire by TTL, the
// sweep lock is short-lived, and the event channel has no replay. Replicas
// share no process memory, so anything cross-replica goes through here.
type CoordStore interface {
	// PutRunner writes (or refreshes) a runner liveness record with the
	// given TTL. Called on every heartbeat.
	PutRunner(ctx context.Context, info RunnerInfo, ttl time.Duration) error

	// GetRunner returns the liveness record, or ErrNotFound if it has
	// expired or was evicted.
	GetRunner(ctx context.Context, runnerID string) (*RunnerInfo, error)

	// ListRunners returns all live runner records.
	ListRunners(ctx context.Context) ([]RunnerInfo, error)

	// DeleteRunner evicts a liveness record immediately.
	DeleteRunner(ctx context.Context, runnerID string) error

	// AcquireLock takes a named short-lived lock if nobody holds it.
	// token identifies the holder for release. Used to deduplicate the
	// sweep across replicas; correctness does not depend on it (requeues
	// are compare-and-set protected), only efficiency does.
	AcquireLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error)

	// ReleaseLock releases the named lock if token still holds it.
	ReleaseLock(ctx context.Context, name, token string) error

	// Publish broadcasts an event to every replica's subscription.
	Publish(ctx context.Context, ev Event) error

	// Subscribe opens the broadcast stream. The returned channel closes
	// when ctx is canceled or stop is called. Delivery is best-effort,
	// at-least-once at most.
	Subscribe(ctx context.Context) (<-chan Event, func(), error)
}
