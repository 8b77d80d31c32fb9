package scribeq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	runnerKeyPrefix = "scribeq:runner:"
	lockKeyPrefix   = "scribeq:lock:"
	eventChannel    = "scribeq:events"
)

// RedisCoord implements CoordStore on Redis: liveness records as TTL'd
// string keys, the sweep lock as SET NX PX, events over pub/sub. A crashed
// replica leaves nothing behind that Redis does not expire on its own.
type RedisCoord struct {
	client *redis.Client
}

func NewRedisCoord(client *redis.Client) *RedisCoord {
	return &RedisCoord{client: client}
}

// envelope is the wire form of an Event on the pub/sub channel. Owner id
// travels with the event so receiving replicas can route without a
// database read; it is stripped before anything reaches a client.
type envelope struct {
	JobID   uint64 `json:"job_id"`
	Kind    string `json:"kind"`
	OwnerID string `json:"owner_id"`
}

func (c *RedisCoord) PutRunner(ctx context.Context, info RunnerInfo, ttl time.Duration) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, runnerKeyPrefix+info.ID, data, ttl).Err()
}

func (c *RedisCoord) GetRunner(ctx context.Context, runnerID string) (*RunnerInfo, error) {
	data, err := c.client.Get(ctx, runnerKeyPrefix+runnerID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var info RunnerInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("corrupt runner record %s: %w", runnerID, err)
	}
	return &info, nil
}

func (c *RedisCoord) ListRunners(ctx context.Context) ([]RunnerInfo, error) {
	var out []RunnerInfo
	iter := c.client.Scan(ctx, 0, runnerKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := c.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// expired between SCAN and GET
				continue
			}
			return nil, err
		}
		var info RunnerInfo
		if err := json.Unmarshal(data, &info); err != nil {
			continue
		}
		out = append(out, info)
	}
	return out, iter.Err()
}

func (c *RedisCoord) DeleteRunner(ctx context.Context, runnerID string) error {
	return c.client.Del(ctx, runnerKeyPrefix+runnerID).Err()
}

func (c *RedisCoord) AcquireLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, lockKeyPrefix+name, token, ttl).Result()
}

// releaseScript deletes the lock only if the caller still holds it, so a
// slow sweeper cannot release a lock that already expired and was retaken.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

func (c *RedisCoord) ReleaseLock(ctx context.Context, name, token string) error {
	return releaseScript.Run(ctx, c.client, []string{lockKeyPrefix + name}, token).Err()
}

func (c *RedisCoord) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(envelope{JobID: ev.JobID, Kind: string(ev.Kind), OwnerID: ev.OwnerID})
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, eventChannel, data).Err()
}

func (c *RedisCoord) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	sub := c.client.Subscribe(ctx, eventChannel)
	// Force the subscription to be established before we report success;
	// otherwise early events published by this same replica can be lost.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan Event, 64)
	done := make(chan struct{})
	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					continue
				}
				select {
				case out <- Event{JobID: env.JobID, Kind: EventKind(env.Kind), OwnerID: env.OwnerID}:
				default:
					// receiver is not draining; drop, delivery is best-effort
				}
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}
	return out, stop, nil
}
